package llm

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/MeKo-Tech/calloutscan/internal/exemplar"
	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// BatchItem pairs a candidate with its context-padded crop.
type BatchItem struct {
	Candidate types.Candidate
	Crop      *image.NRGBA
}

const instructionTemplate = `You identify reference callout symbols on construction drawings.

Two marker types exist:
- circular callouts: a circle containing "detail/sheet" text, e.g. "3/A7"
  (detail 3 on sheet A7). The detail is a number 1-99 or the letter N; the
  sheet code starts with a letter.
- triangular revision deltas: a triangle containing the same "detail/sheet"
  format; the triangle means the reference is a revision.

Respond with ONLY a JSON array. Each element describes one candidate image
that contains a real marker:
  {"detail": "3", "sheet": "A7", "type": "circular", "confidence": 0.95,
   "is_valid": true, "fuzzy_matched": false, "reason": ""}

Rules:
- The first %d images are reference exemplars of true markers. Do NOT
  analyze them and do NOT include them in your output.
- Analyze only the %d candidate images that follow, in the order given, and
  return at most one object per candidate image, in that same order.
- Your output array length must be at most %d, the number of candidates.
- Skip candidate images that are not real markers; do not emit an object
  for them.
- Never invent sequential markers or markers you cannot see.`

// buildMessages assembles the multi-image prompt: instruction, project
// sheet/detail lists, exemplar images, then the candidate crops in order.
func buildMessages(items []BatchItem, set *exemplar.Set, project *types.Project) ([]chatMessage, error) {
	numExemplars := 0
	if set != nil {
		numExemplars = len(set.Exemplars)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, instructionTemplate, numExemplars, len(items), len(items))
	if project.HasSheets() {
		fmt.Fprintf(&sb, "\n\nValid sheet numbers in this project: %s",
			strings.Join(project.ValidSheets, ", "))
	}
	if project.HasDetails() {
		fmt.Fprintf(&sb, "\nValid detail numbers in this project: %s",
			strings.Join(project.ValidDetails, ", "))
	}

	parts := []contentPart{{Type: "text", Text: sb.String()}}

	if set != nil {
		for _, e := range set.Exemplars {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: dataURL(e.PNG)},
			})
		}
	}

	for i, item := range items {
		data, err := encodePNG(item.Crop)
		if err != nil {
			return nil, fmt.Errorf("failed to encode candidate %d: %w", i, err)
		}
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: dataURL(data)},
		})
	}

	return []chatMessage{{Role: "user", Content: parts}}, nil
}

func dataURL(pngData []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)
}

func encodePNG(img *image.NRGBA) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("nil crop")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
