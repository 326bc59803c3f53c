package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// markerJSON is the schema the model is instructed to emit per candidate.
type markerJSON struct {
	Detail       string  `json:"detail"`
	Sheet        string  `json:"sheet"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
	IsValid      bool    `json:"is_valid"`
	FuzzyMatched bool    `json:"fuzzy_matched"`
	Reason       string  `json:"reason,omitempty"`
}

// parseStrict extracts the JSON array from a completion. Models sometimes
// wrap the array in a code fence or prose; the outermost bracket pair is
// located before decoding.
func parseStrict(content string) ([]markerJSON, bool) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, false
	}

	var out []markerJSON
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, false
	}
	return out, true
}

// fallbackPattern recovers marker readings from free-form text when JSON
// parsing fails entirely. It tolerates the slash being misread as an
// underscore or dash.
var fallbackPattern = regexp.MustCompile(`(\d+|N)\s*[/_—–-]\s*([A-Z0-9.\-]+)`)

// fallbackMaxConfidence caps markers recovered by regex; the formatting slip
// already cost the response credibility.
const fallbackMaxConfidence = 0.6

// parseFallback scans the whole response text for detail/sheet pairs and
// emits low-confidence markers.
func parseFallback(content string) []markerJSON {
	matches := fallbackPattern.FindAllStringSubmatch(strings.ToUpper(content), -1)
	out := make([]markerJSON, 0, len(matches))
	for _, m := range matches {
		out = append(out, markerJSON{
			Detail:     m[1],
			Sheet:      m[2],
			Type:       "unknown",
			Confidence: fallbackMaxConfidence,
			Reason:     "regex fallback",
		})
	}
	return out
}
