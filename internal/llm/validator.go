package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/MeKo-Tech/calloutscan/internal/exemplar"
	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// DefaultBatchSize is the tested optimum: larger batches degrade accuracy,
// smaller ones raise per-marker cost.
const DefaultBatchSize = 10

// unknownSheetConfidenceCap bounds the confidence of markers whose sheet is
// not in the project list.
const unknownSheetConfidenceCap = 0.5

// Validator drives Stage 2: batches candidates, prompts the model, and turns
// positional responses into validated markers.
type Validator struct {
	client    *Client
	exemplars *exemplar.Set
	batchSize int
	logger    *slog.Logger
}

// NewValidator wires a validator. A nil exemplar set falls back to the
// built-in synthetic set so prompts are never unanchored.
func NewValidator(client *Client, set *exemplar.Set, batchSize int, logger *slog.Logger) (*Validator, error) {
	if client == nil {
		return nil, errors.New("nil llm client")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if set == nil {
		var err error
		set, err = exemplar.BuiltinSet()
		if err != nil {
			return nil, fmt.Errorf("failed to build exemplar set: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{client: client, exemplars: set, batchSize: batchSize, logger: logger}, nil
}

// BatchSize returns the configured batch size.
func (v *Validator) BatchSize() int { return v.batchSize }

// MakeBatches splits items into groups of the configured size, preserving
// order.
func (v *Validator) MakeBatches(items []BatchItem) [][]BatchItem {
	var batches [][]BatchItem
	for start := 0; start < len(items); start += v.batchSize {
		end := start + v.batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}

// ValidateBatch sends one batch to the model and returns its markers. The
// response is matched positionally: output i describes candidate i, and a
// shorter output means the model skipped trailing candidates as invalid.
// Transient failures retry once; a second failure or a size-cap violation
// returns an error and the batch yields no markers.
func (v *Validator) ValidateBatch(ctx context.Context, items []BatchItem, project *types.Project) ([]types.Marker, error) {
	if len(items) == 0 {
		return nil, nil
	}

	messages, err := buildMessages(items, v.exemplars, project)
	if err != nil {
		return nil, err
	}

	content, err := v.complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	v.logger.Debug("llm batch response",
		"candidates", len(items), "size", humanize.Bytes(uint64(len(content))))

	parsed, ok := parseStrict(content)
	if !ok {
		v.logger.Warn("llm response not parseable as JSON, using regex fallback")
		parsed = parseFallback(content)
	}

	// Hallucination guard: never more markers than candidates.
	if len(parsed) > len(items) {
		v.logger.Warn("llm hallucination: truncating response",
			"returned", len(parsed), "batch", len(items))
		parsed = parsed[:len(items)]
	}

	markers := make([]types.Marker, 0, len(parsed))
	for i, raw := range parsed {
		m, keep := v.postProcess(raw, items[i], project)
		if keep {
			markers = append(markers, m)
		}
	}
	return markers, nil
}

// complete calls the model, retrying once on transient failure. A size-cap
// violation is not transient and never retried.
func (v *Validator) complete(ctx context.Context, messages []chatMessage) (string, error) {
	content, err := v.client.Complete(ctx, messages)
	if err == nil {
		return content, nil
	}
	if errors.Is(err, ErrResponseTooLarge) || ctx.Err() != nil {
		return "", err
	}
	v.logger.Warn("llm batch failed, retrying once", "error", err)
	return v.client.Complete(ctx, messages)
}

// postProcess normalizes one model output into a Marker bound to its
// candidate. keep is false for outputs with no usable detail or sheet.
func (v *Validator) postProcess(raw markerJSON, item BatchItem, project *types.Project) (types.Marker, bool) {
	detail := strings.ToUpper(strings.TrimSpace(raw.Detail))
	sheet := strings.ToUpper(strings.TrimSpace(raw.Sheet))
	if detail == "" || sheet == "" {
		return types.Marker{}, false
	}

	confidence := clamp01(raw.Confidence)

	kind := types.ShapeKind(raw.Type)
	switch kind {
	case types.ShapeCircular, types.ShapeTriangular:
	default:
		// Fall back to what the geometric detector saw.
		kind = item.Candidate.Shape
	}

	m := types.Marker{
		Detail:     detail,
		Sheet:      sheet,
		Kind:       kind,
		Confidence: confidence,
		IsValid:    true,
		BBox:       item.Candidate.BBox,
		TileID:     item.Candidate.TileID,
	}

	if project.HasSheets() {
		canonical, distance, matched := FuzzyMatch(sheet, project.ValidSheets)
		switch {
		case matched && distance == 0:
			m.Sheet = canonical
		case matched:
			m.OriginalSheet = sheet
			m.Sheet = canonical
			m.FuzzyMatched = true
		default:
			m.IsValid = false
			if m.Confidence > unknownSheetConfidenceCap {
				m.Confidence = unknownSheetConfidenceCap
			}
		}
	}

	m.Text = m.Detail + "/" + m.Sheet
	return m, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
