// Package aggregate merges per-tile marker lists into one page-level result:
// tile offsets are applied, overlap duplicates collapsed, and the final list
// sorted into reading order.
package aggregate

import (
	"log/slog"
	"sort"

	"github.com/paulmach/orb/planar"

	"github.com/MeKo-Tech/calloutscan/internal/tiler"
	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// DefaultRadiusFrac is the dedup radius as a fraction of page height. Two
// markers with the same text closer than this are the same physical symbol
// seen through overlapping tiles.
const DefaultRadiusFrac = 0.067

// Aggregator merges markers from overlapping tiles.
type Aggregator struct {
	radiusFrac float64
	logger     *slog.Logger
}

// New returns an aggregator. radiusFrac <= 0 selects the default.
func New(radiusFrac float64, logger *slog.Logger) *Aggregator {
	if radiusFrac <= 0 {
		radiusFrac = DefaultRadiusFrac
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{radiusFrac: radiusFrac, logger: logger}
}

// Aggregate translates tile-local markers into page coordinates, removes
// overlap duplicates, and sorts the survivors top to bottom, then left to
// right. offsets maps tile IDs to their page position; markers from unknown
// tiles are dropped since they cannot be placed.
func (a *Aggregator) Aggregate(markers []types.Marker, offsets map[string]tiler.Offset, pageHeight int) []types.Marker {
	translated := a.translate(markers, offsets)
	merged := a.dedup(translated, pageHeight)
	sortReadingOrder(merged)
	return merged
}

// translate maps each marker bbox from tile-local to page coordinates.
func (a *Aggregator) translate(markers []types.Marker, offsets map[string]tiler.Offset) []types.Marker {
	out := make([]types.Marker, 0, len(markers))
	for _, m := range markers {
		off, ok := offsets[m.TileID]
		if !ok {
			a.logger.Warn("marker references unknown tile, dropping", "tile", m.TileID, "text", m.Text)
			continue
		}
		m.BBox = m.BBox.Translate(off.X, off.Y)
		out = append(out, m)
	}
	return out
}

// dedup collapses markers that share normalized text and sit within the dedup
// radius of each other. The highest confidence copy survives; on a tie the
// copy from the earlier tile wins so results stay deterministic.
func (a *Aggregator) dedup(markers []types.Marker, pageHeight int) []types.Marker {
	if len(markers) < 2 {
		return markers
	}

	radius := a.radiusFrac * float64(pageHeight)

	// Rank candidates so the greedy pass always keeps the preferred copy.
	order := make([]int, len(markers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		mx, my := markers[order[x]], markers[order[y]]
		if mx.Confidence != my.Confidence {
			return mx.Confidence > my.Confidence
		}
		return mx.TileID < my.TileID
	})

	var kept []types.Marker
	for _, idx := range order {
		m := markers[idx]
		dup := false
		for _, k := range kept {
			if k.NormalizedText() != m.NormalizedText() {
				continue
			}
			if planar.Distance(k.BBox.Center(), m.BBox.Center()) < radius {
				dup = true
				break
			}
		}
		if dup {
			a.logger.Debug("dropping overlap duplicate", "text", m.Text, "tile", m.TileID)
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// sortReadingOrder orders markers top to bottom, then left to right, by bbox
// center.
func sortReadingOrder(markers []types.Marker) {
	sort.SliceStable(markers, func(i, j int) bool {
		ci, cj := markers[i].BBox.Center(), markers[j].BBox.Center()
		if ci.Y() != cj.Y() {
			return ci.Y() < cj.Y()
		}
		return ci.X() < cj.X()
	})
}
