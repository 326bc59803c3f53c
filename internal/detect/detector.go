package detect

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// Detector locates circle and triangle symbol candidates in drawing tiles.
// It is stateless apart from its parameters and safe for concurrent use.
type Detector struct {
	params Params
	logger *slog.Logger
}

// New creates a detector with the given parameters.
func New(params Params, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if len(params.CirclePasses) == 0 {
		params = DefaultParams(params.DPI)
	}
	return &Detector{params: params, logger: logger}
}

// Detect runs Stage 1 over a single tile and returns all plausible candidates
// in tile-local coordinates. A tile that cannot be processed yields an error;
// callers log and skip it without failing the page.
func (d *Detector) Detect(tile *types.Tile) ([]types.Candidate, error) {
	if tile == nil || tile.Image == nil {
		return nil, fmt.Errorf("nil tile image")
	}
	bounds := tile.Image.Bounds()
	if bounds.Dx() < 3 || bounds.Dy() < 3 {
		return nil, fmt.Errorf("tile %s too small: %v", tile.ID, bounds)
	}

	gray := grayscale(tile.Image, d.params.BlurSigma)
	field := computeGradients(gray, d.params.EdgeThreshold)

	var candidates []types.Candidate
	candidates = append(candidates, d.detectCircles(field, tile.ID)...)
	candidates = append(candidates, d.detectTriangles(gray, tile.ID)...)

	candidates = suppress(candidates, d.params.NMSIoU)

	if d.params.Strict {
		before := len(candidates)
		candidates = d.strictFilter(candidates, gray, field, bounds)
		d.logger.Debug("strict filter applied",
			"tile", tile.ID, "before", before, "after", len(candidates))
	}
	return candidates, nil
}

// detectCircles runs every configured Hough pass and converts hits to
// candidates. A later pass does not re-report a circle already claimed by an
// earlier, more sensitive pass at nearly the same center.
func (d *Detector) detectCircles(field *gradientField, tileID string) []types.Candidate {
	var out []types.Candidate
	for _, pass := range d.params.CirclePasses {
		minR := d.params.scalePx(pass.MinRadius)
		maxR := d.params.scalePx(pass.MaxRadius)
		for _, c := range houghCircles(field, minR, maxR, pass.VoteFrac) {
			if claimed(out, c) {
				continue
			}
			out = append(out, types.Candidate{
				BBox:          types.BBox{X: c.cx - c.r, Y: c.cy - c.r, W: 2 * c.r, H: 2 * c.r},
				Shape:         types.ShapeCircular,
				Method:        pass.Name,
				GeoConfidence: pass.Confidence,
				TileID:        tileID,
			})
		}
	}
	return out
}

func claimed(existing []types.Candidate, c circle) bool {
	for _, e := range existing {
		center := e.BBox.Center()
		dx := center[0] - float64(c.cx)
		dy := center[1] - float64(c.cy)
		if math.Hypot(dx, dy) < float64(c.r) {
			return true
		}
	}
	return false
}

// detectTriangles binarizes the tile, traces contours, and accepts any whose
// polygon approximation is a triangle at one of the configured tolerances,
// or whose convex hull is a triangle that the contour fills well enough.
func (d *Detector) detectTriangles(gray *image.Gray, tileID string) []types.Candidate {
	bin, w, h := binarize(gray, d.params.AdaptiveWindow, d.params.AdaptiveBias)
	contours := findContours(bin, w, h, d.params.MinContourPoints)

	minArea := d.params.scaleArea(d.params.TriMinArea)
	maxArea := d.params.scaleArea(d.params.TriMaxArea)

	var out []types.Candidate
	for _, c := range contours {
		bw, bh := c.bounds.Dx(), c.bounds.Dy()
		if bw == 0 || bh == 0 {
			continue
		}
		aspect := float64(bw) / float64(bh)
		if aspect < d.params.TriMinAspect || aspect > d.params.TriMaxAspect {
			continue
		}
		if c.area < minArea || c.area > maxArea {
			continue
		}
		if !d.isTriangle(c, gray) {
			continue
		}
		out = append(out, types.Candidate{
			BBox: types.BBox{
				X: c.bounds.Min.X, Y: c.bounds.Min.Y, W: bw, H: bh,
			},
			Shape:         types.ShapeTriangular,
			Method:        "contour-approx",
			GeoConfidence: d.params.TriConfidence,
			TileID:        tileID,
		})
	}
	return out
}

func (d *Detector) isTriangle(c contour, gray *image.Gray) bool {
	perim := perimeterLength(c.boundary)
	for _, epsFrac := range d.params.ApproxEpsilons {
		approx := approxPolygon(c.boundary, epsFrac*perim)
		if len(approx) == 3 {
			return true
		}
	}

	// Hull fallback: an open or noisy triangle still has a triangular hull.
	hull := convexHull(c.boundary)
	hullPerim := perimeterLength(hull)
	for _, epsFrac := range d.params.ApproxEpsilons {
		approx := approxPolygon(hull, epsFrac*hullPerim)
		if len(approx) != 3 {
			continue
		}
		hullArea := polygonArea(hull)
		if hullArea <= 0 {
			continue
		}
		if float64(c.area)/hullArea >= d.params.TriHullFillMin {
			return true
		}
		// Filled delta markers pass on darkness instead of fill ratio.
		if meanIntensity(gray, c.bounds) < d.params.TriFillDarkness {
			return true
		}
	}
	return false
}

// suppress applies per-shape IoU non-max suppression, keeping the highest
// confidence box in each overlapping group.
func suppress(candidates []types.Candidate, iouThreshold float64) []types.Candidate {
	byShape := map[types.ShapeKind][]types.Candidate{}
	for _, c := range candidates {
		byShape[c.Shape] = append(byShape[c.Shape], c)
	}

	var out []types.Candidate
	for _, group := range byShape {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].GeoConfidence > group[j].GeoConfidence
		})
		var kept []types.Candidate
		for _, c := range group {
			drop := false
			for _, k := range kept {
				if c.BBox.IoU(k.BBox) > iouThreshold {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, c)
			}
		}
		out = append(out, kept...)
	}

	// Deterministic output order: top-to-bottom, left-to-right.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BBox.Y != out[j].BBox.Y {
			return out[i].BBox.Y < out[j].BBox.Y
		}
		return out[i].BBox.X < out[j].BBox.X
	})
	return out
}

// meanIntensity returns the average gray level inside rect.
func meanIntensity(gray *image.Gray, rect image.Rectangle) float64 {
	rect = rect.Intersect(gray.Bounds())
	if rect.Empty() {
		return 255
	}
	var sum int64
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			sum += int64(gray.GrayAt(x, y).Y)
		}
	}
	return float64(sum) / float64(rect.Dx()*rect.Dy())
}

// stddevIntensity returns the standard deviation of gray levels inside rect.
func stddevIntensity(gray *image.Gray, rect image.Rectangle) float64 {
	rect = rect.Intersect(gray.Bounds())
	n := rect.Dx() * rect.Dy()
	if n == 0 {
		return 0
	}
	mean := meanIntensity(gray, rect)
	var sum float64
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			d := float64(gray.GrayAt(x, y).Y) - mean
			sum += d * d
		}
	}
	return math.Sqrt(sum / float64(n))
}
