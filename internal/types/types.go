// Package types defines the shared data model of the callout pipeline:
// tiles, candidates, classifications, and validated markers.
package types

import (
	"fmt"
	"image"
	"strings"

	"github.com/paulmach/orb"
)

// BBox is an axis-aligned box in pixel coordinates. Depending on context the
// coordinates are tile-local (before aggregation) or page-global (after).
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Rect converts the box to a stdlib image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Center returns the box center as a 2D point.
func (b BBox) Center() orb.Point {
	return orb.Point{float64(b.X) + float64(b.W)/2, float64(b.Y) + float64(b.H)/2}
}

// Area returns the box area in square pixels.
func (b BBox) Area() int {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Expand grows the box by frac of its size in every direction.
func (b BBox) Expand(frac float64) BBox {
	dx := int(float64(b.W) * frac)
	dy := int(float64(b.H) * frac)
	return BBox{X: b.X - dx, Y: b.Y - dy, W: b.W + 2*dx, H: b.H + 2*dy}
}

// Clamp clips the box to the given bounds.
func (b BBox) Clamp(bounds image.Rectangle) BBox {
	r := b.Rect().Intersect(bounds)
	return BBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Translate shifts the box by (dx, dy).
func (b BBox) Translate(dx, dy int) BBox {
	return BBox{X: b.X + dx, Y: b.Y + dy, W: b.W, H: b.H}
}

// IoU computes intersection-over-union with another box.
func (b BBox) IoU(other BBox) float64 {
	inter := b.Rect().Intersect(other.Rect())
	interArea := inter.Dx() * inter.Dy()
	if interArea <= 0 {
		return 0
	}
	union := b.Area() + other.Area() - interArea
	if union <= 0 {
		return 0
	}
	return float64(interArea) / float64(union)
}

func (b BBox) String() string {
	return fmt.Sprintf("bbox(%d,%d %dx%d)", b.X, b.Y, b.W, b.H)
}

// Tile is a rectangular crop of a rendered page. Offset is the tile's
// top-left corner in page pixels.
type Tile struct {
	Image   *image.NRGBA
	OffsetX int
	OffsetY int
	ID      string
}

// Bounds returns the tile's pixel bounds in tile-local coordinates.
func (t *Tile) Bounds() image.Rectangle {
	if t.Image == nil {
		return image.Rectangle{}
	}
	return t.Image.Bounds()
}

func (t *Tile) String() string {
	return fmt.Sprintf("tile %s @(%d,%d)", t.ID, t.OffsetX, t.OffsetY)
}

// ShapeKind identifies the geometric form of a callout symbol.
type ShapeKind string

const (
	ShapeCircular   ShapeKind = "circular"
	ShapeTriangular ShapeKind = "triangular"
	ShapeUnknown    ShapeKind = "unknown"
)

// Candidate is a Stage-1 geometric detection. It is immutable once emitted;
// later stages attach decisions but never rewrite the bbox.
type Candidate struct {
	BBox          BBox      `json:"bbox"`
	Shape         ShapeKind `json:"shape"`
	Method        string    `json:"method"`
	GeoConfidence float64   `json:"geo_confidence"`
	TileID        string    `json:"source_tile"`
}

// Verdict is the Stage-1.5 partition of a candidate.
type Verdict string

const (
	VerdictAccept    Verdict = "accept"
	VerdictReject    Verdict = "reject"
	VerdictUncertain Verdict = "uncertain"
)

// Classification is Stage 1.5's decision on a candidate, together with the
// OCR reading that produced it.
type Classification struct {
	Verdict       Verdict `json:"verdict"`
	Text          string  `json:"text"`
	OCRConfidence float64 `json:"ocr_confidence"`
	Reason        string  `json:"reason,omitempty"`
}

// Marker is a validated callout: a detail/sheet cross-reference found on the
// page, e.g. "3/A7" meaning detail 3 on sheet A7.
type Marker struct {
	Text          string    `json:"text"`
	Detail        string    `json:"detail"`
	Sheet         string    `json:"sheet"`
	Kind          ShapeKind `json:"type"`
	Confidence    float64   `json:"confidence"`
	IsValid       bool      `json:"is_valid"`
	FuzzyMatched  bool      `json:"fuzzy_matched"`
	OriginalSheet string    `json:"original_sheet,omitempty"`
	BBox          BBox      `json:"bbox"`
	TileID        string    `json:"source_tile"`
}

// NormalizedText returns the marker text upper-cased with whitespace removed,
// the form used for overlap de-duplication.
func (m Marker) NormalizedText() string {
	return strings.ToUpper(strings.Join(strings.Fields(m.Text), ""))
}

// Project holds the per-request context: the sheet numbers and detail
// identifiers that exist in the drawing set.
type Project struct {
	ValidSheets  []string
	ValidDetails []string

	sheetSet  map[string]struct{}
	detailSet map[string]struct{}
}

// NewProject builds a project context with normalized lookup sets.
func NewProject(sheets, details []string) *Project {
	p := &Project{
		ValidSheets:  sheets,
		ValidDetails: details,
		sheetSet:     make(map[string]struct{}, len(sheets)),
		detailSet:    make(map[string]struct{}, len(details)),
	}
	for _, s := range sheets {
		p.sheetSet[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	for _, d := range details {
		p.detailSet[strings.ToUpper(strings.TrimSpace(d))] = struct{}{}
	}
	return p
}

// HasSheet reports whether sheet is in the project sheet list
// (case-insensitive).
func (p *Project) HasSheet(sheet string) bool {
	if p == nil {
		return false
	}
	_, ok := p.sheetSet[strings.ToUpper(strings.TrimSpace(sheet))]
	return ok
}

// HasDetail reports whether detail is in the project detail list.
func (p *Project) HasDetail(detail string) bool {
	if p == nil {
		return false
	}
	_, ok := p.detailSet[strings.ToUpper(strings.TrimSpace(detail))]
	return ok
}

// HasSheets reports whether the project carries a non-empty sheet list.
func (p *Project) HasSheets() bool {
	return p != nil && len(p.sheetSet) > 0
}

// HasDetails reports whether the project carries a non-empty detail list.
func (p *Project) HasDetails() bool {
	return p != nil && len(p.detailSet) > 0
}
