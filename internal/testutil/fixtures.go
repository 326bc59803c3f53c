// Package testutil generates synthetic drawing-sheet fixtures for tests:
// paper-textured backgrounds with rasterized callout circles and revision
// triangles at known positions.
package testutil

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/aquilax/go-perlin"
	"golang.org/x/image/vector"
)

// Paper returns a width×height near-white background with subtle Perlin
// grain, resembling a scanned drawing sheet. Deterministic for a given seed.
func Paper(width, height int, seed int64) *image.NRGBA {
	p := perlin.NewPerlin(2.0, 2.0, 3, seed)
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			n := p.Noise2D(float64(x)/64.0, float64(y)/64.0)
			// Map [-1,1] to a narrow band just under white.
			v := uint8(246 + n*6)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// stroke rasterizes the closed path described by pts with the given line
// width by filling the ring between an outer and inner offset polygon.
func strokeCircle(img *image.NRGBA, cx, cy, r float64, width float64, c color.NRGBA) {
	fillRing(img, cx, cy, r+width/2, r-width/2, c)
}

func fillRing(img *image.NRGBA, cx, cy, outer, inner float64, c color.NRGBA) {
	bounds := img.Bounds()
	x0 := int(math.Floor(cx - outer - 1))
	x1 := int(math.Ceil(cx + outer + 1))
	y0 := int(math.Floor(cy - outer - 1))
	y1 := int(math.Ceil(cy + outer + 1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if x < bounds.Min.X || x >= bounds.Max.X || y < bounds.Min.Y || y >= bounds.Max.Y {
				continue
			}
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			if d <= outer && d >= inner {
				img.SetNRGBA(x, y, c)
			}
		}
	}
}

// Circle draws a callout bubble outline of radius r centered at (cx, cy).
func Circle(img *image.NRGBA, cx, cy, r float64) {
	strokeCircle(img, cx, cy, r, 2.5, color.NRGBA{A: 255})
}

// FilledTriangle rasterizes a solid upward-pointing revision triangle whose
// bounding box is (x, y, size, size), using the x/image/vector rasterizer.
func FilledTriangle(img *image.NRGBA, x, y, size float64) {
	ras := vector.NewRasterizer(img.Bounds().Dx(), img.Bounds().Dy())
	ras.DrawOp = draw.Over
	ras.MoveTo(float32(x+size/2), float32(y))
	ras.LineTo(float32(x+size), float32(y+size))
	ras.LineTo(float32(x), float32(y+size))
	ras.ClosePath()
	ras.Draw(img, img.Bounds(), image.NewUniform(color.NRGBA{A: 255}), image.Point{})
}

// OutlineTriangle draws a triangle outline by rasterizing the solid shape
// and then carving out a smaller inner triangle in paper white.
func OutlineTriangle(img *image.NRGBA, x, y, size float64) {
	FilledTriangle(img, x, y, size)
	inset := size * 0.22
	carve := vector.NewRasterizer(img.Bounds().Dx(), img.Bounds().Dy())
	carve.DrawOp = draw.Over
	carve.MoveTo(float32(x+size/2), float32(y+inset*1.6))
	carve.LineTo(float32(x+size-inset), float32(y+size-inset*0.7))
	carve.LineTo(float32(x+inset), float32(y+size-inset*0.7))
	carve.ClosePath()
	carve.Draw(img, img.Bounds(), image.NewUniform(color.NRGBA{R: 248, G: 248, B: 248, A: 255}), image.Point{})
}

// Linework scribbles horizontal and vertical drawing lines across the image
// so detectors are exercised against dense background geometry.
func Linework(img *image.NRGBA, spacing int) {
	bounds := img.Bounds()
	black := color.NRGBA{A: 255}
	for y := bounds.Min.Y + spacing; y < bounds.Max.Y; y += spacing {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			img.SetNRGBA(x, y, black)
		}
	}
	for x := bounds.Min.X + spacing/2; x < bounds.Max.X; x += spacing * 2 {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			img.SetNRGBA(x, y, black)
		}
	}
}

// Label stamps a crude block-glyph text approximation inside the box so OCR
// crops contain high-contrast strokes. Not meant to be readable by a real
// engine; pipeline tests use stub engines with scripted output.
func Label(img *image.NRGBA, x, y int, chars int) {
	black := color.NRGBA{A: 255}
	for i := 0; i < chars; i++ {
		gx := x + i*7
		for dy := 0; dy < 9; dy++ {
			for dx := 0; dx < 5; dx++ {
				if dx == 0 || dx == 4 || dy == 0 || dy == 8 || dy == 4 {
					set(img, gx+dx, y+dy, black)
				}
			}
		}
	}
}

func set(img *image.NRGBA, x, y int, c color.NRGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetNRGBA(x, y, c)
	}
}
