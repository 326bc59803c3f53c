// Package tiler cuts large rendered page images into overlapping fixed-size
// tiles so the detectors always operate on bounded inputs.
package tiler

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

const (
	// DefaultTileSize is the tile edge length in pixels.
	DefaultTileSize = 2048
	// DefaultOverlap is the fractional overlap between neighboring tiles.
	DefaultOverlap = 0.2
)

// Offset is a tile's top-left corner in page pixels.
type Offset struct {
	X int
	Y int
}

// Grid computes the ordered tile offsets covering a width×height image with
// tiles of edge size and the given fractional overlap. Neighboring tiles
// share an overlap*size wide band. If the regular stride grid does not end
// flush with the image edge, one extra right-aligned column, bottom-aligned
// row, and bottom-right tile are appended so no pixel is missed. Duplicate
// offsets are removed while preserving first-seen order.
func Grid(width, height, size int, overlap float64) []Offset {
	if width <= 0 || height <= 0 || size <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= 1 {
		overlap = 0.99
	}

	stride := int(float64(size) * (1 - overlap))
	if stride < 1 {
		stride = 1
	}

	xs := axisOffsets(width, size, stride)
	ys := axisOffsets(height, size, stride)

	seen := make(map[Offset]struct{}, len(xs)*len(ys))
	offsets := make([]Offset, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			o := Offset{X: x, Y: y}
			if _, dup := seen[o]; dup {
				continue
			}
			seen[o] = struct{}{}
			offsets = append(offsets, o)
		}
	}
	return offsets
}

// axisOffsets returns the stride positions along one axis plus, when needed,
// a final edge-aligned position at extent-size.
func axisOffsets(extent, size, stride int) []int {
	if extent <= size {
		return []int{0}
	}

	var offs []int
	for pos := 0; pos+size <= extent; pos += stride {
		offs = append(offs, pos)
	}
	if last := offs[len(offs)-1]; last+size < extent {
		offs = append(offs, extent-size)
	}
	return offs
}

// Cut materializes the tile set for a page image. Tiles are emitted in grid
// order, each carrying its page-pixel offset. An image smaller than size in
// both dimensions yields a single tile padded to size with white fill; an
// image narrow in only one dimension still strides along the long axis, with
// each crop white-padded on the narrow side.
func Cut(img image.Image, size int, overlap float64) []*types.Tile {
	if img == nil || size <= 0 {
		return nil
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	if w < size && h < size {
		return []*types.Tile{padded(img, size)}
	}

	offsets := Grid(w, h, size, overlap)
	tiles := make([]*types.Tile, 0, len(offsets))
	for i, o := range offsets {
		crop := image.NewNRGBA(image.Rect(0, 0, size, size))
		if o.X+size > w || o.Y+size > h {
			draw.Draw(crop, crop.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
		}
		src := image.Pt(bounds.Min.X+o.X, bounds.Min.Y+o.Y)
		draw.Draw(crop, crop.Bounds(), img, src, draw.Src)
		tiles = append(tiles, &types.Tile{
			Image:   crop,
			OffsetX: o.X,
			OffsetY: o.Y,
			ID:      fmt.Sprintf("tile_%04d_x%d_y%d", i, o.X, o.Y),
		})
	}
	return tiles
}

// padded places a sub-size image into the top-left of a white size×size tile.
func padded(img image.Image, size int) *types.Tile {
	crop := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.Draw(crop, crop.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(crop, img.Bounds().Sub(img.Bounds().Min), img, img.Bounds().Min, draw.Src)
	return &types.Tile{Image: crop, ID: "tile_0000_x0_y0"}
}
