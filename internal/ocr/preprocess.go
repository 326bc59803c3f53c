package ocr

import (
	"image"
	"image/draw"

	"github.com/disintegration/gift"
	xdraw "golang.org/x/image/draw"

	"github.com/MeKo-Tech/calloutscan/internal/detect"
	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// DefaultPadFrac is the bbox expansion applied before cropping so the OCR
// engine sees the full label, not just the symbol interior.
const DefaultPadFrac = 0.2

// minOCRHeight is the smallest crop height any engine receives; smaller
// crops are upscaled with cubic interpolation.
const minOCRHeight = 32

// Adaptive threshold parameters for label crops. The window tracks the
// detector's binarization defaults; label strokes are thin, so a small bias
// keeps faint pen weights.
const (
	thresholdWindow = 15
	thresholdBias   = 10
)

// Crop cuts the candidate region out of its tile with padding, clamped to
// tile bounds. Returns nil when the clamped region is empty.
func Crop(tile *types.Tile, c types.Candidate, padFrac float64) *image.NRGBA {
	if tile == nil || tile.Image == nil {
		return nil
	}
	region := c.BBox.Expand(padFrac).Clamp(tile.Image.Bounds())
	if region.Area() == 0 {
		return nil
	}
	return tile.Image.SubImage(region.Rect()).(*image.NRGBA)
}

// Preprocess standardizes a crop for any OCR engine: grayscale, inverted
// adaptive threshold (label strokes become white on black), and cubic
// upscaling to the minimum height.
func Preprocess(crop *image.NRGBA) *image.NRGBA {
	if crop == nil {
		return nil
	}

	g := gift.New(gift.Grayscale())
	grayed := image.NewNRGBA(g.Bounds(crop.Bounds()))
	g.Draw(grayed, crop)

	gray := image.NewGray(image.Rect(0, 0, grayed.Bounds().Dx(), grayed.Bounds().Dy()))
	draw.Draw(gray, gray.Bounds(), grayed, grayed.Bounds().Min, draw.Src)

	bin := detect.AdaptiveThreshold(gray, thresholdWindow, thresholdBias)
	filtered := image.NewNRGBA(bin.Bounds())
	draw.Draw(filtered, filtered.Bounds(), bin, bin.Bounds().Min, draw.Src)

	h := filtered.Bounds().Dy()
	if h >= minOCRHeight {
		return filtered
	}

	scale := float64(minOCRHeight) / float64(h)
	w := int(float64(filtered.Bounds().Dx()) * scale)
	if w < 1 {
		w = 1
	}
	up := image.NewNRGBA(image.Rect(0, 0, w, minOCRHeight))
	xdraw.CatmullRom.Scale(up, up.Bounds(), filtered, filtered.Bounds(), xdraw.Src, nil)
	return up
}
