package tiler

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gen2brain/webp"

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// offsetPattern extracts the page offset a tile filename encodes,
// e.g. "tile_0003_x1638_y0.png".
var offsetPattern = regexp.MustCompile(`_x(\d+)_y(\d+)`)

var (
	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
	jpegMagic = []byte("\xff\xd8")
	riffMagic = []byte("RIFF")
)

// DecodeTile decodes one tile image (PNG, JPEG, or WebP, recognized by magic
// bytes) and derives its ID and page offset from the filename.
func DecodeTile(filename string, data []byte) (*types.Tile, error) {
	var (
		img image.Image
		err error
	)
	switch {
	case bytes.HasPrefix(data, pngMagic):
		img, err = png.Decode(bytes.NewReader(data))
	case bytes.HasPrefix(data, jpegMagic):
		img, err = jpeg.Decode(bytes.NewReader(data))
	case bytes.HasPrefix(data, riffMagic) && len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP")):
		img, err = webp.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported image format")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	nrgba := image.NewNRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, img.Bounds().Min, draw.Src)

	offsetX, offsetY := 0, 0
	if m := offsetPattern.FindStringSubmatch(filename); m != nil {
		offsetX, _ = strconv.Atoi(m[1])
		offsetY, _ = strconv.Atoi(m[2])
	}

	id := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	if id == "" {
		return nil, fmt.Errorf("tile has no usable filename")
	}
	return &types.Tile{Image: nrgba, OffsetX: offsetX, OffsetY: offsetY, ID: id}, nil
}
