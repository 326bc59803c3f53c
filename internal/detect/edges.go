package detect

import (
	"image"
	"math"

	"github.com/disintegration/gift"
)

// grayscale converts and lightly blurs the tile so gradients are stable in
// dense linework.
func grayscale(img image.Image, sigma float32) *image.Gray {
	filters := []gift.Filter{gift.Grayscale()}
	if sigma > 0 {
		filters = append(filters, gift.GaussianBlur(sigma))
	}
	g := gift.New(filters...)
	dst := image.NewGray(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// gradientField holds per-pixel Sobel gradients and an edge bitmap after
// magnitude thresholding with non-maximum thinning.
type gradientField struct {
	w, h   int
	gx, gy []float64
	mag    []float64
	edge   []bool
}

var sobelX = [3][3]int{{-1, 0, 1}, {-2, 0, 2}, {-1, 0, 1}}
var sobelY = [3][3]int{{-1, -2, -1}, {0, 0, 0}, {1, 2, 1}}

// computeGradients runs the Sobel operators over a grayscale image and thins
// the resulting magnitude map along the gradient direction, a lightweight
// form of the Canny edge chain.
func computeGradients(gray *image.Gray, threshold float64) *gradientField {
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	f := &gradientField{
		w: w, h: h,
		gx:   make([]float64, w*h),
		gy:   make([]float64, w*h),
		mag:  make([]float64, w*h),
		edge: make([]bool, w*h),
	}

	at := func(x, y int) int {
		return int(gray.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
	}

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			var gx, gy int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					px := at(x+dx, y+dy)
					gx += px * sobelX[dy+1][dx+1]
					gy += px * sobelY[dy+1][dx+1]
				}
			}
			i := y*w + x
			f.gx[i] = float64(gx)
			f.gy[i] = float64(gy)
			f.mag[i] = math.Hypot(float64(gx), float64(gy))
		}
	}

	// Non-maximum suppression along the quantized gradient direction keeps
	// edges one pixel wide, which keeps the Hough accumulator sharp.
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			m := f.mag[i]
			if m < threshold {
				continue
			}
			dx, dy := quantizeDirection(f.gx[i], f.gy[i])
			if m >= f.mag[(y+dy)*w+(x+dx)] && m >= f.mag[(y-dy)*w+(x-dx)] {
				f.edge[i] = true
			}
		}
	}

	return f
}

// quantizeDirection snaps a gradient vector to one of the four neighbor axes.
func quantizeDirection(gx, gy float64) (int, int) {
	angle := math.Atan2(gy, gx)
	if angle < 0 {
		angle += math.Pi
	}
	switch {
	case angle < math.Pi/8 || angle >= 7*math.Pi/8:
		return 1, 0
	case angle < 3*math.Pi/8:
		return 1, 1
	case angle < 5*math.Pi/8:
		return 0, 1
	default:
		return -1, 1
	}
}

// unit returns the normalized gradient at index i, or false for a zero vector.
func (f *gradientField) unit(i int) (float64, float64, bool) {
	m := f.mag[i]
	if m == 0 {
		return 0, 0, false
	}
	return f.gx[i] / m, f.gy[i] / m, true
}
