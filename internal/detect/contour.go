package detect

import (
	"image"
	"math"
)

// AdaptiveThreshold applies the inverted adaptive threshold as an image:
// pixels darker than their local mean minus bias become white foreground,
// everything else black. The OCR preprocessing stage shares this primitive.
func AdaptiveThreshold(gray *image.Gray, window, bias int) *image.Gray {
	bin, w, h := binarize(gray, window, bias)
	out := image.NewGray(image.Rect(0, 0, w, h))
	for i, fg := range bin {
		if fg {
			out.Pix[i] = 255
		}
	}
	return out
}

// binarize applies an inverted adaptive threshold: pixels darker than the
// local mean minus bias become foreground (true). The local mean uses an
// integral image so the window cost is constant per pixel.
func binarize(gray *image.Gray, window, bias int) ([]bool, int, int) {
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if window%2 == 0 {
		window++
	}
	half := window / 2

	// Integral image with a one-row/column border of zeros.
	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(gray.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			integral[(y+1)*(w+1)+(x+1)] = integral[y*(w+1)+(x+1)] + rowSum
		}
	}

	sum := func(x0, y0, x1, y1 int) int64 {
		return integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] -
			integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
	}

	bin := make([]bool, w*h)
	for y := 0; y < h; y++ {
		y0, y1 := y-half, y+half+1
		if y0 < 0 {
			y0 = 0
		}
		if y1 > h {
			y1 = h
		}
		for x := 0; x < w; x++ {
			x0, x1 := x-half, x+half+1
			if x0 < 0 {
				x0 = 0
			}
			if x1 > w {
				x1 = w
			}
			area := int64((x1 - x0) * (y1 - y0))
			mean := sum(x0, y0, x1, y1) / area
			if int64(gray.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y) < mean-int64(bias) {
				bin[y*w+x] = true
			}
		}
	}
	return bin, w, h
}

// contour is a connected foreground component with its ordered outer boundary.
type contour struct {
	boundary []image.Point
	bounds   image.Rectangle
	area     int // filled pixel count
}

// findContours labels 8-connected foreground components and traces the outer
// boundary of each. Components touching fewer pixels than minPoints on their
// boundary are dropped as noise.
func findContours(bin []bool, w, h, minPoints int) []contour {
	labels := make([]int32, w*h)
	var contours []contour
	next := int32(1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if !bin[i] || labels[i] != 0 {
				continue
			}

			// Flood fill the component to measure area and bounds.
			area, bounds := floodFill(bin, labels, w, h, x, y, next)
			next++

			boundary := traceBoundary(bin, w, h, image.Point{X: x, Y: y})
			if len(boundary) < minPoints {
				continue
			}
			contours = append(contours, contour{
				boundary: boundary,
				bounds:   bounds,
				area:     area,
			})
		}
	}
	return contours
}

func floodFill(bin []bool, labels []int32, w, h, sx, sy int, label int32) (int, image.Rectangle) {
	stack := []image.Point{{X: sx, Y: sy}}
	labels[sy*w+sx] = label
	area := 0
	minX, minY, maxX, maxY := sx, sy, sx, sy

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		area++
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				nx, ny := p.X+dx, p.Y+dy
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				ni := ny*w + nx
				if bin[ni] && labels[ni] == 0 {
					labels[ni] = label
					stack = append(stack, image.Point{X: nx, Y: ny})
				}
			}
		}
	}
	return area, image.Rect(minX, minY, maxX+1, maxY+1)
}

// mooreOffsets is the 8-neighborhood in clockwise order starting west.
var mooreOffsets = [8]image.Point{
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1},
}

// traceBoundary walks the outer boundary of the component containing start
// using Moore-neighbor tracing. start must be the first foreground pixel of
// the component in scan order, so the pixel to its west is background.
func traceBoundary(bin []bool, w, h int, start image.Point) []image.Point {
	isSet := func(p image.Point) bool {
		if p.X < 0 || p.X >= w || p.Y < 0 || p.Y >= h {
			return false
		}
		return bin[p.Y*w+p.X]
	}

	boundary := []image.Point{start}
	cur := start
	// Backtrack begins west of the start pixel (background in scan order).
	backtrack := 0

	for {
		found := false
		for k := 0; k < 8; k++ {
			idx := (backtrack + 1 + k) % 8
			next := cur.Add(mooreOffsets[idx])
			if isSet(next) {
				// New backtrack points from next back toward the previous
				// background neighbor.
				backtrack = (idx + 4) % 8
				cur = next
				found = true
				break
			}
		}
		if !found {
			break // isolated pixel
		}
		if cur == start && len(boundary) > 2 {
			break
		}
		boundary = append(boundary, cur)
		if len(boundary) > 4*(w+h) {
			break // degenerate tracing guard
		}
	}
	return boundary
}

// approxPolygon simplifies a closed boundary with the Douglas-Peucker
// algorithm at the given absolute tolerance.
func approxPolygon(points []image.Point, epsilon float64) []image.Point {
	if len(points) < 3 {
		return points
	}

	// Split the closed curve at the two most distant points so each half is
	// an open polyline the recursion can handle.
	far := 0
	best := 0.0
	for i := 1; i < len(points); i++ {
		d := dist2(points[0], points[i])
		if d > best {
			best = d
			far = i
		}
	}
	if far == 0 {
		return points[:1]
	}

	first := douglasPeucker(points[:far+1], epsilon)
	second := douglasPeucker(append(points[far:], points[0]), epsilon)

	out := make([]image.Point, 0, len(first)+len(second)-2)
	out = append(out, first...)
	if len(second) > 2 {
		out = append(out, second[1:len(second)-1]...)
	}
	return out
}

func douglasPeucker(points []image.Point, epsilon float64) []image.Point {
	if len(points) < 3 {
		return points
	}

	idx, maxDist := 0, 0.0
	a, b := points[0], points[len(points)-1]
	for i := 1; i < len(points)-1; i++ {
		d := perpendicularDistance(points[i], a, b)
		if d > maxDist {
			maxDist = d
			idx = i
		}
	}

	if maxDist <= epsilon {
		return []image.Point{a, b}
	}
	left := douglasPeucker(points[:idx+1], epsilon)
	right := douglasPeucker(points[idx:], epsilon)
	return append(left[:len(left)-1], right...)
}

func perpendicularDistance(p, a, b image.Point) float64 {
	dx := float64(b.X - a.X)
	dy := float64(b.Y - a.Y)
	if dx == 0 && dy == 0 {
		return math.Hypot(float64(p.X-a.X), float64(p.Y-a.Y))
	}
	num := math.Abs(dy*float64(p.X) - dx*float64(p.Y) +
		float64(b.X)*float64(a.Y) - float64(b.Y)*float64(a.X))
	return num / math.Hypot(dx, dy)
}

func dist2(a, b image.Point) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return dx*dx + dy*dy
}

// convexHull computes the convex hull of the points (Andrew monotone chain).
func convexHull(points []image.Point) []image.Point {
	if len(points) < 3 {
		return points
	}
	pts := make([]image.Point, len(points))
	copy(pts, points)
	sortPoints(pts)

	cross := func(o, a, b image.Point) int {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}

	var lower []image.Point
	for _, p := range pts {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	var upper []image.Point
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}
	return append(lower[:len(lower)-1], upper[:len(upper)-1]...)
}

func sortPoints(pts []image.Point) {
	// Lexicographic sort by X then Y; insertion sort is fine for the small
	// simplified polygons this is called with.
	for i := 1; i < len(pts); i++ {
		for j := i; j > 0 && (pts[j].X < pts[j-1].X ||
			(pts[j].X == pts[j-1].X && pts[j].Y < pts[j-1].Y)); j-- {
			pts[j], pts[j-1] = pts[j-1], pts[j]
		}
	}
}

// polygonArea returns the absolute shoelace area of a polygon.
func polygonArea(pts []image.Point) float64 {
	if len(pts) < 3 {
		return 0
	}
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += float64(pts[i].X)*float64(pts[j].Y) - float64(pts[j].X)*float64(pts[i].Y)
	}
	return math.Abs(sum) / 2
}

// perimeterLength returns the closed length of an ordered boundary.
func perimeterLength(pts []image.Point) float64 {
	if len(pts) < 2 {
		return 0
	}
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += math.Hypot(float64(pts[j].X-pts[i].X), float64(pts[j].Y-pts[i].Y))
	}
	return sum
}
