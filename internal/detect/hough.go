package detect

import (
	"math"
	"sort"
)

// circle is a raw Hough detection in tile-local coordinates.
type circle struct {
	cx, cy int
	r      int
	votes  int
}

// houghCircles runs the gradient Hough transform for one radius band.
// Each edge pixel votes for potential centers along its gradient direction
// in both polarities (dark-on-light and light-on-dark symbols occur on the
// same sheet). Accumulator peaks are then confirmed by a radius histogram
// over the supporting edge pixels.
func houghCircles(f *gradientField, minR, maxR int, voteFrac float64) []circle {
	if minR < 2 {
		minR = 2
	}
	if maxR <= minR {
		return nil
	}

	w, h := f.w, f.h
	acc := make([]int32, w*h)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			if !f.edge[i] {
				continue
			}
			ux, uy, ok := f.unit(i)
			if !ok {
				continue
			}
			for r := minR; r <= maxR; r++ {
				fr := float64(r)
				for _, sign := range [2]float64{1, -1} {
					cx := x + int(math.Round(ux*fr*sign))
					cy := y + int(math.Round(uy*fr*sign))
					if cx < 0 || cx >= w || cy < 0 || cy >= h {
						continue
					}
					acc[cy*w+cx]++
				}
			}
		}
	}

	// A center must collect at least voteFrac of the circumference of the
	// smallest radius in the band before radius estimation is attempted.
	minVotes := int32(voteFrac * 2 * math.Pi * float64(minR))
	if minVotes < 8 {
		minVotes = 8
	}

	peaks := localMaxima(acc, w, h, minR, minVotes)

	var out []circle
	for _, p := range peaks {
		if c, ok := estimateRadius(f, p.x, p.y, minR, maxR, voteFrac); ok {
			c.votes = int(acc[p.y*w+p.x])
			out = append(out, c)
		}
	}
	return out
}

type peak struct {
	x, y int
	v    int32
}

// localMaxima finds accumulator peaks above threshold that dominate their
// neighborhood of the given radius.
func localMaxima(acc []int32, w, h, radius int, threshold int32) []peak {
	var peaks []peak
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := acc[y*w+x]
			if v < threshold {
				continue
			}
			if isNeighborhoodMax(acc, w, h, x, y, radius, v) {
				peaks = append(peaks, peak{x: x, y: y, v: v})
			}
		}
	}

	// Strongest first, then greedily enforce a minimum center separation so
	// one symbol does not produce a cluster of adjacent peaks.
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].v > peaks[j].v })
	minDist2 := radius * radius
	var kept []peak
	for _, p := range peaks {
		dup := false
		for _, k := range kept {
			dx, dy := p.x-k.x, p.y-k.y
			if dx*dx+dy*dy < minDist2 {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, p)
		}
	}
	return kept
}

func isNeighborhoodMax(acc []int32, w, h, x, y, radius int, v int32) bool {
	x0, x1 := x-radius, x+radius
	y0, y1 := y-radius, y+radius
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	for ny := y0; ny <= y1; ny++ {
		for nx := x0; nx <= x1; nx++ {
			if acc[ny*w+nx] > v {
				return false
			}
		}
	}
	return true
}

// estimateRadius builds a histogram of edge-pixel distances from the center
// and picks the radius with the strongest support. Support below voteFrac of
// that radius's circumference rejects the peak.
func estimateRadius(f *gradientField, cx, cy, minR, maxR int, voteFrac float64) (circle, bool) {
	hist := make([]int, maxR+2)

	x0, x1 := cx-maxR-1, cx+maxR+1
	y0, y1 := cy-maxR-1, cy+maxR+1
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 >= f.w {
		x1 = f.w - 1
	}
	if y1 >= f.h {
		y1 = f.h - 1
	}

	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if !f.edge[y*f.w+x] {
				continue
			}
			d := math.Hypot(float64(x-cx), float64(y-cy))
			r := int(math.Round(d))
			if r >= minR && r <= maxR {
				hist[r]++
			}
		}
	}

	bestR, bestSupport := 0, 0
	for r := minR; r <= maxR; r++ {
		// Smooth over adjacent bins; rasterized circles spread across two radii.
		support := hist[r]
		if r > 0 {
			support += hist[r-1]
		}
		support += hist[r+1]
		if support > bestSupport {
			bestSupport = support
			bestR = r
		}
	}

	if bestR == 0 {
		return circle{}, false
	}
	need := int(voteFrac * 2 * math.Pi * float64(bestR))
	if bestSupport < need {
		return circle{}, false
	}
	return circle{cx: cx, cy: cy, r: bestR}, true
}
