// Package detect implements Stage 1 of the callout pipeline: locating
// circular and triangular symbol candidates in a drawing tile using edge,
// Hough, and contour analysis. Recall is prioritized over precision; the
// OCR prefilter and LLM validator trim false positives downstream.
package detect

import "math"

// baselineDPI is the render DPI the pixel thresholds below were tuned at.
const baselineDPI = 300.0

// CirclePass is one Hough parameter pass. Passes differ in radius band and
// sensitivity so small faint circles, medium confident circles, and larger
// section markers are all reached.
type CirclePass struct {
	Name       string
	MinRadius  int     // px at baseline DPI
	MaxRadius  int     // px at baseline DPI
	VoteFrac   float64 // required accumulator votes as a fraction of circumference
	Confidence float64
}

// Params configures the geometric detector. Pixel quantities are expressed
// at the 300 DPI baseline and scaled linearly by DPI at run time; whether a
// different scaling curve fits a given corpus better has to be measured.
type Params struct {
	DPI float64

	// Edge detection
	BlurSigma     float32
	EdgeThreshold float64 // gradient magnitude cutoff (0-255 scale)

	CirclePasses []CirclePass

	// Triangle detection
	AdaptiveWindow   int // odd local-mean window for binarization
	AdaptiveBias     int // subtracted from local mean
	TriMinArea       int // px^2 at baseline
	TriMaxArea       int
	TriMinAspect     float64
	TriMaxAspect     float64
	TriHullFillMin   float64 // contour area / hull area for hull-based accept
	TriFillDarkness  float64 // mean intensity below this counts as "filled"
	TriConfidence    float64
	ApproxEpsilons   []float64 // Douglas-Peucker tolerances as perimeter fractions
	MinContourPoints int

	// Non-max suppression
	NMSIoU float64

	// Strict filtering (optional, project-configurable)
	Strict           bool
	EdgeMargin       int     // px at baseline
	ClipRejectFrac   float64 // reject when more than this fraction is clipped
	StrictMinArea    int     // px^2 at baseline
	StrictMaxArea    int
	UniformStdDev    float64 // reject near-uniform regions below this stddev
	QualityThreshold float64
}

// DefaultParams returns the detector tuning for the given render DPI.
func DefaultParams(dpi float64) Params {
	if dpi <= 0 {
		dpi = baselineDPI
	}
	return Params{
		DPI:           dpi,
		BlurSigma:     1.2,
		EdgeThreshold: 40,
		CirclePasses: []CirclePass{
			{Name: "hough-small", MinRadius: 12, MaxRadius: 24, VoteFrac: 0.35, Confidence: 0.70},
			{Name: "hough-medium", MinRadius: 20, MaxRadius: 42, VoteFrac: 0.45, Confidence: 0.80},
			{Name: "hough-section", MinRadius: 38, MaxRadius: 60, VoteFrac: 0.50, Confidence: 0.85},
		},
		AdaptiveWindow:   15,
		AdaptiveBias:     10,
		TriMinArea:       150,
		TriMaxArea:       14400,
		TriMinAspect:     0.3,
		TriMaxAspect:     3.0,
		TriHullFillMin:   0.6,
		TriFillDarkness:  128,
		TriConfidence:    0.70,
		ApproxEpsilons:   []float64{0.02, 0.04, 0.07},
		MinContourPoints: 24,
		NMSIoU:           0.3,
		EdgeMargin:       8,
		ClipRejectFrac:   0.3,
		StrictMinArea:    120,
		StrictMaxArea:    25000,
		UniformStdDev:    6.0,
		QualityThreshold: 0.35,
	}
}

// Scale returns the linear pixel scale factor relative to the baseline DPI.
func (p Params) Scale() float64 {
	if p.DPI <= 0 {
		return 1
	}
	return p.DPI / baselineDPI
}

// scalePx scales a baseline pixel quantity, never below 1.
func (p Params) scalePx(v int) int {
	s := int(math.Round(float64(v) * p.Scale()))
	if s < 1 {
		s = 1
	}
	return s
}

// scaleArea scales a baseline area quantity by the square of the DPI factor.
func (p Params) scaleArea(v int) int {
	s := int(math.Round(float64(v) * p.Scale() * p.Scale()))
	if s < 1 {
		s = 1
	}
	return s
}
