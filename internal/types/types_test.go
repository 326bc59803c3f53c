package types

import (
	"image"
	"testing"
)

func TestBBoxIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BBox
		want float64
	}{
		{"identical", BBox{0, 0, 10, 10}, BBox{0, 0, 10, 10}, 1.0},
		{"disjoint", BBox{0, 0, 10, 10}, BBox{20, 20, 10, 10}, 0.0},
		{"half overlap", BBox{0, 0, 10, 10}, BBox{5, 0, 10, 10}, 50.0 / 150.0},
		{"touching edges", BBox{0, 0, 10, 10}, BBox{10, 0, 10, 10}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.IoU(tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("IoU = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBBoxExpandClamp(t *testing.T) {
	b := BBox{X: 10, Y: 10, W: 20, H: 20}
	e := b.Expand(0.2)
	if e.X != 6 || e.Y != 6 || e.W != 28 || e.H != 28 {
		t.Fatalf("Expand(0.2) = %+v", e)
	}

	c := e.Clamp(image.Rect(0, 0, 20, 20))
	if c.X != 6 || c.Y != 6 || c.W != 14 || c.H != 14 {
		t.Fatalf("Clamp = %+v", c)
	}
}

func TestBBoxCenter(t *testing.T) {
	b := BBox{X: 10, Y: 20, W: 30, H: 40}
	c := b.Center()
	if c[0] != 25 || c[1] != 40 {
		t.Fatalf("Center = %v", c)
	}
}

func TestMarkerNormalizedText(t *testing.T) {
	m := Marker{Text: " 3 / a7 "}
	if got := m.NormalizedText(); got != "3/A7" {
		t.Errorf("NormalizedText = %q", got)
	}
}

func TestProjectLookups(t *testing.T) {
	p := NewProject([]string{"A5", "a6", " A7 "}, []string{"1", "2", "N"})

	if !p.HasSheet("a7") {
		t.Error("expected A7 to be valid")
	}
	if p.HasSheet("A8") {
		t.Error("A8 should not be valid")
	}
	if !p.HasDetail("n") {
		t.Error("expected N to be a valid detail")
	}
	if !p.HasSheets() || !p.HasDetails() {
		t.Error("expected non-empty sheet and detail sets")
	}

	var nilProject *Project
	if nilProject.HasSheet("A7") || nilProject.HasSheets() {
		t.Error("nil project should report nothing valid")
	}
}
