package exemplar

import (
	"embed"
	"fmt"

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// DefaultCircular and DefaultTriangular are how many exemplars of each kind
// a prompt carries by default (7 total, the tested optimum).
const (
	DefaultCircular   = 4
	DefaultTriangular = 3
)

//go:embed defaults/*.png
var defaultsFS embed.FS

// defaultSpecs maps each embedded crop to its known true reading. The files
// are real labeled callout crops, not placeholders; the model sees exactly
// what the label claims.
var defaultSpecs = []struct {
	file  string
	kind  types.ShapeKind
	label string
}{
	{"defaults/01_circular_3-A7.png", types.ShapeCircular, "3/A7"},
	{"defaults/02_circular_1-A5.png", types.ShapeCircular, "1/A5"},
	{"defaults/03_circular_12-S1_0.png", types.ShapeCircular, "12/S1.0"},
	{"defaults/04_circular_N-A6.png", types.ShapeCircular, "N/A6"},
	{"defaults/05_triangular_2-A5.png", types.ShapeTriangular, "2/A5"},
	{"defaults/06_triangular_4-A7.png", types.ShapeTriangular, "4/A7"},
	{"defaults/07_triangular_1-S2_1.png", types.ShapeTriangular, "1/S2.1"},
}

// Set is the exemplar selection attached to every Stage-2 prompt.
type Set struct {
	Exemplars []Exemplar
}

// LoadSet reads numCircular + numTriangular exemplars from the store,
// circular first. Fewer are returned when the archive is short.
func LoadSet(s *Store, numCircular, numTriangular int) (*Set, error) {
	circ, err := s.List(types.ShapeCircular)
	if err != nil {
		return nil, err
	}
	tri, err := s.List(types.ShapeTriangular)
	if err != nil {
		return nil, err
	}
	if len(circ) > numCircular {
		circ = circ[:numCircular]
	}
	if len(tri) > numTriangular {
		tri = tri[:numTriangular]
	}
	return &Set{Exemplars: append(circ, tri...)}, nil
}

// BuiltinSet loads the embedded default exemplar archive. It is used when no
// archive is configured, so the validator always has anchors.
func BuiltinSet() (*Set, error) {
	set := &Set{}
	for i, spec := range defaultSpecs {
		data, err := defaultsFS.ReadFile(spec.file)
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded exemplar %s: %w", spec.file, err)
		}
		set.Exemplars = append(set.Exemplars, Exemplar{
			ID:    int64(i + 1),
			Kind:  spec.kind,
			Label: spec.label,
			PNG:   data,
		})
	}
	return set, nil
}
