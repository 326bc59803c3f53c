package exemplar

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

func TestBuiltinSetShipsRealCrops(t *testing.T) {
	set, err := BuiltinSet()
	require.NoError(t, err)
	require.Len(t, set.Exemplars, DefaultCircular+DefaultTriangular)

	kinds := map[types.ShapeKind]int{}
	labels := map[string]bool{}
	for _, e := range set.Exemplars {
		kinds[e.Kind]++
		assert.False(t, labels[e.Label], "duplicate label %s", e.Label)
		labels[e.Label] = true

		img, err := png.Decode(bytes.NewReader(e.PNG))
		require.NoError(t, err, "exemplar %s is not a decodable PNG", e.Label)

		// The crops are real drawings, not blank placeholders: both ink and
		// paper must be present.
		bounds := img.Bounds()
		dark, light := 0, 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				if r+g+b < 3*0x4000 {
					dark++
				} else if r+g+b > 3*0xc000 {
					light++
				}
			}
		}
		assert.Greater(t, dark, 50, "exemplar %s has no visible strokes", e.Label)
		assert.Greater(t, light, 1000, "exemplar %s has no paper background", e.Label)
	}
	assert.Equal(t, DefaultCircular, kinds[types.ShapeCircular])
	assert.Equal(t, DefaultTriangular, kinds[types.ShapeTriangular])
}
