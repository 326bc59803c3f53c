package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// fakeModel builds an httptest server that answers every chat completion
// with the given content string.
func fakeModel(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Zero(t, req.Temperature)

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func testValidator(t *testing.T, baseURL string, batchSize int) *Validator {
	t.Helper()
	client := NewClient(ClientConfig{APIKey: "test-key", BaseURL: baseURL})
	v, err := NewValidator(client, nil, batchSize, nil)
	require.NoError(t, err)
	return v
}

func makeItems(n int) []BatchItem {
	items := make([]BatchItem, n)
	for i := range items {
		items[i] = BatchItem{
			Candidate: types.Candidate{
				BBox:   types.BBox{X: i * 100, Y: 50, W: 60, H: 60},
				Shape:  types.ShapeCircular,
				TileID: fmt.Sprintf("tile_%d", i),
			},
			Crop: image.NewNRGBA(image.Rect(0, 0, 32, 32)),
		}
	}
	return items
}

func TestValidateBatchHappyPath(t *testing.T) {
	srv := fakeModel(t, `[
		{"detail":"3","sheet":"A7","type":"circular","confidence":0.95,"is_valid":true},
		{"detail":"2","sheet":"A5","type":"triangular","confidence":0.9,"is_valid":true}
	]`)
	defer srv.Close()

	v := testValidator(t, srv.URL, 10)
	project := types.NewProject([]string{"A5", "A6", "A7"}, nil)

	markers, err := v.ValidateBatch(context.Background(), makeItems(2), project)
	require.NoError(t, err)
	require.Len(t, markers, 2)

	assert.Equal(t, "3/A7", markers[0].Text)
	assert.Equal(t, "3", markers[0].Detail)
	assert.Equal(t, "A7", markers[0].Sheet)
	assert.Equal(t, types.ShapeCircular, markers[0].Kind)
	assert.True(t, markers[0].IsValid)
	assert.False(t, markers[0].FuzzyMatched)

	// Positional binding: marker i carries candidate i's bbox and tile.
	assert.Equal(t, types.BBox{X: 0, Y: 50, W: 60, H: 60}, markers[0].BBox)
	assert.Equal(t, "tile_0", markers[0].TileID)
	assert.Equal(t, types.BBox{X: 100, Y: 50, W: 60, H: 60}, markers[1].BBox)
	assert.Equal(t, "tile_1", markers[1].TileID)
}

func TestValidateBatchFuzzyCorrection(t *testing.T) {
	// Model read "AS" for a true "A5": one substitution away.
	srv := fakeModel(t, `[{"detail":"3","sheet":"AS","type":"circular","confidence":0.9,"is_valid":true}]`)
	defer srv.Close()

	v := testValidator(t, srv.URL, 10)
	project := types.NewProject([]string{"A5", "A6", "A7"}, nil)

	markers, err := v.ValidateBatch(context.Background(), makeItems(1), project)
	require.NoError(t, err)
	require.Len(t, markers, 1)

	assert.Equal(t, "A5", markers[0].Sheet)
	assert.Equal(t, "3/A5", markers[0].Text)
	assert.True(t, markers[0].FuzzyMatched)
	assert.Equal(t, "AS", markers[0].OriginalSheet)
	assert.True(t, markers[0].IsValid)
}

func TestValidateBatchUnknownSheetCapped(t *testing.T) {
	srv := fakeModel(t, `[{"detail":"3","sheet":"ZZ99","type":"circular","confidence":0.95,"is_valid":true}]`)
	defer srv.Close()

	v := testValidator(t, srv.URL, 10)
	project := types.NewProject([]string{"A5", "A6", "A7"}, nil)

	markers, err := v.ValidateBatch(context.Background(), makeItems(1), project)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.False(t, markers[0].IsValid)
	assert.LessOrEqual(t, markers[0].Confidence, 0.5)
	assert.False(t, markers[0].FuzzyMatched)
}

func TestValidateBatchHallucinationTruncated(t *testing.T) {
	// Model returns 50 markers for a batch of 10.
	var objs []string
	for i := 0; i < 50; i++ {
		objs = append(objs, `{"detail":"1","sheet":"A5","type":"circular","confidence":0.9,"is_valid":true}`)
	}
	srv := fakeModel(t, "["+strings.Join(objs, ",")+"]")
	defer srv.Close()

	v := testValidator(t, srv.URL, 10)
	project := types.NewProject([]string{"A5"}, nil)

	markers, err := v.ValidateBatch(context.Background(), makeItems(10), project)
	require.NoError(t, err)
	assert.Len(t, markers, 10, "output must be truncated to batch size")
}

func TestValidateBatchResponseSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// A runaway body beyond the 50 kB hard cap.
		fmt.Fprintf(w, `{"choices":[{"message":{"content":"%s"}}]}`, strings.Repeat("x", HardResponseCap))
	}))
	defer srv.Close()

	v := testValidator(t, srv.URL, 10)
	_, err := v.ValidateBatch(context.Background(), makeItems(2), types.NewProject(nil, nil))
	require.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestValidateBatchRegexFallback(t *testing.T) {
	srv := fakeModel(t, "I found these markers: 3/A7 and also 2_A5 in the images.")
	defer srv.Close()

	v := testValidator(t, srv.URL, 10)
	project := types.NewProject([]string{"A5", "A7"}, nil)

	markers, err := v.ValidateBatch(context.Background(), makeItems(3), project)
	require.NoError(t, err)
	require.Len(t, markers, 2)
	for _, m := range markers {
		assert.LessOrEqual(t, m.Confidence, 0.6, "fallback markers are low confidence")
	}
	assert.Equal(t, "3/A7", markers[0].Text)
	assert.Equal(t, "2/A5", markers[1].Text)
}

func TestValidateBatchRetriesOnceThenFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	v := testValidator(t, srv.URL, 10)
	_, err := v.ValidateBatch(context.Background(), makeItems(1), types.NewProject(nil, nil))
	require.Error(t, err)
	assert.Equal(t, 2, calls, "transient failure retries exactly once")
}

func TestMakeBatches(t *testing.T) {
	v := testValidator(t, "http://unused", 10)
	batches := v.MakeBatches(makeItems(25))
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 5)

	assert.Nil(t, v.MakeBatches(nil))
}

func TestBuildMessagesLayout(t *testing.T) {
	v := testValidator(t, "http://unused", 10)
	items := makeItems(4)
	project := types.NewProject([]string{"A5"}, []string{"1", "3"})

	messages, err := buildMessages(items, v.exemplars, project)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	parts := messages[0].Content
	// One text part, then exemplar images, then candidate images in order.
	require.Equal(t, 1+len(v.exemplars.Exemplars)+len(items), len(parts))
	assert.Equal(t, "text", parts[0].Type)
	assert.Contains(t, parts[0].Text, "Valid sheet numbers in this project: A5")
	assert.Contains(t, parts[0].Text, "Do NOT")
	for _, p := range parts[1:] {
		assert.Equal(t, "image_url", p.Type)
		assert.True(t, strings.HasPrefix(p.ImageURL.URL, "data:image/png;base64,"))
	}
}

func TestFuzzyMatch(t *testing.T) {
	sheets := []string{"A5", "A6", "A7", "S1.0"}

	tests := []struct {
		in        string
		canonical string
		distance  int
		matched   bool
	}{
		{"A7", "A7", 0, true},
		{"a7", "A7", 0, true},
		{"AS", "A5", 1, true},
		{"S1.O", "S1.0", 1, true},
		{"B7", "A7", 1, true},
		{"ZZ99", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			canonical, distance, matched := FuzzyMatch(tt.in, sheets)
			assert.Equal(t, tt.matched, matched)
			if matched {
				assert.Equal(t, tt.canonical, canonical)
				assert.Equal(t, tt.distance, distance)
			}
		})
	}

	_, _, matched := FuzzyMatch("A7", nil)
	assert.False(t, matched, "empty sheet list never matches")
}
