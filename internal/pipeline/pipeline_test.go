package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/calloutscan/internal/llm"
	"github.com/MeKo-Tech/calloutscan/internal/ocr"
	"github.com/MeKo-Tech/calloutscan/internal/testutil"
	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// scriptedEngine answers every recognition with a fixed reading.
type scriptedEngine struct {
	text string
	conf float64
}

func (scriptedEngine) Name() string { return "scripted" }

func (e scriptedEngine) Recognize(_ context.Context, _ *image.NRGBA) (string, float64, error) {
	return e.text, e.conf, nil
}

// modelStub serves a canned chat completion and counts requests.
type modelStub struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newModelStub(content string) *modelStub {
	return newModelStubFunc(func(int) (string, int) { return content, http.StatusOK })
}

// newModelStubFunc lets a test vary the response per call; fn receives the
// 1-based call number and returns body content and status.
func newModelStubFunc(fn func(call int) (string, int)) *modelStub {
	m := &modelStub{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		content, status := fn(int(m.calls.Add(1)))
		if status != http.StatusOK {
			http.Error(w, content, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	return m
}

func (m *modelStub) Close() { m.srv.Close() }

func newPipelineCfg(t *testing.T, stub *modelStub, eng ocr.Engine, batchSize int, cfg Config) *Pipeline {
	t.Helper()
	client := llm.NewClient(llm.ClientConfig{APIKey: "test-key", BaseURL: stub.srv.URL})
	validator, err := llm.NewValidator(client, nil, batchSize, nil)
	require.NoError(t, err)

	p, err := New(cfg, eng, validator, nil)
	require.NoError(t, err)
	return p
}

func newPipeline(t *testing.T, stub *modelStub, eng ocr.Engine, batchSize int) *Pipeline {
	return newPipelineCfg(t, stub, eng, batchSize, Config{Workers: 2, Stage2Concurrency: 2})
}

// circleTile draws one clean callout bubble on paper and wraps it as a tile.
func circleTile(id string, offsetX, offsetY, cx, cy int) *types.Tile {
	img := testutil.Paper(300, 300, 7)
	testutil.Circle(img, float64(cx), float64(cy), 30)
	return &types.Tile{Image: img, OffsetX: offsetX, OffsetY: offsetY, ID: id}
}

func markerJSONFor(n int) string {
	objs := make([]string, n)
	for i := range objs {
		objs[i] = `{"detail":"3","sheet":"A7","type":"circular","confidence":0.95,"is_valid":true}`
	}
	return "[" + strings.Join(objs, ",") + "]"
}

func TestPipelineCleanCircleAccepted(t *testing.T) {
	stub := newModelStub(markerJSONFor(1))
	defer stub.Close()

	p := newPipeline(t, stub, scriptedEngine{text: "3/A7", conf: 0.9}, 10)
	project := types.NewProject([]string{"A5", "A6", "A7"}, nil)

	tiles := []*types.Tile{circleTile("tile_0000_x0_y0", 0, 0, 150, 150)}
	result, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err)

	require.GreaterOrEqual(t, result.Stage1Candidates, 1)
	require.NotEmpty(t, result.Markers)
	m := result.Markers[0]
	assert.Equal(t, "3/A7", m.Text)
	assert.Equal(t, "3", m.Detail)
	assert.Equal(t, "A7", m.Sheet)
	assert.Equal(t, types.ShapeCircular, m.Kind)
	assert.True(t, m.IsValid)
	assert.False(t, m.FuzzyMatched)
}

func TestPipelineOCRGlitchRecoveredByValidator(t *testing.T) {
	// OCR misreads the sheet; the candidate stays uncertain, and the model
	// reading is one edit away from a real sheet so fuzzy matching fixes it.
	stub := newModelStub(`[{"detail":"3","sheet":"AA7","type":"circular","confidence":0.9,"is_valid":true}]`)
	defer stub.Close()

	p := newPipeline(t, stub, scriptedEngine{text: "3/AS", conf: 0.6}, 10)
	project := types.NewProject([]string{"A6", "A7"}, nil)

	tiles := []*types.Tile{circleTile("tile_0000_x0_y0", 0, 0, 150, 150)}
	result, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err)

	require.NotEmpty(t, result.Markers)
	m := result.Markers[0]
	assert.Equal(t, "3/A7", m.Text)
	assert.Equal(t, "A7", m.Sheet)
	assert.True(t, m.FuzzyMatched)
	assert.Equal(t, "AA7", m.OriginalSheet)
}

func TestPipelineScaleTextRejectedWithoutModelCall(t *testing.T) {
	stub := newModelStub(markerJSONFor(1))
	defer stub.Close()

	p := newPipeline(t, stub, scriptedEngine{text: `SCALE: 1/4"=1'-0"`, conf: 0.9}, 10)
	project := types.NewProject([]string{"A5", "A6", "A7"}, nil)

	tiles := []*types.Tile{circleTile("tile_0000_x0_y0", 0, 0, 150, 150)}
	result, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err)

	assert.Empty(t, result.Markers)
	assert.Zero(t, result.Stage2Validated)
	assert.Zero(t, stub.calls.Load(), "rejected candidates never reach the model")
}

func TestPipelineOverlapDuplicateMerged(t *testing.T) {
	// The same physical bubble sits in the shared band of two tiles: page
	// position (200,150), tile offsets 0 and 150.
	stub := newModelStub(markerJSONFor(2))
	defer stub.Close()

	p := newPipeline(t, stub, nil, 10)
	project := types.NewProject([]string{"A7"}, nil)

	tiles := []*types.Tile{
		circleTile("tile_0000_x0_y0", 0, 0, 200, 150),
		circleTile("tile_0001_x150_y0", 150, 0, 50, 150),
	}
	result, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err)

	require.GreaterOrEqual(t, result.Stage1Candidates, 2)
	texts := map[string]int{}
	for _, m := range result.Markers {
		texts[m.NormalizedText()]++
	}
	assert.Equal(t, 1, texts["3/A7"], "overlap copies collapse to one marker")
}

func TestPipelineHallucinatedFloodTruncated(t *testing.T) {
	stub := newModelStub(markerJSONFor(50))
	defer stub.Close()

	p := newPipeline(t, stub, nil, 10)
	project := types.NewProject([]string{"A7"}, nil)

	tiles := []*types.Tile{circleTile("tile_0000_x0_y0", 0, 0, 150, 150)}
	result, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err)

	assert.LessOrEqual(t, result.Stage2Validated, result.Stage1Candidates,
		"validated markers never exceed candidates")
}

func TestPipelinePartialResultsWhenOneBatchFails(t *testing.T) {
	// Batch size 1 turns each candidate into its own batch; the first batch
	// hard-fails (including its retry) while the others succeed.
	stub := newModelStubFunc(func(call int) (string, int) {
		if call <= 2 {
			return "upstream timeout", http.StatusGatewayTimeout
		}
		return markerJSONFor(1), http.StatusOK
	})
	defer stub.Close()

	p := newPipelineCfg(t, stub, nil, 1, Config{Workers: 2, Stage2Concurrency: 1})
	project := types.NewProject([]string{"A7"}, nil)

	tiles := []*types.Tile{
		circleTile("tile_0000_x0_y0", 0, 0, 80, 80),
		circleTile("tile_0001_x600_y0", 600, 0, 220, 220),
	}
	result, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err, "a failed batch degrades, it does not fail the page")

	assert.GreaterOrEqual(t, result.Stage1Candidates, 2)
	assert.Less(t, result.Stage2Validated, result.Stage1Candidates)
	assert.NotEmpty(t, result.Markers, "sibling batches still produce markers")
}

func TestPipelineNoOCREngineRoutesEverythingToValidator(t *testing.T) {
	stub := newModelStub(markerJSONFor(1))
	defer stub.Close()

	p := newPipeline(t, stub, nil, 10)
	project := types.NewProject([]string{"A7"}, nil)

	tiles := []*types.Tile{circleTile("tile_0000_x0_y0", 0, 0, 150, 150)}
	result, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, stub.calls.Load(), int32(1))
	assert.NotEmpty(t, result.Markers)
}

func TestPipelineDeterministicAcrossRuns(t *testing.T) {
	stub := newModelStub(markerJSONFor(2))
	defer stub.Close()

	p := newPipeline(t, stub, scriptedEngine{text: "3/A7", conf: 0.9}, 10)
	project := types.NewProject([]string{"A7"}, nil)

	tiles := []*types.Tile{circleTile("tile_0000_x0_y0", 0, 0, 150, 150)}

	first, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err)
	second, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err)

	require.Equal(t, len(first.Markers), len(second.Markers))
	for i := range first.Markers {
		assert.Equal(t, first.Markers[i].Text, second.Markers[i].Text)
		assert.Equal(t, first.Markers[i].BBox, second.Markers[i].BBox)
	}
}

func TestPipelineRunImageSmallPage(t *testing.T) {
	stub := newModelStub(markerJSONFor(1))
	defer stub.Close()

	p := newPipelineCfg(t, stub, nil, 10,
		Config{Workers: 2, Stage2Concurrency: 2, TileSize: 1024})
	project := types.NewProject([]string{"A7"}, nil)

	// Smaller than one tile: exactly one padded tile, circle still found.
	img := testutil.Paper(500, 400, 3)
	testutil.Circle(img, 250, 200, 30)

	result, err := p.RunImage(context.Background(), img, project, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Stage1Candidates, 1)
}

func TestPipelineNoTiles(t *testing.T) {
	stub := newModelStub("[]")
	defer stub.Close()

	p := newPipeline(t, stub, nil, 10)
	_, err := p.RunTiles(context.Background(), nil, types.NewProject(nil, nil), false)
	require.Error(t, err)
}

func TestPipelineCancellation(t *testing.T) {
	stub := newModelStub(markerJSONFor(1))
	defer stub.Close()

	p := newPipeline(t, stub, nil, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.RunTiles(ctx, []*types.Tile{circleTile("tile_0000_x0_y0", 0, 0, 150, 150)},
		types.NewProject(nil, nil), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipelineMarkerTextComposition(t *testing.T) {
	stub := newModelStub(markerJSONFor(1))
	defer stub.Close()

	p := newPipeline(t, stub, nil, 10)
	project := types.NewProject([]string{"A7"}, nil)

	tiles := []*types.Tile{circleTile("tile_0000_x0_y0", 0, 0, 150, 150)}
	result, err := p.RunTiles(context.Background(), tiles, project, false)
	require.NoError(t, err)

	for _, m := range result.Markers {
		assert.Equal(t, fmt.Sprintf("%s/%s", m.Detail, m.Sheet), m.Text)
	}
}

func TestScanProgressReported(t *testing.T) {
	stub := newModelStub(markerJSONFor(1))
	defer stub.srv.Close()

	var calls atomic.Int32
	var lastTotal atomic.Int32
	p := newPipelineCfg(t, stub, nil, 10, Config{
		Workers:           2,
		Stage2Concurrency: 1,
		OnProgress: func(completed, total, failed int) {
			calls.Add(1)
			lastTotal.Store(int32(total))
		},
	})

	tiles := []*types.Tile{
		circleTile("tile_0000_x0_y0", 0, 0, 150, 150),
		circleTile("tile_0001_x150_y0", 150, 0, 150, 150),
		circleTile("tile_0002_x300_y0", 300, 0, 150, 150),
	}
	_, err := p.RunTiles(context.Background(), tiles, types.NewProject([]string{"A7"}, nil), false)
	require.NoError(t, err)

	assert.Equal(t, int32(len(tiles)), calls.Load(), "one progress call per scanned tile")
	assert.Equal(t, int32(len(tiles)), lastTotal.Load())
}
