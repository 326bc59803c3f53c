// Package pipeline wires the detection stages into one page-level run:
// tiles fan out over a CPU pool for geometric detection, candidates pass
// through the OCR prefilter, survivors go to the model validator in bounded
// parallel batches, and the aggregator merges everything into the final
// marker list.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MeKo-Tech/calloutscan/internal/aggregate"
	"github.com/MeKo-Tech/calloutscan/internal/detect"
	"github.com/MeKo-Tech/calloutscan/internal/llm"
	"github.com/MeKo-Tech/calloutscan/internal/ocr"
	"github.com/MeKo-Tech/calloutscan/internal/tiler"
	"github.com/MeKo-Tech/calloutscan/internal/types"
	"github.com/MeKo-Tech/calloutscan/internal/worker"
)

// DefaultStage2Concurrency bounds concurrent model batches per page.
const DefaultStage2Concurrency = 4

// Config carries the per-process pipeline settings.
type Config struct {
	TileSize          int
	TileOverlap       float64
	PadFrac           float64
	AcceptThreshold   float64
	Workers           int
	Stage2Concurrency int
	DedupRadiusFrac   float64
	DetectorParams    detect.Params
	// OnProgress, when set, is called after each tile scan completes.
	OnProgress worker.ProgressFunc
}

func (c Config) withDefaults() Config {
	if c.TileSize <= 0 {
		c.TileSize = tiler.DefaultTileSize
	}
	if c.TileOverlap <= 0 {
		c.TileOverlap = tiler.DefaultOverlap
	}
	if c.PadFrac <= 0 {
		c.PadFrac = ocr.DefaultPadFrac
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Stage2Concurrency <= 0 {
		c.Stage2Concurrency = DefaultStage2Concurrency
	}
	return c
}

// Pipeline owns the stage services for the lifetime of the process. The OCR
// engine may be nil; every candidate then routes straight to the validator.
type Pipeline struct {
	cfg        Config
	engine     ocr.Engine
	classifier *ocr.Classifier
	validator  *llm.Validator
	logger     *slog.Logger
}

// New wires the pipeline. Only the validator is mandatory.
func New(cfg Config, engine ocr.Engine, validator *llm.Validator, logger *slog.Logger) (*Pipeline, error) {
	if validator == nil {
		return nil, fmt.Errorf("nil validator")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:        cfg,
		engine:     engine,
		classifier: ocr.NewClassifier(cfg.AcceptThreshold),
		validator:  validator,
		logger:     logger,
	}, nil
}

// Result is one page's outcome.
type Result struct {
	Markers          []types.Marker
	Stage1Candidates int
	Stage2Validated  int
	Elapsed          time.Duration
}

// RunImage tiles a full page image and runs the pipeline over it.
func (p *Pipeline) RunImage(ctx context.Context, img image.Image, project *types.Project, strict bool) (Result, error) {
	tiles := tiler.Cut(img, p.cfg.TileSize, p.cfg.TileOverlap)
	return p.RunTiles(ctx, tiles, project, strict)
}

// RunTiles runs the pipeline over pre-cut tiles. Per-tile, per-candidate and
// per-batch failures are contained; the error return fires only when the
// whole run is meaningless (no tiles, context cancelled).
func (p *Pipeline) RunTiles(ctx context.Context, tiles []*types.Tile, project *types.Project, strict bool) (Result, error) {
	start := time.Now()
	if len(tiles) == 0 {
		return Result{}, fmt.Errorf("no tiles to process")
	}

	byID := make(map[string]*types.Tile, len(tiles))
	offsets := make(map[string]tiler.Offset, len(tiles))
	pageHeight := 0
	for _, t := range tiles {
		byID[t.ID] = t
		offsets[t.ID] = tiler.Offset{X: t.OffsetX, Y: t.OffsetY}
		if bottom := t.OffsetY + t.Image.Bounds().Dy(); bottom > pageHeight {
			pageHeight = bottom
		}
	}

	candidates := p.runStage1(ctx, tiles, strict)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	items := p.runPrefilter(ctx, candidates, byID, project)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	validated := p.runStage2(ctx, items, project)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	agg := aggregate.New(p.cfg.DedupRadiusFrac, p.logger)
	markers := agg.Aggregate(validated, offsets, pageHeight)

	result := Result{
		Markers:          markers,
		Stage1Candidates: len(candidates),
		Stage2Validated:  len(validated),
		Elapsed:          time.Since(start),
	}
	p.logger.Info("page processed",
		"tiles", len(tiles),
		"stage1_candidates", result.Stage1Candidates,
		"stage2_validated", result.Stage2Validated,
		"markers", len(markers),
		"elapsed", result.Elapsed)
	return result, nil
}

// runStage1 fans geometric detection out over the worker pool. Failed tiles
// are logged and skipped.
func (p *Pipeline) runStage1(ctx context.Context, tiles []*types.Tile, strict bool) []types.Candidate {
	params := p.cfg.DetectorParams
	params.Strict = strict
	detector := detect.New(params, p.logger)

	tasks := make([]worker.Task, len(tiles))
	for i, t := range tiles {
		tasks[i] = worker.Task{Tile: t}
	}

	pool := worker.New(worker.Config{
		Workers:    p.cfg.Workers,
		Scanner:    detector,
		OnProgress: p.cfg.OnProgress,
	})
	var candidates []types.Candidate
	for _, r := range pool.Run(ctx, tasks) {
		if r.Err != nil {
			p.logger.Warn("tile scan failed, skipping", "tile", r.Task.Tile.ID, "error", r.Err)
			continue
		}
		candidates = append(candidates, r.Candidates...)
	}

	// Pool results arrive in completion order; re-sort so batching and the
	// positional model mapping stay stable across runs.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].TileID != candidates[j].TileID {
			return candidates[i].TileID < candidates[j].TileID
		}
		if candidates[i].BBox.Y != candidates[j].BBox.Y {
			return candidates[i].BBox.Y < candidates[j].BBox.Y
		}
		return candidates[i].BBox.X < candidates[j].BBox.X
	})
	return candidates
}

// runPrefilter crops each candidate and runs the OCR decision table. With no
// OCR engine every candidate stays uncertain and routes to the validator.
// Rejected candidates are dropped here and never reach the model.
func (p *Pipeline) runPrefilter(ctx context.Context, candidates []types.Candidate, byID map[string]*types.Tile, project *types.Project) []llm.BatchItem {
	type slot struct {
		item llm.BatchItem
		keep bool
	}
	slots := make([]slot, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, cand := range candidates {
		g.Go(func() error {
			tile, ok := byID[cand.TileID]
			if !ok {
				return nil
			}
			crop := ocr.Crop(tile, cand, p.cfg.PadFrac)
			if crop == nil {
				return nil
			}
			item := llm.BatchItem{Candidate: cand, Crop: crop}

			if p.engine == nil {
				slots[i] = slot{item: item, keep: true}
				return nil
			}

			text, confidence, err := p.engine.Recognize(gctx, ocr.Preprocess(crop))
			if err != nil {
				p.logger.Warn("ocr failed, routing candidate to validator",
					"tile", cand.TileID, "error", err)
				slots[i] = slot{item: item, keep: true}
				return nil
			}

			cls := p.classifier.Classify(text, confidence, project)
			if cls.Verdict == types.VerdictReject {
				p.logger.Debug("prefilter rejected candidate",
					"tile", cand.TileID, "text", text, "reason", cls.Reason)
				return nil
			}
			slots[i] = slot{item: item, keep: true}
			return nil
		})
	}
	_ = g.Wait()

	items := make([]llm.BatchItem, 0, len(slots))
	for _, s := range slots {
		if s.keep {
			items = append(items, s.item)
		}
	}
	return items
}

// runStage2 validates batches in bounded parallel. A failed batch yields no
// markers; its siblings continue and the caller sees partial results.
func (p *Pipeline) runStage2(ctx context.Context, items []llm.BatchItem, project *types.Project) []types.Marker {
	batches := p.validator.MakeBatches(items)
	if len(batches) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		markers []types.Marker
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Stage2Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			got, err := p.validator.ValidateBatch(gctx, batch, project)
			if err != nil {
				p.logger.Warn("batch validation failed, continuing",
					"batch", i, "candidates", len(batch), "error", err)
				return nil
			}
			mu.Lock()
			markers = append(markers, got...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return markers
}
