// Package worker provides the parallel pool that runs the CPU-bound
// geometric detection stage across tiles.
package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// Scanner runs geometric detection over one tile.
// This matches the signature of detect.Detector.Detect.
type Scanner interface {
	Detect(tile *types.Tile) ([]types.Candidate, error)
}

// Task represents a single tile scan.
type Task struct {
	Tile *types.Tile
}

// Result represents the outcome of a tile scan.
type Result struct {
	Task       Task
	Candidates []types.Candidate
	Err        error
	Elapsed    time.Duration
}

// ProgressFunc is called after each task completes.
type ProgressFunc func(completed, total, failed int)

// Config configures the worker pool.
type Config struct {
	Workers    int
	Scanner    Scanner
	OnProgress ProgressFunc
}

// Pool fans tile scans out over a fixed number of workers.
type Pool struct {
	workers    int
	scanner    Scanner
	onProgress ProgressFunc
}

// New creates a new worker pool. Workers defaults to GOMAXPROCS since the
// scan stage is pure CPU.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	return &Pool{
		workers:    workers,
		scanner:    cfg.Scanner,
		onProgress: cfg.OnProgress,
	}
}

// Run executes all tasks and returns results.
// Tasks are processed in parallel by the configured number of workers.
// The function blocks until all tasks complete or the context is cancelled;
// cancelled tasks report ctx.Err() in their result.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	taskCh := make(chan Task, len(tasks))
	resultCh := make(chan Result, len(tasks))

	var (
		completed int
		failed    int
		mu        sync.Mutex
	)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskCh, resultCh)
		}()
	}

	// Feed tasks
	go func() {
		for _, task := range tasks {
			select {
			case taskCh <- task:
			case <-ctx.Done():
			}
		}
		close(taskCh)
	}()

	// Collect results in a separate goroutine
	results := make([]Result, 0, len(tasks))
	done := make(chan struct{})

	go func() {
		for result := range resultCh {
			results = append(results, result)

			mu.Lock()
			completed++
			if result.Err != nil {
				failed++
			}
			c, f := completed, failed
			mu.Unlock()

			if p.onProgress != nil {
				p.onProgress(c, len(tasks), f)
			}
		}
		close(done)
	}()

	wg.Wait()
	close(resultCh)
	<-done

	return results
}

// worker processes tasks from the task channel and sends results to the result channel.
func (p *Pool) worker(ctx context.Context, tasks <-chan Task, results chan<- Result) {
	for task := range tasks {
		select {
		case <-ctx.Done():
			results <- Result{
				Task: task,
				Err:  ctx.Err(),
			}
			continue
		default:
		}

		start := time.Now()
		candidates, err := p.scanner.Detect(task.Tile)
		elapsed := time.Since(start)

		results <- Result{
			Task:       task,
			Candidates: candidates,
			Err:        err,
			Elapsed:    elapsed,
		}
	}
}
