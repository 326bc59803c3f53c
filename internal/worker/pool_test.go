package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// mockScanner simulates geometric detection for testing
type mockScanner struct {
	delay     time.Duration
	failTiles map[string]bool // tiles that should fail
	callCount atomic.Int32
}

func (m *mockScanner) Detect(tile *types.Tile) ([]types.Candidate, error) {
	m.callCount.Add(1)
	time.Sleep(m.delay)

	if m.failTiles != nil && m.failTiles[tile.ID] {
		return nil, errors.New("simulated failure")
	}

	return []types.Candidate{
		{BBox: types.BBox{X: 10, Y: 10, W: 40, H: 40}, Shape: types.ShapeCircular, TileID: tile.ID},
	}, nil
}

func makeTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{Tile: &types.Tile{
			ID:    fmt.Sprintf("tile_%04d_x0_y0", i),
			Image: image.NewNRGBA(image.Rect(0, 0, 64, 64)),
		}}
	}
	return tasks
}

func TestPool_BasicExecution(t *testing.T) {
	scanner := &mockScanner{delay: 10 * time.Millisecond}

	pool := New(Config{
		Workers: 2,
		Scanner: scanner,
	})

	tasks := makeTasks(3)
	results := pool.Run(context.Background(), tasks)

	if len(results) != len(tasks) {
		t.Errorf("Expected %d results, got %d", len(tasks), len(results))
	}

	for _, r := range results {
		if r.Err != nil {
			t.Errorf("Unexpected error for %s: %v", r.Task.Tile.ID, r.Err)
		}
		if len(r.Candidates) == 0 {
			t.Errorf("Expected candidates for %s, got none", r.Task.Tile.ID)
		}
	}

	if scanner.callCount.Load() != int32(len(tasks)) {
		t.Errorf("Expected %d scanner calls, got %d", len(tasks), scanner.callCount.Load())
	}
}

func TestPool_Parallelism(t *testing.T) {
	// Use a longer delay to ensure parallelism is tested
	scanner := &mockScanner{delay: 50 * time.Millisecond}

	pool := New(Config{
		Workers: 4,
		Scanner: scanner,
	})

	tasks := makeTasks(8)

	start := time.Now()
	results := pool.Run(context.Background(), tasks)
	elapsed := time.Since(start)

	// With 4 workers and 8 tasks at 50ms each, should take ~100ms (2 batches)
	// Allow some margin for overhead
	maxExpected := 300 * time.Millisecond
	if elapsed > maxExpected {
		t.Errorf("Expected parallel execution in ~100ms, took %v", elapsed)
	}

	if len(results) != len(tasks) {
		t.Errorf("Expected %d results, got %d", len(tasks), len(results))
	}

	t.Logf("Processed %d tasks with %d workers in %v", len(tasks), 4, elapsed)
}

func TestPool_ErrorHandling(t *testing.T) {
	failTile := "tile_0001_x0_y0"
	scanner := &mockScanner{
		delay:     10 * time.Millisecond,
		failTiles: map[string]bool{failTile: true},
	}

	pool := New(Config{
		Workers: 2,
		Scanner: scanner,
	})

	tasks := makeTasks(3)
	results := pool.Run(context.Background(), tasks)

	// Should still get all results
	if len(results) != len(tasks) {
		t.Errorf("Expected %d results, got %d", len(tasks), len(results))
	}

	var successCount, failCount int
	for _, r := range results {
		if r.Err != nil {
			failCount++
			if r.Task.Tile.ID != failTile {
				t.Errorf("Unexpected failure for %s", r.Task.Tile.ID)
			}
		} else {
			successCount++
		}
	}

	if successCount != 2 {
		t.Errorf("Expected 2 successes, got %d", successCount)
	}
	if failCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failCount)
	}
}

func TestPool_Cancellation(t *testing.T) {
	scanner := &mockScanner{delay: 100 * time.Millisecond}

	pool := New(Config{
		Workers: 2,
		Scanner: scanner,
	})

	tasks := makeTasks(10)

	ctx, cancel := context.WithCancel(context.Background())

	// Cancel after a short time
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := pool.Run(ctx, tasks)
	elapsed := time.Since(start)

	// In-flight scans finish, queued tasks drain with ctx.Err()
	if elapsed > 500*time.Millisecond {
		t.Errorf("Expected early cancellation, took %v", elapsed)
	}

	var cancelledCount int
	for _, r := range results {
		if r.Err != nil && errors.Is(r.Err, context.Canceled) {
			cancelledCount++
		}
	}

	if cancelledCount == 0 {
		t.Error("Expected some tasks to report cancellation")
	}

	t.Logf("Completed with %d results (%d cancelled) in %v", len(results), cancelledCount, elapsed)
}

func TestPool_ProgressCallback(t *testing.T) {
	scanner := &mockScanner{delay: 10 * time.Millisecond}

	var progressCalls atomic.Int32
	var lastCompleted, lastTotal int

	pool := New(Config{
		Workers: 2,
		Scanner: scanner,
		OnProgress: func(completed, total, failed int) {
			progressCalls.Add(1)
			lastCompleted = completed
			lastTotal = total
		},
	})

	tasks := makeTasks(3)
	pool.Run(context.Background(), tasks)

	if progressCalls.Load() == 0 {
		t.Error("Expected progress callbacks, got none")
	}

	// Final callback should show all completed
	if lastCompleted != len(tasks) {
		t.Errorf("Expected lastCompleted=%d, got %d", len(tasks), lastCompleted)
	}
	if lastTotal != len(tasks) {
		t.Errorf("Expected lastTotal=%d, got %d", len(tasks), lastTotal)
	}
}

func TestPool_EmptyTasks(t *testing.T) {
	scanner := &mockScanner{}

	pool := New(Config{
		Workers: 2,
		Scanner: scanner,
	})

	results := pool.Run(context.Background(), nil)

	if len(results) != 0 {
		t.Errorf("Expected 0 results for empty tasks, got %d", len(results))
	}

	if scanner.callCount.Load() != 0 {
		t.Errorf("Expected 0 scanner calls for empty tasks, got %d", scanner.callCount.Load())
	}
}

func TestPool_DefaultWorkers(t *testing.T) {
	pool := New(Config{Scanner: &mockScanner{}})

	if pool.workers < 1 {
		t.Errorf("Expected at least 1 worker by default, got %d", pool.workers)
	}
}
