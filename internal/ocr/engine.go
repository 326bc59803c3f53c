// Package ocr implements Stage 1.5 of the callout pipeline: reading the text
// inside each geometric candidate with a fast OCR engine and partitioning
// candidates into accept, reject, and uncertain before the expensive LLM
// validation stage.
package ocr

import (
	"context"
	"image"
	"sync"
)

// Engine is the OCR provider contract: one crop in, text plus a confidence
// in [0,1] out. Engines that are safe for concurrent use can be passed to
// the pipeline directly; wrap thread-unsafe engines in NewSerialEngine.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, crop *image.NRGBA) (text string, confidence float64, err error)
}

// job is one recognition request queued to the serial worker.
type job struct {
	ctx    context.Context
	crop   *image.NRGBA
	result chan jobResult
}

type jobResult struct {
	text       string
	confidence float64
	err        error
}

// SerialEngine serializes access to a thread-unsafe OCR engine through a
// single-worker job queue. Concurrent callers submit jobs and await results.
type SerialEngine struct {
	inner     Engine
	jobs      chan job
	closeOnce sync.Once
	done      chan struct{}
}

// NewSerialEngine starts the worker goroutine and returns the wrapper.
// Call Close when the engine is no longer needed.
func NewSerialEngine(inner Engine, queueSize int) *SerialEngine {
	if queueSize < 1 {
		queueSize = 64
	}
	s := &SerialEngine{
		inner: inner,
		jobs:  make(chan job, queueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *SerialEngine) run() {
	for j := range s.jobs {
		if err := j.ctx.Err(); err != nil {
			j.result <- jobResult{err: err}
			continue
		}
		text, conf, err := s.inner.Recognize(j.ctx, j.crop)
		j.result <- jobResult{text: text, confidence: conf, err: err}
	}
	close(s.done)
}

// Name returns the wrapped engine's name.
func (s *SerialEngine) Name() string { return s.inner.Name() }

// Recognize submits a crop to the worker and blocks until the result arrives
// or ctx is cancelled.
func (s *SerialEngine) Recognize(ctx context.Context, crop *image.NRGBA) (string, float64, error) {
	j := job{ctx: ctx, crop: crop, result: make(chan jobResult, 1)}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
	select {
	case r := <-j.result:
		return r.text, r.confidence, r.err
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
}

// Close stops the worker after draining queued jobs.
func (s *SerialEngine) Close() {
	s.closeOnce.Do(func() { close(s.jobs) })
	<-s.done
}
