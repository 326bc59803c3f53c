// Package server exposes the callout pipeline over HTTP: marker detection,
// title-block metadata extraction, and the schedule-service passthrough.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/MeKo-Tech/calloutscan/internal/meta"
	"github.com/MeKo-Tech/calloutscan/internal/pipeline"
)

// Config holds the HTTP facade settings.
type Config struct {
	Addr string
	// MaxConcurrent bounds simultaneous detect-markers requests; further
	// requests queue on the semaphore until the client gives up.
	MaxConcurrent  int
	AllowedOrigins []string
	// ScheduleServiceURL is the external schedule/notes extraction service.
	// Empty disables the passthrough endpoint.
	ScheduleServiceURL string
	// DownloadTimeout bounds each tile or sheet download.
	DownloadTimeout time.Duration
}

// Server is the HTTP facade. All heavy services are created once at startup
// and injected; Ready gates traffic until they are.
type Server struct {
	cfg        Config
	pipe       *pipeline.Pipeline
	meta       *meta.Client
	logger     *slog.Logger
	metrics    *metrics
	sem        chan struct{}
	ready      atomic.Bool
	httpClient *http.Client
}

// New wires the facade around an initialized pipeline and metadata client.
func New(cfg Config, pipe *pipeline.Pipeline, metaClient *meta.Client, logger *slog.Logger) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		pipe:       pipe,
		meta:       metaClient,
		logger:     logger,
		metrics:    newMetrics(),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		httpClient: &http.Client{},
	}
}

// SetReady flips the readiness gate once startup initialization finished.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler builds the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/detect-markers", s.handleDetectMarkers)
	mux.HandleFunc("POST /api/extract-metadata", s.handleExtractMetadata)
	mux.HandleFunc("POST /api/extract-schedule", s.handleExtractSchedule)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(s.requestLog(mux))
}

// requestLog tags each request with an id and logs method, path, status and
// duration after completion.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", elapsed)
		s.metrics.observe(r.URL.Path, rec.status, elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// errorBody is the bounded JSON error envelope. Handlers never leak stack
// traces or internal state into it.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, details string) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", msg, "details", details)
	}
	writeJSON(w, status, errorBody{Error: msg, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
