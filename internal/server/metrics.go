package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics carries the facade's prometheus instruments on a private registry
// so multiple server instances never collide.
type metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	markers    prometheus.Counter
	tiles      prometheus.Counter
	candidates prometheus.Counter
	validated  prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calloutscan_requests_total",
		Help: "HTTP requests by path and status code.",
	}, []string{"path", "status"})

	m.durations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calloutscan_request_duration_seconds",
		Help:    "HTTP request latency by path.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"path"})

	m.markers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "calloutscan_markers_extracted_total",
		Help: "Validated markers returned across all requests.",
	})

	m.tiles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "calloutscan_tiles_processed_total",
		Help: "Tiles accepted for detection across all requests.",
	})

	m.candidates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "calloutscan_stage1_candidates_total",
		Help: "Geometric candidates proposed across all requests.",
	})

	m.validated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "calloutscan_stage2_validated_total",
		Help: "Candidates that survived model validation across all requests.",
	})

	m.registry.MustRegister(m.requests, m.durations, m.markers, m.tiles,
		m.candidates, m.validated)
	return m
}

func (m *metrics) observe(path string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.durations.WithLabelValues(path).Observe(elapsed.Seconds())
}
