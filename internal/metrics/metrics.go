package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds detection metrics. A nil *Metrics ignores every call.
type Metrics struct {
	// Request counters
	Requests  atomic.Uint64
	Timeouts  atomic.Uint64
	Rejected  atomic.Uint64
	InFlight  atomic.Int64
	CacheHits atomic.Uint64
	CacheMiss atomic.Uint64

	// Frame counters
	FramesSampled   atomic.Uint64
	FramesSynthetic atomic.Uint64

	verdicts         *prometheus.CounterVec
	backendFailures  *prometheus.CounterVec
	backendInference *prometheus.HistogramVec
	duration         prometheus.Histogram
	audioScore       prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a Metrics instance with its collectors registered.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counter := func(name, help string, value *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(value.Load()) },
		))
	}
	counter("deepscan_requests_total", "Detection requests started", &m.Requests)
	counter("deepscan_request_timeouts_total", "Detection requests that hit the request timeout", &m.Timeouts)
	counter("deepscan_requests_rejected_total", "Detection requests rejected by input validation", &m.Rejected)
	counter("deepscan_cache_hits_total", "Verdicts served from the cache", &m.CacheHits)
	counter("deepscan_cache_misses_total", "Cache lookups that found nothing", &m.CacheMiss)
	counter("deepscan_frames_sampled_total", "Frames sampled from videos", &m.FramesSampled)
	counter("deepscan_frames_synthetic_total", "Sampled frames replaced by neutral stand-ins", &m.FramesSynthetic)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "deepscan_requests_in_flight",
			Help: "Detection requests currently running",
		},
		func() float64 { return float64(m.InFlight.Load()) },
	))

	m.verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscan_verdicts_total",
		Help: "Completed detections by verdict category",
	}, []string{"category", "model_type"})
	m.backendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscan_backend_failures_total",
		Help: "Frame scores replaced by the neutral fallback",
	}, []string{"backend"})
	m.backendInference = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepscan_backend_inference_seconds",
		Help:    "Per-frame backend inference latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"backend"})
	m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepscan_detection_duration_seconds",
		Help:    "End-to-end detection latency",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	})
	m.audioScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepscan_audio_consistency_score",
		Help:    "Audio consistency scores of analyzed videos",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})
	m.registry.MustRegister(m.verdicts, m.backendFailures, m.backendInference, m.duration, m.audioScore)
}

// Begin marks a request as started and returns the matching completion call.
func (m *Metrics) Begin() func() {
	if m == nil {
		return func() {}
	}
	m.Requests.Add(1)
	m.InFlight.Add(1)
	return func() { m.InFlight.Add(-1) }
}

// ObserveVerdict records a completed detection.
func (m *Metrics) ObserveVerdict(category, modelType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(category, modelType).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// ObserveBackend records one backend frame score.
func (m *Metrics) ObserveBackend(backend string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.backendInference.WithLabelValues(backend).Observe(elapsed.Seconds())
	if failed {
		m.backendFailures.WithLabelValues(backend).Inc()
	}
}

// ObserveFrames records how many frames were sampled and how many were
// synthetic.
func (m *Metrics) ObserveFrames(total, synthetic int) {
	if m == nil {
		return
	}
	m.FramesSampled.Add(uint64(max(total, 0)))
	m.FramesSynthetic.Add(uint64(max(synthetic, 0)))
}

// ObserveAudio records the consistency score of analyzed audio.
func (m *Metrics) ObserveAudio(score float64) {
	if m == nil {
		return
	}
	m.audioScore.Observe(score)
}

// Timeout counts a request that ran out of time.
func (m *Metrics) Timeout() {
	if m != nil {
		m.Timeouts.Add(1)
	}
}

// Reject counts a request refused before the pipeline ran.
func (m *Metrics) Reject() {
	if m != nil {
		m.Rejected.Add(1)
	}
}

// CacheLookup counts a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(1)
	} else {
		m.CacheMiss.Add(1)
	}
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.serve(ctx, listener)
}

func (m *Metrics) serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		case <-done:
		}
	}()

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
