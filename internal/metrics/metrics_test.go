package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetricsExposition(t *testing.T) {
	m := New()
	done := m.Begin()
	m.ObserveFrames(16, 3)
	m.ObserveBackend("cnn", 20*time.Millisecond, false)
	m.ObserveBackend("laa", 5*time.Millisecond, true)
	m.ObserveAudio(0.72)
	m.CacheLookup(false)
	m.ObserveVerdict("FAKE", "ensemble", 2*time.Second)
	done()

	body := scrape(t, m)
	for _, want := range []string{
		"deepscan_requests_total 1",
		"deepscan_requests_in_flight 0",
		"deepscan_frames_sampled_total 16",
		"deepscan_frames_synthetic_total 3",
		"deepscan_cache_misses_total 1",
		`deepscan_verdicts_total{category="FAKE",model_type="ensemble"} 1`,
		`deepscan_backend_failures_total{backend="laa"} 1`,
		"deepscan_detection_duration_seconds_count 1",
		"deepscan_audio_consistency_score_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Begin()()
	m.ObserveVerdict("AUTHENTIC", "cnn", time.Second)
	m.ObserveBackend("cnn", time.Millisecond, true)
	m.ObserveFrames(1, 0)
	m.ObserveAudio(0.5)
	m.Timeout()
	m.Reject()
	m.CacheLookup(true)
}

func TestServeStopsOnCancel(t *testing.T) {
	m := New()
	m.Timeout()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.serve(ctx, listener) }()

	resp, err := http.Get("http://" + listener.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "deepscan_request_timeouts_total 1") {
		t.Fatalf("unexpected body:\n%s", body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
