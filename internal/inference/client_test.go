package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"deepscan/internal/backend"
	"deepscan/internal/tensor"
)

func TestClientLoaderAndInfer(t *testing.T) {
	var loaded atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/repository/models/resnet50_deepfake/load":
			if r.Method != http.MethodPost {
				t.Errorf("load method = %s", r.Method)
			}
			var req loadRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode load: %v", err)
			}
			if req.Parameters["weights_path"] != "/models/cnn.pth" || req.Parameters["kind"] != "cnn" {
				t.Errorf("unexpected parameters %v", req.Parameters)
			}
			if _, ok := req.Parameters["config_path"]; ok {
				t.Errorf("empty parameters should be dropped")
			}
			loaded.Store(true)
		case "/v2/models/resnet50_deepfake/ready":
			if !loaded.Load() {
				w.WriteHeader(http.StatusBadRequest)
			}
		case "/v2/models/resnet50_deepfake/infer":
			var req inferRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode infer: %v", err)
			}
			if len(req.Inputs) != 1 || req.Inputs[0].Datatype != "FP32" || req.Inputs[0].Name != "input" {
				t.Errorf("unexpected inputs %+v", req.Inputs)
			}
			if got := req.Inputs[0].Shape; len(got) != 4 || got[3] != 2 {
				t.Errorf("unexpected shape %v", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"model_name": "resnet50_deepfake",
				"outputs": []any{map[string]any{
					"name": "logits", "shape": []int{1, 2}, "datatype": "FP32", "data": []float64{0.25, 1.5},
				}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(Config{URL: server.URL + "/"})
	model, err := client.Loader()(context.Background(), backend.LoadSpec{
		Kind:        backend.KindCNN,
		Name:        "resnet50_deepfake",
		WeightsPath: "/models/cnn.pth",
		Device:      "cpu",
	})
	if err != nil {
		t.Fatalf("Loader: %v", err)
	}
	out, err := model.Run(context.Background(), tensor.Tensor{Shape: []int{1, 3, 1, 2}, Data: make([]float32, 6)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 || out[1] != 1.5 {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestClientLoaderNotReady(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/ready") {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client := NewClient(Config{URL: server.URL})
	if _, err := client.Loader()(context.Background(), backend.LoadSpec{Kind: backend.KindLAA, Name: "laa"}); err == nil {
		t.Fatal("expected not-ready error")
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var slept []time.Duration
	client := NewClient(Config{URL: server.URL, RetryAttempts: 3}, WithSleeper(func(d time.Duration) {
		slept = append(slept, d)
	}))
	if err := client.ServerReady(context.Background()); err != nil {
		t.Fatalf("ServerReady: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if len(slept) != 2 || slept[0] != time.Second {
		t.Fatalf("unexpected sleeps %v", slept)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad shape", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(Config{URL: server.URL, RetryAttempts: 5}, WithSleeper(func(time.Duration) {}))
	_, err := client.Infer(context.Background(), "m", tensor.Tensor{Shape: []int{1}, Data: []float32{0}})
	if err == nil || !strings.Contains(err.Error(), "bad shape") {
		t.Fatalf("expected status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestClientRejectsEmptyOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"outputs":[]}`))
	}))
	defer server.Close()

	client := NewClient(Config{URL: server.URL})
	if _, err := client.Infer(context.Background(), "m", tensor.Tensor{Shape: []int{1}, Data: []float32{0}}); err == nil {
		t.Fatal("expected error for empty output")
	}
	if _, err := client.Infer(context.Background(), "m", tensor.Tensor{Shape: []int{2}, Data: []float32{0}}); err == nil {
		t.Fatal("expected validation error for mismatched shape")
	}
}

func TestBackoffDelay(t *testing.T) {
	client := NewClient(Config{}, WithRetryBackoff(100*time.Millisecond, 300*time.Millisecond))
	cases := map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 300 * time.Millisecond, 6: 300 * time.Millisecond}
	for attempt, want := range cases {
		if got := client.backoffDelay(attempt); got != want {
			t.Fatalf("backoffDelay(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := parseRetryAfter("3"); !ok || d != 3*time.Second {
		t.Fatalf("parseRetryAfter(3) = %s, %v", d, ok)
	}
	if _, ok := parseRetryAfter("-1"); ok {
		t.Fatal("negative values should be rejected")
	}
	if _, ok := parseRetryAfter(""); ok {
		t.Fatal("empty values should be rejected")
	}
}
