package services_test

import (
	"context"
	"testing"

	"deepscan/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRequestID(ctx, "req-123")
	ctx = services.WithVideo(ctx, "/tmp/clip.mp4")
	ctx = services.WithBackend(ctx, "laa")

	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
	if video, ok := services.VideoFromContext(ctx); !ok || video != "/tmp/clip.mp4" {
		t.Fatalf("unexpected video: %v %v", video, ok)
	}
	if backend, ok := services.BackendFromContext(ctx); !ok || backend != "laa" {
		t.Fatalf("unexpected backend: %v %v", backend, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithVideo(ctx, "")
	ctx = services.WithBackend(ctx, "")
	if _, ok := services.VideoFromContext(ctx); ok {
		t.Fatal("expected no video value")
	}
	if _, ok := services.BackendFromContext(ctx); ok {
		t.Fatal("expected no backend value")
	}
}
