package ffprobe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleJSON = `{
  "streams": [
    {"index": 0, "codec_type": "video", "width": 1280, "height": 720, "nb_frames": "250", "avg_frame_rate": "25/1", "duration": "10.0"},
    {"index": 1, "codec_type": "audio"},
    {"index": 2, "codec_type": "audio"}
  ],
  "format": {"duration": "10.04"}
}`

func TestParseSummarizesStreams(t *testing.T) {
	result, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := result.AudioStreamCount(); got != 2 {
		t.Fatalf("expected 2 audio streams, got %d", got)
	}
	if got := result.DurationSeconds(); got != 10.04 {
		t.Fatalf("unexpected duration %v", got)
	}
	if got := result.FrameCount(); got != 250 {
		t.Fatalf("expected 250 frames, got %d", got)
	}
	if got := result.FPS(); got != 25 {
		t.Fatalf("expected 25 fps, got %v", got)
	}
	stream, ok := result.FirstVideoStream()
	if !ok || stream.Width != 1280 || stream.Height != 720 {
		t.Fatalf("unexpected video stream %+v", stream)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDurationIgnoresInvalidNumbers(t *testing.T) {
	for _, raw := range []string{"bad", "-1", "inf", ""} {
		result := Result{Format: Format{Duration: raw}}
		if got := result.DurationSeconds(); got != 0 {
			t.Fatalf("duration %q: expected 0, got %v", raw, got)
		}
	}
}

func TestFrameCountEstimatesFromDuration(t *testing.T) {
	result := Result{
		Streams: []Stream{{CodecType: "video", AvgFrameRate: "0/0", RFrameRate: "30000/1001"}},
		Format:  Format{Duration: "10.01"},
	}
	if got := result.FrameCount(); got != 300 {
		t.Fatalf("expected estimated 300 frames, got %d", got)
	}
}

func TestFrameCountZeroWithoutVideo(t *testing.T) {
	result := Result{Streams: []Stream{{CodecType: "audio"}}, Format: Format{Duration: "5"}}
	if got := result.FrameCount(); got != 0 {
		t.Fatalf("expected 0 frames, got %d", got)
	}
	if got := result.FPS(); got != 0 {
		t.Fatalf("expected 0 fps, got %v", got)
	}
	bad := Result{Streams: []Stream{{CodecType: "video", NBFrames: "N/A", AvgFrameRate: "bad"}}}
	if got := bad.FrameCount(); got != 0 {
		t.Fatalf("expected 0 frames for unusable metadata, got %d", got)
	}
}

func TestInspectRunsBinary(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "ffprobe")
	body := "#!/bin/sh\ncat <<'EOF'\n" + sampleJSON + "\nEOF\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	result, err := Inspect(context.Background(), script, "/videos/clip.mp4")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if result.FrameCount() != 250 {
		t.Fatalf("unexpected frame count %d", result.FrameCount())
	}
}

func TestInspectReportsFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "ffprobe")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'moov atom not found' >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	_, err := Inspect(context.Background(), script, "/videos/broken.mp4")
	if err == nil || !strings.Contains(err.Error(), "moov atom not found") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
	if _, err := Inspect(context.Background(), script, " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
