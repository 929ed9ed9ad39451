package audio_test

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deepscan/internal/audio"
	"deepscan/internal/logging"
	"deepscan/internal/testsupport"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestZeroCrossingRate(t *testing.T) {
	if got := audio.ZeroCrossingRate([]float64{1, -1, 1, -1}); !approx(got, 1) {
		t.Fatalf("alternating zcr = %v", got)
	}
	if got := audio.ZeroCrossingRate([]float64{1, 0, -1}); !approx(got, 0.5) {
		t.Fatalf("zero sample zcr = %v", got)
	}
	if got := audio.ZeroCrossingRate([]float64{1}); got != 0 {
		t.Fatalf("single sample zcr = %v", got)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS([]float64{3, 4}); !approx(got, math.Sqrt(12.5)) {
		t.Fatalf("rms = %v", got)
	}
	if audio.RMS(nil) != 0 {
		t.Fatal("empty rms should be 0")
	}
}

func TestWindows(t *testing.T) {
	cases := map[int]int{0: 0, 399: 0, 400: 1, 600: 1, 1000: 3}
	for n, want := range cases {
		rms, zcr := audio.Windows(make([]float64, n))
		if len(rms) != want || len(zcr) != want {
			t.Fatalf("Windows(%d) produced %d windows, want %d", n, len(rms), want)
		}
	}
}

func TestDurationMatch(t *testing.T) {
	cases := []struct {
		audio, video float64
		want         bool
	}{
		{10.05, 10, true},
		{13, 10, false},
		{95, 100, true},
		{85, 100, false},
		{0.6, 0, true},
		{0.4, 0, false},
	}
	for _, tc := range cases {
		if got := audio.DurationMatch(tc.audio, tc.video); got != tc.want {
			t.Fatalf("DurationMatch(%v, %v) = %v, want %v", tc.audio, tc.video, got, tc.want)
		}
	}
}

func TestEnergyStability(t *testing.T) {
	// Erratic energy is not penalized; only flat energy is.
	cases := map[float64]float64{0: 0.2, 0.02: 0.5, 0.1: 1, 0.001: 0.31, 0.5: 1}
	for std, want := range cases {
		if got := audio.EnergyStability(std); math.Abs(got-want) > 1e-9 {
			t.Fatalf("EnergyStability(%v) = %v, want %v", std, got, want)
		}
	}
}

func TestAnalyzeFlatSignal(t *testing.T) {
	samples := make([]float64, 16000)
	for i := range samples {
		samples[i] = 0.1
	}
	result := audio.Analyze(samples, 16000, 1)
	if !result.HasAudio || !result.Analyzed || !result.DurationMatch {
		t.Fatalf("unexpected flags %+v", result)
	}
	if result.EnergyStability != 0.2 || result.ZCRInRange {
		t.Fatalf("unexpected features %+v", result)
	}
	if !approx(result.ConsistencyScore, 0.4+0.4*0.2) {
		t.Fatalf("score = %v", result.ConsistencyScore)
	}
}

func TestAnalyzeWithoutCompleteWindow(t *testing.T) {
	result := audio.Analyze(make([]float64, 300), 16000, 5)
	if !result.HasAudio || result.Analyzed || result.ConsistencyScore != 0.5 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestAnalyzeDurationPenalty(t *testing.T) {
	samples := speechLike(16000)
	matched := audio.Analyze(samples, 16000, 1)
	mismatched := audio.Analyze(samples, 16000, 30)
	if !approx(matched.ConsistencyScore-mismatched.ConsistencyScore, 0.4*0.6) {
		t.Fatalf("duration penalty = %v", matched.ConsistencyScore-mismatched.ConsistencyScore)
	}
}

func TestDecodePCM16(t *testing.T) {
	raw := make([]byte, 5)
	binary.LittleEndian.PutUint16(raw[0:], uint16(0x4000))
	v := int16(-32768)
	binary.LittleEndian.PutUint16(raw[2:], uint16(v))
	samples := audio.DecodePCM16(raw)
	if len(samples) != 2 || samples[0] != 0.5 || samples[1] != -1 {
		t.Fatalf("unexpected samples %v", samples)
	}
}

// speechLike alternates sign every four samples and switches amplitude
// every 1600 samples.
func speechLike(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		amp := 0.1
		if (i/1600)%2 == 1 {
			amp = 0.3
		}
		if (i/4)%2 == 1 {
			amp = -amp
		}
		out[i] = amp
	}
	return out
}

func writePCM(t *testing.T, path string, samples []float64) {
	t.Helper()
	raw := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(int16(s*32767)))
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write pcm: %v", err)
	}
}

func newAnalyzer(t *testing.T, script string, timeout time.Duration) (*audio.Analyzer, string) {
	t.Helper()
	dir := t.TempDir()
	ffmpeg := filepath.Join(dir, "ffmpeg")
	testsupport.WriteScript(t, ffmpeg, script)
	scratch := filepath.Join(dir, "scratch")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("mkdir scratch: %v", err)
	}
	return audio.NewAnalyzer(audio.Options{FFmpeg: ffmpeg, Timeout: timeout, TempDir: scratch}, logging.NewNop()), scratch
}

func assertScratchEmpty(t *testing.T, scratch string) {
	t.Helper()
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch directory not cleaned: %d entries", len(entries))
	}
}

func TestAnalyzerExtractsWithFFmpeg(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "fixture.pcm")
	writePCM(t, fixture, speechLike(16000))
	analyzer, scratch := newAnalyzer(t, `for last; do :; done
cp "`+fixture+`" "$last"`, 5*time.Second)

	result := analyzer.Analyze(context.Background(), "/videos/clip.mp4", 1)
	if !result.HasAudio || !result.Analyzed {
		t.Fatalf("expected analyzed audio, got %+v", result)
	}
	if !result.DurationMatch || !result.ZCRInRange {
		t.Fatalf("unexpected features %+v", result)
	}
	if result.ConsistencyScore < 0.9 {
		t.Fatalf("score = %v", result.ConsistencyScore)
	}
	assertScratchEmpty(t, scratch)
}

func TestAnalyzerFailureIsNeutral(t *testing.T) {
	analyzer, scratch := newAnalyzer(t, `echo "Output file does not contain any stream" >&2
exit 1`, 5*time.Second)

	result := analyzer.Analyze(context.Background(), "/videos/silent.mp4", 12)
	if result.HasAudio || result.ConsistencyScore != 0.5 {
		t.Fatalf("expected neutral no-audio result, got %+v", result)
	}
	if !strings.Contains(result.SkipReason, "does not contain any stream") {
		t.Fatalf("unexpected skip reason %q", result.SkipReason)
	}
	if result.VideoDurationSeconds != 12 {
		t.Fatalf("video duration not carried: %v", result.VideoDurationSeconds)
	}
	assertScratchEmpty(t, scratch)
}

func TestAnalyzerEmptyAudio(t *testing.T) {
	analyzer, scratch := newAnalyzer(t, `for last; do :; done
: > "$last"`, 5*time.Second)
	result := analyzer.Analyze(context.Background(), "/videos/empty.mp4", 3)
	if result.HasAudio || result.ConsistencyScore != 0.5 || result.SkipReason != "empty audio" {
		t.Fatalf("unexpected result %+v", result)
	}
	assertScratchEmpty(t, scratch)
}

func TestAnalyzerTimeout(t *testing.T) {
	analyzer, scratch := newAnalyzer(t, "exec sleep 5", 100*time.Millisecond)
	start := time.Now()
	result := analyzer.Analyze(context.Background(), "/videos/slow.mp4", 3)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if result.HasAudio || result.ConsistencyScore != 0.5 {
		t.Fatalf("unexpected result %+v", result)
	}
	assertScratchEmpty(t, scratch)
}
