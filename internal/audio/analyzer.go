package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"deepscan/internal/logging"
	"deepscan/internal/services"
)

// Extraction defaults.
const (
	DefaultSampleRate  = 16000
	DefaultMaxDuration = 300 * time.Second
	DefaultTimeout     = 60 * time.Second
)

// Result is the audio consistency cross-check for one video. Without audio
// the score is always the neutral 0.5.
type Result struct {
	HasAudio             bool    `json:"has_audio"`
	Analyzed             bool    `json:"audio_analyzed"`
	DurationMatch        bool    `json:"duration_match"`
	AudioDurationSeconds float64 `json:"audio_duration_sec"`
	VideoDurationSeconds float64 `json:"video_duration_sec"`
	RMSVariance          float64 `json:"rms_variance"`
	EnergyStability      float64 `json:"energy_stability"`
	ZCRMean              float64 `json:"zcr_mean"`
	ZCRInRange           bool    `json:"zcr_in_range"`
	ConsistencyScore     float64 `json:"audio_consistency_score"`
	Windows              int     `json:"windows"`
	SkipReason           string  `json:"skip_reason,omitempty"`
}

// NoAudio returns the neutral result for a video whose audio could not be
// used.
func NoAudio(reason string, videoSeconds float64) Result {
	return Result{
		VideoDurationSeconds: videoSeconds,
		ConsistencyScore:     NeutralScore,
		SkipReason:           reason,
	}
}

// Options configures an Analyzer.
type Options struct {
	FFmpeg      string
	SampleRate  int
	MaxDuration time.Duration
	Timeout     time.Duration
	// TempDir is the parent for per-call scratch directories; empty uses the
	// system default.
	TempDir string
}

// Analyzer extracts audio with ffmpeg and scores its consistency.
type Analyzer struct {
	opts   Options
	logger *slog.Logger
}

// NewAnalyzer builds an analyzer with defaults filled in.
func NewAnalyzer(opts Options, logger *slog.Logger) *Analyzer {
	if strings.TrimSpace(opts.FFmpeg) == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Analyzer{opts: opts, logger: logging.NewComponentLogger(logger, "audio")}
}

// Analyze never fails: extraction problems produce a neutral result without
// audio. Scratch files are removed before returning.
func (a *Analyzer) Analyze(ctx context.Context, path string, videoSeconds float64) Result {
	logger := logging.WithContext(ctx, a.logger)
	samples, err := a.Extract(ctx, path)
	if err != nil {
		logger.Info("audio unavailable",
			logging.String("reason", err.Error()),
			logging.String(logging.FieldEventType, "audio_skipped"),
		)
		return NoAudio(err.Error(), videoSeconds)
	}
	if len(samples) == 0 {
		logger.Info("audio unavailable", logging.String("reason", "empty audio"))
		return NoAudio("empty audio", videoSeconds)
	}
	result := Analyze(samples, a.opts.SampleRate, videoSeconds)
	logger.Debug("audio analyzed",
		logging.Float64("audio_duration_sec", result.AudioDurationSeconds),
		logging.Bool("duration_match", result.DurationMatch),
		logging.Float64("consistency", result.ConsistencyScore),
	)
	return result
}

// Extract decodes the first audio stream of path into normalized mono
// samples at the configured rate, bounded by the extraction timeout.
func (a *Analyzer) Extract(ctx context.Context, path string) ([]float64, error) {
	scratch, err := os.MkdirTemp(a.opts.TempDir, "deepscan-audio-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	extractCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	dest := filepath.Join(scratch, "audio.pcm")
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-vn",
		"-sn",
		"-dn",
		"-ac", "1",
		"-ar", strconv.Itoa(a.opts.SampleRate),
		"-t", strconv.FormatFloat(a.opts.MaxDuration.Seconds(), 'f', -1, 64),
		"-f", "s16le",
		"-c:a", "pcm_s16le",
		dest,
	}
	cmd := exec.CommandContext(extractCtx, a.opts.FFmpeg, args...) //nolint:gosec
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(extractCtx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, "audio", "extract", fmt.Sprintf("ffmpeg exceeded %s", a.opts.Timeout), err)
		}
		return nil, services.Wrap(services.ErrExternalTool, "audio", "extract", strings.TrimSpace(stderr.String()), err)
	}
	raw, err := os.ReadFile(dest) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read extracted audio: %w", err)
	}
	return DecodePCM16(raw), nil
}

// DecodePCM16 converts little-endian signed 16-bit samples into [-1,1).
// A trailing odd byte is ignored.
func DecodePCM16(raw []byte) []float64 {
	samples := make([]float64, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		samples[i] = float64(v) / 32768
	}
	return samples
}
