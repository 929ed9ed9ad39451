package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	CacheDir string `toml:"cache_dir"`
	LogDir   string `toml:"log_dir"`
	LockDir  string `toml:"lock_dir"`
}

// Tools names the external media binaries.
type Tools struct {
	FFmpeg  string `toml:"ffmpeg"`
	FFprobe string `toml:"ffprobe"`
}

// Frames controls how many frames are sampled from a video and at what size.
type Frames struct {
	Count int `toml:"count"`
	// Width and Height resize decoded frames; zero keeps the native size.
	Width  int `toml:"width"`
	Height int `toml:"height"`
	// SyntheticWidth and SyntheticHeight size the neutral frames substituted
	// for unreadable slots when no target size is configured.
	SyntheticWidth       int `toml:"synthetic_width"`
	SyntheticHeight      int `toml:"synthetic_height"`
	DecodeTimeoutSeconds int `toml:"decode_timeout_seconds"`
}

// Runtime describes the model server that hosts backend weights.
type Runtime struct {
	URL                string `toml:"url"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	InitTimeoutSeconds int    `toml:"init_timeout_seconds"`
	RetryAttempts      int    `toml:"retry_attempts"`
	// DeviceLocks adds a cross-process file lock per GPU device so several
	// deepscan processes sharing one accelerator serialize inference.
	DeviceLocks bool `toml:"device_locks"`
}

// Backend contains the settings shared by every detection backend.
type Backend struct {
	Enabled     bool    `toml:"enabled"`
	Weight      float64 `toml:"weight"`
	Device      string  `toml:"device"`
	ModelName   string  `toml:"model_name"`
	WeightsPath string  `toml:"weights_path"`
	ConfigPath  string  `toml:"config_path"`
}

// LAABackend extends Backend with the localized-attention checkout layout.
type LAABackend struct {
	Backend
	Root       string `toml:"root"`
	ConfigName string `toml:"config_name"`
}

// Backends groups backend settings.
type Backends struct {
	WeightsRoot string     `toml:"weights_root"`
	CNN         Backend    `toml:"cnn"`
	Embedding   Backend    `toml:"embedding"`
	LAA         LAABackend `toml:"laa"`
}

// Ensemble controls score fusion.
type Ensemble struct {
	Threshold float64 `toml:"threshold"`
	// Granularity is "frame" (fuse per frame, then reduce) or "clip"
	// (reduce per backend, then fuse).
	Granularity string `toml:"granularity"`
	// Reduce is "mean" or "max".
	Reduce string `toml:"reduce"`
}

// Calibration selects how confidence is derived from the fused probability.
type Calibration struct {
	Method      string  `toml:"method"`
	Temperature float64 `toml:"temperature"`
}

// Verdict controls category assignment.
type Verdict struct {
	LowConfidenceFloor float64 `toml:"low_confidence_floor"`
	// AudioPolicy is "auxiliary" (report only) or "downgrade" (consistent
	// audio turns FAKE into LIKELY_FAKE).
	AudioPolicy          string  `toml:"audio_policy"`
	AudioConsistentAbove float64 `toml:"audio_consistent_above"`
}

// Audio controls the audio consistency cross-check.
type Audio struct {
	Enabled            bool `toml:"enabled"`
	SampleRate         int  `toml:"sample_rate"`
	MaxDurationSeconds int  `toml:"max_duration_seconds"`
	TimeoutSeconds     int  `toml:"timeout_seconds"`
}

// Detection contains request-level settings.
type Detection struct {
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	Workers               int    `toml:"workers"`
	DefaultModel          string `toml:"default_model"`
}

// Cache contains configuration for the verdict cache.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Metrics contains configuration for the Prometheus endpoint.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for deepscan.
//
// Configuration sections by subsystem:
//   - Paths: cache, log, and lock directories
//   - Tools: ffmpeg/ffprobe binaries
//   - Frames: sampling count and frame geometry
//   - Runtime: model server connection and init timeout
//   - Backends: per-backend weights, devices, and enable flags
//   - Ensemble / Calibration / Verdict: scoring policy
//   - Audio: audio consistency extraction limits
//   - Detection: request timeout and batch workers
//   - Cache / Metrics / Logging: ambient services
type Config struct {
	Paths       Paths       `toml:"paths"`
	Tools       Tools       `toml:"tools"`
	Frames      Frames      `toml:"frames"`
	Runtime     Runtime     `toml:"runtime"`
	Backends    Backends    `toml:"backends"`
	Ensemble    Ensemble    `toml:"ensemble"`
	Calibration Calibration `toml:"calibration"`
	Verdict     Verdict     `toml:"verdict"`
	Audio       Audio       `toml:"audio"`
	Detection   Detection   `toml:"detection"`
	Cache       Cache       `toml:"cache"`
	Metrics     Metrics     `toml:"metrics"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/deepscan/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and environment overrides applied.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath) //nolint:gosec
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("deepscan.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the cache, log, and lock directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.CacheDir, c.Paths.LogDir, c.Paths.LockDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FFmpegBinary returns the ffmpeg executable name or path.
func (c *Config) FFmpegBinary() string {
	if bin := strings.TrimSpace(c.Tools.FFmpeg); bin != "" {
		return bin
	}
	return defaultFFmpegBinary
}

// FFprobeBinary returns the ffprobe executable name or path.
func (c *Config) FFprobeBinary() string {
	if bin := strings.TrimSpace(c.Tools.FFprobe); bin != "" {
		return bin
	}
	return defaultFFprobeBinary
}

// RequestTimeout returns the per-video deadline.
func (c *Config) RequestTimeout() time.Duration {
	return seconds(c.Detection.RequestTimeoutSeconds)
}

// InitTimeout returns the bound on backend model loading.
func (c *Config) InitTimeout() time.Duration {
	return seconds(c.Runtime.InitTimeoutSeconds)
}

// RuntimeTimeout returns the HTTP timeout for model server calls.
func (c *Config) RuntimeTimeout() time.Duration {
	return seconds(c.Runtime.TimeoutSeconds)
}

// AudioTimeout returns the hard limit on audio extraction.
func (c *Config) AudioTimeout() time.Duration {
	return seconds(c.Audio.TimeoutSeconds)
}

// DecodeTimeout returns the limit on a single frame decode.
func (c *Config) DecodeTimeout() time.Duration {
	return seconds(c.Frames.DecodeTimeoutSeconds)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}
