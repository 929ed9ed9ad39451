package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"deepscan/internal/calibration"
)

// Environment variables consulted once at load time.
const (
	EnvCalibrationMethod = "CONFIDENCE_CALIBRATION"
	EnvTemperature       = "CONFIDENCE_TEMPERATURE"
	EnvWeightsRoot       = "DEEPSCAN_WEIGHTS_ROOT"
	EnvWeightsPath       = "DEEPSCAN_WEIGHTS_PATH"
	EnvLAARoot           = "LAA_NET_ROOT"
	EnvLAAWeights        = "LAA_NET_WEIGHTS"
	EnvRuntimeURL        = "DEEPSCAN_RUNTIME_URL"
	EnvEnableCNN         = "DEEPSCAN_ENABLE_CNN"
	EnvEnableEmbedding   = "DEEPSCAN_ENABLE_EMBEDDING"
	EnvEnableLAA         = "DEEPSCAN_ENABLE_LAA"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeTools()
	c.normalizeFrames()
	c.normalizeRuntime()
	if err := c.normalizeBackends(); err != nil {
		return err
	}
	c.normalizeScoring()
	c.normalizeCalibration()
	c.normalizeAudio()
	c.normalizeDetection()
	if err := c.normalizeCache(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.LockDir, err = expandPath(c.Paths.LockDir); err != nil {
		return fmt.Errorf("paths.lock_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeTools() {
	c.Tools.FFmpeg = strings.TrimSpace(c.Tools.FFmpeg)
	if c.Tools.FFmpeg == "" {
		c.Tools.FFmpeg = defaultFFmpegBinary
	}
	c.Tools.FFprobe = strings.TrimSpace(c.Tools.FFprobe)
	if c.Tools.FFprobe == "" {
		c.Tools.FFprobe = defaultFFprobeBinary
	}
}

func (c *Config) normalizeFrames() {
	if c.Frames.SyntheticWidth <= 0 {
		c.Frames.SyntheticWidth = defaultSyntheticSize
	}
	if c.Frames.SyntheticHeight <= 0 {
		c.Frames.SyntheticHeight = defaultSyntheticSize
	}
	if c.Frames.DecodeTimeoutSeconds <= 0 {
		c.Frames.DecodeTimeoutSeconds = defaultDecodeTimeoutSeconds
	}
}

func (c *Config) normalizeRuntime() {
	if value, ok := lookupEnv(EnvRuntimeURL); ok {
		c.Runtime.URL = value
	}
	c.Runtime.URL = strings.TrimRight(strings.TrimSpace(c.Runtime.URL), "/")
	if c.Runtime.URL == "" {
		c.Runtime.URL = defaultRuntimeURL
	}
	if c.Runtime.TimeoutSeconds <= 0 {
		c.Runtime.TimeoutSeconds = defaultRuntimeTimeout
	}
	if c.Runtime.InitTimeoutSeconds <= 0 {
		c.Runtime.InitTimeoutSeconds = defaultInitTimeoutSeconds
	}
	if c.Runtime.RetryAttempts < 0 {
		c.Runtime.RetryAttempts = 0
	}
}

func (c *Config) normalizeBackends() error {
	var err error
	if value, ok := lookupEnv(EnvWeightsRoot); ok {
		c.Backends.WeightsRoot = value
	}
	if c.Backends.WeightsRoot, err = expandPath(c.Backends.WeightsRoot); err != nil {
		return fmt.Errorf("backends.weights_root: %w", err)
	}
	root := c.Backends.WeightsRoot

	applyEnableEnv(&c.Backends.CNN.Enabled, EnvEnableCNN)
	applyEnableEnv(&c.Backends.Embedding.Enabled, EnvEnableEmbedding)
	applyEnableEnv(&c.Backends.LAA.Enabled, EnvEnableLAA)

	if value, ok := lookupEnv(EnvWeightsPath); ok {
		c.Backends.CNN.WeightsPath = value
	}
	if strings.TrimSpace(c.Backends.CNN.WeightsPath) == "" {
		c.Backends.CNN.WeightsPath = firstExisting(root, defaultCNNWeightNames)
	}
	if strings.TrimSpace(c.Backends.CNN.ConfigPath) == "" {
		c.Backends.CNN.ConfigPath = filepath.Join(root, "resnet50.yaml")
	}
	if strings.TrimSpace(c.Backends.Embedding.WeightsPath) == "" {
		c.Backends.Embedding.WeightsPath = filepath.Join(root, "clip_vit_b32.pth")
	}
	if strings.TrimSpace(c.Backends.Embedding.ConfigPath) == "" {
		c.Backends.Embedding.ConfigPath = filepath.Join(root, "clip_vit_b32.yaml")
	}

	if value, ok := lookupEnv(EnvLAARoot); ok {
		c.Backends.LAA.Root = value
	}
	if strings.TrimSpace(c.Backends.LAA.Root) == "" {
		c.Backends.LAA.Root = filepath.Join(root, "laa_net")
	}
	if value, ok := lookupEnv(EnvLAAWeights); ok {
		c.Backends.LAA.WeightsPath = value
	}
	c.Backends.LAA.ConfigName = strings.TrimSpace(c.Backends.LAA.ConfigName)
	if c.Backends.LAA.ConfigName == "" {
		c.Backends.LAA.ConfigName = defaultLAAConfigName
	}
	if c.Backends.LAA.Root, err = expandPath(c.Backends.LAA.Root); err != nil {
		return fmt.Errorf("backends.laa.root: %w", err)
	}
	if strings.TrimSpace(c.Backends.LAA.ConfigPath) == "" {
		c.Backends.LAA.ConfigPath = filepath.Join(c.Backends.LAA.Root, "configs", c.Backends.LAA.ConfigName)
	}

	for _, entry := range []struct {
		name    string
		backend *Backend
		model   string
	}{
		{"cnn", &c.Backends.CNN, defaultCNNModel},
		{"embedding", &c.Backends.Embedding, defaultEmbeddingModel},
		{"laa", &c.Backends.LAA.Backend, defaultLAAModel},
	} {
		b := entry.backend
		if b.WeightsPath, err = expandPath(strings.TrimSpace(b.WeightsPath)); err != nil {
			return fmt.Errorf("backends.%s.weights_path: %w", entry.name, err)
		}
		if b.ConfigPath, err = expandPath(strings.TrimSpace(b.ConfigPath)); err != nil {
			return fmt.Errorf("backends.%s.config_path: %w", entry.name, err)
		}
		b.Device = strings.ToLower(strings.TrimSpace(b.Device))
		if b.Device == "" {
			b.Device = defaultDevice
		}
		b.ModelName = strings.TrimSpace(b.ModelName)
		if b.ModelName == "" {
			b.ModelName = entry.model
		}
	}
	return nil
}

func (c *Config) normalizeScoring() {
	c.Ensemble.Granularity = strings.ToLower(strings.TrimSpace(c.Ensemble.Granularity))
	if c.Ensemble.Granularity == "" {
		c.Ensemble.Granularity = defaultGranularity
	}
	c.Ensemble.Reduce = strings.ToLower(strings.TrimSpace(c.Ensemble.Reduce))
	if c.Ensemble.Reduce == "" {
		c.Ensemble.Reduce = defaultReduce
	}
	c.Verdict.AudioPolicy = strings.ToLower(strings.TrimSpace(c.Verdict.AudioPolicy))
	if c.Verdict.AudioPolicy == "" {
		c.Verdict.AudioPolicy = defaultAudioPolicy
	}
}

// normalizeCalibration never fails: unknown methods and unusable temperatures
// resolve to the defaults, from the file or from the environment.
func (c *Config) normalizeCalibration() {
	method := c.Calibration.Method
	if value, ok := lookupEnv(EnvCalibrationMethod); ok {
		method = value
	}
	temperature := c.Calibration.Temperature
	if value, ok := lookupEnv(EnvTemperature); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			parsed = calibration.DefaultTemperature
		}
		temperature = parsed
	}
	resolved := calibration.Config{Method: calibration.Method(method), Temperature: temperature}.Normalize()
	c.Calibration.Method = string(resolved.Method)
	c.Calibration.Temperature = resolved.Temperature
}

func (c *Config) normalizeAudio() {
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = defaultAudioSampleRate
	}
	if c.Audio.MaxDurationSeconds <= 0 {
		c.Audio.MaxDurationSeconds = defaultAudioMaxDuration
	}
	if c.Audio.TimeoutSeconds <= 0 {
		c.Audio.TimeoutSeconds = defaultAudioTimeout
	}
}

func (c *Config) normalizeDetection() {
	if c.Detection.RequestTimeoutSeconds <= 0 {
		c.Detection.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if c.Detection.Workers <= 0 {
		c.Detection.Workers = defaultWorkers
	}
	c.Detection.DefaultModel = strings.ToLower(strings.TrimSpace(c.Detection.DefaultModel))
	if c.Detection.DefaultModel == "" {
		c.Detection.DefaultModel = defaultModelType
	}
}

func (c *Config) normalizeCache() error {
	if strings.TrimSpace(c.Cache.Path) == "" {
		c.Cache.Path = filepath.Join(c.Paths.CacheDir, "verdicts.db")
	}
	var err error
	if c.Cache.Path, err = expandPath(c.Cache.Path); err != nil {
		return fmt.Errorf("cache.path: %w", err)
	}
	c.Metrics.Addr = strings.TrimSpace(c.Metrics.Addr)
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

func applyEnableEnv(target *bool, key string) {
	value, ok := lookupEnv(key)
	if !ok {
		return
	}
	if enabled, err := strconv.ParseBool(value); err == nil {
		*target = enabled
	}
}

func firstExisting(root string, names []string) string {
	for _, name := range names {
		candidate := filepath.Join(root, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	if len(names) == 0 {
		return ""
	}
	return filepath.Join(root, names[0])
}
