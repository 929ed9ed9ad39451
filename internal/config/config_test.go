package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"deepscan/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvCalibrationMethod,
		config.EnvTemperature,
		config.EnvWeightsRoot,
		config.EnvWeightsPath,
		config.EnvLAARoot,
		config.EnvLAAWeights,
		config.EnvRuntimeURL,
		config.EnvEnableCNN,
		config.EnvEnableEmbedding,
		config.EnvEnableLAA,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")

	cfg, path, exists, err := config.Load(filepath.Join(home, "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected missing config to be reported")
	}
	if !strings.HasSuffix(path, "missing.toml") {
		t.Fatalf("unexpected resolved path %q", path)
	}
	if cfg.Frames.Count != 16 {
		t.Fatalf("expected 16 frames, got %d", cfg.Frames.Count)
	}
	if cfg.Calibration.Method != "agreement_strength" || cfg.Calibration.Temperature != 1.5 {
		t.Fatalf("unexpected calibration defaults: %+v", cfg.Calibration)
	}
	if cfg.Backends.CNN.Weight != cfg.Backends.Embedding.Weight || cfg.Backends.Embedding.Weight != cfg.Backends.LAA.Weight {
		t.Fatalf("expected equal default weights: %+v", cfg.Backends)
	}
	wantRoot := filepath.Join(home, ".local", "share", "deepscan", "models")
	if cfg.Backends.WeightsRoot != wantRoot {
		t.Fatalf("weights root = %q, want %q", cfg.Backends.WeightsRoot, wantRoot)
	}
	if cfg.Backends.CNN.WeightsPath != filepath.Join(wantRoot, "resnet_resnet50_final.pth") {
		t.Fatalf("unexpected cnn weights path %q", cfg.Backends.CNN.WeightsPath)
	}
	wantLAAConfig := filepath.Join(wantRoot, "laa_net", "configs", "efn4_fpn_hm_adv.yaml")
	if cfg.Backends.LAA.ConfigPath != wantLAAConfig {
		t.Fatalf("laa config path = %q, want %q", cfg.Backends.LAA.ConfigPath, wantLAAConfig)
	}
	if cfg.Backends.LAA.WeightsPath != "" {
		t.Fatalf("laa weights should stay unset by default, got %q", cfg.Backends.LAA.WeightsPath)
	}
	if cfg.Cache.Path != filepath.Join(home, ".cache", "deepscan", "verdicts.db") {
		t.Fatalf("unexpected cache path %q", cfg.Cache.Path)
	}
}

func TestLoadParsesTOML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[frames]
count = 8
width = 320
height = 240

[backends]
weights_root = "` + dir + `"

[backends.laa]
weight = 0.25
device = "CUDA:0"
root = "` + filepath.Join(dir, "laa") + `"
weights_path = "` + filepath.Join(dir, "laa.pth") + `"

[ensemble]
granularity = "clip"

[calibration]
method = "winning_prob"

[verdict]
audio_policy = "downgrade"

[logging]
format = "JSON"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config to exist")
	}
	if cfg.Frames.Count != 8 || cfg.Frames.Width != 320 || cfg.Frames.Height != 240 {
		t.Fatalf("unexpected frames: %+v", cfg.Frames)
	}
	if cfg.Backends.LAA.Weight != 0.25 || cfg.Backends.LAA.Device != "cuda:0" {
		t.Fatalf("unexpected laa backend: %+v", cfg.Backends.LAA)
	}
	if cfg.Backends.LAA.ConfigPath != filepath.Join(dir, "laa", "configs", "efn4_fpn_hm_adv.yaml") {
		t.Fatalf("unexpected laa config path %q", cfg.Backends.LAA.ConfigPath)
	}
	if cfg.Ensemble.Granularity != "clip" || cfg.Calibration.Method != "winning_prob" {
		t.Fatalf("unexpected scoring: %+v %+v", cfg.Ensemble, cfg.Calibration)
	}
	if cfg.Verdict.AudioPolicy != "downgrade" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected verdict/logging: %+v %+v", cfg.Verdict, cfg.Logging)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	weights := filepath.Join(dir, "custom.pth")
	t.Setenv(config.EnvCalibrationMethod, "TEMPERATURE")
	t.Setenv(config.EnvTemperature, "2.0")
	t.Setenv(config.EnvWeightsRoot, dir)
	t.Setenv(config.EnvWeightsPath, weights)
	t.Setenv(config.EnvLAARoot, filepath.Join(dir, "laa"))
	t.Setenv(config.EnvLAAWeights, filepath.Join(dir, "laa.pth"))
	t.Setenv(config.EnvEnableEmbedding, "false")
	t.Setenv(config.EnvEnableLAA, "not-a-bool")
	t.Setenv(config.EnvRuntimeURL, "http://models:9000/")

	cfg, _, _, err := config.Load(filepath.Join(dir, "none.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Calibration.Method != "temperature" || cfg.Calibration.Temperature != 2.0 {
		t.Fatalf("unexpected calibration: %+v", cfg.Calibration)
	}
	if cfg.Backends.WeightsRoot != dir || cfg.Backends.CNN.WeightsPath != weights {
		t.Fatalf("unexpected weights: %+v", cfg.Backends)
	}
	if cfg.Backends.LAA.Root != filepath.Join(dir, "laa") || cfg.Backends.LAA.WeightsPath != filepath.Join(dir, "laa.pth") {
		t.Fatalf("unexpected laa paths: %+v", cfg.Backends.LAA)
	}
	if cfg.Backends.Embedding.Enabled {
		t.Fatal("expected embedding backend to be disabled by env")
	}
	if !cfg.Backends.LAA.Enabled {
		t.Fatal("invalid enable flag should leave the default in place")
	}
	if cfg.Runtime.URL != "http://models:9000" {
		t.Fatalf("unexpected runtime url %q", cfg.Runtime.URL)
	}
}

func TestInvalidCalibrationFallsBack(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv(config.EnvCalibrationMethod, "platt")
	t.Setenv(config.EnvTemperature, "warm")

	cfg, _, _, err := config.Load(filepath.Join(dir, "none.toml"))
	if err != nil {
		t.Fatalf("invalid calibration must not fail loading: %v", err)
	}
	if cfg.Calibration.Method != "agreement_strength" || cfg.Calibration.Temperature != 1.5 {
		t.Fatalf("unexpected calibration fallback: %+v", cfg.Calibration)
	}
}

func TestCNNWeightsPreferExistingCandidate(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	best := filepath.Join(dir, "resnet_resnet50_best.pth")
	if err := os.WriteFile(best, []byte("x"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	t.Setenv(config.EnvWeightsRoot, dir)

	cfg, _, _, err := config.Load(filepath.Join(dir, "none.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Backends.CNN.WeightsPath != best {
		t.Fatalf("expected existing candidate %q, got %q", best, cfg.Backends.CNN.WeightsPath)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*config.Config){
		"frames":      func(c *config.Config) { c.Frames.Count = 0 },
		"size":        func(c *config.Config) { c.Frames.Width = 100 },
		"weight":      func(c *config.Config) { c.Backends.CNN.Weight = -1 },
		"threshold":   func(c *config.Config) { c.Ensemble.Threshold = 1 },
		"granularity": func(c *config.Config) { c.Ensemble.Granularity = "scene" },
		"reduce":      func(c *config.Config) { c.Ensemble.Reduce = "median" },
		"policy":      func(c *config.Config) { c.Verdict.AudioPolicy = "veto" },
		"model":       func(c *config.Config) { c.Detection.DefaultModel = "xception" },
		"format":      func(c *config.Config) { c.Logging.Format = "xml" },
	}
	for name, mutate := range cases {
		cfg := config.Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config should load: %v", err)
	}
	if !exists || cfg.Frames.Count != 16 {
		t.Fatalf("unexpected sample load: exists=%v frames=%d", exists, cfg.Frames.Count)
	}
}
