package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"deepscan/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Backends point at files that do not exist, so they resolve unavailable
// unless a test creates them.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.CacheDir = filepath.Join(base, "cache")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.LockDir = filepath.Join(base, "locks")
	cfgVal.Cache.Path = filepath.Join(base, "cache", "verdicts.db")
	cfgVal.Backends.WeightsRoot = filepath.Join(base, "models")
	cfgVal.Backends.CNN.WeightsPath = filepath.Join(base, "models", "resnet_resnet50_final.pth")
	cfgVal.Backends.CNN.ConfigPath = filepath.Join(base, "models", "resnet50.yaml")
	cfgVal.Backends.Embedding.WeightsPath = filepath.Join(base, "models", "clip_vit_b32.pth")
	cfgVal.Backends.Embedding.ConfigPath = filepath.Join(base, "models", "clip_vit_b32.yaml")
	cfgVal.Backends.LAA.Root = filepath.Join(base, "models", "laa_net")
	cfgVal.Backends.LAA.ConfigPath = filepath.Join(base, "models", "laa_net", "configs", "efn4_fpn_hm_adv.yaml")
	cfgVal.Backends.LAA.WeightsPath = filepath.Join(base, "models", "laa_net", "weights", "laa.pth")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, ffmpeg and ffprobe are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "ffprobe"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		for _, name := range names {
			WriteScript(b.t, filepath.Join(binDir, name), "exit 0")
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.CacheDir)
}
