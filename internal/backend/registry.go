package backend

import (
	"context"
	"errors"
	"image"
	"sync"

	"deepscan/internal/config"
	"deepscan/internal/tensor"
)

// Registry builds every configured backend exactly once and hands out the
// same read-only handles afterwards.
type Registry struct {
	cfg  *config.Config
	deps Deps

	once     sync.Once
	backends []Backend
}

// NewRegistry prepares a registry. Backends are constructed on first use.
func NewRegistry(cfg *config.Config, deps Deps) *Registry {
	if deps.Gate == nil {
		lockDir := ""
		if cfg != nil && cfg.Runtime.DeviceLocks {
			lockDir = cfg.Paths.LockDir
		}
		deps.Gate = NewDeviceGate(lockDir)
	}
	if deps.InitTimeout <= 0 && cfg != nil {
		deps.InitTimeout = cfg.InitTimeout()
	}
	return &Registry{cfg: cfg, deps: deps}
}

// Backends returns all backends in registry order, building them on the
// first call. Disabled backends are included and report why.
func (r *Registry) Backends(ctx context.Context) []Backend {
	r.once.Do(func() {
		r.backends = r.build(ctx)
	})
	return r.backends
}

// Select returns the backends of the requested kinds in registry order.
func (r *Registry) Select(ctx context.Context, kinds ...Kind) []Backend {
	want := make(map[Kind]bool, len(kinds))
	for _, kind := range kinds {
		want[kind] = true
	}
	var out []Backend
	for _, b := range r.Backends(ctx) {
		if want[b.Kind()] {
			out = append(out, b)
		}
	}
	return out
}

// Get returns the backend of the given kind.
func (r *Registry) Get(ctx context.Context, kind Kind) (Backend, bool) {
	for _, b := range r.Backends(ctx) {
		if b.Kind() == kind {
			return b, true
		}
	}
	return nil, false
}

func (r *Registry) build(ctx context.Context) []Backend {
	if r.cfg == nil {
		return nil
	}
	out := make([]Backend, 0, len(Kinds()))
	for _, kind := range Kinds() {
		opts, enabled := OptionsFromConfig(r.cfg, kind)
		if !enabled {
			out = append(out, newDisabled(kind, opts, r.deps, "disabled in configuration"))
			continue
		}
		switch kind {
		case KindCNN:
			out = append(out, NewCNN(ctx, opts, r.deps))
		case KindEmbedding:
			out = append(out, NewEmbedding(ctx, opts, r.deps))
		case KindLAA:
			out = append(out, NewLAA(ctx, opts, r.deps))
		}
	}
	return out
}

// OptionsFromConfig extracts the settings of one backend kind and whether it
// is enabled.
func OptionsFromConfig(cfg *config.Config, kind Kind) (Options, bool) {
	var section config.Backend
	var root string
	switch kind {
	case KindCNN:
		section = cfg.Backends.CNN
	case KindEmbedding:
		section = cfg.Backends.Embedding
	case KindLAA:
		section = cfg.Backends.LAA.Backend
		root = cfg.Backends.LAA.Root
	default:
		return Options{}, false
	}
	return Options{
		Weight:      section.Weight,
		Device:      section.Device,
		ModelName:   section.ModelName,
		WeightsPath: section.WeightsPath,
		ConfigPath:  section.ConfigPath,
		Root:        root,
	}, section.Enabled
}

// disabled stands in for a backend that was switched off.
type disabled struct {
	core
}

func newDisabled(kind Kind, opts Options, deps Deps, reason string) *disabled {
	b := &disabled{core: newCore(kind, opts, deps)}
	b.disable(reason)
	return b
}

func (b *disabled) Preprocess(image.Image) (tensor.Tensor, error) {
	return tensor.Tensor{}, errors.New(b.reason)
}

func (b *disabled) Infer(context.Context, tensor.Tensor) (float64, error) {
	return NeutralProbability, errors.New(b.reason)
}
