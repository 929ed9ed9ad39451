package backend

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"deepscan/internal/tensor"
)

// Kind identifies a detection backend.
type Kind string

const (
	KindCNN       Kind = "cnn"
	KindEmbedding Kind = "embedding"
	KindLAA       Kind = "laa"
)

// Kinds returns every backend kind in registry order.
func Kinds() []Kind {
	return []Kind{KindCNN, KindEmbedding, KindLAA}
}

// ParseKind resolves a backend name.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Kinds() {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown backend %q", value)
}

func (k Kind) String() string { return string(k) }

// Backend scores individual frames. Preprocess is pure; Infer converts every
// failure into a neutral probability and reports the failure through its
// error.
type Backend interface {
	Kind() Kind
	Weight() float64
	Device() string
	Available() bool
	Reason() string
	Preprocess(img image.Image) (tensor.Tensor, error)
	Infer(ctx context.Context, input tensor.Tensor) (float64, error)
}

// FrameScore is one backend's opinion on one frame.
type FrameScore struct {
	FrameIndex      int
	Backend         Kind
	FakeProbability float64
	// Failed marks a neutral score produced by a preprocessing or inference
	// failure. Failed scores never vote.
	Failed  bool
	Err     error
	Elapsed time.Duration
}

// Model is a loaded network. Run returns the raw output vector for one input.
type Model interface {
	Run(ctx context.Context, input tensor.Tensor) ([]float64, error)
}

// LoadSpec tells a ModelLoader what to load.
type LoadSpec struct {
	Kind        Kind
	Name        string
	WeightsPath string
	ConfigPath  string
	Device      string
}

// ModelLoader builds a Model. Production code uses the model server client;
// tests inject fakes.
type ModelLoader func(ctx context.Context, spec LoadSpec) (Model, error)

// NeutralProbability is reported for frames a backend could not score.
const NeutralProbability = 0.5
