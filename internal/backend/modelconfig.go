package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"deepscan/internal/services"
	"deepscan/internal/tensor"
)

// ModelConfig is the YAML document shipped next to a backend's weights.
type ModelConfig struct {
	InputSize    int             `yaml:"input_size"`
	ChannelOrder string          `yaml:"channel_order"`
	Normalize    *NormalizeBlock `yaml:"normalize"`
	Similarity   *Similarity     `yaml:"similarity"`
	Dataset      *DatasetBlock   `yaml:"DATASET"`
}

// NormalizeBlock holds per-channel statistics.
type NormalizeBlock struct {
	Mean []float64 `yaml:"mean"`
	Std  []float64 `yaml:"std"`
}

// Similarity carries the prompt embeddings of an embedding-similarity head.
type Similarity struct {
	Real       [][]float64 `yaml:"real"`
	Fake       [][]float64 `yaml:"fake"`
	LogitScale float64     `yaml:"logit_scale"`
}

// DatasetBlock mirrors the LAA training configuration layout.
type DatasetBlock struct {
	ImageSize []int `yaml:"IMAGE_SIZE"`
	Transform struct {
		Normalize *NormalizeBlock `yaml:"normalize"`
	} `yaml:"TRANSFORM"`
}

// LoadModelConfig parses the document at path. A missing file is reported
// with services.ErrNotFound.
func LoadModelConfig(path string) (ModelConfig, error) {
	var cfg ModelConfig
	if strings.TrimSpace(path) == "" {
		return cfg, services.Wrap(services.ErrNotFound, "backend", "load model config", "no config path", nil)
	}
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, services.Wrap(services.ErrNotFound, "backend", "load model config", fmt.Sprintf("%s does not exist", path), err)
		}
		return cfg, fmt.Errorf("read model config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, services.Wrap(services.ErrConfiguration, "backend", "load model config", fmt.Sprintf("parse %s", path), err)
	}
	return cfg, nil
}

// Normalization returns the configured statistics, preferring the dataset
// transform block, or fallback when neither block is complete.
func (c ModelConfig) Normalization(fallback tensor.Normalization) tensor.Normalization {
	if c.Dataset != nil {
		if norm, ok := c.Dataset.Transform.Normalize.resolve(); ok {
			return norm
		}
	}
	if norm, ok := c.Normalize.resolve(); ok {
		return norm
	}
	return fallback
}

// Order returns the configured channel order or fallback.
func (c ModelConfig) Order(fallback tensor.ChannelOrder) tensor.ChannelOrder {
	switch strings.ToLower(strings.TrimSpace(c.ChannelOrder)) {
	case string(tensor.RGB):
		return tensor.RGB
	case string(tensor.BGR):
		return tensor.BGR
	default:
		return fallback
	}
}

// Size returns the square input size or fallback.
func (c ModelConfig) Size(fallback int) int {
	if c.InputSize > 0 {
		return c.InputSize
	}
	return fallback
}

// ImageSize returns DATASET.IMAGE_SIZE as (width, height), or the fallback.
func (c ModelConfig) ImageSize(fallbackWidth, fallbackHeight int) (int, int) {
	if c.Dataset == nil || len(c.Dataset.ImageSize) < 2 {
		return fallbackWidth, fallbackHeight
	}
	w, h := c.Dataset.ImageSize[0], c.Dataset.ImageSize[1]
	if w <= 0 || h <= 0 {
		return fallbackWidth, fallbackHeight
	}
	return w, h
}

// HasPrompts reports whether both prompt classes carry embeddings.
func (c ModelConfig) HasPrompts() bool {
	return c.Similarity != nil && len(c.Similarity.Real) > 0 && len(c.Similarity.Fake) > 0
}

func (n *NormalizeBlock) resolve() (tensor.Normalization, bool) {
	if n == nil || len(n.Mean) != 3 || len(n.Std) != 3 {
		return tensor.Normalization{}, false
	}
	var out tensor.Normalization
	for i := 0; i < 3; i++ {
		if n.Std[i] == 0 {
			return tensor.Normalization{}, false
		}
		out.Mean[i] = float32(n.Mean[i])
		out.Std[i] = float32(n.Std[i])
	}
	return out, true
}
