package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"deepscan/internal/imaging"
	"deepscan/internal/services"
	"deepscan/internal/tensor"
)

const embeddingInputSize = 224

// Embedding scores frames by comparing an image embedding with real and fake
// prompt embeddings. Without prompts the model output is read as two-class
// logits.
type Embedding struct {
	core
	size  int
	order tensor.ChannelOrder
	norm  tensor.Normalization
	sim   *Similarity
}

// NewEmbedding checks the embedding artifacts and loads the model.
func NewEmbedding(ctx context.Context, opts Options, deps Deps) *Embedding {
	b := &Embedding{core: newCore(KindEmbedding, opts, deps), size: embeddingInputSize, order: tensor.RGB, norm: tensor.CLIP}
	if !fileExists(opts.WeightsPath) {
		b.disable(fmt.Sprintf("weights not found: %q", opts.WeightsPath))
		return b
	}
	cfg, err := LoadModelConfig(opts.ConfigPath)
	switch {
	case err == nil:
		b.size = cfg.Size(embeddingInputSize)
		b.order = cfg.Order(tensor.RGB)
		b.norm = cfg.Normalization(tensor.CLIP)
		if cfg.HasPrompts() {
			if err := validatePrompts(cfg.Similarity); err != nil {
				b.disable(err.Error())
				return b
			}
			b.sim = cfg.Similarity
		}
	case !errors.Is(err, services.ErrNotFound):
		b.disable(err.Error())
		return b
	}
	b.load(ctx, deps, LoadSpec{
		Kind:        KindEmbedding,
		Name:        opts.ModelName,
		WeightsPath: opts.WeightsPath,
		ConfigPath:  opts.ConfigPath,
		Device:      b.device,
	})
	return b
}

// Preprocess resizes the shorter side with bicubic interpolation, center
// crops to a square, and normalizes.
func (b *Embedding) Preprocess(img image.Image) (tensor.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return tensor.Tensor{}, errors.New("embedding: empty frame")
	}
	resized := imaging.ResizeShorter(img, b.size, draw.CatmullRom)
	cropped := imaging.CenterCrop(resized, b.size, b.size)
	return tensor.FromImage(cropped, b.order, b.norm), nil
}

// Infer returns the fake-class probability.
func (b *Embedding) Infer(ctx context.Context, input tensor.Tensor) (float64, error) {
	out, err := b.run(ctx, input)
	if err != nil {
		return NeutralProbability, err
	}
	if b.sim == nil {
		return finish(twoClassProbability(out))
	}
	return finish(PromptProbability(out, b.sim))
}

// PromptProbability compares the L2-normalized embedding with every prompt,
// averages the cosine similarities per class, scales them by the logit
// scale, and returns the softmax weight of the fake class.
func PromptProbability(embedding []float64, sim *Similarity) (float64, error) {
	if sim == nil {
		return 0, errors.New("no prompt embeddings")
	}
	unit, err := unitVector(embedding)
	if err != nil {
		return 0, fmt.Errorf("image embedding: %w", err)
	}
	realScore, err := meanCosine(unit, sim.Real)
	if err != nil {
		return 0, fmt.Errorf("real prompts: %w", err)
	}
	fakeScore, err := meanCosine(unit, sim.Fake)
	if err != nil {
		return 0, fmt.Errorf("fake prompts: %w", err)
	}
	scale := sim.LogitScale
	if scale <= 0 {
		scale = 1
	}
	return tensor.Softmax([]float64{scale * realScore, scale * fakeScore})[1], nil
}

func meanCosine(unit []float64, prompts [][]float64) (float64, error) {
	if len(prompts) == 0 {
		return 0, errors.New("empty prompt set")
	}
	var total float64
	for i, prompt := range prompts {
		if len(prompt) != len(unit) {
			return 0, fmt.Errorf("prompt %d has dimension %d, embedding has %d", i, len(prompt), len(unit))
		}
		p, err := unitVector(prompt)
		if err != nil {
			return 0, fmt.Errorf("prompt %d: %w", i, err)
		}
		var dot float64
		for j := range unit {
			dot += unit[j] * p[j]
		}
		total += dot
	}
	return total / float64(len(prompts)), nil
}

func unitVector(v []float64) ([]float64, error) {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if len(v) == 0 || norm == 0 {
		return nil, errors.New("zero vector")
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out, nil
}

func validatePrompts(sim *Similarity) error {
	dim := len(sim.Real[0])
	for _, set := range [][][]float64{sim.Real, sim.Fake} {
		for _, prompt := range set {
			if len(prompt) != dim || dim == 0 {
				return fmt.Errorf("prompt embeddings must share one non-zero dimension")
			}
		}
	}
	return nil
}
