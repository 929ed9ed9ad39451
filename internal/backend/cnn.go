package backend

import (
	"context"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"deepscan/internal/imaging"
	"deepscan/internal/services"
	"deepscan/internal/tensor"
)

const cnnInputSize = 224

// CNN is a two-class convolutional classifier over the full frame.
type CNN struct {
	core
	size  int
	order tensor.ChannelOrder
	norm  tensor.Normalization
}

// NewCNN checks the CNN artifacts and loads the model. The returned backend
// is always usable; Available reports whether it can vote.
func NewCNN(ctx context.Context, opts Options, deps Deps) *CNN {
	b := &CNN{core: newCore(KindCNN, opts, deps), size: cnnInputSize, order: tensor.RGB, norm: tensor.ImageNet}
	if !fileExists(opts.WeightsPath) {
		b.disable(fmt.Sprintf("weights not found: %q", opts.WeightsPath))
		return b
	}
	if cfg, err := LoadModelConfig(opts.ConfigPath); err == nil {
		b.size = cfg.Size(cnnInputSize)
		b.order = cfg.Order(tensor.RGB)
		b.norm = cfg.Normalization(tensor.ImageNet)
	} else if !errors.Is(err, services.ErrNotFound) {
		b.disable(err.Error())
		return b
	}
	b.load(ctx, deps, LoadSpec{
		Kind:        KindCNN,
		Name:        opts.ModelName,
		WeightsPath: opts.WeightsPath,
		ConfigPath:  opts.ConfigPath,
		Device:      b.device,
	})
	return b
}

// Preprocess resizes to the square input size and applies the configured
// normalization.
func (b *CNN) Preprocess(img image.Image) (tensor.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return tensor.Tensor{}, errors.New("cnn: empty frame")
	}
	resized := imaging.Resize(img, b.size, b.size, draw.BiLinear)
	return tensor.FromImage(resized, b.order, b.norm), nil
}

// Infer returns softmax(logits)[1].
func (b *CNN) Infer(ctx context.Context, input tensor.Tensor) (float64, error) {
	out, err := b.run(ctx, input)
	if err != nil {
		return NeutralProbability, err
	}
	return finish(twoClassProbability(out))
}

func twoClassProbability(logits []float64) (float64, error) {
	if len(logits) < 2 {
		return 0, fmt.Errorf("expected two-class logits, got %d values", len(logits))
	}
	return tensor.Softmax(logits[:2])[1], nil
}
