package backend

import (
	"context"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"deepscan/internal/imaging"
	"deepscan/internal/tensor"
)

// Geometry of the LAA face-region crop.
const (
	laaResize     = 317
	laaCropTop    = 60
	laaCropLeft   = 30
	laaPixelStd   = 200
	laaImageSize  = 384
	laaCropBottom = laaResize
	laaCropRight  = 287
)

// LAA is the localized-attention detector. It warps a fixed face-region crop
// onto the training resolution and reads the last classification logit.
type LAA struct {
	core
	width  int
	height int
	norm   tensor.Normalization
}

// NewLAA checks the checkout layout and checkpoint before loading. Missing
// pieces leave the backend unavailable with a reason; they are not errors.
func NewLAA(ctx context.Context, opts Options, deps Deps) *LAA {
	b := &LAA{core: newCore(KindLAA, opts, deps), width: laaImageSize, height: laaImageSize, norm: tensor.Symmetric}
	switch {
	case !dirExists(opts.Root):
		b.disable(fmt.Sprintf("root not found: %q", opts.Root))
		return b
	case opts.WeightsPath == "":
		b.disable("weights path not set")
		return b
	case !fileExists(opts.WeightsPath):
		b.disable(fmt.Sprintf("weights not found: %q", opts.WeightsPath))
		return b
	case !fileExists(opts.ConfigPath):
		b.disable(fmt.Sprintf("config not found: %q", opts.ConfigPath))
		return b
	}
	cfg, err := LoadModelConfig(opts.ConfigPath)
	if err != nil {
		b.disable(err.Error())
		return b
	}
	b.width, b.height = cfg.ImageSize(laaImageSize, laaImageSize)
	b.norm = cfg.Normalization(tensor.Symmetric)

	info, err := InspectCheckpoint(opts.WeightsPath)
	if err != nil {
		b.disable(err.Error())
		return b
	}
	if !info.HasStateDict {
		b.disable("checkpoint has no state_dict entry")
		return b
	}
	b.load(ctx, deps, LoadSpec{
		Kind:        KindLAA,
		Name:        opts.ModelName,
		WeightsPath: opts.WeightsPath,
		ConfigPath:  opts.ConfigPath,
		Device:      b.device,
	})
	return b
}

// Preprocess resizes to 317x317, crops rows 60:317 and columns 30:287, warps
// the crop onto the configured image size, and normalizes in BGR order.
func (b *LAA) Preprocess(img image.Image) (tensor.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return tensor.Tensor{}, errors.New("laa: empty frame")
	}
	warped, err := AlignFace(img, b.width, b.height)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.FromImage(warped, tensor.BGR, b.norm), nil
}

// Infer returns sigmoid of the last logit.
func (b *LAA) Infer(ctx context.Context, input tensor.Tensor) (float64, error) {
	out, err := b.run(ctx, input)
	if err != nil {
		return NeutralProbability, err
	}
	if len(out) == 0 {
		return finish(0, errors.New("laa: empty classification output"))
	}
	return finish(tensor.Sigmoid(out[len(out)-1]), nil)
}

// AlignFace produces the width x height LAA input region from a raw frame.
func AlignFace(img image.Image, width, height int) (*image.RGBA, error) {
	resized := imaging.Resize(img, laaResize, laaResize, draw.BiLinear)
	crop := imaging.Crop(resized, image.Rect(laaCropLeft, laaCropTop, laaCropRight, laaCropBottom))
	aspect := float64(height) / float64(width)
	bounds := crop.Bounds()
	center, scale := imaging.CenterScale(bounds.Dy(), bounds.Dx(), aspect, laaPixelStd)
	m, err := imaging.AlignmentTransform(center, scale, 0, width, height, laaPixelStd)
	if err != nil {
		return nil, fmt.Errorf("laa: %w", err)
	}
	return imaging.WarpAffine(crop, m, width, height), nil
}
