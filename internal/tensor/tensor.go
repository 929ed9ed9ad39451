package tensor

import (
	"fmt"
	"image"
	"math"
)

// ChannelOrder selects how RGB pixels are laid out across tensor channels.
type ChannelOrder string

const (
	RGB ChannelOrder = "rgb"
	BGR ChannelOrder = "bgr"
)

// Normalization holds per-channel mean and standard deviation, expressed in
// the tensor's channel order and applied after scaling pixels to [0,1].
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

var (
	// ImageNet is the torchvision ImageNet normalization.
	ImageNet = Normalization{Mean: [3]float32{0.485, 0.456, 0.406}, Std: [3]float32{0.229, 0.224, 0.225}}
	// CLIP is the OpenAI CLIP preprocessing normalization.
	CLIP = Normalization{Mean: [3]float32{0.48145466, 0.4578275, 0.40821073}, Std: [3]float32{0.26862954, 0.26130258, 0.27577711}}
	// Symmetric maps [0,1] onto [-1,1].
	Symmetric = Normalization{Mean: [3]float32{0.5, 0.5, 0.5}, Std: [3]float32{0.5, 0.5, 0.5}}
)

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Elements returns the product of the shape dimensions.
func (t Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range t.Shape {
		n *= dim
	}
	return n
}

// Validate checks that the shape matches the data and every value is finite.
func (t Tensor) Validate() error {
	if t.Elements() != len(t.Data) {
		return fmt.Errorf("tensor: shape %v holds %d elements, data has %d", t.Shape, t.Elements(), len(t.Data))
	}
	for i, v := range t.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("tensor: non-finite value at %d", i)
		}
	}
	return nil
}

// FromImage converts img into a (1, 3, H, W) tensor: pixels are scaled to
// [0,1], reordered into the requested channel order, and normalized.
func FromImage(img *image.RGBA, order ChannelOrder, norm Normalization) Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for c := 0; c < 3; c++ {
		if norm.Std[c] == 0 {
			norm.Std[c] = 1
		}
	}
	channel := [3]int{0, 1, 2}
	if order == BGR {
		channel = [3]int{2, 1, 0}
	}
	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			idx := y*w + x
			for c := 0; c < 3; c++ {
				v := float32(px[channel[c]]) / 255
				data[c*plane+idx] = (v - norm.Mean[c]) / norm.Std[c]
			}
		}
	}
	return Tensor{Shape: []int{1, 3, h, w}, Data: data}
}

// Softmax returns the softmax of logits, computed stably.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	peak := math.Inf(-1)
	for _, v := range logits {
		peak = math.Max(peak, v)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Sigmoid returns the logistic function of x.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
