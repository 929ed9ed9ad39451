package imaging

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Neutral returns an opaque black frame of the given size. It stands in for
// frames that could not be decoded.
func Neutral(width, height int) *image.RGBA {
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{A: 0xff}), image.Point{}, draw.Src)
	return img
}

// ToRGBA returns img as an *image.RGBA anchored at the origin, copying only
// when necessary.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Resize scales src to width x height with the given interpolator.
func Resize(src image.Image, width, height int, interp draw.Interpolator) *image.RGBA {
	if interp == nil {
		interp = draw.BiLinear
	}
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return ToRGBA(src)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	interp.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// ResizeShorter scales src so its shorter side equals size, preserving the
// aspect ratio.
func ResizeShorter(src image.Image, size int, interp draw.Interpolator) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return Neutral(size, size)
	}
	if w <= h {
		return Resize(src, size, max(1, int(float64(h)*float64(size)/float64(w)+0.5)), interp)
	}
	return Resize(src, max(1, int(float64(w)*float64(size)/float64(h)+0.5)), size, interp)
}

// CenterCrop cuts a width x height window from the middle of src. Regions
// outside src stay black.
func CenterCrop(src image.Image, width, height int) *image.RGBA {
	b := src.Bounds()
	x0 := b.Min.X + (b.Dx()-width)/2
	y0 := b.Min.Y + (b.Dy()-height)/2
	return Crop(src, image.Rect(x0, y0, x0+width, y0+height))
}

// Crop copies rect out of src into a new origin-anchored image. Pixels of
// rect that fall outside src stay black.
func Crop(src image.Image, rect image.Rectangle) *image.RGBA {
	out := Neutral(rect.Dx(), rect.Dy())
	visible := rect.Intersect(src.Bounds())
	if visible.Empty() {
		return out
	}
	dstRect := visible.Sub(rect.Min)
	draw.Draw(out, dstRect, src, visible.Min, draw.Src)
	return out
}
