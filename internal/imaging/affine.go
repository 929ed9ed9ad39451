package imaging

import (
	"errors"
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Point is a 2D coordinate in pixel units where integer values address pixel
// centers.
type Point struct {
	X, Y float64
}

// Affine is a 2x3 row-major transform: x' = A[0]x + A[1]y + A[2],
// y' = A[3]x + A[4]y + A[5].
type Affine [6]float64

// Apply maps p through the transform.
func (m Affine) Apply(p Point) Point {
	return Point{
		X: m[0]*p.X + m[1]*p.Y + m[2],
		Y: m[3]*p.X + m[4]*p.Y + m[5],
	}
}

var errDegenerateTriangle = errors.New("affine: source points are collinear")

// SolveAffine returns the transform mapping the three src points onto dst.
func SolveAffine(src, dst [3]Point) (Affine, error) {
	det := src[0].X*(src[1].Y-src[2].Y) - src[0].Y*(src[1].X-src[2].X) + (src[1].X*src[2].Y - src[2].X*src[1].Y)
	if math.Abs(det) < 1e-12 {
		return Affine{}, errDegenerateTriangle
	}
	solve := func(r0, r1, r2 float64) (float64, float64, float64) {
		a := (r0*(src[1].Y-src[2].Y) - src[0].Y*(r1-r2) + (r1*src[2].Y - r2*src[1].Y)) / det
		b := (src[0].X*(r1-r2) - r0*(src[1].X-src[2].X) + (src[1].X*r2 - src[2].X*r1)) / det
		c := (src[0].X*(src[1].Y*r2-src[2].Y*r1) - src[0].Y*(src[1].X*r2-src[2].X*r1) + r0*(src[1].X*src[2].Y-src[2].X*src[1].Y)) / det
		return a, b, c
	}
	a, b, c := solve(dst[0].X, dst[1].X, dst[2].X)
	d, e, f := solve(dst[0].Y, dst[1].Y, dst[2].Y)
	return Affine{a, b, c, d, e, f}, nil
}

// CenterScale returns the center of a height x width region and its scale in
// units of pixelStd, after widening the shorter side to match aspect
// (width / height of the target).
func CenterScale(height, width int, aspect, pixelStd float64) (Point, [2]float64) {
	w, h := float64(width), float64(height)
	center := Point{X: w * 0.5, Y: h * 0.5}
	if aspect > 0 {
		if w > aspect*h {
			h = w / aspect
		} else if w < aspect*h {
			w = h * aspect
		}
	}
	if pixelStd <= 0 {
		pixelStd = 200
	}
	return center, [2]float64{w / pixelStd, h / pixelStd}
}

// AlignmentTransform builds the transform that maps the region described by
// center and scale onto an outWidth x outHeight canvas, rotated by rotDeg.
// The three correspondences are the center, a point half the source width
// above it, and the perpendicular third point.
func AlignmentTransform(center Point, scale [2]float64, rotDeg float64, outWidth, outHeight int, pixelStd float64) (Affine, error) {
	if pixelStd <= 0 {
		pixelStd = 200
	}
	srcW := scale[0] * pixelStd
	dstW := float64(outWidth)
	dstH := float64(outHeight)

	rot := math.Pi * rotDeg / 180
	srcDir := rotate(Point{0, srcW * -0.5}, rot)
	dstDir := Point{0, dstW * -0.5}

	var src, dst [3]Point
	src[0] = center
	src[1] = Point{center.X + srcDir.X, center.Y + srcDir.Y}
	dst[0] = Point{dstW * 0.5, dstH * 0.5}
	dst[1] = Point{dstW*0.5 + dstDir.X, dstH*0.5 + dstDir.Y}
	src[2] = thirdPoint(src[0], src[1])
	dst[2] = thirdPoint(dst[0], dst[1])
	return SolveAffine(src, dst)
}

func rotate(p Point, rad float64) Point {
	sn, cs := math.Sin(rad), math.Cos(rad)
	return Point{X: p.X*cs - p.Y*sn, Y: p.X*sn + p.Y*cs}
}

func thirdPoint(a, b Point) Point {
	dx, dy := a.X-b.X, a.Y-b.Y
	return Point{X: b.X - dy, Y: b.Y + dx}
}

// WarpAffine renders src through m onto a width x height canvas with
// bilinear sampling. Destination pixels that map outside src stay black.
func WarpAffine(src image.Image, m Affine, width, height int) *image.RGBA {
	dst := Neutral(width, height)
	// m addresses pixel centers at integer coordinates; x/image places them
	// at +0.5, so shift both sides of the mapping.
	s2d := f64.Aff3{
		m[0], m[1], m[2] - 0.5*(m[0]+m[1]) + 0.5,
		m[3], m[4], m[5] - 0.5*(m[3]+m[4]) + 0.5,
	}
	draw.BiLinear.Transform(dst, s2d, src, src.Bounds(), draw.Src, nil)
	return dst
}
