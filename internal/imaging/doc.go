// Package imaging holds the frame geometry shared by the detection backends:
// resizing, cropping, neutral frames, and the center/scale affine alignment
// used by the localized-attention backend. Resampling is delegated to
// golang.org/x/image/draw.
package imaging
