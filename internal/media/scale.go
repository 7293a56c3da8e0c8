package media

import (
	"image"

	"golang.org/x/image/draw"
)

// Scaler resizes BGRA frames to a fixed output geometry. Byte order is
// irrelevant to the interpolation, so BGRA data is viewed as RGBA.
type Scaler struct {
	width  int
	height int
	interp draw.Interpolator
}

// NewScaler returns a bilinear scaler producing width x height frames.
func NewScaler(width, height int) *Scaler {
	return &Scaler{width: width, height: height, interp: draw.BiLinear}
}

// NeedsScale reports whether f differs from the output geometry.
func (s *Scaler) NeedsScale(f *VideoFrame) bool {
	return f.Width != s.width || f.Height != s.height
}

// Scale returns f resized to the output geometry with the same tick. Frames
// already at the output geometry are returned unchanged.
func (s *Scaler) Scale(f *VideoFrame) *VideoFrame {
	if !s.NeedsScale(f) {
		return f
	}
	src := &image.RGBA{
		Pix:    f.Data,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
	dst := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	s.interp.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return &VideoFrame{
		Data:   dst.Pix,
		Width:  s.width,
		Height: s.height,
		Stride: dst.Stride,
		Tick:   f.Tick,
	}
}
