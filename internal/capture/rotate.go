package capture

import "github.com/Eyebottle/sat-lec-rec/internal/media"

// DXGI_MODE_ROTATION values.
const (
	dxgiRotationRotate90  = 2
	dxgiRotationRotate180 = 3
	dxgiRotationRotate270 = 4
)

// rotateBGRA copies a native-orientation image into a new packed frame in
// desktop orientation. src may alias mapped device memory; the result never
// does.
func rotateBGRA(src *media.VideoFrame, rotation uint32) *media.VideoFrame {
	sw, sh := src.Width, src.Height
	switch rotation {
	case dxgiRotationRotate90:
		// desktop(ox, oy) = native(oy, sh-1-ox)
		dst := media.NewVideoFrame(sh, sw)
		for oy := 0; oy < dst.Height; oy++ {
			for ox := 0; ox < dst.Width; ox++ {
				copyPixel(dst, ox, oy, src, oy, sh-1-ox)
			}
		}
		return dst
	case dxgiRotationRotate270:
		// desktop(ox, oy) = native(sw-1-oy, ox)
		dst := media.NewVideoFrame(sh, sw)
		for oy := 0; oy < dst.Height; oy++ {
			for ox := 0; ox < dst.Width; ox++ {
				copyPixel(dst, ox, oy, src, sw-1-oy, ox)
			}
		}
		return dst
	case dxgiRotationRotate180:
		dst := media.NewVideoFrame(sw, sh)
		for oy := 0; oy < sh; oy++ {
			for ox := 0; ox < sw; ox++ {
				copyPixel(dst, ox, oy, src, sw-1-ox, sh-1-oy)
			}
		}
		return dst
	}
	out := src.Packed()
	if len(src.Data) > 0 && len(out) > 0 && &out[0] == &src.Data[0] {
		out = append([]byte(nil), out...)
	}
	return &media.VideoFrame{Data: out, Width: sw, Height: sh, Stride: sw * media.BytesPerPixel}
}

func copyPixel(dst *media.VideoFrame, dx, dy int, src *media.VideoFrame, sx, sy int) {
	d := dy*dst.Stride + dx*media.BytesPerPixel
	s := sy*src.Stride + sx*media.BytesPerPixel
	copy(dst.Data[d:d+media.BytesPerPixel], src.Data[s:s+media.BytesPerPixel])
}
