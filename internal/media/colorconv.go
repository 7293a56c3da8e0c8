package media

import (
	"fmt"
	"image"
)

// PixelConverter turns BGRA frames into the layouts encoders accept. It owns
// one reusable destination buffer per layout, so a converter belongs to a
// single consumer goroutine and returned slices are only valid until the
// next call.
type PixelConverter struct {
	width  int
	height int
	nv12   []byte
	i420   []byte
	rgba   *image.RGBA
}

// NewPixelConverter returns a converter for width x height frames.
func NewPixelConverter(width, height int) (*PixelConverter, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("pixel converter: geometry %dx%d must be positive and even", width, height)
	}
	return &PixelConverter{width: width, height: height}, nil
}

// NV12Size returns the byte size of an NV12 image of the given geometry.
func NV12Size(width, height int) int {
	return width*height + width*height/2
}

// NV12 converts f to NV12: a full-resolution Y plane followed by an
// interleaved UV plane subsampled 2x2. BT.601 limited range, fixed point;
// for 0-255 input Y lands in [16,235] and UV in [16,240] without clamping.
func (c *PixelConverter) NV12(f *VideoFrame) ([]byte, error) {
	if err := c.check(f); err != nil {
		return nil, err
	}
	if c.nv12 == nil {
		c.nv12 = make([]byte, NV12Size(c.width, c.height))
	}
	luma := c.width * c.height
	uv := c.nv12[luma:]
	c.yuv420(f, c.nv12[:luma], uv, uv[1:], c.width, 2)
	return c.nv12, nil
}

// I420 converts f to planar I420: Y, then U, then V, chroma subsampled 2x2.
// Same coefficients and buffer size as NV12.
func (c *PixelConverter) I420(f *VideoFrame) ([]byte, error) {
	if err := c.check(f); err != nil {
		return nil, err
	}
	if c.i420 == nil {
		c.i420 = make([]byte, NV12Size(c.width, c.height))
	}
	luma := c.width * c.height
	chroma := luma / 4
	c.yuv420(f, c.i420[:luma], c.i420[luma:luma+chroma], c.i420[luma+chroma:], c.width/2, 1)
	return c.i420, nil
}

// yuv420 fills the Y plane and writes each 2x2 block's chroma at
// u[row*cstride+col*cstep] and v[...] for chroma row and column.
func (c *PixelConverter) yuv420(f *VideoFrame, yPlane, u, v []byte, cstride, cstep int) {
	width, height, stride := c.width, c.height, f.Stride
	src := f.Data

	// Y: B at +0, G at +1, R at +2.
	for y := 0; y < height; y++ {
		row := src[y*stride : y*stride+width*BytesPerPixel]
		yRow := yPlane[y*width : (y+1)*width]
		for x := range yRow {
			pi := x * BytesPerPixel
			yRow[x] = byte((66*int(row[pi+2])+129*int(row[pi+1])+25*int(row[pi])+128)>>8 + 16)
		}
	}

	// Chroma: average each 2x2 block before projecting.
	for y := 0; y < height; y += 2 {
		top := src[y*stride : y*stride+width*BytesPerPixel]
		bot := src[(y+1)*stride : (y+1)*stride+width*BytesPerPixel]
		off := (y / 2) * cstride
		for x := 0; x < width; x += 2 {
			pi := x * BytesPerPixel
			b := (int(top[pi]) + int(top[pi+4]) + int(bot[pi]) + int(bot[pi+4]) + 2) >> 2
			g := (int(top[pi+1]) + int(top[pi+5]) + int(bot[pi+1]) + int(bot[pi+5]) + 2) >> 2
			r := (int(top[pi+2]) + int(top[pi+6]) + int(bot[pi+2]) + int(bot[pi+6]) + 2) >> 2
			i := off + (x/2)*cstep
			u[i] = byte((-38*r-74*g+112*b+128)>>8 + 128)
			v[i] = byte((112*r-94*g-18*b+128)>>8 + 128)
		}
	}
}

// RGBA swizzles f into an opaque RGBA image for image encoders.
func (c *PixelConverter) RGBA(f *VideoFrame) (*image.RGBA, error) {
	if err := c.check(f); err != nil {
		return nil, err
	}
	if c.rgba == nil {
		c.rgba = image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	}
	dst := c.rgba
	for y := 0; y < c.height; y++ {
		row := f.Data[y*f.Stride : y*f.Stride+c.width*BytesPerPixel]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+c.width*BytesPerPixel]
		for pi := 0; pi < len(row); pi += BytesPerPixel {
			out[pi] = row[pi+2]
			out[pi+1] = row[pi+1]
			out[pi+2] = row[pi]
			out[pi+3] = 0xFF
		}
	}
	return dst, nil
}

func (c *PixelConverter) check(f *VideoFrame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Width != c.width || f.Height != c.height {
		return fmt.Errorf("%w: got %dx%d, converter is %dx%d", ErrInvalidFrame, f.Width, f.Height, c.width, c.height)
	}
	return nil
}
