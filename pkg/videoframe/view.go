package videoframe

import (
	"errors"
	"fmt"
)

var ErrFormatMismatch = errors.New("frame does not match the negotiated video format")
var ErrSizeMismatch = errors.New("pixel data size does not match the frame size")
var ErrReadOnly = errors.New("frame view is read-only")

// FrameView is a bounds-checked view over plane 0 of a Buffer.
// The dimensions and stride are validated once, when the view is created, so all
// subsequent access is through slices that can't reach outside of the frame.
// A FrameView must not outlive the Buffer that it was created from.
type FrameView struct {
	format   PixelFormat
	width    int
	height   int
	stride   int
	rowBytes int
	pixels   []byte
	writable bool
}

// Create a read-only view over the buffer. The buffer must match 'format' exactly.
func FromReadableBuffer(buf *Buffer, format VideoFormat) (*FrameView, error) {
	return newView(buf, format, false)
}

// Create a writable view over the buffer. The buffer must match 'format' exactly.
func FromWritableBuffer(buf *Buffer, format VideoFormat) (*FrameView, error) {
	return newView(buf, format, true)
}

func newView(buf *Buffer, format VideoFormat, writable bool) (*FrameView, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: buffer is nil", ErrFormatMismatch)
	}
	if buf.Format != format.Pixel {
		return nil, fmt.Errorf("%w: pixel format is %v, expected %v", ErrFormatMismatch, buf.Format, format.Pixel)
	}
	if buf.Width != format.Width || buf.Height != format.Height {
		return nil, fmt.Errorf("%w: frame is %vx%v, expected %vx%v", ErrFormatMismatch, buf.Width, buf.Height, format.Width, format.Height)
	}
	rowBytes := format.RowBytes()
	if buf.Stride < rowBytes {
		return nil, fmt.Errorf("%w: stride %v is less than row size %v", ErrFormatMismatch, buf.Stride, rowBytes)
	}
	// The final row doesn't need to be padded out to the full stride
	need := (buf.Height-1)*buf.Stride + rowBytes
	if len(buf.Pixels) < need {
		return nil, fmt.Errorf("%w: plane is %v bytes, but %vx%v with stride %v needs %v", ErrFormatMismatch, len(buf.Pixels), buf.Width, buf.Height, buf.Stride, need)
	}
	return &FrameView{
		format:   buf.Format,
		width:    buf.Width,
		height:   buf.Height,
		stride:   buf.Stride,
		rowBytes: rowBytes,
		pixels:   buf.Pixels[:need],
		writable: writable,
	}, nil
}

func (v *FrameView) Width() int {
	return v.width
}

func (v *FrameView) Height() int {
	return v.height
}

func (v *FrameView) Stride() int {
	return v.stride
}

func (v *FrameView) Writable() bool {
	return v.writable
}

// Number of pixel bytes in the frame, excluding row padding
func (v *FrameView) FrameBytes() int {
	return v.rowBytes * v.height
}

// Returns true if there is no padding between rows
func (v *FrameView) IsPacked() bool {
	return v.stride == v.rowBytes
}

// Row returns the pixels of row y, without any padding.
// The returned slice has its capacity clipped, so appending to it cannot write into the next row.
// Do not modify the result if the view is read-only.
func (v *FrameView) Row(y int) []byte {
	if y < 0 || y >= v.height {
		panic(fmt.Sprintf("Row %v out of bounds (height %v)", y, v.height))
	}
	start := y * v.stride
	return v.pixels[start : start+v.rowBytes : start+v.rowBytes]
}

// Copy the frame into a tightly packed byte slice (no row padding)
func (v *FrameView) ReadRGB(dst []byte) error {
	if len(dst) != v.FrameBytes() {
		return fmt.Errorf("%w: destination is %v bytes, frame is %v bytes", ErrSizeMismatch, len(dst), v.FrameBytes())
	}
	if v.IsPacked() {
		copy(dst, v.pixels)
		return nil
	}
	for y := 0; y < v.height; y++ {
		copy(dst[y*v.rowBytes:], v.Row(y))
	}
	return nil
}

// WriteRGB overwrites the frame with 'src', which must be tightly packed interleaved RGB,
// and exactly width*height*3 bytes long.
func (v *FrameView) WriteRGB(src []byte) error {
	if !v.writable {
		return ErrReadOnly
	}
	if len(src) != v.FrameBytes() {
		return fmt.Errorf("%w: source is %v bytes, frame is %v bytes", ErrSizeMismatch, len(src), v.FrameBytes())
	}
	if v.IsPacked() {
		copy(v.pixels, src)
		return nil
	}
	for y := 0; y < v.height; y++ {
		start := y * v.stride
		copy(v.pixels[start:start+v.rowBytes], src[y*v.rowBytes:(y+1)*v.rowBytes])
	}
	return nil
}
