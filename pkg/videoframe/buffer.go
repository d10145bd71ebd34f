package videoframe

import (
	"time"
)

// Buffer is one frame of video, plus its timing metadata.
// A Buffer is owned by whoever currently holds it. Clone() produces a second handle
// onto the same pixels, and CopyDeep() produces an independent frame.
type Buffer struct {
	PTS      time.Duration // Presentation time, relative to the start of the stream
	DTS      time.Duration // Decode time, relative to the start of the stream
	Duration time.Duration // Display duration of the frame (0 if unknown)
	Offset   uint64        // Frame number within the stream

	Format PixelFormat
	Width  int
	Height int
	Stride int    // Bytes between the start of consecutive rows
	Pixels []byte // Plane 0
}

// Allocate a new, black, tightly packed frame
func NewBuffer(format VideoFormat) *Buffer {
	stride := format.RowBytes()
	return &Buffer{
		Format: format.Pixel,
		Width:  format.Width,
		Height: format.Height,
		Stride: stride,
		Pixels: make([]byte, stride*format.Height),
	}
}

// Wrap existing memory in a Buffer, without copying it
func WrapBuffer(format PixelFormat, width, height, stride int, pixels []byte) *Buffer {
	return &Buffer{
		Format: format,
		Width:  width,
		Height: height,
		Stride: stride,
		Pixels: pixels,
	}
}

// Clone returns a new Buffer with the same metadata, which refers to the same pixel memory
func (b *Buffer) Clone() *Buffer {
	c := *b
	return &c
}

// CopyDeep returns a new Buffer with the same metadata, and a freshly allocated copy of the pixels
func (b *Buffer) CopyDeep() *Buffer {
	c := *b
	c.Pixels = make([]byte, len(b.Pixels))
	copy(c.Pixels, b.Pixels)
	return &c
}
