package videoframe

import (
	"fmt"
	"math"
)

// PixelFormat is the memory layout of a video frame's pixel plane
type PixelFormat int

const (
	PixelFormatRGB PixelFormat = iota // 8-bit interleaved RGB (24 bits per pixel)
)

// Number of channels per pixel
func (f PixelFormat) NChan() int {
	switch f {
	case PixelFormatRGB:
		return 3
	}
	panic("Unsupported pixel format")
}

// GStreamer name of the format
func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGB:
		return "RGB"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// Fraction is a frame rate, such as 30/1 or 30000/1001
type Fraction struct {
	Num int
	Den int
}

func (f Fraction) String() string {
	return fmt.Sprintf("%v/%v", f.Num, f.Den)
}

// VideoFormat is the negotiated format of a video stream
type VideoFormat struct {
	Pixel        PixelFormat
	Width        int
	Height       int
	FramerateMin Fraction
	FramerateMax Fraction
}

// Frame dimensions of our segmentation model
const (
	SegmentationWidth  = 640
	SegmentationHeight = 192
)

// SegmentationFormat is the fixed format of frames that enter and leave the segmentation stage.
// Any frame rate is accepted.
func SegmentationFormat() VideoFormat {
	return VideoFormat{
		Pixel:        PixelFormatRGB,
		Width:        SegmentationWidth,
		Height:       SegmentationHeight,
		FramerateMin: Fraction{0, 1},
		FramerateMax: Fraction{math.MaxInt32, 1},
	}
}

// Number of bytes in one tightly packed frame (no row padding)
func (f VideoFormat) FrameBytes() int {
	return f.Width * f.Height * f.Pixel.NChan()
}

// Number of bytes in one tightly packed row
func (f VideoFormat) RowBytes() int {
	return f.Width * f.Pixel.NChan()
}

// Caps returns the GStreamer caps string of the format
func (f VideoFormat) Caps() string {
	return fmt.Sprintf("video/x-raw,format=%v,width=%v,height=%v,framerate=[%v,%v]", f.Pixel, f.Width, f.Height, f.FramerateMin, f.FramerateMax)
}

func (f VideoFormat) String() string {
	return fmt.Sprintf("%v %vx%v", f.Pixel, f.Width, f.Height)
}
