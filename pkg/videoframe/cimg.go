package videoframe

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// ToCImage wraps the frame in a cimg.Image, without copying the pixels.
// This is how we get frames into JPEG files for debugging.
func (v *FrameView) ToCImage() *cimg.Image {
	return cimg.WrapImageStrided(v.width, v.height, cimg.PixelFormatRGB, v.pixels, v.stride)
}

// BufferFromCImage copies an image into a new Buffer of the given format.
// If the image is not the same size as the format, it is resized (the aspect ratio is not preserved).
func BufferFromCImage(img *cimg.Image, format VideoFormat) (*Buffer, error) {
	if format.Pixel != PixelFormatRGB {
		return nil, fmt.Errorf("%w: can only convert images to RGB", ErrFormatMismatch)
	}
	if img.Format != cimg.PixelFormatRGB {
		img = img.ToRGB()
	}
	if img.Width != format.Width || img.Height != format.Height {
		img = cimg.ResizeNew(img, format.Width, format.Height, nil)
	}
	buf := NewBuffer(format)
	dst := cimg.WrapImageStrided(buf.Width, buf.Height, cimg.PixelFormatRGB, buf.Pixels, buf.Stride)
	dst.CopyImageRect(img, 0, 0, img.Width, img.Height, 0, 0)
	return buf, nil
}
