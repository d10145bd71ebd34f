package videoframe

import (
	"fmt"

	"github.com/cyclopcam/semseg/pkg/nn"
)

// byteToUnit[i] = i / 255
var byteToUnit [256]float32

func init() {
	for i := range byteToUnit {
		byteToUnit[i] = float32(i) / 255
	}
}

// ToNormalizedTensor converts interleaved HxWx3 bytes into a planar 3xHxW float tensor,
// with every value scaled into [0,1].
// dst must have shape [1,3,H,W] or [3,H,W]. Rows stay in top-to-bottom order, and
// channels stay in the order that they appear in the frame (R,G,B).
func (v *FrameView) ToNormalizedTensor(dst *nn.Tensor) error {
	nchan := v.format.NChan()
	if !dst.IsImage(nchan, v.width, v.height) {
		return fmt.Errorf("%w: tensor %v can't hold a %vx%vx%v frame", ErrSizeMismatch, dst.Shape, nchan, v.height, v.width)
	}
	w := v.width
	plane := v.width * v.height
	r := dst.Data[0:plane]
	g := dst.Data[plane : 2*plane]
	b := dst.Data[2*plane : 3*plane]
	for y := 0; y < v.height; y++ {
		row := v.Row(y)
		rr := r[y*w : (y+1)*w]
		gg := g[y*w : (y+1)*w]
		bb := b[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			px := row[x*3 : x*3+3 : x*3+3]
			rr[x] = byteToUnit[px[0]]
			gg[x] = byteToUnit[px[1]]
			bb[x] = byteToUnit[px[2]]
		}
	}
	return nil
}
