package nn

import (
	"fmt"
)

// Tensor is a dense float32 tensor, stored in row-major order (last dimension is contiguous).
// Data may live in memory that was allocated for an accelerator (see nnaccel.NewTensor),
// so don't reslice it.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Create a tensor backed by ordinary Go memory
func NewTensor(shape ...int64) *Tensor {
	return &Tensor{
		Shape: append([]int64(nil), shape...),
		Data:  make([]float32, NumElements(shape)),
	}
}

// Returns the product of all dimensions
func NumElements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}

// Returns true if the tensor is an image of the given dimensions, either [C,H,W] or [1,C,H,W]
func (t *Tensor) IsImage(nchan, width, height int) bool {
	s := t.Shape
	if len(s) == 4 {
		if s[0] != 1 {
			return false
		}
		s = s[1:]
	}
	return len(s) == 3 && s[0] == int64(nchan) && s[1] == int64(height) && s[2] == int64(width) && len(t.Data) == nchan*width*height
}

// Returns the class-score planes of a model output, which must be [N,H,W] or [1,N,H,W]
func ScoreDims(shape []int64) (numClasses, width, height int, err error) {
	s := shape
	if len(s) == 4 {
		if s[0] != 1 {
			return 0, 0, 0, fmt.Errorf("%w: expected batch size 1, but output shape is %v", ErrInference, shape)
		}
		s = s[1:]
	}
	if len(s) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: unexpected output shape %v", ErrInference, shape)
	}
	return int(s[0]), int(s[2]), int(s[1]), nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
