package nn

import (
	"fmt"

	"github.com/chewxy/math32"
)

// ClassMask holds the predicted class of every pixel of an image.
// IDs is row-major, with Width*Height elements.
type ClassMask struct {
	Width  int
	Height int
	IDs    []uint8
}

func NewClassMask(width, height int) *ClassMask {
	return &ClassMask{
		Width:  width,
		Height: height,
		IDs:    make([]uint8, width*height),
	}
}

// Return the class at x,y
func (m *ClassMask) At(x, y int) uint8 {
	return m.IDs[y*m.Width+x]
}

// Set the class at x,y
func (m *ClassMask) Set(x, y int, classID uint8) {
	m.IDs[y*m.Width+x] = classID
}

// ArgMax reduces planar class scores into a class mask.
// scores is [numClasses][plane], where plane = len(mask).
// For each pixel, the class with the highest score wins. Ties go to the lowest class ID,
// and a NaN score never wins.
func ArgMax(scores []float32, numClasses int, mask []uint8) error {
	plane := len(mask)
	if numClasses <= 0 || numClasses > 256 {
		return fmt.Errorf("%w: %v classes does not fit into a uint8 mask", ErrInference, numClasses)
	}
	if len(scores) != numClasses*plane {
		return fmt.Errorf("%w: score tensor has %v elements, expected %v classes * %v pixels", ErrInference, len(scores), numClasses, plane)
	}

	// We run class-major instead of pixel-major, so that every pass is a linear scan over
	// one plane of memory. best holds the running maximum of each pixel.
	best := make([]float32, plane)
	for i := range best {
		best[i] = math32.Inf(-1)
	}
	clear(mask)
	for c := 0; c < numClasses; c++ {
		classScores := scores[c*plane : (c+1)*plane]
		cls := uint8(c)
		for i, v := range classScores {
			// Strictly greater, so that the first (lowest) class wins a tie.
			// Comparisons with NaN are always false.
			if v > best[i] {
				best[i] = v
				mask[i] = cls
			}
		}
	}
	return nil
}
