package semseg

import (
	"errors"
	"sync/atomic"

	"github.com/cyclopcam/semseg/pkg/nn"
)

// stubModel is a deterministic Segmenter. Every pixel gets the class returned by classAt,
// or, if failNext is set, the next call to Segment fails.
type stubModel struct {
	config   *nn.ModelConfig
	classAt  func(x, y int) uint8
	failNext atomic.Bool
	calls    atomic.Int64
	closed   atomic.Bool
}

func newStubModel(classAt func(x, y int) uint8) *stubModel {
	return &stubModel{
		config:  nn.DefaultModelConfig(),
		classAt: classAt,
	}
}

func constantClass(id uint8) func(x, y int) uint8 {
	return func(x, y int) uint8 { return id }
}

func (m *stubModel) Close() {
	m.closed.Store(true)
}

func (m *stubModel) Config() *nn.ModelConfig {
	return m.config
}

func (m *stubModel) Segment(input *nn.Tensor) (*nn.ClassMask, error) {
	m.calls.Add(1)
	if m.failNext.Swap(false) {
		return nil, errors.New("simulated runtime failure")
	}
	if !input.IsImage(3, m.config.Width, m.config.Height) {
		return nil, errors.New("unexpected input shape")
	}
	mask := nn.NewClassMask(m.config.Width, m.config.Height)
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			mask.Set(x, y, m.classAt(x, y))
		}
	}
	return mask, nil
}
