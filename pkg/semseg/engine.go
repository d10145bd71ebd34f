package semseg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/semseg/pkg/nn"
)

// ErrModelLoad means the model could not be loaded. This is permanent: we never retry.
var ErrModelLoad = errors.New("model load failed")

// ModelLoader creates the model. It is called at most once per Engine.
type ModelLoader func() (nn.Segmenter, error)

// Engine owns a segmentation model, and serializes all access to it.
// The model runtime is not guaranteed to be re-entrant, so only one inference runs at a time.
// Callers block until the model is free, in the order that the mutex grants it.
type Engine struct {
	log    logs.Log
	loader ModelLoader

	// lock guards everything below, and is held for the duration of every model call
	lock    sync.Mutex
	model   nn.Segmenter
	tried   bool  // True once we've called loader
	loadErr error // Permanent load failure
	closed  bool
}

// Create an engine that loads its model lazily, on the first call to Load() or Infer()
func NewEngine(log logs.Log, loader ModelLoader) *Engine {
	return &Engine{
		log:    log,
		loader: loader,
	}
}

// Create an engine around a model that has already been loaded
func NewEngineWithModel(log logs.Log, model nn.Segmenter) *Engine {
	return &Engine{
		log:   log,
		model: model,
		tried: true,
	}
}

// Load the model, if it hasn't been loaded yet.
// If loading fails, the same error is returned on every subsequent call.
func (e *Engine) Load() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.loadLocked()
}

func (e *Engine) loadLocked() error {
	if e.closed {
		return fmt.Errorf("%w: engine is closed", ErrModelLoad)
	}
	if e.tried {
		if e.model == nil && e.loadErr == nil {
			return fmt.Errorf("%w: engine has no model", ErrModelLoad)
		}
		return e.loadErr
	}
	e.tried = true
	model, err := e.loader()
	if err == nil && model == nil {
		err = errors.New("loader returned no model")
	}
	if err != nil {
		e.loadErr = fmt.Errorf("%w: %v", ErrModelLoad, err)
		e.log.Errorf("Failed to load segmentation model: %v", err)
		return e.loadErr
	}
	e.model = model
	cfg := model.Config()
	e.log.Infof("Segmentation model loaded (%v, %vx%v, %v classes)", cfg.Architecture, cfg.Width, cfg.Height, cfg.NumClasses())
	return nil
}

// Returns true if the model has been loaded successfully
func (e *Engine) Loaded() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.model != nil
}

// Returns the config of the loaded model, or nil if the model is not loaded
func (e *Engine) ModelConfig() *nn.ModelConfig {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.model == nil {
		return nil
	}
	return e.model.Config()
}

// Infer runs the model on a [1,3,H,W] tensor, and returns the class of every pixel.
// The model is loaded first, if necessary.
func (e *Engine) Infer(input *nn.Tensor) (*nn.ClassMask, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if err := e.loadLocked(); err != nil {
		return nil, err
	}
	mask, err := e.model.Segment(input)
	if err != nil {
		if !errors.Is(err, nn.ErrInference) {
			err = fmt.Errorf("%w: %v", nn.ErrInference, err)
		}
		return nil, err
	}
	width, height := 0, 0
	if len(input.Shape) >= 2 {
		width = int(input.Shape[len(input.Shape)-1])
		height = int(input.Shape[len(input.Shape)-2])
	}
	if mask == nil || mask.Width != width || mask.Height != height || len(mask.IDs) != width*height {
		return nil, fmt.Errorf("%w: model produced a mask that does not match the %vx%v input", nn.ErrInference, width, height)
	}
	return mask, nil
}

// Close the model. Any further calls to Infer will fail.
func (e *Engine) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.model != nil {
		e.model.Close()
		e.model = nil
	}
	e.closed = true
}
