package nn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Package nn is a Neural Network interface layer for semantic segmentation.
// To load a model, use the nnload package.

// ErrInference is returned (wrapped) when a forward pass fails, or produces output that
// we can't interpret. It only affects the frame that was being processed.
var ErrInference = errors.New("inference failed")

type ThreadingMode int

const (
	ThreadingModeSingle   ThreadingMode = iota // Force the NN library to run inference on a single thread
	ThreadingModeParallel                      // Allow the NN library to run multiple threads while executing a model
)

// Segmenter is given an image tensor, and returns the class of every pixel
type Segmenter interface {
	// Close closes the model (you MUST call this when finished, because it's a C++ object underneath)
	Close()

	// Segment runs the model on a [1,3,H,W] float tensor with values in [0,1],
	// and returns the arg-max class of each pixel.
	// Implementations are NOT required to be safe for concurrent use.
	Segment(input *Tensor) (*ClassMask, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the model has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "deeplabv3"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 192
	Classes      []string `json:"classes"`      // eg ["road", "sidewalk", "building", ...]
	InputName    string   `json:"inputName"`    // Name of the input tensor in the model graph. Empty = "input"
	OutputName   string   `json:"outputName"`   // Name of the output tensor in the model graph. Empty = "output"
}

// Returns the config of our standard street scene model, which is what we assume
// when a model has no JSON sidecar.
func DefaultModelConfig() *ModelConfig {
	return &ModelConfig{
		Architecture: "semseg",
		Width:        640,
		Height:       192,
		Classes: []string{
			"road", "sidewalk", "building", "wall", "fence", "pole", "traffic light", "traffic sign", "vegetation",
			"terrain", "sky", "person", "rider", "car", "truck", "bus", "train", "motorcycle", "bicycle",
		},
		InputName:  "input",
		OutputName: "output",
	}
}

func (c *ModelConfig) NumClasses() int {
	return len(c.Classes)
}

// Returns the input tensor name, or "input" if none is specified
func (c *ModelConfig) InputTensorName() string {
	if c.InputName == "" {
		return "input"
	}
	return c.InputName
}

// Returns the output tensor name, or "output" if none is specified
func (c *ModelConfig) OutputTensorName() string {
	if c.OutputName == "" {
		return "output"
	}
	return c.OutputName
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// LoadClassFile reads the class list of a segmentation model, one name per line.
// Line N names class ID N, so blank lines are not allowed between names.
// Lines starting with '#' are comments, and trailing blank lines are ignored.
func LoadClassFile(filename string) ([]string, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	classes := []string{}
	pendingBlank := 0
	for i, line := range strings.Split(string(raw), "\n") {
		name := strings.TrimSpace(line)
		if strings.HasPrefix(name, "#") {
			continue
		}
		if name == "" {
			pendingBlank++
			continue
		}
		if pendingBlank != 0 && len(classes) != 0 {
			return nil, fmt.Errorf("%v:%v: blank line inside class list", filename, i+1)
		}
		pendingBlank = 0
		classes = append(classes, name)
	}
	return classes, nil
}
