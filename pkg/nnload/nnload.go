// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// neural network implementation (ONNX Runtime), so that you can just call one function to
// load a model, and not need to know about the implementation details.
//
// This is also the place where we decide whether to run on an accelerator (eg CUDA),
// and fall back to the CPU if the accelerator is not usable.
package nnload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/semseg/pkg/nn"
	"github.com/cyclopcam/semseg/pkg/nnaccel"
	"github.com/cyclopcam/semseg/pkg/onnxseg"
)

// Options controls how a model is loaded
type Options struct {
	Device        nnaccel.Device   // Preferred device. If this is an accelerator and it fails, we fall back to CPU.
	ThreadingMode nn.ThreadingMode // Number of CPU threads that the runtime may use
	RuntimeLib    string           // Path to libonnxruntime.so (empty = default search path)
}

func NewOptions() *Options {
	return &Options{
		Device:        nnaccel.CPU,
		ThreadingMode: nn.ThreadingModeParallel,
	}
}

// ModelFiles are the files that make up a model on disk
type ModelFiles struct {
	Weights string // eg semseg.onnx (required)
	Config  string // eg semseg.json (optional)
	Classes string // eg semseg.txt (optional, one class name per line)
}

// Returns the file names of a model.
// If modelName is "semseg", then we expect "semseg.onnx", and optionally "semseg.json" and "semseg.txt".
func FindModelFiles(modelDir, modelName string) ModelFiles {
	base := filepath.Join(modelDir, modelName)
	return ModelFiles{
		Weights: base + ".onnx",
		Config:  base + ".json",
		Classes: base + ".txt",
	}
}

// LoadModelConfig loads the JSON sidecar of a model.
// If the sidecar has no class list, then the classes come from the .txt file.
// If there is no sidecar, we assume that the model is our standard street scene segmentation model,
// but a .txt file still overrides its classes.
func LoadModelConfig(log logs.Log, files ModelFiles) (*nn.ModelConfig, error) {
	config, err := nn.LoadModelConfig(files.Config)
	haveSidecar := true
	if errors.Is(err, os.ErrNotExist) {
		log.Infof("No model config at %v. Assuming default segmentation model", files.Config)
		config = nn.DefaultModelConfig()
		haveSidecar = false
	} else if err != nil {
		return nil, fmt.Errorf("Error loading model config %v: %w", files.Config, err)
	}

	if haveSidecar && config.NumClasses() != 0 {
		return config, nil
	}

	classes, err := nn.LoadClassFile(files.Classes)
	if errors.Is(err, os.ErrNotExist) {
		if config.NumClasses() == 0 {
			return nil, fmt.Errorf("Model config %v has no classes, and there is no class file %v", files.Config, files.Classes)
		}
		return config, nil
	} else if err != nil {
		return nil, fmt.Errorf("Error loading class file %v: %w", files.Classes, err)
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("Class file %v is empty", files.Classes)
	}
	log.Infof("Loaded %v classes from %v", len(classes), files.Classes)
	config.Classes = classes
	return config, nil
}

// LoadModel loads a neural network from disk.
// modelName is the base filename, without the extension.
func LoadModel(log logs.Log, modelDir, modelName string, options *Options) (nn.Segmenter, error) {
	files := FindModelFiles(modelDir, modelName)
	if _, err := os.Stat(files.Weights); err != nil {
		return nil, fmt.Errorf("Model file %v: %w", files.Weights, err)
	}
	config, err := LoadModelConfig(log, files)
	if err != nil {
		return nil, err
	}
	if options.RuntimeLib != "" {
		onnxseg.SetSharedLibraryPath(options.RuntimeLib)
	}

	if options.Device.IsAccelerator() {
		model, err := onnxseg.NewModel(config, options.Device, options.ThreadingMode, files.Weights)
		if err == nil {
			log.Infof("Loaded NN model '%v' on %v", modelName, model.Device())
			return model, nil
		} else {
			log.Warnf("Failed to load NN model '%v' on %v: %v", modelName, options.Device, err)
			log.Infof("Falling back to CPU")
		}
	}

	model, err := onnxseg.NewModel(config, nnaccel.CPU, options.ThreadingMode, files.Weights)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded NN model '%v' on %v", modelName, model.Device())
	return model, nil
}
