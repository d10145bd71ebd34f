// Package onnxseg runs semantic segmentation models through ONNX Runtime (https://onnxruntime.ai)
package onnxseg

import (
	"fmt"
	"strconv"

	"github.com/cyclopcam/semseg/pkg/nn"
	"github.com/cyclopcam/semseg/pkg/nnaccel"
	ort "github.com/yalue/onnxruntime_go"
)

// Model is an ONNX segmentation model, with its input and output tensors pre-allocated.
// A Model is not safe for concurrent use, because every run shares the same tensors.
type Model struct {
	config      nn.ModelConfig
	device      nnaccel.Device
	session     *ort.AdvancedSession
	input       *ort.Tensor[float32]
	output      *ort.Tensor[float32]
	outputShape []int64
}

// NewModel loads an ONNX model file, and prepares it for running on 'device'.
// The model must accept one [1,3,H,W] float input, and produce one [1,N,H,W] float output,
// where N is the number of classes in config.
func NewModel(config *nn.ModelConfig, device nnaccel.Device, threadingMode nn.ThreadingMode, modelFile string) (*Model, error) {
	numClasses := config.NumClasses()
	if numClasses == 0 || numClasses > 256 {
		return nil, fmt.Errorf("Model config has %v classes. Must be between 1 and 256", numClasses)
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("Model config has invalid dimensions %vx%v", config.Width, config.Height)
	}

	if err := acquireEnvironment(); err != nil {
		return nil, err
	}
	m := &Model{
		config: *config,
		device: device,
	}
	if err := m.init(threadingMode, modelFile); err != nil {
		m.destroy()
		releaseEnvironment()
		return nil, err
	}
	return m, nil
}

func (m *Model) init(threadingMode nn.ThreadingMode, modelFile string) error {
	if err := validateModelFile(&m.config, modelFile); err != nil {
		return err
	}

	w := int64(m.config.Width)
	h := int64(m.config.Height)
	n := int64(m.config.NumClasses())

	var err error
	m.input, err = ort.NewTensor(ort.NewShape(1, 3, h, w), nnaccel.PageAlignedFloat32(int(3*h*w)))
	if err != nil {
		return fmt.Errorf("Failed to create input tensor: %w", err)
	}
	m.outputShape = []int64{1, n, h, w}
	m.output, err = ort.NewEmptyTensor[float32](ort.NewShape(m.outputShape...))
	if err != nil {
		return fmt.Errorf("Failed to create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("Failed to create session options: %w", err)
	}
	defer options.Destroy()
	if threadingMode == nn.ThreadingModeSingle {
		if err := options.SetIntraOpNumThreads(1); err != nil {
			return err
		}
		if err := options.SetInterOpNumThreads(1); err != nil {
			return err
		}
	}
	if m.device.Kind == nnaccel.DeviceCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("CUDA is not available: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(m.device.Index)}); err != nil {
			return fmt.Errorf("Failed to configure CUDA device %v: %w", m.device.Index, err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return fmt.Errorf("Failed to enable CUDA: %w", err)
		}
	}

	m.session, err = ort.NewAdvancedSession(modelFile,
		[]string{m.config.InputTensorName()}, []string{m.config.OutputTensorName()},
		[]ort.ArbitraryTensor{m.input}, []ort.ArbitraryTensor{m.output},
		options)
	if err != nil {
		return fmt.Errorf("Failed to create ONNX session for '%v': %w", modelFile, err)
	}
	return nil
}

// Check that the model's declared inputs and outputs agree with our config.
// Dimensions that are dynamic in the model (-1) are not checked.
func validateModelFile(config *nn.ModelConfig, modelFile string) error {
	inputs, outputs, err := ort.GetInputOutputInfo(modelFile)
	if err != nil {
		return fmt.Errorf("Failed to read ONNX model '%v': %w", modelFile, err)
	}
	expectIn := []int64{1, 3, int64(config.Height), int64(config.Width)}
	expectOut := []int64{1, int64(config.NumClasses()), int64(config.Height), int64(config.Width)}
	if err := checkTensorInfo(inputs, config.InputTensorName(), expectIn); err != nil {
		return fmt.Errorf("Model '%v' input: %w", modelFile, err)
	}
	if err := checkTensorInfo(outputs, config.OutputTensorName(), expectOut); err != nil {
		return fmt.Errorf("Model '%v' output: %w", modelFile, err)
	}
	return nil
}

func checkTensorInfo(infos []ort.InputOutputInfo, name string, expect []int64) error {
	for _, info := range infos {
		if info.Name != name {
			continue
		}
		if !shapeCompatible(info.Dimensions, expect) {
			return fmt.Errorf("tensor '%v' has shape %v, but we need %v", name, info.Dimensions, expect)
		}
		return nil
	}
	return fmt.Errorf("no tensor named '%v'", name)
}

// Returns true if 'actual' matches 'expect', treating negative dimensions in 'actual' as wildcards
func shapeCompatible(actual []int64, expect []int64) bool {
	if len(actual) != len(expect) {
		return false
	}
	for i := range actual {
		if actual[i] >= 0 && actual[i] != expect[i] {
			return false
		}
	}
	return true
}

func (m *Model) Close() {
	m.destroy()
	releaseEnvironment()
}

func (m *Model) destroy() {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
}

func (m *Model) Device() nnaccel.Device {
	return m.device
}

func (m *Model) Config() *nn.ModelConfig {
	return &m.config
}

func (m *Model) Segment(input *nn.Tensor) (*nn.ClassMask, error) {
	if !input.IsImage(3, m.config.Width, m.config.Height) {
		return nil, fmt.Errorf("%w: input %v does not match model size %vx%v", nn.ErrInference, input, m.config.Width, m.config.Height)
	}
	copy(m.input.GetData(), input.Data)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", nn.ErrInference, err)
	}
	numClasses, width, height, err := nn.ScoreDims(m.outputShape)
	if err != nil {
		return nil, err
	}
	mask := nn.NewClassMask(width, height)
	if err := nn.ArgMax(m.output.GetData(), numClasses, mask.IDs); err != nil {
		return nil, err
	}
	return mask, nil
}
