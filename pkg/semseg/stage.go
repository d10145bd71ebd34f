package semseg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/semseg/pkg/nn"
	"github.com/cyclopcam/semseg/pkg/palette"
	"github.com/cyclopcam/semseg/pkg/perfstats"
	"github.com/cyclopcam/semseg/pkg/videoframe"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// ErrBufferContract means the caller passed us buffer slices that violate the calling convention
var ErrBufferContract = errors.New("buffer contract violation")

// ErrNotReady means the stage could not reach the Ready state
var ErrNotReady = errors.New("segmentation stage is not ready")

// Stage lifecycle states
const (
	StateUninitialized = "uninitialized"
	StateConfigured    = "configured"
	StateReady         = "ready"
)

// Names of our pads
const (
	PadInput  = "rgb"
	PadOutput = "depth"
)

// PadCaps describes the format that a pad accepts or produces
type PadCaps struct {
	Name   string
	Format videoframe.VideoFormat
}

// StageOptions configures a Stage
type StageOptions struct {
	Format         videoframe.VideoFormat // Every frame must match this exactly
	Colors         *palette.ColorTable    // Class to color mapping
	DebugDumpDir   string                 // If not empty, write colorized frames here as JPEG
	DebugDumpEvery int                    // Write one of every N frames to DebugDumpDir (0 = 1)
}

// Create the default options for our street scene model
func NewStageOptions() *StageOptions {
	return &StageOptions{
		Format: videoframe.SegmentationFormat(),
		Colors: palette.Cityscapes(),
	}
}

// Stats is a snapshot of the stage's performance
type Stats struct {
	FramesProcessed int64
	FramesFailed    int64
	AvgPrepare      time.Duration // HWC bytes -> CHW float tensor
	AvgInference    time.Duration // Waiting for the model lock, plus running the model
	AvgColorize     time.Duration // Class mask -> RGB, written into the output frame
}

// Per-frame working memory. Pooled, because a 640x192 float tensor is 1.4MB.
type frameScratch struct {
	tensor *nn.Tensor
	rgb    []byte
}

// Stage is a pipeline element that replaces every pixel of a video frame with the color
// of the class that the segmentation model predicts for it.
//
// Process may be called from any thread. The format and color table are immutable, and the
// model is serialized by the Engine, so concurrent calls are safe. However, if calls are made
// concurrently, the order in which frames complete is undefined.
type Stage struct {
	ID     string
	log    *prefixLog
	format videoframe.VideoFormat
	colors *palette.ColorTable
	engine *Engine
	state  *fsm.FSM

	startLock sync.Mutex // Serializes Configured -> Ready
	startErr  error      // Permanent failure to reach Ready

	scratch sync.Pool

	debugDumpDir   string
	debugDumpEvery int64

	framesProcessed atomic.Int64
	framesFailed    atomic.Int64
	avgPrepare      perfstats.MovingAverage
	avgInference    perfstats.MovingAverage
	avgColorize     perfstats.MovingAverage
	lastErrAt       atomic.Int64 // UnixNano of the last error that we logged
}

// NewStage creates a stage in the Configured state.
// The model is not necessarily loaded yet. Call Start() to load it now, or let the first
// call to Process() load it.
func NewStage(logger logs.Log, engine *Engine, options *StageOptions) (*Stage, error) {
	if engine == nil {
		return nil, errors.New("Stage needs an inference engine")
	}
	if options == nil {
		options = NewStageOptions()
	}
	if options.Colors == nil {
		return nil, errors.New("Stage needs a color table")
	}
	if options.Format.Width <= 0 || options.Format.Height <= 0 {
		return nil, fmt.Errorf("Invalid video format %v", options.Format)
	}
	id := uuid.NewString()
	s := &Stage{
		ID:             id,
		log:            newPrefixLog(logger, "semseg "+id[:8]+":"),
		format:         options.Format,
		colors:         options.Colors,
		engine:         engine,
		debugDumpDir:   options.DebugDumpDir,
		debugDumpEvery: int64(max(options.DebugDumpEvery, 1)),
	}
	s.scratch.New = func() any {
		return &frameScratch{
			tensor: nn.NewTensor(1, int64(s.format.Pixel.NChan()), int64(s.format.Height), int64(s.format.Width)),
			rgb:    make([]byte, s.format.FrameBytes()),
		}
	}
	s.state = fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: "configure", Src: []string{StateUninitialized}, Dst: StateConfigured},
			{Name: "ready", Src: []string{StateConfigured}, Dst: StateReady},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				s.log.Infof("State %v -> %v", e.Src, e.Dst)
			},
		},
	)
	if s.debugDumpDir != "" {
		if err := os.MkdirAll(s.debugDumpDir, 0755); err != nil {
			return nil, fmt.Errorf("Failed to create debug dump directory: %w", err)
		}
	}
	if err := s.state.Event("configure"); err != nil {
		return nil, err
	}
	return s, nil
}

// Returns the current lifecycle state
func (s *Stage) State() string {
	return s.state.Current()
}

func (s *Stage) Format() videoframe.VideoFormat {
	return s.format
}

// CapsDef returns our input and output pads, and the formats that they carry
func (s *Stage) CapsDef() (in []PadCaps, out []PadCaps) {
	return []PadCaps{{Name: PadInput, Format: s.format}}, []PadCaps{{Name: PadOutput, Format: s.format}}
}

// Start loads the model, and moves the stage into the Ready state.
// If the model can't be loaded, or it doesn't fit our video format, the stage can never become Ready,
// and every subsequent call to Start or Process returns the same error.
func (s *Stage) Start() error {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if s.state.Is(StateReady) {
		return nil
	}
	if s.startErr != nil {
		return s.startErr
	}
	if err := s.engine.Load(); err != nil {
		s.startErr = fmt.Errorf("%w: %w", ErrNotReady, err)
		return s.startErr
	}
	cfg := s.engine.ModelConfig()
	if cfg == nil {
		s.startErr = fmt.Errorf("%w: %w: engine has no model", ErrNotReady, ErrModelLoad)
		return s.startErr
	}
	if cfg.Width != s.format.Width || cfg.Height != s.format.Height {
		s.startErr = fmt.Errorf("%w: %w: model is %vx%v, but video is %vx%v", ErrNotReady, ErrModelLoad, cfg.Width, cfg.Height, s.format.Width, s.format.Height)
		s.log.Errorf("%v", s.startErr)
		return s.startErr
	}
	if cfg.NumClasses() > s.colors.NumClasses() {
		s.log.Warnf("Model has %v classes, but color table only has %v. Extra classes will be drawn in the default color", cfg.NumClasses(), s.colors.NumClasses())
	}
	if err := s.state.Event("ready"); err != nil {
		return err
	}
	return nil
}

// Process segments in[0] and places the colorized frame in out[0].
// Buffers in[1:] are passed through to out[1:] unchanged.
// out must have at least as many slots as in.
// If an error is returned, out is not modified, and the frame should be considered dropped.
// This includes the pass-through buffers: a dropped frame drops all of its pads.
func (s *Stage) Process(in, out []*videoframe.Buffer) error {
	if len(in) == 0 {
		return fmt.Errorf("%w: no input buffers", ErrBufferContract)
	}
	if len(out) < len(in) {
		return fmt.Errorf("%w: %v input buffers, but only %v output slots", ErrBufferContract, len(in), len(out))
	}
	if in[0] == nil {
		return fmt.Errorf("%w: input buffer 0 is nil", ErrBufferContract)
	}
	if !s.state.Is(StateReady) {
		if err := s.Start(); err != nil {
			return err
		}
	}

	result, err := s.segment(in[0])
	if err != nil {
		s.framesFailed.Add(1)
		s.logFrameError(in[0], err)
		return err
	}

	for i := 1; i < len(in); i++ {
		out[i] = in[i]
	}
	out[0] = result
	s.framesProcessed.Add(1)
	return nil
}

// Produce the colorized version of 'src'
func (s *Stage) segment(src *videoframe.Buffer) (*videoframe.Buffer, error) {
	inView, err := videoframe.FromReadableBuffer(src, s.format)
	if err != nil {
		return nil, err
	}

	scratch := s.scratch.Get().(*frameScratch)
	defer s.scratch.Put(scratch)

	start := time.Now()
	if err := inView.ToNormalizedTensor(scratch.tensor); err != nil {
		return nil, err
	}
	s.avgPrepare.Since(start)

	start = time.Now()
	mask, err := s.engine.Infer(scratch.tensor)
	if err != nil {
		return nil, err
	}
	s.avgInference.Since(start)

	start = time.Now()
	if err := s.colors.Gather(mask.IDs, scratch.rgb); err != nil {
		return nil, fmt.Errorf("%w: %w", videoframe.ErrSizeMismatch, err)
	}
	dst := src.CopyDeep()
	outView, err := videoframe.FromWritableBuffer(dst, s.format)
	if err != nil {
		return nil, err
	}
	if err := outView.WriteRGB(scratch.rgb); err != nil {
		return nil, err
	}
	s.avgColorize.Since(start)

	if s.debugDumpDir != "" {
		s.dumpFrame(outView, dst)
	}
	return dst, nil
}

func (s *Stage) dumpFrame(view *videoframe.FrameView, buf *videoframe.Buffer) {
	n := s.framesProcessed.Load()
	if n%s.debugDumpEvery != 0 {
		return
	}
	filename := filepath.Join(s.debugDumpDir, fmt.Sprintf("semseg-%08d.jpg", buf.Offset))
	if err := view.ToCImage().WriteJPEG(filename, cimg.MakeCompressParams(cimg.Sampling444, 95, 0), 0644); err != nil {
		s.log.Warnf("Failed to write debug frame %v: %v", filename, err)
	}
}

// Errors are returned to the caller on every frame, but we only log one every 15 seconds,
// because a broken stream will produce an error for every frame.
func (s *Stage) logFrameError(buf *videoframe.Buffer, err error) {
	now := time.Now().UnixNano()
	last := s.lastErrAt.Load()
	if now-last > int64(15*time.Second) && s.lastErrAt.CompareAndSwap(last, now) {
		s.log.Errorf("Frame %v (pts %v) dropped: %v", buf.Offset, buf.PTS, err)
	}
}

// Return a snapshot of performance counters
func (s *Stage) Stats() Stats {
	return Stats{
		FramesProcessed: s.framesProcessed.Load(),
		FramesFailed:    s.framesFailed.Load(),
		AvgPrepare:      s.avgPrepare.Get(),
		AvgInference:    s.avgInference.Get(),
		AvgColorize:     s.avgColorize.Get(),
	}
}

// Close releases the model
func (s *Stage) Close() {
	s.engine.Close()
}
