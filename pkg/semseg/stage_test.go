package semseg

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/semseg/pkg/nn"
	"github.com/cyclopcam/semseg/pkg/palette"
	"github.com/cyclopcam/semseg/pkg/videoframe"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStage(t *testing.T, model nn.Segmenter) *Stage {
	log := logs.NewTestingLog(t)
	stage, err := NewStage(log, NewEngineWithModel(log, model), NewStageOptions())
	require.NoError(t, err)
	t.Cleanup(stage.Close)
	return stage
}

// Create a frame with a recognizable gradient, so that we can tell if it was modified
func newTestFrame(offset uint64) *videoframe.Buffer {
	buf := videoframe.NewBuffer(videoframe.SegmentationFormat())
	for i := range buf.Pixels {
		buf.Pixels[i] = byte(i*7 + int(offset))
	}
	buf.Offset = offset
	buf.PTS = time.Duration(offset) * 33 * time.Millisecond
	return buf
}

func requireAllPixels(t *testing.T, buf *videoframe.Buffer, c palette.RGB) {
	for i := 0; i < len(buf.Pixels); i += 3 {
		if buf.Pixels[i] != c.R || buf.Pixels[i+1] != c.G || buf.Pixels[i+2] != c.B {
			t.Fatalf("Pixel %v is (%v,%v,%v), expected %v", i/3, buf.Pixels[i], buf.Pixels[i+1], buf.Pixels[i+2], c)
		}
	}
}

func TestStageLifecycle(t *testing.T) {
	stage := newTestStage(t, newStubModel(constantClass(0)))
	require.Equal(t, StateConfigured, stage.State())
	require.NoError(t, stage.Start())
	require.Equal(t, StateReady, stage.State())
	// Start is idempotent
	require.NoError(t, stage.Start())
	require.Equal(t, StateReady, stage.State())
}

func TestStageCapsDef(t *testing.T) {
	stage := newTestStage(t, newStubModel(constantClass(0)))
	in, out := stage.CapsDef()
	require.Len(t, in, 1)
	require.Len(t, out, 1)
	require.Equal(t, PadInput, in[0].Name)
	require.Equal(t, PadOutput, out[0].Name)
	require.Equal(t, "video/x-raw,format=RGB,width=640,height=192,framerate=[0/1,2147483647/1]", in[0].Format.Caps())
	require.Equal(t, in[0].Format, out[0].Format)
}

func TestStageSolidClass(t *testing.T) {
	// Class 13 is "car"
	stage := newTestStage(t, newStubModel(constantClass(13)))
	in := []*videoframe.Buffer{newTestFrame(5)}
	out := make([]*videoframe.Buffer, 1)
	require.NoError(t, stage.Process(in, out))
	require.NotNil(t, out[0])
	require.NotSame(t, in[0], out[0])
	require.Equal(t, 640, out[0].Width)
	require.Equal(t, 192, out[0].Height)
	require.Equal(t, videoframe.PixelFormatRGB, out[0].Format)
	require.Equal(t, len(in[0].Pixels), len(out[0].Pixels))
	requireAllPixels(t, out[0], palette.RGB{R: 0, G: 0, B: 142})

	// Timing metadata is carried over
	require.Equal(t, in[0].PTS, out[0].PTS)
	require.Equal(t, in[0].Offset, out[0].Offset)

	// The input is untouched
	require.Equal(t, newTestFrame(5).Pixels, in[0].Pixels)
}

func TestStageBlock(t *testing.T) {
	// A 2x2 block of sidewalk inside road
	stage := newTestStage(t, newStubModel(func(x, y int) uint8 {
		if x >= 10 && x < 12 && y >= 20 && y < 22 {
			return 1
		}
		return 0
	}))
	out := make([]*videoframe.Buffer, 1)
	require.NoError(t, stage.Process([]*videoframe.Buffer{newTestFrame(0)}, out))
	buf := out[0]
	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			p := buf.Pixels[y*buf.Stride+x*3:]
			expect := palette.RGB{R: 128, G: 64, B: 128}
			if x >= 10 && x < 12 && y >= 20 && y < 22 {
				expect = palette.RGB{R: 244, G: 35, B: 232}
			}
			if p[0] != expect.R || p[1] != expect.G || p[2] != expect.B {
				t.Fatalf("Pixel %v,%v is (%v,%v,%v), expected %v", x, y, p[0], p[1], p[2], expect)
			}
		}
	}
}

func TestStageUnknownClass(t *testing.T) {
	// A model with more classes than our color table
	model := newStubModel(constantClass(40))
	cfg := *model.config
	for len(cfg.Classes) <= 40 {
		cfg.Classes = append(cfg.Classes, "extra")
	}
	model.config = &cfg
	stage := newTestStage(t, model)
	out := make([]*videoframe.Buffer, 1)
	require.NoError(t, stage.Process([]*videoframe.Buffer{newTestFrame(0)}, out))
	requireAllPixels(t, out[0], palette.DefaultColor)
}

func TestStageIdempotent(t *testing.T) {
	stage := newTestStage(t, newStubModel(func(x, y int) uint8 {
		return uint8((x/32 + y/16) % 19)
	}))
	frame := newTestFrame(1)
	out1 := make([]*videoframe.Buffer, 1)
	out2 := make([]*videoframe.Buffer, 1)
	require.NoError(t, stage.Process([]*videoframe.Buffer{frame}, out1))
	require.NoError(t, stage.Process([]*videoframe.Buffer{frame}, out2))
	require.NotSame(t, out1[0], out2[0])
	require.True(t, bytes.Equal(out1[0].Pixels, out2[0].Pixels))
}

func TestStagePassThrough(t *testing.T) {
	stage := newTestStage(t, newStubModel(constantClass(2)))
	in := []*videoframe.Buffer{newTestFrame(0), newTestFrame(1), newTestFrame(2)}
	expect1 := bytes.Clone(in[1].Pixels)
	expect2 := bytes.Clone(in[2].Pixels)
	out := make([]*videoframe.Buffer, 4)
	require.NoError(t, stage.Process(in, out))
	require.Same(t, in[1], out[1])
	require.Same(t, in[2], out[2])
	require.Equal(t, expect1, out[1].Pixels)
	require.Equal(t, expect2, out[2].Pixels)
	// Extra output slots are left alone
	require.Nil(t, out[3])
}

func TestStageScratchTensor(t *testing.T) {
	// The scratch tensor is plain Go memory. The runtime copies it into its own input tensor.
	stage := newTestStage(t, newStubModel(constantClass(0)))
	scratch := stage.scratch.Get().(*frameScratch)
	defer stage.scratch.Put(scratch)
	require.Equal(t, []int64{1, 3, 192, 640}, scratch.tensor.Shape)
	require.Equal(t, 3*192*640, len(scratch.tensor.Data))
	require.Equal(t, 640*192*3, len(scratch.rgb))
}

func TestStageDroppedFrameWithholdsPassThrough(t *testing.T) {
	model := newStubModel(constantClass(0))
	stage := newTestStage(t, model)
	in := []*videoframe.Buffer{newTestFrame(0), newTestFrame(1)}
	out := make([]*videoframe.Buffer, 2)

	model.failNext.Store(true)
	require.ErrorIs(t, stage.Process(in, out), nn.ErrInference)
	require.Nil(t, out[0])
	require.Nil(t, out[1])

	require.NoError(t, stage.Process(in, out))
	require.Same(t, in[1], out[1])
}

func TestStageFormatMismatch(t *testing.T) {
	stage := newTestStage(t, newStubModel(constantClass(0)))
	wrong := videoframe.SegmentationFormat()
	wrong.Width = 641
	buf := videoframe.NewBuffer(wrong)
	out := make([]*videoframe.Buffer, 1)
	err := stage.Process([]*videoframe.Buffer{buf}, out)
	require.ErrorIs(t, err, videoframe.ErrFormatMismatch)
	require.Nil(t, out[0])

	// Too few bytes for the declared size
	buf = newTestFrame(0)
	buf.Pixels = buf.Pixels[:len(buf.Pixels)-1]
	require.ErrorIs(t, stage.Process([]*videoframe.Buffer{buf}, out), videoframe.ErrFormatMismatch)
	require.Nil(t, out[0])

	require.EqualValues(t, 2, stage.Stats().FramesFailed)
}

func TestStagePaddedStride(t *testing.T) {
	stage := newTestStage(t, newStubModel(constantClass(10)))
	format := videoframe.SegmentationFormat()
	stride := format.RowBytes() + 64
	pixels := make([]byte, stride*format.Height)
	for i := range pixels {
		pixels[i] = 0xAB
	}
	buf := videoframe.WrapBuffer(videoframe.PixelFormatRGB, format.Width, format.Height, stride, pixels)
	out := make([]*videoframe.Buffer, 1)
	require.NoError(t, stage.Process([]*videoframe.Buffer{buf}, out))
	require.Equal(t, stride, out[0].Stride)
	for y := 0; y < format.Height; y++ {
		row := out[0].Pixels[y*stride:]
		// sky
		require.Equal(t, []byte{70, 130, 180}, row[:3])
		// The padding is not ours to touch
		require.Equal(t, byte(0xAB), row[format.RowBytes()])
	}
}

func TestStageBufferContract(t *testing.T) {
	stage := newTestStage(t, newStubModel(constantClass(0)))
	require.ErrorIs(t, stage.Process(nil, make([]*videoframe.Buffer, 1)), ErrBufferContract)
	in := []*videoframe.Buffer{newTestFrame(0), newTestFrame(1)}
	out := make([]*videoframe.Buffer, 1)
	require.ErrorIs(t, stage.Process(in, out), ErrBufferContract)
	require.Nil(t, out[0])
	require.ErrorIs(t, stage.Process([]*videoframe.Buffer{nil}, out), ErrBufferContract)
}

func TestStageModelLoadFailure(t *testing.T) {
	log := logs.NewTestingLog(t)
	engine := NewEngine(log, func() (nn.Segmenter, error) {
		return nil, errors.New("no such file")
	})
	stage, err := NewStage(log, engine, NewStageOptions())
	require.NoError(t, err)

	out := make([]*videoframe.Buffer, 1)
	for i := 0; i < 2; i++ {
		err = stage.Process([]*videoframe.Buffer{newTestFrame(0)}, out)
		require.ErrorIs(t, err, ErrModelLoad)
		require.ErrorIs(t, err, ErrNotReady)
		require.Nil(t, out[0])
		require.Equal(t, StateConfigured, stage.State())
	}
	require.ErrorIs(t, stage.Start(), ErrModelLoad)
}

func TestStageModelSizeMismatch(t *testing.T) {
	model := newStubModel(constantClass(0))
	model.config = &nn.ModelConfig{Width: 320, Height: 96, Classes: palette.CityscapesClasses}
	stage := newTestStage(t, model)
	err := stage.Start()
	require.ErrorIs(t, err, ErrModelLoad)
	require.Equal(t, StateConfigured, stage.State())
}

func TestStageInferenceErrorIsTransient(t *testing.T) {
	model := newStubModel(constantClass(11))
	stage := newTestStage(t, model)
	out := make([]*videoframe.Buffer, 1)

	model.failNext.Store(true)
	err := stage.Process([]*videoframe.Buffer{newTestFrame(0)}, out)
	require.ErrorIs(t, err, nn.ErrInference)
	require.Nil(t, out[0])
	require.Equal(t, StateReady, stage.State())

	require.NoError(t, stage.Process([]*videoframe.Buffer{newTestFrame(1)}, out))
	requireAllPixels(t, out[0], palette.RGB{R: 220, G: 20, B: 60})

	stats := stage.Stats()
	require.EqualValues(t, 1, stats.FramesProcessed)
	require.EqualValues(t, 1, stats.FramesFailed)
}

func TestStageConcurrent(t *testing.T) {
	// Each frame's class is derived from its first pixel, so we can check that outputs
	// are not mixed up between callers.
	model := newStubModel(constantClass(0))
	stage := newTestStage(t, &frameDependentModel{stubModel: model})

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		id := uint8(i)
		g.Go(func() error {
			for j := 0; j < 3; j++ {
				frame := videoframe.NewBuffer(videoframe.SegmentationFormat())
				frame.Pixels[0] = id
				out := make([]*videoframe.Buffer, 1)
				if err := stage.Process([]*videoframe.Buffer{frame}, out); err != nil {
					return err
				}
				expect := palette.Cityscapes().Lookup(int(id))
				if out[0].Pixels[3] != expect.R || out[0].Pixels[4] != expect.G || out[0].Pixels[5] != expect.B {
					return errors.New("output belongs to a different frame")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 24, stage.Stats().FramesProcessed)
}

// frameDependentModel labels every pixel with the class whose ID is encoded in the red
// channel of the first pixel of the frame.
type frameDependentModel struct {
	*stubModel
}

func (m *frameDependentModel) Segment(input *nn.Tensor) (*nn.ClassMask, error) {
	id := uint8(input.Data[0]*255 + 0.5)
	mask := nn.NewClassMask(m.config.Width, m.config.Height)
	for i := range mask.IDs {
		mask.IDs[i] = id
	}
	return mask, nil
}

func TestStageDebugDump(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dump")
	log := logs.NewTestingLog(t)
	options := NewStageOptions()
	options.DebugDumpDir = dir
	stage, err := NewStage(log, NewEngineWithModel(log, newStubModel(constantClass(8))), options)
	require.NoError(t, err)
	defer stage.Close()

	out := make([]*videoframe.Buffer, 1)
	require.NoError(t, stage.Process([]*videoframe.Buffer{newTestFrame(7)}, out))
	_, err = os.Stat(filepath.Join(dir, "semseg-00000007.jpg"))
	require.NoError(t, err)
}
