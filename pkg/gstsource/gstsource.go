// Package gstsource decodes any GStreamer URI (file, RTSP, HTTP) into fixed size RGB frames.
//
// Pipeline:
//
//	uridecodebin → videoconvert → videoscale → capsfilter → appsink
//
// uridecodebin has dynamic pads, which we link in the pad-added callback.
package gstsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/semseg/pkg/videoframe"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// ErrEndOfStream is returned by Run when the source has no more frames
var ErrEndOfStream = errors.New("end of stream")

var initOnce sync.Once

// Options for a Source
type Options struct {
	URI          string                 // eg file:///home/user/drive.mp4, or rtsp://camera/stream
	Format       videoframe.VideoFormat // Frames are converted and scaled to this
	QueueSize    int                    // Number of decoded frames that may wait for the consumer
	DropWhenBusy bool                   // Drop frames if the consumer is slow (live sources). Otherwise, decoding blocks.
}

func NewOptions(uri string) *Options {
	return &Options{
		URI:       uri,
		Format:    videoframe.SegmentationFormat(),
		QueueSize: 4,
	}
}

// Source decodes video and emits frames on a channel
type Source struct {
	log      logs.Log
	options  Options
	pipeline *gst.Pipeline
	frames   chan *videoframe.Buffer
	ctx      context.Context
	cancel   context.CancelFunc

	closeOnce   sync.Once
	frameNumber atomic.Uint64
	dropped     atomic.Uint64
	badFrames   atomic.Uint64
	linked      atomic.Bool
}

// Open builds the pipeline, but does not start it. Call Run() to start decoding.
func Open(log logs.Log, options *Options) (*Source, error) {
	if options.URI == "" {
		return nil, errors.New("No URI specified")
	}
	if options.Format.Pixel != videoframe.PixelFormatRGB {
		return nil, fmt.Errorf("Unsupported pixel format %v", options.Format.Pixel)
	}
	initOnce.Do(func() {
		gst.Init(nil)
	})

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("Failed to create pipeline: %w", err)
	}

	decode, err := gst.NewElement("uridecodebin")
	if err != nil {
		return nil, fmt.Errorf("Failed to create uridecodebin: %w", err)
	}
	decode.SetProperty("uri", options.URI)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("Failed to create videoconvert: %w", err)
	}
	convert.SetProperty("n-threads", 0)

	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("Failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("Failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(sinkCaps(options.Format)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("Failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	if options.DropWhenBusy {
		appsink.SetProperty("max-buffers", 1)
		appsink.SetProperty("drop", true)
	}

	if err := pipeline.AddMany(decode, convert, scale, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("Failed to add elements to pipeline: %w", err)
	}
	if err := gst.ElementLinkMany(convert, scale, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("Failed to link pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		log:      log,
		options:  *options,
		pipeline: pipeline,
		frames:   make(chan *videoframe.Buffer, max(options.QueueSize, 1)),
		ctx:      ctx,
		cancel:   cancel,
	}

	decode.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		s.onPadAdded(srcPad, convert)
	})
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	return s, nil
}

// Caps string that we force onto the appsink.
// Unlike the format's own caps, we leave the framerate free, so that any source can negotiate.
func sinkCaps(format videoframe.VideoFormat) string {
	return fmt.Sprintf("video/x-raw,format=%v,width=%v,height=%v", format.Pixel, format.Width, format.Height)
}

// Frames returns the channel of decoded frames. It is closed when Run returns.
func (s *Source) Frames() <-chan *videoframe.Buffer {
	return s.frames
}

// Number of frames dropped because the consumer was too slow
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

// uridecodebin creates one pad per elementary stream. We link the first one that our
// converter accepts, which will be the video stream. Audio pads fail to link, and are ignored.
func (s *Source) onPadAdded(srcPad *gst.Pad, convert *gst.Element) {
	if s.linked.Load() {
		return
	}
	sinkPad := convert.GetStaticPad("sink")
	if sinkPad == nil {
		s.log.Errorf("videoconvert has no sink pad")
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		s.log.Debugf("Ignoring decoder pad %v (%v)", srcPad.GetName(), ret)
		return
	}
	s.linked.Store(true)
	s.log.Infof("Linked decoder pad %v", srcPad.GetName())
}

func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	data := buffer.Map(gst.MapRead).Bytes()
	frame, err := newFrame(s.options.Format, data, buffer.PresentationTimestamp(), s.frameNumber.Load())
	buffer.Unmap()
	if err != nil {
		// Only log the first few, because a broken source will produce this on every frame
		if s.badFrames.Add(1) <= 3 {
			s.log.Warnf("Skipping frame: %v", err)
		}
		return gst.FlowOK
	}
	s.frameNumber.Add(1)
	return s.deliver(frame)
}

// Hand a frame to the consumer. Live sources drop the frame if the consumer is busy,
// and everything else waits until the consumer is ready, or the source is closed.
func (s *Source) deliver(frame *videoframe.Buffer) gst.FlowReturn {
	if s.options.DropWhenBusy {
		select {
		case s.frames <- frame:
		default:
			s.dropped.Add(1)
		}
		return gst.FlowOK
	}

	select {
	case s.frames <- frame:
		return gst.FlowOK
	case <-s.ctx.Done():
		return gst.FlowFlushing
	}
}

// newFrame copies the contents of a mapped GStreamer buffer into a Buffer that we own.
// GStreamer reuses its buffers, so we can't hold onto 'data'.
func newFrame(format videoframe.VideoFormat, data []byte, pts time.Duration, frameNumber uint64) (*videoframe.Buffer, error) {
	if len(data) < format.FrameBytes() {
		return nil, fmt.Errorf("%w: sample is %v bytes, expected %v", videoframe.ErrSizeMismatch, len(data), format.FrameBytes())
	}
	// GStreamer pads RGB rows to a multiple of 4 bytes
	stride := format.RowBytes()
	if len(data) >= gstStride(format.RowBytes())*format.Height {
		stride = gstStride(format.RowBytes())
	}
	buf := videoframe.NewBuffer(format)
	buf.Stride = stride
	buf.Pixels = make([]byte, stride*format.Height)
	copy(buf.Pixels, data)
	buf.PTS = pts
	buf.DTS = pts
	buf.Offset = frameNumber
	return buf, nil
}

func gstStride(rowBytes int) int {
	return (rowBytes + 3) &^ 3
}

// Run starts the pipeline, and blocks until the stream ends, fails, or ctx is cancelled.
// If the stream ends normally, Run returns ErrEndOfStream.
func (s *Source) Run(ctx context.Context) error {
	// Unblock the appsink callback before stopping the pipeline, and only close the channel
	// once the streaming threads are gone.
	defer func() {
		s.cancel()
		s.pipeline.SetState(gst.StateNull)
		close(s.frames)
	}()

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("Failed to start pipeline: %w", err)
	}
	s.log.Infof("Decoding %v", s.options.URI)

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.log.Infof("End of stream after %v frames (%v dropped)", s.frameNumber.Load(), s.dropped.Load())
			return ErrEndOfStream
		case gst.MessageError:
			gerr := msg.ParseError()
			s.log.Errorf("Pipeline error: %v (%v)", gerr.Error(), gerr.DebugString())
			return fmt.Errorf("GStreamer error: %v", gerr.Error())
		}
	}
}

// Close stops decoding. Any blocked frame delivery is abandoned.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}
