package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/semseg/pkg/gstsource"
	"github.com/cyclopcam/semseg/pkg/nn"
	"github.com/cyclopcam/semseg/pkg/nnaccel"
	"github.com/cyclopcam/semseg/pkg/nnload"
	"github.com/cyclopcam/semseg/pkg/perfstats"
	"github.com/cyclopcam/semseg/pkg/semseg"
	"github.com/cyclopcam/semseg/pkg/videoframe"
	"golang.org/x/sync/errgroup"
)

func main() {
	parser := argparse.NewParser("semseg", "Colorize a video stream with a semantic segmentation model")
	uri := parser.String("u", "uri", &argparse.Options{Help: "GStreamer URI of video to segment (eg file:///home/me/drive.mp4 or rtsp://...)", Default: ""})
	images := parser.String("i", "images", &argparse.Options{Help: "Directory of JPEG images to segment, instead of a video", Default: ""})
	modelFile := parser.String("m", "model", &argparse.Options{Help: "Path to ONNX model file", Default: "models/semseg/semseg.onnx"})
	deviceName := parser.String("d", "device", &argparse.Options{Help: "Device to run the model on (cpu, cuda, cuda:N)", Default: "cpu"})
	singleThread := parser.Flag("", "single", &argparse.Options{Help: "Restrict the model runtime to a single thread", Default: false})
	workers := parser.Int("w", "workers", &argparse.Options{Help: "Number of frames in flight", Default: 2})
	outDir := parser.String("o", "out", &argparse.Options{Help: "Write colorized frames to this directory as JPEG", Default: ""})
	ortLib := parser.String("", "ortlib", &argparse.Options{Help: "Path to libonnxruntime.so", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if (*uri == "") == (*images == "") {
		fmt.Print(parser.Usage("Specify exactly one of --uri or --images"))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	device, err := nnaccel.ParseDevice(*deviceName)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	loadOptions := nnload.NewOptions()
	loadOptions.Device = device
	loadOptions.RuntimeLib = *ortLib
	if *singleThread {
		loadOptions.ThreadingMode = nn.ThreadingModeSingle
	}

	modelDir := filepath.Dir(*modelFile)
	modelName := strings.TrimSuffix(filepath.Base(*modelFile), filepath.Ext(*modelFile))
	engine := semseg.NewEngine(logger, func() (nn.Segmenter, error) {
		return nnload.LoadModel(logger, modelDir, modelName, loadOptions)
	})

	stage, err := semseg.NewStage(logger, engine, semseg.NewStageOptions())
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	defer stage.Close()

	// Load the model up front, so that a bad model is reported before we start decoding
	if err := stage.Start(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			logger.Errorf("Failed to create output directory: %v", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	r := &runner{
		log:     logger,
		stage:   stage,
		outDir:  *outDir,
		workers: max(*workers, 1),
	}
	start := time.Now()
	if *uri != "" {
		err = r.runVideo(ctx, *uri)
	} else {
		err = r.runImages(ctx, *images)
	}
	r.printSummary(time.Since(start))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

type runner struct {
	log     logs.Log
	stage   *semseg.Stage
	outDir  string
	workers int
	dropped uint64                    // Frames dropped by a live source because we were too slow
	frame   perfstats.TimeAccumulator // Wall time of Stage.Process
	write   perfstats.TimeAccumulator // Wall time of writing output JPEGs
}

func (r *runner) runVideo(ctx context.Context, uri string) error {
	options := gstsource.NewOptions(uri)
	options.Format = r.stage.Format()
	options.DropWhenBusy = strings.HasPrefix(uri, "rtsp://")
	src, err := gstsource.Open(r.log, options)
	if err != nil {
		return err
	}
	defer src.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := src.Run(ctx)
		if errors.Is(err, gstsource.ErrEndOfStream) {
			return nil
		}
		return err
	})
	r.startWorkers(ctx, g, src.Frames(), func(buf *videoframe.Buffer) string {
		return fmt.Sprintf("frame-%08d.jpg", buf.Offset)
	})
	err = g.Wait()
	r.dropped = src.Dropped()
	return err
}

func (r *runner) runImages(ctx context.Context, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.jpg"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	if len(files) == 0 {
		return fmt.Errorf("No .jpg files found in %v", dir)
	}

	g, ctx := errgroup.WithContext(ctx)
	frames := make(chan *videoframe.Buffer, r.workers)
	g.Go(func() error {
		defer close(frames)
		for i, fn := range files {
			img, err := cimg.ReadFile(fn)
			if err != nil {
				return fmt.Errorf("Failed to read %v: %w", fn, err)
			}
			buf, err := videoframe.BufferFromCImage(img, r.stage.Format())
			if err != nil {
				return err
			}
			buf.Offset = uint64(i)
			select {
			case frames <- buf:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	r.startWorkers(ctx, g, frames, func(buf *videoframe.Buffer) string {
		return strings.TrimSuffix(filepath.Base(files[buf.Offset]), ".jpg") + "-seg.jpg"
	})
	return g.Wait()
}

// Consume frames from 'frames' until it is closed. Frames that fail are logged and skipped,
// because a single bad frame is not a reason to stop the stream.
func (r *runner) startWorkers(ctx context.Context, g *errgroup.Group, frames <-chan *videoframe.Buffer, outName func(buf *videoframe.Buffer) string) {
	// TimeAccumulator is not thread safe, so workers report their timings here
	type timing struct {
		process time.Duration
		write   time.Duration
	}
	timings := make(chan timing, r.workers)
	done := make(chan struct{})
	go func() {
		for t := range timings {
			r.frame.AddSample(t.process)
			if t.write != 0 {
				r.write.AddSample(t.write)
			}
		}
		close(done)
	}()

	workers, wctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		workers.Go(func() error {
			out := make([]*videoframe.Buffer, 1)
			for {
				var buf *videoframe.Buffer
				var ok bool
				select {
				case buf, ok = <-frames:
				case <-wctx.Done():
					return wctx.Err()
				}
				if !ok {
					return nil
				}
				start := time.Now()
				if err := r.stage.Process([]*videoframe.Buffer{buf}, out); err != nil {
					if errors.Is(err, semseg.ErrNotReady) {
						return err
					}
					continue
				}
				t := timing{process: time.Since(start)}
				if r.outDir != "" {
					start = time.Now()
					if err := r.writeFrame(out[0], filepath.Join(r.outDir, outName(buf))); err != nil {
						return err
					}
					t.write = time.Since(start)
				}
				timings <- t
			}
		})
	}
	g.Go(func() error {
		err := workers.Wait()
		close(timings)
		<-done
		return err
	})
}

func (r *runner) writeFrame(buf *videoframe.Buffer, filename string) error {
	view, err := videoframe.FromReadableBuffer(buf, r.stage.Format())
	if err != nil {
		return err
	}
	return view.ToCImage().WriteJPEG(filename, cimg.MakeCompressParams(cimg.Sampling444, 90, 0), 0644)
}

func (r *runner) printSummary(elapsed time.Duration) {
	stats := r.stage.Stats()
	r.log.Infof("Processed %v frames (%v failed, %v dropped by source) in %.1f seconds", stats.FramesProcessed, stats.FramesFailed, r.dropped, elapsed.Seconds())
	r.log.Infof("Per frame: %v total, %v prepare, %v inference, %v colorize, %v write",
		r.frame.Average(), stats.AvgPrepare, stats.AvgInference, stats.AvgColorize, r.write.Average())
}
