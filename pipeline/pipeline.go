// Package pipeline drives the capture, align, convert, detect and display cycle.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/viam-labs/pillarview/components/camera"
	"github.com/viam-labs/pillarview/logging"
	"github.com/viam-labs/pillarview/pointcloud"
	"github.com/viam-labs/pillarview/rimage/transform"
	"github.com/viam-labs/pillarview/viewer"
	"github.com/viam-labs/pillarview/vision/pointpillars"
)

// State is the loop state.
type State int

// Loop states.
const (
	Running State = iota
	Stopped
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Detector consumes the point cloud of every frame.
type Detector interface {
	Detect(ctx context.Context, cloud *pointcloud.PointCloud) (*pointpillars.Result, error)
}

// Config tunes a Loop.
type Config struct {
	// ClipDistance drops depth at or beyond this many meters.
	ClipDistance float64
	// Width and Height override the color intrinsics image size.
	Width, Height int
	// Render sends every cloud to the viewer.
	Render bool
	// Flip rotates the rendered cloud 180 degrees about x so it shows right side up.
	Flip bool
	// MaxFrames stops the loop after this many processed frames; zero runs until interrupted.
	MaxFrames int
}

// Option customizes a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock used for frame timing.
func WithClock(clk clock.Clock) Option {
	return func(l *Loop) { l.clock = clk }
}

// WithOutput sets where the in-place FPS line is printed.
func WithOutput(w io.Writer) Option {
	return func(l *Loop) { l.out = w }
}

// Summary describes a finished run.
type Summary struct {
	Frames     int
	Skipped    int
	Detections int
	MeanFPS    float64
	MedianFPS  float64
}

// Loop owns a started camera session and a viewer for the lifetime of a run.
type Loop struct {
	session  *camera.Session
	detector Detector
	viewer   viewer.Viewer
	cfg      Config
	logger   logging.Logger
	clock    clock.Clock
	out      io.Writer

	aligner camera.Aligner
	builder transform.PointCloudBuilder
	display *pointcloud.PointCloud
	state   State
	started time.Time
	fps     stats.Float64Data
	summary Summary
}

// New returns a loop over session. The loop takes ownership of session and v and releases
// both when Run returns.
func New(session *camera.Session, detector Detector, v viewer.Viewer, cfg Config, logger logging.Logger, opts ...Option) *Loop {
	l := &Loop{
		session:  session,
		detector: detector,
		viewer:   v,
		cfg:      cfg,
		logger:   logger,
		clock:    clock.New(),
		out:      io.Discard,
		display:  pointcloud.New(cfg.Width * cfg.Height),
		builder: transform.PointCloudBuilder{
			Width:        cfg.Width,
			Height:       cfg.Height,
			DepthScale:   session.DepthScale(),
			ClipDistance: cfg.ClipDistance,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current loop state.
func (l *Loop) State() State {
	return l.state
}

// Summary returns the statistics of the last run.
func (l *Loop) Summary() Summary {
	return l.summary
}

// Run processes frames until ctx is cancelled, the viewer closes, MaxFrames is reached or a
// step fails. Cancellation is a clean stop and returns nil. The session and viewer are
// released exactly once on every path.
func (l *Loop) Run(ctx context.Context) (err error) {
	l.state = Running
	l.started = l.clock.Now()
	defer func() {
		l.state = Stopped
		cleanupCtx := context.WithoutCancel(ctx)
		err = multierr.Combine(err, l.session.Close(cleanupCtx), l.viewer.Destroy())
		if l.summary.Frames > 0 {
			fmt.Fprintln(l.out)
		}
		l.finish()
	}()

	for l.cfg.MaxFrames == 0 || l.summary.Frames < l.cfg.MaxFrames {
		if ctx.Err() != nil {
			return nil
		}
		open, err := l.step(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if !open {
			l.logger.Info("viewer closed")
			return nil
		}
	}
	return nil
}

// step runs one iteration and reports whether the viewer is still open.
func (l *Loop) step(ctx context.Context) (bool, error) {
	start := l.clock.Now()

	fs, err := l.session.Next(ctx)
	if err != nil {
		return false, err
	}
	aligned, col, colorK, err := l.aligner.Process(fs, l.session.DepthScale())
	if errors.Is(err, camera.ErrFrameUnavailable) {
		l.summary.Skipped++
		if fs != nil {
			l.logger.Debugw("skipping frame", "frame", fs.Number)
		} else {
			l.logger.Debug("skipping empty frameset")
		}
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "aligning frames")
	}

	_, cloud, err := l.builder.Build(col, aligned, colorK)
	if err != nil {
		return false, errors.Wrap(err, "building point cloud")
	}

	if l.detector != nil {
		res, err := l.detector.Detect(ctx, cloud)
		if err != nil {
			return false, errors.Wrap(err, "detecting")
		}
		if res != nil && len(res.Boxes) > 0 {
			l.summary.Detections += len(res.Boxes)
			l.logger.Debugw("detections", "frame", fs.Number, "boxes", res.Boxes)
		}
	}

	if l.cfg.Render {
		if err := l.render(cloud); err != nil {
			return false, err
		}
	}
	open := l.viewer.PollEvents()

	if elapsed := l.clock.Since(start); elapsed > 0 {
		fps := 1 / elapsed.Seconds()
		l.fps = append(l.fps, fps)
		fmt.Fprintf(l.out, "\rFPS: %.2f", fps)
	}
	l.summary.Frames++
	return open, nil
}

func (l *Loop) render(cloud *pointcloud.PointCloud) error {
	l.display.CopyFrom(cloud)
	if l.cfg.Flip {
		if err := l.display.Transform(pointcloud.FlipTransform()); err != nil {
			return err
		}
	}
	if l.summary.Frames == 0 {
		return errors.Wrap(l.viewer.Add(l.display), "adding cloud to viewer")
	}
	return errors.Wrap(l.viewer.Update(l.display), "updating viewer")
}

func (l *Loop) finish() {
	if len(l.fps) > 0 {
		l.summary.MeanFPS, _ = stats.Mean(l.fps)
		l.summary.MedianFPS, _ = stats.Median(l.fps)
	}
	l.logger.Infow("stream stopped",
		"frames", l.summary.Frames,
		"skipped", l.summary.Skipped,
		"detections", l.summary.Detections,
		"mean_fps", l.summary.MeanFPS,
		"median_fps", l.summary.MedianFPS,
		"elapsed", l.clock.Since(l.started).String(),
	)
}
