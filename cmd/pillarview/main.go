// Package main streams depth camera point clouds through the PointPillars input pipeline.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/viam-labs/pillarview/components/camera"
	"github.com/viam-labs/pillarview/components/camera/fake"
	"github.com/viam-labs/pillarview/components/camera/replay"
	"github.com/viam-labs/pillarview/config"
	"github.com/viam-labs/pillarview/logging"
	"github.com/viam-labs/pillarview/pipeline"
	"github.com/viam-labs/pillarview/viewer"
	"github.com/viam-labs/pillarview/vision/pointpillars"
)

const (
	flagConfig          = "config"
	flagDevice          = "device"
	flagReplayDir       = "replay-dir"
	flagEnableInference = "enable-inference"
	flagEnableRender    = "enable-render"
	flagRenderOut       = "render-out"
	flagMaxFrames       = "max-frames"
	flagDebug           = "debug"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp(os.Stdout).RunContext(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "pillarview",
		Usage:     "stream a depth camera as point clouds through PointPillars",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagDevice,
				Usage: "capture device, fake or replay",
			},
			&cli.StringFlag{
				Name:  flagReplayDir,
				Usage: "recording to replay from `DIR`",
			},
			&cli.BoolFlag{
				Name:  flagEnableInference,
				Usage: "run the detector network on every frame",
			},
			&cli.BoolFlag{
				Name:  flagEnableRender,
				Usage: "write every cloud to the render output",
			},
			&cli.StringFlag{
				Name:  flagRenderOut,
				Usage: "pcd `FILE` rendered clouds are written to",
			},
			&cli.IntFlag{
				Name:  flagMaxFrames,
				Usage: "stop after this many frames, 0 streams until interrupted",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Action: func(c *cli.Context) error {
			logger := logging.NewLogger("pillarview")
			if c.Bool(flagDebug) {
				logger = logging.NewDebugLogger("pillarview")
			}
			cfg, err := loadConfig(c, logger)
			if err != nil {
				return err
			}
			return run(c.Context, cfg, c.App.Writer, logger)
		},
	}
}

// loadConfig reads the config file, if any, and applies the command line overrides.
func loadConfig(c *cli.Context, logger logging.Logger) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = config.Read(c.Context, path, logger); err != nil {
			return nil, errors.Wrapf(err, "reading config %q", path)
		}
	}
	if c.IsSet(flagDevice) {
		cfg.SetCameraKind(c.String(flagDevice))
	}
	if c.IsSet(flagReplayDir) {
		cfg.SetCameraKind(config.CameraReplay)
		cfg.Camera.Replay.Dir = c.String(flagReplayDir)
	}
	if c.IsSet(flagEnableInference) {
		cfg.Detector.EnableInference = c.Bool(flagEnableInference)
	}
	if c.IsSet(flagEnableRender) {
		cfg.Render.Enable = c.Bool(flagEnableRender)
	}
	if c.IsSet(flagRenderOut) {
		cfg.Render.Out = c.String(flagRenderOut)
	}
	if c.IsSet(flagMaxFrames) {
		cfg.MaxFrames = c.Int(flagMaxFrames)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDevice(cfg *config.Config, logger logging.Logger) (camera.Device, error) {
	clk := clock.New()
	switch cfg.Camera.Kind {
	case config.CameraFake:
		return fake.NewDevice(cfg.Camera.Fake, clk, logger), nil
	case config.CameraReplay:
		return replay.NewDevice(cfg.Camera.Replay, clk, logger)
	default:
		return nil, errors.Errorf("unknown camera kind %q", cfg.Camera.Kind)
	}
}

func run(ctx context.Context, cfg *config.Config, out io.Writer, logger logging.Logger) error {
	detector, err := pointpillars.NewDetector(ctx, cfg.Detector, logger.Sublogger("detector"))
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(detector.Close)
	logger.Infow("using checkpoint",
		"path", detector.Checkpoint(),
		"model", detector.Model().Name,
		"classes", detector.Model().Classes)

	dev, err := newDevice(cfg, logger.Sublogger("camera"))
	if err != nil {
		return err
	}
	session, err := camera.Open(ctx, dev, cfg.Camera.Session, logger.Sublogger("camera"))
	if err != nil {
		return err
	}

	color, depth := session.Profiles()
	camera.PrintProfiles(out, color, depth)
	stream := session.Stream()
	fmt.Fprintf(out, "Streaming color %v, depth %v\n", stream.Color, stream.Depth)
	scale := session.DepthScale()
	fmt.Fprintf(out, "Depth scale is: %v\n", scale)
	fmt.Fprintf(out, "Clipping distance: %v m (%v depth units)\n", cfg.ClipDistance, cfg.ClipDistance/scale)

	var v viewer.Viewer = &viewer.Nop{}
	if cfg.Render.Enable {
		format, err := cfg.Render.PCDType()
		if err != nil {
			return multierr.Combine(err, session.Close(ctx))
		}
		if v, err = viewer.NewPCDViewer(cfg.Render.Out, format, logger.Sublogger("viewer")); err != nil {
			return multierr.Combine(err, session.Close(ctx))
		}
	}

	loop := pipeline.New(session, detector, v, pipeline.Config{
		ClipDistance: cfg.ClipDistance,
		Width:        cfg.Width,
		Height:       cfg.Height,
		Render:       cfg.Render.Enable,
		Flip:         cfg.Render.Flip,
		MaxFrames:    cfg.MaxFrames,
	}, logger.Sublogger("pipeline"), pipeline.WithOutput(out))
	return loop.Run(ctx)
}
