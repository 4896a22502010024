// Package fake implements a synthetic depth + color camera that renders a small scene.
package fake

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"

	"github.com/viam-labs/pillarview/components/camera"
	"github.com/viam-labs/pillarview/logging"
	"github.com/viam-labs/pillarview/rimage/transform"
)

// DefaultDepthScale mirrors the millimeter units of common structured light sensors.
const DefaultDepthScale = 0.001

// Config configures a fake camera.
type Config struct {
	DepthScale float64 `json:"depth_scale"`
	// WarmupDrops is the number of leading framesets delivered without a color frame.
	WarmupDrops int `json:"warmup_drops"`
	// Realtime paces frames at the configured frame rate.
	Realtime bool `json:"realtime"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.DepthScale < 0 {
		return utils.NewConfigValidationError(path, errors.New("depth_scale cannot be negative"))
	}
	if cfg.WarmupDrops < 0 {
		return utils.NewConfigValidationError(path, errors.New("warmup_drops cannot be negative"))
	}
	return nil
}

var (
	depthResolutions = [][2]int{{1280, 720}, {848, 480}, {640, 480}, {640, 360}, {480, 270}, {424, 240}}
	depthRates       = []int{90, 60, 30, 15, 6}
	colorResolutions = [][2]int{{1920, 1080}, {1280, 720}, {960, 540}, {640, 480}, {424, 240}, {320, 240}, {320, 180}}
	colorFormats     = []camera.Format{
		camera.FormatYUYV, camera.FormatBGRA8, camera.FormatRGBA8,
		camera.FormatRGB8, camera.FormatBGR8, camera.FormatY16,
	}
	colorRates = []int{60, 30, 15, 6}
)

// Catalog returns the color and depth profiles the fake device enumerates, in the order a
// D400 series device reports them.
func Catalog() (color, depth []camera.StreamProfile) {
	for _, res := range depthResolutions {
		for _, fps := range depthRates {
			depth = append(depth, camera.StreamProfile{Width: res[0], Height: res[1], FPS: fps, Format: camera.FormatZ16})
		}
	}
	for _, res := range colorResolutions {
		for _, f := range colorFormats {
			for _, fps := range colorRates {
				color = append(color, camera.StreamProfile{Width: res[0], Height: res[1], FPS: fps, Format: f})
			}
		}
	}
	return color, depth
}

// DepthToColor is the fixed baseline between the two fake sensors.
func DepthToColor() transform.Extrinsics {
	e := transform.IdentityExtrinsics()
	e.Translation = [3]float64{0.015, 0, 0}
	return e
}

// DepthIntrinsics returns the depth sensor intrinsics for a given resolution.
func DepthIntrinsics(width, height int) transform.PinholeCameraIntrinsics {
	return intrinsicsFor(width, height, 0.527)
}

// ColorIntrinsics returns the color sensor intrinsics for a given resolution.
func ColorIntrinsics(width, height int) transform.PinholeCameraIntrinsics {
	return intrinsicsFor(width, height, 0.7275)
}

func intrinsicsFor(width, height int, focal float64) transform.PinholeCameraIntrinsics {
	f := focal * float64(width)
	return transform.PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     f,
		Fy:     f,
		Ppx:    float64(width)/2 - 0.5,
		Ppy:    float64(height)/2 - 0.5,
	}
}

// Device is a synthetic camera.Device.
type Device struct {
	cfg    Config
	clock  clock.Clock
	logger logging.Logger

	mu         sync.Mutex
	started    bool
	stream     camera.StreamConfig
	preset     camera.Preset
	frame      uint64
	pacer      *camera.Pacer
	depthK     transform.PinholeCameraIntrinsics
	colorK     transform.PinholeCameraIntrinsics
	extrinsics transform.Extrinsics
}

// NewDevice returns a stopped fake device.
func NewDevice(cfg Config, clk clock.Clock, logger logging.Logger) *Device {
	if cfg.DepthScale == 0 {
		cfg.DepthScale = DefaultDepthScale
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Device{cfg: cfg, clock: clk, logger: logger, extrinsics: DepthToColor()}
}

// Profiles returns Catalog.
func (d *Device) Profiles(ctx context.Context) ([]camera.StreamProfile, []camera.StreamProfile, error) {
	color, depth := Catalog()
	return color, depth, nil
}

// Start begins rendering frames for the given configuration.
func (d *Device) Start(ctx context.Context, cfg camera.StreamConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("fake device already started")
	}
	color, depth := Catalog()
	if !lo.Contains(depth, cfg.Depth) {
		return errors.Errorf("depth profile %v not supported", cfg.Depth)
	}
	if !lo.Contains(color, cfg.Color) {
		return errors.Errorf("color profile %v not supported", cfg.Color)
	}
	if cfg.Depth.FPS != cfg.Color.FPS {
		return camera.ErrFPSMismatch
	}
	switch cfg.Color.Format {
	case camera.FormatRGB8, camera.FormatBGR8, camera.FormatRGBA8, camera.FormatBGRA8:
	case camera.FormatZ16, camera.FormatY16, camera.FormatYUYV:
		return errors.Errorf("fake device cannot render color format %s", cfg.Color.Format)
	default:
		return errors.Errorf("unknown color format %q", cfg.Color.Format)
	}
	d.stream = cfg
	d.depthK = DepthIntrinsics(cfg.Depth.Width, cfg.Depth.Height)
	d.colorK = ColorIntrinsics(cfg.Color.Width, cfg.Color.Height)
	d.frame = 0
	d.pacer = nil
	if d.cfg.Realtime {
		d.pacer = camera.NewPacer(d.clock, cfg.Depth.FPS)
	}
	d.started = true
	d.logger.Debugw("fake device started", "depth", cfg.Depth.String(), "color", cfg.Color.String())
	return nil
}

// SetPreset records the preset. The synthetic scene does not change with it.
func (d *Device) SetPreset(p camera.Preset) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return camera.ErrNotStarted
	}
	d.preset = p
	return nil
}

// Preset returns the last applied preset.
func (d *Device) Preset() camera.Preset {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.preset
}

// DepthScale returns meters per raw depth unit.
func (d *Device) DepthScale() float64 {
	return d.cfg.DepthScale
}

// WaitForFrames renders the next frameset.
func (d *Device) WaitForFrames(ctx context.Context) (*camera.Frameset, error) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil, camera.ErrNotStarted
	}
	pacer := d.pacer
	d.frame++
	n := d.frame
	depthK, colorK, ext := d.depthK, d.colorK, d.extrinsics
	d.mu.Unlock()

	if pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			return nil, err
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	sc := sceneAt(n)
	fs := &camera.Frameset{
		Number:       n,
		Timestamp:    d.clock.Now(),
		DepthToColor: ext,
		Depth: &camera.DepthFrame{
			Depth:      sc.renderDepth(&depthK, d.cfg.DepthScale),
			Intrinsics: depthK,
		},
	}
	if n > uint64(d.cfg.WarmupDrops) {
		origin := r3.Vector{X: -ext.Translation[0], Y: -ext.Translation[1], Z: -ext.Translation[2]}
		fs.Color = &camera.ColorFrame{
			Image:      sc.renderColor(&colorK, origin),
			Intrinsics: colorK,
		}
	}
	return fs, nil
}

// Stop ends acquisition.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return camera.ErrNotStarted
	}
	d.started = false
	d.logger.Debugw("fake device stopped", "frames", d.frame)
	return nil
}
