// Package replay implements a camera that plays back recorded depth and color frames from
// a directory.
//
// The directory holds an intrinsics.json describing both sensors and frame pairs named
// NNNNNN_depth.png (16-bit gray, raw sensor units) and NNNNNN_color.png or NNNNNN_color.jpg.
// A frame without a color file is delivered as a dropped color frame. Playback loops.
package replay

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/viam-labs/pillarview/components/camera"
	"github.com/viam-labs/pillarview/logging"
	"github.com/viam-labs/pillarview/rimage"
	"github.com/viam-labs/pillarview/rimage/transform"
)

// MetadataFile is the name of the sensor description inside a replay directory.
const MetadataFile = "intrinsics.json"

const depthSuffix = "_depth.png"

var colorSuffixes = []string{"_color.png", "_color.jpg", "_color.jpeg"}

// Metadata describes the recorded camera system.
type Metadata struct {
	DepthScale   float64                           `json:"depth_scale"`
	FPS          int                               `json:"fps"`
	Depth        transform.PinholeCameraIntrinsics `json:"depth"`
	Color        transform.PinholeCameraIntrinsics `json:"color"`
	DepthToColor *transform.Extrinsics             `json:"depth_to_color,omitempty"`
}

// Config configures a replay camera.
type Config struct {
	Dir string `json:"dir"`
	// Realtime paces playback at the recorded frame rate.
	Realtime bool `json:"realtime"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Dir == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "dir")
	}
	return nil
}

// ReadMetadata loads and checks the sensor description in dir.
func ReadMetadata(dir string) (*Metadata, error) {
	//nolint:gosec
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, errors.Wrap(err, "reading replay metadata")
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", MetadataFile)
	}
	if md.DepthScale <= 0 {
		return nil, errors.Errorf("%s: depth_scale must be positive", MetadataFile)
	}
	if md.FPS <= 0 {
		return nil, errors.Errorf("%s: fps must be positive", MetadataFile)
	}
	if err := md.Depth.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "depth intrinsics")
	}
	if err := md.Color.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "color intrinsics")
	}
	if md.DepthToColor == nil {
		ident := transform.IdentityExtrinsics()
		md.DepthToColor = &ident
	}
	if err := md.DepthToColor.CheckValid(); err != nil {
		return nil, err
	}
	return &md, nil
}

type frameFiles struct {
	depth string
	color string
}

func listFrames(dir string) ([]frameFiles, error) {
	depths, err := filepath.Glob(filepath.Join(dir, "*"+depthSuffix))
	if err != nil {
		return nil, err
	}
	if len(depths) == 0 {
		return nil, errors.Errorf("no %s frames in %q", depthSuffix, dir)
	}
	sort.Strings(depths)
	frames := make([]frameFiles, 0, len(depths))
	for _, d := range depths {
		f := frameFiles{depth: d}
		prefix := strings.TrimSuffix(d, depthSuffix)
		for _, suffix := range colorSuffixes {
			if _, err := os.Stat(prefix + suffix); err == nil {
				f.color = prefix + suffix
				break
			}
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Device is a camera.Device backed by a recording.
type Device struct {
	cfg    Config
	md     *Metadata
	frames []frameFiles
	clock  clock.Clock
	logger logging.Logger

	mu      sync.Mutex
	started bool
	next    int
	count   uint64
	pacer   *camera.Pacer
}

// NewDevice reads the recording in cfg.Dir.
func NewDevice(cfg Config, clk clock.Clock, logger logging.Logger) (*Device, error) {
	if err := cfg.Validate("replay"); err != nil {
		return nil, err
	}
	md, err := ReadMetadata(cfg.Dir)
	if err != nil {
		return nil, err
	}
	frames, err := listFrames(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	logger.Infow("opened recording", "dir", cfg.Dir, "frames", len(frames))
	return &Device{cfg: cfg, md: md, frames: frames, clock: clk, logger: logger}, nil
}

// Len returns the number of recorded frames.
func (d *Device) Len() int {
	return len(d.frames)
}

// Profiles reports the single recorded profile of each stream.
func (d *Device) Profiles(ctx context.Context) ([]camera.StreamProfile, []camera.StreamProfile, error) {
	color := camera.StreamProfile{Width: d.md.Color.Width, Height: d.md.Color.Height, FPS: d.md.FPS, Format: camera.FormatRGB8}
	depth := camera.StreamProfile{Width: d.md.Depth.Width, Height: d.md.Depth.Height, FPS: d.md.FPS, Format: camera.FormatZ16}
	return []camera.StreamProfile{color}, []camera.StreamProfile{depth}, nil
}

// Start begins playback from the first frame.
func (d *Device) Start(ctx context.Context, cfg camera.StreamConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("replay device already started")
	}
	color, depth, err := d.Profiles(ctx)
	if err != nil {
		return err
	}
	if cfg.Color != color[0] || cfg.Depth != depth[0] {
		return errors.Errorf("recording only offers color %v and depth %v", color[0], depth[0])
	}
	d.next, d.count = 0, 0
	d.pacer = nil
	if d.cfg.Realtime {
		d.pacer = camera.NewPacer(d.clock, d.md.FPS)
	}
	d.started = true
	return nil
}

// SetPreset is accepted and ignored; a recording has no tunable sensor.
func (d *Device) SetPreset(p camera.Preset) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return camera.ErrNotStarted
	}
	d.logger.Debugw("ignoring visual preset for replay", "preset", p.String())
	return nil
}

// DepthScale returns the recorded meters per raw depth unit.
func (d *Device) DepthScale() float64 {
	return d.md.DepthScale
}

// WaitForFrames loads the next recorded frameset, wrapping around at the end.
func (d *Device) WaitForFrames(ctx context.Context) (*camera.Frameset, error) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil, camera.ErrNotStarted
	}
	files := d.frames[d.next]
	d.next = (d.next + 1) % len(d.frames)
	d.count++
	n := d.count
	pacer := d.pacer
	d.mu.Unlock()

	if pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			return nil, err
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	dm, err := readDepth(files.depth)
	if err != nil {
		return nil, err
	}
	fs := &camera.Frameset{
		Number:       n,
		Timestamp:    d.clock.Now(),
		DepthToColor: *d.md.DepthToColor,
		Depth:        &camera.DepthFrame{Depth: dm, Intrinsics: d.md.Depth},
	}
	if files.color == "" {
		d.logger.Debugw("recorded frame has no color", "depth", files.depth)
		return fs, nil
	}
	img, err := d.readColor(files.color)
	if err != nil {
		return nil, err
	}
	fs.Color = &camera.ColorFrame{Image: img, Intrinsics: d.md.Color}
	return fs, nil
}

// Stop ends playback.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return camera.ErrNotStarted
	}
	d.started = false
	return nil
}

func readDepth(path string) (*rimage.DepthMap, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	dm, err := rimage.ReadDepthPNG(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return dm, nil
}

// readColor decodes a color frame, resizing it to the recorded intrinsics when a frame was
// saved at a different size.
func (d *Device) readColor(path string) (*image.NRGBA, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening color frame")
	}
	b := img.Bounds()
	if b.Dx() != d.md.Color.Width || b.Dy() != d.md.Color.Height {
		d.logger.Debugw("resizing color frame", "path", path, "from", b.Size().String())
		return imaging.Resize(img, d.md.Color.Width, d.md.Color.Height, imaging.Linear), nil
	}
	return imaging.Clone(img), nil
}
