// Package camera defines a synchronized depth + color capture device and the
// session that owns it for the lifetime of a streaming run.
package camera

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-labs/pillarview/rimage"
	"github.com/viam-labs/pillarview/rimage/transform"
)

// Format is a sensor pixel format.
type Format string

// The pixel formats a depth camera enumerates.
const (
	FormatZ16   = Format("z16")
	FormatRGB8  = Format("rgb8")
	FormatBGR8  = Format("bgr8")
	FormatRGBA8 = Format("rgba8")
	FormatBGRA8 = Format("bgra8")
	FormatY16   = Format("y16")
	FormatYUYV  = Format("yuyv")
)

// StreamProfile identifies one candidate sensor configuration.
type StreamProfile struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
	Format Format `json:"format"`
}

func (p StreamProfile) String() string {
	return fmt.Sprintf("%dx%d@%d %s", p.Width, p.Height, p.FPS, p.Format)
}

// StreamConfig is the pair of profiles a device is started with.
type StreamConfig struct {
	Depth StreamProfile
	Color StreamProfile
}

// Preset is a named bundle of depth sensor tuning parameters.
type Preset int

// Known presets, numbered as the sensor numbers them.
const (
	PresetCustom Preset = iota
	PresetDefault
	PresetHand
	PresetHighAccuracy
	PresetHighDensity
	PresetMediumDensity
)

var presetNames = []string{"Custom", "Default", "Hand", "HighAccuracy", "HighDensity", "MediumDensity"}

func (p Preset) String() string {
	if p < 0 || int(p) >= len(presetNames) {
		return fmt.Sprintf("Preset(%d)", int(p))
	}
	return presetNames[p]
}

// ParsePreset looks a preset up by name, ignoring case.
func ParsePreset(name string) (Preset, error) {
	for i, n := range presetNames {
		if strings.EqualFold(n, name) {
			return Preset(i), nil
		}
	}
	return 0, errors.Errorf("unknown visual preset %q, expected one of %v", name, presetNames)
}

// DepthFrame is one raw depth frame and the intrinsics of the sensor that produced it.
type DepthFrame struct {
	Depth      *rimage.DepthMap
	Intrinsics transform.PinholeCameraIntrinsics
}

// ColorFrame is one color frame and the intrinsics of the sensor that produced it.
type ColorFrame struct {
	Image      *image.NRGBA
	Intrinsics transform.PinholeCameraIntrinsics
}

// Frameset is a time correlated depth and color frame pair. Either frame may be nil
// while the sensor warms up or when it drops a frame.
type Frameset struct {
	Number       uint64
	Timestamp    time.Time
	Depth        *DepthFrame
	Color        *ColorFrame
	DepthToColor transform.Extrinsics
}

// Device is a synchronized depth + color camera.
type Device interface {
	// Profiles enumerates the color and depth stream configurations the device offers.
	Profiles(ctx context.Context) (color, depth []StreamProfile, err error)
	// Start begins acquisition with the given configuration.
	Start(ctx context.Context, cfg StreamConfig) error
	// SetPreset applies a visual preset to the depth sensor. Only valid once started.
	SetPreset(p Preset) error
	// DepthScale returns meters per raw depth unit. Only valid once started.
	DepthScale() float64
	// WaitForFrames blocks until the next frameset is available.
	WaitForFrames(ctx context.Context) (*Frameset, error)
	// Stop ends acquisition and releases the device.
	Stop(ctx context.Context) error
}

// ErrFPSMismatch is returned when the selected depth and color profiles run at different rates.
var ErrFPSMismatch = errors.New("depth and color streams must share frame rate")

// ErrNotStarted is returned by devices asked for data before Start.
var ErrNotStarted = errors.New("device not started")

// SelectProfiles picks one color and one depth profile by index.
func SelectProfiles(color, depth []StreamProfile, colorIdx, depthIdx int) (StreamConfig, error) {
	if colorIdx < 0 || colorIdx >= len(color) {
		return StreamConfig{}, errors.Errorf("color profile index %d out of range [0, %d)", colorIdx, len(color))
	}
	if depthIdx < 0 || depthIdx >= len(depth) {
		return StreamConfig{}, errors.Errorf("depth profile index %d out of range [0, %d)", depthIdx, len(depth))
	}
	cfg := StreamConfig{Depth: depth[depthIdx], Color: color[colorIdx]}
	if cfg.Depth.FPS != cfg.Color.FPS {
		return StreamConfig{}, errors.Wrapf(ErrFPSMismatch, "color %v, depth %v", cfg.Color, cfg.Depth)
	}
	return cfg, nil
}

// ListProfiles enumerates the configurations dev offers.
func ListProfiles(ctx context.Context, dev Device) (color, depth []StreamProfile, err error) {
	color, depth, err = dev.Profiles(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "enumerating stream profiles")
	}
	if len(color) == 0 || len(depth) == 0 {
		return nil, nil, errors.Errorf("device offers %d color and %d depth profiles", len(color), len(depth))
	}
	return color, depth, nil
}
