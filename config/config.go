// Package config defines the configuration of a streaming run and how it is read from disk.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/viam-labs/pillarview/components/camera"
	"github.com/viam-labs/pillarview/components/camera/fake"
	"github.com/viam-labs/pillarview/components/camera/replay"
	"github.com/viam-labs/pillarview/logging"
	"github.com/viam-labs/pillarview/pointcloud"
	"github.com/viam-labs/pillarview/vision/pointpillars"
)

// Camera kinds.
const (
	CameraFake   = "fake"
	CameraReplay = "replay"
)

// Defaults for the point cloud stage.
const (
	DefaultClipDistance = 3.0
	DefaultWidth        = 640
	DefaultHeight       = 480
	DefaultRenderOut    = "./render/latest.pcd"
)

// Camera selects and configures the capture device.
type Camera struct {
	Kind    string               `json:"kind"`
	Fake    fake.Config          `json:"fake"`
	Replay  replay.Config        `json:"replay"`
	Session camera.SessionConfig `json:"session"`

	// profile indices the document picked itself, and the device kind they were picked for.
	colorIndexSet, depthIndexSet bool
	indicesKind                  string
}

// Validate ensures all parts of the config are valid.
func (c *Camera) Validate(path string) error {
	switch c.Kind {
	case CameraFake:
		if err := c.Fake.Validate(path + ".fake"); err != nil {
			return err
		}
	case CameraReplay:
		if err := c.Replay.Validate(path + ".replay"); err != nil {
			return err
		}
	case "":
		return utils.NewConfigValidationFieldRequiredError(path, "kind")
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown camera kind %q", c.Kind))
	}
	return c.Session.Validate(path + ".session")
}

// Render configures where rendered clouds go.
type Render struct {
	Enable bool   `json:"enable"`
	Out    string `json:"out"`
	Flip   bool   `json:"flip"`
	// Format is "ascii" or "binary".
	Format string `json:"format"`
}

// PCDType returns the file format of rendered clouds.
func (r *Render) PCDType() (pointcloud.PCDType, error) {
	switch strings.ToLower(r.Format) {
	case "", "binary":
		return pointcloud.PCDBinary, nil
	case "ascii":
		return pointcloud.PCDAscii, nil
	default:
		return 0, errors.Errorf("unknown pcd format %q", r.Format)
	}
}

// Validate ensures all parts of the config are valid.
func (r *Render) Validate(path string) error {
	if _, err := r.PCDType(); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if r.Enable && r.Out == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "out")
	}
	return nil
}

// Config is the full configuration of a streaming run.
type Config struct {
	ConfigFilePath string `json:"-"`

	Camera       Camera                      `json:"camera"`
	ClipDistance float64                     `json:"clip_distance_meters"`
	Width        int                         `json:"width"`
	Height       int                         `json:"height"`
	Detector     pointpillars.DetectorConfig `json:"detector"`
	Render       Render                      `json:"render"`
	MaxFrames    int                         `json:"max_frames"`
}

// Default returns the configuration the viewer ships with.
func Default() *Config {
	return &Config{
		Camera: Camera{
			Kind:        CameraFake,
			Fake:        fake.Config{DepthScale: fake.DefaultDepthScale},
			Session:     camera.DefaultSessionConfig(),
			indicesKind: CameraFake,
		},
		ClipDistance: DefaultClipDistance,
		Width:        DefaultWidth,
		Height:       DefaultHeight,
		Detector:     pointpillars.DefaultDetectorConfig(),
		Render:       Render{Out: DefaultRenderOut, Format: "binary"},
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if err := c.Camera.Validate("camera"); err != nil {
		return err
	}
	if c.ClipDistance <= 0 {
		return utils.NewConfigValidationError("", errors.New("clip_distance_meters must be positive"))
	}
	if c.Width <= 0 || c.Height <= 0 {
		return utils.NewConfigValidationError("", errors.Errorf("invalid image size %dx%d", c.Width, c.Height))
	}
	if c.MaxFrames < 0 {
		return utils.NewConfigValidationError("", errors.New("max_frames cannot be negative"))
	}
	if err := c.Detector.Validate("detector"); err != nil {
		return err
	}
	return c.Render.Validate("render")
}

// Read reads a config from the given file. Environment variables in the file are expanded.
func Read(ctx context.Context, filePath string, logger logging.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(ctx, filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
// Fields absent from the document keep their defaults.
func FromReader(ctx context.Context, originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	var attributes map[string]interface{}
	if err := json.NewDecoder(r).Decode(&attributes); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal config")
	}

	cfg := Default()
	if err := Decode(attributes, cfg); err != nil {
		return nil, err
	}
	cfg.ConfigFilePath = originalPath

	cam, _ := attributes["camera"].(map[string]interface{})
	explicit, _ := cam["session"].(map[string]interface{})
	_, cfg.Camera.colorIndexSet = explicit["color_profile_index"]
	_, cfg.Camera.depthIndexSet = explicit["depth_profile_index"]
	cfg.Camera.indicesKind = cfg.Camera.Kind
	cfg.Camera.defaultIndices()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debugw("read config", "path", originalPath, "camera", cfg.Camera.Kind)
	return cfg, nil
}

// SetCameraKind switches the capture device. Profile indices follow the device unless the
// config set them for that kind: a recording has one profile per stream, other devices use
// the defaults.
func (c *Config) SetCameraKind(kind string) {
	if kind == c.Camera.Kind {
		return
	}
	c.Camera.Kind = kind
	c.Camera.defaultIndices()
}

func (c *Camera) defaultIndices() {
	color, depth := camera.DefaultColorProfileIndex, camera.DefaultDepthProfileIndex
	if c.Kind == CameraReplay {
		color, depth = 0, 0
	}
	own := c.Kind == c.indicesKind
	if !own || !c.colorIndexSet {
		c.Session.ColorProfileIndex = color
	}
	if !own || !c.depthIndexSet {
		c.Session.DepthProfileIndex = depth
	}
}

// Decode decodes attributes onto result using the json tags of its fields.
func Decode(attributes map[string]interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           result,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return errors.Wrap(decoder.Decode(attributes), "decoding config")
}
