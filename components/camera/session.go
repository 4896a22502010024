package camera

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/viam-labs/pillarview/logging"
)

// Defaults select 640x480@60 on a D400 series catalogue.
const (
	DefaultColorProfileIndex = 84
	DefaultDepthProfileIndex = 11
	DefaultPreset            = "HighAccuracy"
)

// SessionConfig picks the stream profiles and preset a session starts with.
type SessionConfig struct {
	ColorProfileIndex int    `json:"color_profile_index"`
	DepthProfileIndex int    `json:"depth_profile_index"`
	Preset            string `json:"preset"`
}

// DefaultSessionConfig returns the configuration the viewer ships with.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ColorProfileIndex: DefaultColorProfileIndex,
		DepthProfileIndex: DefaultDepthProfileIndex,
		Preset:            DefaultPreset,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *SessionConfig) Validate(path string) error {
	if cfg.ColorProfileIndex < 0 {
		return utils.NewConfigValidationError(path, errors.New("color_profile_index cannot be negative"))
	}
	if cfg.DepthProfileIndex < 0 {
		return utils.NewConfigValidationError(path, errors.New("depth_profile_index cannot be negative"))
	}
	if cfg.Preset == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "preset")
	}
	if _, err := ParsePreset(cfg.Preset); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

// Session owns a started device.
type Session struct {
	dev        Device
	stream     StreamConfig
	preset     Preset
	depthScale float64
	colors     []StreamProfile
	depths     []StreamProfile
	logger     logging.Logger
	stopped    bool
}

// Open enumerates the device profiles, selects the configured ones, starts the device and
// applies the preset. Nothing is retried; a device that was started is stopped again if a
// later step fails.
func Open(ctx context.Context, dev Device, cfg SessionConfig, logger logging.Logger) (_ *Session, err error) {
	colors, depths, err := ListProfiles(ctx, dev)
	if err != nil {
		return nil, err
	}
	stream, err := SelectProfiles(colors, depths, cfg.ColorProfileIndex, cfg.DepthProfileIndex)
	if err != nil {
		return nil, err
	}
	preset, err := ParsePreset(cfg.Preset)
	if err != nil {
		return nil, err
	}
	logger.Infow("starting streams", "color", stream.Color.String(), "depth", stream.Depth.String())
	if err := dev.Start(ctx, stream); err != nil {
		return nil, errors.Wrap(err, "starting device")
	}
	s := &Session{
		dev:    dev,
		stream: stream,
		preset: preset,
		colors: colors,
		depths: depths,
		logger: logger,
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, s.Close(ctx))
		}
	}()
	if err := dev.SetPreset(preset); err != nil {
		return nil, errors.Wrapf(err, "applying preset %v", preset)
	}
	s.depthScale = dev.DepthScale()
	if s.depthScale <= 0 {
		return nil, errors.Errorf("device reported invalid depth scale %v", s.depthScale)
	}
	return s, nil
}

// Stream returns the profiles the session was started with.
func (s *Session) Stream() StreamConfig {
	return s.stream
}

// Preset returns the applied visual preset.
func (s *Session) Preset() Preset {
	return s.preset
}

// Profiles returns the color and depth profiles the device enumerated.
func (s *Session) Profiles() (color, depth []StreamProfile) {
	return s.colors, s.depths
}

// DepthScale returns meters per raw depth unit.
func (s *Session) DepthScale() float64 {
	return s.depthScale
}

// Next blocks until the device delivers a frameset or ctx is done.
func (s *Session) Next(ctx context.Context) (*Frameset, error) {
	if s.stopped {
		return nil, ErrNotStarted
	}
	return s.dev.WaitForFrames(ctx)
}

// Close stops the device. Calling it again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.logger.Debug("stopping device")
	return s.dev.Stop(ctx)
}

// PrintProfiles writes the enumerated profiles as two indexed tables.
func PrintProfiles(w io.Writer, color, depth []StreamProfile) {
	for _, group := range []struct {
		title    string
		profiles []StreamProfile
	}{{"color", color}, {"depth", depth}} {
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetTitle(group.title)
		t.AppendHeader(table.Row{"#", "Width", "Height", "FPS", "Format"})
		for i, p := range group.profiles {
			t.AppendRow(table.Row{i, p.Width, p.Height, p.FPS, string(p.Format)})
		}
		t.Render()
		fmt.Fprintln(w)
	}
}
