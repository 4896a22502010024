package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/viam-labs/pillarview/components/camera"
	"github.com/viam-labs/pillarview/logging"
	"github.com/viam-labs/pillarview/rimage"
	"github.com/viam-labs/pillarview/rimage/transform"
)

var testParams = transform.PinholeCameraIntrinsics{Width: 6, Height: 4, Fx: 5, Fy: 5, Ppx: 2.5, Ppy: 1.5}

func writeRecording(t *testing.T, frames int, skipColor map[int]bool, colorSize image.Point) string {
	t.Helper()
	dir := t.TempDir()
	md := Metadata{DepthScale: 0.001, FPS: 30, Depth: testParams, Color: testParams}
	data, err := json.Marshal(md)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o600), test.ShouldBeNil)

	for i := 0; i < frames; i++ {
		dm := rimage.NewEmptyDepthMap(testParams.Width, testParams.Height)
		dm.Set(1, 1, rimage.Depth(1000+i))
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%06d_depth.png", i)))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rimage.WriteDepthPNG(f, dm), test.ShouldBeNil)
		test.That(t, f.Close(), test.ShouldBeNil)

		if skipColor[i] {
			continue
		}
		img := imaging.New(colorSize.X, colorSize.Y, color.NRGBA{uint8(10 * i), 20, 30, 255})
		test.That(t, imaging.Save(img, filepath.Join(dir, fmt.Sprintf("%06d_color.png", i))), test.ShouldBeNil)
	}
	return dir
}

func startDevice(t *testing.T, dir string) *Device {
	t.Helper()
	ctx := context.Background()
	dev, err := NewDevice(Config{Dir: dir}, clock.NewMock(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	color, depth, err := dev.Profiles(ctx)
	test.That(t, err, test.ShouldBeNil)
	cfg, err := camera.SelectProfiles(color, depth, 0, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.Start(ctx, cfg), test.ShouldBeNil)
	return dev
}

func TestReplayLoops(t *testing.T) {
	ctx := context.Background()
	dir := writeRecording(t, 2, map[int]bool{1: true}, image.Pt(6, 4))
	dev := startDevice(t, dir)
	test.That(t, dev.Len(), test.ShouldEqual, 2)
	test.That(t, dev.DepthScale(), test.ShouldEqual, 0.001)

	fs, err := dev.WaitForFrames(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fs.Depth.Depth.GetDepth(1, 1), test.ShouldEqual, rimage.Depth(1000))
	test.That(t, fs.Color, test.ShouldNotBeNil)
	test.That(t, fs.Color.Image.NRGBAAt(0, 0), test.ShouldResemble, color.NRGBA{0, 20, 30, 255})
	test.That(t, fs.DepthToColor, test.ShouldResemble, transform.IdentityExtrinsics())

	fs, err = dev.WaitForFrames(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fs.Depth.Depth.GetDepth(1, 1), test.ShouldEqual, rimage.Depth(1001))
	test.That(t, fs.Color, test.ShouldBeNil)

	fs, err = dev.WaitForFrames(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fs.Number, test.ShouldEqual, uint64(3))
	test.That(t, fs.Depth.Depth.GetDepth(1, 1), test.ShouldEqual, rimage.Depth(1000))

	test.That(t, dev.Stop(ctx), test.ShouldBeNil)
	_, err = dev.WaitForFrames(ctx)
	test.That(t, errors.Is(err, camera.ErrNotStarted), test.ShouldBeTrue)
}

func TestReplayResizesColor(t *testing.T) {
	dir := writeRecording(t, 1, nil, image.Pt(12, 8))
	dev := startDevice(t, dir)
	fs, err := dev.WaitForFrames(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fs.Color.Image.Bounds().Dx(), test.ShouldEqual, 6)
	test.That(t, fs.Color.Image.Bounds().Dy(), test.ShouldEqual, 4)
}

func TestReplayRejects(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewDevice(Config{}, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewDevice(Config{Dir: t.TempDir()}, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	empty := writeRecording(t, 0, nil, image.Pt(6, 4))
	_, err = NewDevice(Config{Dir: empty}, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	dev := startDevice(t, writeRecording(t, 1, nil, image.Pt(6, 4)))
	test.That(t, dev.Stop(context.Background()), test.ShouldBeNil)
	err = dev.Start(context.Background(), camera.StreamConfig{
		Depth: camera.StreamProfile{Width: 640, Height: 480, FPS: 30, Format: camera.FormatZ16},
		Color: camera.StreamProfile{Width: 640, Height: 480, FPS: 30, Format: camera.FormatRGB8},
	})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRecordingThroughSession(t *testing.T) {
	ctx := context.Background()
	dir := writeRecording(t, 1, nil, image.Pt(6, 4))
	dev, err := NewDevice(Config{Dir: dir}, clock.NewMock(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	s, err := camera.Open(ctx, dev, camera.SessionConfig{Preset: camera.DefaultPreset}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	fs, err := s.Next(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fs.Color, test.ShouldNotBeNil)
	test.That(t, s.Close(ctx), test.ShouldBeNil)
}
