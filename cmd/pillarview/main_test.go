package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"

	"github.com/viam-labs/pillarview/config"
	"github.com/viam-labs/pillarview/logging"
)

// writeConfig points the detector at a checkpoint that is already present so nothing is
// downloaded.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	modelDir := filepath.Join(dir, "3dmodels")
	test.That(t, os.MkdirAll(modelDir, 0o750), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(modelDir, "model.pth"), []byte("weights"), 0o600), test.ShouldBeNil)

	doc := fmt.Sprintf(`{
		"camera": {"kind": "fake", "session": {"color_profile_index": 111, "depth_profile_index": 29}},
		"width": 424,
		"height": 240,
		"detector": {
			"checkpoint_dir": %q,
			"checkpoint_file": "model.pth",
			"model_config_path": "../../3dmodels/pointpillars_kitti.yml"
		},
		"render": {"format": "ascii"}
	}`, modelDir)
	path := filepath.Join(dir, "config.json")
	test.That(t, os.WriteFile(path, []byte(doc), 0o600), test.ShouldBeNil)
	return path
}

func TestRunFake(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	renderOut := filepath.Join(dir, "render", "latest.pcd")

	var out bytes.Buffer
	err := newApp(&out).RunContext(context.Background(), []string{
		"pillarview",
		"--config", cfgPath,
		"--enable-render",
		"--render-out", renderOut,
		"--max-frames", "2",
	})
	test.That(t, err, test.ShouldBeNil)

	printed := out.String()
	test.That(t, printed, test.ShouldContainSubstring, "rgb8")
	test.That(t, printed, test.ShouldContainSubstring, "z16")
	test.That(t, printed, test.ShouldContainSubstring, "Streaming color 424x240@6 rgb8, depth 424x240@6 z16\n")
	test.That(t, printed, test.ShouldContainSubstring, "Depth scale is: 0.001\n")
	test.That(t, printed, test.ShouldContainSubstring, "Clipping distance: 3 m (3000 depth units)")
	test.That(t, printed, test.ShouldContainSubstring, "\rFPS: ")

	data, err := os.ReadFile(renderOut)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldStartWith, "VERSION .7\n")
}

func TestRunBadFlags(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	for _, tc := range []struct {
		args     []string
		contains string
	}{
		{[]string{"--device", "kinect"}, "unknown camera kind"},
		{[]string{"--max-frames", "-1"}, "cannot be negative"},
		{[]string{"--replay-dir", filepath.Join(dir, "missing")}, "missing"},
		{[]string{"--config", filepath.Join(dir, "nope.json")}, "reading config"},
	} {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			args := append([]string{"pillarview", "--config", cfgPath}, tc.args...)
			var out bytes.Buffer
			err := newApp(&out).RunContext(context.Background(), args)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.contains)
		})
	}
}

func TestReplayDirSelectsReplay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	cfg, err := config.Read(context.Background(), cfgPath, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	cfg.SetCameraKind(config.CameraReplay)
	test.That(t, cfg.Camera.Session.ColorProfileIndex, test.ShouldEqual, 0)
	test.That(t, cfg.Camera.Session.DepthProfileIndex, test.ShouldEqual, 0)
}
