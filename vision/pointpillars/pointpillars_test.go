package pointpillars

import (
	"context"
	"image/color"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/viam-labs/pillarview/logging"
	"github.com/viam-labs/pillarview/pointcloud"
)

func TestPad(t *testing.T) {
	test.That(t, len(Pad(nil)), test.ShouldEqual, 0)

	rng := rand.New(rand.NewSource(3))
	for _, n := range []int{1, 7, 1000} {
		points := make([]r3.Vector, n)
		for i := range points {
			points[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		}
		padded := Pad(points)
		test.That(t, len(padded), test.ShouldEqual, n)
		for i, p := range padded {
			test.That(t, p[0], test.ShouldEqual, float32(points[i].X))
			test.That(t, p[1], test.ShouldEqual, float32(points[i].Y))
			test.That(t, p[2], test.ShouldEqual, float32(points[i].Z))
			test.That(t, p[3], test.ShouldEqual, float32(1))
		}
	}
}

func TestParseModelConfig(t *testing.T) {
	cfg, err := LoadModelConfig(filepath.Join("..", "..", "3dmodels", "pointpillars_kitti.yml"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *cfg, test.ShouldResemble, DefaultModelConfig())
	nx, ny, nz := cfg.GridSize()
	test.That(t, []int{nx, ny, nz}, test.ShouldResemble, []int{432, 496, 1})
	test.That(t, cfg.MaxVoxels(true), test.ShouldEqual, 16000)
	test.That(t, cfg.MaxVoxels(false), test.ShouldEqual, 40000)

	cfg, err = ParseModelConfig(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Classes, test.ShouldResemble, []string{"Pedestrian", "Cyclist", "Car"})

	cfg, err = ParseModelConfig([]byte("model:\n  classes: [Car]\n  head:\n    score_thr: 0.5\n"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Classes, test.ShouldResemble, []string{"Car"})
	test.That(t, cfg.Head.ScoreThr, test.ShouldEqual, 0.5)
	test.That(t, cfg.Head.MaxNum, test.ShouldEqual, 100)

	_, err = ParseModelConfig([]byte("model:\n  point_cloud_range: [0, 0, 0, 0, 1, 1]\n"))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ParseModelConfig([]byte("model:\n  scatter:\n    output_shape: [10, 10]\n"))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ParseModelConfig([]byte("model: [nope"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseSplit(t *testing.T) {
	for in, want := range map[string]Split{
		"train": SplitTrain, "Training": SplitTrain,
		"val": SplitVal, "validation": SplitVal,
		"test": SplitTest, "TESTING": SplitTest,
	} {
		got, err := ParseSplit(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}
	_, err := ParseSplit("holdout")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPreprocessCropsHalfOpen(t *testing.T) {
	cfg := DefaultModelConfig()
	in := NewInput([][4]float32{
		{0, 0, 0, 1},         // on the min corner, kept
		{69.12, 0, 0, 1},     // on max x, dropped
		{10, -39, -3, 1},     // on min z, kept
		{10, 0, 1, 1},        // on max z, dropped
		{-0.01, 0, 0, 1},     // behind the sensor, dropped
		{35, 39.67, 0.99, 1}, // inside, kept
		{35, 39.68, 0.5, 1},  // on max y, dropped
		{35, -40, 0.5, 1},    // below min y, dropped
		{20, 5, -2.99, 0.25}, // keeps its channel value
		{70, 100, 100, 1},    // far outside, dropped
		{68.9, -20, -1.5, 1}, // inside, kept
		{3, 0, 0, 1},         // inside, kept
	})
	in.BoundingBoxes = []BoundingBox{{Label: "Car"}}

	pre, err := cfg.Preprocess(in, SplitVal)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(pre.Point), test.ShouldEqual, 6)
	test.That(t, pre.Point[3], test.ShouldResemble, [4]float32{20, 5, -2.99, 0.25})
	test.That(t, len(pre.BBoxObjs), test.ShouldEqual, 1)

	pre, err = cfg.Preprocess(in, SplitTest)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pre.BBoxObjs, test.ShouldBeNil)
	test.That(t, pre.Calib, test.ShouldNotBeNil)
}

func TestTransformAndCollate(t *testing.T) {
	cfg := DefaultModelConfig()
	in := NewInput(Pad([]r3.Vector{{X: 5, Y: 1, Z: 0}}))
	in.BoundingBoxes = []BoundingBox{
		{Center: r3.Vector{X: 5, Y: 1}, Size: r3.Vector{X: 1.6, Y: 1.5, Z: 3.9}, Yaw: 0.3, Label: "Car"},
		{Label: "Tram"},
	}

	pre, err := cfg.Preprocess(in, SplitVal)
	test.That(t, err, test.ShouldBeNil)
	s, err := cfg.Transform(pre, SplitVal)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Labels, test.ShouldResemble, []int64{2, 3})
	test.That(t, s.BBoxes[0], test.ShouldResemble, [7]float32{5, 1, 0, 1.6, 1.5, 3.9, 0.3})

	batch, err := Collate([]*Sample{s, s}, SplitVal)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Size(), test.ShouldEqual, 2)
	test.That(t, batch.NumPoints(), test.ShouldEqual, 2)
	test.That(t, len(batch.Labels), test.ShouldEqual, 2)

	pre, err = cfg.Preprocess(in, SplitTest)
	test.That(t, err, test.ShouldBeNil)
	s, err = cfg.Transform(pre, SplitTest)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Labels, test.ShouldBeNil)
	batch, err = Collate([]*Sample{s}, SplitTest)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Labels, test.ShouldBeNil)

	_, err = Collate(nil, SplitVal)
	test.That(t, err, test.ShouldNotBeNil)
}

func smallModel() ModelConfig {
	cfg := DefaultModelConfig()
	cfg.PointCloudRange = [6]float64{0, -1, -1, 2, 1, 1}
	cfg.Voxelize = VoxelizeConfig{MaxNumPoints: 2, VoxelSize: [3]float64{0.5, 0.5, 2}, MaxVoxels: [2]int{2, 3}}
	cfg.Scatter.OutputShape = [2]int{4, 4}
	return cfg
}

func TestVoxelizeBatch(t *testing.T) {
	cfg := smallModel()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	batch := &Batch{Point: [][][4]float32{{
		{0.1, -0.9, 0, 1}, // cell x0 y0
		{0.2, -0.8, 0, 1}, // cell x0 y0
		{0.3, -0.7, 0, 1}, // cell x0 y0, pillar full
		{1.9, 0.9, 0, 1},  // cell x3 y3
		{1.1, 0.1, 0, 1},  // cell x2 y2
		{0.6, 0.6, 0, 1},  // cell x1 y3, over max_voxels
		{5, 0, 0, 1},      // out of the grid
	}}}

	v, err := cfg.VoxelizeBatch(batch, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.Capacity(), test.ShouldEqual, 3)
	test.That(t, v.Count, test.ShouldEqual, 3)
	test.That(t, v.Dropped, test.ShouldEqual, 2)
	test.That(t, v.Features.Shape(), test.ShouldResemble, tensor.Shape{3, 2, 4})
	test.That(t, v.NumPoints.Data(), test.ShouldResemble, []int32{2, 1, 1})
	test.That(t, v.Coords.Data(), test.ShouldResemble, []int32{0, 0, 0, 0, 0, 0, 3, 3, 0, 0, 2, 2})

	features := v.Features.Data().([]float32)
	test.That(t, features[:8], test.ShouldResemble, []float32{0.1, -0.9, 0, 1, 0.2, -0.8, 0, 1})

	v, err = cfg.VoxelizeBatch(batch, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.Capacity(), test.ShouldEqual, 2)
	test.That(t, v.Count, test.ShouldEqual, 2)
}

func TestInferenceEnd(t *testing.T) {
	cfg := DefaultModelConfig()
	cfg.Head.NMSThr = 0.1
	cfg.Head.MaxNum = 3
	raw := []RawBox{
		{X: 10, Y: 0, W: 1.6, L: 3.9, H: 1.5, Label: 2, Score: 0.9},
		{X: 10.2, Y: 0.1, W: 1.6, L: 3.9, H: 1.5, Label: 2, Score: 0.8}, // overlaps the first car
		{X: 10.2, Y: 0.1, W: 0.6, L: 0.8, H: 1.7, Label: 0, Score: 0.7}, // other class, kept
		{X: 20, Y: 5, W: 1.6, L: 3.9, H: 1.5, Yaw: 1.57, Label: 2, Score: 0.6},
		{X: 30, Y: 5, W: 1.6, L: 3.9, H: 1.5, Label: 2, Score: 0.5}, // over max_num
		{X: 40, Y: 5, W: 1.6, L: 3.9, H: 1.5, Label: 2, Score: 0.05}, // under score_thr
		{X: 50, Y: 5, W: 1.6, L: 3.9, H: 1.5, Label: 7, Score: 0.9},  // unknown class
	}
	boxes := cfg.InferenceEnd(raw)
	test.That(t, len(boxes), test.ShouldEqual, 3)
	test.That(t, boxes[0].Label, test.ShouldEqual, "Car")
	test.That(t, boxes[0].Confidence, test.ShouldAlmostEqual, 0.9, 1e-6)
	test.That(t, boxes[1].Label, test.ShouldEqual, "Pedestrian")
	test.That(t, boxes[2].Center.X, test.ShouldEqual, 20.0)
}

func TestIoU(t *testing.T) {
	a := footprint(RawBox{W: 2, L: 2})
	test.That(t, area(a), test.ShouldAlmostEqual, 4.0, 1e-9)
	test.That(t, iou(a, a), test.ShouldAlmostEqual, 1.0, 1e-9)

	shifted := footprint(RawBox{X: 1, W: 2, L: 2})
	test.That(t, iou(a, shifted), test.ShouldAlmostEqual, 2.0/6.0, 1e-9)

	// a square rotated 90 degrees covers itself.
	rotated := footprint(RawBox{W: 2, L: 2, Yaw: 1.5707963267948966})
	test.That(t, iou(a, rotated), test.ShouldAlmostEqual, 1.0, 1e-6)

	far := footprint(RawBox{X: 10, W: 2, L: 2})
	test.That(t, iou(a, far), test.ShouldEqual, 0.0)
}

type countingFetcher struct {
	calls int
	err   error
}

func (f *countingFetcher) Fetch(ctx context.Context, src, dst string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("weights"), 0o600)
}

func TestEnsureCheckpoint(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	dir := filepath.Join(t.TempDir(), "3dmodels")
	f := &countingFetcher{}

	path, err := EnsureCheckpoint(ctx, dir, DefaultCheckpointFile, DefaultCheckpointURL, f, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldEqual, filepath.Join(dir, DefaultCheckpointFile))
	test.That(t, f.calls, test.ShouldEqual, 1)
	info, err := os.Stat(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.IsDir(), test.ShouldBeTrue)

	_, err = EnsureCheckpoint(ctx, dir, DefaultCheckpointFile, DefaultCheckpointURL, f, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.calls, test.ShouldEqual, 1)

	failing := &countingFetcher{err: errors.New("offline")}
	_, err = EnsureCheckpoint(ctx, t.TempDir(), "other.pth", DefaultCheckpointURL, failing, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "offline")
	test.That(t, failing.calls, test.ShouldEqual, 1)
}

func TestGetterFetcher(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&hits, 1)
		}
		_, _ = w.Write([]byte("checkpoint bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "model.pth")
	test.That(t, GetterFetcher{}.Fetch(context.Background(), srv.URL+"/model.pth", dst), test.ShouldBeNil)
	data, err := os.ReadFile(dst)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "checkpoint bytes")
	test.That(t, atomic.LoadInt32(&hits), test.ShouldEqual, int32(1))
	_, err = os.Stat(dst + ".part")
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

type fakeRunner struct {
	boxes  []RawBox
	runs   int
	closed int
	seen   *Voxels
}

func (r *fakeRunner) Run(ctx context.Context, v *Voxels) ([]RawBox, error) {
	r.runs++
	r.seen = v
	return r.boxes, nil
}

func (r *fakeRunner) Close() error {
	r.closed++
	return nil
}

func writeModelConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yml")
	yml := "model:\n" +
		"  point_cloud_range: [0, -1, -1, 2, 1, 1]\n" +
		"  voxelize:\n    max_num_points: 2\n    voxel_size: [0.5, 0.5, 2]\n    max_voxels: [2, 3]\n" +
		"  scatter:\n    output_shape: [4, 4]\n"
	test.That(t, os.WriteFile(path, []byte(yml), 0o600), test.ShouldBeNil)
	return path
}

func testCloud() *pointcloud.PointCloud {
	pc := pointcloud.New(3)
	pc.Append(r3.Vector{X: 0.5, Y: 0, Z: 0}, color.NRGBA{255, 0, 0, 255})
	pc.Append(r3.Vector{X: 1.5, Y: 0.5, Z: 0.2}, color.NRGBA{0, 255, 0, 255})
	pc.Append(r3.Vector{X: 0, Y: 0, Z: 3}, color.NRGBA{0, 0, 255, 255})
	return pc
}

func TestDetector(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	cfg := DefaultDetectorConfig()
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "ckpt")
	cfg.ModelConfigPath = writeModelConfig(t)
	fetcher := &countingFetcher{}

	t.Run("inference disabled prepares input only", func(t *testing.T) {
		d, err := NewDetector(ctx, cfg, logger, WithFetcher(fetcher))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fetcher.calls, test.ShouldEqual, 1)
		test.That(t, d.Checkpoint(), test.ShouldEqual, filepath.Join(cfg.CheckpointDir, cfg.CheckpointFile))
		test.That(t, d.Model().Classes, test.ShouldResemble, DefaultModelConfig().Classes)
		res, err := d.Detect(ctx, testCloud())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.InputPoints, test.ShouldEqual, 3)
		test.That(t, res.CroppedPoints, test.ShouldEqual, 2)
		test.That(t, res.Batch.Size(), test.ShouldEqual, 1)
		test.That(t, res.Batch.Point[0][0], test.ShouldResemble, [4]float32{0.5, 0, 0, 1})
		test.That(t, res.Voxels, test.ShouldBeNil)
		test.That(t, res.Boxes, test.ShouldBeNil)
		test.That(t, d.Close(), test.ShouldBeNil)
	})

	t.Run("inference enabled runs once per frame", func(t *testing.T) {
		enabled := cfg
		enabled.EnableInference = true
		runner := &fakeRunner{boxes: []RawBox{{X: 1, W: 1, L: 1, H: 1, Label: 2, Score: 0.8}}}
		d, err := NewDetector(ctx, enabled, logger, WithFetcher(fetcher), WithRunner(runner))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fetcher.calls, test.ShouldEqual, 1)
		res, err := d.Detect(ctx, testCloud())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, runner.runs, test.ShouldEqual, 1)
		test.That(t, runner.seen.Count, test.ShouldEqual, 2)
		test.That(t, len(res.Boxes), test.ShouldEqual, 1)
		test.That(t, res.Boxes[0].Label, test.ShouldEqual, "Car")
		test.That(t, d.Close(), test.ShouldBeNil)
		test.That(t, runner.closed, test.ShouldEqual, 1)
	})

	t.Run("bad config is rejected", func(t *testing.T) {
		bad := cfg
		bad.Device = "gpu"
		_, err := NewDetector(ctx, bad, logger, WithFetcher(fetcher))
		test.That(t, err, test.ShouldNotBeNil)

		bad = cfg
		bad.ModelConfigPath = filepath.Join(t.TempDir(), "missing.yml")
		_, err = NewDetector(ctx, bad, logger, WithFetcher(fetcher))
		test.That(t, err, test.ShouldNotBeNil)

		bad = cfg
		bad.EnableInference = true
		_, err = NewDetector(ctx, bad, logger, WithFetcher(fetcher))
		test.That(t, err, test.ShouldNotBeNil)
	})
}
