package pointpillars

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// RawBox is one candidate detection as emitted by the network.
type RawBox struct {
	X, Y, Z float32
	W, H, L float32
	Yaw     float32
	Label   int
	Score   float32
}

// rawBoxWidth is the row layout of the detection output: x, y, z, w, h, l, yaw, label, score.
const rawBoxWidth = 9

// Runner executes the network on a voxelized batch.
type Runner interface {
	Run(ctx context.Context, voxels *Voxels) ([]RawBox, error)
	Close() error
}

// ONNXConfig locates an exported PointPillars network and the runtime that executes it.
type ONNXConfig struct {
	ModelPath string `json:"model_path"`
	// LibraryPath is the onnxruntime shared library; empty uses the platform default.
	LibraryPath string `json:"library_path"`
	// MaxDetections is the number of rows of the fixed detection output.
	MaxDetections int `json:"max_detections"`
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// ONNXRunner runs an exported network through ONNX Runtime with fixed-shape tensors.
type ONNXRunner struct {
	session   *ort.AdvancedSession
	features  *ort.Tensor[float32]
	numPoints *ort.Tensor[int32]
	coords    *ort.Tensor[int32]
	output    *ort.Tensor[float32]
	mu        sync.Mutex
}

// NewONNXRunner binds input tensors sized for capacity pillars of maxPoints points.
func NewONNXRunner(cfg ONNXConfig, capacity, maxPoints int) (_ *ONNXRunner, err error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("no onnx model path")
	}
	if cfg.MaxDetections <= 0 {
		cfg.MaxDetections = 100
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, errors.Wrap(err, "initializing onnxruntime")
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}
	defer func() {
		err = multierr.Combine(err, options.Destroy())
	}()
	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, err
	}

	r := &ONNXRunner{}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, r.Close())
		}
	}()
	if r.features, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(capacity), int64(maxPoints), 4)); err != nil {
		return nil, errors.Wrap(err, "creating voxel tensor")
	}
	if r.numPoints, err = ort.NewEmptyTensor[int32](ort.NewShape(int64(capacity))); err != nil {
		return nil, errors.Wrap(err, "creating num_points tensor")
	}
	if r.coords, err = ort.NewEmptyTensor[int32](ort.NewShape(int64(capacity), 4)); err != nil {
		return nil, errors.Wrap(err, "creating coords tensor")
	}
	if r.output, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(cfg.MaxDetections), rawBoxWidth)); err != nil {
		return nil, errors.Wrap(err, "creating output tensor")
	}
	r.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"voxels", "num_points", "coors"},
		[]string{"boxes"},
		[]ort.ArbitraryTensor{r.features, r.numPoints, r.coords},
		[]ort.ArbitraryTensor{r.output},
		options,
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating onnx session")
	}
	return r, nil
}

// Run copies voxels into the bound inputs and decodes the rows with a positive score.
func (r *ONNXRunner) Run(ctx context.Context, voxels *Voxels) ([]RawBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil, errors.New("onnx runner is closed")
	}
	if err := copyInto(r.features.GetData(), voxels.Features.Data()); err != nil {
		return nil, errors.Wrap(err, "voxels")
	}
	if err := copyInto(r.numPoints.GetData(), voxels.NumPoints.Data()); err != nil {
		return nil, errors.Wrap(err, "num_points")
	}
	if err := copyInto(r.coords.GetData(), voxels.Coords.Data()); err != nil {
		return nil, errors.Wrap(err, "coords")
	}
	if err := r.session.Run(); err != nil {
		return nil, errors.Wrap(err, "running pointpillars")
	}
	return decodeRawBoxes(r.output.GetData()), nil
}

func copyInto[T float32 | int32](dst []T, src interface{}) error {
	data, ok := src.([]T)
	if !ok {
		return errors.Errorf("unexpected tensor backing %T", src)
	}
	if len(data) != len(dst) {
		return errors.Errorf("tensor has %d elements, session expects %d", len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

func decodeRawBoxes(out []float32) []RawBox {
	boxes := make([]RawBox, 0, len(out)/rawBoxWidth)
	for i := 0; i+rawBoxWidth <= len(out); i += rawBoxWidth {
		row := out[i : i+rawBoxWidth]
		if row[8] <= 0 {
			continue
		}
		boxes = append(boxes, RawBox{
			X: row[0], Y: row[1], Z: row[2],
			W: row[3], H: row[4], L: row[5],
			Yaw:   row[6],
			Label: int(row[7]),
			Score: row[8],
		})
	}
	return boxes
}

// Close releases the session and its tensors.
func (r *ONNXRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.session != nil {
		err = multierr.Combine(err, r.session.Destroy())
		r.session = nil
	}
	if r.features != nil {
		err = multierr.Combine(err, r.features.Destroy())
		r.features = nil
	}
	if r.numPoints != nil {
		err = multierr.Combine(err, r.numPoints.Destroy())
		r.numPoints = nil
	}
	if r.coords != nil {
		err = multierr.Combine(err, r.coords.Destroy())
		r.coords = nil
	}
	if r.output != nil {
		err = multierr.Combine(err, r.output.Destroy())
		r.output = nil
	}
	return err
}
