package pointpillars

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/viam-labs/pillarview/logging"
	"github.com/viam-labs/pillarview/pointcloud"
)

// Checkpoint defaults for the KITTI PointPillars release.
const (
	DefaultCheckpointDir   = "./3dmodels/"
	DefaultCheckpointFile  = "pointpillars_kitti_202012221652utc.pth"
	DefaultCheckpointURL   = "https://storage.googleapis.com/open3d-releases/model-zoo/" + DefaultCheckpointFile
	DefaultModelConfigPath = "3dmodels/pointpillars_kitti.yml"
)

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	CheckpointDir   string `json:"checkpoint_dir"`
	CheckpointFile  string `json:"checkpoint_file"`
	CheckpointURL   string `json:"checkpoint_url"`
	ModelConfigPath string `json:"model_config_path"`
	Split           string `json:"split"`
	// EnableInference runs the network. Without it only the input is prepared.
	EnableInference bool       `json:"enable_inference"`
	Device          string     `json:"device"`
	ONNX            ONNXConfig `json:"onnx"`
}

// DefaultDetectorConfig returns the configuration the viewer ships with.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CheckpointDir:   DefaultCheckpointDir,
		CheckpointFile:  DefaultCheckpointFile,
		CheckpointURL:   DefaultCheckpointURL,
		ModelConfigPath: DefaultModelConfigPath,
		Split:           string(SplitVal),
		Device:          "cpu",
		ONNX:            ONNXConfig{MaxDetections: 100},
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *DetectorConfig) Validate(path string) error {
	if cfg.CheckpointDir == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "checkpoint_dir")
	}
	if cfg.CheckpointFile == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "checkpoint_file")
	}
	if cfg.CheckpointURL == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "checkpoint_url")
	}
	if cfg.ModelConfigPath == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "model_config_path")
	}
	if _, err := ParseSplit(cfg.Split); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if cfg.Device != "cpu" {
		return utils.NewConfigValidationError(path, errors.Errorf("unsupported device %q, only cpu is available", cfg.Device))
	}
	return nil
}

// Option customizes a Detector.
type Option func(*options)

type options struct {
	fetcher Fetcher
	runner  Runner
}

// WithFetcher replaces the go-getter checkpoint download.
func WithFetcher(f Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithRunner replaces the ONNX Runtime network when inference is enabled.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// Result is the outcome of one detection pass.
type Result struct {
	Batch *Batch
	// InputPoints and CroppedPoints count points before and after the range crop.
	InputPoints   int
	CroppedPoints int
	Voxels        *Voxels
	Boxes         []BoundingBox
}

// Detector prepares point clouds for PointPillars and, when inference is enabled, runs it.
type Detector struct {
	cfg        DetectorConfig
	model      *ModelConfig
	split      Split
	runner     Runner
	checkpoint string
	logger     logging.Logger
}

// NewDetector ensures the checkpoint is on disk, loads the model configuration and builds the
// network runner when inference is enabled. It is created once per run.
func NewDetector(ctx context.Context, cfg DetectorConfig, logger logging.Logger, opts ...Option) (*Detector, error) {
	if err := cfg.Validate("detector"); err != nil {
		return nil, err
	}
	o := options{fetcher: GetterFetcher{}}
	for _, opt := range opts {
		opt(&o)
	}
	split, err := ParseSplit(cfg.Split)
	if err != nil {
		return nil, err
	}
	checkpoint, err := EnsureCheckpoint(ctx, cfg.CheckpointDir, cfg.CheckpointFile, cfg.CheckpointURL, o.fetcher, logger)
	if err != nil {
		return nil, err
	}
	model, err := LoadModelConfig(cfg.ModelConfigPath)
	if err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg, model: model, split: split, checkpoint: checkpoint, logger: logger}
	if cfg.EnableInference {
		d.runner = o.runner
		if d.runner == nil {
			d.runner, err = NewONNXRunner(cfg.ONNX, model.MaxVoxels(split.Training()), model.Voxelize.MaxNumPoints)
			if err != nil {
				return nil, err
			}
		}
	}
	logger.Infow("detector ready",
		"model", model.Name,
		"classes", model.Classes,
		"split", string(split),
		"inference", cfg.EnableInference)
	return d, nil
}

// Model returns the loaded model configuration.
func (d *Detector) Model() *ModelConfig {
	return d.model
}

// Checkpoint returns the checkpoint path.
func (d *Detector) Checkpoint() string {
	return d.checkpoint
}

// Detect pads, preprocesses, transforms and collates cloud into a single sample batch. When
// inference is enabled the batch is voxelized, run and post-processed into boxes.
func (d *Detector) Detect(ctx context.Context, cloud *pointcloud.PointCloud) (*Result, error) {
	if cloud == nil {
		return nil, errors.New("no point cloud to detect in")
	}
	in := NewInput(Pad(cloud.Points()))
	pre, err := d.model.Preprocess(in, d.split)
	if err != nil {
		return nil, err
	}
	sample, err := d.model.Transform(pre, d.split)
	if err != nil {
		return nil, err
	}
	batch, err := Collate([]*Sample{sample}, d.split)
	if err != nil {
		return nil, err
	}
	res := &Result{Batch: batch, InputPoints: len(in.Point), CroppedPoints: len(pre.Point)}
	if d.runner == nil {
		return res, nil
	}
	res.Voxels, err = d.model.VoxelizeBatch(batch, d.split.Training())
	if err != nil {
		return nil, err
	}
	raw, err := d.runner.Run(ctx, res.Voxels)
	if err != nil {
		return nil, err
	}
	res.Boxes = d.model.InferenceEnd(raw)
	return res, nil
}

// Close releases the network runner.
func (d *Detector) Close() error {
	if d.runner == nil {
		return nil
	}
	return d.runner.Close()
}
