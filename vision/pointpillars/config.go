// Package pointpillars shapes colored point clouds into PointPillars detector input and
// turns network output into 3D bounding boxes.
package pointpillars

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// VoxelizeConfig controls how points are grouped into pillars.
type VoxelizeConfig struct {
	MaxNumPoints int        `yaml:"max_num_points"`
	VoxelSize    [3]float64 `yaml:"voxel_size"`
	// MaxVoxels holds the pillar limit for training and for inference, in that order.
	MaxVoxels [2]int `yaml:"max_voxels"`
}

// HeadConfig controls post-processing of the detection head output.
type HeadConfig struct {
	NMSPre   int     `yaml:"nms_pre"`
	ScoreThr float64 `yaml:"score_thr"`
	NMSThr   float64 `yaml:"nms_thr"`
	MaxNum   int     `yaml:"max_num"`
}

// ScatterConfig is the BEV canvas the pillar features are scattered into, as [ny, nx].
type ScatterConfig struct {
	InChannels  int    `yaml:"in_channels"`
	OutputShape [2]int `yaml:"output_shape"`
}

// ModelConfig is the model section of a PointPillars configuration file.
type ModelConfig struct {
	Name            string         `yaml:"name"`
	PointCloudRange [6]float64     `yaml:"point_cloud_range"`
	Classes         []string       `yaml:"classes"`
	Voxelize        VoxelizeConfig `yaml:"voxelize"`
	Scatter         ScatterConfig  `yaml:"scatter"`
	Head            HeadConfig     `yaml:"head"`
}

type configFile struct {
	Model ModelConfig `yaml:"model"`
}

// DefaultModelConfig returns the KITTI PointPillars configuration.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Name:            "PointPillars",
		PointCloudRange: [6]float64{0, -39.68, -3, 69.12, 39.68, 1},
		Classes:         []string{"Pedestrian", "Cyclist", "Car"},
		Voxelize: VoxelizeConfig{
			MaxNumPoints: 32,
			VoxelSize:    [3]float64{0.16, 0.16, 4},
			MaxVoxels:    [2]int{16000, 40000},
		},
		Scatter: ScatterConfig{InChannels: 64, OutputShape: [2]int{496, 432}},
		Head: HeadConfig{
			NMSPre:   100,
			ScoreThr: 0.1,
			NMSThr:   0.01,
			MaxNum:   100,
		},
	}
}

// LoadModelConfig reads the model section of a YAML file over the KITTI defaults.
func LoadModelConfig(path string) (*ModelConfig, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading model config")
	}
	return ParseModelConfig(data)
}

// ParseModelConfig decodes YAML model configuration over the KITTI defaults.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	f := configFile{Model: DefaultModelConfig()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parsing model config")
	}
	if err := f.Model.Validate(); err != nil {
		return nil, err
	}
	return &f.Model, nil
}

// Validate checks that the configuration describes a usable pillar grid.
func (cfg *ModelConfig) Validate() error {
	r := cfg.PointCloudRange
	for i := 0; i < 3; i++ {
		if r[i+3] <= r[i] {
			return errors.Errorf("point_cloud_range axis %d is empty: [%v, %v)", i, r[i], r[i+3])
		}
		if cfg.Voxelize.VoxelSize[i] <= 0 {
			return errors.Errorf("voxel_size must be positive, got %v", cfg.Voxelize.VoxelSize)
		}
	}
	if len(cfg.Classes) == 0 {
		return errors.New("model config lists no classes")
	}
	if cfg.Voxelize.MaxNumPoints <= 0 {
		return errors.New("max_num_points must be positive")
	}
	if cfg.Voxelize.MaxVoxels[0] <= 0 || cfg.Voxelize.MaxVoxels[1] <= 0 {
		return errors.Errorf("max_voxels must be positive, got %v", cfg.Voxelize.MaxVoxels)
	}
	nx, ny, _ := cfg.GridSize()
	if s := cfg.Scatter.OutputShape; s != [2]int{} && (s[0] != ny || s[1] != nx) {
		return errors.Errorf("scatter output_shape %v does not match the %dx%d pillar grid", s, ny, nx)
	}
	return nil
}

// GridSize returns the number of voxels along x, y and z.
func (cfg *ModelConfig) GridSize() (nx, ny, nz int) {
	r, v := cfg.PointCloudRange, cfg.Voxelize.VoxelSize
	return roundCells(r[3]-r[0], v[0]), roundCells(r[4]-r[1], v[1]), roundCells(r[5]-r[2], v[2])
}

func roundCells(extent, size float64) int {
	return int(extent/size + 0.5)
}

// MaxVoxels returns the pillar limit that applies in training or inference mode.
func (cfg *ModelConfig) MaxVoxels(training bool) int {
	if training {
		return cfg.Voxelize.MaxVoxels[0]
	}
	return cfg.Voxelize.MaxVoxels[1]
}
