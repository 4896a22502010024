package pointpillars

import (
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Split names the dataset split a sample belongs to. It decides whether augmentation and
// ground truth are kept.
type Split string

// The splits the model distinguishes.
const (
	SplitTrain = Split("train")
	SplitVal   = Split("val")
	SplitTest  = Split("test")
)

// ParseSplit accepts the split names and their long forms.
func ParseSplit(s string) (Split, error) {
	switch strings.ToLower(s) {
	case "train", "training":
		return SplitTrain, nil
	case "val", "validation":
		return SplitVal, nil
	case "test", "testing":
		return SplitTest, nil
	default:
		return "", errors.Errorf("unknown split %q", s)
	}
}

// Training reports whether samples of this split are used for training.
func (s Split) Training() bool {
	return s == SplitTrain
}

// HasLabels reports whether samples of this split carry ground truth boxes.
func (s Split) HasLabels() bool {
	return s != SplitTest
}

// BoundingBox is an oriented 3D box. Center is the bottom center for KITTI style boxes.
type BoundingBox struct {
	Center r3.Vector `json:"center"`
	// Size is width, height and length in meters.
	Size       r3.Vector `json:"size"`
	Yaw        float64   `json:"yaw"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
}

// XYZWHLR flattens the box into the center, size and yaw layout the network regresses.
func (b BoundingBox) XYZWHLR() [7]float32 {
	return [7]float32{
		float32(b.Center.X), float32(b.Center.Y), float32(b.Center.Z),
		float32(b.Size.X), float32(b.Size.Y), float32(b.Size.Z),
		float32(b.Yaw),
	}
}

// Pad appends a constant 1.0 reflectance channel to every point, so an N×3 cloud becomes
// the N×4 layout the network consumes.
func Pad(points []r3.Vector) [][4]float32 {
	out := make([][4]float32, len(points))
	for i, p := range points {
		out[i] = [4]float32{float32(p.X), float32(p.Y), float32(p.Z), 1}
	}
	return out
}

// Input is one raw detector input record.
type Input struct {
	Point         [][4]float32
	Calib         map[string]any
	BoundingBoxes []BoundingBox
}

// NewInput wraps padded points in an input record with no calibration and no boxes.
func NewInput(points [][4]float32) *Input {
	return &Input{Point: points, Calib: map[string]any{}, BoundingBoxes: []BoundingBox{}}
}

// Preprocessed is an input record after range cropping.
type Preprocessed struct {
	Point    [][4]float32
	Calib    map[string]any
	BBoxObjs []BoundingBox
}

// Preprocess crops in to the configured point cloud range, keeping points with
// min <= p < max on every axis. Ground truth is dropped for the test split.
// Augmentation of training samples is not supported; training inputs pass through as is.
func (cfg *ModelConfig) Preprocess(in *Input, split Split) (*Preprocessed, error) {
	if in == nil {
		return nil, errors.New("no input to preprocess")
	}
	r := cfg.PointCloudRange
	kept := make([][4]float32, 0, len(in.Point))
	for _, p := range in.Point {
		x, y, z := float64(p[0]), float64(p[1]), float64(p[2])
		if x >= r[0] && y >= r[1] && z >= r[2] && x < r[3] && y < r[4] && z < r[5] {
			kept = append(kept, p)
		}
	}
	out := &Preprocessed{Point: kept, Calib: in.Calib}
	if split.HasLabels() {
		out.BBoxObjs = in.BoundingBoxes
	}
	return out, nil
}

// Sample is a preprocessed record with its ground truth encoded for the loss.
type Sample struct {
	Point    [][4]float32
	Calib    map[string]any
	BBoxObjs []BoundingBox
	// Labels index Classes; unknown class names map to len(Classes).
	Labels []int64
	BBoxes [][7]float32
}

// Transform encodes the ground truth of pre. Labels and boxes are only produced for splits
// that carry ground truth.
func (cfg *ModelConfig) Transform(pre *Preprocessed, split Split) (*Sample, error) {
	if pre == nil {
		return nil, errors.New("no preprocessed input to transform")
	}
	s := &Sample{Point: pre.Point, Calib: pre.Calib}
	if !split.HasLabels() {
		return s, nil
	}
	s.BBoxObjs = pre.BBoxObjs
	s.Labels = make([]int64, len(pre.BBoxObjs))
	s.BBoxes = make([][7]float32, len(pre.BBoxObjs))
	for i, b := range pre.BBoxObjs {
		s.Labels[i] = int64(cfg.classIndex(b.Label))
		s.BBoxes[i] = b.XYZWHLR()
	}
	return s, nil
}

func (cfg *ModelConfig) classIndex(name string) int {
	for i, c := range cfg.Classes {
		if c == name {
			return i
		}
	}
	return len(cfg.Classes)
}

// Batch is a set of samples concatenated for one forward pass.
type Batch struct {
	Point    [][][4]float32
	Labels   [][]int64
	BBoxes   [][][7]float32
	BBoxObjs [][]BoundingBox
	Calib    []map[string]any
	Split    Split
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Point)
}

// NumPoints returns the total number of points across samples.
func (b *Batch) NumPoints() int {
	n := 0
	for _, p := range b.Point {
		n += len(p)
	}
	return n
}

// Collate concatenates samples of one split into a batch.
func Collate(samples []*Sample, split Split) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}
	b := &Batch{Split: split}
	for i, s := range samples {
		if s == nil {
			return nil, errors.Errorf("sample %d is nil", i)
		}
		b.Point = append(b.Point, s.Point)
		b.Calib = append(b.Calib, s.Calib)
		if split.HasLabels() {
			b.Labels = append(b.Labels, s.Labels)
			b.BBoxes = append(b.BBoxes, s.BBoxes)
			b.BBoxObjs = append(b.BBoxObjs, s.BBoxObjs)
		}
	}
	return b, nil
}
