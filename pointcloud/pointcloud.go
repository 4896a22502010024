// Package pointcloud defines an ordered, colored point cloud.
//
// Unlike a spatial index, points keep the order they were appended in, which
// for clouds built from an RGB-D image is row-major pixel order. Clouds are
// meant to be rebuilt from scratch for each frame.
package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData creates a new MetaData with bounds set so that any point widens them.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the bounds to include p.
func (meta *MetaData) Merge(p r3.Vector) {
	meta.MinX = math.Min(meta.MinX, p.X)
	meta.MaxX = math.Max(meta.MaxX, p.X)
	meta.MinY = math.Min(meta.MinY, p.Y)
	meta.MaxY = math.Max(meta.MaxY, p.Y)
	meta.MinZ = math.Min(meta.MinZ, p.Z)
	meta.MaxZ = math.Max(meta.MaxZ, p.Z)
}

// PointCloud is an ordered sequence of 3D points with a parallel sequence of colors.
type PointCloud struct {
	points []r3.Vector
	colors []color.NRGBA
	meta   MetaData
}

// New returns an empty cloud with room for capacity points.
func New(capacity int) *PointCloud {
	return &PointCloud{
		points: make([]r3.Vector, 0, capacity),
		colors: make([]color.NRGBA, 0, capacity),
		meta:   NewMetaData(),
	}
}

// Append adds a colored point at the end of the cloud.
func (pc *PointCloud) Append(p r3.Vector, c color.NRGBA) {
	pc.points = append(pc.points, p)
	pc.colors = append(pc.colors, c)
	pc.meta.HasColor = true
	pc.meta.Merge(p)
}

// Size returns the number of points in the cloud.
func (pc *PointCloud) Size() int {
	return len(pc.points)
}

// At returns the i-th point and its color.
func (pc *PointCloud) At(i int) (r3.Vector, color.NRGBA) {
	return pc.points[i], pc.colors[i]
}

// Points returns the positions in cloud order. The slice is shared with the cloud.
func (pc *PointCloud) Points() []r3.Vector {
	return pc.points
}

// Colors returns the colors in cloud order. The slice is shared with the cloud.
func (pc *PointCloud) Colors() []color.NRGBA {
	return pc.colors
}

// MetaData returns the bounds of the cloud.
func (pc *PointCloud) MetaData() MetaData {
	return pc.meta
}

// Reset empties the cloud, keeping its allocation.
func (pc *PointCloud) Reset() {
	pc.points = pc.points[:0]
	pc.colors = pc.colors[:0]
	pc.meta = NewMetaData()
}

// CopyFrom replaces the contents of the cloud with those of other.
func (pc *PointCloud) CopyFrom(other *PointCloud) {
	pc.points = append(pc.points[:0], other.points...)
	pc.colors = append(pc.colors[:0], other.colors...)
	pc.meta = other.meta
}

// FlipTransform is the homogeneous transform that turns a camera frame cloud
// (y down, z forward) right side up for viewing.
func FlipTransform() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, -1, 0, 0,
		0, 0, -1, 0,
		0, 0, 0, 1,
	})
}

// Transform applies a 4x4 homogeneous transform to every point in place.
func (pc *PointCloud) Transform(m mat.Matrix) error {
	if r, c := m.Dims(); r != 4 || c != 4 {
		return errors.Errorf("transform must be 4x4, got %dx%d", r, c)
	}
	var t [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t[i*4+j] = m.At(i, j)
		}
	}
	pc.meta = NewMetaData()
	pc.meta.HasColor = len(pc.colors) > 0
	for i, p := range pc.points {
		w := t[12]*p.X + t[13]*p.Y + t[14]*p.Z + t[15]
		if w == 0 {
			return errors.Errorf("transform maps point %d to infinity", i)
		}
		q := r3.Vector{
			X: (t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3]) / w,
			Y: (t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7]) / w,
			Z: (t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11]) / w,
		}
		pc.points[i] = q
		pc.meta.Merge(q)
	}
	return nil
}
