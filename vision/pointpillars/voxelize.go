package pointpillars

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Voxels is the pillar encoding of a batch, zero padded to a fixed capacity so it can be
// bound to fixed-shape network inputs.
type Voxels struct {
	// Features is [capacity, max_num_points, 4] float32.
	Features *tensor.Dense
	// NumPoints is [capacity] int32, the filled rows of each pillar.
	NumPoints *tensor.Dense
	// Coords is [capacity, 4] int32 holding batch, z, y and x indices.
	Coords *tensor.Dense
	// Count is the number of filled pillars.
	Count int
	// Dropped counts in-range points that did not fit in a full pillar or past max_voxels.
	Dropped int
}

// Capacity returns the number of pillar slots.
func (v *Voxels) Capacity() int {
	return v.NumPoints.Shape()[0]
}

type cell struct{ b, z, y, x int }

// VoxelizeBatch groups the points of every sample into pillars. Points are assigned in input
// order; a pillar keeps its first max_num_points points and a sample keeps its first
// max_voxels pillars, using the training or inference limit.
func (cfg *ModelConfig) VoxelizeBatch(batch *Batch, training bool) (*Voxels, error) {
	if batch == nil || batch.Size() == 0 {
		return nil, errors.New("no batch to voxelize")
	}
	maxVoxels := cfg.MaxVoxels(training)
	maxPoints := cfg.Voxelize.MaxNumPoints
	capacity := maxVoxels * batch.Size()

	features := make([]float32, capacity*maxPoints*4)
	numPoints := make([]int32, capacity)
	coords := make([]int32, capacity*4)

	nx, ny, nz := cfg.GridSize()
	r, size := cfg.PointCloudRange, cfg.Voxelize.VoxelSize
	out := &Voxels{}
	for b, points := range batch.Point {
		index := make(map[cell]int)
		perSample := 0
		for _, p := range points {
			cx := int(math.Floor((float64(p[0]) - r[0]) / size[0]))
			cy := int(math.Floor((float64(p[1]) - r[1]) / size[1]))
			cz := int(math.Floor((float64(p[2]) - r[2]) / size[2]))
			if cx < 0 || cy < 0 || cz < 0 || cx >= nx || cy >= ny || cz >= nz {
				continue
			}
			key := cell{b, cz, cy, cx}
			slot, ok := index[key]
			if !ok {
				if perSample == maxVoxels {
					out.Dropped++
					continue
				}
				slot = out.Count
				index[key] = slot
				out.Count++
				perSample++
				copy(coords[slot*4:], []int32{int32(b), int32(cz), int32(cy), int32(cx)})
			}
			n := int(numPoints[slot])
			if n == maxPoints {
				out.Dropped++
				continue
			}
			copy(features[(slot*maxPoints+n)*4:], p[:])
			numPoints[slot]++
		}
	}

	out.Features = tensor.New(tensor.WithShape(capacity, maxPoints, 4), tensor.WithBacking(features))
	out.NumPoints = tensor.New(tensor.WithShape(capacity), tensor.WithBacking(numPoints))
	out.Coords = tensor.New(tensor.WithShape(capacity, 4), tensor.WithBacking(coords))
	return out, nil
}
