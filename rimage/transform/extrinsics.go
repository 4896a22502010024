package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const rotationTolerance = 1e-6

// Extrinsics is the rigid transform from one sensor frame to another. Rotation is
// row-major, translation is in meters.
type Extrinsics struct {
	Rotation    [9]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation_m"`
}

// IdentityExtrinsics is the transform between two sensors that share a frame.
func IdentityExtrinsics() Extrinsics {
	return Extrinsics{Rotation: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// RotationMatrix returns the rotation part as a 3x3 matrix.
func (e *Extrinsics) RotationMatrix() *mat.Dense {
	return mat.NewDense(3, 3, e.Rotation[:])
}

// CheckValid reports whether the rotation part is a proper rotation.
func (e *Extrinsics) CheckValid() error {
	rot := e.RotationMatrix()
	var rrt mat.Dense
	rrt.Mul(rot, rot.T())
	if !mat.EqualApprox(&rrt, eye3(), rotationTolerance) {
		return errors.New("extrinsic rotation is not orthonormal")
	}
	if det := mat.Det(rot); math.Abs(det-1) > rotationTolerance {
		return errors.Errorf("extrinsic rotation determinant must be 1, got %v", det)
	}
	return nil
}

// TransformPoint maps a point from the source frame into the target frame.
func (e *Extrinsics) TransformPoint(p r3.Vector) r3.Vector {
	r := &e.Rotation
	return r3.Vector{
		X: r[0]*p.X + r[1]*p.Y + r[2]*p.Z + e.Translation[0],
		Y: r[3]*p.X + r[4]*p.Y + r[5]*p.Z + e.Translation[1],
		Z: r[6]*p.X + r[7]*p.Y + r[8]*p.Z + e.Translation[2],
	}
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
