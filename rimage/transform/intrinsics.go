// Package transform holds the camera models used to align depth with color and to
// project RGB-D images into point clouds.
package transform

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
)

// ErrNoIntrinsics is returned when a sensor reports no usable projection parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// PinholeCameraIntrinsics is the pinhole projection of one sensor, in pixels.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid reports the first parameter that cannot describe a real sensor. Every failure
// wraps ErrNoIntrinsics.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return errors.Wrap(ErrNoIntrinsics, "missing")
	}
	switch {
	case params.Width <= 0 || params.Height <= 0:
		return errors.Wrapf(ErrNoIntrinsics, "image size %dx%d must be positive", params.Width, params.Height)
	case params.Fx <= 0 || params.Fy <= 0:
		return errors.Wrapf(ErrNoIntrinsics, "focal lengths (%g, %g) must be positive", params.Fx, params.Fy)
	case params.Ppx < 0 || params.Ppy < 0:
		return errors.Wrapf(ErrNoIntrinsics, "principal point (%g, %g) lies outside the image", params.Ppx, params.Ppy)
	}
	return nil
}

// ReadIntrinsicsFile loads intrinsics stored as JSON at path.
func ReadIntrinsicsFile(path string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading intrinsics")
	}
	var params PinholeCameraIntrinsics
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, errors.Wrapf(err, "parsing intrinsics %s", path)
	}
	return &params, nil
}

// WithSize returns a copy of the intrinsics with the image size replaced.
func (params PinholeCameraIntrinsics) WithSize(width, height int) PinholeCameraIntrinsics {
	params.Width = width
	params.Height = height
	return params
}

// PixelToPoint back-projects pixel (x, y) at depth z meters into the sensor frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	return z * (x - params.Ppx) / params.Fx, z * (y - params.Ppy) / params.Fy, z
}

// PointToPixel projects a point in the sensor frame onto the continuous image plane. A point
// on the z = 0 plane has no projection and maps to (-1, -1), which is outside every image.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z == 0 {
		return -1, -1
	}
	return params.Fx*x/z + params.Ppx, params.Fy*y/z + params.Ppy
}

// PointToPixelRounded is PointToPixel snapped to the nearest pixel.
func (params *PinholeCameraIntrinsics) PointToPixelRounded(x, y, z float64) (int, int) {
	px, py := params.PointToPixel(x, y, z)
	return int(math.Round(px)), int(math.Round(py))
}
