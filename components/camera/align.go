package camera

import (
	"image"

	"github.com/pkg/errors"

	"github.com/viam-labs/pillarview/rimage"
	"github.com/viam-labs/pillarview/rimage/transform"
)

// ErrFrameUnavailable is returned when a frameset is missing its depth or color frame.
// Callers skip the iteration.
var ErrFrameUnavailable = errors.New("frame unavailable")

// Aligner reprojects the depth frame of each frameset into its color frame.
type Aligner struct {
	aligner *transform.DepthColorAligner
	depthK  transform.PinholeCameraIntrinsics
	colorK  transform.PinholeCameraIntrinsics
	ext     transform.Extrinsics
}

// Process aligns fs. The returned depth map has the color frame's dimensions and stays in
// raw sensor units.
func (a *Aligner) Process(fs *Frameset, depthScale float64) (*rimage.DepthMap, *image.NRGBA, transform.PinholeCameraIntrinsics, error) {
	if fs == nil || fs.Depth == nil || fs.Color == nil || fs.Depth.Depth == nil || fs.Color.Image == nil {
		return nil, nil, transform.PinholeCameraIntrinsics{}, ErrFrameUnavailable
	}
	if a.aligner == nil || a.depthK != fs.Depth.Intrinsics || a.colorK != fs.Color.Intrinsics || a.ext != fs.DepthToColor {
		depthK, colorK := fs.Depth.Intrinsics, fs.Color.Intrinsics
		aligner, err := transform.NewDepthColorAligner(&depthK, &colorK, fs.DepthToColor)
		if err != nil {
			return nil, nil, transform.PinholeCameraIntrinsics{}, err
		}
		a.aligner, a.depthK, a.colorK, a.ext = aligner, depthK, colorK, fs.DepthToColor
	}
	aligned, err := a.aligner.Align(fs.Depth.Depth, depthScale)
	if err != nil {
		return nil, nil, transform.PinholeCameraIntrinsics{}, err
	}
	return aligned, fs.Color.Image, a.colorK, nil
}
