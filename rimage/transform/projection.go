package transform

import (
	"image"
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/viam-labs/pillarview/pointcloud"
	"github.com/viam-labs/pillarview/rimage"
)

// RGBDToPointCloud projects every pixel of rgbd holding depth into a colored 3D point in
// meters. Points are emitted in row-major pixel order.
func (params *PinholeCameraIntrinsics) RGBDToPointCloud(rgbd *rimage.RGBDImage) (*pointcloud.PointCloud, error) {
	if rgbd == nil {
		return nil, errors.New("no rgbd image. Cannot project to Pointcloud")
	}
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if rgbd.Width() != params.Width || rgbd.Height() != params.Height {
		return nil, errors.Errorf("rgbd dimension and intrinsics don't match Image(%d,%d) != Intrinsics(%d,%d)",
			rgbd.Width(), rgbd.Height(), params.Width, params.Height)
	}
	pc := pointcloud.New(rgbd.Width() * rgbd.Height())
	for y := 0; y < rgbd.Height(); y++ {
		for x := 0; x < rgbd.Width(); x++ {
			z := rgbd.DepthAt(x, y)
			if z <= 0 {
				continue
			}
			px, py, pz := params.PixelToPoint(float64(x), float64(y), z)
			r, g, b := rgbd.ColorAt(x, y)
			pc.Append(r3.Vector{X: px, Y: py, Z: pz}, color.NRGBA{r, g, b, 255})
		}
	}
	return pc, nil
}

// PointCloudBuilder turns aligned depth and color frames into an RGB-D image and a point cloud.
type PointCloudBuilder struct {
	// Width and Height override the image size reported with the color intrinsics.
	Width, Height int
	// DepthScale is the device depth scale in meters per raw unit.
	DepthScale float64
	// ClipDistance drops everything at or beyond this many meters.
	ClipDistance float64
}

// Build fuses an aligned depth map with its color image. The focal lengths and principal
// point come from colorIntrinsics, the image size from the builder.
func (b *PointCloudBuilder) Build(
	col *image.NRGBA,
	aligned *rimage.DepthMap,
	colorIntrinsics PinholeCameraIntrinsics,
) (*rimage.RGBDImage, *pointcloud.PointCloud, error) {
	if b.DepthScale <= 0 {
		return nil, nil, errors.Errorf("depth scale must be positive, got %v", b.DepthScale)
	}
	rgbd, err := rimage.NewRGBDImage(col, aligned, 1.0/b.DepthScale, b.ClipDistance)
	if err != nil {
		return nil, nil, err
	}
	intrinsics := colorIntrinsics.WithSize(b.Width, b.Height)
	pc, err := intrinsics.RGBDToPointCloud(rgbd)
	if err != nil {
		return nil, nil, err
	}
	return rgbd, pc, nil
}
