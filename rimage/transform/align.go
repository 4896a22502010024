package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/viam-labs/pillarview/rimage"
)

// DepthColorAligner reprojects depth maps into the pixel grid of a color camera.
type DepthColorAligner struct {
	depth        PinholeCameraIntrinsics
	color        PinholeCameraIntrinsics
	depthToColor Extrinsics
}

// NewDepthColorAligner validates the camera system and returns an aligner for it.
func NewDepthColorAligner(depth, color *PinholeCameraIntrinsics, depthToColor Extrinsics) (*DepthColorAligner, error) {
	if err := depth.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "depth intrinsics")
	}
	if err := color.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "color intrinsics")
	}
	if err := depthToColor.CheckValid(); err != nil {
		return nil, err
	}
	return &DepthColorAligner{depth: *depth, color: *color, depthToColor: depthToColor}, nil
}

// Align returns a depth map with the dimensions of the color camera where each pixel holds
// the raw depth of the surface seen by that color pixel. depthScale is the device scale in
// meters per raw unit. Each depth pixel is treated as a square and splatted onto every color
// pixel whose center it covers; when several depth pixels land on the same color pixel the
// nearest one wins.
func (a *DepthColorAligner) Align(dm *rimage.DepthMap, depthScale float64) (*rimage.DepthMap, error) {
	if dm == nil {
		return nil, errors.New("input DepthMap is nil")
	}
	if dm.Width() != a.depth.Width || dm.Height() != a.depth.Height {
		return nil, errors.Errorf("depth map dimension and intrinsics don't match Depth(%d,%d) != Intrinsics(%d,%d)",
			dm.Width(), dm.Height(), a.depth.Width, a.depth.Height)
	}
	if depthScale <= 0 {
		return nil, errors.Errorf("depth scale must be positive, got %v", depthScale)
	}
	out := rimage.NewEmptyDepthMap(a.color.Width, a.color.Height)
	for v := 0; v < dm.Height(); v++ {
		for u := 0; u < dm.Width(); u++ {
			raw := dm.GetDepth(u, v)
			if raw == 0 {
				continue
			}
			z := float64(raw) * depthScale
			center := a.toColorFrame(float64(u), float64(v), z)
			if center.Z <= 0 {
				continue
			}
			aligned := math.Round(center.Z / depthScale)
			if aligned <= 0 || aligned > float64(rimage.MaxDepth) {
				continue
			}
			lo := a.toColorFrame(float64(u)-0.5, float64(v)-0.5, z)
			hi := a.toColorFrame(float64(u)+0.5, float64(v)+0.5, z)
			if lo.Z <= 0 || hi.Z <= 0 {
				continue
			}
			x0, y0 := a.color.PointToPixel(lo.X, lo.Y, lo.Z)
			x1, y1 := a.color.PointToPixel(hi.X, hi.Y, hi.Z)
			a.splat(out, x0, y0, x1, y1, rimage.Depth(aligned))
		}
	}
	return out, nil
}

func (a *DepthColorAligner) toColorFrame(u, v, z float64) r3.Vector {
	x, y, z := a.depth.PixelToPoint(u, v, z)
	return a.depthToColor.TransformPoint(r3.Vector{X: x, Y: y, Z: z})
}

// splat writes d into every pixel whose center lies in [x0, x1) x [y0, y1).
func (a *DepthColorAligner) splat(out *rimage.DepthMap, x0, y0, x1, y1 float64, d rimage.Depth) {
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	xStart := max(int(math.Ceil(snap(x0))), 0)
	yStart := max(int(math.Ceil(snap(y0))), 0)
	xEnd := min(int(math.Ceil(snap(x1))), out.Width())
	yEnd := min(int(math.Ceil(snap(y1))), out.Height())
	for y := yStart; y < yEnd; y++ {
		for x := xStart; x < xEnd; x++ {
			if cur := out.GetDepth(x, y); cur == 0 || d < cur {
				out.Set(x, y, d)
			}
		}
	}
}

// snap drops projection round-off so pixel edges land exactly on half-pixel boundaries.
func snap(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
