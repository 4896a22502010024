package rimage

import (
	"image"

	"github.com/pkg/errors"
)

// RGBDImage is a color raster and a depth raster in meters that share one pixel grid.
type RGBDImage struct {
	Color  *image.NRGBA
	width  int
	height int
	depth  []float64
}

// NewRGBDImage fuses a color image with a raw depth map. depthScale is the number of raw
// units per meter, so each reading is divided by it. Readings at or beyond depthTrunc
// meters are cleared to zero.
func NewRGBDImage(col *image.NRGBA, dm *DepthMap, depthScale, depthTrunc float64) (*RGBDImage, error) {
	if col == nil {
		return nil, errors.New("no color channel")
	}
	if dm == nil {
		return nil, errors.New("no depth channel")
	}
	if col.Bounds().Dx() != dm.Width() || col.Bounds().Dy() != dm.Height() {
		return nil, errors.Errorf("depth map and color dimensions don't match Depth(%d,%d) != Color(%d,%d)",
			dm.Width(), dm.Height(), col.Bounds().Dx(), col.Bounds().Dy())
	}
	if depthScale <= 0 {
		return nil, errors.Errorf("depth scale must be positive, got %v", depthScale)
	}
	rgbd := &RGBDImage{
		Color:  col,
		width:  dm.Width(),
		height: dm.Height(),
		depth:  make([]float64, len(dm.data)),
	}
	for i, raw := range dm.data {
		meters := float64(raw) / depthScale
		if meters >= depthTrunc {
			meters = 0
		}
		rgbd.depth[i] = meters
	}
	return rgbd, nil
}

// Width returns the horizontal size of the image.
func (rgbd *RGBDImage) Width() int {
	return rgbd.width
}

// Height returns the vertical size of the image.
func (rgbd *RGBDImage) Height() int {
	return rgbd.height
}

// DepthAt returns the depth in meters at (x, y), zero if there is none.
func (rgbd *RGBDImage) DepthAt(x, y int) float64 {
	return rgbd.depth[y*rgbd.width+x]
}

// ColorAt returns the color of pixel (x, y).
func (rgbd *RGBDImage) ColorAt(x, y int) (uint8, uint8, uint8) {
	b := rgbd.Color.Bounds()
	off := rgbd.Color.PixOffset(b.Min.X+x, b.Min.Y+y)
	pix := rgbd.Color.Pix[off : off+3 : off+3]
	return pix[0], pix[1], pix[2]
}
