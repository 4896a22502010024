// Package rimage holds the raster types shared by the camera, aligner and point cloud builder.
package rimage

import (
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/pkg/errors"
)

// Depth is a raw depth sensor reading. Its unit is device specific and is turned
// into meters with the device depth scale.
type Depth uint16

// MaxDepth is the largest raw reading a DepthMap can hold.
const MaxDepth = Depth(65535)

// DepthMap is a row-major raster of raw depth readings. A zero reading means no data.
type DepthMap struct {
	width  int
	height int
	data   []Depth
}

// NewEmptyDepthMap returns a width x height map with every pixel set to zero.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

// Width returns the horizontal size of the map.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the vertical size of the map.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the rectangle covered by the map.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

func (dm *DepthMap) kxy(x, y int) int {
	return y*dm.width + x
}

// GetDepth returns the raw reading at (x, y).
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[dm.kxy(x, y)]
}

// Set stores a raw reading at (x, y).
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[dm.kxy(x, y)] = val
}

// ValidCount returns the number of pixels that carry a reading.
func (dm *DepthMap) ValidCount() int {
	n := 0
	for _, d := range dm.data {
		if d != 0 {
			n++
		}
	}
	return n
}

// ConvertImageToDepthMap takes a 16-bit grayscale image and reads every pixel as a raw depth.
func ConvertImageToDepthMap(img image.Image) (*DepthMap, error) {
	switch ii := img.(type) {
	case *DepthMap:
		return ii, nil
	case *image.Gray16:
		bounds := ii.Bounds()
		dm := NewEmptyDepthMap(bounds.Dx(), bounds.Dy())
		for y := 0; y < dm.height; y++ {
			for x := 0; x < dm.width; x++ {
				dm.Set(x, y, Depth(ii.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
		return dm, nil
	default:
		return nil, errors.Errorf("don't know how to make DepthMap from %T", img)
	}
}

// ColorModel makes DepthMap an image.Image so it can be encoded as a 16-bit PNG.
func (dm *DepthMap) ColorModel() color.Model {
	return color.Gray16Model
}

// At returns the reading at (x, y) as a 16-bit gray value.
func (dm *DepthMap) At(x, y int) color.Color {
	return color.Gray16{uint16(dm.GetDepth(x, y))}
}

// ReadDepthPNG decodes a 16-bit grayscale PNG into a DepthMap.
func ReadDepthPNG(r io.Reader) (*DepthMap, error) {
	img, err := png.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decoding depth png")
	}
	return ConvertImageToDepthMap(img)
}

// WriteDepthPNG encodes the map as a 16-bit grayscale PNG.
func WriteDepthPNG(w io.Writer, dm *DepthMap) error {
	return png.Encode(w, dm)
}
