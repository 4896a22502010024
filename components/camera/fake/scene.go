package fake

import (
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/viam-labs/pillarview/rimage"
	"github.com/viam-labs/pillarview/rimage/transform"
)

// Scene geometry in the depth camera frame (x right, y down, z forward), meters.
const (
	floorY      = 0.8
	wallZ       = 4.0
	boxHalfSize = 0.25
	boxZ        = 2.0
)

type surface int

const (
	surfaceNone surface = iota
	surfaceFloor
	surfaceWall
	surfaceBox
)

// scene is a floor, a back wall and a box sliding left and right.
type scene struct {
	boxMin, boxMax r3.Vector
}

func sceneAt(frame uint64) scene {
	cx := 0.5 * math.Sin(float64(frame)*0.05)
	return scene{
		boxMin: r3.Vector{X: cx - boxHalfSize, Y: floorY - 2*boxHalfSize, Z: boxZ - boxHalfSize},
		boxMax: r3.Vector{X: cx + boxHalfSize, Y: floorY, Z: boxZ + boxHalfSize},
	}
}

// trace returns the distance along the ray origin + t*dir to the nearest surface.
func (s scene) trace(origin, dir r3.Vector) (float64, surface) {
	best, hit := math.Inf(1), surfaceNone
	if dir.Y > 0 {
		if t := (floorY - origin.Y) / dir.Y; t > 0 && t < best {
			best, hit = t, surfaceFloor
		}
	}
	if dir.Z > 0 {
		if t := (wallZ - origin.Z) / dir.Z; t > 0 && t < best {
			best, hit = t, surfaceWall
		}
	}
	if t, ok := s.intersectBox(origin, dir); ok && t < best {
		best, hit = t, surfaceBox
	}
	return best, hit
}

// intersectBox is the slab test against the axis aligned box.
func (s scene) intersectBox(origin, dir r3.Vector) (float64, bool) {
	tMin, tMax := math.Inf(-1), math.Inf(1)
	o := [3]float64{origin.X, origin.Y, origin.Z}
	d := [3]float64{dir.X, dir.Y, dir.Z}
	lo := [3]float64{s.boxMin.X, s.boxMin.Y, s.boxMin.Z}
	hi := [3]float64{s.boxMax.X, s.boxMax.Y, s.boxMax.Z}
	for i := 0; i < 3; i++ {
		if d[i] == 0 {
			if o[i] < lo[i] || o[i] > hi[i] {
				return 0, false
			}
			continue
		}
		t1, t2 := (lo[i]-o[i])/d[i], (hi[i]-o[i])/d[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tMin, tMax = math.Max(tMin, t1), math.Min(tMax, t2)
	}
	if tMax < tMin || tMax <= 0 {
		return 0, false
	}
	if tMin > 0 {
		return tMin, true
	}
	return tMax, true
}

func ray(params *transform.PinholeCameraIntrinsics, u, v int) r3.Vector {
	x, y, z := params.PixelToPoint(float64(u), float64(v), 1)
	return r3.Vector{X: x, Y: y, Z: z}
}

// renderDepth traces the depth camera. dir has z = 1 so the hit distance is the depth.
func (s scene) renderDepth(params *transform.PinholeCameraIntrinsics, depthScale float64) *rimage.DepthMap {
	dm := rimage.NewEmptyDepthMap(params.Width, params.Height)
	for v := 0; v < params.Height; v++ {
		for u := 0; u < params.Width; u++ {
			z, hit := s.trace(r3.Vector{}, ray(params, u, v))
			if hit == surfaceNone {
				continue
			}
			raw := math.Round(z / depthScale)
			if raw > float64(rimage.MaxDepth) {
				continue
			}
			dm.Set(u, v, rimage.Depth(raw))
		}
	}
	return dm
}

// renderColor traces the color camera, which sits at origin in the depth frame.
func (s scene) renderColor(params *transform.PinholeCameraIntrinsics, origin r3.Vector) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, params.Width, params.Height))
	for v := 0; v < params.Height; v++ {
		for u := 0; u < params.Width; u++ {
			dir := ray(params, u, v)
			t, hit := s.trace(origin, dir)
			img.SetNRGBA(u, v, shade(hit, origin.Add(dir.Mul(t))))
		}
	}
	return img
}

func shade(hit surface, p r3.Vector) color.NRGBA {
	switch hit {
	case surfaceFloor:
		if (int(math.Floor(p.X*2))+int(math.Floor(p.Z*2)))%2 == 0 {
			return color.NRGBA{90, 90, 90, 255}
		}
		return color.NRGBA{170, 170, 170, 255}
	case surfaceWall:
		// hue sweeps with height on the wall.
		r, g, b := colorful.Hsv(math.Mod(200+p.Y*60+360, 360), 0.5, 0.9).RGB255()
		return color.NRGBA{r, g, b, 255}
	case surfaceBox:
		return color.NRGBA{200, 40, 30, 255}
	case surfaceNone:
	}
	return color.NRGBA{0, 0, 0, 255}
}
