package pointpillars

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/samber/lo"
)

// InferenceEnd turns raw network rows into boxes: rows under the score threshold are
// dropped, overlapping boxes of the same class are suppressed in bird's eye view and the
// result is capped at max_num, highest score first.
func (cfg *ModelConfig) InferenceEnd(raw []RawBox) []BoundingBox {
	valid := lo.Filter(raw, func(b RawBox, _ int) bool {
		return float64(b.Score) >= cfg.Head.ScoreThr && b.Label >= 0 && b.Label < len(cfg.Classes)
	})
	byClass := lo.GroupBy(valid, func(b RawBox) int { return b.Label })

	var kept []RawBox
	for _, boxes := range byClass {
		sort.SliceStable(boxes, func(i, j int) bool { return boxes[i].Score > boxes[j].Score })
		if cfg.Head.NMSPre > 0 && len(boxes) > cfg.Head.NMSPre {
			boxes = boxes[:cfg.Head.NMSPre]
		}
		kept = append(kept, nmsBEV(boxes, cfg.Head.NMSThr)...)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].Label < kept[j].Label
	})
	if cfg.Head.MaxNum > 0 && len(kept) > cfg.Head.MaxNum {
		kept = kept[:cfg.Head.MaxNum]
	}

	return lo.Map(kept, func(b RawBox, _ int) BoundingBox {
		return BoundingBox{
			Center:     r3.Vector{X: float64(b.X), Y: float64(b.Y), Z: float64(b.Z)},
			Size:       r3.Vector{X: float64(b.W), Y: float64(b.H), Z: float64(b.L)},
			Yaw:        float64(b.Yaw),
			Label:      cfg.Classes[b.Label],
			Confidence: float64(b.Score),
		}
	})
}

// nmsBEV greedily keeps boxes sorted by descending score, suppressing any box whose bird's
// eye view IoU with a kept box exceeds thr.
func nmsBEV(sorted []RawBox, thr float64) []RawBox {
	footprints := make([][]r2.Point, len(sorted))
	for i, b := range sorted {
		footprints[i] = footprint(b)
	}
	suppressed := make([]bool, len(sorted))
	var kept []RawBox
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && iou(footprints[i], footprints[j]) > thr {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// footprint is the box outline on the ground plane, counter clockwise. Length runs along
// the heading and width across it.
func footprint(b RawBox) []r2.Point {
	c := r2.Point{X: float64(b.X), Y: float64(b.Y)}
	sin, cos := math.Sincos(float64(b.Yaw))
	along := r2.Point{X: cos, Y: sin}.Mul(float64(b.L) / 2)
	across := r2.Point{X: -sin, Y: cos}.Mul(float64(b.W) / 2)
	return []r2.Point{
		c.Add(along).Add(across),
		c.Sub(along).Add(across),
		c.Sub(along).Sub(across),
		c.Add(along).Sub(across),
	}
}

func area(poly []r2.Point) float64 {
	a := 0.0
	for i := range poly {
		a += poly[i].Cross(poly[(i+1)%len(poly)])
	}
	return math.Abs(a) / 2
}

func iou(a, b []r2.Point) float64 {
	inter := area(clip(a, b))
	union := area(a) + area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// clip intersects the convex polygon subject with the counter clockwise convex polygon by.
func clip(subject, by []r2.Point) []r2.Point {
	out := subject
	for i := range by {
		if len(out) == 0 {
			break
		}
		a, b := by[i], by[(i+1)%len(by)]
		edge := b.Sub(a)
		inside := func(p r2.Point) bool { return edge.Cross(p.Sub(a)) >= 0 }
		in := out
		out = nil
		for j := range in {
			cur, prev := in[j], in[(j+len(in)-1)%len(in)]
			switch {
			case inside(cur) && inside(prev):
				out = append(out, cur)
			case inside(cur):
				out = append(out, intersect(prev, cur, a, b), cur)
			case inside(prev):
				out = append(out, intersect(prev, cur, a, b))
			}
		}
	}
	return out
}

// intersect returns where segment pq crosses the line through a and b.
func intersect(p, q, a, b r2.Point) r2.Point {
	d := q.Sub(p)
	e := b.Sub(a)
	denom := e.Cross(d)
	if denom == 0 {
		return p
	}
	t := e.Cross(a.Sub(p)) / denom
	return p.Add(d.Mul(t))
}
