package poisson

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/soypat/poisson/bspline"
	"github.com/soypat/poisson/internal/d3"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// value evaluates the implicit function at q in unit cube coordinates.
func (o *Octree) value(q r3.Vec) float64 {
	q = r3.Vec{X: clampUnit(q.X), Y: clampUnit(q.Y), Z: clampUnit(q.Z)}
	var v float64
	maxD := o.tree.Depth()
	for d := 0; d <= maxD; d++ {
		s := math.Ldexp(1, d)
		cell := [3]int32{int32(math.Floor(q.X * s)), int32(math.Floor(q.Y * s)), int32(math.Floor(q.Z * s))}
		sw := bspline.SplatWeights(d, cell, q)
		found := false
		for x := 0; x < 3; x++ {
			for y := 0; y < 3; y++ {
				for z := 0; z < 3; z++ {
					i := o.tree.Lookup(d, [3]int32{cell[0] + int32(x) - 1, cell[1] + int32(y) - 1, cell[2] + int32(z) - 1})
					if i < 0 {
						continue
					}
					found = true
					v += o.data[i].Solution * sw[0][x] * sw[1][y] * sw[2][z]
				}
			}
		}
		if !found {
			// Finer nodes overlapping q would have a parent here.
			break
		}
	}
	return v
}

// clampUnit clamps x to where domain basis functions may be non zero.
func clampUnit(x float64) float64 {
	return math.Max(-1, math.Min(2, x))
}

// Evaluate returns the implicit function minus the iso value at p, given in
// input coordinates. It is negative inside the reconstructed surface.
func (o *Octree) Evaluate(p r3.Vec) float64 {
	if !o.xform.IsIdentity() {
		p = o.xform.Transform(p)
	}
	return o.value(o.toUnit(p)) - o.isoValue
}

// Bounds returns the box in input coordinates enclosing the reconstruction cube.
func (o *Octree) Bounds() r3.Box {
	cube := d3.CenteredBox(o.center, r3.Vec{X: o.scale, Y: o.scale, Z: o.scale})
	if o.ixform.IsIdentity() {
		return r3.Box(cube)
	}
	return r3.Box(o.ixform.TransformBox(cube))
}

// GetSolutionGrid samples the implicit function minus iso at the centers of
// the res^3 cells of depth, res = 2^depth. A negative depth selects the
// finest depth. The value of cell (x,y,z) is at index x + res*(y + res*z).
func (o *Octree) GetSolutionGrid(depth int, iso float64) (res int, grid []float64, err error) {
	if !o.solved {
		return 0, nil, fmt.Errorf("solution grid requested before the solve")
	}
	if depth < 0 {
		depth = o.maxDepth
	}
	if depth > o.maxDepth {
		return 0, nil, fmt.Errorf("%w: grid depth %d exceeds tree depth %d", ErrInvalidParameters, depth, o.maxDepth)
	}
	res = 1 << depth
	grid = make([]float64, res*res*res)
	w := 1 / float64(res)
	err = parallelRange(o.params.threads(), 0, res, func(lo, hi int) error {
		for z := lo; z < hi; z++ {
			for y := 0; y < res; y++ {
				for x := 0; x < res; x++ {
					q := r3.Vec{X: (float64(x) + 0.5) * w, Y: (float64(y) + 0.5) * w, Z: (float64(z) + 0.5) * w}
					grid[x+res*(y+res*z)] = o.value(q) - iso
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return res, grid, nil
}

// IsoValue returns the iso value selected by GetIsoValue.
func (o *Octree) IsoValue() float64 { return o.isoValue }

// GetIsoValue evaluates the implicit function at the screening points and
// picks the iso value as their median or weighted mean, so the surface
// passes through the samples.
func (o *Octree) GetIsoValue() (float64, error) {
	if !o.solved {
		return 0, fmt.Errorf("iso value requested before the solve")
	}
	if len(o.points) == 0 {
		return 0, ErrNoPoints
	}
	vals := make([]float64, len(o.points))
	weights := make([]float64, len(o.points))
	err := parallelRange(o.params.threads(), 0, len(o.points), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			vals[i] = o.value(o.points[i].Position)
			weights[i] = o.points[i].Weight
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var iso float64
	switch o.params.IsoValue {
	case IsoMean:
		iso = stat.Mean(vals, weights)
	default:
		iso, err = stats.Median(stats.Float64Data(vals))
		if err != nil {
			return 0, fmt.Errorf("median iso value: %w", err)
		}
	}
	o.isoValue = iso
	if o.params.Verbose {
		o.ctx.DumpOutput("Iso-Value: %g", iso)
	}
	return iso, nil
}
