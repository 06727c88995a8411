package poisson

import (
	"math"

	"github.com/soypat/poisson/bspline"
	"github.com/soypat/poisson/octree"
	"gonum.org/v1/gonum/spatial/r3"
)

// sampleScale normalizes density so a lone sample at a cell center reads 1.
// 0.59375 is the sum of the squared 1D splat weights at a cell center.
const sampleScale = 1 / (0.59375 * 0.59375 * 0.59375)

// UpdateWeightContribution splats the density of a sample of weight w at q
// onto the 3x3x3 depth d nodes around it, creating them as needed.
func (o *Octree) UpdateWeightContribution(d int, q r3.Vec, w float64) error {
	cell := octree.CellOf(q, d)
	sw := bspline.SplatWeights(d, cell, q)
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			for z := 0; z < 3; z++ {
				off := [3]int32{cell[0] + int32(x) - 1, cell[1] + int32(y) - 1, cell[2] + int32(z) - 1}
				i, err := o.tree.Ensure(d, off)
				if err != nil {
					return err
				}
				if i < 0 {
					continue
				}
				o.grow()
				o.density[i] += sampleScale * w * sw[0][x] * sw[1][y] * sw[2][z]
			}
		}
	}
	return nil
}

// GetSampleWeight returns the sample density at q estimated at depth d, in
// samples per depth d cell.
func (o *Octree) GetSampleWeight(d int, q r3.Vec) float64 {
	cell := octree.CellOf(q, d)
	sw := bspline.SplatWeights(d, cell, q)
	var rho float64
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			for z := 0; z < 3; z++ {
				i := o.tree.Lookup(d, [3]int32{cell[0] + int32(x) - 1, cell[1] + int32(y) - 1, cell[2] + int32(z) - 1})
				if i < 0 || int(i) >= len(o.density) {
					continue
				}
				rho += o.density[i] * sw[0][x] * sw[1][y] * sw[2][z]
			}
		}
	}
	return rho
}

// GetSampleDepthAndWeight returns the fractional depth at which the sample
// density around q matches SamplesPerNode, and the area weight 4^-depth of a
// depth sized cell. Densities finer than the kernel depth are extrapolated
// assuming samples lie on a surface. Coarser ones are interpolated in log
// space between the bracketing depths.
func (o *Octree) GetSampleDepthAndWeight(q r3.Vec) (depth, weight float64) {
	spn := o.params.SamplesPerNode
	d := o.params.kernelDepth()
	rho := o.GetSampleWeight(d, q)
	if rho >= spn {
		depth = float64(d) + math.Log(rho/spn)/math.Log(4)
		return depth, math.Pow(4, -depth)
	}
	for d > 0 {
		d--
		coarser := o.GetSampleWeight(d, q)
		if coarser >= spn {
			depth = float64(d)
			if coarser > rho {
				depth += math.Log(coarser/spn) / math.Log(coarser/rho)
			}
			return depth, math.Pow(4, -depth)
		}
		rho = coarser
	}
	return 0, 1
}

// SplatOrientedPoint adds the normal field of a sample at q onto the nodes
// around it. n is the sample normal already scaled by its weight and area.
// The sample is split between the two depths bracketing depth, clamped to
// [MinDepth, Depth].
func (o *Octree) SplatOrientedPoint(q, n r3.Vec, depth float64) error {
	dx := 1.0
	switch {
	case depth <= float64(o.minDepth):
		depth = float64(o.minDepth)
	case depth >= float64(o.maxDepth):
		depth = float64(o.maxDepth)
	}
	top := int(math.Ceil(depth))
	if float64(top) != depth {
		dx = 1 - (float64(top) - depth)
	}
	o.pointCount[top]++
	if err := o.splatAt(top, q, r3.Scale(dx, n)); err != nil {
		return err
	}
	if dx < 1 {
		return o.splatAt(top-1, q, r3.Scale(1-dx, n))
	}
	return nil
}

func (o *Octree) splatAt(d int, q, n r3.Vec) error {
	w := octree.Width(d)
	n = r3.Scale(1/(w*w*w), n)
	cell := octree.CellOf(q, d)
	sw := bspline.SplatWeights(d, cell, q)
	last := int32(1)<<d - 1
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			for z := 0; z < 3; z++ {
				off := [3]int32{cell[0] + int32(x) - 1, cell[1] + int32(y) - 1, cell[2] + int32(z) - 1}
				if !octree.InDomain(d, off) {
					if o.params.RobertoToldoFix {
						continue
					}
					for a := range off {
						off[a] = min(max(off[a], 0), last)
					}
				}
				i, err := o.tree.Ensure(d, off)
				if err != nil {
					return err
				}
				o.grow()
				o.field[i] = r3.Add(o.field[i], r3.Scale(sw[0][x]*sw[1][y]*sw[2][z], n))
			}
		}
	}
	return nil
}
