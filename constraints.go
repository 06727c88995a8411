package poisson

import (
	"math"

	"github.com/soypat/poisson/bspline"
	"github.com/soypat/poisson/octree"
	"gonum.org/v1/gonum/spatial/r3"
)

// screenTarget is the value the screening term pulls the implicit function
// towards at the samples, halfway between the interior (-1) and the
// exterior (0) of the indicator the normal field is the gradient of.
const screenTarget = -0.5

// screenWeight returns the screening weight used at depth d.
func (o *Octree) screenWeight(d int) float64 {
	return o.params.PointWeight * math.Ldexp(1, d)
}

func parentOf(off [3]int32) [3]int32 {
	return [3]int32{off[0] >> 1, off[1] >> 1, off[2] >> 1}
}

// upWeight3 is the coefficient of the fine node m in the refinement of the
// coarse node k one depth above.
func upWeight3(m, k [3]int32) float64 {
	return bspline.UpWeight(m[0], k[0]) * bspline.UpWeight(m[1], k[1]) * bspline.UpWeight(m[2], k[2])
}

func (o *Octree) normal(i int32) r3.Vec {
	ni := o.data[i].NormalIndex
	if ni < 0 {
		return r3.Vec{}
	}
	return o.normals[ni]
}

// SetLaplacianConstraints computes the right hand side of every node:
// the inner product of the node's basis gradient with the whole splatted
// normal field, plus the screening target term.
func (o *Octree) SetLaplacianConstraints() error {
	maxD := o.tree.Depth()
	for d := 0; d <= maxD; d++ {
		scale := bspline.DivergenceScale(d)
		err := o.depthRange(d, func(lo, hi int32) error {
			var nb [125]int32
			for i := lo; i < hi; i++ {
				node := o.tree.Node(i)
				o.tree.Neighbors(d, node.Off, 2, nb[:])
				var b float64
				for x := 0; x < 5; x++ {
					for y := 0; y < 5; y++ {
						for z := 0; z < 5; z++ {
							j := nb[x*25+y*5+z]
							if j < 0 || o.data[j].NormalIndex < 0 {
								continue
							}
							b += r3.Dot(o.normals[o.data[j].NormalIndex], o.stencils.Divergence[x][y][z])
						}
					}
				}
				o.data[i].Constraint = b * scale
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if err := o.DownSampleFinerConstraints(); err != nil {
		return err
	}
	if err := o.upSampleCoarserNormals(); err != nil {
		return err
	}
	o.setScreeningTargets()
	return nil
}

// DownSampleFinerConstraints adds to every node the inner product of its
// basis gradient with the normal field splatted at finer depths. Finer
// normals are scattered one depth up with the cross stencil and the result
// is restricted through the two scale relation down to the root.
func (o *Octree) DownSampleFinerConstraints() error {
	maxD := o.tree.Depth()
	acc := make([]float64, len(o.data))
	var nb [125]int32
	// acc of depth d+1 is complete when depth d is visited.
	for d := maxD - 1; d >= 0; d-- {
		scale := bspline.DivergenceScale(d + 1)
		for i := o.tree.Start(d + 1); i < o.tree.End(d+1); i++ {
			n := o.normal(i)
			if n == (r3.Vec{}) {
				continue
			}
			node := o.tree.Node(i)
			o.tree.Neighbors(d, parentOf(node.Off), 2, nb[:])
			st := &o.stencils.CrossDivergenceUp[octree.ChildIndex(node.Off)]
			for x := 0; x < 5; x++ {
				for y := 0; y < 5; y++ {
					for z := 0; z < 5; z++ {
						if k := nb[x*25+y*5+z]; k >= 0 {
							acc[k] += r3.Dot(n, st[x][y][z]) * scale
						}
					}
				}
			}
		}
		err := o.depthRange(d, func(lo, hi int32) error {
			for k := lo; k < hi; k++ {
				acc[k] += o.restrict(d, k, acc)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	for i := range o.data {
		o.data[i].Constraint += acc[i]
	}
	return nil
}

// restrict returns sum over depth d+1 nodes m of UpWeight(m, k) * v[m] for
// the depth d node k.
func (o *Octree) restrict(d int, k int32, v []float64) float64 {
	off := o.tree.Node(k).Off
	var sum float64
	for x := 2*off[0] - 1; x <= 2*off[0]+2; x++ {
		for y := 2*off[1] - 1; y <= 2*off[1]+2; y++ {
			for z := 2*off[2] - 1; z <= 2*off[2]+2; z++ {
				m := [3]int32{x, y, z}
				if j := o.tree.Lookup(d+1, m); j >= 0 {
					sum += upWeight3(m, off) * v[j]
				}
			}
		}
	}
	return sum
}

// upSampleCoarserNormals adds to every node the inner product of its basis
// gradient with the normal field splatted at coarser depths, carried down
// depth by depth in the basis of the depth just above.
func (o *Octree) upSampleCoarserNormals() error {
	maxD := o.tree.Depth()
	met := make([]r3.Vec, len(o.data))
	for d := 1; d <= maxD; d++ {
		scale := bspline.DivergenceScale(d)
		err := o.depthRange(d, func(lo, hi int32) error {
			var nb [125]int32
			for i := lo; i < hi; i++ {
				node := o.tree.Node(i)
				p := parentOf(node.Off)
				c := octree.ChildIndex(node.Off)
				o.tree.Neighbors(d-1, p, 2, nb[:])
				st := &o.stencils.CrossDivergence[c]
				var b float64
				var up r3.Vec
				for x := 0; x < 5; x++ {
					for y := 0; y < 5; y++ {
						for z := 0; z < 5; z++ {
							k := nb[x*25+y*5+z]
							if k < 0 {
								continue
							}
							cum := r3.Add(met[k], o.normal(k))
							if cum == (r3.Vec{}) {
								continue
							}
							b += r3.Dot(cum, st[x][y][z])
							if x >= 1 && x <= 3 && y >= 1 && y <= 3 && z >= 1 && z <= 3 {
								kOff := [3]int32{p[0] + int32(x) - 2, p[1] + int32(y) - 2, p[2] + int32(z) - 2}
								up = r3.Add(up, r3.Scale(upWeight3(node.Off, kOff), cum))
							}
						}
					}
				}
				o.data[i].Constraint += b * scale
				met[i] = up
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// setScreeningTargets adds the screening target term of every point to the
// nodes whose basis functions overlap it.
func (o *Octree) setScreeningTargets() {
	if o.params.PointWeight == 0 {
		return
	}
	maxD := o.tree.Depth()
	for _, pt := range o.points {
		for d := 0; d <= maxD; d++ {
			f := o.screenWeight(d) * screenTarget * pt.Weight
			cell := octree.CellOf(pt.Position, d)
			sw := bspline.SplatWeights(d, cell, pt.Position)
			for x := 0; x < 3; x++ {
				for y := 0; y < 3; y++ {
					for z := 0; z < 3; z++ {
						i := o.tree.Lookup(d, [3]int32{cell[0] + int32(x) - 1, cell[1] + int32(y) - 1, cell[2] + int32(z) - 1})
						if i >= 0 {
							o.data[i].Constraint += f * sw[0][x] * sw[1][y] * sw[2][z]
						}
					}
				}
			}
		}
	}
}
