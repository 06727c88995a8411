// Package bspline provides the quadratic B-spline basis attached to octree
// nodes together with precomputed integral stencils used to assemble the
// Poisson system.
//
// The basis function of node (d, o) along one axis is B(x*2^d - o) where B is
// the uniform quadratic B-spline supported on [-1, 2), centered on the node's
// cell. The 3D function is the tensor product over the three axes.
package bspline

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Degree of the basis polynomials.
const Degree = 2

// Value evaluates the unit quadratic B-spline at t, t in cell units relative
// to the node's offset.
func Value(t float64) float64 {
	switch {
	case t < -1 || t >= 2:
		return 0
	case t < 0:
		return 0.5 * (t + 1) * (t + 1)
	case t < 1:
		return -t*t + t + 0.5
	}
	return 0.5 * (2 - t) * (2 - t)
}

// Derivative evaluates dB/dt at t.
func Derivative(t float64) float64 {
	switch {
	case t < -1 || t >= 2:
		return 0
	case t < 0:
		return t + 1
	case t < 1:
		return 1 - 2*t
	}
	return t - 2
}

// upWeights are the two-scale coefficients of the quadratic B-spline:
//  B(t) = sum_{m=-1..2} upWeights[m+1] * B(2t - m)
var upWeights = [4]float64{0.25, 0.75, 0.75, 0.25}

// UpWeight returns the coefficient of fine node m (depth d+1) in the
// refinement of coarse node k (depth d) along one axis.
func UpWeight(m, k int32) float64 {
	r := m - 2*k + 1
	if r < 0 || r > 3 {
		return 0
	}
	return upWeights[r]
}

// Eval returns the value of the basis function of node (d, off) at p, p in
// unit domain coordinates.
func Eval(d int, off [3]int32, p r3.Vec) float64 {
	s := scale(d)
	return Value(p.X*s-float64(off[0])) * Value(p.Y*s-float64(off[1])) * Value(p.Z*s-float64(off[2]))
}

// Gradient returns the gradient of the basis function of node (d, off) at p.
func Gradient(d int, off [3]int32, p r3.Vec) r3.Vec {
	s := scale(d)
	tx, ty, tz := p.X*s-float64(off[0]), p.Y*s-float64(off[1]), p.Z*s-float64(off[2])
	vx, vy, vz := Value(tx), Value(ty), Value(tz)
	return r3.Vec{
		X: s * Derivative(tx) * vy * vz,
		Y: s * vx * Derivative(ty) * vz,
		Z: s * vx * vy * Derivative(tz),
	}
}

// SplatWeights returns per axis the values at p of the basis functions of
// the nodes at offsets cell-1, cell and cell+1, cell being the depth d cell
// containing p.
func SplatWeights(d int, cell [3]int32, p r3.Vec) (w [3][3]float64) {
	s := scale(d)
	pc := [3]float64{p.X, p.Y, p.Z}
	for axis := 0; axis < 3; axis++ {
		t := pc[axis]*s - float64(cell[axis])
		w[axis][0] = 0.5 * (1 - t) * (1 - t)
		w[axis][1] = 0.75 - (t-0.5)*(t-0.5)
		w[axis][2] = 1 - w[axis][0] - w[axis][1]
	}
	return w
}

// Width returns the cell side at depth d.
func Width(d int) float64 { return 1 / scale(d) }

func scale(d int) float64 { return math.Ldexp(1, d) }
