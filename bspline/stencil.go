package bspline

import (
	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/spatial/r3"
)

// gaussPoints is exact for the degree 4 products integrated cell by cell.
const gaussPoints = 3

// table1D holds the integrals over R between two 1D basis functions at unit
// cell width, indexed by offset difference + 2.
type table1D struct {
	vv [5]float64 // int F_i F_j
	dd [5]float64 // int F_i' F_j'
	dv [5]float64 // int F_i' F_j
}

// crossTable1D holds integrals between a fine function (child position c
// within its parent) and coarse functions at offset r relative to the parent,
// r in [-2,2], at unit fine cell width.
type crossTable1D struct {
	vv [2][5]float64 // int F_f F_c
	dd [2][5]float64 // int F_f' F_c'
	dv [2][5]float64 // int F_f' F_c
	vd [2][5]float64 // int F_f F_c'
}

// integrate computes int f(x) g(x) dx where f is the fine node at offset fo
// (unit width) and g is a node at offset co whose coordinate is x*s.
// fd and gd select derivatives.
func integrate(fo, co, s float64, fd, gd bool) float64 {
	eval := func(t float64, deriv bool, chain float64) float64 {
		if deriv {
			return chain * Derivative(t)
		}
		return Value(t)
	}
	f := func(x float64) float64 { return eval(x-fo, fd, 1) * eval(x*s-co, gd, s) }
	var sum float64
	for cell := fo - 1; cell < fo+2; cell++ {
		sum += quad.Fixed(f, cell, cell+1, gaussPoints, quad.Legendre{}, 0)
	}
	return sum
}

func newTable1D() (t table1D) {
	for k := -2; k <= 2; k++ {
		t.vv[k+2] = integrate(0, float64(k), 1, false, false)
		t.dd[k+2] = integrate(0, float64(k), 1, true, true)
		t.dv[k+2] = integrate(0, float64(k), 1, true, false)
	}
	return t
}

func newCrossTable1D() (t crossTable1D) {
	// Parent at offset 0, children at offsets 0 and 1.
	for c := 0; c < 2; c++ {
		for r := -2; r <= 2; r++ {
			fo, co := float64(c), float64(r)
			t.vv[c][r+2] = integrate(fo, co, 0.5, false, false)
			t.dd[c][r+2] = integrate(fo, co, 0.5, true, true)
			t.dv[c][r+2] = integrate(fo, co, 0.5, true, false)
			t.vd[c][r+2] = integrate(fo, co, 0.5, false, true)
		}
	}
	return t
}

// Stencils are the 5x5x5 couplings between a node and the nodes around it,
// computed at unit cell width and indexed [dx+2][dy+2][dz+2].
// Scale Laplacian entries by LaplacianScale(d) and divergence entries by
// DivergenceScale(d) where d is the depth of the finer node involved.
type Stencils struct {
	// Laplacian holds <grad F_i, grad F_j> for same depth nodes j = i + delta.
	Laplacian [5][5][5]float64
	// Divergence holds <grad F_i, F_j> for same depth nodes j = i + delta.
	// b_i accumulates the dot product of n_j with this entry.
	Divergence [5][5][5]r3.Vec

	// Cross depth stencils, indexed first by the child corner of the fine
	// node i within its parent p then by coarse node k - p.
	// CrossLaplacian holds <grad F_i, grad F_k>.
	CrossLaplacian [8][5][5][5]float64
	// CrossDivergence holds <grad F_i, F_k>: fine constraint from coarse field.
	CrossDivergence [8][5][5][5]r3.Vec
	// CrossDivergenceUp holds <grad F_k, F_i>: coarse constraint from fine field.
	CrossDivergenceUp [8][5][5][5]r3.Vec
}

// NewStencils computes all stencils. The result is read only and safe for
// concurrent use.
func NewStencils() *Stencils {
	t := newTable1D()
	ct := newCrossTable1D()
	s := new(Stencils)
	for x := 0; x < 5; x++ {
		for y := 0; y < 5; y++ {
			for z := 0; z < 5; z++ {
				s.Laplacian[x][y][z] = t.dd[x]*t.vv[y]*t.vv[z] + t.vv[x]*t.dd[y]*t.vv[z] + t.vv[x]*t.vv[y]*t.dd[z]
				s.Divergence[x][y][z] = r3.Vec{
					X: t.dv[x] * t.vv[y] * t.vv[z],
					Y: t.vv[x] * t.dv[y] * t.vv[z],
					Z: t.vv[x] * t.vv[y] * t.dv[z],
				}
			}
		}
	}
	for c := 0; c < 8; c++ {
		cx, cy, cz := c&1, c>>1&1, c>>2&1
		for x := 0; x < 5; x++ {
			for y := 0; y < 5; y++ {
				for z := 0; z < 5; z++ {
					vx, vy, vz := ct.vv[cx][x], ct.vv[cy][y], ct.vv[cz][z]
					s.CrossLaplacian[c][x][y][z] = ct.dd[cx][x]*vy*vz + vx*ct.dd[cy][y]*vz + vx*vy*ct.dd[cz][z]
					s.CrossDivergence[c][x][y][z] = r3.Vec{
						X: ct.dv[cx][x] * vy * vz,
						Y: vx * ct.dv[cy][y] * vz,
						Z: vx * vy * ct.dv[cz][z],
					}
					s.CrossDivergenceUp[c][x][y][z] = r3.Vec{
						X: ct.vd[cx][x] * vy * vz,
						Y: vx * ct.vd[cy][y] * vz,
						Z: vx * vy * ct.vd[cz][z],
					}
				}
			}
		}
	}
	return s
}

// LaplacianScale converts unit Laplacian stencil entries to depth d.
// Each entry is one derivative squared times two value integrals: w^-1 * w * w.
func LaplacianScale(d int) float64 { return Width(d) }

// DivergenceScale converts unit divergence stencil entries to depth d.
func DivergenceScale(d int) float64 { w := Width(d); return w * w }
