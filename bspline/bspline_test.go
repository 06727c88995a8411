package bspline

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

const tol = 1e-12

func TestPartitionOfUnity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		x := rng.Float64()*20 - 10
		f := math.Floor(x)
		sum := Value(x-(f-1)) + Value(x-f) + Value(x-(f+1))
		if math.Abs(sum-1) > tol {
			t.Fatalf("sum of basis at %g is %g", x, sum)
		}
		dsum := Derivative(x-(f-1)) + Derivative(x-f) + Derivative(x-(f+1))
		if math.Abs(dsum) > tol {
			t.Fatalf("sum of derivatives at %g is %g", x, dsum)
		}
	}
}

func TestTwoScaleRelation(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		x := rng.Float64()*4 - 1.5
		var refined float64
		for m := int32(-1); m <= 2; m++ {
			refined += UpWeight(m, 0) * Value(2*x-float64(m))
		}
		if math.Abs(refined-Value(x)) > tol {
			t.Fatalf("refinement mismatch at %g: %g != %g", x, refined, Value(x))
		}
	}
	if UpWeight(3, 0) != 0 || UpWeight(-2, 0) != 0 {
		t.Error("UpWeight outside support should be zero")
	}
}

func TestSplatWeightsMatchEval(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const d = 4
	for i := 0; i < 200; i++ {
		p := r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		cell := [3]int32{int32(p.X * 16), int32(p.Y * 16), int32(p.Z * 16)}
		w := SplatWeights(d, cell, p)
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for dz := -1; dz <= 1; dz++ {
					off := [3]int32{cell[0] + int32(dx), cell[1] + int32(dy), cell[2] + int32(dz)}
					got := w[0][dx+1] * w[1][dy+1] * w[2][dz+1]
					want := Eval(d, off, p)
					if math.Abs(got-want) > 1e-12 {
						t.Fatalf("splat weight %g, eval %g", got, want)
					}
				}
			}
		}
	}
}

func TestGradientFiniteDifference(t *testing.T) {
	const d, h = 3, 1e-6
	off := [3]int32{3, 4, 2}
	p := r3.Vec{X: 0.43, Y: 0.561, Z: 0.33}
	g := Gradient(d, off, p)
	fd := r3.Vec{
		X: (Eval(d, off, r3.Add(p, r3.Vec{X: h})) - Eval(d, off, r3.Sub(p, r3.Vec{X: h}))) / (2 * h),
		Y: (Eval(d, off, r3.Add(p, r3.Vec{Y: h})) - Eval(d, off, r3.Sub(p, r3.Vec{Y: h}))) / (2 * h),
		Z: (Eval(d, off, r3.Add(p, r3.Vec{Z: h})) - Eval(d, off, r3.Sub(p, r3.Vec{Z: h}))) / (2 * h),
	}
	if r3.Norm(r3.Sub(g, fd)) > 1e-5 {
		t.Errorf("gradient %v does not match finite difference %v", g, fd)
	}
}

func TestUnitIntegrals(t *testing.T) {
	tb := newTable1D()
	// Known closed forms for the quadratic B-spline.
	want := [5]float64{1. / 120, 26. / 120, 66. / 120, 26. / 120, 1. / 120}
	for k := range want {
		if math.Abs(tb.vv[k]-want[k]) > tol {
			t.Errorf("vv[%d] = %g, want %g", k, tb.vv[k], want[k])
		}
	}
	var sumDD float64
	for k := 0; k < 5; k++ {
		sumDD += tb.dd[k]
		if math.Abs(tb.dd[k]-tb.dd[4-k]) > tol {
			t.Errorf("dd not symmetric at %d", k)
		}
		if math.Abs(tb.dv[k]+tb.dv[4-k]) > tol {
			t.Errorf("dv not antisymmetric at %d", k)
		}
	}
	if math.Abs(sumDD) > tol {
		t.Errorf("stiffness row does not sum to zero: %g", sumDD)
	}
}

func TestCrossTablesRefine(t *testing.T) {
	tb := newTable1D()
	ct := newCrossTable1D()
	for c := int32(0); c < 2; c++ {
		for r := int32(-2); r <= 2; r++ {
			var vv, dd, dv float64
			for m := 2*r - 1; m <= 2*r+2; m++ {
				k := m - c
				if k < -2 || k > 2 {
					continue
				}
				w := UpWeight(m, r)
				vv += w * tb.vv[k+2]
				dd += w * tb.dd[k+2]
				dv += w * tb.dv[k+2]
			}
			if math.Abs(vv-ct.vv[c][r+2]) > tol || math.Abs(dd-ct.dd[c][r+2]) > tol || math.Abs(dv-ct.dv[c][r+2]) > tol {
				t.Errorf("cross table mismatch c=%d r=%d: (%g,%g,%g) vs (%g,%g,%g)", c, r,
					vv, dd, dv, ct.vv[c][r+2], ct.dd[c][r+2], ct.dv[c][r+2])
			}
		}
	}
}

func TestStencilSymmetry(t *testing.T) {
	s := NewStencils()
	var sum float64
	for x := 0; x < 5; x++ {
		for y := 0; y < 5; y++ {
			for z := 0; z < 5; z++ {
				sum += s.Laplacian[x][y][z]
				if math.Abs(s.Laplacian[x][y][z]-s.Laplacian[4-x][4-y][4-z]) > tol {
					t.Fatalf("Laplacian not symmetric at %d %d %d", x, y, z)
				}
				d, od := s.Divergence[x][y][z], s.Divergence[4-x][4-y][4-z]
				if r3.Norm(r3.Add(d, od)) > tol {
					t.Fatalf("divergence not antisymmetric at %d %d %d", x, y, z)
				}
			}
		}
	}
	if math.Abs(sum) > 1e-10 {
		t.Errorf("Laplacian stencil sums to %g", sum)
	}
	if s.Laplacian[2][2][2] <= 0 {
		t.Error("Laplacian diagonal must be positive")
	}
}
