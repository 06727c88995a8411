package sample

import (
	"errors"
	"fmt"
	"math"

	"github.com/soypat/poisson"
	"github.com/soypat/poisson/internal/d3"
	"gonum.org/v1/gonum/spatial/r3"
)

// Fibonacci returns n points spread evenly over the unit sphere.
func Fibonacci(n int) []r3.Vec {
	golden := math.Pi * (3 - math.Sqrt(5))
	pts := make([]r3.Vec, n)
	for i := range pts {
		z := 1 - (2*float64(i)+1)/float64(n)
		r := math.Sqrt(1 - z*z)
		phi := golden * float64(i)
		pts[i] = r3.Vec{X: r * math.Cos(phi), Y: r * math.Sin(phi), Z: z}
	}
	return pts
}

// Gradient approximates the gradient of s at p by central differences of
// step h.
func Gradient(s SDF3, p r3.Vec, h float64) r3.Vec {
	dx := s.Evaluate(r3.Add(p, r3.Vec{X: h})) - s.Evaluate(r3.Sub(p, r3.Vec{X: h}))
	dy := s.Evaluate(r3.Add(p, r3.Vec{Y: h})) - s.Evaluate(r3.Sub(p, r3.Vec{Y: h}))
	dz := s.Evaluate(r3.Add(p, r3.Vec{Z: h})) - s.Evaluate(r3.Sub(p, r3.Vec{Z: h}))
	return r3.Scale(1/(2*h), r3.Vec{X: dx, Y: dy, Z: dz})
}

// Project moves p onto the zero level set of s with Newton steps along the
// gradient. ok is false if p did not reach the surface within tol.
func Project(s SDF3, p r3.Vec, h, tol float64) (q r3.Vec, ok bool) {
	const maxSteps = 32
	for i := 0; i < maxSteps; i++ {
		f := s.Evaluate(p)
		if math.Abs(f) <= tol {
			return p, true
		}
		g := Gradient(s, p, h)
		g2 := r3.Norm2(g)
		if g2 < 1e-12 {
			return p, false
		}
		p = r3.Sub(p, r3.Scale(f/g2, g))
	}
	return p, math.Abs(s.Evaluate(p)) <= tol
}

// Config controls surface sampling.
type Config struct {
	// N is the number of starting points. Fewer samples are returned when
	// some fail to reach the surface.
	N int
	// Tolerance is the largest accepted distance from the surface. Zero
	// picks a thousandth of the bounding box diagonal.
	Tolerance float64
	// Confidence is stored in every sample.
	Confidence float64
}

// Surface samples the zero level set of s. Starting points are spread over
// the sphere enclosing the bounding box of s and projected onto the surface.
// Normals are the unit gradient of s.
func Surface(s SDF3, cfg Config) ([]poisson.OrientedPoint, error) {
	if cfg.N <= 0 {
		return nil, errors.New("sample count must be positive")
	}
	bb := d3.Box(s.Bounds())
	diag := r3.Norm(bb.Size())
	if !(diag > 0) {
		return nil, errors.New("shape has an empty bounding box")
	}
	tol := cfg.Tolerance
	if tol <= 0 {
		tol = diag * 1e-3
	}
	h := diag * 1e-5
	c := bb.Center()
	pts := make([]poisson.OrientedPoint, 0, cfg.N)
	for _, dir := range Fibonacci(cfg.N) {
		p, ok := Project(s, r3.Add(c, r3.Scale(diag/2, dir)), h, tol)
		if !ok {
			continue
		}
		g := Gradient(s, p, h)
		if r3.Norm2(g) == 0 {
			continue
		}
		pts = append(pts, poisson.OrientedPoint{Position: p, Normal: r3.Unit(g), Confidence: cfg.Confidence})
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("no starting point of %d reached the surface", cfg.N)
	}
	return pts, nil
}

// Shape returns a named shape of unit size: "sphere", "box" or "torus".
func Shape(name string) (SDF3, error) {
	switch name {
	case "sphere":
		return Sphere(1)
	case "box":
		return Box(r3.Vec{X: 2, Y: 1.5, Z: 1}, 0.1)
	case "torus":
		return Torus(1, 0.35)
	}
	return nil, fmt.Errorf("unknown shape %q", name)
}
