// Package sample generates oriented point sets on implicit surfaces for
// demos and tests.
package sample

import (
	"errors"
	"math"

	"github.com/soypat/poisson/internal/d3"
	"gonum.org/v1/gonum/spatial/r3"
)

// SDF3 is the interface to a 3d signed distance function object.
type SDF3 interface {
	// Evaluate returns the distance from p to the surface, negative
	// inside the object.
	Evaluate(p r3.Vec) float64
	// Bounds returns a box containing the object.
	Bounds() r3.Box
}

type sphere struct {
	center r3.Vec
	radius float64
}

// Sphere returns an SDF3 for a sphere centered at the origin.
func Sphere(radius float64) (SDF3, error) {
	if !(radius > 0) {
		return nil, errors.New("sphere radius must be positive")
	}
	return &sphere{radius: radius}, nil
}

func (s *sphere) Evaluate(p r3.Vec) float64 {
	return r3.Norm(r3.Sub(p, s.center)) - s.radius
}

func (s *sphere) Bounds() r3.Box {
	return r3.Box(d3.CenteredBox(s.center, d3.Elem(2*s.radius)))
}

type box struct {
	half  r3.Vec
	round float64
}

// Box returns an SDF3 for a box of the given size centered at the origin.
// Edges are rounded with radius round.
func Box(size r3.Vec, round float64) (SDF3, error) {
	if d3.LTEZero(size) {
		return nil, errors.New("box size must be positive")
	}
	if round < 0 || 2*round > d3.Min(size) {
		return nil, errors.New("box rounding out of range")
	}
	return &box{half: r3.Sub(r3.Scale(0.5, size), d3.Elem(round)), round: round}, nil
}

func (s *box) Evaluate(p r3.Vec) float64 {
	q := r3.Sub(d3.AbsElem(p), s.half)
	outside := r3.Norm(d3.MaxElem(q, r3.Vec{}))
	inside := math.Min(d3.Max(q), 0)
	return outside + inside - s.round
}

func (s *box) Bounds() r3.Box {
	h := r3.Add(s.half, d3.Elem(s.round))
	return r3.Box{Min: r3.Scale(-1, h), Max: h}
}

type torus struct {
	major, minor float64
}

// Torus returns an SDF3 for a torus around the Z axis.
func Torus(major, minor float64) (SDF3, error) {
	if !(minor > 0) || !(major > minor) {
		return nil, errors.New("torus needs 0 < minor < major")
	}
	return &torus{major: major, minor: minor}, nil
}

func (s *torus) Evaluate(p r3.Vec) float64 {
	return math.Hypot(math.Hypot(p.X, p.Y)-s.major, p.Z) - s.minor
}

func (s *torus) Bounds() r3.Box {
	r := s.major + s.minor
	return r3.Box{Min: r3.Vec{X: -r, Y: -r, Z: -s.minor}, Max: r3.Vec{X: r, Y: r, Z: s.minor}}
}

type transformed struct {
	sdf SDF3
	inv d3.Transform
	bb  r3.Box
}

// Transform returns s moved by the affine transform t. Distances are only
// exact for rigid transforms.
func Transform(s SDF3, t d3.Transform) SDF3 {
	return &transformed{sdf: s, inv: t.Inv(), bb: r3.Box(t.TransformBox(d3.Box(s.Bounds())))}
}

func (s *transformed) Evaluate(p r3.Vec) float64 {
	return s.sdf.Evaluate(s.inv.Transform(p))
}

func (s *transformed) Bounds() r3.Box { return s.bb }

type union struct {
	sdf []SDF3
	bb  r3.Box
}

// Union returns the union of shapes.
func Union(shapes ...SDF3) (SDF3, error) {
	if len(shapes) == 0 {
		return nil, errors.New("union of no shapes")
	}
	bb := d3.Box(shapes[0].Bounds())
	for _, s := range shapes[1:] {
		bb = bb.Extend(d3.Box(s.Bounds()))
	}
	return &union{sdf: shapes, bb: r3.Box(bb)}, nil
}

func (s *union) Evaluate(p r3.Vec) float64 {
	d := math.Inf(1)
	for _, x := range s.sdf {
		d = math.Min(d, x.Evaluate(p))
	}
	return d
}

func (s *union) Bounds() r3.Box { return s.bb }
