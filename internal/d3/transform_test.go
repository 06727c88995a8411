package d3

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestTransformInverse(t *testing.T) {
	rot := r3.NewRotation(math.Pi/3, r3.Vec{X: 1, Y: 1})
	tf := ComposeTransform(r3.Vec{X: 1, Y: -2, Z: 0.5}, r3.Vec{X: 2, Y: 1, Z: 0.5}, rot)
	inv := tf.Inv()
	for _, p := range CenteredBox(r3.Vec{}, Elem(2)).Vertices() {
		got := inv.Transform(tf.Transform(p))
		if !EqualWithin(got, p, 1e-12) {
			t.Errorf("inverse round trip of %v got %v", p, got)
		}
	}
	if !(Transform{}).IsIdentity() || tf.IsIdentity() {
		t.Error("identity check failed")
	}
}

func TestNormalTransform(t *testing.T) {
	// Stretching x keeps the plane x+y=0 a plane, its normal must stay
	// perpendicular to the transformed plane directions.
	tf := ComposeTransform(r3.Vec{Z: 3}, r3.Vec{X: 3, Y: 1, Z: 1}, r3.Rotation{Real: 1})
	n := tf.NormalTransform().ApplyDirection(r3.Vec{X: 1, Y: 1})
	for _, dir := range []r3.Vec{{X: 1, Y: -1}, {Z: 1}} {
		if d := r3.Dot(n, tf.ApplyDirection(dir)); math.Abs(d) > 1e-12 {
			t.Errorf("normal %v not perpendicular to %v: %g", n, dir, d)
		}
	}
}

func TestTransformBox(t *testing.T) {
	b := CenteredBox(r3.Vec{}, Elem(2))
	tf := Transform{}.Translate(r3.Vec{X: 4})
	got := tf.TransformBox(b)
	want := Box{Min: r3.Vec{X: 3, Y: -1, Z: -1}, Max: r3.Vec{X: 5, Y: 1, Z: 1}}
	if !EqualWithin(got.Min, want.Min, 1e-12) || !EqualWithin(got.Max, want.Max, 1e-12) {
		t.Errorf("got %v, want %v", got, want)
	}
	rot := ComposeTransform(r3.Vec{}, Elem(1), r3.NewRotation(math.Pi/4, r3.Vec{Z: 1}))
	got = rot.TransformBox(b)
	if s := got.Size(); math.Abs(s.X-2*math.Sqrt2) > 1e-12 || math.Abs(s.Z-2) > 1e-12 {
		t.Errorf("rotated box size %v", s)
	}
	if !got.Contains(r3.Vec{X: 1.4}) || got.Contains(r3.Vec{Z: 1.1}) {
		t.Error("rotated box containment")
	}
}
