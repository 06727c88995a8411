// Package mesh holds the triangle mesh sinks reconstruction output is written
// to, along with mesh file output and quality checks.
package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Sink receives an indexed triangle mesh. Vertices are numbered in the order
// they are added starting at zero. A vertex is always added before any
// triangle referencing it.
type Sink interface {
	AddVertex(v r3.Vec) (int, error)
	AddTriangle(t [3]int) error
}

// PolygonSink is a Sink that also accepts polygons of 3 or more vertices.
type PolygonSink interface {
	Sink
	AddPolygon(loop []int) error
}

// TriangleSource yields the triangles of a mesh one at a time.
type TriangleSource interface {
	NumTriangles() int
	EachTriangle(fn func(t [3]r3.Vec) error) error
}

// Mesh is an in-memory indexed mesh of triangles and polygons.
type Mesh struct {
	Vertices  []r3.Vec
	Triangles [][3]int
	// Polygons holds faces added with AddPolygon.
	Polygons [][]int
}

// AddVertex implements Sink.
func (m *Mesh) AddVertex(v r3.Vec) (int, error) {
	m.Vertices = append(m.Vertices, v)
	return len(m.Vertices) - 1, nil
}

// AddTriangle implements Sink.
func (m *Mesh) AddTriangle(t [3]int) error {
	for _, i := range t {
		if i < 0 || i >= len(m.Vertices) {
			return fmt.Errorf("triangle references vertex %d of %d", i, len(m.Vertices))
		}
	}
	m.Triangles = append(m.Triangles, t)
	return nil
}

// AddPolygon implements PolygonSink. loop is copied.
func (m *Mesh) AddPolygon(loop []int) error {
	if len(loop) < 3 {
		return fmt.Errorf("polygon of %d vertices", len(loop))
	}
	for _, i := range loop {
		if i < 0 || i >= len(m.Vertices) {
			return fmt.Errorf("polygon references vertex %d of %d", i, len(m.Vertices))
		}
	}
	m.Polygons = append(m.Polygons, append([]int(nil), loop...))
	return nil
}

// NumTriangles returns the number of triangles with polygons fanned.
func (m *Mesh) NumTriangles() int {
	n := len(m.Triangles)
	for _, p := range m.Polygons {
		n += len(p) - 2
	}
	return n
}

// EachTriangle calls fn with the corners of every triangle, then of every
// polygon fanned from its first vertex. It stops at the first error.
func (m *Mesh) EachTriangle(fn func(t [3]r3.Vec) error) error {
	for i := range m.Triangles {
		if err := fn(m.Triangle(i)); err != nil {
			return err
		}
	}
	for _, p := range m.Polygons {
		for i := 1; i+1 < len(p); i++ {
			if err := fn([3]r3.Vec{m.Vertices[p[0]], m.Vertices[p[i]], m.Vertices[p[i+1]]}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Triangle returns the corner positions of triangle i.
func (m *Mesh) Triangle(i int) [3]r3.Vec {
	t := m.Triangles[i]
	return [3]r3.Vec{m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]}
}

// Bounds returns the bounding box of the mesh vertices.
func (m *Mesh) Bounds() r3.Box {
	if len(m.Vertices) == 0 {
		return r3.Box{}
	}
	b := r3.Box{Min: m.Vertices[0], Max: m.Vertices[0]}
	for _, v := range m.Vertices[1:] {
		b.Min = r3.Vec{X: min(b.Min.X, v.X), Y: min(b.Min.Y, v.Y), Z: min(b.Min.Z, v.Z)}
		b.Max = r3.Vec{X: max(b.Max.X, v.X), Y: max(b.Max.Y, v.Y), Z: max(b.Max.Z, v.Z)}
	}
	return b
}

// Area returns the total surface area of the mesh.
func (m *Mesh) Area() float64 {
	var a float64
	m.EachTriangle(func(t [3]r3.Vec) error {
		a += 0.5 * r3.Norm(r3.Cross(r3.Sub(t[1], t[0]), r3.Sub(t[2], t[0])))
		return nil
	})
	return a
}

// Volume returns the signed volume enclosed by the mesh. It is positive for
// closed meshes whose faces point outward.
func (m *Mesh) Volume() float64 {
	var v float64
	m.EachTriangle(func(t [3]r3.Vec) error {
		v += r3.Dot(t[0], r3.Cross(t[1], t[2])) / 6
		return nil
	})
	return v
}
