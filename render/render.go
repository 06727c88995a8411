// Package render converts reconstructed meshes into triangle soups and
// writes them out as STL files, PNG previews and solver plots.
package render

import (
	"io"

	"github.com/soypat/poisson/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Triangle3 is a 3D triangle given by its vertices in counter clockwise
// order seen from outside.
type Triangle3 [3]r3.Vec

// Normal returns the unit normal of the triangle.
func (t Triangle3) Normal() r3.Vec {
	return r3.Unit(r3.Cross(r3.Sub(t[1], t[0]), r3.Sub(t[2], t[0])))
}

// Degenerate returns true if two vertices of the triangle are within tol of
// each other.
func (t Triangle3) Degenerate(tol float64) bool {
	return equalWithin(t[0], t[1], tol) || equalWithin(t[1], t[2], tol) || equalWithin(t[2], t[0], tol)
}

func equalWithin(a, b r3.Vec, tol float64) bool {
	d := r3.Sub(a, b)
	return d.X <= tol && d.X >= -tol && d.Y <= tol && d.Y >= -tol && d.Z <= tol && d.Z >= -tol
}

// Renderer reads triangles in batches. ReadTriangles returns io.EOF once
// every triangle has been read.
type Renderer interface {
	ReadTriangles(t []Triangle3) (int, error)
}

// MeshRenderer reads the triangles of an indexed mesh.
type MeshRenderer struct {
	m    *mesh.Mesh
	next int
}

// NewMeshRenderer returns a Renderer over the triangles of m.
func NewMeshRenderer(m *mesh.Mesh) *MeshRenderer {
	return &MeshRenderer{m: m}
}

// ReadTriangles implements Renderer.
func (r *MeshRenderer) ReadTriangles(dst []Triangle3) (int, error) {
	if r.next >= len(r.m.Triangles) {
		return 0, io.EOF
	}
	n := 0
	for n < len(dst) && r.next < len(r.m.Triangles) {
		dst[n] = r.m.Triangle(r.next)
		r.next++
		n++
	}
	return n, nil
}
