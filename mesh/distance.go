package mesh

import (
	"errors"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// DistanceStats summarizes the distances from a set of points to the
// nearest vertex of a mesh.
type DistanceStats struct {
	N      int
	Mean   float64
	Median float64
	RMS    float64
	Max    float64
}

// VertexIndex answers nearest vertex queries on a mesh.
type VertexIndex struct {
	tree *kdtree.Tree
}

// NewVertexIndex builds a k-d tree over the vertices of m.
func NewVertexIndex(m *Mesh) (*VertexIndex, error) {
	if len(m.Vertices) == 0 {
		return nil, errors.New("mesh has no vertices")
	}
	pts := make(kdtree.Points, len(m.Vertices))
	for i, v := range m.Vertices {
		pts[i] = kdtree.Point{v.X, v.Y, v.Z}
	}
	return &VertexIndex{tree: kdtree.New(pts, false)}, nil
}

// Nearest returns the vertex closest to p and its distance.
func (vi *VertexIndex) Nearest(p r3.Vec) (r3.Vec, float64) {
	c, d2 := vi.tree.Nearest(kdtree.Point{p.X, p.Y, p.Z})
	q := c.(kdtree.Point)
	return r3.Vec{X: q[0], Y: q[1], Z: q[2]}, math.Sqrt(d2)
}

// SampleDistances measures how far samples lie from the vertices of m.
func SampleDistances(m *Mesh, samples []r3.Vec) (DistanceStats, error) {
	if len(samples) == 0 {
		return DistanceStats{}, errors.New("no samples to measure")
	}
	vi, err := NewVertexIndex(m)
	if err != nil {
		return DistanceStats{}, err
	}
	dist := make([]float64, len(samples))
	sq := make([]float64, len(samples))
	for i, p := range samples {
		_, dist[i] = vi.Nearest(p)
		sq[i] = dist[i] * dist[i]
	}
	st := DistanceStats{
		N:    len(dist),
		Mean: stat.Mean(dist, nil),
		RMS:  math.Sqrt(stat.Mean(sq, nil)),
		Max:  floats.Max(dist),
	}
	slices.Sort(dist)
	st.Median = stat.Quantile(0.5, stat.Empirical, dist, nil)
	return st, nil
}
