package mesh

import (
	"errors"
	"fmt"
)

// ErrNotWatertight is returned by EdgeReport.Err for meshes with open or
// non-manifold edges.
var ErrNotWatertight = errors.New("mesh is not watertight")

// EdgeReport describes how triangle edges are shared across a mesh.
type EdgeReport struct {
	// Edges is the number of distinct undirected edges.
	Edges int
	// Boundary edges are used by a single triangle.
	Boundary int
	// NonManifold edges are used by more than two triangles.
	NonManifold int
	// Misoriented edges are traversed twice in the same direction.
	Misoriented int
	// Degenerate counts triangles that repeat a vertex index.
	Degenerate int
}

// Watertight reports whether every edge is shared by exactly two triangles
// traversing it in opposite directions.
func (r EdgeReport) Watertight() bool {
	return r.Boundary == 0 && r.NonManifold == 0 && r.Misoriented == 0
}

// Err returns nil for watertight meshes.
func (r EdgeReport) Err() error {
	if r.Watertight() {
		return nil
	}
	return fmt.Errorf("%w: %d boundary, %d non-manifold, %d misoriented of %d edges",
		ErrNotWatertight, r.Boundary, r.NonManifold, r.Misoriented, r.Edges)
}

type edge struct{ a, b int }

// CheckEdges counts how the edges of triangles are shared.
func CheckEdges(triangles [][3]int) EdgeReport {
	var ec edgeCounter
	for _, t := range triangles {
		ec.add(t[:])
	}
	return ec.report()
}

// CheckPolygonEdges is like CheckEdges over triangles and polygons together.
// A polygon counts as degenerate when it repeats a vertex index.
func CheckPolygonEdges(triangles [][3]int, polygons [][]int) EdgeReport {
	var ec edgeCounter
	for _, t := range triangles {
		ec.add(t[:])
	}
	for _, p := range polygons {
		ec.add(p)
	}
	return ec.report()
}

// CheckWatertight checks the edges of every triangle and polygon of m.
func CheckWatertight(m *Mesh) error {
	return CheckPolygonEdges(m.Triangles, m.Polygons).Err()
}

type edgeCounter struct {
	directed   map[edge]int
	degenerate int
}

func (ec *edgeCounter) add(face []int) {
	if ec.directed == nil {
		ec.directed = make(map[edge]int)
	}
	for i := range face {
		for j := i + 1; j < len(face); j++ {
			if face[i] == face[j] {
				ec.degenerate++
				return
			}
		}
	}
	for j := range face {
		ec.directed[edge{face[j], face[(j+1)%len(face)]}]++
	}
}

func (ec *edgeCounter) report() EdgeReport {
	r := EdgeReport{Degenerate: ec.degenerate}
	for e, n := range ec.directed {
		if e.a > e.b {
			if _, ok := ec.directed[edge{e.b, e.a}]; ok {
				continue // Counted from the other side.
			}
		}
		back := ec.directed[edge{e.b, e.a}]
		r.Edges++
		switch {
		case n+back == 1:
			r.Boundary++
		case n+back > 2:
			r.NonManifold++
		case n == 2 || back == 2:
			r.Misoriented++
		}
	}
	return r
}
