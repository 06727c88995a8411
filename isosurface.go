package poisson

import (
	"fmt"
	"math"
	"slices"

	"github.com/soypat/poisson/mesh"
	"github.com/soypat/poisson/octree"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// Iso-surface extraction.
//
// Every leaf is bounded by face pieces: a leaf face is split into quarters
// wherever a cell across it is refined, so each piece is shared exactly by
// the two leaves on either side. The edges of a piece are split wherever any
// cell sharing them is refined, which yields the finest segments. A root is
// the crossing of the iso value on a finest segment and is keyed by the
// segment, so every leaf touching it agrees on its vertex.
//
// Walking a piece counter clockwise as seen from outside its leaf, a root
// going from the positive side (above iso) to the negative side is "in"
// and is joined to an "out" root by a segment across the piece. The segment
// keeps the positive side on its left, so following segments yields loops
// oriented with their normal towards the positive side. Pieces with more
// than two roots are disambiguated by the value at their center, which both
// leaves sharing the piece see alike.
//
// Corners on the domain boundary always count as positive so the surface
// closes inside the domain even where the samples touch its faces.

// RootInfo identifies an iso-surface crossing.
type RootInfo struct {
	// Node is the first leaf, in leaf order, whose boundary holds the root.
	Node int32
	// Edge is the cube edge of Node the root lies on or -1 if it lies on a
	// segment inside one of Node's faces.
	Edge int
	// Key is the edge key of the finest segment holding the root.
	Key uint64
}

// RootData is the state shared by all leaves during one extraction.
type RootData struct {
	iso float64
	// Corner table: sorted corner keys and the function value at each.
	cornerKeys   []uint64
	cornerValues []float64
	// BoundaryRoots maps root keys to indices into Roots.
	BoundaryRoots map[uint64]int
	Roots         []RootInfo
	// Positions of Roots in unit cube coordinates.
	Positions []r3.Vec
}

// ExtractStats reports an extraction.
type ExtractStats struct {
	Leaves    int
	Roots     int
	Vertices  int
	Triangles int
	// Polygons counts the loops written as polygons when PolygonMesh is set.
	Polygons int
	Loops    int
	// OpenChains counts segment chains that failed to close and were dropped.
	OpenChains int
	// DegenerateLoops counts closed loops of fewer than 3 roots.
	DegenerateLoops int
	// AmbiguousFaces counts face pieces resolved with their center value.
	AmbiguousFaces int
}

type rootSegment struct{ from, to uint64 }

type rootCrossing struct {
	key uint64
	in  bool
}

type leafResult struct {
	mc        uint8
	loops     [][]uint64
	open      int
	degen     int
	ambiguous int
}

// GetMCIsoTriangles extracts the surface where the implicit function equals
// iso and writes it to sink. Root vertices are all added before any
// barycenter vertex or triangle. When PolygonMesh is set sink must
// implement mesh.PolygonSink and receives every loop as one polygon.
func (o *Octree) GetMCIsoTriangles(iso float64, sink mesh.Sink) (ExtractStats, error) {
	var stats ExtractStats
	if !o.solved {
		return stats, fmt.Errorf("extraction requested before the solve")
	}
	var poly mesh.PolygonSink
	if o.params.PolygonMesh {
		var ok bool
		if poly, ok = sink.(mesh.PolygonSink); !ok {
			return stats, fmt.Errorf("%w: polygon output needs a mesh.PolygonSink, got %T", ErrInvalidParameters, sink)
		}
	}
	if o.params.FullDepthIso {
		refined, err := o.refineIsoLeaves(iso)
		if err != nil {
			return stats, err
		}
		o.log.Debug("refined surface leaves to full depth", zap.Int("leaves", refined))
	}
	var leaves []int32
	for i, n := range o.tree.Nodes() {
		if n.IsLeaf() {
			leaves = append(leaves, int32(i))
		}
	}
	stats.Leaves = len(leaves)
	rd, err := o.newRootData(leaves)
	if err != nil {
		return stats, err
	}
	rd.iso = iso
	results := make([]leafResult, len(leaves))
	var g errgroup.Group
	g.SetLimit(o.params.threads())
	for _, part := range o.isoPartitions(leaves) {
		g.Go(func() error {
			for _, k := range part {
				results[k] = o.leafLoops(leaves[k], rd, iso)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	for k, leaf := range leaves {
		res := &results[k]
		o.data[leaf].MCIndex = res.mc
		stats.OpenChains += res.open
		stats.DegenerateLoops += res.degen
		stats.AmbiguousFaces += res.ambiguous
		stats.Loops += len(res.loops)
		for _, loop := range res.loops {
			for _, key := range loop {
				if _, ok := rd.BoundaryRoots[key]; ok {
					continue
				}
				rd.BoundaryRoots[key] = len(rd.Roots)
				rd.Roots = append(rd.Roots, RootInfo{Node: leaf, Edge: o.cubeEdge(leaf, key), Key: key})
			}
		}
	}
	if err := o.SetMCRootPositions(rd, iso); err != nil {
		return stats, err
	}
	stats.Roots = len(rd.Roots)

	vertex := make([]int, len(rd.Roots))
	for i, pos := range rd.Positions {
		if vertex[i], err = sink.AddVertex(o.toWorld(pos)); err != nil {
			return stats, err
		}
	}
	stats.Vertices = len(rd.Roots)
	var loop []int
	var pos []r3.Vec
	for k := range leaves {
		for _, keys := range results[k].loops {
			loop, pos = loop[:0], pos[:0]
			for _, key := range keys {
				r := rd.BoundaryRoots[key]
				loop = append(loop, vertex[r])
				pos = append(pos, rd.Positions[r])
			}
			if o.flip {
				// Mirroring reverses orientation.
				slices.Reverse(loop)
				slices.Reverse(pos)
			}
			if poly != nil {
				if err := poly.AddPolygon(loop); err != nil {
					return stats, err
				}
				stats.Polygons++
				continue
			}
			added, tris, err := o.AddTriangles(sink, loop, pos)
			stats.Vertices += added
			stats.Triangles += tris
			if err != nil {
				return stats, err
			}
		}
	}
	if stats.OpenChains > 0 {
		o.log.Sugar().Warnf("dropped %d open root chains", stats.OpenChains)
	}
	if o.params.Verbose {
		o.ctx.DumpOutput("Vertices: %d, triangles: %d, polygons: %d", stats.Vertices, stats.Triangles, stats.Polygons)
	}
	return stats, nil
}

// refineIsoLeaves refines every leaf shallower than the maximum depth whose
// corners straddle iso until all such leaves are at the maximum depth. New
// nodes carry a zero solution so the function is unchanged. It returns the
// number of leaves refined.
func (o *Octree) refineIsoLeaves(iso float64) (int, error) {
	type cell struct {
		depth int
		off   [3]int32
	}
	var cand []cell
	for _, n := range o.tree.Nodes() {
		if n.IsLeaf() && int(n.Depth) < o.maxDepth {
			cand = append(cand, cell{int(n.Depth), n.Off})
		}
	}
	total := 0
	for len(cand) > 0 {
		straddle := make([]bool, len(cand))
		err := parallelRange(o.params.threads(), 0, len(cand), func(lo, hi int) error {
			for k := lo; k < hi; k++ {
				c := cand[k]
				var pos, neg bool
				for corner := 0; corner < 8; corner++ {
					p := octree.CornerPosition(o.maxDepth, c.depth, c.off, corner)
					if o.boundaryClamp(p, o.value(o.cornerUnit(p)), iso) > iso {
						pos = true
					} else {
						neg = true
					}
				}
				straddle[k] = pos && neg
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		var next []cell
		for k, c := range cand {
			if !straddle[k] {
				continue
			}
			first, err := o.tree.InitChildren(o.tree.Lookup(c.depth, c.off))
			if err != nil {
				return total, err
			}
			total++
			for ch := int32(0); ch < 8; ch++ {
				o.data = append(o.data, NodeData{NodeIndex: first + ch, NormalIndex: -1, PointIndex: -1})
				if c.depth+1 < o.maxDepth {
					n := o.tree.Node(first + ch)
					next = append(next, cell{int(n.Depth), n.Off})
				}
			}
		}
		if !o.tree.Sorted() {
			perm := o.tree.Sort()
			data := make([]NodeData, len(perm))
			for newIdx, old := range perm {
				data[newIdx] = o.data[old]
				data[newIdx].NodeIndex = int32(newIdx)
			}
			o.data = data
		}
		cand = next
	}
	return total, nil
}

// newRootData builds the corner table of the leaves and evaluates the
// function at every corner in parallel.
func (o *Octree) newRootData(leaves []int32) (*RootData, error) {
	keys := make([]uint64, 0, 8*len(leaves))
	for _, leaf := range leaves {
		n := o.tree.Node(leaf)
		for c := 0; c < 8; c++ {
			keys = append(keys, octree.CornerKey(octree.CornerPosition(o.maxDepth, int(n.Depth), n.Off, c)))
		}
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	rd := &RootData{
		cornerKeys:    keys,
		cornerValues:  make([]float64, len(keys)),
		BoundaryRoots: make(map[uint64]int),
	}
	err := parallelRange(o.params.threads(), 0, len(keys), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			rd.cornerValues[i] = o.value(o.cornerUnit(octree.CornerFromKey(keys[i])))
		}
		return nil
	})
	return rd, err
}

// cornerValue returns the function value at p, in units of 2^-maxDepth,
// as seen by extraction.
func (o *Octree) cornerValue(rd *RootData, p [3]int32) float64 {
	if i, ok := slices.BinarySearch(rd.cornerKeys, octree.CornerKey(p)); ok {
		return o.boundaryClamp(p, rd.cornerValues[i], rd.iso)
	}
	return o.boundaryClamp(p, o.value(o.cornerUnit(p)), rd.iso)
}

// boundaryClamp lifts v just above iso when p lies on the domain boundary.
func (o *Octree) boundaryClamp(p [3]int32, v, iso float64) float64 {
	if v > iso {
		return v
	}
	last := int32(1) << o.maxDepth
	for _, x := range p {
		if x == 0 || x == last {
			return math.Nextafter(iso, math.Inf(1))
		}
	}
	return v
}

func (o *Octree) cornerUnit(p [3]int32) r3.Vec {
	w := octree.Width(o.maxDepth)
	return r3.Vec{X: float64(p[0]) * w, Y: float64(p[1]) * w, Z: float64(p[2]) * w}
}

// isoPartitions groups leaf ordinals by their ancestor at IsoDivide.
func (o *Octree) isoPartitions(leaves []int32) [][]int {
	index := make(map[uint64]int)
	var parts [][]int
	for k, leaf := range leaves {
		n := o.tree.Node(leaf)
		d := min(int(n.Depth), o.params.IsoDivide)
		shift := uint(int(n.Depth) - d)
		key := octree.NodeKey(d, [3]int32{n.Off[0] >> shift, n.Off[1] >> shift, n.Off[2] >> shift})
		p, ok := index[key]
		if !ok {
			p = len(parts)
			index[key] = p
			parts = append(parts, nil)
		}
		parts[p] = append(parts[p], k)
	}
	return parts
}

// refined reports whether the depth d cell at off exists and has children.
func (o *Octree) refined(d int, off [3]int32) bool {
	i := o.tree.Lookup(d, off)
	return i >= 0 && !o.tree.Node(i).IsLeaf()
}

// leafLoops finds the oriented root loops bounding the surface inside leaf.
func (o *Octree) leafLoops(leaf int32, rd *RootData, iso float64) leafResult {
	var res leafResult
	n := o.tree.Node(leaf)
	e := int(n.Depth)
	for c := 0; c < 8; c++ {
		if !(o.cornerValue(rd, octree.CornerPosition(o.maxDepth, e, n.Off, c)) > iso) {
			res.mc |= 1 << c
		}
	}
	var segs []rootSegment
	var pts [][3]int32
	for f := 0; f < 6; f++ {
		a, high := octree.FaceAxis(f)
		u, v := octree.OtherAxes(a)
		plane := n.Off[a]
		if high {
			plane++
		}
		segs = o.collectFace(segs, &pts, &res, rd, iso, e, a, high, plane, n.Off[u], n.Off[v])
	}
	o.GetEdgeLoops(segs, &res)
	return res
}

// collectFace appends the segments of the face piece at depth e normal to
// axis a at plane, with offset (fu, fv) along the other axes. high tells on
// which side of the leaf the piece lies.
func (o *Octree) collectFace(segs []rootSegment, pts *[][3]int32, res *leafResult, rd *RootData, iso float64, e, a int, high bool, plane, fu, fv int32) []rootSegment {
	u, v := octree.OtherAxes(a)
	if e < o.maxDepth {
		var below, above [3]int32
		below[a], below[u], below[v] = plane-1, fu, fv
		above[a], above[u], above[v] = plane, fu, fv
		if o.refined(e, below) || o.refined(e, above) {
			for j := int32(0); j < 2; j++ {
				for i := int32(0); i < 2; i++ {
					segs = o.collectFace(segs, pts, res, rd, iso, e+1, a, high, 2*plane, 2*fu+i, 2*fv+j)
				}
			}
			return segs
		}
	}
	corner := func(i, j int32) (p [3]int32) {
		p[a], p[u], p[v] = plane, fu+i, fv+j
		return p
	}
	quad := [4][3]int32{corner(0, 0), corner(1, 0), corner(1, 1), corner(0, 1)}
	if (a != 1) != high {
		quad[1], quad[3] = quad[3], quad[1]
	}
	*pts = (*pts)[:0]
	for k := 0; k < 4; k++ {
		*pts = o.appendEdge(*pts, e, quad[k], quad[(k+1)%4])
	}
	var cross []rootCrossing
	np := len(*pts)
	prev := o.cornerValue(rd, (*pts)[0]) > iso
	for k := 0; k < np; k++ {
		p0, p1 := (*pts)[k], (*pts)[(k+1)%np]
		next := o.cornerValue(rd, p1) > iso
		if prev != next {
			cross = append(cross, rootCrossing{key: octree.EdgeKey(p0, p1), in: prev})
		}
		prev = next
	}
	m := len(cross)
	if m == 0 {
		return segs
	}
	centerPositive := false
	if m > 2 {
		res.ambiguous++
		w := octree.Width(e)
		var c [3]float64
		c[a], c[u], c[v] = float64(plane)*w, (float64(fu)+0.5)*w, (float64(fv)+0.5)*w
		centerPositive = o.value(r3.Vec{X: c[0], Y: c[1], Z: c[2]}) > iso
	}
	for k, c := range cross {
		if !c.in {
			continue
		}
		// Cut off the negative arcs when the center is positive, else the positive ones.
		partner := cross[(k+m-1)%m]
		if centerPositive {
			partner = cross[(k+1)%m]
		}
		segs = append(segs, rootSegment{from: c.key, to: partner.key})
	}
	return segs
}

// appendEdge appends the finest segment endpoints along the edge from corner
// p to corner q, given at depth e, excluding q. Points are in units of
// 2^-maxDepth.
func (o *Octree) appendEdge(pts [][3]int32, e int, p, q [3]int32) [][3]int32 {
	if e < o.maxDepth && o.edgeRefined(e, p, q) {
		p2 := [3]int32{2 * p[0], 2 * p[1], 2 * p[2]}
		q2 := [3]int32{2 * q[0], 2 * q[1], 2 * q[2]}
		mid := [3]int32{(p2[0] + q2[0]) / 2, (p2[1] + q2[1]) / 2, (p2[2] + q2[2]) / 2}
		pts = o.appendEdge(pts, e+1, p2, mid)
		return o.appendEdge(pts, e+1, mid, q2)
	}
	s := uint(o.maxDepth - e)
	return append(pts, [3]int32{p[0] << s, p[1] << s, p[2] << s})
}

// edgeRefined reports whether any of the four depth e cells sharing the
// edge between corners p and q is refined.
func (o *Octree) edgeRefined(e int, p, q [3]int32) bool {
	axis := 0
	for i := 1; i < 3; i++ {
		if p[i] != q[i] {
			axis = i
		}
	}
	u, v := octree.OtherAxes(axis)
	var off [3]int32
	off[axis] = min(p[axis], q[axis])
	for du := int32(-1); du <= 0; du++ {
		for dv := int32(-1); dv <= 0; dv++ {
			off[u], off[v] = p[u]+du, p[v]+dv
			if o.refined(e, off) {
				return true
			}
		}
	}
	return false
}

// GetEdgeLoops links the directed segments of a leaf into closed loops.
// Chains that do not close and loops of fewer than 3 roots are dropped and
// counted.
func (o *Octree) GetEdgeLoops(segs []rootSegment, res *leafResult) {
	if len(segs) == 0 {
		return
	}
	next := make(map[uint64]uint64, len(segs))
	for _, s := range segs {
		if _, dup := next[s.from]; dup {
			res.open++
		}
		next[s.from] = s.to
	}
	visited := make(map[uint64]bool, len(segs))
	for _, s := range segs {
		if visited[s.from] {
			continue
		}
		var loop []uint64
		closed := false
		for k := s.from; !visited[k]; {
			visited[k] = true
			loop = append(loop, k)
			nk, ok := next[k]
			if !ok {
				break
			}
			if nk == s.from {
				closed = true
				break
			}
			k = nk
		}
		switch {
		case !closed:
			res.open++
		case len(loop) < 3:
			res.degen++
		default:
			res.loops = append(res.loops, loop)
		}
	}
}

// cubeEdge returns the cube edge of leaf holding the segment of key, or -1.
func (o *Octree) cubeEdge(leaf int32, key uint64) int {
	p, q := octree.EdgeFromKey(key)
	n := o.tree.Node(leaf)
	lo := octree.CornerPosition(o.maxDepth, int(n.Depth), n.Off, 0)
	hi := octree.CornerPosition(o.maxDepth, int(n.Depth), n.Off, 7)
	axis := 0
	for i := 1; i < 3; i++ {
		if p[i] != q[i] {
			axis = i
		}
	}
	u, v := octree.OtherAxes(axis)
	side := func(a int) int {
		switch p[a] {
		case lo[a]:
			return 0
		case hi[a]:
			return 1
		}
		return -1
	}
	bu, bv := side(u), side(v)
	if bu < 0 || bv < 0 {
		return -1
	}
	return axis*4 + (bu | bv<<1)
}

// SetMCRootPositions computes the position of every root in parallel.
func (o *Octree) SetMCRootPositions(rd *RootData, iso float64) error {
	rd.Positions = make([]r3.Vec, len(rd.Roots))
	return parallelRange(o.params.threads(), 0, len(rd.Roots), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			rd.Positions[i] = o.GetRoot(rd, rd.Roots[i], iso)
		}
		return nil
	})
}

// GetRoot returns the position in unit cube coordinates where the function
// crosses iso along the segment of root. The crossing is interpolated
// linearly between the segment's corner values, then refined on the
// function itself with regula falsi when NonLinearFit is set.
func (o *Octree) GetRoot(rd *RootData, root RootInfo, iso float64) r3.Vec {
	p, q := octree.EdgeFromKey(root.Key)
	fp := o.cornerValue(rd, p) - iso
	fq := o.cornerValue(rd, q) - iso
	a, b := o.cornerUnit(p), o.cornerUnit(q)
	at := func(t float64) r3.Vec { return r3.Add(a, r3.Scale(t, r3.Sub(b, a))) }
	t := 0.5
	if fq != fp {
		t = math.Max(0, math.Min(1, fp/(fp-fq)))
	}
	if !o.params.NonLinearFit || (fp > 0) == (fq > 0) {
		return at(t)
	}
	lo, hi := 0.0, 1.0
	flo, fhi := fp, fq
	for it := 0; it < 8; it++ {
		ft := o.value(at(t)) - iso
		if ft == 0 {
			break
		}
		if (ft > 0) == (flo > 0) {
			lo, flo = t, ft
		} else {
			hi, fhi = t, ft
		}
		t = lo + (hi-lo)*flo/(flo-fhi)
	}
	return at(t)
}

// AddTriangles triangulates one loop of vertex indices with positions pos
// in unit cube coordinates. Loops of more than 3 vertices get a barycenter
// vertex when AddBarycenter is set and are fanned from their first vertex
// otherwise. It returns the number of vertices and triangles added.
func (o *Octree) AddTriangles(sink mesh.Sink, loop []int, pos []r3.Vec) (vertices, triangles int, err error) {
	switch {
	case len(loop) < 3:
		return 0, 0, nil
	case len(loop) == 3:
		return 0, 1, sink.AddTriangle([3]int{loop[0], loop[1], loop[2]})
	case o.params.AddBarycenter:
		var c r3.Vec
		for _, p := range pos {
			c = r3.Add(c, p)
		}
		c = r3.Scale(1/float64(len(pos)), c)
		ci, err := sink.AddVertex(o.toWorld(c))
		if err != nil {
			return 0, 0, err
		}
		for i := range loop {
			if err := sink.AddTriangle([3]int{loop[i], loop[(i+1)%len(loop)], ci}); err != nil {
				return 1, i, err
			}
		}
		return 1, len(loop), nil
	}
	for i := 1; i+1 < len(loop); i++ {
		if err := sink.AddTriangle([3]int{loop[0], loop[i], loop[i+1]}); err != nil {
			return 0, i - 1, err
		}
	}
	return 0, len(loop) - 2, nil
}
