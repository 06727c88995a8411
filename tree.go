package poisson

import (
	"fmt"
	"math"

	"github.com/soypat/poisson/bspline"
	"github.com/soypat/poisson/internal/d3"
	"github.com/soypat/poisson/octree"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

// NodeData is the per node state threaded through the pipeline. It is
// indexed by the node's arena index in the sorted tree.
type NodeData struct {
	NodeIndex int32
	// MCIndex is the corner sign mask of a leaf: bit c is set when corner c
	// lies below the iso value. Filled during extraction.
	MCIndex uint8
	// CenterWeightContribution is the sample density splatted at the node.
	CenterWeightContribution float64
	// NormalIndex indexes Octree normals or is -1.
	NormalIndex int32
	// Constraint is the right hand side entry of the node's row.
	Constraint float64
	// Solution is the node's coefficient in the implicit function.
	Solution float64
	// PointIndex indexes the screening point of a leaf or is -1.
	PointIndex int32
}

// PointData is the aggregate of the samples falling in one leaf, used to
// screen the solve towards interpolating the input.
type PointData struct {
	Position r3.Vec
	Weight   float64
	// CoarserValue is the value of the coarser depths' function at Position.
	// It is recomputed before every depth is solved.
	CoarserValue float64
}

// sampleInfo is an accepted input sample in unit cube coordinates.
type sampleInfo struct {
	pos    r3.Vec
	weight float64
	// area is the surface area the sample stands for.
	area float64
}

// Octree holds the adaptive octree and every quantity defined on it during
// one reconstruction.
type Octree struct {
	ctx      *Context
	log      *zap.Logger
	params   Parameters
	tree     *octree.Tree
	stencils *bspline.Stencils
	maxDepth int
	minDepth int

	// Parallel to the tree arena until the shape is frozen.
	field   []r3.Vec
	density []float64

	data       []NodeData
	normals    []r3.Vec
	points     []PointData
	samples    []sampleInfo
	pointCount []int

	center r3.Vec
	scale  float64
	// xform maps input coordinates to reconstruction coordinates, ixform back.
	xform, ixform, nxform d3.Transform

	isoValue   float64
	depthStats []DepthStats
	solved     bool
	// flip is set when the transform mirrors space.
	flip bool
}

// NewOctree returns an empty octree for a reconstruction with parameters p.
func NewOctree(ctx *Context, p Parameters) (*Octree, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = &Context{}
	}
	t, err := octree.New(p.Depth)
	if err != nil {
		return nil, err
	}
	o := &Octree{
		ctx:        ctx,
		log:        ctx.logger(),
		params:     p,
		tree:       t,
		stencils:   bspline.NewStencils(),
		maxDepth:   p.Depth,
		minDepth:   p.MinDepth,
		pointCount: make([]int, p.Depth+1),
	}
	if p.Transform != nil {
		o.xform = d3.NewTransform(p.Transform)
		if math.Abs(o.xform.Det()) < 1e-16 {
			return nil, fmt.Errorf("%w: transform is singular", ErrInvalidParameters)
		}
		o.ixform = o.xform.Inv()
		o.nxform = o.xform.NormalTransform()
		o.flip = o.xform.Det() < 0
	}
	return o, nil
}

// Tree returns the octree. It is frozen once SetTree returns.
func (o *Octree) Tree() *octree.Tree { return o.tree }

// NodeData returns the per node data indexed by arena index.
func (o *Octree) NodeData() []NodeData { return o.data }

// Points returns the screening points.
func (o *Octree) Points() []PointData { return o.points }

// PointCount returns how many samples were splatted with each depth as
// their finer splat depth.
func (o *Octree) PointCount() []int { return o.pointCount }

// Center and Scale describe the reconstruction cube in transformed input
// coordinates: a cube of side Scale centered on Center.
func (o *Octree) Center() r3.Vec { return o.center }
func (o *Octree) Scale() float64  { return o.scale }

// toUnit maps a point in transformed input coordinates into the unit cube.
func (o *Octree) toUnit(p r3.Vec) r3.Vec {
	return r3.Add(r3.Scale(1/o.scale, r3.Sub(p, o.center)), r3.Vec{X: 0.5, Y: 0.5, Z: 0.5})
}

// toWorld maps a point of the unit cube back into input coordinates.
func (o *Octree) toWorld(q r3.Vec) r3.Vec {
	p := r3.Add(r3.Scale(o.scale, r3.Sub(q, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5})), o.center)
	if o.ixform.IsIdentity() {
		return p
	}
	return o.ixform.Transform(p)
}

// acceptSample applies the transform and weighting rules to an input sample.
// ok is false when the sample must be skipped.
func (o *Octree) acceptSample(pt OrientedPoint) (pos, n r3.Vec, w float64, ok bool) {
	pos, n = pt.Position, pt.Normal
	if !finite(pos) || !finite(n) {
		return pos, n, 0, false
	}
	if !o.xform.IsIdentity() {
		pos = o.xform.Transform(pos)
		n = o.nxform.ApplyDirection(n)
	}
	length := r3.Norm(n)
	if length == 0 {
		return pos, n, 0, false
	}
	w = 1
	if o.params.Confidence {
		w = pt.Confidence
		if w <= 0 {
			w = length
		}
	}
	if !(w > 0) || math.IsInf(w, 0) {
		return pos, n, 0, false
	}
	return pos, r3.Scale(1/length, n), w, true
}

func finite(v r3.Vec) bool {
	return !math.IsNaN(v.X+v.Y+v.Z) && !math.IsInf(v.X+v.Y+v.Z, 0)
}

// SetTree builds the octree from pts: bounding cube, density estimation,
// splatting of the normal field and the structural passes that freeze the
// tree shape. It returns the number of samples used. On error the octree is
// reset and SetTree may be called again.
func (o *Octree) SetTree(pts []OrientedPoint) (int, error) {
	if o.data != nil {
		return 0, fmt.Errorf("octree already set")
	}
	n, err := o.setTree(pts)
	if err != nil {
		if rerr := o.reset(); rerr != nil {
			return 0, multierr.Append(err, rerr)
		}
		return 0, err
	}
	return n, nil
}

// reset drops everything SetTree built.
func (o *Octree) reset() error {
	t, err := octree.New(o.maxDepth)
	if err != nil {
		return err
	}
	o.tree = t
	o.field, o.density = nil, nil
	o.data, o.normals, o.points, o.samples = nil, nil, nil, nil
	for d := range o.pointCount {
		o.pointCount[d] = 0
	}
	o.center, o.scale = r3.Vec{}, 0
	return nil
}

func (o *Octree) setTree(pts []OrientedPoint) (int, error) {
	type accepted struct {
		pos, n r3.Vec
		w      float64
	}
	acc := make([]accepted, 0, len(pts))
	var bounds d3.Box
	for _, pt := range pts {
		pos, n, w, ok := o.acceptSample(pt)
		if !ok {
			continue
		}
		if len(acc) == 0 {
			bounds = d3.Box{Min: pos, Max: pos}
		} else {
			bounds = bounds.Include(pos)
		}
		acc = append(acc, accepted{pos: pos, n: n, w: w})
	}
	if len(acc) == 0 {
		return 0, fmt.Errorf("%w: %d samples read, none usable", ErrNoPoints, len(pts))
	}
	side := d3.Max(bounds.Size())
	if side == 0 {
		return 0, fmt.Errorf("%w: %d samples at %v", ErrDegenerateInput, len(acc), bounds.Min)
	}
	o.center = bounds.Center()
	o.scale = side * o.params.Scale
	if o.params.Verbose {
		o.ctx.DumpOutput("Samples: %d (%d skipped)", len(acc), len(pts)-len(acc))
		o.ctx.DumpOutput("Center: %.6g %.6g %.6g, scale: %.6g", o.center.X, o.center.Y, o.center.Z, o.scale)
	}

	if err := o.completeTo(o.minDepth); err != nil {
		return 0, err
	}
	kd := o.params.kernelDepth()
	for _, s := range acc {
		q := o.toUnit(s.pos)
		for d := 0; d <= kd; d++ {
			if err := o.UpdateWeightContribution(d, q, s.w); err != nil {
				return 0, err
			}
		}
	}
	o.samples = make([]sampleInfo, 0, len(acc))
	for _, s := range acc {
		q := o.toUnit(s.pos)
		depth, weight := o.GetSampleDepthAndWeight(q)
		area := weight / o.params.SamplesPerNode
		if err := o.SplatOrientedPoint(q, r3.Scale(s.w*area, s.n), depth); err != nil {
			return 0, err
		}
		o.samples = append(o.samples, sampleInfo{pos: q, weight: s.w, area: area})
	}
	if err := o.ctx.CheckMemory("splat"); err != nil {
		return 0, err
	}
	if o.params.ForceNeumannField {
		o.forceNeumann()
	}
	pruned := o.ClipTree()
	o.sortTree()
	if o.params.RefineBoundary {
		if err := o.refineBoundary(); err != nil {
			return 0, err
		}
	}
	if err := o.finalize(); err != nil {
		return 0, err
	}
	o.sortTree()
	o.freeze()
	o.attachPoints()
	o.log.Debug("tree set",
		zap.Int("samples", len(acc)),
		zap.Int("nodes", o.tree.Len()),
		zap.Int("normals", len(o.normals)),
		zap.Int("points", len(o.points)),
		zap.Int("pruned", pruned),
	)
	if o.params.Verbose {
		o.ctx.DumpOutput("Leaves/Nodes: %d/%d", o.leafCount(), o.tree.Len())
	}
	return len(acc), nil
}

// completeTo refines every node above depth.
func (o *Octree) completeTo(depth int) error {
	for i := int32(0); int(i) < o.tree.Len(); i++ {
		if int(o.tree.Node(i).Depth) < depth {
			if _, err := o.tree.InitChildren(i); err != nil {
				return err
			}
		}
	}
	o.grow()
	return nil
}

// grow extends the arena parallel slices to the arena length.
func (o *Octree) grow() {
	n := o.tree.Len()
	for len(o.field) < n {
		o.field = append(o.field, r3.Vec{})
	}
	for len(o.density) < n {
		o.density = append(o.density, 0)
	}
}

// sortTree sorts the arena and permutes the parallel slices with it.
func (o *Octree) sortTree() {
	o.grow()
	perm := o.tree.Sort()
	field := make([]r3.Vec, len(perm))
	density := make([]float64, len(perm))
	for newIdx, old := range perm {
		field[newIdx] = o.field[old]
		density[newIdx] = o.density[old]
	}
	o.field, o.density = field, density
}

// forceNeumann zeroes the normal field component across the domain boundary.
func (o *Octree) forceNeumann() {
	o.grow()
	for i, n := range o.tree.Nodes() {
		if o.field[i] == (r3.Vec{}) {
			continue
		}
		last := int32(1)<<n.Depth - 1
		v := [3]float64{o.field[i].X, o.field[i].Y, o.field[i].Z}
		for a := 0; a < 3; a++ {
			if n.Off[a] == 0 || n.Off[a] == last {
				v[a] = 0
			}
		}
		o.field[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
}

// ClipTree removes the children of nodes at or below MinDepth whose
// subtrees carry no normals. It returns the number of nodes clipped.
func (o *Octree) ClipTree() int {
	o.grow()
	nodes := o.tree.Nodes()
	has := make([]bool, len(nodes))
	// Children always sit after their parent in the arena.
	for i := len(nodes) - 1; i >= 0; i-- {
		has[i] = o.field[i] != (r3.Vec{})
		if ch := nodes[i].Children; ch >= 0 {
			for c := int32(0); c < 8; c++ {
				has[i] = has[i] || has[ch+c]
			}
		}
	}
	clipped := 0
	for i, n := range nodes {
		if n.Children < 0 || int(n.Depth) < o.minDepth {
			continue
		}
		keep := false
		for c := int32(0); c < 8; c++ {
			keep = keep || has[n.Children+c]
		}
		if !keep {
			o.tree.Prune(int32(i))
			clipped++
		}
	}
	return clipped
}

// refineBoundary gives every node touching the domain boundary its full
// one ring of same depth neighbors.
func (o *Octree) refineBoundary() error {
	var nb [27]int32
	n := o.tree.Len()
	for i := 0; i < n; i++ {
		node := o.tree.Node(int32(i))
		if node.Depth == 0 || !touchesBoundary(node) {
			continue
		}
		if err := o.tree.EnsureNeighbors(int(node.Depth), node.Off, 1, nb[:]); err != nil {
			return err
		}
	}
	o.grow()
	return nil
}

func touchesBoundary(n octree.Node) bool {
	last := int32(1)<<n.Depth - 1
	for a := 0; a < 3; a++ {
		if n.Off[a] == 0 || n.Off[a] == last {
			return true
		}
	}
	return false
}

// finalize ensures that for every node at depth d the depth d-1 nodes within
// two cells of its parent exist, so every cross depth stencil of the node
// finds all the coarser functions overlapping its support.
func (o *Octree) finalize() error {
	for d := o.maxDepth; d >= 2; d-- {
		n := o.tree.Len()
		for i := 0; i < n; i++ {
			node := o.tree.Node(int32(i))
			if int(node.Depth) != d {
				continue
			}
			p := [3]int32{node.Off[0] >> 1, node.Off[1] >> 1, node.Off[2] >> 1}
			for dx := int32(-2); dx <= 2; dx++ {
				for dy := int32(-2); dy <= 2; dy++ {
					for dz := int32(-2); dz <= 2; dz++ {
						if _, err := o.tree.Ensure(d-1, [3]int32{p[0] + dx, p[1] + dy, p[2] + dz}); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	o.grow()
	return nil
}

// freeze converts the arena parallel slices into NodeData.
func (o *Octree) freeze() {
	n := o.tree.Len()
	o.data = make([]NodeData, n)
	o.normals = o.normals[:0]
	for i := 0; i < n; i++ {
		o.data[i] = NodeData{
			NodeIndex:                int32(i),
			CenterWeightContribution: o.density[i],
			NormalIndex:              -1,
			PointIndex:               -1,
		}
		if o.field[i] != (r3.Vec{}) {
			o.data[i].NormalIndex = int32(len(o.normals))
			o.normals = append(o.normals, o.field[i])
		}
	}
	o.field, o.density = nil, nil
}

// attachPoints aggregates the samples into one screening point per leaf.
// Each sample weighs w * area^AdaptiveExponent, normalized so the total
// matches the total of w * area.
func (o *Octree) attachPoints() {
	var sumArea, sumAdaptive float64
	for _, s := range o.samples {
		sumArea += s.weight * s.area
		sumAdaptive += s.weight * math.Pow(s.area, o.params.AdaptiveExponent)
	}
	if sumAdaptive == 0 {
		o.samples = nil
		return
	}
	norm := sumArea / sumAdaptive
	for _, s := range o.samples {
		pw := s.weight * math.Pow(s.area, o.params.AdaptiveExponent) * norm
		if pw == 0 {
			continue
		}
		leaf := o.tree.LeafAt(s.pos)
		nd := &o.data[leaf]
		if nd.PointIndex < 0 {
			nd.PointIndex = int32(len(o.points))
			o.points = append(o.points, PointData{})
		}
		pd := &o.points[nd.PointIndex]
		pd.Position = r3.Add(pd.Position, r3.Scale(pw, s.pos))
		pd.Weight += pw
	}
	for i := range o.points {
		o.points[i].Position = r3.Scale(1/o.points[i].Weight, o.points[i].Position)
	}
	o.samples = nil
}

func (o *Octree) leafCount() (n int) {
	for _, node := range o.tree.Nodes() {
		if node.IsLeaf() {
			n++
		}
	}
	return n
}
