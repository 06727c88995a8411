package octree

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// MaxDepth is the deepest level the key encodings in this package can address.
const MaxDepth = 18

// Node is a cube of side 2^-Depth in the unit domain [0,1)^3 whose minimum
// corner is at Off * 2^-Depth.
type Node struct {
	Off    [3]int32
	Parent int32
	// Children is the arena index of the first of 8 consecutive children,
	// ordered by corner index x | y<<1 | z<<2. -1 marks a leaf.
	Children int32
	Depth    uint8
}

// IsLeaf reports whether the node has no children.
func (n Node) IsLeaf() bool { return n.Children < 0 }

// Tree is an arena allocated adaptive octree over the unit cube.
// Nodes are referenced by their index into the arena.
type Tree struct {
	nodes    []Node
	index    []map[uint64]int32 // per depth, offset key to arena index.
	maxDepth int
	// starts[d] is the arena index of the first node at depth d. Only valid
	// while sorted is true.
	starts []int32
	sorted bool
}

var errDepth = errors.New("octree depth out of range")

// New returns a tree holding only the root node.
func New(maxDepth int) (*Tree, error) {
	if maxDepth < 0 || maxDepth > MaxDepth {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", errDepth, maxDepth, MaxDepth)
	}
	t := &Tree{
		nodes:    make([]Node, 1, 1024),
		index:    make([]map[uint64]int32, maxDepth+1),
		maxDepth: maxDepth,
	}
	for d := range t.index {
		t.index[d] = make(map[uint64]int32)
	}
	t.nodes[0] = Node{Parent: -1, Children: -1}
	t.index[0][offsetKey([3]int32{})] = 0
	t.starts = []int32{0, 1}
	t.sorted = true
	return t, nil
}

// MaxDepth returns the deepest level nodes may be created at.
func (t *Tree) MaxDepth() int { return t.maxDepth }

// Len returns the number of nodes in the arena.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns the node at arena index i.
func (t *Tree) Node(i int32) Node { return t.nodes[i] }

// Nodes returns the arena. It must not be modified.
func (t *Tree) Nodes() []Node { return t.nodes }

// Child returns the arena index of child c of node i or -1 if i is a leaf.
func (t *Tree) Child(i int32, c int) int32 {
	first := t.nodes[i].Children
	if first < 0 {
		return -1
	}
	return first + int32(c)
}

// InitChildren creates the 8 children of node i and returns the index of the
// first one. If i already has children they are returned unchanged.
func (t *Tree) InitChildren(i int32) (int32, error) {
	n := t.nodes[i]
	if n.Children >= 0 {
		return n.Children, nil
	}
	if int(n.Depth) >= t.maxDepth {
		return -1, fmt.Errorf("%w: cannot refine node at depth %d", errDepth, n.Depth)
	}
	first := int32(len(t.nodes))
	d := int(n.Depth) + 1
	for c := 0; c < 8; c++ {
		b := CornerBits(c)
		off := [3]int32{2*n.Off[0] + b[0], 2*n.Off[1] + b[1], 2*n.Off[2] + b[2]}
		t.nodes = append(t.nodes, Node{Off: off, Parent: i, Children: -1, Depth: uint8(d)})
		t.index[d][offsetKey(off)] = first + int32(c)
	}
	t.nodes[i].Children = first
	t.sorted = false
	return first, nil
}

// Lookup returns the arena index of the node at depth with offset off or -1
// if it does not exist.
func (t *Tree) Lookup(depth int, off [3]int32) int32 {
	if depth < 0 || depth > t.maxDepth || !InDomain(depth, off) {
		return -1
	}
	i, ok := t.index[depth][offsetKey(off)]
	if !ok {
		return -1
	}
	return i
}

// Ensure returns the node at depth with offset off, creating it and its
// ancestors if needed. Offsets outside the domain return -1.
func (t *Tree) Ensure(depth int, off [3]int32) (int32, error) {
	if depth < 0 || depth > t.maxDepth {
		return -1, errDepth
	}
	if !InDomain(depth, off) {
		return -1, nil
	}
	if i, ok := t.index[depth][offsetKey(off)]; ok {
		return i, nil
	}
	parent, err := t.Ensure(depth-1, [3]int32{off[0] >> 1, off[1] >> 1, off[2] >> 1})
	if err != nil {
		return -1, err
	}
	first, err := t.InitChildren(parent)
	if err != nil {
		return -1, err
	}
	return first + int32(ChildIndex(off)), nil
}

// Neighbors writes into dst the arena indices of the (2r+1)^3 block of
// same-depth nodes centered on off. Missing nodes are written as -1.
// The block is flattened as [dx][dy][dz].
func (t *Tree) Neighbors(depth int, off [3]int32, r int, dst []int32) {
	w := 2*r + 1
	_ = dst[w*w*w-1]
	k := 0
	for dx := -r; dx <= r; dx++ {
		for dy := -r; dy <= r; dy++ {
			for dz := -r; dz <= r; dz++ {
				dst[k] = t.Lookup(depth, [3]int32{off[0] + int32(dx), off[1] + int32(dy), off[2] + int32(dz)})
				k++
			}
		}
	}
}

// EnsureNeighbors is like Neighbors but creates missing in-domain nodes.
func (t *Tree) EnsureNeighbors(depth int, off [3]int32, r int, dst []int32) error {
	w := 2*r + 1
	_ = dst[w*w*w-1]
	k := 0
	for dx := -r; dx <= r; dx++ {
		for dy := -r; dy <= r; dy++ {
			for dz := -r; dz <= r; dz++ {
				i, err := t.Ensure(depth, [3]int32{off[0] + int32(dx), off[1] + int32(dy), off[2] + int32(dz)})
				if err != nil {
					return err
				}
				dst[k] = i
				k++
			}
		}
	}
	return nil
}

// Prune detaches the children of node i. The detached subtree stays in the
// arena until the next call to Sort.
func (t *Tree) Prune(i int32) {
	if t.nodes[i].Children < 0 {
		return
	}
	t.nodes[i].Children = -1
	t.sorted = false
}

// LeafAt returns the deepest node containing p, a point in the unit cube.
func (t *Tree) LeafAt(p r3.Vec) int32 {
	i := int32(0)
	for {
		n := t.nodes[i]
		if n.Children < 0 {
			return i
		}
		off := CellOf(p, int(n.Depth)+1)
		i = n.Children + int32(ChildIndex(off))
	}
}

// Sort rebuilds the arena in breadth first order so nodes of one depth are
// contiguous and ordered along the Morton curve. Detached subtrees are
// dropped. It returns perm where perm[new] = old arena index.
func (t *Tree) Sort() []int32 {
	perm := make([]int32, 0, len(t.nodes))
	perm = append(perm, 0)
	for head := 0; head < len(perm); head++ {
		n := t.nodes[perm[head]]
		if n.Children < 0 {
			continue
		}
		for c := int32(0); c < 8; c++ {
			perm = append(perm, n.Children+c)
		}
	}
	inv := make(map[int32]int32, len(perm))
	for newIdx, old := range perm {
		inv[old] = int32(newIdx)
	}
	nodes := make([]Node, len(perm))
	for d := range t.index {
		t.index[d] = make(map[uint64]int32, len(t.index[d]))
	}
	t.starts = t.starts[:0]
	depth := -1
	for newIdx, old := range perm {
		n := t.nodes[old]
		if n.Parent >= 0 {
			n.Parent = inv[n.Parent]
		}
		if n.Children >= 0 {
			n.Children = inv[n.Children]
		}
		for int(n.Depth) > depth {
			t.starts = append(t.starts, int32(newIdx))
			depth++
		}
		nodes[newIdx] = n
		t.index[n.Depth][offsetKey(n.Off)] = int32(newIdx)
	}
	for len(t.starts) <= t.maxDepth+1 {
		t.starts = append(t.starts, int32(len(nodes)))
	}
	t.nodes = nodes
	t.sorted = true
	return perm
}

// Sorted reports whether the arena is in the order produced by Sort.
func (t *Tree) Sorted() bool { return t.sorted }

// Start returns the arena index of the first node at depth d. The tree must be sorted.
func (t *Tree) Start(d int) int32 {
	t.mustBeSorted()
	return t.starts[d]
}

// End returns one past the arena index of the last node at depth d. The tree must be sorted.
func (t *Tree) End(d int) int32 {
	t.mustBeSorted()
	return t.starts[d+1]
}

// NodeCount returns the number of nodes at depth d. The tree must be sorted.
func (t *Tree) NodeCount(d int) int {
	return int(t.End(d) - t.Start(d))
}

// Depth returns the deepest level that holds at least one node.
func (t *Tree) Depth() int {
	t.mustBeSorted()
	for d := t.maxDepth; d > 0; d-- {
		if t.starts[d+1] > t.starts[d] {
			return d
		}
	}
	return 0
}

func (t *Tree) mustBeSorted() {
	if !t.sorted {
		panic("octree: tree topology changed since last Sort")
	}
}

// InDomain reports whether off addresses a cube inside the unit domain at depth.
func InDomain(depth int, off [3]int32) bool {
	w := int32(1) << depth
	return off[0] >= 0 && off[1] >= 0 && off[2] >= 0 &&
		off[0] < w && off[1] < w && off[2] < w
}

// ChildIndex returns the corner index a node with offset off occupies
// within its parent.
func ChildIndex(off [3]int32) int {
	return int(off[0]&1) | int(off[1]&1)<<1 | int(off[2]&1)<<2
}

// CellOf returns the offset of the depth-d cube containing p, clamped to the domain.
func CellOf(p r3.Vec, d int) [3]int32 {
	w := float64(int32(1) << d)
	return [3]int32{clampCell(p.X*w, d), clampCell(p.Y*w, d), clampCell(p.Z*w, d)}
}

func clampCell(x float64, d int) int32 {
	max := int32(1)<<d - 1
	switch {
	case x < 0:
		return 0
	case x >= float64(max):
		return max
	}
	return int32(x)
}

// Width returns the side length of a depth-d cube in the unit domain.
func Width(d int) float64 { return 1 / float64(int64(1)<<d) }

// Center returns the center of the cube at depth d with offset off.
func Center(d int, off [3]int32) r3.Vec {
	w := Width(d)
	return r3.Vec{
		X: (float64(off[0]) + 0.5) * w,
		Y: (float64(off[1]) + 0.5) * w,
		Z: (float64(off[2]) + 0.5) * w,
	}
}
