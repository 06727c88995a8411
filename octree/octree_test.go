package octree

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestEnsureLookup(t *testing.T) {
	tree, err := New(5)
	if err != nil {
		t.Fatal(err)
	}
	off := [3]int32{7, 30, 1}
	i, err := tree.Ensure(5, off)
	if err != nil {
		t.Fatal(err)
	}
	if got := tree.Lookup(5, off); got != i {
		t.Fatalf("lookup got %d, want %d", got, i)
	}
	// Every ancestor must exist and be consistent.
	n := tree.Node(i)
	for n.Parent >= 0 {
		p := tree.Node(n.Parent)
		if int(p.Depth)+1 != int(n.Depth) {
			t.Fatalf("depth mismatch parent %d child %d", p.Depth, n.Depth)
		}
		if p.Off[0] != n.Off[0]>>1 || p.Off[1] != n.Off[1]>>1 || p.Off[2] != n.Off[2]>>1 {
			t.Fatalf("offset mismatch parent %v child %v", p.Off, n.Off)
		}
		n = p
	}
	if idx, _ := tree.Ensure(5, [3]int32{-1, 0, 0}); idx != -1 {
		t.Error("out of domain node created")
	}
	if _, err := tree.Ensure(6, off); err == nil {
		t.Error("expected error refining past max depth")
	}
}

func TestSortDepthMajor(t *testing.T) {
	tree, _ := New(4)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := 1 + rng.Intn(4)
		w := int32(1) << d
		_, err := tree.Ensure(d, [3]int32{rng.Int31n(w), rng.Int31n(w), rng.Int31n(w)})
		if err != nil {
			t.Fatal(err)
		}
	}
	// Detach one subtree and make sure it vanishes on Sort.
	tree.Prune(tree.Child(0, 3))
	before := tree.Len()
	perm := tree.Sort()
	if len(perm) != tree.Len() || tree.Len() > before {
		t.Fatalf("bad permutation length %d (tree %d, before %d)", len(perm), tree.Len(), before)
	}
	total := 0
	for d := 0; d <= tree.MaxDepth(); d++ {
		for i := tree.Start(d); i < tree.End(d); i++ {
			n := tree.Node(i)
			if int(n.Depth) != d {
				t.Fatalf("node %d at depth %d found in range of depth %d", i, n.Depth, d)
			}
			if tree.Lookup(d, n.Off) != i {
				t.Fatalf("index mismatch after sort for node %d", i)
			}
			if n.Children >= 0 {
				for c := 0; c < 8; c++ {
					ch := tree.Node(n.Children + int32(c))
					if ch.Parent != i || ChildIndex(ch.Off) != c {
						t.Fatalf("child %d of %d inconsistent", c, i)
					}
				}
			}
		}
		total += tree.NodeCount(d)
	}
	if total != tree.Len() {
		t.Errorf("depth ranges cover %d nodes, tree has %d", total, tree.Len())
	}
}

func TestLeafAt(t *testing.T) {
	tree, _ := New(3)
	i, _ := tree.Ensure(3, [3]int32{5, 2, 7})
	tree.Sort()
	i = tree.Lookup(3, [3]int32{5, 2, 7})
	p := Center(3, [3]int32{5, 2, 7})
	if got := tree.LeafAt(p); got != i {
		t.Errorf("LeafAt got %d want %d", got, i)
	}
	// A point far from the refined branch lands in a depth 1 leaf.
	leaf := tree.Node(tree.LeafAt(r3.Vec{X: 0.1, Y: 0.9, Z: 0.1}))
	if leaf.Depth != 1 {
		t.Errorf("expected depth 1 leaf, got depth %d", leaf.Depth)
	}
}

func TestNeighbors(t *testing.T) {
	tree, _ := New(2)
	off := [3]int32{0, 1, 2}
	var dst [27]int32
	if err := tree.EnsureNeighbors(2, off, 1, dst[:]); err != nil {
		t.Fatal(err)
	}
	in := 0
	for _, i := range dst {
		if i >= 0 {
			in++
		}
	}
	// x=-1 plane is outside the domain.
	if in != 18 {
		t.Errorf("expected 18 in-domain neighbors, got %d", in)
	}
	var again [27]int32
	tree.Neighbors(2, off, 1, again[:])
	if again != dst {
		t.Error("Neighbors does not agree with EnsureNeighbors")
	}
	if dst[13] != tree.Lookup(2, off) {
		t.Error("center of neighborhood is not the node itself")
	}
}

func TestKeysBijective(t *testing.T) {
	const maxDepth = MaxDepth
	rng := rand.New(rand.NewSource(2))
	seenEdges := make(map[uint64][2][3]int32)
	for i := 0; i < 2000; i++ {
		d := rng.Intn(maxDepth + 1)
		w := int32(1) << d
		off := [3]int32{rng.Int31n(w), rng.Int31n(w), rng.Int31n(w)}
		gd, goff := NodeFromKey(NodeKey(d, off))
		if gd != d || goff != off {
			t.Fatalf("node key round trip: got (%d,%v) want (%d,%v)", gd, goff, d, off)
		}
		for c := 0; c < 8; c++ {
			p := CornerPosition(maxDepth, d, off, c)
			if CornerFromKey(CornerKey(p)) != p {
				t.Fatalf("corner key round trip failed for %v", p)
			}
		}
		for e := 0; e < 12; e++ {
			c0, c1 := EdgeCorners(e)
			a := CornerPosition(maxDepth, d, off, c0)
			b := CornerPosition(maxDepth, d, off, c1)
			k := EdgeKey(a, b)
			ga, gb := EdgeFromKey(k)
			if ga != a || gb != b {
				t.Fatalf("edge key round trip: got %v-%v want %v-%v", ga, gb, a, b)
			}
			if prev, ok := seenEdges[k]; ok && (prev[0] != a || prev[1] != b) {
				t.Fatalf("edge key collision between %v and %v", prev, [2][3]int32{a, b})
			}
			seenEdges[k] = [2][3]int32{a, b}
			if EdgeIndex(c0, c1) != e {
				t.Fatalf("EdgeIndex(%d,%d) = %d want %d", c0, c1, EdgeIndex(c0, c1), e)
			}
		}
	}
}
