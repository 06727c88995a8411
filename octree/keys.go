package octree

// Geometric keys.
//
// All keys pack three unsigned 20 bit coordinates as x | y<<20 | z<<40.
//
//   node key:   offset at its own depth packed in 19 bit fields with the
//               depth above them. offsetKey omits the depth since the tree
//               indexes nodes per depth.
//   corner key: corner position in units of 2^-maxDepth. Range [0, 2^maxDepth].
//   edge key:   midpoint of an axis aligned dyadic segment in units of
//               2^-(maxDepth+1), axis in bits 60..61. The midpoint of a dyadic
//               segment of length 2^-k sits on an odd multiple of 2^-(k+1) along
//               the segment axis, so the lowest set bit of that coordinate
//               recovers the length and the key is bijective with the segment.
//
// With MaxDepth 18 coordinates never exceed 2^19 which fits in 20 bits.

const (
	keyBits = 20
	keyMask = 1<<keyBits - 1
)

func pack(x, y, z int32) uint64 {
	return uint64(x)&keyMask | (uint64(y)&keyMask)<<keyBits | (uint64(z)&keyMask)<<(2*keyBits)
}

func unpack(k uint64) [3]int32 {
	return [3]int32{int32(k & keyMask), int32(k >> keyBits & keyMask), int32(k >> (2 * keyBits) & keyMask)}
}

func offsetKey(off [3]int32) uint64 { return pack(off[0], off[1], off[2]) }

const nodeBits = 19

// NodeKey uniquely identifies a node by depth and offset.
func NodeKey(depth int, off [3]int32) uint64 {
	const m = 1<<nodeBits - 1
	return uint64(off[0])&m | (uint64(off[1])&m)<<nodeBits | (uint64(off[2])&m)<<(2*nodeBits) |
		uint64(depth)<<(3*nodeBits)
}

// NodeFromKey is the inverse of NodeKey.
func NodeFromKey(k uint64) (depth int, off [3]int32) {
	const m = 1<<nodeBits - 1
	off = [3]int32{int32(k & m), int32(k >> nodeBits & m), int32(k >> (2 * nodeBits) & m)}
	return int(k >> (3 * nodeBits)), off
}

// CornerKey returns the key of a corner given in units of 2^-maxDepth.
func CornerKey(p [3]int32) uint64 { return pack(p[0], p[1], p[2]) }

// CornerFromKey is the inverse of CornerKey.
func CornerFromKey(k uint64) [3]int32 { return unpack(k) }

// EdgeKey returns the key of the segment between corners a and b given in
// units of 2^-maxDepth. a and b must differ along exactly one axis.
func EdgeKey(a, b [3]int32) uint64 {
	axis := 0
	for i := 1; i < 3; i++ {
		if a[i] != b[i] {
			axis = i
		}
	}
	mid := pack(a[0]+b[0], a[1]+b[1], a[2]+b[2])
	return mid | uint64(axis)<<(3*keyBits)
}

// EdgeFromKey recovers the endpoints of the segment identified by k, in units
// of 2^-maxDepth, ordered by increasing coordinate along the segment axis.
func EdgeFromKey(k uint64) (a, b [3]int32) {
	axis := int(k >> (3 * keyBits) & 3)
	mid := unpack(k)
	m := mid[axis]
	half := m & -m // lowest set bit: half the segment length in 2^-(maxDepth+1) units.
	for i := 0; i < 3; i++ {
		a[i] = mid[i] / 2
		b[i] = mid[i] / 2
	}
	a[axis] = (m - half) / 2
	b[axis] = (m + half) / 2
	return a, b
}

// CornerPosition returns the position of corner c of the node at depth with
// offset off in units of 2^-maxDepth.
func CornerPosition(maxDepth, depth int, off [3]int32, c int) [3]int32 {
	s := uint(maxDepth - depth)
	b := CornerBits(c)
	return [3]int32{(off[0] + b[0]) << s, (off[1] + b[1]) << s, (off[2] + b[2]) << s}
}
