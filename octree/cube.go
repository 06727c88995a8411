package octree

// Cube conventions.
//
// Corner c has unit coordinates (c&1, c>>1&1, c>>2&1).
// Edge e runs along axis e/4. Its position on the two remaining axes
// (taken in increasing axis order) is (e&1, e>>1&1).
// Face f is normal to axis f/2 and lies on the low (f&1 == 0) or high side.

// CornerBits returns the unit coordinates of cube corner c.
func CornerBits(c int) [3]int32 {
	return [3]int32{int32(c & 1), int32(c >> 1 & 1), int32(c >> 2 & 1)}
}

// CornerIndex is the inverse of CornerBits.
func CornerIndex(x, y, z int32) int {
	return int(x) | int(y)<<1 | int(z)<<2
}

// EdgeAxis returns the axis edge e is parallel to.
func EdgeAxis(e int) int { return e / 4 }

// EdgeCorners returns the two corners joined by edge e, lowest first.
func EdgeCorners(e int) (c0, c1 int) {
	axis := e / 4
	var b [3]int32
	u, v := OtherAxes(axis)
	b[u] = int32(e & 1)
	b[v] = int32(e >> 1 & 1)
	c0 = CornerIndex(b[0], b[1], b[2])
	b[axis] = 1
	c1 = CornerIndex(b[0], b[1], b[2])
	return c0, c1
}

// EdgeIndex returns the edge joining corners c0 and c1 or -1 if they are
// not joined by a cube edge.
func EdgeIndex(c0, c1 int) int {
	diff := c0 ^ c1
	var axis int
	switch diff {
	case 1:
		axis = 0
	case 2:
		axis = 1
	case 4:
		axis = 2
	default:
		return -1
	}
	b := CornerBits(c0)
	u, v := OtherAxes(axis)
	return axis*4 + (int(b[u]) | int(b[v])<<1)
}

// FaceAxis returns the axis normal to face f and whether it is the high side.
func FaceAxis(f int) (axis int, high bool) { return f / 2, f&1 == 1 }

// OtherAxes returns the two axes perpendicular to axis in increasing order.
func OtherAxes(axis int) (u, v int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	}
	return 0, 1
}
