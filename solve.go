package poisson

import (
	"math"
	"time"

	"github.com/soypat/poisson/bspline"
	"github.com/soypat/poisson/octree"
	"github.com/soypat/poisson/sparse"
	"go.uber.org/zap"
)

// DepthStats reports the solve of one depth.
type DepthStats struct {
	Depth int
	// Nodes is the number of unknowns at the depth.
	Nodes int
	// Blocks is the number of subtree blocks the depth was solved in.
	Blocks     int
	Iterations int
	// Residual is the largest relative residual over the blocks.
	Residual  float64
	Converged bool
	// Residuals is the residual history of the largest block.
	Residuals []float64
	Elapsed   time.Duration
}

// pointBuckets groups point indices by the depth d cell containing them.
type pointBuckets map[uint64][]int32

func (o *Octree) bucketPoints(d int) pointBuckets {
	if o.params.PointWeight == 0 || len(o.points) == 0 {
		return nil
	}
	b := make(pointBuckets)
	for i, pt := range o.points {
		k := octree.NodeKey(d, octree.CellOf(pt.Position, d))
		b[k] = append(b[k], int32(i))
	}
	return b
}

// basisWeight returns the value at a point of the node at off given the
// splat weights sw of the point's cell, or 0 if the node does not overlap it.
func basisWeight(sw *[3][3]float64, cell, off [3]int32) float64 {
	w := 1.0
	for a := 0; a < 3; a++ {
		r := off[a] - cell[a] + 1
		if r < 0 || r > 2 {
			return 0
		}
		w *= sw[a][r]
	}
	return w
}

// LaplacianMatrixIteration solves the system of every depth from the
// coarsest to the finest. Before depth d is solved the solution of all
// coarser depths is moved to its right hand side. Depths finer than
// MaxSolveDepth are not solved and keep a zero solution.
func (o *Octree) LaplacianMatrixIteration() ([]DepthStats, error) {
	maxD := o.tree.Depth()
	if sd := o.params.maxSolveDepth(); sd < maxD {
		o.log.Info("limiting solve depth", zap.Int("maxSolveDepth", sd), zap.Int("depth", maxD))
		maxD = sd
	}
	clk := o.ctx.timer()
	met := make([]float64, len(o.data))
	o.depthStats = o.depthStats[:0]
	for d := 0; d <= maxD; d++ {
		start := clk.Now()
		buckets := o.bucketPoints(d)
		if d > 0 {
			if err := o.UpSampleCoarserSolution(d, met); err != nil {
				return nil, err
			}
			if err := o.SetCoarserPointValues(d, met); err != nil {
				return nil, err
			}
			if err := o.UpdateConstraintsFromCoarser(d, met, buckets); err != nil {
				return nil, err
			}
		}
		st, err := o.solveFixedDepthMatrix(d, buckets)
		if err != nil {
			return nil, err
		}
		st.Elapsed = clk.Since(start)
		o.depthStats = append(o.depthStats, st)
		o.reportDepth(st)
	}
	o.solved = true
	return o.depthStats, nil
}

func (o *Octree) reportDepth(st DepthStats) {
	if !st.Converged && o.params.FixedIters < 0 && st.Nodes > 0 {
		o.log.Warn("solver did not converge",
			zap.Int("depth", st.Depth),
			zap.Int("nodes", st.Nodes),
			zap.Int("iterations", st.Iterations),
			zap.Float64("residual", st.Residual),
		)
	}
	if o.params.ShowResidual {
		o.log.Info("residual",
			zap.Int("depth", st.Depth),
			zap.Int("blocks", st.Blocks),
			zap.Int("iterations", st.Iterations),
			zap.Float64("residual", st.Residual),
			zap.Float64s("history", st.Residuals),
		)
	}
	if o.params.Verbose {
		o.ctx.DumpOutput("Depth[%d/%d]: %d nodes, %d iterations, residual %.3g, %v",
			st.Depth, o.tree.Depth(), st.Nodes, st.Iterations, st.Residual, st.Elapsed)
	}
}

// coarserCoefficient returns the coefficient of the depth d-1 node k in the
// expansion of every depth shallower than d.
func (o *Octree) coarserCoefficient(k int32, met []float64) float64 {
	return met[k] + o.data[k].Solution
}

// UpSampleCoarserSolution expresses the solution of all depths shallower
// than d in the basis of depth d and stores it in met. met must hold the
// same for depth d-1.
func (o *Octree) UpSampleCoarserSolution(d int, met []float64) error {
	return o.depthRange(d, func(lo, hi int32) error {
		var nb [27]int32
		for i := lo; i < hi; i++ {
			off := o.tree.Node(i).Off
			p := parentOf(off)
			o.tree.Neighbors(d-1, p, 1, nb[:])
			var v float64
			for x := int32(0); x < 3; x++ {
				for y := int32(0); y < 3; y++ {
					for z := int32(0); z < 3; z++ {
						k := nb[x*9+y*3+z]
						if k < 0 {
							continue
						}
						kOff := [3]int32{p[0] + x - 1, p[1] + y - 1, p[2] + z - 1}
						v += upWeight3(off, kOff) * o.coarserCoefficient(k, met)
					}
				}
			}
			met[i] = v
		}
		return nil
	})
}

// SetCoarserPointValues evaluates the function of all depths shallower than
// d at every point.
func (o *Octree) SetCoarserPointValues(d int, met []float64) error {
	return parallelRange(o.params.threads(), 0, len(o.points), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			pos := o.points[i].Position
			cell := octree.CellOf(pos, d-1)
			sw := bspline.SplatWeights(d-1, cell, pos)
			var v float64
			for x := 0; x < 3; x++ {
				for y := 0; y < 3; y++ {
					for z := 0; z < 3; z++ {
						k := o.tree.Lookup(d-1, [3]int32{cell[0] + int32(x) - 1, cell[1] + int32(y) - 1, cell[2] + int32(z) - 1})
						if k >= 0 {
							v += o.coarserCoefficient(k, met) * sw[0][x] * sw[1][y] * sw[2][z]
						}
					}
				}
			}
			o.points[i].CoarserValue = v
		}
		return nil
	})
}

// UpdateConstraintsFromCoarser subtracts from the constraints of depth d the
// Laplacian and screening terms of the function of all shallower depths.
func (o *Octree) UpdateConstraintsFromCoarser(d int, met []float64, buckets pointBuckets) error {
	lapScale := bspline.LaplacianScale(d)
	alpha := o.screenWeight(d)
	return o.depthRange(d, func(lo, hi int32) error {
		var nb [125]int32
		for i := lo; i < hi; i++ {
			node := o.tree.Node(i)
			o.tree.Neighbors(d-1, parentOf(node.Off), 2, nb[:])
			st := &o.stencils.CrossLaplacian[octree.ChildIndex(node.Off)]
			var b float64
			for x := 0; x < 5; x++ {
				for y := 0; y < 5; y++ {
					for z := 0; z < 5; z++ {
						if k := nb[x*25+y*5+z]; k >= 0 {
							b += o.coarserCoefficient(k, met) * st[x][y][z]
						}
					}
				}
			}
			b *= lapScale
			if buckets != nil {
				o.forPointsNear(d, node.Off, buckets, func(pt *PointData, cell [3]int32, sw *[3][3]float64) {
					b += alpha * pt.Weight * basisWeight(sw, cell, node.Off) * pt.CoarserValue
				})
			}
			o.data[i].Constraint -= b
		}
		return nil
	})
}

// forPointsNear calls fn for every point inside the support of the depth d
// node at off together with its cell and splat weights.
func (o *Octree) forPointsNear(d int, off [3]int32, buckets pointBuckets, fn func(pt *PointData, cell [3]int32, sw *[3][3]float64)) {
	for x := int32(-1); x <= 1; x++ {
		for y := int32(-1); y <= 1; y++ {
			for z := int32(-1); z <= 1; z++ {
				cell := [3]int32{off[0] + x, off[1] + y, off[2] + z}
				if !octree.InDomain(d, cell) {
					continue
				}
				for _, pi := range buckets[octree.NodeKey(d, cell)] {
					pt := &o.points[pi]
					sw := bspline.SplatWeights(d, cell, pt.Position)
					fn(pt, cell, &sw)
				}
			}
		}
	}
}

// laplacianRow returns the row of node i of A_d = L_d + alpha_d * P_d as
// arena indexed entries. nb is scratch space for 125 indices.
func (o *Octree) laplacianRow(d int, i int32, buckets pointBuckets, nb []int32) []sparse.Entry {
	var local [5][5][5]float64
	lapScale := bspline.LaplacianScale(d)
	for x := range local {
		for y := range local[x] {
			for z := range local[x][y] {
				local[x][y][z] = o.stencils.Laplacian[x][y][z] * lapScale
			}
		}
	}
	off := o.tree.Node(i).Off
	if buckets != nil {
		alpha := o.screenWeight(d)
		o.forPointsNear(d, off, buckets, func(pt *PointData, cell [3]int32, sw *[3][3]float64) {
			fi := alpha * pt.Weight * basisWeight(sw, cell, off)
			if fi == 0 {
				return
			}
			for x := int32(0); x < 3; x++ {
				for y := int32(0); y < 3; y++ {
					for z := int32(0); z < 3; z++ {
						// Node cell+(x,y,z)-1 relative to i, shifted into [0,5).
						lx := cell[0] + x - 1 - off[0] + 2
						ly := cell[1] + y - 1 - off[1] + 2
						lz := cell[2] + z - 1 - off[2] + 2
						local[lx][ly][lz] += fi * sw[0][x] * sw[1][y] * sw[2][z]
					}
				}
			}
		})
	}
	o.tree.Neighbors(d, off, 2, nb)
	row := make([]sparse.Entry, 0, 27)
	for x := 0; x < 5; x++ {
		for y := 0; y < 5; y++ {
			for z := 0; z < 5; z++ {
				j := nb[x*25+y*5+z]
				if j < 0 || local[x][y][z] == 0 {
					continue
				}
				row = append(row, sparse.Entry{Col: j, Value: local[x][y][z]})
			}
		}
	}
	return row
}

// GetFixedDepthLaplacian assembles the rows of the depth d nodes with arena
// indices in [lo, hi). Columns inside the range are renumbered from zero.
// Couplings to depth d nodes outside the range are returned per row in
// outside with arena indexed columns.
func (o *Octree) GetFixedDepthLaplacian(d int, lo, hi int32, buckets pointBuckets) (m *sparse.Matrix, outside [][]sparse.Entry, err error) {
	m = sparse.New(int(hi - lo))
	outside = make([][]sparse.Entry, hi-lo)
	err = parallelRange(o.params.threads(), int(lo), int(hi), func(a, b int) error {
		var nb [125]int32
		for i := int32(a); i < int32(b); i++ {
			row := o.laplacianRow(d, i, buckets, nb[:])
			in := row[:0]
			var out []sparse.Entry
			for _, e := range row {
				if e.Col >= lo && e.Col < hi {
					e.Col -= lo
					in = append(in, e)
				} else {
					out = append(out, e)
				}
			}
			m.Rows[i-lo] = in
			outside[i-lo] = out
		}
		return nil
	})
	return m, outside, err
}

// solveBlocks partitions depth d into contiguous ranges of nodes sharing an
// ancestor at SolverDivide. Shallower depths are one block.
func (o *Octree) solveBlocks(d int) [][2]int32 {
	start, end := o.tree.Start(d), o.tree.End(d)
	if start == end {
		return nil
	}
	sd := o.params.SolverDivide
	if d <= sd {
		return [][2]int32{{start, end}}
	}
	shift := uint(d - sd)
	var blocks [][2]int32
	lo := start
	key := func(i int32) [3]int32 {
		off := o.tree.Node(i).Off
		return [3]int32{off[0] >> shift, off[1] >> shift, off[2] >> shift}
	}
	for i := start + 1; i < end; i++ {
		if key(i) != key(lo) {
			blocks = append(blocks, [2]int32{lo, i})
			lo = i
		}
	}
	return append(blocks, [2]int32{lo, end})
}

// solveFixedDepthMatrix solves the depth d system block by block. Blocks
// see the current solution of the blocks around them as fixed values.
func (o *Octree) solveFixedDepthMatrix(d int, buckets pointBuckets) (DepthStats, error) {
	st := DepthStats{Depth: d, Nodes: o.tree.NodeCount(d), Converged: true}
	largest := 0
	for _, blk := range o.solveBlocks(d) {
		lo, hi := blk[0], blk[1]
		m, outside, err := o.GetFixedDepthLaplacian(d, lo, hi, buckets)
		if err != nil {
			return st, err
		}
		n := int(hi - lo)
		b := make([]float64, n)
		x := make([]float64, n)
		for r := range b {
			b[r] = o.data[lo+int32(r)].Constraint
			for _, e := range outside[r] {
				b[r] -= e.Value * o.data[e.Col].Solution
			}
			x[r] = o.data[lo+int32(r)].Solution
		}
		res := sparse.SolveCG(m, b, x, sparse.Options{
			MaxIters:   max(o.params.MinIters, int(math.Ceil(math.Cbrt(float64(n))))),
			FixedIters: o.params.FixedIters,
			Accuracy:   o.params.SolverAccuracy,
			Threads:    o.params.threads(),
		})
		for r, v := range x {
			o.data[lo+int32(r)].Solution = v
		}
		st.Blocks++
		st.Iterations = max(st.Iterations, res.Iterations)
		st.Residual = max(st.Residual, res.Residual)
		st.Converged = st.Converged && res.Converged
		if n > largest {
			largest = n
			st.Residuals = res.History
		}
	}
	return st, nil
}
