// Package sparse implements the row compressed symmetric matrices assembled
// for each octree depth and a conjugate gradient solver over them.
package sparse

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Entry is a non-zero matrix element in a row.
type Entry struct {
	Col   int32
	Value float64
}

// Matrix is a square sparse matrix stored by rows.
type Matrix struct {
	Rows [][]Entry
}

// New returns a matrix with n empty rows.
func New(n int) *Matrix {
	return &Matrix{Rows: make([][]Entry, n)}
}

// Len returns the number of rows.
func (m *Matrix) Len() int { return len(m.Rows) }

// Entries returns the number of stored elements.
func (m *Matrix) Entries() (n int) {
	for _, r := range m.Rows {
		n += len(r)
	}
	return n
}

// At returns element (i, j). It is linear in the row length.
func (m *Matrix) At(i, j int) float64 {
	for _, e := range m.Rows[i] {
		if int(e.Col) == j {
			return e.Value
		}
	}
	return 0
}

// MulVec sets dst = m*x using up to threads goroutines.
func (m *Matrix) MulVec(dst, x []float64, threads int) {
	if len(dst) != len(m.Rows) || len(x) != len(m.Rows) {
		panic("sparse: dimension mismatch")
	}
	mulRows := func(start, end int) {
		for i := start; i < end; i++ {
			var sum float64
			for _, e := range m.Rows[i] {
				sum += e.Value * x[e.Col]
			}
			dst[i] = sum
		}
	}
	const minRowsPerWorker = 4096
	n := len(m.Rows)
	if threads <= 1 || n < 2*minRowsPerWorker {
		mulRows(0, n)
		return
	}
	chunk := (n + threads - 1) / threads
	if chunk < minRowsPerWorker {
		chunk = minRowsPerWorker
	}
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		start, end := start, start+chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			mulRows(start, end)
		}()
	}
	wg.Wait()
}

// Options controls SolveCG.
type Options struct {
	// MaxIters is the iteration budget when FixedIters is negative.
	MaxIters int
	// FixedIters forces exactly this many iterations when non-negative.
	FixedIters int
	// Accuracy is the relative residual |r|/|b| below which the solve stops early.
	Accuracy float64
	Threads  int
}

// Result reports how a solve went.
type Result struct {
	Iterations int
	// Residual is the relative residual |b - Ax| / |b| of the returned iterate.
	Residual  float64
	Converged bool
	// History holds the relative residual after every iteration.
	History []float64
}

// SolveCG solves m*x = b in place by conjugate gradients starting from the
// contents of x. m must be symmetric positive (semi) definite. If the budget
// is exhausted the current iterate is kept.
func SolveCG(m *Matrix, b, x []float64, opt Options) Result {
	n := m.Len()
	if len(b) != n || len(x) != n {
		panic("sparse: dimension mismatch")
	}
	bNorm := floats.Norm(b, 2)
	if n == 0 || bNorm == 0 {
		for i := range x {
			x[i] = 0
		}
		return Result{Converged: true}
	}
	iters := opt.MaxIters
	if opt.FixedIters >= 0 {
		iters = opt.FixedIters
	}
	r := make([]float64, n)
	p := make([]float64, n)
	ap := make([]float64, n)

	m.MulVec(r, x, opt.Threads)
	floats.SubTo(r, b, r)
	copy(p, r)
	rr := floats.Dot(r, r)
	res := Result{Residual: math.Sqrt(rr) / bNorm}
	for res.Iterations < iters {
		if rr == 0 {
			break
		}
		if opt.FixedIters < 0 && res.Residual <= opt.Accuracy {
			break
		}
		m.MulVec(ap, p, opt.Threads)
		pap := floats.Dot(p, ap)
		if pap <= 0 {
			// Breakdown: direction of zero or negative curvature.
			break
		}
		alpha := rr / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		rrNew := floats.Dot(r, r)
		res.Iterations++
		res.Residual = math.Sqrt(rrNew) / bNorm
		res.History = append(res.History, res.Residual)
		floats.AddScaledTo(p, r, rrNew/rr, p)
		rr = rrNew
	}
	res.Converged = res.Residual <= opt.Accuracy
	return res
}
