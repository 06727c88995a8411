// Package poisson reconstructs watertight triangle meshes from oriented point
// clouds by screened Poisson surface reconstruction over an adaptive octree.
//
// The pipeline is
//
//	points -> SetTree (octree + splatted normal field)
//	       -> SetLaplacianConstraints
//	       -> LaplacianMatrixIteration (coarse to fine CG solves)
//	       -> GetIsoValue, GetMCIsoTriangles -> mesh.Sink
//
// Reconstruct runs all of it.
package poisson

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/soypat/poisson/octree"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrInvalidParameters is returned when Parameters fail validation.
	ErrInvalidParameters = errors.New("invalid reconstruction parameters")
	// ErrNoPoints is returned when the input contains no usable samples.
	ErrNoPoints = errors.New("no oriented points to reconstruct from")
	// ErrDegenerateInput is returned when all samples coincide.
	ErrDegenerateInput = errors.New("input points have a zero size bounding box")
	// ErrMemoryBudget is returned when the process exceeds the memory budget
	// and the Context asks to abort.
	ErrMemoryBudget = errors.New("memory budget exceeded")
)

// OrientedPoint is an input sample: a position on the surface and the
// outward normal there. Confidence optionally weights the sample when
// Parameters.Confidence is set; zero means use the normal's length.
type OrientedPoint struct {
	Position   r3.Vec
	Normal     r3.Vec
	Confidence float64
}

// PointReader streams oriented points. ReadPoints returns io.EOF once all
// points have been read.
type PointReader interface {
	ReadPoints(dst []OrientedPoint) (int, error)
}

// ReadAllPoints reads a PointReader until io.EOF.
func ReadAllPoints(r PointReader) ([]OrientedPoint, error) {
	var err error
	var n int
	result := make([]OrientedPoint, 0, 1<<12)
	buf := make([]OrientedPoint, 1024)
	for {
		n, err = r.ReadPoints(buf)
		result = append(result, buf[:n]...)
		if err != nil {
			break
		}
	}
	if err == io.EOF {
		return result, nil
	}
	return result, err
}

// SlicePoints is an in-memory PointReader.
type SlicePoints struct {
	pts []OrientedPoint
}

// NewSliceReader returns a reader over pts. pts is not copied.
func NewSliceReader(pts []OrientedPoint) *SlicePoints {
	return &SlicePoints{pts: pts}
}

// ReadPoints implements PointReader.
func (s *SlicePoints) ReadPoints(dst []OrientedPoint) (int, error) {
	if len(s.pts) == 0 {
		return 0, io.EOF
	}
	n := copy(dst, s.pts)
	s.pts = s.pts[n:]
	return n, nil
}

// StreamReader reads oriented points from a flat buffer laid out as
// x y z nx ny nz [confidence] per point.
type StreamReader struct {
	data   []float64
	stride int
}

// NewStreamReader returns a reader over a flat buffer with 6 values per point,
// or 7 when withConfidence is set.
func NewStreamReader(data []float64, withConfidence bool) (*StreamReader, error) {
	stride := 6
	if withConfidence {
		stride = 7
	}
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("point stream length %d is not a multiple of %d", len(data), stride)
	}
	return &StreamReader{data: data, stride: stride}, nil
}

// ReadPoints implements PointReader.
func (s *StreamReader) ReadPoints(dst []OrientedPoint) (n int, err error) {
	for n < len(dst) && len(s.data) >= s.stride {
		v := s.data[:s.stride]
		dst[n] = OrientedPoint{
			Position: r3.Vec{X: v[0], Y: v[1], Z: v[2]},
			Normal:   r3.Vec{X: v[3], Y: v[4], Z: v[5]},
		}
		if s.stride == 7 {
			dst[n].Confidence = v[6]
		}
		s.data = s.data[s.stride:]
		n++
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Iso value selection modes.
const (
	IsoMedian = "median"
	IsoMean   = "mean"
)

// Parameters controls a reconstruction.
type Parameters struct {
	// Depth is the maximum octree depth. The output resolution is at most 2^Depth.
	Depth int `yaml:"depth"`
	// MinDepth is the depth up to which the octree is complete.
	MinDepth int `yaml:"min_depth"`
	// KernelDepth is the depth at which sample density is estimated. Negative
	// selects Depth-2.
	KernelDepth int `yaml:"kernel_depth"`
	// SamplesPerNode is the target number of samples per finest node.
	SamplesPerNode float64 `yaml:"samples_per_node"`
	// Scale is the ratio between the reconstruction cube and the samples' bounding cube.
	Scale float64 `yaml:"scale"`
	// Confidence uses sample confidence (or normal length) as sample weight.
	Confidence bool `yaml:"confidence"`
	// PointWeight is the screening weight pulling the surface through the samples.
	PointWeight float64 `yaml:"point_weight"`
	// AdaptiveExponent sets how screening weights follow per-sample area.
	AdaptiveExponent float64 `yaml:"adaptive_exponent"`
	// IsoDivide is the depth whose subtrees partition iso-surface extraction work.
	IsoDivide int `yaml:"iso_divide"`
	// SolverDivide is the depth below which systems are solved in subtree blocks.
	SolverDivide int `yaml:"solver_divide"`
	ShowResidual bool `yaml:"show_residual"`
	MinIters     int  `yaml:"min_iters"`
	// SolverAccuracy is the relative residual at which CG stops early.
	SolverAccuracy float64 `yaml:"solver_accuracy"`
	// FixedIters forces an exact CG iteration count when positive. Negative
	// values iterate until SolverAccuracy is met.
	FixedIters int  `yaml:"fixed_iters"`
	Verbose    bool `yaml:"verbose"`
	// MaxSolveDepth is the finest depth whose system is solved. Finer depths
	// keep a zero solution. Negative selects Depth.
	MaxSolveDepth int `yaml:"max_solve_depth"`
	// Threads bounds worker goroutines. Zero or negative uses all CPUs.
	Threads int `yaml:"threads"`
	// NonLinearFit refines edge roots on the implicit function instead of
	// interpolating linearly between corner values.
	NonLinearFit bool `yaml:"non_linear_fit"`
	// AddBarycenter triangulates loops of more than 3 roots around their barycenter.
	AddBarycenter bool `yaml:"add_barycenter"`
	// ForceNeumannField zeroes the normal field component across the domain boundary.
	ForceNeumannField bool `yaml:"force_neumann_field"`
	// RobertoToldoFix drops splat contributions that fall outside the domain
	// instead of folding them onto the nearest node inside it.
	RobertoToldoFix bool `yaml:"roberto_toldo_fix"`
	// RefineBoundary gives nodes touching the domain boundary full neighbor support.
	RefineBoundary bool `yaml:"refine_boundary"`
	// FullDepthIso refines every leaf crossed by the surface down to Depth
	// before extraction.
	FullDepthIso bool `yaml:"full_depth_iso"`
	// PolygonMesh emits each iso loop as one polygon instead of triangles.
	// The sink must implement mesh.PolygonSink.
	PolygonMesh bool `yaml:"polygon_mesh"`
	// IsoValue is IsoMedian or IsoMean.
	IsoValue string `yaml:"iso_value"`
	// Transform is an optional row major 4x4 matrix applied to the input
	// points. The output mesh is mapped back through its inverse.
	Transform []float64 `yaml:"transform,omitempty"`
}

// DefaultParameters returns the default reconstruction parameters.
func DefaultParameters() Parameters {
	return Parameters{
		Depth:             8,
		MinDepth:          0,
		KernelDepth:       -1,
		SamplesPerNode:    1,
		Scale:             1.1,
		Confidence:        false,
		PointWeight:       4,
		AdaptiveExponent:  1,
		IsoDivide:         8,
		SolverDivide:      8,
		ShowResidual:      false,
		MinIters:          24,
		SolverAccuracy:    1e-3,
		FixedIters:        -1,
		Verbose:           true,
		MaxSolveDepth:     -1,
		NonLinearFit:      false,
		AddBarycenter:     true,
		ForceNeumannField: true,
		RobertoToldoFix:   true,
		RefineBoundary:    false,
		IsoValue:          IsoMedian,
	}
}

// Validate checks the parameters and returns an error wrapping
// ErrInvalidParameters describing the first problem found.
func (p Parameters) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidParameters}, args...)...)
	}
	switch {
	case p.Depth < 1 || p.Depth > octree.MaxDepth:
		return bad("depth %d not in [1, %d]", p.Depth, octree.MaxDepth)
	case p.MinDepth < 0 || p.MinDepth > p.Depth:
		return bad("min depth %d not in [0, %d]", p.MinDepth, p.Depth)
	case p.KernelDepth > p.Depth:
		return bad("kernel depth %d exceeds depth %d", p.KernelDepth, p.Depth)
	case !(p.SamplesPerNode > 0):
		return bad("samples per node must be positive, got %g", p.SamplesPerNode)
	case !(p.Scale >= 1):
		return bad("scale must be at least 1, got %g", p.Scale)
	case p.PointWeight < 0:
		return bad("point weight must be non-negative, got %g", p.PointWeight)
	case p.AdaptiveExponent < 0:
		return bad("adaptive exponent must be non-negative, got %g", p.AdaptiveExponent)
	case p.MinIters < 0:
		return bad("min iters must be non-negative, got %d", p.MinIters)
	case p.FixedIters == 0:
		return bad("fixed iters must be positive or negative for adaptive, got 0")
	case p.MaxSolveDepth > p.Depth:
		return bad("max solve depth %d exceeds depth %d", p.MaxSolveDepth, p.Depth)
	case !(p.SolverAccuracy > 0):
		return bad("solver accuracy must be positive, got %g", p.SolverAccuracy)
	case p.IsoValue != IsoMedian && p.IsoValue != IsoMean:
		return bad("unknown iso value mode %q", p.IsoValue)
	case p.Transform != nil && len(p.Transform) != 16:
		return bad("transform needs 16 values, got %d", len(p.Transform))
	}
	return nil
}

func (p Parameters) kernelDepth() int {
	if p.KernelDepth >= 0 {
		return p.KernelDepth
	}
	if p.Depth > 2 {
		return p.Depth - 2
	}
	return 0
}

func (p Parameters) maxSolveDepth() int {
	if p.MaxSolveDepth >= 0 {
		return p.MaxSolveDepth
	}
	return p.Depth
}

func (p Parameters) threads() int {
	if p.Threads > 0 {
		return p.Threads
	}
	return runtime.NumCPU()
}
