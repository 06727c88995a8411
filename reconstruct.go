package poisson

import (
	"fmt"

	"github.com/soypat/poisson/mesh"
	"go.uber.org/zap"
)

// Report summarizes a reconstruction.
type Report struct {
	// Samples is the number of input samples used.
	Samples int
	// Nodes is the number of octree nodes.
	Nodes int
	// Depths holds the solve of every depth in the order it ran.
	Depths     []DepthStats
	IsoValue   float64
	Extract    ExtractStats
	PeakMemory uint64
	Stages     []StageTime
}

// Reconstruct runs the whole pipeline: it reads pts, builds the octree,
// solves for the implicit function and writes its iso-surface to sink.
// Nothing is written to sink unless the solve completes.
func Reconstruct(ctx *Context, pts PointReader, params Parameters, sink mesh.Sink) (*Report, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	o, err := NewOctree(ctx, params)
	if err != nil {
		return nil, err
	}
	if _, ok := sink.(mesh.PolygonSink); params.PolygonMesh && !ok {
		return nil, fmt.Errorf("%w: polygon output needs a mesh.PolygonSink, got %T", ErrInvalidParameters, sink)
	}
	rep := new(Report)
	run := func(name string, fn func() error) error {
		done := ctx.stage(name)
		err := fn()
		rep.Stages = append(rep.Stages, done())
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return ctx.CheckMemory(name)
	}
	var samples []OrientedPoint
	steps := []struct {
		name string
		fn   func() error
	}{
		{"read points", func() (err error) {
			samples, err = ReadAllPoints(pts)
			return err
		}},
		{"set tree", func() (err error) {
			rep.Samples, err = o.SetTree(samples)
			samples = nil
			rep.Nodes = o.tree.Len()
			return err
		}},
		{"set constraints", o.SetLaplacianConstraints},
		{"solve", func() (err error) {
			rep.Depths, err = o.LaplacianMatrixIteration()
			return err
		}},
		{"iso value", func() (err error) {
			rep.IsoValue, err = o.GetIsoValue()
			return err
		}},
		{"extract", func() (err error) {
			rep.Extract, err = o.GetMCIsoTriangles(rep.IsoValue, sink)
			return err
		}},
	}
	for _, step := range steps {
		if err := run(step.name, step.fn); err != nil {
			rep.PeakMemory = ctx.PeakMemory()
			return rep, err
		}
	}
	rep.PeakMemory = ctx.PeakMemory()
	ctx.logger().Info("reconstruction done",
		zap.Int("samples", rep.Samples),
		zap.Int("nodes", rep.Nodes),
		zap.Int("vertices", rep.Extract.Vertices),
		zap.Int("triangles", rep.Extract.Triangles),
		zap.Float64("iso", rep.IsoValue),
	)
	return rep, nil
}

// Solve runs the pipeline up to the iso value without extracting a surface.
// The returned Octree evaluates the implicit function through Evaluate.
func Solve(ctx *Context, pts []OrientedPoint, params Parameters) (*Octree, error) {
	o, err := NewOctree(ctx, params)
	if err != nil {
		return nil, err
	}
	if _, err := o.SetTree(pts); err != nil {
		return nil, err
	}
	if err := o.SetLaplacianConstraints(); err != nil {
		return nil, err
	}
	if _, err := o.LaplacianMatrixIteration(); err != nil {
		return nil, err
	}
	if _, err := o.GetIsoValue(); err != nil {
		return nil, err
	}
	return o, nil
}
