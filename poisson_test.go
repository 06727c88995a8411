package poisson

import (
	"errors"
	"math"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/soypat/poisson/mesh"
	"github.com/soypat/poisson/octree"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/spatial/r3"
)

// spherePoints returns n oriented samples spread over a sphere.
func spherePoints(n int, center r3.Vec, radius float64) []OrientedPoint {
	golden := math.Pi * (3 - math.Sqrt(5))
	pts := make([]OrientedPoint, n)
	for i := range pts {
		z := 1 - (2*float64(i)+1)/float64(n)
		r := math.Sqrt(1 - z*z)
		phi := golden * float64(i)
		dir := r3.Vec{X: r * math.Cos(phi), Y: r * math.Sin(phi), Z: z}
		pts[i] = OrientedPoint{Position: r3.Add(center, r3.Scale(radius, dir)), Normal: dir}
	}
	return pts
}

func testParams(depth int) Parameters {
	p := DefaultParameters()
	p.Depth = depth
	p.Verbose = false
	p.Threads = 4
	return p
}

func testContext(t *testing.T) *Context {
	return &Context{
		Logger:      zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel)),
		Clock:       clock.NewMock(),
		MemoryUsage: func() (uint64, error) { return 1 << 20, nil },
	}
}

func TestReconstructSphere(t *testing.T) {
	const radius = 1.0
	center := r3.Vec{X: 3, Y: -2, Z: 0.5}
	pts := spherePoints(3000, center, radius)
	var m mesh.Mesh
	rep, err := Reconstruct(testContext(t), NewSliceReader(pts), testParams(5), &m)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Samples != len(pts) {
		t.Errorf("used %d samples of %d", rep.Samples, len(pts))
	}
	if rep.Extract.Triangles == 0 || rep.Extract.Triangles != len(m.Triangles) {
		t.Fatalf("extracted %d triangles, mesh has %d", rep.Extract.Triangles, len(m.Triangles))
	}
	if rep.Extract.Vertices != len(m.Vertices) {
		t.Errorf("reported %d vertices, mesh has %d", rep.Extract.Vertices, len(m.Vertices))
	}
	if err := mesh.CheckWatertight(&m); err != nil {
		t.Fatal(err)
	}
	// One finest cell is about 0.07 here.
	const band = 0.15
	for i, v := range m.Vertices {
		if d := r3.Norm(r3.Sub(v, center)) - radius; math.Abs(d) > band {
			t.Fatalf("vertex %d at %v is %g off the sphere", i, v, d)
		}
	}
	vol := m.Volume()
	want := 4 * math.Pi / 3 * radius * radius * radius
	if vol <= 0 {
		t.Fatalf("volume %g: triangles face inward", vol)
	}
	if math.Abs(vol-want)/want > 0.2 {
		t.Errorf("volume %g, want about %g", vol, want)
	}

	// Depths are solved coarse to fine.
	if len(rep.Depths) == 0 {
		t.Fatal("no depth statistics")
	}
	for i, st := range rep.Depths {
		if st.Depth != i {
			t.Errorf("solve %d ran at depth %d", i, st.Depth)
		}
	}
	stages := []string{"read points", "set tree", "set constraints", "solve", "iso value", "extract"}
	if len(rep.Stages) != len(stages) {
		t.Fatalf("got %d stages", len(rep.Stages))
	}
	for i, st := range rep.Stages {
		if st.Stage != stages[i] {
			t.Errorf("stage %d is %q, want %q", i, st.Stage, stages[i])
		}
		if st.Elapsed != 0 {
			t.Errorf("stage %q took %v on a stopped clock", st.Stage, st.Elapsed)
		}
	}
	if rep.PeakMemory != 1<<20 {
		t.Errorf("peak memory %d", rep.PeakMemory)
	}
}

func TestFixedItersWatertight(t *testing.T) {
	params := testParams(4)
	params.FixedIters = 1
	params.AddBarycenter = false
	var m mesh.Mesh
	_, err := Reconstruct(testContext(t), NewSliceReader(spherePoints(1500, r3.Vec{}, 2)), params, &m)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Triangles) == 0 {
		t.Fatal("no triangles")
	}
	if err := mesh.CheckWatertight(&m); err != nil {
		t.Fatal(err)
	}
}

func TestCoredSinkMatchesMemory(t *testing.T) {
	pts := spherePoints(1000, r3.Vec{}, 1)
	var m mesh.Mesh
	if _, err := Reconstruct(testContext(t), NewSliceReader(pts), testParams(4), &m); err != nil {
		t.Fatal(err)
	}
	cored, err := mesh.NewCored(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cored.Close()
	if _, err := Reconstruct(testContext(t), NewSliceReader(pts), testParams(4), cored); err != nil {
		t.Fatal(err)
	}
	got, err := cored.Mesh()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Vertices) != len(m.Vertices) || len(got.Triangles) != len(m.Triangles) {
		t.Fatalf("cored mesh has %d/%d vertices/triangles, want %d/%d",
			len(got.Vertices), len(got.Triangles), len(m.Vertices), len(m.Triangles))
	}
	for i := range m.Triangles {
		if got.Triangles[i] != m.Triangles[i] {
			t.Fatalf("triangle %d differs", i)
		}
	}
}

func TestSplatOrderIndependence(t *testing.T) {
	pts := spherePoints(800, r3.Vec{X: 1}, 0.5)
	rev := make([]OrientedPoint, len(pts))
	for i, p := range pts {
		rev[len(pts)-1-i] = p
	}
	constraints := func(pts []OrientedPoint) map[uint64]float64 {
		o, err := NewOctree(testContext(t), testParams(5))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := o.SetTree(pts); err != nil {
			t.Fatal(err)
		}
		if err := o.SetLaplacianConstraints(); err != nil {
			t.Fatal(err)
		}
		out := make(map[uint64]float64)
		for i, n := range o.Tree().Nodes() {
			out[octree.NodeKey(int(n.Depth), n.Off)] = o.NodeData()[i].Constraint
		}
		return out
	}
	a, b := constraints(pts), constraints(rev)
	if len(a) != len(b) {
		t.Fatalf("trees differ: %d and %d nodes", len(a), len(b))
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			t.Fatalf("node %x missing from reversed tree", k)
		}
		if math.Abs(va-vb) > 1e-9*(1+math.Abs(va)) {
			t.Errorf("node %x constraint %g vs %g", k, va, vb)
		}
	}
}

func TestCornerSigns(t *testing.T) {
	o, err := Solve(testContext(t), spherePoints(1500, r3.Vec{}, 1), testParams(5))
	if err != nil {
		t.Fatal(err)
	}
	iso := o.IsoValue()
	if _, err := o.GetMCIsoTriangles(iso, &mesh.Mesh{}); err != nil {
		t.Fatal(err)
	}
	last := int32(1) << o.maxDepth
	onBoundary := func(p [3]int32) bool {
		for _, x := range p {
			if x == 0 || x == last {
				return true
			}
		}
		return false
	}
	leaves := 0
	for i, n := range o.Tree().Nodes() {
		if !n.IsLeaf() {
			continue
		}
		leaves++
		mc := o.NodeData()[i].MCIndex
		for c := 0; c < 8; c++ {
			p := octree.CornerPosition(o.maxDepth, int(n.Depth), n.Off, c)
			want := !(o.value(o.cornerUnit(p)) > iso) && !onBoundary(p)
			if got := mc&(1<<c) != 0; got != want {
				t.Fatalf("leaf %d at depth %d corner %d: inside %v, function says %v", i, n.Depth, c, got, want)
			}
		}
	}
	if leaves == 0 {
		t.Fatal("no leaves")
	}
	// The sphere center is inside, a far corner of the domain outside.
	if v := o.Evaluate(r3.Vec{}); v >= 0 {
		t.Errorf("center evaluates to %g", v)
	}
	if v := o.Evaluate(r3.Vec{X: 0.9, Y: 0.9, Z: 0.9}); v <= 0 {
		t.Errorf("outside point evaluates to %g", v)
	}
}

func TestInvalidInput(t *testing.T) {
	bad := testParams(5)
	bad.Depth = 0
	if _, err := NewOctree(nil, bad); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("depth 0: got %v", err)
	}
	bad = testParams(5)
	bad.IsoValue = "mode"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("iso mode: got %v", err)
	}
	bad = testParams(5)
	bad.FixedIters = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("zero fixed iters: got %v", err)
	}
	bad = testParams(5)
	bad.MaxSolveDepth = 6
	if err := bad.Validate(); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("max solve depth beyond depth: got %v", err)
	}

	var m mesh.Mesh
	_, err := Reconstruct(testContext(t), NewSliceReader(nil), testParams(4), &m)
	if !errors.Is(err, ErrNoPoints) {
		t.Errorf("no points: got %v", err)
	}
	same := []OrientedPoint{
		{Position: r3.Vec{X: 1}, Normal: r3.Vec{Z: 1}},
		{Position: r3.Vec{X: 1}, Normal: r3.Vec{Z: -1}},
	}
	_, err = Reconstruct(testContext(t), NewSliceReader(same), testParams(4), &m)
	if !errors.Is(err, ErrDegenerateInput) {
		t.Errorf("coincident points: got %v", err)
	}
	nan := []OrientedPoint{{Position: r3.Vec{X: math.NaN()}, Normal: r3.Vec{Z: 1}}}
	_, err = Reconstruct(testContext(t), NewSliceReader(nan), testParams(4), &m)
	if !errors.Is(err, ErrNoPoints) {
		t.Errorf("non finite points: got %v", err)
	}
	if len(m.Vertices) != 0 || len(m.Triangles) != 0 {
		t.Error("failed reconstructions wrote to the sink")
	}
}

func TestMemoryBudget(t *testing.T) {
	pts := spherePoints(500, r3.Vec{}, 1)
	ctx := testContext(t)
	ctx.MaxMemory = 1 << 10
	ctx.AbortOnMemoryBudget = true
	var m mesh.Mesh
	_, err := Reconstruct(ctx, NewSliceReader(pts), testParams(4), &m)
	if !errors.Is(err, ErrMemoryBudget) {
		t.Fatalf("got %v, want memory budget error", err)
	}
	if len(m.Triangles) != 0 {
		t.Error("aborted reconstruction wrote triangles")
	}

	core, logs := observer.New(zapcore.WarnLevel)
	ctx = testContext(t)
	ctx.Logger = zap.New(core)
	ctx.MaxMemory = 1 << 10
	if _, err := Reconstruct(ctx, NewSliceReader(pts), testParams(4), &m); err != nil {
		t.Fatal(err)
	}
	if !ctx.OverBudget() {
		t.Error("budget overrun not recorded")
	}
	if logs.FilterMessage("memory budget exceeded").Len() == 0 {
		t.Error("budget overrun not logged")
	}
}

func TestNonConvergenceLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ctx := testContext(t)
	ctx.Logger = zap.New(core)
	params := testParams(5)
	params.MinIters = 0
	params.SolverAccuracy = 1e-300
	var m mesh.Mesh
	rep, err := Reconstruct(ctx, NewSliceReader(spherePoints(1000, r3.Vec{}, 1)), params, &m)
	if err != nil {
		t.Fatal(err)
	}
	unconverged := 0
	for _, st := range rep.Depths {
		if !st.Converged {
			unconverged++
		}
	}
	if unconverged == 0 {
		t.Fatal("every depth converged")
	}
	if got := logs.FilterMessage("solver did not converge").Len(); got != unconverged {
		t.Errorf("logged %d warnings for %d unconverged depths", got, unconverged)
	}
	if err := mesh.CheckWatertight(&m); err != nil {
		t.Error(err)
	}
}

func TestStreamReader(t *testing.T) {
	if _, err := NewStreamReader(make([]float64, 13), false); err == nil {
		t.Error("expected error for ragged stream")
	}
	r, err := NewStreamReader([]float64{1, 2, 3, 0, 0, 1, 0.5, 4, 5, 6, 1, 0, 0, 2}, true)
	if err != nil {
		t.Fatal(err)
	}
	pts, err := ReadAllPoints(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 2 || pts[1].Position != (r3.Vec{X: 4, Y: 5, Z: 6}) || pts[0].Confidence != 0.5 {
		t.Errorf("got %+v", pts)
	}
}

// checkSphere fails t unless m is a closed outward facing surface whose
// vertices lie within band of the sphere.
func checkSphere(t *testing.T, m *mesh.Mesh, center r3.Vec, radius, band float64) {
	t.Helper()
	if len(m.Triangles)+len(m.Polygons) == 0 {
		t.Fatal("empty mesh")
	}
	if err := mesh.CheckWatertight(m); err != nil {
		t.Fatal(err)
	}
	for i, v := range m.Vertices {
		if d := r3.Norm(r3.Sub(v, center)) - radius; math.Abs(d) > band {
			t.Fatalf("vertex %d at %v is %g off the sphere", i, v, d)
		}
	}
	want := 4 * math.Pi / 3 * radius * radius * radius
	vol := m.Volume()
	if vol <= 0 {
		t.Fatalf("volume %g: faces point inward", vol)
	}
	if math.Abs(vol-want)/want > 0.25 {
		t.Errorf("volume %g, want about %g", vol, want)
	}
}

func TestReconstructOptions(t *testing.T) {
	const radius = 1.0
	center := r3.Vec{X: 0.3, Y: -0.2, Z: 0.1}
	sphere := spherePoints(2000, center, radius)
	// A dense cap over the top of the sphere.
	var clustered []OrientedPoint
	clustered = append(clustered, sphere...)
	for _, p := range spherePoints(12000, center, radius) {
		if p.Normal.Z > 0.6 {
			clustered = append(clustered, p)
		}
	}
	confident := make([]OrientedPoint, len(sphere))
	for i, p := range sphere {
		p.Confidence = 0.5 + float64(i%3)
		confident[i] = p
	}
	for _, tc := range []struct {
		name   string
		pts    []OrientedPoint
		modify func(p *Parameters)
		band   float64
		check  func(t *testing.T, rep *Report)
	}{
		{name: "non linear fit", modify: func(p *Parameters) { p.NonLinearFit = true }},
		{name: "refine boundary", modify: func(p *Parameters) { p.RefineBoundary = true }},
		{name: "free normal field", modify: func(p *Parameters) { p.ForceNeumannField = false }},
		{name: "fold outside splats", modify: func(p *Parameters) { p.RobertoToldoFix = false }},
		{name: "mean iso value", modify: func(p *Parameters) { p.IsoValue = IsoMean }},
		{name: "min depth", modify: func(p *Parameters) { p.MinDepth = 3 }},
		{name: "fan loops", modify: func(p *Parameters) { p.AddBarycenter = false }},
		{name: "show residual", modify: func(p *Parameters) { p.ShowResidual = true }},
		{name: "confidence", pts: confident, modify: func(p *Parameters) { p.Confidence = true }},
		{
			name: "transform",
			modify: func(p *Parameters) {
				p.Transform = []float64{
					2, 0, 0, 1,
					0, 2, 0, -3,
					0, 0, 2, 0.5,
					0, 0, 0, 1,
				}
			},
		},
		{
			name: "mirror transform",
			modify: func(p *Parameters) {
				p.Transform = []float64{
					-1, 0, 0, 0,
					0, 1, 0, 0,
					0, 0, 1, 0,
					0, 0, 0, 1,
				}
			},
		},
		{name: "non uniform density", pts: clustered, modify: func(p *Parameters) { p.AdaptiveExponent = 1 }},
		{name: "iso divide", modify: func(p *Parameters) { p.IsoDivide = 2 }},
		{
			name:   "solver divide",
			modify: func(p *Parameters) { p.SolverDivide = 2 },
			check: func(t *testing.T, rep *Report) {
				for _, st := range rep.Depths {
					if st.Depth > 2 && st.Nodes > 0 && st.Blocks < 2 {
						t.Errorf("depth %d solved in %d block", st.Depth, st.Blocks)
					}
				}
			},
		},
		{
			name:   "max solve depth",
			modify: func(p *Parameters) { p.MaxSolveDepth = 4 },
			band:   0.2,
			check: func(t *testing.T, rep *Report) {
				if len(rep.Depths) != 5 {
					t.Errorf("solved %d depths, want 5", len(rep.Depths))
				}
			},
		},
		{name: "scale one", modify: func(p *Parameters) { p.Scale = 1 }, band: 0.2},
		{name: "tight scale", modify: func(p *Parameters) { p.Scale = 1.02 }, band: 0.2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pts := tc.pts
			if pts == nil {
				pts = sphere
			}
			params := testParams(5)
			tc.modify(&params)
			band := tc.band
			if band == 0 {
				band = 0.15
			}
			var m mesh.Mesh
			rep, err := Reconstruct(testContext(t), NewSliceReader(pts), params, &m)
			if err != nil {
				t.Fatal(err)
			}
			if rep.Extract.OpenChains != 0 {
				t.Errorf("%d open chains", rep.Extract.OpenChains)
			}
			checkSphere(t, &m, center, radius, band)
			if tc.check != nil {
				tc.check(t, rep)
			}
		})
	}
}

func TestMirrorTransformEvaluate(t *testing.T) {
	params := testParams(4)
	params.Transform = []float64{
		-1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	center := r3.Vec{X: 2}
	o, err := Solve(testContext(t), spherePoints(1500, center, 1), params)
	if err != nil {
		t.Fatal(err)
	}
	if v := o.Evaluate(center); v >= 0 {
		t.Errorf("center evaluates to %g", v)
	}
	if b := o.Bounds(); !(b.Min.X < center.X && center.X < b.Max.X) {
		t.Errorf("bounds %v do not hold the sphere center", b)
	}
}

func TestPolygonMesh(t *testing.T) {
	pts := spherePoints(1500, r3.Vec{}, 1)
	params := testParams(5)
	params.PolygonMesh = true
	var m mesh.Mesh
	rep, err := Reconstruct(testContext(t), NewSliceReader(pts), params, &m)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Triangles) != 0 {
		t.Errorf("polygon mesh holds %d triangles", len(m.Triangles))
	}
	if rep.Extract.Polygons != len(m.Polygons) || rep.Extract.Polygons != rep.Extract.Loops {
		t.Errorf("reported %d polygons of %d loops, mesh has %d", rep.Extract.Polygons, rep.Extract.Loops, len(m.Polygons))
	}
	checkSphere(t, &m, r3.Vec{}, 1, 0.15)

	cored, err := mesh.NewCored(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cored.Close()
	_, err = Reconstruct(testContext(t), NewSliceReader(pts), params, cored)
	if !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("polygons into a triangle only sink: got %v", err)
	}
	if nv, nt := cored.Len(); nv != 0 || nt != 0 {
		t.Error("rejected reconstruction wrote to the sink")
	}
}

func TestFullDepthIso(t *testing.T) {
	params := testParams(5)
	params.FullDepthIso = true
	o, err := Solve(testContext(t), spherePoints(1500, r3.Vec{}, 1), params)
	if err != nil {
		t.Fatal(err)
	}
	var m mesh.Mesh
	if _, err := o.GetMCIsoTriangles(o.IsoValue(), &m); err != nil {
		t.Fatal(err)
	}
	crossed := 0
	for i, n := range o.Tree().Nodes() {
		mc := o.NodeData()[i].MCIndex
		if !n.IsLeaf() || mc == 0 || mc == 0xff {
			continue
		}
		crossed++
		if int(n.Depth) != o.maxDepth {
			t.Fatalf("leaf %d crossed by the surface at depth %d", i, n.Depth)
		}
	}
	if crossed == 0 {
		t.Fatal("no leaf crosses the surface")
	}
	for i, nd := range o.NodeData() {
		if int(nd.NodeIndex) != i {
			t.Fatalf("node data %d indexes node %d", i, nd.NodeIndex)
		}
	}
	checkSphere(t, &m, r3.Vec{}, 1, 0.15)
}

func TestSolutionGrid(t *testing.T) {
	o, err := Solve(testContext(t), spherePoints(1500, r3.Vec{}, 1), testParams(5))
	if err != nil {
		t.Fatal(err)
	}
	iso := o.IsoValue()
	res, grid, err := o.GetSolutionGrid(3, iso)
	if err != nil {
		t.Fatal(err)
	}
	if res != 8 || len(grid) != 512 {
		t.Fatalf("got resolution %d with %d values", res, len(grid))
	}
	at := func(x, y, z int) float64 { return grid[x+res*(y+res*z)] }
	if v := at(4, 4, 4); v >= 0 {
		t.Errorf("cell next to the center has value %g", v)
	}
	if v := at(0, 0, 0); v <= 0 {
		t.Errorf("corner cell has value %g", v)
	}
	q := r3.Vec{X: 2.5 / 8, Y: 4.5 / 8, Z: 6.5 / 8}
	if got, want := at(2, 4, 6), o.value(q)-iso; got != want {
		t.Errorf("cell (2,4,6) is %g, function is %g", got, want)
	}
	if res, _, err := o.GetSolutionGrid(-1, iso); err != nil || res != 32 {
		t.Errorf("finest grid: resolution %d, %v", res, err)
	}
	if _, _, err := o.GetSolutionGrid(6, iso); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("grid finer than the tree: got %v", err)
	}
}

func TestSetTreeResetsOnError(t *testing.T) {
	pts := spherePoints(800, r3.Vec{}, 1)
	ctx := testContext(t)
	ctx.MaxMemory = 1 << 10
	ctx.AbortOnMemoryBudget = true
	o, err := NewOctree(ctx, testParams(4))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.SetTree(pts); !errors.Is(err, ErrMemoryBudget) {
		t.Fatalf("got %v, want memory budget error", err)
	}
	if o.Tree().Len() != 1 || o.NodeData() != nil || len(o.Points()) != 0 {
		t.Fatalf("failed SetTree left %d nodes and %d points", o.Tree().Len(), len(o.Points()))
	}
	ctx.MaxMemory = 0
	if _, err := o.SetTree(pts); err != nil {
		t.Fatal(err)
	}

	fresh, err := NewOctree(testContext(t), testParams(4))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fresh.SetTree(pts); err != nil {
		t.Fatal(err)
	}
	if o.Tree().Len() != fresh.Tree().Len() {
		t.Errorf("retried tree has %d nodes, fresh tree %d", o.Tree().Len(), fresh.Tree().Len())
	}
	if diff := cmp.Diff(fresh.PointCount(), o.PointCount()); diff != "" {
		t.Errorf("splat depth counts mismatch (-fresh +retried):\n%s", diff)
	}
	if _, err := o.SetTree(pts); err == nil {
		t.Error("expected error setting the tree twice")
	}
}
