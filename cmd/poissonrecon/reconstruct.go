package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/soypat/poisson"
	"github.com/soypat/poisson/config"
	"github.com/soypat/poisson/logger"
	"github.com/soypat/poisson/mesh"
	"github.com/soypat/poisson/pointio"
	"github.com/soypat/poisson/render"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// loadConfig loads the config file named by the global flag and applies
// command line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	p := &cfg.Reconstruction
	if c.IsSet(flagDepth) {
		p.Depth = c.Int(flagDepth)
	}
	if c.IsSet(flagPointWeight) {
		p.PointWeight = c.Float64(flagPointWeight)
	}
	if c.IsSet(flagSamples) {
		p.SamplesPerNode = c.Float64(flagSamples)
	}
	if c.IsSet(flagThreads) {
		p.Threads = c.Int(flagThreads)
	}
	if c.IsSet(flagConfidence) {
		p.Confidence = c.Bool(flagConfidence)
	}
	if c.IsSet(flagPolygonMesh) {
		p.PolygonMesh = c.Bool(flagPolygonMesh)
	}
	if c.IsSet(flagFullDepthIso) {
		p.FullDepthIso = c.Bool(flagFullDepthIso)
	}
	if c.IsSet(flagMaxMemory) {
		cfg.Memory.Budget = c.String(flagMaxMemory)
	}
	if c.IsSet(flagCored) {
		cfg.Output.Cored = c.Bool(flagCored)
	}
	if c.IsSet(flagPLYFormat) {
		cfg.Output.PLYFormat = c.String(flagPLYFormat)
	}
	if c.IsSet(flagResidualPlot) {
		cfg.Output.ResidualPlot = c.String(flagResidualPlot)
	}
	if c.Bool(flagDebug) {
		cfg.Logging.Level = "debug"
	}
	if c.IsSet(flagLogFile) {
		cfg.Logging.File = logger.DefaultFileConfig(c.String(flagLogFile))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// meshSink is where extracted meshes go before being written out.
type meshSink interface {
	mesh.Sink
	mesh.TriangleSource
	WritePLY(path string, format mesh.PLYFormat) error
	Close() error
}

type memorySink struct{ mesh.Mesh }

func (m *memorySink) WritePLY(path string, format mesh.PLYFormat) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return mesh.WritePLY(f, &m.Mesh, format)
}

func (m *memorySink) Close() error { return nil }

type coredSink struct{ *mesh.Cored }

func (s coredSink) WritePLY(path string, format mesh.PLYFormat) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return s.Cored.WritePLY(f, format)
}

func reconstructAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out := c.String(flagOut)
	ext := strings.ToLower(filepath.Ext(out))
	if ext != ".ply" && ext != ".stl" {
		return fmt.Errorf("unsupported mesh output %q", ext)
	}
	format, err := mesh.ParsePLYFormat(cfg.Output.PLYFormat)
	if err != nil {
		return err
	}

	log := cfg.Logger(c.App.ErrWriter)
	defer log.Sync()
	ctx, err := cfg.Context(log)
	if err != nil {
		return err
	}

	pts, err := pointio.Open(c.String(flagIn), cfg.Reconstruction.Confidence)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, pts.Close()) }()

	var sink meshSink = &memorySink{}
	if cfg.Output.Cored {
		cored, err := mesh.NewCored(cfg.Output.TempDir)
		if err != nil {
			return err
		}
		sink = coredSink{cored}
	}
	defer func() { err = multierr.Append(err, sink.Close()) }()

	rep, err := poisson.Reconstruct(ctx, pts, cfg.Reconstruction, sink)
	if err != nil {
		return err
	}
	if cfg.Output.ResidualPlot != "" {
		if err := writeResidualPlot(cfg.Output.ResidualPlot, rep.Depths); err != nil {
			log.Warn("residual plot not written", zap.Error(err))
		}
	}
	switch ext {
	case ".ply":
		err = sink.WritePLY(out, format)
	case ".stl":
		err = render.CreateSTL(out, sink)
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	log.Info("mesh written",
		zap.String("path", out),
		zap.Int("vertices", rep.Extract.Vertices),
		zap.Int("triangles", rep.Extract.Triangles),
		zap.String("peak memory", units.BytesSize(float64(rep.PeakMemory))),
	)
	return nil
}

func writeResidualPlot(path string, depths []poisson.DepthStats) (err error) {
	series := make([]render.Series, 0, len(depths))
	for _, d := range depths {
		if len(d.Residuals) > 0 {
			series = append(series, render.Series{Name: fmt.Sprintf("depth %d", d.Depth), Values: d.Residuals})
		}
	}
	if len(series) == 0 {
		return errors.New("no solver residuals recorded")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return render.WriteConvergencePlot(f, format, "solver residuals", series)
}
