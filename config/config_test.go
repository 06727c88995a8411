package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/poisson"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if diff := cmp.Diff(poisson.DefaultParameters(), cfg.Reconstruction); diff != "" {
		t.Errorf("reconstruction defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.Output.PLYFormat != "binary" {
		t.Errorf("expected binary PLY output, got %s", cfg.Output.PLYFormat)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.yaml")
	content := `
reconstruction:
  depth: 6
  point_weight: 2
  iso_value: mean
output:
  ply_format: ascii
memory:
  budget: 512MiB
  abort: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := poisson.DefaultParameters()
	want.Depth = 6
	want.PointWeight = 2
	want.IsoValue = poisson.IsoMean
	if diff := cmp.Diff(want, cfg.Reconstruction); diff != "" {
		t.Errorf("parameters mismatch (-want +got):\n%s", diff)
	}
	if cfg.Output.PLYFormat != "ascii" {
		t.Errorf("expected ascii, got %s", cfg.Output.PLYFormat)
	}
	n, err := cfg.Memory.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if n != 512<<20 {
		t.Errorf("expected 512MiB budget, got %d", n)
	}
	ctx, err := cfg.Context(nil)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.MaxMemory != 512<<20 || !ctx.AbortOnMemoryBudget {
		t.Errorf("context budget %d abort %v", ctx.MaxMemory, ctx.AbortOnMemoryBudget)
	}
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"depth.yaml":  "reconstruction:\n  depth: 40\n",
		"format.yaml": "output:\n  ply_format: xml\n",
		"iters.yaml":  "reconstruction:\n  fixed_iters: 0\n",
		"poly.yaml":   "reconstruction:\n  polygon_mesh: true\noutput:\n  cored: true\n",
		"budget.yaml": "memory:\n  budget: lots\n",
		"syntax.yaml": "reconstruction: [",
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Reconstruction.Depth = 7
	cfg.Reconstruction.Transform = []float64{1, 0, 0, 1, 0, 1, 0, 2, 0, 0, 1, 3, 0, 0, 0, 1}
	cfg.Memory.Budget = "1GiB"
	path := filepath.Join(t.TempDir(), "sub", "recon.yaml")
	if err := cfg.SaveTo(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
