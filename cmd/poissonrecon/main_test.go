package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	if err := app.Run(append([]string{"poissonrecon"}, args...)); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestSampleReconstructPreview(t *testing.T) {
	dir := t.TempDir()
	pts := filepath.Join(dir, "sphere.npts")
	out := run(t, "sample", "--shape", "sphere", "--n", "600", "--out", pts)
	if !strings.Contains(out, "600 samples") {
		t.Errorf("unexpected sample output %q", out)
	}

	ply := filepath.Join(dir, "sphere.ply")
	plot := filepath.Join(dir, "residuals.svg")
	run(t, "reconstruct", "--in", pts, "--out", ply, "--depth", "4", "--ply-format", "ascii", "--residual-plot", plot, "--cored")
	data, err := os.ReadFile(ply)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("ply\nformat ascii 1.0\n")) {
		t.Errorf("unexpected PLY header %q", data[:min(len(data), 40)])
	}
	if _, err := os.Stat(plot); err != nil {
		t.Error(err)
	}

	stl := filepath.Join(dir, "sphere.stl")
	run(t, "reconstruct", "--in", pts, "--out", stl, "--depth", "4")
	png := filepath.Join(dir, "sphere.png")
	run(t, "preview", "--in", stl, "--out", png, "--width", "64", "--height", "48")
	if fi, err := os.Stat(png); err != nil || fi.Size() == 0 {
		t.Errorf("preview not written: %v", err)
	}
}

func TestReconstructRejectsOutput(t *testing.T) {
	app := newApp()
	var out bytes.Buffer
	app.Writer, app.ErrWriter = &out, &out
	err := app.Run([]string{"poissonrecon", "reconstruct", "--in", "points.npts", "--out", "mesh.obj"})
	if err == nil {
		t.Fatal("expected error for unsupported output")
	}
}

func TestReconstructCoredSTL(t *testing.T) {
	dir := t.TempDir()
	pts := filepath.Join(dir, "sphere.npts")
	run(t, "sample", "--shape", "sphere", "--n", "600", "--out", pts)
	mem := filepath.Join(dir, "memory.stl")
	cored := filepath.Join(dir, "cored.stl")
	run(t, "reconstruct", "--in", pts, "--out", mem, "--depth", "4")
	run(t, "reconstruct", "--in", pts, "--out", cored, "--depth", "4", "--cored")
	want, err := os.ReadFile(mem)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(cored)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) || !bytes.Equal(got[80:84], want[80:84]) {
		t.Errorf("cored STL has %d bytes, in-memory STL %d", len(got), len(want))
	}
}

func TestReconstructRejectsPLYFormat(t *testing.T) {
	dir := t.TempDir()
	pts := filepath.Join(dir, "sphere.npts")
	run(t, "sample", "--shape", "sphere", "--n", "200", "--out", pts)
	app := newApp()
	var out bytes.Buffer
	app.Writer, app.ErrWriter = &out, &out
	err := app.Run([]string{"poissonrecon", "reconstruct", "--in", pts, "--out", filepath.Join(dir, "m.ply"), "--ply-format", "xml"})
	if err == nil || !strings.Contains(err.Error(), "xml") {
		t.Fatalf("got %v, want PLY format error", err)
	}
}
