package render_test

import (
	"bytes"
	"image/color"
	"strings"
	"testing"

	"github.com/soypat/poisson/render"
)

func TestPreview(t *testing.T) {
	view := render.DefaultView()
	view.Width, view.Height = 64, 48
	img, err := render.Preview(render.NewMeshRenderer(octahedron(1)), view)
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("image size %v", b)
	}
	// The model covers the image center.
	bg := color.RGBAModel.Convert(img.At(0, 0))
	center := color.RGBAModel.Convert(img.At(32, 24))
	if bg == center {
		t.Error("image center has background color")
	}
	if _, err := render.Preview(render.NewMeshRenderer(octahedron(1)), render.View{}); err == nil {
		t.Error("expected error for empty view")
	}
}

func TestConvergencePlot(t *testing.T) {
	series := []render.Series{
		{Name: "depth 2", Values: []float64{1, 0.1, 0.01}},
		{Name: "depth 3", Values: []float64{2, 0.5, 0, 0.05}},
	}
	var buf bytes.Buffer
	if err := render.WriteConvergencePlot(&buf, "svg", "residuals", series); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "<svg") {
		t.Error("output is not SVG")
	}
	if _, err := render.ConvergencePlot("empty", nil); err == nil {
		t.Error("expected error for no series")
	}
}
