package render

import (
	"errors"
	"image"

	"github.com/fogleman/fauxgl"
	"github.com/nfnt/resize"
	"gonum.org/v1/gonum/spatial/r3"
)

// View configures the camera of a preview. The model is fit into a bi-unit
// cube centered at the origin before rendering, so positions are given in
// that frame.
type View struct {
	// Eye is the camera position.
	Eye r3.Vec
	// LookAt is the point the camera faces.
	LookAt r3.Vec
	// Up is the up direction of the image.
	Up r3.Vec
	// Near and Far clip planes.
	Near, Far float64
	// Width and Height of the output image in pixels.
	Width, Height int
	// Supersample renders at a multiple of the output size and downsamples.
	Supersample int
	// Color and Background are hex strings such as "#468966".
	Color, Background string
}

// DefaultView looks at the model from the (1,1,1) diagonal with Z up.
func DefaultView() View {
	return View{
		Eye:         r3.Vec{X: 3, Y: 3, Z: 3},
		Up:          r3.Vec{Z: 1},
		Near:        1,
		Far:         10,
		Width:       800,
		Height:      600,
		Supersample: 2,
		Color:       "#468966",
		Background:  "#FFF8E3",
	}
}

func fv(v r3.Vec) fauxgl.Vector { return fauxgl.V(v.X, v.Y, v.Z) }

// Preview draws the triangles read from r with a Phong shader.
func Preview(r Renderer, view View) (image.Image, error) {
	model, err := RenderAll(r)
	if err != nil {
		return nil, err
	}
	if len(model) == 0 {
		return nil, errors.New("no triangles to preview")
	}
	if view.Width <= 0 || view.Height <= 0 {
		return nil, errors.New("preview size must be positive")
	}
	scale := max(view.Supersample, 1)
	tris := make([]*fauxgl.Triangle, 0, len(model))
	for _, t := range model {
		tris = append(tris, fauxgl.NewTriangleForPoints(fv(t[0]), fv(t[1]), fv(t[2])))
	}
	m := fauxgl.NewTriangleMesh(tris)
	m.BiUnitCube()

	const fovy = 30
	eye := fv(view.Eye)
	light := fauxgl.V(-0.75, 1, 0.25).Normalize()
	ctx := fauxgl.NewContext(view.Width*scale, view.Height*scale)
	ctx.ClearColorBufferWith(fauxgl.HexColor(view.Background))
	aspect := float64(view.Width) / float64(view.Height)
	matrix := fauxgl.LookAt(eye, fv(view.LookAt), fv(view.Up)).Perspective(fovy, aspect, view.Near, view.Far)
	shader := fauxgl.NewPhongShader(matrix, light, eye)
	shader.ObjectColor = fauxgl.HexColor(view.Color)
	ctx.Shader = shader
	ctx.DrawMesh(m)

	img := ctx.Image()
	if scale > 1 {
		img = resize.Resize(uint(view.Width), uint(view.Height), img, resize.Bilinear)
	}
	return img, nil
}

// SavePreview renders a preview of r to a PNG file at path.
func SavePreview(path string, r Renderer, view View) error {
	img, err := Preview(r, view)
	if err != nil {
		return err
	}
	return fauxgl.SavePNG(path, img)
}
