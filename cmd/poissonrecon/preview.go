package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/soypat/poisson/render"
	"github.com/urfave/cli/v2"
)

func previewAction(c *cli.Context) error {
	f, err := os.Open(c.String(flagIn))
	if err != nil {
		return err
	}
	model, err := render.ReadSTL(f)
	f.Close()
	if err != nil && !errors.Is(err, render.ErrNormalMismatch) {
		return err
	}
	view := render.DefaultView()
	view.Width = c.Int(flagWidth)
	view.Height = c.Int(flagHeight)
	out := c.String(flagOut)
	if err := render.SavePreview(out, render.NewSliceRenderer(model), view); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "rendered %d triangles to %s\n", len(model), out)
	return nil
}
