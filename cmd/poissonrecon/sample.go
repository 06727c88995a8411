package main

import (
	"fmt"

	"github.com/soypat/poisson/pointio"
	"github.com/soypat/poisson/sample"
	"github.com/urfave/cli/v2"
)

func sampleAction(c *cli.Context) error {
	shape, err := sample.Shape(c.String(flagShape))
	if err != nil {
		return err
	}
	pts, err := sample.Surface(shape, sample.Config{N: c.Int(flagCount)})
	if err != nil {
		return err
	}
	out := c.String(flagOut)
	if err := pointio.Create(out, pts, false); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %d samples of %s to %s\n", len(pts), c.String(flagShape), out)
	return nil
}
