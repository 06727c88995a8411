// Command poissonrecon reconstructs watertight meshes from oriented point
// sets.
package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	flagIn           = "in"
	flagOut          = "out"
	flagConfig       = "config"
	flagDepth        = "depth"
	flagPointWeight  = "point-weight"
	flagSamples      = "samples-per-node"
	flagThreads      = "threads"
	flagMaxMemory    = "max-memory"
	flagCored        = "cored"
	flagPLYFormat    = "ply-format"
	flagResidualPlot = "residual-plot"
	flagConfidence   = "confidence"
	flagPolygonMesh  = "polygon-mesh"
	flagFullDepthIso = "full-depth-iso"
	flagLogFile      = "log-file"
	flagDebug        = "debug"
	flagShape        = "shape"
	flagCount        = "n"
	flagWidth        = "width"
	flagHeight       = "height"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "poissonrecon",
		Usage: "screened Poisson surface reconstruction",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to rotating `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "reconstruct",
				Usage:     "reconstruct a mesh from oriented points",
				UsageText: "poissonrecon reconstruct --in points.ply --out mesh.ply",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagIn, Required: true, Usage: "oriented points `FILE` (.npts, .bnpts or .ply)"},
					&cli.StringFlag{Name: flagOut, Required: true, Usage: "mesh `FILE` (.ply or .stl)"},
					&cli.IntFlag{Name: flagDepth, Aliases: []string{"d"}, Usage: "maximum octree depth"},
					&cli.Float64Flag{Name: flagPointWeight, Usage: "screening weight"},
					&cli.Float64Flag{Name: flagSamples, Usage: "samples per finest node"},
					&cli.IntFlag{Name: flagThreads, Usage: "worker goroutines"},
					&cli.StringFlag{Name: flagMaxMemory, Usage: "memory budget such as 4GiB"},
					&cli.BoolFlag{Name: flagCored, Usage: "spill the mesh to temporary files"},
					&cli.StringFlag{Name: flagPLYFormat, Usage: "ascii or binary"},
					&cli.StringFlag{Name: flagResidualPlot, Usage: "write solver residuals to `FILE` (.png, .svg or .pdf)"},
					&cli.BoolFlag{Name: flagConfidence, Usage: "weight samples by confidence"},
					&cli.BoolFlag{Name: flagPolygonMesh, Usage: "write iso loops as PLY polygons"},
					&cli.BoolFlag{Name: flagFullDepthIso, Usage: "extract from leaves refined to full depth"},
				},
				Action: reconstructAction,
			},
			{
				Name:      "sample",
				Usage:     "sample oriented points on a synthetic shape",
				UsageText: "poissonrecon sample --shape torus --n 20000 --out torus.npts",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagShape, Value: "sphere", Usage: "sphere, box or torus"},
					&cli.IntFlag{Name: flagCount, Value: 10000, Usage: "number of starting points"},
					&cli.StringFlag{Name: flagOut, Required: true, Usage: "points `FILE` (.npts, .bnpts or .ply)"},
				},
				Action: sampleAction,
			},
			{
				Name:      "preview",
				Usage:     "render a shaded PNG of an STL mesh",
				UsageText: "poissonrecon preview --in mesh.stl --out mesh.png",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagIn, Required: true, Usage: "mesh `FILE` (.stl)"},
					&cli.StringFlag{Name: flagOut, Required: true, Usage: "image `FILE` (.png)"},
					&cli.IntFlag{Name: flagWidth, Value: 1280, Usage: "image width in pixels"},
					&cli.IntFlag{Name: flagHeight, Value: 960, Usage: "image height in pixels"},
				},
				Action: previewAction,
			},
		},
	}
}
