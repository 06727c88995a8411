package render

import (
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Series is a named sequence of solver residuals.
type Series struct {
	Name   string
	Values []float64
}

// ConvergencePlot plots the base 10 logarithm of every series against the
// iteration number. Non positive values are skipped.
func ConvergencePlot(title string, series []Series) (*plot.Plot, error) {
	if len(series) == 0 {
		return nil, errors.New("no series to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "log10 residual"
	for i, s := range series {
		xys := make(plotter.XYs, 0, len(s.Values))
		for it, v := range s.Values {
			if v > 0 && !math.IsInf(v, 0) {
				xys = append(xys, plotter.XY{X: float64(it), Y: math.Log10(v)})
			}
		}
		if len(xys) == 0 {
			continue
		}
		l, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("series %q: %w", s.Name, err)
		}
		l.Color = plotutil.Color(i)
		p.Add(l)
		p.Legend.Add(s.Name, l)
	}
	return p, nil
}

// WriteConvergencePlot encodes a convergence plot to w in the given format,
// one of "png", "svg" or "pdf".
func WriteConvergencePlot(w io.Writer, format string, title string, series []Series) error {
	p, err := ConvergencePlot(title, series)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
