package pointio

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/soypat/poisson"
	"gonum.org/v1/gonum/spatial/r3"
)

// ASCIIReader reads whitespace separated records "x y z nx ny nz [c]", one
// per line. Blank lines and lines starting with '#' are skipped.
type ASCIIReader struct {
	s        *bufio.Scanner
	nvals    int
	line     int
	skipped  int
	fields   [7]float64
	finished bool
}

// NewASCIIReader returns a reader of ASCII point records.
func NewASCIIReader(r io.Reader, withConfidence bool) *ASCIIReader {
	n := 6
	if withConfidence {
		n = 7
	}
	return &ASCIIReader{s: bufio.NewScanner(r), nvals: n}
}

// Skipped returns the number of records dropped for holding non finite values.
func (a *ASCIIReader) Skipped() int { return a.skipped }

// ReadPoints implements poisson.PointReader.
func (a *ASCIIReader) ReadPoints(dst []poisson.OrientedPoint) (n int, err error) {
	for n < len(dst) && !a.finished {
		if !a.s.Scan() {
			a.finished = true
			if err := a.s.Err(); err != nil {
				return n, err
			}
			break
		}
		a.line++
		line := strings.TrimSpace(a.s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		f := strings.Fields(line)
		if len(f) != a.nvals {
			return n, fmt.Errorf("line %d: got %d values, want %d", a.line, len(f), a.nvals)
		}
		finite := true
		for i, s := range f {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return n, fmt.Errorf("line %d: %w", a.line, err)
			}
			finite = finite && !math.IsNaN(v) && !math.IsInf(v, 0)
			a.fields[i] = v
		}
		if !finite {
			a.skipped++
			continue
		}
		dst[n] = record(a.fields[:a.nvals])
		n++
	}
	if n == 0 && a.finished {
		return 0, io.EOF
	}
	return n, nil
}

func record(v []float64) poisson.OrientedPoint {
	p := poisson.OrientedPoint{
		Position: r3.Vec{X: v[0], Y: v[1], Z: v[2]},
		Normal:   r3.Vec{X: v[3], Y: v[4], Z: v[5]},
	}
	if len(v) > 6 {
		p.Confidence = v[6]
	}
	return p
}

// WriteASCII writes pts as ASCII records.
func WriteASCII(w io.Writer, pts []poisson.OrientedPoint, withConfidence bool) error {
	bw := bufio.NewWriter(w)
	for _, p := range pts {
		var err error
		if withConfidence {
			_, err = fmt.Fprintf(bw, "%g %g %g %g %g %g %g\n", p.Position.X, p.Position.Y, p.Position.Z, p.Normal.X, p.Normal.Y, p.Normal.Z, p.Confidence)
		} else {
			_, err = fmt.Fprintf(bw, "%g %g %g %g %g %g\n", p.Position.X, p.Position.Y, p.Position.Z, p.Normal.X, p.Normal.Y, p.Normal.Z)
		}
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}
