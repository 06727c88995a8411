package pointio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/soypat/poisson"
)

// BinaryReader reads little endian float32 records of 6 values, or 7 with
// a trailing confidence.
type BinaryReader struct {
	r       *bufio.Reader
	nvals   int
	read    int
	skipped int
	buf     [7 * 4]byte
	vals    [7]float32
	f64     [7]float64
	done    bool
}

// NewBinaryReader returns a reader of binary point records.
func NewBinaryReader(r io.Reader, withConfidence bool) *BinaryReader {
	n := 6
	if withConfidence {
		n = 7
	}
	return &BinaryReader{r: bufio.NewReader(r), nvals: n}
}

// Skipped returns the number of records dropped for holding non finite values.
func (b *BinaryReader) Skipped() int { return b.skipped }

// ReadPoints implements poisson.PointReader.
func (b *BinaryReader) ReadPoints(dst []poisson.OrientedPoint) (n int, err error) {
	size := 4 * b.nvals
	for n < len(dst) && !b.done {
		_, err := io.ReadFull(b.r, b.buf[:size])
		if errors.Is(err, io.EOF) {
			b.done = true
			break
		} else if err != nil {
			return n, fmt.Errorf("record %d: %w", b.read, err)
		}
		b.read++
		for i := 0; i < b.nvals; i++ {
			b.vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.buf[4*i:]))
		}
		if !finite32(b.vals[:b.nvals]) {
			b.skipped++
			continue
		}
		for i := 0; i < b.nvals; i++ {
			b.f64[i] = float64(b.vals[i])
		}
		dst[n] = record(b.f64[:b.nvals])
		n++
	}
	if n == 0 && b.done {
		return 0, io.EOF
	}
	return n, nil
}

// WriteBinary writes pts as binary records.
func WriteBinary(w io.Writer, pts []poisson.OrientedPoint, withConfidence bool) error {
	bw := bufio.NewWriter(w)
	var buf [7 * 4]byte
	for _, p := range pts {
		vals := [7]float64{p.Position.X, p.Position.Y, p.Position.Z, p.Normal.X, p.Normal.Y, p.Normal.Z, p.Confidence}
		n := 6
		if withConfidence {
			n = 7
		}
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(vals[i])))
		}
		if _, err := bw.Write(buf[:4*n]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
