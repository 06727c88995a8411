package render

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/chewxy/math32"
	"github.com/soypat/poisson/mesh"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	stlHeaderSize   = 84
	stlTriangleSize = 50
)

// Soup is a triangle soup. It implements mesh.TriangleSource.
type Soup []Triangle3

// NumTriangles implements mesh.TriangleSource.
func (s Soup) NumTriangles() int { return len(s) }

// EachTriangle implements mesh.TriangleSource.
func (s Soup) EachTriangle(fn func(t [3]r3.Vec) error) error {
	for _, t := range s {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

// CreateSTL writes the triangles of src to a binary STL file at path.
func CreateSTL(path string, src mesh.TriangleSource) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return WriteSTL(f, src)
}

// WriteSTL streams the triangles of src to w in binary STL format. The
// triangle count is taken from src before any triangle is read.
func WriteSTL(w io.Writer, src mesh.TriangleSource) error {
	if src == nil || src.NumTriangles() == 0 {
		return errors.New("no triangles to write")
	}
	nt := src.NumTriangles()
	if uint64(nt) > math.MaxUint32 {
		return fmt.Errorf("%d triangles do not fit a binary STL", nt)
	}
	bw := bufio.NewWriterSize(w, stlTriangleSize<<10)
	header := stlHeader{Count: uint32(nt)}
	if err := binary.Write(bw, binary.LittleEndian, &header); err != nil {
		return err
	}
	var b [stlTriangleSize]byte
	written := 0
	err := src.EachTriangle(func(t [3]r3.Vec) error {
		if written == nt {
			return fmt.Errorf("source yielded more than its %d triangles", nt)
		}
		stlFromTriangle3(t).put(b[:])
		written++
		_, err := bw.Write(b[:])
		return err
	})
	if err != nil {
		return err
	}
	if written != nt {
		return fmt.Errorf("source yielded %d of its %d triangles", written, nt)
	}
	return bw.Flush()
}

// ReadSTL reads the triangles of a binary STL file. Triangles whose stored
// normal disagrees with their vertex order are returned along with an error
// wrapping ErrNormalMismatch.
func ReadSTL(r io.Reader) (Soup, error) {
	return readBinarySTL(r)
}

func stlFromTriangle3(t Triangle3) stlTriangle {
	var d stlTriangle
	n := t.Normal()
	d.Normal = [3]float32{float32(n.X), float32(n.Y), float32(n.Z)}
	d.Vertex1 = [3]float32{float32(t[0].X), float32(t[0].Y), float32(t[0].Z)}
	d.Vertex2 = [3]float32{float32(t[1].X), float32(t[1].Y), float32(t[1].Z)}
	d.Vertex3 = [3]float32{float32(t[2].X), float32(t[2].Y), float32(t[2].Z)}
	return d
}

// stlHeader defines the STL file header.
type stlHeader struct {
	_     [80]uint8 // Header
	Count uint32    // Number of triangles
}

func readBinarySTL(r io.Reader) (output Soup, readErr error) {
	var header stlHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, errors.New("encountered EOF while reading STL header")
		}
		return nil, fmt.Errorf("STL header read failed: %w", err)
	}
	if header.Count == 0 {
		return nil, errors.New("STL header indicates 0 triangles present")
	}
	var (
		buf            [stlTriangleSize]byte
		d              stlTriangle
		i              int
		normMismatches int
	)
	defer func() {
		if readErr != nil && !errors.Is(readErr, ErrNormalMismatch) {
			readErr = fmt.Errorf("%d/%d STL triangles read: %w", i+1, header.Count, readErr)
		}
	}()
	for i = 0; i < int(header.Count); i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		d.get(buf[:])
		if err := d.validate(); err != nil {
			if !errors.Is(err, ErrNormalMismatch) {
				return nil, err
			}
			normMismatches++
			if normMismatches > 10_000 {
				return output, fmt.Errorf("got too many normal vector mismatches (%d)", normMismatches)
			}
			readErr = err
		}
		output = append(output, d.toTriangle3())
	}
	return output, readErr
}

// stlTriangle defines the triangle data within an STL file.
type stlTriangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
	_       uint16 // Attribute byte count
}

func (t stlTriangle) put(b []byte) {
	_ = b[stlTriangleSize-1]
	put3F32(b, t.Normal)
	put3F32(b[12:], t.Vertex1)
	put3F32(b[24:], t.Vertex2)
	put3F32(b[36:], t.Vertex3)
	binary.LittleEndian.PutUint16(b[48:], 0)
}

func (t *stlTriangle) get(b []byte) {
	_ = b[stlTriangleSize-1]
	get3F32(b, &t.Normal)
	get3F32(b[12:], &t.Vertex1)
	get3F32(b[24:], &t.Vertex2)
	get3F32(b[36:], &t.Vertex3)
}

func put3F32(b []byte, f [3]float32) {
	_ = b[11]
	binary.LittleEndian.PutUint32(b, math.Float32bits(f[0]))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(f[1]))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(f[2]))
}

func get3F32(b []byte, f *[3]float32) {
	_ = b[11]
	f[0] = math.Float32frombits(binary.LittleEndian.Uint32(b))
	f[1] = math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
	f[2] = math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))
}

func bad3F32(f [3]float32) bool {
	for _, x := range f {
		if math32.IsNaN(x) || math32.IsInf(x, 0) {
			return true
		}
	}
	return false
}

// ErrNormalMismatch is returned when a stored STL normal does not match the
// normal computed from the triangle vertices.
var ErrNormalMismatch = errors.New("STL triangle normal does not match vertex order")

func (t stlTriangle) validate() error {
	const (
		epsilon = 1e-12
		normTol = 5e-2
	)
	switch {
	case bad3F32(t.Normal):
		return errors.New("inf/NaN STL triangle normal")
	case bad3F32(t.Vertex1) || bad3F32(t.Vertex2) || bad3F32(t.Vertex3):
		return errors.New("inf/NaN STL triangle vertex")
	case t.toTriangle3().Degenerate(epsilon):
		return errors.New("triangle is degenerate")
	}
	// Readers disagree on the sign of stored normals, accept both.
	n := r3From3F32(t.Normal)
	calc := t.toTriangle3().Normal()
	if !equalWithin(calc, n, normTol) && !equalWithin(r3.Scale(-1, calc), n, normTol) {
		return ErrNormalMismatch
	}
	return nil
}

func r3From3F32(f [3]float32) r3.Vec {
	return r3.Vec{X: float64(f[0]), Y: float64(f[1]), Z: float64(f[2])}
}

func (t stlTriangle) toTriangle3() Triangle3 {
	return Triangle3{
		r3From3F32(t.Vertex1),
		r3From3F32(t.Vertex2),
		r3From3F32(t.Vertex3),
	}
}
