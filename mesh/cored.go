package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"go.uber.org/multierr"
	"gonum.org/v1/gonum/spatial/r3"
)

// Cored is a Sink spilling vertices and triangles to temporary files so
// meshes larger than memory can be written out. Close removes the files.
type Cored struct {
	vfile, tfile *os.File
	vw, tw       *bufio.Writer
	nv, nt       int
	buf          [24]byte
}

// NewCored creates the backing files of a Cored sink in dir, or in the
// default temporary directory if dir is empty.
func NewCored(dir string) (*Cored, error) {
	vf, err := os.CreateTemp(dir, "poisson-vertices-*")
	if err != nil {
		return nil, err
	}
	tf, err := os.CreateTemp(dir, "poisson-triangles-*")
	if err != nil {
		return nil, multierr.Combine(err, vf.Close(), os.Remove(vf.Name()))
	}
	return &Cored{
		vfile: vf,
		tfile: tf,
		vw:    bufio.NewWriter(vf),
		tw:    bufio.NewWriter(tf),
	}, nil
}

// AddVertex implements Sink.
func (c *Cored) AddVertex(v r3.Vec) (int, error) {
	b := c.buf[:24]
	binary.LittleEndian.PutUint64(b[0:], math.Float64bits(v.X))
	binary.LittleEndian.PutUint64(b[8:], math.Float64bits(v.Y))
	binary.LittleEndian.PutUint64(b[16:], math.Float64bits(v.Z))
	if _, err := c.vw.Write(b); err != nil {
		return -1, err
	}
	c.nv++
	return c.nv - 1, nil
}

// AddTriangle implements Sink.
func (c *Cored) AddTriangle(t [3]int) error {
	b := c.buf[:12]
	for j, i := range t {
		if i < 0 || i >= c.nv {
			return fmt.Errorf("triangle references vertex %d of %d", i, c.nv)
		}
		binary.LittleEndian.PutUint32(b[4*j:], uint32(i))
	}
	if _, err := c.tw.Write(b); err != nil {
		return err
	}
	c.nt++
	return nil
}

// Len returns the number of vertices and triangles added so far.
func (c *Cored) Len() (vertices, triangles int) { return c.nv, c.nt }

// rewind flushes pending writes and returns readers over both files.
func (c *Cored) rewind() (vr, tr *bufio.Reader, err error) {
	if err := multierr.Combine(c.vw.Flush(), c.tw.Flush()); err != nil {
		return nil, nil, err
	}
	if _, err := c.vfile.Seek(0, io.SeekStart); err != nil {
		return nil, nil, err
	}
	if _, err := c.tfile.Seek(0, io.SeekStart); err != nil {
		return nil, nil, err
	}
	return bufio.NewReader(c.vfile), bufio.NewReader(c.tfile), nil
}

// restore positions both files at their end so more elements can be added.
func (c *Cored) restore() error {
	_, err1 := c.vfile.Seek(0, io.SeekEnd)
	_, err2 := c.tfile.Seek(0, io.SeekEnd)
	return multierr.Combine(err1, err2)
}

func (c *Cored) each(vfn func(r3.Vec) error, tfn func([3]int) error) (err error) {
	vr, tr, err := c.rewind()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.restore()) }()
	var b [24]byte
	for i := 0; i < c.nv; i++ {
		if _, err := io.ReadFull(vr, b[:24]); err != nil {
			return fmt.Errorf("reading vertex %d: %w", i, err)
		}
		if err := vfn(decodeVertex(b[:24])); err != nil {
			return err
		}
	}
	for i := 0; i < c.nt; i++ {
		if _, err := io.ReadFull(tr, b[:12]); err != nil {
			return fmt.Errorf("reading triangle %d: %w", i, err)
		}
		if err := tfn(decodeTriangle(b[:12])); err != nil {
			return err
		}
	}
	return nil
}

func decodeVertex(b []byte) r3.Vec {
	return r3.Vec{
		X: math.Float64frombits(binary.LittleEndian.Uint64(b[0:])),
		Y: math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		Z: math.Float64frombits(binary.LittleEndian.Uint64(b[16:])),
	}
}

func decodeTriangle(b []byte) [3]int {
	return [3]int{
		int(binary.LittleEndian.Uint32(b[0:])),
		int(binary.LittleEndian.Uint32(b[4:])),
		int(binary.LittleEndian.Uint32(b[8:])),
	}
}

// NumTriangles implements TriangleSource.
func (c *Cored) NumTriangles() int { return c.nt }

// EachTriangle implements TriangleSource. Triangles are read in the order
// they were added and their vertices fetched from the vertex file, so only
// one triangle is held in memory at a time.
func (c *Cored) EachTriangle(fn func(t [3]r3.Vec) error) (err error) {
	_, tr, err := c.rewind()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.restore()) }()
	var tb [12]byte
	var vb [24]byte
	for i := 0; i < c.nt; i++ {
		if _, err := io.ReadFull(tr, tb[:]); err != nil {
			return fmt.Errorf("reading triangle %d: %w", i, err)
		}
		var corners [3]r3.Vec
		for j, idx := range decodeTriangle(tb[:]) {
			if _, err := c.vfile.ReadAt(vb[:], int64(idx)*int64(len(vb))); err != nil {
				return fmt.Errorf("reading vertex %d of triangle %d: %w", idx, i, err)
			}
			corners[j] = decodeVertex(vb[:])
		}
		if err := fn(corners); err != nil {
			return err
		}
	}
	return nil
}

// WritePLY streams the stored mesh to w as a PLY file.
func (c *Cored) WritePLY(w io.Writer, format PLYFormat) error {
	pw, err := newPLYWriter(w, format, c.nv, c.nt)
	if err != nil {
		return err
	}
	face := func(t [3]int) error { return pw.face(t[:]) }
	if err := c.each(pw.vertex, face); err != nil {
		return err
	}
	return pw.w.Flush()
}

// Mesh loads the stored mesh into memory.
func (c *Cored) Mesh() (*Mesh, error) {
	m := &Mesh{
		Vertices:  make([]r3.Vec, 0, c.nv),
		Triangles: make([][3]int, 0, c.nt),
	}
	err := c.each(func(v r3.Vec) error {
		m.Vertices = append(m.Vertices, v)
		return nil
	}, func(t [3]int) error {
		m.Triangles = append(m.Triangles, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Close closes and removes the backing files.
func (c *Cored) Close() error {
	return multierr.Combine(
		c.vfile.Close(),
		c.tfile.Close(),
		os.Remove(c.vfile.Name()),
		os.Remove(c.tfile.Name()),
	)
}
