package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"
)

// PLYFormat selects the encoding of PLY element data.
type PLYFormat int

const (
	PLYASCII PLYFormat = iota
	PLYBinary
)

func (f PLYFormat) String() string {
	switch f {
	case PLYASCII:
		return "ascii"
	case PLYBinary:
		return "binary_little_endian"
	}
	return "PLYFormat(" + strconv.Itoa(int(f)) + ")"
}

// ParsePLYFormat accepts "ascii" and "binary".
func ParsePLYFormat(s string) (PLYFormat, error) {
	switch s {
	case "ascii", "":
		return PLYASCII, nil
	case "binary", "binary_little_endian":
		return PLYBinary, nil
	}
	return 0, fmt.Errorf("unknown PLY format %q", s)
}

// plyWriter writes a PLY file element by element after its header.
type plyWriter struct {
	w      *bufio.Writer
	format PLYFormat
	buf    []byte
}

func newPLYWriter(w io.Writer, format PLYFormat, vertices, faces int) (*plyWriter, error) {
	if format != PLYASCII && format != PLYBinary {
		return nil, fmt.Errorf("unknown PLY format %d", format)
	}
	pw := &plyWriter{w: bufio.NewWriter(w), format: format, buf: make([]byte, 13)}
	_, err := fmt.Fprintf(pw.w, "ply\nformat %s 1.0\nelement vertex %d\nproperty float x\nproperty float y\nproperty float z\nelement face %d\nproperty list uchar int vertex_indices\nend_header\n",
		format, vertices, faces)
	return pw, err
}

func (pw *plyWriter) vertex(v r3.Vec) error {
	if pw.format == PLYASCII {
		_, err := fmt.Fprintf(pw.w, "%g %g %g\n", float32(v.X), float32(v.Y), float32(v.Z))
		return err
	}
	b := pw.buf[:12]
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(float32(v.X)))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(float32(v.Y)))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(float32(v.Z)))
	_, err := pw.w.Write(b)
	return err
}

func (pw *plyWriter) face(idx []int) error {
	if len(idx) > math.MaxUint8 {
		return fmt.Errorf("face of %d vertices does not fit a uchar count", len(idx))
	}
	if pw.format == PLYASCII {
		pw.buf = strconv.AppendInt(pw.buf[:0], int64(len(idx)), 10)
		for _, i := range idx {
			pw.buf = append(pw.buf, ' ')
			pw.buf = strconv.AppendInt(pw.buf, int64(i), 10)
		}
		pw.buf = append(pw.buf, '\n')
		_, err := pw.w.Write(pw.buf)
		return err
	}
	n := 1 + 4*len(idx)
	if cap(pw.buf) < n {
		pw.buf = make([]byte, n)
	}
	b := pw.buf[:n]
	b[0] = uint8(len(idx))
	for j, i := range idx {
		binary.LittleEndian.PutUint32(b[1+4*j:], uint32(int32(i)))
	}
	_, err := pw.w.Write(b)
	return err
}

// WritePLY writes m to w as a PLY file. Triangles are written before polygons.
func WritePLY(w io.Writer, m *Mesh, format PLYFormat) error {
	pw, err := newPLYWriter(w, format, len(m.Vertices), len(m.Triangles)+len(m.Polygons))
	if err != nil {
		return err
	}
	for _, v := range m.Vertices {
		if err := pw.vertex(v); err != nil {
			return err
		}
	}
	for _, t := range m.Triangles {
		if err := pw.face(t[:]); err != nil {
			return err
		}
	}
	for _, p := range m.Polygons {
		if err := pw.face(p); err != nil {
			return err
		}
	}
	return pw.w.Flush()
}
