package pointio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/soypat/poisson"
)

type plyProperty struct {
	name string
	size int
	kind byte // 'i' signed, 'u' unsigned, 'f' float
}

var plyTypes = map[string]plyProperty{
	"char": {size: 1, kind: 'i'}, "int8": {size: 1, kind: 'i'},
	"uchar": {size: 1, kind: 'u'}, "uint8": {size: 1, kind: 'u'},
	"short": {size: 2, kind: 'i'}, "int16": {size: 2, kind: 'i'},
	"ushort": {size: 2, kind: 'u'}, "uint16": {size: 2, kind: 'u'},
	"int": {size: 4, kind: 'i'}, "int32": {size: 4, kind: 'i'},
	"uint": {size: 4, kind: 'u'}, "uint32": {size: 4, kind: 'u'},
	"float": {size: 4, kind: 'f'}, "float32": {size: 4, kind: 'f'},
	"double": {size: 8, kind: 'f'}, "float64": {size: 8, kind: 'f'},
}

// plySlots maps vertex property names to record positions.
var plySlots = map[string]int{
	"x": 0, "y": 1, "z": 2,
	"nx": 3, "ny": 4, "nz": 5,
	"confidence": 6, "value": 6,
}

// PLYReader reads the vertex element of a PLY file. Vertices need x, y, z,
// nx, ny and nz properties; a confidence or value property is read as the
// sample confidence. Other elements are ignored.
type PLYReader struct {
	r       *bufio.Reader
	order   binary.ByteOrder // nil for ASCII
	props   []plyProperty
	slot    []int
	count   int
	read    int
	skipped int
	vals    [7]float64
	buf     [8]byte
}

// NewPLYReader parses the PLY header from r.
func NewPLYReader(r io.Reader) (*PLYReader, error) {
	p := &PLYReader{r: bufio.NewReader(r)}
	if err := p.readHeader(); err != nil {
		return nil, fmt.Errorf("PLY header: %w", err)
	}
	return p, nil
}

func (p *PLYReader) readHeader() error {
	line, err := p.r.ReadString('\n')
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) != "ply" {
		return errors.New("missing ply magic")
	}
	var (
		element  string
		seen     [7]bool
		vertexAt = -1
		elements int
	)
	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			return err
		}
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		switch f[0] {
		case "format":
			if len(f) < 2 {
				return errors.New("malformed format line")
			}
			switch f[1] {
			case "ascii":
			case "binary_little_endian":
				p.order = binary.LittleEndian
			case "binary_big_endian":
				p.order = binary.BigEndian
			default:
				return fmt.Errorf("unsupported format %q", f[1])
			}
		case "comment", "obj_info":
		case "element":
			if len(f) != 3 {
				return errors.New("malformed element line")
			}
			element = f[1]
			if element == "vertex" {
				if elements != 0 {
					return errors.New("vertex must be the first element")
				}
				vertexAt = elements
				p.count, err = strconv.Atoi(f[2])
				if err != nil || p.count < 0 {
					return fmt.Errorf("bad vertex count %q", f[2])
				}
			}
			elements++
		case "property":
			if element != "vertex" {
				continue
			}
			if len(f) != 3 {
				return fmt.Errorf("unsupported vertex property %q", strings.Join(f[1:], " "))
			}
			prop, ok := plyTypes[f[1]]
			if !ok {
				return fmt.Errorf("unknown property type %q", f[1])
			}
			prop.name = f[2]
			slot, ok := plySlots[prop.name]
			if !ok {
				slot = -1
			} else {
				seen[slot] = true
			}
			p.props = append(p.props, prop)
			p.slot = append(p.slot, slot)
		case "end_header":
			if vertexAt < 0 {
				return errors.New("no vertex element")
			}
			for i, name := range []string{"x", "y", "z", "nx", "ny", "nz"} {
				if !seen[i] {
					return fmt.Errorf("vertex property %q missing", name)
				}
			}
			return nil
		default:
			return fmt.Errorf("unexpected header line %q", strings.TrimSpace(line))
		}
	}
}

// Skipped returns the number of vertices dropped for holding non finite values.
func (p *PLYReader) Skipped() int { return p.skipped }

// ReadPoints implements poisson.PointReader.
func (p *PLYReader) ReadPoints(dst []poisson.OrientedPoint) (n int, err error) {
	for n < len(dst) && p.read < p.count {
		p.vals = [7]float64{}
		if p.order == nil {
			err = p.readASCII()
		} else {
			err = p.readBinary()
		}
		if err != nil {
			return n, fmt.Errorf("PLY vertex %d: %w", p.read, err)
		}
		p.read++
		finite := true
		for _, v := range p.vals {
			finite = finite && !math.IsNaN(v) && !math.IsInf(v, 0)
		}
		if !finite {
			p.skipped++
			continue
		}
		dst[n] = record(p.vals[:])
		n++
	}
	if n == 0 && p.read == p.count {
		return 0, io.EOF
	}
	return n, nil
}

func (p *PLYReader) readASCII() error {
	line, err := p.r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return err
	}
	f := strings.Fields(line)
	if len(f) < len(p.props) {
		return fmt.Errorf("got %d values, want %d", len(f), len(p.props))
	}
	for i, slot := range p.slot {
		if slot < 0 {
			continue
		}
		v, err := strconv.ParseFloat(f[i], 64)
		if err != nil {
			return err
		}
		p.vals[slot] = v
	}
	return nil
}

func (p *PLYReader) readBinary() error {
	for i, prop := range p.props {
		b := p.buf[:prop.size]
		if _, err := io.ReadFull(p.r, b); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		if p.slot[i] < 0 {
			continue
		}
		p.vals[p.slot[i]] = p.decode(prop, b)
	}
	return nil
}

func (p *PLYReader) decode(prop plyProperty, b []byte) float64 {
	switch prop.size {
	case 1:
		if prop.kind == 'i' {
			return float64(int8(b[0]))
		}
		return float64(b[0])
	case 2:
		u := p.order.Uint16(b)
		if prop.kind == 'i' {
			return float64(int16(u))
		}
		return float64(u)
	case 4:
		u := p.order.Uint32(b)
		switch prop.kind {
		case 'i':
			return float64(int32(u))
		case 'f':
			return float64(math.Float32frombits(u))
		}
		return float64(u)
	default:
		return math.Float64frombits(p.order.Uint64(b))
	}
}

// WritePLY writes pts as a binary little endian PLY vertex element with
// float positions and normals.
func WritePLY(w io.Writer, pts []poisson.OrientedPoint) error {
	bw := bufio.NewWriter(w)
	_, err := fmt.Fprintf(bw, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n"+
		"property float x\nproperty float y\nproperty float z\n"+
		"property float nx\nproperty float ny\nproperty float nz\nend_header\n", len(pts))
	if err != nil {
		return err
	}
	if err := WriteBinary(bw, pts, false); err != nil {
		return err
	}
	return bw.Flush()
}
