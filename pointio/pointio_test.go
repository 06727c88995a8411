package pointio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/poisson"
	"gonum.org/v1/gonum/spatial/r3"
)

var testPoints = []poisson.OrientedPoint{
	{Position: r3.Vec{X: 1, Y: 2, Z: 3}, Normal: r3.Vec{Z: 1}, Confidence: 0.5},
	{Position: r3.Vec{X: -1, Y: 0.25, Z: 0}, Normal: r3.Vec{X: -1}, Confidence: 1},
	{Position: r3.Vec{X: 0.5, Y: -4, Z: 8}, Normal: r3.Vec{Y: 1}, Confidence: 2},
}

func withoutConfidence(pts []poisson.OrientedPoint) []poisson.OrientedPoint {
	out := append([]poisson.OrientedPoint{}, pts...)
	for i := range out {
		out[i].Confidence = 0
	}
	return out
}

func TestASCIIReader(t *testing.T) {
	const input = `# comment
1 2 3 0 0 1

-1 0.25 0 -1 0 0
NaN 0 0 0 0 1
0.5 -4 8 0 1 0
`
	r := NewASCIIReader(strings.NewReader(input), false)
	got, err := poisson.ReadAllPoints(r)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(withoutConfidence(testPoints), got); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
	if r.Skipped() != 1 {
		t.Errorf("skipped %d, want 1", r.Skipped())
	}

	_, err = poisson.ReadAllPoints(NewASCIIReader(strings.NewReader("1 2 3\n"), false))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("got error %v", err)
	}
}

func TestASCIIRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteASCII(&buf, testPoints, true); err != nil {
		t.Fatal(err)
	}
	got, err := poisson.ReadAllPoints(NewASCIIReader(&buf, true))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(testPoints, got); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBinary(&buf, testPoints, true); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 3*7*4 {
		t.Fatalf("wrote %d bytes", buf.Len())
	}
	// Append a record holding an infinite coordinate.
	var bad [6 * 4]byte
	binary.LittleEndian.PutUint32(bad[:], math.Float32bits(float32(math.Inf(1))))
	raw := append(bytes.Clone(buf.Bytes()), bad[:]...)
	raw = append(raw, make([]byte, 4)...)

	r := NewBinaryReader(bytes.NewReader(raw), true)
	got, err := poisson.ReadAllPoints(r)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(testPoints, got); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
	if r.Skipped() != 1 {
		t.Errorf("skipped %d, want 1", r.Skipped())
	}

	_, err = poisson.ReadAllPoints(NewBinaryReader(bytes.NewReader(raw[:10]), true))
	if err == nil {
		t.Error("expected error for truncated record")
	}
}

func TestPLYReader(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePLY(&buf, testPoints); err != nil {
		t.Fatal(err)
	}
	r, err := NewPLYReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got, err := poisson.ReadAllPoints(r)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(withoutConfidence(testPoints), got); diff != "" {
		t.Errorf("binary PLY mismatch (-want +got):\n%s", diff)
	}

	const ascii = `ply
format ascii 1.0
comment made by hand
element vertex 2
property double x
property double y
property double z
property uchar red
property float nx
property float ny
property float nz
property float confidence
element face 0
property list uchar int vertex_indices
end_header
1 2 3 255 0 0 1 0.5
-1 0.25 0 7 -1 0 0 1
`
	r, err = NewPLYReader(strings.NewReader(ascii))
	if err != nil {
		t.Fatal(err)
	}
	got, err = poisson.ReadAllPoints(r)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(testPoints[:2], got); diff != "" {
		t.Errorf("ascii PLY mismatch (-want +got):\n%s", diff)
	}

	for _, header := range []string{
		"plx\n",
		"ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nend_header\n",
		"ply\nformat binary_middle_endian 1.0\n",
		"ply\nformat ascii 1.0\nelement vertex 1\nproperty list uchar int x\n",
	} {
		if _, err := NewPLYReader(strings.NewReader(header)); err == nil {
			t.Errorf("expected error for header %q", header)
		}
	}
}

func TestOpenCreate(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"pts.npts", "pts.bnpts", "pts.ply"} {
		path := filepath.Join(dir, name)
		if err := Create(path, testPoints, false); err != nil {
			t.Fatal(err)
		}
		f, err := Open(path, false)
		if err != nil {
			t.Fatal(err)
		}
		got, err := poisson.ReadAllPoints(f)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(withoutConfidence(testPoints), got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
	if _, err := Open(filepath.Join(dir, "pts.obj"), false); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("got error %v", err)
	}
}
