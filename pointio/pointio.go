// Package pointio reads and writes oriented point sets in the ASCII
// (.npts), binary (.bnpts) and PLY formats.
package pointio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chewxy/math32"
	"github.com/soypat/poisson"
	"go.uber.org/multierr"
)

// ErrUnknownFormat is returned for file extensions without a reader.
var ErrUnknownFormat = errors.New("unknown point file format")

// Format is an oriented point file format.
type Format int

const (
	ASCII Format = iota
	Binary
	PLY
)

// FormatOf returns the format matching the extension of path.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npts", ".xyz", ".txt":
		return ASCII, nil
	case ".bnpts":
		return Binary, nil
	case ".ply":
		return PLY, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
}

// File is an open point file.
type File struct {
	poisson.PointReader
	f *os.File
}

// Open opens the point file at path, picking a reader by extension. With
// withConfidence set, ASCII and binary records carry a seventh value.
func Open(path string, withConfidence bool) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var r poisson.PointReader
	switch format {
	case ASCII:
		r = NewASCIIReader(f, withConfidence)
	case Binary:
		r = NewBinaryReader(f, withConfidence)
	case PLY:
		r, err = NewPLYReader(f)
	}
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("%s: %w", path, err), f.Close())
	}
	return &File{PointReader: r, f: f}, nil
}

// Close closes the underlying file.
func (f *File) Close() error { return f.f.Close() }

// Create writes pts to a new file at path in the format matching its
// extension.
func Create(path string, pts []poisson.OrientedPoint, withConfidence bool) (err error) {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	switch format {
	case ASCII:
		return WriteASCII(f, pts, withConfidence)
	case Binary:
		return WriteBinary(f, pts, withConfidence)
	default:
		return WritePLY(f, pts)
	}
}

// finite32 reports whether every value in v is finite.
func finite32(v []float32) bool {
	for _, f := range v {
		if math32.IsNaN(f) || math32.IsInf(f, 0) {
			return false
		}
	}
	return true
}
