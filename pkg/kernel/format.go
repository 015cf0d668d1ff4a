package kernel

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// Format names an interchange file format.
type Format string

const (
	FormatSTL  Format = "stl"
	FormatOBJ  Format = "obj"
	Format3MF  Format = "3mf"
	FormatSTEP Format = "step"
	FormatIGES Format = "iges"
)

// ErrUnsupportedFormat is returned for recognised formats a backend cannot
// read or write, and for unknown format names.
var ErrUnsupportedFormat = errors.New("unsupported format")

// ErrEmptyImport is returned when an import parses but yields no geometry.
var ErrEmptyImport = errors.New("no geometry")

// ImportError is an ImportFault: an interchange payload could not be turned
// into a shape.
type ImportError struct {
	Name   string
	Format Format
	Err    error
}

func (e *ImportError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("import %s (%s): %v", e.Name, e.Format, e.Err)
	}
	return fmt.Sprintf("import (%s): %v", e.Format, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// ParseFormat accepts a format name ("stl"), an extension (".STL") or a
// file name ("part.stp") and returns the matching Format.
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if ext := filepath.Ext(name); ext != "" {
		name = ext
	}
	name = strings.TrimPrefix(name, ".")
	switch name {
	case "stl":
		return FormatSTL, nil
	case "obj":
		return FormatOBJ, nil
	case "3mf":
		return Format3MF, nil
	case "step", "stp":
		return FormatSTEP, nil
	case "iges", "igs":
		return FormatIGES, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnsupportedFormat)
}

// ----------------------------------------------------------------------------
// Readers

// ReadTriangles parses an STL, OBJ or 3MF payload into a triangle soup.
func ReadTriangles(f Format, data []byte) ([][3]Vec3, error) {
	var (
		tris [][3]Vec3
		err  error
	)
	switch f {
	case FormatSTL:
		tris, err = ReadSTL(data)
	case FormatOBJ:
		tris, err = ReadOBJ(data)
	case Format3MF:
		tris, err = Read3MF(data)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	if len(tris) == 0 {
		return nil, ErrEmptyImport
	}
	return tris, nil
}

// ReadSTL parses ASCII or binary STL.
func ReadSTL(data []byte) ([][3]Vec3, error) {
	if isBinarySTL(data) {
		return readBinarySTL(data)
	}
	return readASCIISTL(data)
}

func isBinarySTL(data []byte) bool {
	if len(data) < 84 {
		return false
	}
	n := binary.LittleEndian.Uint32(data[80:84])
	if uint64(len(data)) == 84+uint64(n)*50 {
		return true
	}
	return !bytes.HasPrefix(bytes.TrimSpace(data), []byte("solid"))
}

func readBinarySTL(data []byte) ([][3]Vec3, error) {
	n := int(binary.LittleEndian.Uint32(data[80:84]))
	if len(data) < 84+n*50 {
		return nil, fmt.Errorf("stl: truncated: %d triangles declared, %d bytes", n, len(data))
	}
	tris := make([][3]Vec3, 0, n)
	off := 84
	for i := 0; i < n; i++ {
		rec := data[off : off+50]
		var t [3]Vec3
		for j := 0; j < 3; j++ {
			b := rec[12+12*j:]
			t[j] = Vec3{
				float64(math.Float32frombits(binary.LittleEndian.Uint32(b[0:]))),
				float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))),
				float64(math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))),
			}
		}
		tris = append(tris, t)
		off += 50
	}
	return tris, nil
}

func readASCIISTL(data []byte) ([][3]Vec3, error) {
	var (
		tris    [][3]Vec3
		cur     []Vec3
		lineNum int
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "vertex":
			v, err := parseVec3(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("stl: line %d: %w", lineNum, err)
			}
			cur = append(cur, v)
		case "endfacet":
			if len(cur) != 3 {
				return nil, fmt.Errorf("stl: line %d: facet has %d vertices", lineNum, len(cur))
			}
			tris = append(tris, [3]Vec3{cur[0], cur[1], cur[2]})
			cur = cur[:0]
		case "solid", "facet", "outer", "endloop", "endsolid":
		default:
			return nil, fmt.Errorf("stl: line %d: unexpected %q", lineNum, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stl: %w", err)
	}
	return tris, nil
}

// ReadOBJ parses the geometry of a Wavefront OBJ file. Polygons are fanned
// into triangles; texture and normal references are ignored.
func ReadOBJ(data []byte) ([][3]Vec3, error) {
	var (
		positions []Vec3
		tris      [][3]Vec3
		lineNum   int
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			v, err := parseVec3(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("obj: line %d: %w", lineNum, err)
			}
			positions = append(positions, v)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("obj: line %d: face needs 3 vertices", lineNum)
			}
			idx := make([]int, 0, len(fields)-1)
			for _, s := range fields[1:] {
				ref := strings.Split(s, "/")[0]
				i, err := strconv.Atoi(ref)
				if err != nil {
					return nil, fmt.Errorf("obj: line %d: bad index %q", lineNum, s)
				}
				if i < 0 {
					i = len(positions) + i + 1
				}
				if i < 1 || i > len(positions) {
					return nil, fmt.Errorf("obj: line %d: index %d out of range", lineNum, i)
				}
				idx = append(idx, i-1)
			}
			for k := 1; k+1 < len(idx); k++ {
				tris = append(tris, [3]Vec3{positions[idx[0]], positions[idx[k]], positions[idx[k+1]]})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("obj: %w", err)
	}
	return tris, nil
}

func parseVec3(fields []string) (Vec3, error) {
	if len(fields) < 3 {
		return Vec3{}, fmt.Errorf("expected 3 coordinates, got %d", len(fields))
	}
	var c [3]float64
	for i := 0; i < 3; i++ {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return Vec3{}, err
		}
		c[i] = f
	}
	return Vec3{c[0], c[1], c[2]}, nil
}

// ----------------------------------------------------------------------------
// Writers

// WriteMesh writes m in the given format.
func WriteMesh(w io.Writer, f Format, m *Mesh) error {
	switch f {
	case FormatSTL:
		return WriteSTL(w, m)
	case FormatOBJ:
		return WriteOBJ(w, m)
	case Format3MF:
		return Write3MF(w, m)
	}
	return ErrUnsupportedFormat
}

// WriteSTL writes m as ASCII STL.
func WriteSTL(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	name := m.Name
	if name == "" {
		name = "cadscript"
	}
	fmt.Fprintf(bw, "solid %s\n", name)
	for i := 0; i < m.TriangleCount(); i++ {
		t := m.Triangle(i)
		n := t[1].Sub(t[0]).Cross(t[2].Sub(t[0])).Normalize()
		fmt.Fprintf(bw, "  facet normal %g %g %g\n    outer loop\n", n.X, n.Y, n.Z)
		for _, v := range t {
			fmt.Fprintf(bw, "      vertex %g %g %g\n", v.X, v.Y, v.Z)
		}
		fmt.Fprintf(bw, "    endloop\n  endfacet\n")
	}
	fmt.Fprintf(bw, "endsolid %s\n", name)
	return bw.Flush()
}

// WriteOBJ writes m as Wavefront OBJ with per-vertex normals.
func WriteOBJ(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	if m.Name != "" {
		fmt.Fprintf(bw, "o %s\n", m.Name)
	}
	for i := 0; i+2 < len(m.Vertices); i += 3 {
		fmt.Fprintf(bw, "v %g %g %g\n", m.Vertices[i], m.Vertices[i+1], m.Vertices[i+2])
	}
	for i := 0; i+2 < len(m.Normals); i += 3 {
		fmt.Fprintf(bw, "vn %g %g %g\n", m.Normals[i], m.Normals[i+1], m.Normals[i+2])
	}
	hasNormals := len(m.Normals) == len(m.Vertices)
	for i := 0; i+2 < len(m.Indices); i += 3 {
		a, b, c := m.Indices[i]+1, m.Indices[i+1]+1, m.Indices[i+2]+1
		if hasNormals {
			fmt.Fprintf(bw, "f %d//%d %d//%d %d//%d\n", a, a, b, b, c, c)
		} else {
			fmt.Fprintf(bw, "f %d %d %d\n", a, b, c)
		}
	}
	return bw.Flush()
}
