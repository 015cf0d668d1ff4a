package kernel

import (
	"fmt"
	"math"
)

// Mesh is a single triangle mesh suitable for export.
// All arrays are flat: vertices has 3 floats per vertex (x,y,z),
// normals has 3 floats per vertex, indices has 3 uint32s per triangle.
type Mesh struct {
	Vertices []float32 `json:"vertices"` // [x0,y0,z0, x1,y1,z1, ...]
	Normals  []float32 `json:"normals"`  // [nx0,ny0,nz0, ...]
	Indices  []uint32  `json:"indices"`  // [i0,i1,i2, ...] triangles
	Name     string    `json:"name"`
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int {
	return len(m.Vertices) / 3
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// IsEmpty returns true if the mesh has no geometry.
func (m *Mesh) IsEmpty() bool {
	return len(m.Vertices) == 0
}

// Triangle returns the corners of triangle i.
func (m *Mesh) Triangle(i int) [3]Vec3 {
	var t [3]Vec3
	for j := 0; j < 3; j++ {
		k := int(m.Indices[3*i+j]) * 3
		t[j] = Vec3{float64(m.Vertices[k]), float64(m.Vertices[k+1]), float64(m.Vertices[k+2])}
	}
	return t
}

// Append adds a face triangulation to the mesh.
func (m *Mesh) Append(t *Triangulation) {
	base := uint32(m.VertexCount())
	for i, p := range t.Positions {
		m.Vertices = append(m.Vertices, float32(p.X), float32(p.Y), float32(p.Z))
		n := Vec3{}
		if i < len(t.Normals) {
			n = t.Normals[i]
		}
		m.Normals = append(m.Normals, float32(n.X), float32(n.Y), float32(n.Z))
	}
	for _, tri := range t.Triangles {
		m.Indices = append(m.Indices, base+uint32(tri[0]), base+uint32(tri[1]), base+uint32(tri[2]))
	}
}

// Flatten triangulates s and merges every face into a single mesh.
// The triangulation attached to s is released before returning.
func Flatten(m Mesher, s Shape, deviation float64) (*Mesh, error) {
	if deviation <= 0 || math.IsNaN(deviation) {
		return nil, fmt.Errorf("flatten: deviation must be positive, got %g", deviation)
	}
	if err := m.Triangulate(s, deviation, deviation*5); err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	defer m.Clean(s)

	mesh := &Mesh{}
	for _, f := range m.Faces(s) {
		t, ok := m.FaceTriangulation(f)
		if !ok {
			continue
		}
		mesh.Append(t)
	}
	return mesh, nil
}
