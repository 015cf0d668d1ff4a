package kernel

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hpinc/go3mf"
)

// Write3MF writes m as a single-object 3MF package in millimetres.
func Write3MF(w io.Writer, m *Mesh) error {
	var model go3mf.Model
	mesh := &go3mf.Mesh{}
	for i := 0; i+2 < len(m.Vertices); i += 3 {
		mesh.Vertices.Vertex = append(mesh.Vertices.Vertex,
			go3mf.Point3D{m.Vertices[i], m.Vertices[i+1], m.Vertices[i+2]})
	}
	for i := 0; i+2 < len(m.Indices); i += 3 {
		mesh.Triangles.Triangle = append(mesh.Triangles.Triangle,
			go3mf.Triangle{V1: m.Indices[i], V2: m.Indices[i+1], V3: m.Indices[i+2]})
	}
	obj := &go3mf.Object{Name: m.Name, Mesh: mesh}
	obj.ID = model.Resources.UnusedID()
	model.Resources.Objects = append(model.Resources.Objects, obj)
	model.Build.Items = append(model.Build.Items, &go3mf.Item{ObjectID: obj.ID})

	if err := go3mf.NewEncoder(w).Encode(&model); err != nil {
		return fmt.Errorf("3mf: %w", err)
	}
	return nil
}

// Read3MF returns the triangles of every mesh object in the root model of
// a 3MF package. Build transforms and component objects are not applied.
func Read3MF(data []byte) ([][3]Vec3, error) {
	var model go3mf.Model
	if err := go3mf.NewDecoder(bytes.NewReader(data), int64(len(data))).Decode(&model); err != nil {
		return nil, fmt.Errorf("3mf: %w", err)
	}
	var tris [][3]Vec3
	for _, obj := range model.Resources.Objects {
		if obj.Mesh == nil {
			continue
		}
		verts := obj.Mesh.Vertices.Vertex
		for _, t := range obj.Mesh.Triangles.Triangle {
			if int(t.V1) >= len(verts) || int(t.V2) >= len(verts) || int(t.V3) >= len(verts) {
				return nil, fmt.Errorf("3mf: object %d: vertex index out of range", obj.ID)
			}
			tris = append(tris, [3]Vec3{point(verts[t.V1]), point(verts[t.V2]), point(verts[t.V3])})
		}
	}
	return tris, nil
}

func point(p go3mf.Point3D) Vec3 {
	return Vec3{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])}
}
