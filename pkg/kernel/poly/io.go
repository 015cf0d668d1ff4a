package poly

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/chazu/cadscript/pkg/kernel"
)

// ImportAngleTolerance is the normal deviation (radians) under which
// neighbouring imported triangles are merged into one face.
const ImportAngleTolerance = math.Pi / 180

// Import implements kernel.Kernel for STL, OBJ and 3MF payloads.
func (k *Kernel) Import(f kernel.Format, data []byte) (kernel.Shape, error) {
	tris, err := kernel.ReadTriangles(f, data)
	if err != nil {
		return nil, &kernel.ImportError{Format: f, Err: err}
	}
	h := kernel.MustOpHash("import", string(f), data)
	return FromTriangles(h, tris, ImportAngleTolerance), nil
}

// Export implements kernel.Kernel. Solids are triangulated at deviation and
// written as a single mesh.
func (k *Kernel) Export(s kernel.Shape, f kernel.Format, deviation float64) ([]byte, error) {
	switch f {
	case kernel.FormatSTL, kernel.FormatOBJ, kernel.Format3MF:
	default:
		return nil, fmt.Errorf("export %s: %w", f, kernel.ErrUnsupportedFormat)
	}
	m, err := kernel.Flatten(k, s, deviation)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if m.IsEmpty() {
		return nil, errors.New("export: shape has no faces")
	}
	var buf bytes.Buffer
	if err := kernel.WriteMesh(&buf, f, m); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return buf.Bytes(), nil
}

// FromTriangles builds a solid from a triangle soup. Connected triangles
// whose normals stay within angleTol of the first triangle of a region are
// grouped into one face. Other backends use it to expose topology for
// meshes they produce.
func FromTriangles(h kernel.Hash, tris [][3]kernel.Vec3, angleTol float64) kernel.Shape {
	w := newWelder()
	type tri struct {
		ids  [3]int
		poly *polygon
	}
	var ts []tri
	for _, t := range tris {
		p := makePolygon(t[:], nil, vec{})
		if p == nil || len(p.verts) != 3 {
			continue
		}
		var ids [3]int
		for i, v := range p.verts {
			ids[i] = w.id(v)
		}
		if ids[0] == ids[1] || ids[1] == ids[2] || ids[0] == ids[2] {
			continue
		}
		ts = append(ts, tri{ids: ids, poly: p})
	}

	byEdge := make(map[dseg][]int)
	for i, t := range ts {
		for j := 0; j < 3; j++ {
			u := undirected(t.ids[j], t.ids[(j+1)%3])
			byEdge[u] = append(byEdge[u], i)
		}
	}

	cosTol := math.Cos(angleTol)
	region := make([]int, len(ts))
	for i := range region {
		region[i] = -1
	}
	var polys []*polygon
	faces := 0
	for seed := range ts {
		if region[seed] >= 0 {
			continue
		}
		fi := &faceInfo{tag: kernel.Derive(h, uint64(faces))}
		n0 := ts[seed].poly.plane.n
		region[seed] = faces
		queue := []int{seed}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			ts[cur].poly.face = fi
			polys = append(polys, ts[cur].poly)
			for j := 0; j < 3; j++ {
				u := undirected(ts[cur].ids[j], ts[cur].ids[(j+1)%3])
				for _, nb := range byEdge[u] {
					if region[nb] >= 0 || ts[nb].poly.plane.n.Dot(n0) < cosTol {
						continue
					}
					region[nb] = faces
					queue = append(queue, nb)
				}
			}
		}
		faces++
	}
	return newSolid(h, polys)
}
