// Package tessellate converts a kernel shape into per-face triangle buffers
// and deduplicated edge polylines ready for a renderer. Face UV islands are
// packed into one shared atlas.
package tessellate

import (
	"fmt"
	"math"

	"github.com/chazu/cadscript/pkg/kernel"
)

// AngularMultiplier scales the linear deviation into the angular deviation
// passed to the kernel triangulator.
const AngularMultiplier = 5

// FreeEdgeIndex tags edges that do not bound any triangulated face.
const FreeEdgeIndex = -1

// Face is the triangulation of one kernel face. Buffers are local to the
// face: every index is smaller than len(Vertices)/3.
type Face struct {
	Vertices  []float32 `json:"vertices"` // x,y,z triplets
	Normals   []float32 `json:"normals"`  // x,y,z triplets
	UVs       []float32 `json:"uvs"`      // u,v pairs in atlas space
	Indices   []uint32  `json:"indices"`
	FaceIndex int       `json:"faceIndex"`
}

// TriangleCount returns the number of triangles in the face.
func (f *Face) TriangleCount() int { return len(f.Indices) / 3 }

// Edge is a polyline drawn along a kernel edge.
type Edge struct {
	Vertices  []float32 `json:"vertices"`
	EdgeIndex int       `json:"edgeIndex"`
}

// Result is the output of Extract.
type Result struct {
	Faces []Face `json:"faces"`
	Edges []Edge `json:"edges"`
	Atlas Atlas  `json:"atlas"`
}

// faceRecord pairs a kernel face with its stable index and triangulation
// while the atlas is being built.
type faceRecord struct {
	face  kernel.Face
	index int
	tri   *kernel.Triangulation
	uvMin kernel.Vec2
	uvMax kernel.Vec2
}

// edgeRecord counts how often an edge was reached through a face boundary.
type edgeRecord struct {
	edge kernel.Edge
	seen int
}

// Extract triangulates root at maxDeviation and returns its faces and edges.
// An edge shared by two faces is emitted once, when it is reached the second
// time. Edges that no face reached are emitted afterwards as free edges.
// Triangulation data is released on the kernel before returning.
func Extract(m kernel.Mesher, root kernel.Shape, maxDeviation float64) (*Result, error) {
	if !(maxDeviation > 0) || math.IsInf(maxDeviation, 1) {
		return nil, fmt.Errorf("extract: max deviation must be positive and finite, got %g", maxDeviation)
	}
	if root == nil {
		return nil, fmt.Errorf("extract: nil shape")
	}
	if err := m.Triangulate(root, maxDeviation, maxDeviation*AngularMultiplier); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	defer m.Clean(root)

	res := &Result{Faces: []Face{}, Edges: []Edge{}}
	edges := make(map[kernel.Hash]*edgeRecord)
	var records []faceRecord

	for _, f := range m.Faces(root) {
		tri, ok := m.FaceTriangulation(f)
		if !ok || len(tri.Triangles) == 0 {
			continue
		}
		rec := faceRecord{face: f, index: f.Hash().Index(), tri: tri}
		rec.uvMin, rec.uvMax = uvBounds(tri)
		records = append(records, rec)

		for _, e := range m.FaceEdges(f) {
			h := e.Hash()
			er, ok := edges[h]
			if !ok {
				edges[h] = &edgeRecord{edge: e, seen: 1}
				continue
			}
			er.seen++
			if er.seen != 2 {
				continue
			}
			pts, ok := m.EdgeOnFace(e, f)
			if !ok || len(pts) < 2 {
				continue
			}
			res.Edges = append(res.Edges, Edge{Vertices: flatten(pts), EdgeIndex: h.Index()})
		}
	}

	sizes := make([]Size, len(records))
	for i, r := range records {
		sizes[i] = Size{
			W: r.uvMax.X - r.uvMin.X + 2*IslandPadding,
			H: r.uvMax.Y - r.uvMin.Y + 2*IslandPadding,
		}
	}
	rects, atlasSize := Pack(sizes)
	res.Atlas = Atlas{Size: atlasSize, Islands: make([]Island, len(records))}
	for i, r := range records {
		res.Atlas.Islands[i] = Island{FaceIndex: r.index, Rect: rects[i]}
		res.Faces = append(res.Faces, buildFace(r, rects[i], atlasSize))
	}

	for _, e := range m.Edges(root) {
		if _, ok := edges[e.Hash()]; ok {
			continue
		}
		pts := m.TessellateEdge(e, maxDeviation)
		if len(pts) < 2 {
			continue
		}
		res.Edges = append(res.Edges, Edge{Vertices: flatten(pts), EdgeIndex: FreeEdgeIndex})
	}
	return res, nil
}

func uvBounds(t *kernel.Triangulation) (lo, hi kernel.Vec2) {
	if len(t.UVs) == 0 {
		return kernel.Vec2{}, kernel.Vec2{}
	}
	lo, hi = t.UVs[0], t.UVs[0]
	for _, uv := range t.UVs[1:] {
		lo.X, lo.Y = math.Min(lo.X, uv.X), math.Min(lo.Y, uv.Y)
		hi.X, hi.Y = math.Max(hi.X, uv.X), math.Max(hi.Y, uv.Y)
	}
	return lo, hi
}

// buildFace copies a triangulation into flat buffers, moving its UVs into
// the island rect and normalizing by the atlas size.
func buildFace(r faceRecord, rect Rect, atlasSize float64) Face {
	t := r.tri
	f := Face{
		Vertices:  make([]float32, 0, 3*len(t.Positions)),
		Normals:   make([]float32, 0, 3*len(t.Positions)),
		UVs:       make([]float32, 0, 2*len(t.Positions)),
		Indices:   make([]uint32, 0, 3*len(t.Triangles)),
		FaceIndex: r.index,
	}
	scale := 1.0
	if atlasSize > 0 {
		scale = 1 / atlasSize
	}
	for i, p := range t.Positions {
		f.Vertices = append(f.Vertices, float32(p.X), float32(p.Y), float32(p.Z))
		var n kernel.Vec3
		if i < len(t.Normals) {
			n = t.Normals[i]
		}
		f.Normals = append(f.Normals, float32(n.X), float32(n.Y), float32(n.Z))
		var uv kernel.Vec2
		if i < len(t.UVs) {
			uv = t.UVs[i].Sub(r.uvMin)
		}
		u := (rect.X + IslandPadding + uv.X) * scale
		v := (rect.Y + IslandPadding + uv.Y) * scale
		f.UVs = append(f.UVs, float32(u), float32(v))
	}
	for _, tri := range t.Triangles {
		f.Indices = append(f.Indices, uint32(tri[0]), uint32(tri[1]), uint32(tri[2]))
	}
	return f
}

func flatten(pts []kernel.Vec3) []float32 {
	out := make([]float32, 0, 3*len(pts))
	for _, p := range pts {
		out = append(out, float32(p.X), float32(p.Y), float32(p.Z))
	}
	return out
}
