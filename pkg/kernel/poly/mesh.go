package poly

import (
	"fmt"
	"math"

	"github.com/chazu/cadscript/pkg/kernel"
)

// maxLevel caps the number of midpoint subdivisions of a curved face.
const maxLevel = 5

func asFace(f kernel.Face) (*face, bool) {
	pf, ok := f.(*face)
	return pf, ok
}

func asEdge(e kernel.Edge) (*edge, bool) {
	pe, ok := e.(*edge)
	return pe, ok
}

// Faces implements kernel.Mesher.
func (k *Kernel) Faces(s kernel.Shape) []kernel.Face {
	sh, ok := s.(*solid)
	if !ok {
		return nil
	}
	t := sh.topology()
	out := make([]kernel.Face, len(t.faces))
	for i, f := range t.faces {
		out[i] = f
	}
	return out
}

// Edges implements kernel.Mesher.
func (k *Kernel) Edges(s kernel.Shape) []kernel.Edge {
	sh, ok := s.(*solid)
	if !ok {
		return nil
	}
	t := sh.topology()
	out := make([]kernel.Edge, len(t.edges))
	for i, e := range t.edges {
		out[i] = e
	}
	return out
}

// FaceEdges implements kernel.Mesher.
func (k *Kernel) FaceEdges(f kernel.Face) []kernel.Edge {
	pf, ok := asFace(f)
	if !ok {
		return nil
	}
	out := make([]kernel.Edge, len(pf.edges))
	for i, e := range pf.edges {
		out[i] = e
	}
	return out
}

// Triangulate implements kernel.Mesher.
func (k *Kernel) Triangulate(s kernel.Shape, linear, angular float64) error {
	if !(linear > 0) || !(angular > 0) {
		return fmt.Errorf("triangulate: deviations must be positive, got %g and %g", linear, angular)
	}
	sh, err := asSolid("triangulate", s)
	if err != nil {
		return err
	}
	t := sh.topology()
	t.resetWork()
	for _, f := range t.faces {
		f.level = 0
		if f.info.surf != nil {
			f.level = refineLevel(f, linear, angular)
		}
	}
	// Planar faces follow their curved neighbours so shared boundaries get
	// the same subdivision.
	for _, f := range t.faces {
		if f.info.surf != nil {
			continue
		}
		for _, n := range f.neighbors {
			if n.info.surf != nil && n.level > f.level {
				f.level = n.level
			}
		}
	}
	for _, f := range t.faces {
		f.tri = t.triangulate(f)
	}
	return nil
}

// refineLevel picks the number of subdivisions needed so that chords of a
// curved face stay within the linear and angular deviation.
func refineLevel(f *face, linear, angular float64) int {
	surf := f.info.surf
	r := surf.radius()
	if r <= 0 {
		return 0
	}
	d := 0.0
	for _, l := range f.loops {
		n := len(l.poly.verts)
		for i := range l.poly.verts {
			d = math.Max(d, surf.chord(l.poly.verts[i], l.poly.verts[(i+1)%n]))
		}
	}
	if d == 0 {
		return 0
	}
	sag := d * d / (8 * r)
	level := 0
	if sag > linear {
		level = int(math.Ceil(math.Log(sag/linear) / math.Log(4)))
	}
	if a := d / r; a > angular {
		level = max(level, int(math.Ceil(math.Log2(a/angular))))
	}
	return min(level, maxLevel)
}

// midpoint splits segment a-b. Boundary segments of curved faces are moved
// onto the recorded surface; interior segments onto own when it is set.
// Results are cached so both faces of a boundary agree.
func (t *topology) midpoint(a, b vec, own surface) vec {
	key := keyOf(a, b)
	if m, ok := t.mids[key]; ok {
		return m
	}
	m := a.Lerp(b, 0.5)
	surf, ok := t.segSurf[key]
	if !ok {
		surf, ok = t.work[key]
	}
	if ok {
		m = surf.project(m)
		t.work[keyOf(a, m)] = surf
		t.work[keyOf(m, b)] = surf
	} else if own != nil {
		m = own.project(m)
	}
	t.mids[key] = m
	return m
}

func (t *topology) triangulate(f *face) *kernel.Triangulation {
	surf := f.info.surf
	type tri struct {
		p [3]vec
		n vec // plane normal of the source polygon
	}
	var tris []tri
	for _, l := range f.loops {
		pts := make([]vec, len(l.ids))
		for i, id := range l.ids {
			pts[i] = t.verts[id]
		}
		n := l.poly.plane.n
		apex := fanApex(pts, n)
		m := len(pts)
		for i := 1; i+1 < m; i++ {
			tris = append(tris, tri{p: [3]vec{pts[apex], pts[(apex+i)%m], pts[(apex+i+1)%m]}, n: n})
		}
	}
	for lvl := 0; lvl < f.level; lvl++ {
		next := make([]tri, 0, len(tris)*4)
		for _, tr := range tris {
			a, b, c := tr.p[0], tr.p[1], tr.p[2]
			ab := t.midpoint(a, b, surf)
			bc := t.midpoint(b, c, surf)
			ca := t.midpoint(c, a, surf)
			next = append(next,
				tri{p: [3]vec{a, ab, ca}, n: tr.n},
				tri{p: [3]vec{ab, b, bc}, n: tr.n},
				tri{p: [3]vec{ca, bc, c}, n: tr.n},
				tri{p: [3]vec{ab, bc, ca}, n: tr.n},
			)
		}
		tris = next
	}

	var ub, vb vec
	if surf == nil {
		ub, vb = basis(f.normal)
	}
	out := &kernel.Triangulation{}
	index := make(map[[8]int64]int)
	emit := func(p, n vec, uv kernel.Vec2) int {
		q := quantize(p)
		key := [8]int64{
			q[0], q[1], q[2],
			int64(math.Round(n.X * 1e6)), int64(math.Round(n.Y * 1e6)), int64(math.Round(n.Z * 1e6)),
			int64(math.Round(uv.X / quantum)), int64(math.Round(uv.Y / quantum)),
		}
		if i, ok := index[key]; ok {
			return i
		}
		i := len(out.Positions)
		out.Positions = append(out.Positions, p)
		out.Normals = append(out.Normals, n)
		out.UVs = append(out.UVs, uv)
		index[key] = i
		return i
	}
	for _, tr := range tris {
		if tr.p[1].Sub(tr.p[0]).Cross(tr.p[2].Sub(tr.p[0])).Len() < 1e-14 {
			continue
		}
		var uvs [3]kernel.Vec2
		var ns [3]vec
		for j, p := range tr.p {
			if surf != nil {
				ns[j] = surf.normal(p)
				if ns[j].Dot(tr.n) < 0 {
					ns[j] = ns[j].Neg()
				}
				uvs[j] = surf.uv(p)
			} else {
				ns[j] = tr.n
				uvs[j] = kernel.Vec2{X: p.Dot(ub), Y: p.Dot(vb)}
			}
		}
		if surf != nil {
			unwrap(&uvs, surf.period())
		}
		var idx [3]int
		for j := range tr.p {
			idx[j] = emit(tr.p[j], ns[j], uvs[j])
		}
		out.Triangles = append(out.Triangles, idx)
	}
	return out
}

// fanApex returns the vertex with the sharpest convex corner, so fans from it
// avoid slivers along collinear T-junction vertices.
func fanApex(pts []vec, n vec) int {
	best, bestC := 0, math.Inf(-1)
	m := len(pts)
	for i := range pts {
		a, b, c := pts[(i+m-1)%m], pts[i], pts[(i+1)%m]
		cr := b.Sub(a).Cross(c.Sub(b)).Dot(n)
		if cr > bestC+1e-12 {
			best, bestC = i, cr
		}
	}
	return best
}

// unwrap shifts u coordinates of a triangle across a periodic seam so the
// triangle does not span the whole period.
func unwrap(uvs *[3]kernel.Vec2, period float64) {
	if period <= 0 {
		return
	}
	u0 := uvs[0].X
	for j := 1; j < 3; j++ {
		for uvs[j].X-u0 > period/2 {
			uvs[j].X -= period
		}
		for u0-uvs[j].X > period/2 {
			uvs[j].X += period
		}
	}
}

// FaceTriangulation implements kernel.Mesher.
func (k *Kernel) FaceTriangulation(f kernel.Face) (*kernel.Triangulation, bool) {
	pf, ok := asFace(f)
	if !ok || pf.tri == nil {
		return nil, false
	}
	return pf.tri, true
}

// EdgeOnFace implements kernel.Mesher. The polyline uses the same midpoints
// as the face triangulation.
func (k *Kernel) EdgeOnFace(e kernel.Edge, f kernel.Face) ([]kernel.Vec3, bool) {
	pe, ok := asEdge(e)
	if !ok {
		return nil, false
	}
	pf, ok := asFace(f)
	if !ok || pf.tri == nil || !containsFace(pe.faces, pf) {
		return nil, false
	}
	pts := append([]vec(nil), pe.points...)
	for lvl := 0; lvl < pf.level; lvl++ {
		next := make([]vec, 0, 2*len(pts))
		for i := 0; i+1 < len(pts); i++ {
			next = append(next, pts[i], pe.topo.midpoint(pts[i], pts[i+1], nil))
		}
		pts = append(next, pts[len(pts)-1])
	}
	return pts, true
}

// TessellateEdge implements kernel.Mesher. Circular wire edges are
// regenerated to the requested deviation; other edges return their points.
func (k *Kernel) TessellateEdge(e kernel.Edge, deviation float64) []kernel.Vec3 {
	pe, ok := asEdge(e)
	if !ok {
		return nil
	}
	if c := pe.circle; c != nil && deviation > 0 && deviation < c.r {
		n := int(math.Ceil(math.Pi / math.Acos(1-deviation/c.r)))
		n = max(8, min(n, 512))
		pts := circlePoints(*c, n)
		return append(pts, pts[0])
	}
	return append([]vec(nil), pe.points...)
}

// Clean implements kernel.Mesher.
func (k *Kernel) Clean(s kernel.Shape) {
	sh, ok := s.(*solid)
	if !ok || sh.topo == nil {
		return
	}
	for _, f := range sh.topo.faces {
		f.tri = nil
		f.level = 0
	}
	sh.topo.resetWork()
}
