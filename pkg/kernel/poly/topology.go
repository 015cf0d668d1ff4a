package poly

import (
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"

	"github.com/chazu/cadscript/pkg/kernel"
)

// Tolerances used when recovering topology from polygon soup.
const (
	weldTol = 1e-5
	quantum = 1e-7
)

// loop is one polygon of a face after welding, with T-junction vertices
// inserted so neighbouring polygons share identical segments.
type loop struct {
	ids  []int
	poly *polygon
}

type face struct {
	tag       kernel.Hash
	info      *faceInfo
	loops     []loop
	edges     []*edge
	neighbors []*face
	flat      bool
	normal    vec
	topo      *topology

	// Set by Triangulate, dropped by Clean.
	level int
	tri   *kernel.Triangulation
}

func (f *face) Hash() kernel.Hash { return f.tag }

type edge struct {
	hash   kernel.Hash
	ids    []int
	points []vec
	closed bool
	faces  []*face
	circle *circle
	topo   *topology
}

func (e *edge) Hash() kernel.Hash { return e.hash }

// topology is the face/edge structure of a solid, built lazily.
type topology struct {
	verts []vec
	faces []*face
	edges []*edge

	// segSurf records which curved surface a boundary segment lies on.
	segSurf map[segKey]surface

	// Scratch state of the current triangulation: sub-segments of curved
	// boundaries and cached midpoints, so adjacent faces agree.
	work map[segKey]surface
	mids map[segKey]vec
}

func (t *topology) resetWork() {
	t.work = make(map[segKey]surface)
	t.mids = make(map[segKey]vec)
}

type qpoint [3]int64

type segKey [6]int64

func quantize(p vec) qpoint {
	return qpoint{
		int64(math.Round(p.X / quantum)),
		int64(math.Round(p.Y / quantum)),
		int64(math.Round(p.Z / quantum)),
	}
}

func keyOf(a, b vec) segKey {
	qa, qb := quantize(a), quantize(b)
	if qb[0] < qa[0] || (qb[0] == qa[0] && (qb[1] < qa[1] || (qb[1] == qa[1] && qb[2] < qa[2]))) {
		qa, qb = qb, qa
	}
	return segKey{qa[0], qa[1], qa[2], qb[0], qb[1], qb[2]}
}

// weldPoint is a welded vertex stored in the R-tree.
type weldPoint struct {
	id int
	p  vec
}

func (w *weldPoint) Bounds() rtreego.Rect {
	return rtreego.Point{w.p.X, w.p.Y, w.p.Z}.ToRect(1e-9)
}

// welder merges vertices closer than weldTol.
type welder struct {
	tree  *rtreego.Rtree
	verts []vec
}

func newWelder() *welder {
	return &welder{tree: rtreego.NewTree(3, 8, 32)}
}

func (w *welder) id(p vec) int {
	best, bestD := -1, weldTol
	for _, s := range w.tree.SearchIntersect(rtreego.Point{p.X, p.Y, p.Z}.ToRect(weldTol)) {
		wp := s.(*weldPoint)
		if d := wp.p.Dist(p); d < bestD {
			best, bestD = wp.id, d
		}
	}
	if best >= 0 {
		return best
	}
	id := len(w.verts)
	w.verts = append(w.verts, p)
	w.tree.Insert(&weldPoint{id: id, p: p})
	return id
}

// onSegment returns the welded vertices lying strictly inside segment a-b,
// ordered from a to b.
func (w *welder) onSegment(ia, ib int) []int {
	a, b := w.verts[ia], w.verts[ib]
	d := b.Sub(a)
	l2 := d.Dot(d)
	if l2 < weldTol*weldTol {
		return nil
	}
	lo := a.Min(b).Sub(vec{X: weldTol, Y: weldTol, Z: weldTol})
	hi := a.Max(b).Add(vec{X: weldTol, Y: weldTol, Z: weldTol})
	rect, err := rtreego.NewRectFromPoints(rtreego.Point{lo.X, lo.Y, lo.Z}, rtreego.Point{hi.X, hi.Y, hi.Z})
	if err != nil {
		return nil
	}
	type hit struct {
		id int
		t  float64
	}
	var hits []hit
	for _, s := range w.tree.SearchIntersect(rect) {
		wp := s.(*weldPoint)
		if wp.id == ia || wp.id == ib {
			continue
		}
		t := wp.p.Sub(a).Dot(d) / l2
		if t <= 0 || t >= 1 {
			continue
		}
		if a.Add(d.Scale(t)).Dist(wp.p) < weldTol {
			hits = append(hits, hit{wp.id, t})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].t < hits[j].t })
	ids := make([]int, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

// topology returns the solid's face/edge structure, building it on first use.
func (s *solid) topology() *topology {
	if s.topo == nil {
		s.topo = buildTopology(s)
	}
	return s.topo
}

func buildTopology(s *solid) *topology {
	t := &topology{segSurf: make(map[segKey]surface)}
	t.resetWork()

	// Weld vertices.
	w := newWelder()
	raw := make([][]int, 0, len(s.polys))
	srcs := make([]*polygon, 0, len(s.polys))
	for _, p := range s.polys {
		ids := make([]int, 0, len(p.verts))
		for _, v := range p.verts {
			id := w.id(v)
			if len(ids) > 0 && ids[len(ids)-1] == id {
				continue
			}
			ids = append(ids, id)
		}
		for len(ids) > 1 && ids[0] == ids[len(ids)-1] {
			ids = ids[:len(ids)-1]
		}
		if distinct(ids) < 3 {
			continue
		}
		raw = append(raw, ids)
		srcs = append(srcs, p)
	}
	t.verts = w.verts

	// Split T-junctions and group polygons into faces by tag.
	byTag := make(map[kernel.Hash]*face)
	for i, ids := range raw {
		var split []int
		for j := range ids {
			a, b := ids[j], ids[(j+1)%len(ids)]
			split = append(split, a)
			split = append(split, w.onSegment(a, b)...)
		}
		p := srcs[i]
		f, ok := byTag[p.face.tag]
		if !ok {
			f = &face{tag: p.face.tag, info: p.face, topo: t, flat: p.face.surf == nil, normal: p.plane.n}
			byTag[p.face.tag] = f
			t.faces = append(t.faces, f)
		}
		if f.flat && f.normal.Dot(p.plane.n) < 1-1e-6 {
			f.flat = false
		}
		f.loops = append(f.loops, loop{ids: split, poly: p})
	}

	t.buildEdges()

	// Wire edges.
	for _, wr := range s.wires {
		if wr.circle != nil {
			pts := append(append([]vec(nil), wr.points...), wr.points[0])
			t.edges = append(t.edges, &edge{
				hash: kernel.Derive(wr.tag, 0), points: pts, closed: true,
				circle: wr.circle, topo: t,
			})
			continue
		}
		n := len(wr.points)
		segs := n - 1
		if wr.closed {
			segs = n
		}
		for i := 0; i < segs; i++ {
			t.edges = append(t.edges, &edge{
				hash:   kernel.Derive(wr.tag, uint64(i)),
				points: []vec{wr.points[i], wr.points[(i+1)%n]},
				topo:   t,
			})
		}
	}
	return t
}

func distinct(ids []int) int {
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	return len(seen)
}

type dseg [2]int

func undirected(a, b int) dseg {
	if a > b {
		a, b = b, a
	}
	return dseg{a, b}
}

// buildEdges recovers edges as maximal chains of boundary segments shared
// by the same set of faces.
func (t *topology) buildEdges() {
	// Directed boundary segments per face; internal pairs cancel.
	boundary := make([]map[dseg]int, len(t.faces))
	order := make([][]dseg, len(t.faces))
	for fi, f := range t.faces {
		count := make(map[dseg]int)
		var seq []dseg
		for _, l := range f.loops {
			for j := range l.ids {
				a, b := l.ids[j], l.ids[(j+1)%len(l.ids)]
				if count[dseg{b, a}] > 0 {
					count[dseg{b, a}]--
					continue
				}
				if count[dseg{a, b}] == 0 {
					seq = append(seq, dseg{a, b})
				}
				count[dseg{a, b}]++
			}
		}
		boundary[fi] = count
		for _, s := range seq {
			if count[s] > 0 {
				order[fi] = append(order[fi], s)
			}
		}
	}

	// Map undirected segments to the faces they bound.
	segFaces := make(map[dseg][]int)
	var segs []dseg
	degree := make(map[int]int)
	for fi := range t.faces {
		for _, s := range order[fi] {
			u := undirected(s[0], s[1])
			if _, ok := segFaces[u]; !ok {
				segs = append(segs, u)
				degree[u[0]]++
				degree[u[1]]++
			}
			if fs := segFaces[u]; len(fs) == 0 || fs[len(fs)-1] != fi {
				segFaces[u] = append(fs, fi)
			}
		}
	}

	// Record the curved surface each boundary segment lies on.
	for _, u := range segs {
		var surf surface
		var tag kernel.Hash
		for _, fi := range segFaces[u] {
			f := t.faces[fi]
			if f.info.surf == nil {
				continue
			}
			if surf == nil || f.tag < tag {
				surf, tag = f.info.surf, f.tag
			}
		}
		if surf != nil {
			t.segSurf[keyOf(t.verts[u[0]], t.verts[u[1]])] = surf
		}
	}

	// Group segments by face set, keeping first-seen order.
	type group struct {
		faces []int
		segs  []dseg
	}
	groups := make(map[string]*group)
	var groupOrder []*group
	for _, u := range segs {
		fs := append([]int(nil), segFaces[u]...)
		sort.Ints(fs)
		key := faceSetKey(fs)
		g, ok := groups[key]
		if !ok {
			g = &group{faces: segFaces[u]}
			groups[key] = g
			groupOrder = append(groupOrder, g)
		}
		g.segs = append(g.segs, u)
	}

	for _, g := range groupOrder {
		for _, chain := range chainSegments(g.segs, degree) {
			t.addEdge(chain, g.faces, boundary)
		}
	}

	// Neighbours.
	for _, e := range t.edges {
		for _, f := range e.faces {
			f.edges = append(f.edges, e)
			for _, o := range e.faces {
				if o != f && !containsFace(f.neighbors, o) {
					f.neighbors = append(f.neighbors, o)
				}
			}
		}
	}
}

func faceSetKey(fs []int) string {
	b := make([]byte, 0, len(fs)*4)
	for _, f := range fs {
		b = append(b, byte(f>>24), byte(f>>16), byte(f>>8), byte(f))
	}
	return string(b)
}

func containsFace(fs []*face, f *face) bool {
	for _, o := range fs {
		if o == f {
			return true
		}
	}
	return false
}

// chainSegments joins segments into polylines, breaking at vertices where
// the chain branches or where other boundary segments meet. Closed chains
// repeat their first vertex.
func chainSegments(segs []dseg, globalDegree map[int]int) [][]int {
	adj := make(map[int][]int)
	for i, s := range segs {
		adj[s[0]] = append(adj[s[0]], i)
		adj[s[1]] = append(adj[s[1]], i)
	}
	isBreak := func(v int) bool { return len(adj[v]) != 2 || globalDegree[v] > 2 }
	used := make([]bool, len(segs))

	walk := func(start, si int) []int {
		chain := []int{start}
		cur := start
		for {
			used[si] = true
			s := segs[si]
			next := s[0]
			if next == cur {
				next = s[1]
			}
			chain = append(chain, next)
			cur = next
			if next == start || isBreak(next) {
				return chain
			}
			si = -1
			for _, c := range adj[cur] {
				if !used[c] {
					si = c
					break
				}
			}
			if si < 0 {
				return chain
			}
		}
	}

	var chains [][]int
	for i, s := range segs {
		if used[i] {
			continue
		}
		for _, v := range []int{s[0], s[1]} {
			if isBreak(v) && !used[i] {
				chains = append(chains, walk(v, i))
			}
		}
	}
	for i, s := range segs {
		if !used[i] {
			chains = append(chains, walk(s[0], i))
		}
	}
	return chains
}

func (t *topology) addEdge(ids []int, faceIdx []int, boundary []map[dseg]int) {
	if len(ids) < 2 {
		return
	}
	// Orient along the first face's boundary direction.
	if boundary[faceIdx[0]][dseg{ids[0], ids[1]}] == 0 {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}
	e := &edge{ids: ids, closed: ids[0] == ids[len(ids)-1], topo: t}
	e.points = make([]vec, len(ids))
	for i, id := range ids {
		e.points[i] = t.verts[id]
	}
	for _, fi := range faceIdx {
		e.faces = append(e.faces, t.faces[fi])
	}
	e.hash = edgeHash(e)
	t.edges = append(t.edges, e)
}

// edgeHash identifies an edge by the faces it separates and its geometry,
// independent of traversal direction.
func edgeHash(e *edge) kernel.Hash {
	tags := make([]uint64, len(e.faces))
	for i, f := range e.faces {
		tags[i] = uint64(f.tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	pts := make([]vec, len(e.points))
	for i, p := range e.points {
		pts[i] = vec{X: round6(p.X), Y: round6(p.Y), Z: round6(p.Z)}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Less(pts[j]) })

	hs := kernel.NewHasher().String("edge")
	for _, tag := range tags {
		hs.Hash(kernel.Hash(tag))
	}
	for _, p := range pts {
		hs.Vec3(p)
	}
	return hs.Sum()
}

func round6(x float64) float64 { return math.Round(x*1e6) / 1e6 }
