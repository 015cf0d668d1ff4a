package poly

// Constructive solid geometry on convex polygon sets using BSP trees.

const (
	coplanar = 0
	front    = 1
	back     = 2
	spanning = 3
)

// splitPolygon classifies p against the plane and appends it, or the
// pieces it is split into, to the matching lists. Pieces keep the plane and
// face of their parent.
func (pl plane) splitPolygon(p *polygon, coplanarFront, coplanarBack, fr, bk *[]*polygon) {
	types := make([]int, len(p.verts))
	polyType := 0
	for i, v := range p.verts {
		t := pl.dist(v)
		typ := coplanar
		if t < -epsilon {
			typ = back
		} else if t > epsilon {
			typ = front
		}
		polyType |= typ
		types[i] = typ
	}

	switch polyType {
	case coplanar:
		if pl.n.Dot(p.plane.n) > 0 {
			*coplanarFront = append(*coplanarFront, p)
		} else {
			*coplanarBack = append(*coplanarBack, p)
		}
	case front:
		*fr = append(*fr, p)
	case back:
		*bk = append(*bk, p)
	case spanning:
		var f, b []vec
		n := len(p.verts)
		for i := 0; i < n; i++ {
			j := (i + 1) % n
			ti, tj := types[i], types[j]
			vi, vj := p.verts[i], p.verts[j]
			if ti != back {
				f = append(f, vi)
			}
			if ti != front {
				b = append(b, vi)
			}
			if ti|tj == spanning {
				t := (pl.w - pl.n.Dot(vi)) / pl.n.Dot(vj.Sub(vi))
				v := vi.Lerp(vj, t)
				f = append(f, v)
				b = append(b, v)
			}
		}
		if len(f) >= 3 {
			*fr = append(*fr, &polygon{verts: f, plane: p.plane, face: p.face})
		}
		if len(b) >= 3 {
			*bk = append(*bk, &polygon{verts: b, plane: p.plane, face: p.face})
		}
	}
}

type bspNode struct {
	plane    plane
	hasPlane bool
	front    *bspNode
	back     *bspNode
	polygons []*polygon
}

func newBSP(polys []*polygon) *bspNode {
	n := &bspNode{}
	n.build(polys)
	return n
}

// invert converts solid space to empty space and empty space to solid space.
func (n *bspNode) invert() {
	for _, p := range n.polygons {
		p.flip()
	}
	if n.hasPlane {
		n.plane = n.plane.flip()
	}
	if n.front != nil {
		n.front.invert()
	}
	if n.back != nil {
		n.back.invert()
	}
	n.front, n.back = n.back, n.front
}

// clipPolygons removes the parts of polys that are inside this tree.
func (n *bspNode) clipPolygons(polys []*polygon) []*polygon {
	if !n.hasPlane {
		return append([]*polygon(nil), polys...)
	}
	var f, b []*polygon
	for _, p := range polys {
		n.plane.splitPolygon(p, &f, &b, &f, &b)
	}
	if n.front != nil {
		f = n.front.clipPolygons(f)
	}
	if n.back != nil {
		b = n.back.clipPolygons(b)
	} else {
		b = nil
	}
	return append(f, b...)
}

// clipTo removes all polygons in this tree that are inside other.
func (n *bspNode) clipTo(other *bspNode) {
	n.polygons = other.clipPolygons(n.polygons)
	if n.front != nil {
		n.front.clipTo(other)
	}
	if n.back != nil {
		n.back.clipTo(other)
	}
}

func (n *bspNode) allPolygons() []*polygon {
	out := append([]*polygon(nil), n.polygons...)
	if n.front != nil {
		out = append(out, n.front.allPolygons()...)
	}
	if n.back != nil {
		out = append(out, n.back.allPolygons()...)
	}
	return out
}

func (n *bspNode) build(polys []*polygon) {
	if len(polys) == 0 {
		return
	}
	if !n.hasPlane {
		n.plane = polys[0].plane
		n.hasPlane = true
	}
	var f, b []*polygon
	for _, p := range polys {
		n.plane.splitPolygon(p, &n.polygons, &n.polygons, &f, &b)
	}
	if len(f) > 0 {
		if n.front == nil {
			n.front = &bspNode{}
		}
		n.front.build(f)
	}
	if len(b) > 0 {
		if n.back == nil {
			n.back = &bspNode{}
		}
		n.back.build(b)
	}
}

func clonePolygons(polys []*polygon) []*polygon {
	out := make([]*polygon, len(polys))
	for i, p := range polys {
		out[i] = p.clone()
	}
	return out
}

func csgUnion(a, b []*polygon) []*polygon {
	if len(a) == 0 {
		return clonePolygons(b)
	}
	if len(b) == 0 {
		return clonePolygons(a)
	}
	na, nb := newBSP(clonePolygons(a)), newBSP(clonePolygons(b))
	na.clipTo(nb)
	nb.clipTo(na)
	nb.invert()
	nb.clipTo(na)
	nb.invert()
	na.build(nb.allPolygons())
	return na.allPolygons()
}

func csgSubtract(a, b []*polygon) []*polygon {
	if len(a) == 0 || len(b) == 0 {
		return clonePolygons(a)
	}
	na, nb := newBSP(clonePolygons(a)), newBSP(clonePolygons(b))
	na.invert()
	na.clipTo(nb)
	nb.clipTo(na)
	nb.invert()
	nb.clipTo(na)
	nb.invert()
	na.build(nb.allPolygons())
	na.invert()
	return na.allPolygons()
}

func csgIntersect(a, b []*polygon) []*polygon {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	na, nb := newBSP(clonePolygons(a)), newBSP(clonePolygons(b))
	na.invert()
	nb.clipTo(na)
	nb.invert()
	na.clipTo(nb)
	nb.clipTo(na)
	na.build(nb.allPolygons())
	na.invert()
	return na.allPolygons()
}
