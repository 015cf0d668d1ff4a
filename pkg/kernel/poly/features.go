package poly

import (
	"fmt"
	"math"
	"sort"

	"github.com/chazu/cadscript/pkg/kernel"
)

// ----------------------------------------------------------------------------
// Profile helpers

func closedWires(op string, s kernel.Shape) ([]*wire, error) {
	sh, err := asSolid(op, s)
	if err != nil {
		return nil, err
	}
	if len(sh.wires) == 0 {
		return nil, fmt.Errorf("%s: expected a profile (polygon or circle), got a %s", op, sh.kind)
	}
	for i, w := range sh.wires {
		if !w.closed || len(w.points) < 3 {
			return nil, fmt.Errorf("%s: profile %d is not closed", op, i)
		}
	}
	return sh.wires, nil
}

// earClip triangulates a simple counter-clockwise polygon.
func earClip(pts []kernel.Vec2) [][3]int {
	idx := make([]int, len(pts))
	for i := range idx {
		idx[i] = i
	}
	var tris [][3]int
	for guard := 0; len(idx) > 3 && guard < len(pts)*len(pts); guard++ {
		found := false
		for i := range idx {
			a := idx[(i+len(idx)-1)%len(idx)]
			b := idx[i]
			c := idx[(i+1)%len(idx)]
			pa, pb, pc := pts[a], pts[b], pts[c]
			if pb.Sub(pa).Cross(pc.Sub(pb)) <= 1e-12 {
				continue
			}
			inside := false
			for _, j := range idx {
				if j == a || j == b || j == c {
					continue
				}
				if inTriangle(pts[j], pa, pb, pc) {
					inside = true
					break
				}
			}
			if inside {
				continue
			}
			tris = append(tris, [3]int{a, b, c})
			idx = append(idx[:i], idx[i+1:]...)
			found = true
			break
		}
		if !found {
			break
		}
	}
	for i := 1; i+1 < len(idx); i++ {
		tris = append(tris, [3]int{idx[0], idx[i], idx[i+1]})
	}
	return tris
}

func inTriangle(p, a, b, c kernel.Vec2) bool {
	d1 := b.Sub(a).Cross(p.Sub(a))
	d2 := c.Sub(b).Cross(p.Sub(b))
	d3 := a.Sub(c).Cross(p.Sub(c))
	return d1 >= 0 && d2 >= 0 && d3 >= 0
}

func isConvex(pts []kernel.Vec2) bool {
	n := len(pts)
	for i := range pts {
		a, b, c := pts[(i+n-1)%n], pts[i], pts[(i+1)%n]
		if b.Sub(a).Cross(c.Sub(b)) < -1e-12 {
			return false
		}
	}
	return true
}

// capPolygons fills a planar loop, splitting it into triangles when it is
// concave. pts must be counter-clockwise about n.
func capPolygons(pts []vec, n vec, face *faceInfo, outward vec) []*polygon {
	u, v := basis(n)
	flat := make([]kernel.Vec2, len(pts))
	for i, p := range pts {
		flat[i] = kernel.Vec2{X: p.Dot(u), Y: p.Dot(v)}
	}
	if isConvex(flat) {
		return appendPolygon(nil, makePolygon(pts, face, outward))
	}
	var polys []*polygon
	for _, t := range earClip(flat) {
		polys = appendPolygon(polys, makePolygon([]vec{pts[t[0]], pts[t[1]], pts[t[2]]}, face, outward))
	}
	return polys
}

// combineProfiles merges per-profile solids; profiles nested an odd number
// of times inside larger ones are holes.
func combineProfiles(wires []*wire, solids [][]*polygon) []*polygon {
	order := make([]int, len(wires))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return wires[order[a]].area() > wires[order[b]].area() })

	var acc []*polygon
	for pos, i := range order {
		depth := 0
		for _, j := range order[:pos] {
			if wires[j].contains(wires[i].points[0]) {
				depth++
			}
		}
		if depth%2 == 1 {
			acc = csgSubtract(acc, solids[i])
		} else {
			acc = csgUnion(acc, solids[i])
		}
	}
	return acc
}

// ----------------------------------------------------------------------------
// Extrude

// Extrude sweeps a closed profile along its plane normal by h.
func (k *Kernel) Extrude(profile kernel.Shape, height float64) (kernel.Shape, error) {
	if err := positive("extrude", "height", height); err != nil {
		return nil, err
	}
	wires, err := closedWires("extrude", profile)
	if err != nil {
		return nil, err
	}
	h := kernel.MustOpHash("extrude", profile, height)
	solids := make([][]*polygon, len(wires))
	for i, w := range wires {
		solids[i] = extrudeWire(w, height, func(j uint64, s surface) *faceInfo {
			return &faceInfo{tag: kernel.Derive(h, uint64(i), j), surf: s}
		})
	}
	return newSolid(h, combineProfiles(wires, solids)), nil
}

func extrudeWire(w *wire, height float64, faceFor func(j uint64, s surface) *faceInfo) []*polygon {
	n := w.n
	d := n.Scale(height)
	pts := w.ccw()
	top := make([]vec, len(pts))
	for i, p := range pts {
		top[i] = p.Add(d)
	}

	var polys []*polygon
	polys = append(polys, capPolygons(pts, n, faceFor(0, nil), n.Neg())...)
	polys = append(polys, capPolygons(top, n, faceFor(1, nil), n)...)

	var smooth *faceInfo
	if c := w.circle; c != nil {
		smooth = faceFor(2, coneSurface{o: c.c, a: n, u: c.u, r0: c.r, ur: c.r, curv: c.r})
	}
	for i := range pts {
		j := (i + 1) % len(pts)
		fi := smooth
		if fi == nil {
			fi = faceFor(uint64(3+i), nil)
		}
		out := pts[j].Sub(pts[i]).Cross(n)
		polys = appendPolygon(polys, makePolygon([]vec{pts[i], pts[j], top[j], top[i]}, fi, out))
	}
	orientOutward(polys)
	return polys
}

// ----------------------------------------------------------------------------
// Revolve

// Revolve sweeps a profile about the Z axis. Profile X is the radius and
// profile Y the height.
func (k *Kernel) Revolve(profile kernel.Shape, degrees float64) (kernel.Shape, error) {
	if !(degrees > 0) || degrees > 360 {
		return nil, fmt.Errorf("revolve: angle must be in (0, 360], got %g", degrees)
	}
	wires, err := closedWires("revolve", profile)
	if err != nil {
		return nil, err
	}
	h := kernel.MustOpHash("revolve", profile, degrees)
	solids := make([][]*polygon, len(wires))
	for i, w := range wires {
		polys, err := k.revolveWire(w, degrees, func(j uint64, s surface) *faceInfo {
			return &faceInfo{tag: kernel.Derive(h, uint64(i), j), surf: s}
		})
		if err != nil {
			return nil, err
		}
		solids[i] = polys
	}
	return newSolid(h, combineProfiles(wires, solids)), nil
}

func (k *Kernel) revolveWire(w *wire, degrees float64, faceFor func(j uint64, s surface) *faceInfo) ([]*polygon, error) {
	prof := make([]kernel.Vec2, len(w.points))
	area := 0.0
	for i, p := range w.points {
		if p.X < -epsilon {
			return nil, fmt.Errorf("revolve: profile crosses the axis at x = %g", p.X)
		}
		prof[i] = kernel.Vec2{X: math.Max(p.X, 0), Y: p.Y}
	}
	for i := range prof {
		area += prof[i].Cross(prof[(i+1)%len(prof)])
	}
	if area < 0 {
		for i, j := 0, len(prof)-1; i < j; i, j = i+1, j-1 {
			prof[i], prof[j] = prof[j], prof[i]
		}
	}

	full := degrees >= 360-1e-9
	total := degrees * math.Pi / 180
	steps := int(math.Ceil(float64(k.segments) * degrees / 360))
	if full && steps < 3 {
		steps = 3
	}
	if steps < 1 {
		steps = 1
	}
	at := func(p kernel.Vec2, ang float64) vec {
		s, c := math.Sincos(ang)
		return vec{X: p.X * c, Y: p.X * s, Z: p.Y}
	}

	var polys []*polygon
	m := len(prof)
	for j := 0; j < m; j++ {
		p, q := prof[j], prof[(j+1)%m]
		if p.X <= epsilon && q.X <= epsilon {
			continue
		}
		var surf surface
		if math.Abs(q.Y-p.Y) > epsilon {
			slope := (q.X - p.X) / (q.Y - p.Y)
			curv := math.Min(p.X, q.X)
			if curv <= epsilon {
				curv = math.Max(p.X, q.X) / 2
			}
			surf = coneSurface{
				a: vec{Z: 1}, u: vec{X: 1},
				r0: p.X - slope*p.Y, k: slope,
				ur: math.Max(p.X, q.X), curv: curv,
			}
		}
		fi := faceFor(uint64(j), surf)
		n2 := kernel.Vec2{X: q.Y - p.Y, Y: -(q.X - p.X)}
		for i := 0; i < steps; i++ {
			a0 := total * float64(i) / float64(steps)
			a1 := total * float64(i+1) / float64(steps)
			s, c := math.Sincos((a0 + a1) / 2)
			out := vec{X: n2.X * c, Y: n2.X * s, Z: n2.Y}
			polys = appendPolygon(polys, makePolygon([]vec{at(p, a0), at(q, a0), at(q, a1), at(p, a1)}, fi, out))
		}
	}
	if !full {
		start := make([]vec, m)
		end := make([]vec, m)
		for i, p := range prof {
			start[i] = at(p, 0)
			end[i] = at(p, total)
		}
		s, c := math.Sincos(total)
		polys = append(polys, capFromProfile(prof, start, faceFor(uint64(m), nil), vec{Y: -1})...)
		polys = append(polys, capFromProfile(prof, end, faceFor(uint64(m+1), nil), vec{X: -s, Y: c})...)
	}
	orientOutward(polys)
	return polys, nil
}

// capFromProfile fills a loop whose 2D shape is prof and 3D placement pts.
func capFromProfile(prof []kernel.Vec2, pts []vec, face *faceInfo, outward vec) []*polygon {
	if isConvex(prof) {
		return appendPolygon(nil, makePolygon(pts, face, outward))
	}
	var polys []*polygon
	for _, t := range earClip(prof) {
		polys = appendPolygon(polys, makePolygon([]vec{pts[t[0]], pts[t[1]], pts[t[2]]}, face, outward))
	}
	return polys
}

// ----------------------------------------------------------------------------
// Loft

// Loft skins a solid through two or more closed profiles in order.
func (k *Kernel) Loft(profiles ...kernel.Shape) (kernel.Shape, error) {
	if len(profiles) < 2 {
		return nil, fmt.Errorf("loft: need at least 2 profiles, got %d", len(profiles))
	}
	loops := make([][]vec, len(profiles))
	count := 0
	for i, p := range profiles {
		wires, err := closedWires("loft", p)
		if err != nil {
			return nil, err
		}
		if len(wires) != 1 {
			return nil, fmt.Errorf("loft: profile %d has %d loops, want 1", i, len(wires))
		}
		loops[i] = wires[0].points
		if len(loops[i]) > count {
			count = len(loops[i])
		}
	}
	dir := centroid(loops[len(loops)-1]).Sub(centroid(loops[0]))
	if dir.Len() < epsilon {
		return nil, fmt.Errorf("loft: profiles must not share a centroid")
	}
	for i, l := range loops {
		l = resample(l, count)
		if newell(l).Dot(dir) < 0 {
			for a, b := 0, len(l)-1; a < b; a, b = a+1, b-1 {
				l[a], l[b] = l[b], l[a]
			}
		}
		if i > 0 {
			l = align(loops[i-1], l)
		}
		loops[i] = l
	}

	h := kernel.MustOpHash("loft", shapeArgs(profiles)...)
	dirN := dir.Normalize()
	var polys []*polygon
	first, last := loops[0], loops[len(loops)-1]
	polys = append(polys, capPolygons(first, dirN, &faceInfo{tag: kernel.Derive(h, 0)}, dirN.Neg())...)
	polys = append(polys, capPolygons(last, dirN, &faceInfo{tag: kernel.Derive(h, 1)}, dirN)...)
	for li := 0; li+1 < len(loops); li++ {
		a, b := loops[li], loops[li+1]
		for i := 0; i < count; i++ {
			j := (i + 1) % count
			fi := &faceInfo{tag: kernel.Derive(h, 2, uint64(li), uint64(i))}
			out := a[j].Sub(a[i]).Cross(b[i].Sub(a[i]))
			polys = appendPolygon(polys, makePolygon([]vec{a[i], a[j], b[j]}, fi, out))
			polys = appendPolygon(polys, makePolygon([]vec{a[i], b[j], b[i]}, fi, out))
		}
	}
	orientOutward(polys)
	return newSolid(h, polys), nil
}

func centroid(pts []vec) vec {
	var c vec
	for _, p := range pts {
		c = c.Add(p)
	}
	return c.Scale(1 / float64(len(pts)))
}

// resample redistributes a closed loop to n points evenly spaced by arc
// length. Loops that already have n points are returned as a copy.
func resample(pts []vec, n int) []vec {
	if len(pts) == n {
		return append([]vec(nil), pts...)
	}
	m := len(pts)
	cum := make([]float64, m+1)
	for i := 0; i < m; i++ {
		cum[i+1] = cum[i] + pts[i].Dist(pts[(i+1)%m])
	}
	total := cum[m]
	out := make([]vec, n)
	seg := 0
	for i := 0; i < n; i++ {
		target := total * float64(i) / float64(n)
		for seg < m-1 && cum[seg+1] < target {
			seg++
		}
		l := cum[seg+1] - cum[seg]
		t := 0.0
		if l > 0 {
			t = (target - cum[seg]) / l
		}
		out[i] = pts[seg].Lerp(pts[(seg+1)%m], t)
	}
	return out
}

// align rotates loop b so its start best matches loop a.
func align(a, b []vec) []vec {
	n := len(b)
	best, bestCost := 0, math.Inf(1)
	for s := 0; s < n; s++ {
		cost := 0.0
		for i := 0; i < n; i++ {
			d := a[i].Sub(b[(i+s)%n])
			cost += d.Dot(d)
		}
		if cost < bestCost-1e-12 {
			best, bestCost = s, cost
		}
	}
	out := make([]vec, n)
	for i := range out {
		out[i] = b[(i+best)%n]
	}
	return out
}

// ----------------------------------------------------------------------------
// Chamfer and fillet

// edgeCut is a straight convex edge between two planar faces. u1 and u2
// point from the edge into faces one and two.
type edgeCut struct {
	a, b, t        vec
	n1, n2, u1, u2 vec
}

// convexEdges lists the straight convex edges between planar faces.
func convexEdges(sh *solid) []edgeCut {
	var cuts []edgeCut
	for _, e := range sh.topology().edges {
		if len(e.faces) != 2 || e.closed || len(e.points) < 2 {
			continue
		}
		f1, f2 := e.faces[0], e.faces[1]
		if !f1.flat || !f2.flat {
			continue
		}
		a, b := e.points[0], e.points[len(e.points)-1]
		t := b.Sub(a)
		if t.Len() < epsilon {
			continue
		}
		t = t.Normalize()
		straight := true
		for _, p := range e.points[1 : len(e.points)-1] {
			if p.Sub(a).Cross(t).Len() > 1e-6 {
				straight = false
				break
			}
		}
		n1, n2 := f1.normal, f2.normal
		if !straight || math.Abs(n1.Dot(n2)) > 1-1e-9 || n1.Cross(n2).Dot(t) <= 1e-9 {
			continue
		}
		cuts = append(cuts, edgeCut{
			a: a, b: b, t: t,
			n1: n1, n2: n2,
			u1: n1.Cross(t), u2: t.Cross(n2),
		})
	}
	return cuts
}

// prism builds a closed prism around the edge whose intersection with the
// solid is the material beyond the plane m·x = w. The face lying on that
// plane gets face; the others are scratch faces outside the solid.
func (c edgeCut) prism(m vec, w float64, face *faceInfo) []*polygon {
	base := w - m.Dot(c.a)
	s1 := base / m.Dot(c.u1)
	s2 := base / m.Dot(c.u2)
	l := 2 * math.Max(s1, s2)
	p1 := c.a.Add(c.u1.Scale(s1))
	p2 := c.a.Add(c.u2.Scale(s2))
	section := []vec{
		p1,
		p1.Add(c.n1.Scale(l)),
		c.a.Add(c.n1.Add(c.n2).Scale(l)),
		p2.Add(c.n2.Scale(l)),
		p2,
	}

	// Convex hull of the section in the plane perpendicular to t.
	bu, bv := basis(c.t)
	flat := make([]kernel.Vec2, len(section))
	for i, p := range section {
		d := p.Sub(c.a)
		flat[i] = kernel.Vec2{X: d.Dot(bu), Y: d.Dot(bv)}
	}
	hull := convexHull(flat)
	lo := c.a.Sub(c.t.Scale(l))
	hi := c.b.Add(c.t.Scale(l))
	bottom := make([]vec, len(hull))
	top := make([]vec, len(hull))
	for i, p := range hull {
		off := bu.Scale(p.X).Add(bv.Scale(p.Y))
		bottom[i] = lo.Add(off)
		top[i] = hi.Add(off)
	}

	scratch := func(i uint64) *faceInfo { return &faceInfo{tag: kernel.Derive(face.tag, i)} }
	var polys []*polygon
	polys = appendPolygon(polys, makePolygon(bottom, scratch(0), c.t.Neg()))
	polys = appendPolygon(polys, makePolygon(top, scratch(1), c.t))
	for i := range hull {
		j := (i + 1) % len(hull)
		fi := scratch(uint64(2 + i))
		mid := bottom[i].Lerp(bottom[j], 0.5)
		if math.Abs(m.Dot(mid)-w) < 1e-7*(1+math.Abs(w)) {
			fi = face
		}
		out := bottom[j].Sub(bottom[i]).Cross(c.t)
		polys = appendPolygon(polys, makePolygon([]vec{bottom[i], bottom[j], top[j], top[i]}, fi, out))
	}
	return polys
}

// convexHull returns the counter-clockwise hull of pts (monotone chain).
func convexHull(pts []kernel.Vec2) []kernel.Vec2 {
	p := append([]kernel.Vec2(nil), pts...)
	sort.Slice(p, func(i, j int) bool {
		if p[i].X != p[j].X {
			return p[i].X < p[j].X
		}
		return p[i].Y < p[j].Y
	})
	cross := func(o, a, b kernel.Vec2) float64 { return a.Sub(o).Cross(b.Sub(o)) }
	var hull []kernel.Vec2
	for _, q := range p {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], q) <= 1e-12 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, q)
	}
	lower := len(hull) + 1
	for i := len(p) - 2; i >= 0; i-- {
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p[i]) <= 1e-12 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p[i])
	}
	return hull[:len(hull)-1]
}

// Chamfer bevels every straight convex edge between planar faces by d.
func (k *Kernel) Chamfer(s kernel.Shape, d float64) (kernel.Shape, error) {
	if err := positive("chamfer", "distance", d); err != nil {
		return nil, err
	}
	sh, err := asSolid("chamfer", s)
	if err != nil {
		return nil, err
	}
	cuts := convexEdges(sh)
	if len(cuts) == 0 {
		return nil, fmt.Errorf("chamfer: shape has no straight convex edges between planar faces")
	}
	h := kernel.MustOpHash("chamfer", s, d)
	acc := sh.polys
	for i, c := range cuts {
		m := c.n1.Add(c.n2).Normalize()
		w := m.Dot(c.a.Add(c.u1.Scale(d)))
		acc = csgSubtract(acc, c.prism(m, w, &faceInfo{tag: kernel.Derive(h, uint64(i))}))
	}
	return newSolid(h, acc), nil
}

// Fillet rounds every straight convex edge between planar faces with
// radius r, approximated by tangent planes.
func (k *Kernel) Fillet(s kernel.Shape, r float64) (kernel.Shape, error) {
	if err := positive("fillet", "radius", r); err != nil {
		return nil, err
	}
	sh, err := asSolid("fillet", s)
	if err != nil {
		return nil, err
	}
	cuts := convexEdges(sh)
	if len(cuts) == 0 {
		return nil, fmt.Errorf("fillet: shape has no straight convex edges between planar faces")
	}
	h := kernel.MustOpHash("fillet", s, r)
	steps := k.segments / 8
	if steps < 2 {
		steps = 2
	}
	acc := sh.polys
	for i, c := range cuts {
		cosT := c.n1.Dot(c.n2)
		theta := math.Acos(cosT)
		center := c.a.Sub(c.n1.Add(c.n2).Scale(r / (1 + cosT)))
		fi := &faceInfo{
			tag:  kernel.Derive(h, uint64(i)),
			surf: coneSurface{o: center, a: c.t, u: c.n1, r0: r, ur: r, curv: r},
		}
		for j := 1; j < steps; j++ {
			tau := float64(j) / float64(steps)
			m := c.n1.Scale(math.Sin((1 - tau) * theta)).Add(c.n2.Scale(math.Sin(tau * theta))).Normalize()
			acc = csgSubtract(acc, c.prism(m, m.Dot(center)+r, fi))
		}
	}
	return newSolid(h, acc), nil
}
