package poly

import (
	"fmt"
	"math"

	"github.com/chazu/cadscript/pkg/kernel"
)

// ----------------------------------------------------------------------------
// Wires

// circle is the analytic definition of a circular wire.
type circle struct {
	c, n, u vec
	r       float64
}

// wire is a planar profile. Points are kept open; closed wires have an
// implicit closing segment. n is the normal of the profile plane.
type wire struct {
	tag    kernel.Hash
	points []vec
	closed bool
	n      vec
	circle *circle
}

func (w *wire) transform(a affine) *wire {
	out := &wire{tag: w.tag, closed: w.closed, n: a.dir(w.n).Normalize()}
	out.points = make([]vec, len(w.points))
	for i, p := range w.points {
		out.points[i] = a.apply(p)
	}
	if w.circle != nil {
		out.circle = &circle{
			c: a.apply(w.circle.c),
			n: a.dir(w.circle.n).Normalize(),
			u: a.dir(w.circle.u).Normalize(),
			r: w.circle.r * a.factor(),
		}
	}
	return out
}

// ccw returns the wire points ordered counter-clockwise about w.n.
func (w *wire) ccw() []vec {
	pts := append([]vec(nil), w.points...)
	if newell(pts).Dot(w.n) < 0 {
		for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
			pts[i], pts[j] = pts[j], pts[i]
		}
	}
	return pts
}

// area is the unsigned area enclosed by a closed wire.
func (w *wire) area() float64 { return newell(w.points).Len() / 2 }

// contains reports whether p, projected into the wire plane, lies inside.
func (w *wire) contains(p vec) bool {
	u, v := basis(w.n)
	px, py := p.Dot(u), p.Dot(v)
	inside := false
	n := len(w.points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := w.points[i].Dot(u), w.points[i].Dot(v)
		xj, yj := w.points[j].Dot(u), w.points[j].Dot(v)
		if (yi > py) != (yj > py) && px < (xj-xi)*(py-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func wireShape(h kernel.Hash, w *wire) *solid {
	return &solid{hash: h, kind: kernel.KindWire, wires: []*wire{w}}
}

func circlePoints(c circle, n int) []vec {
	v := c.n.Cross(c.u)
	pts := make([]vec, n)
	for i := 0; i < n; i++ {
		s, co := math.Sincos(2 * math.Pi * float64(i) / float64(n))
		pts[i] = c.c.Add(c.u.Scale(c.r * co)).Add(v.Scale(c.r * s))
	}
	return pts
}

// Polygon creates a closed profile in the XY plane.
func (k *Kernel) Polygon(points []kernel.Vec2) (kernel.Shape, error) {
	h := kernel.MustOpHash("polygon", points)
	pts := make([]vec, 0, len(points))
	for _, p := range points {
		pts = append(pts, vec{X: p.X, Y: p.Y})
	}
	pts = dedupe(pts)
	if len(pts) < 3 {
		return nil, fmt.Errorf("polygon: need at least 3 distinct points, got %d", len(pts))
	}
	if newell(pts).Len() < epsilon {
		return nil, fmt.Errorf("polygon: points are collinear")
	}
	w := &wire{tag: kernel.Derive(h, 0), points: pts, closed: true, n: vec{Z: 1}}
	w.points = w.ccw()
	return wireShape(h, w), nil
}

// Circle creates a circular profile of radius r centred on the origin of
// the XY plane.
func (k *Kernel) Circle(r float64) (kernel.Shape, error) {
	if err := positive("circle", "radius", r); err != nil {
		return nil, err
	}
	h := kernel.MustOpHash("circle", r)
	c := circle{n: vec{Z: 1}, u: vec{X: 1}, r: r}
	w := &wire{
		tag:    kernel.Derive(h, 0),
		points: circlePoints(c, k.segments),
		closed: true,
		n:      vec{Z: 1},
		circle: &c,
	}
	return wireShape(h, w), nil
}

// ----------------------------------------------------------------------------
// Solids

// Box creates a box with the given dimensions. Unless centered, the box
// has its minimum corner at the origin.
func (k *Kernel) Box(x, y, z float64, centered bool) (kernel.Shape, error) {
	for _, d := range []struct {
		name string
		v    float64
	}{{"x", x}, {"y", y}, {"z", z}} {
		if err := positive("box", d.name, d.v); err != nil {
			return nil, err
		}
	}
	h := kernel.MustOpHash("box", x, y, z, centered)
	lo := vec{}
	if centered {
		lo = vec{X: -x / 2, Y: -y / 2, Z: -z / 2}
	}
	hi := lo.Add(vec{X: x, Y: y, Z: z})
	corner := func(i int) vec {
		c := lo
		if i&1 != 0 {
			c.X = hi.X
		}
		if i&2 != 0 {
			c.Y = hi.Y
		}
		if i&4 != 0 {
			c.Z = hi.Z
		}
		return c
	}
	sides := []struct {
		idx [4]int
		n   vec
	}{
		{[4]int{0, 4, 6, 2}, vec{X: -1}},
		{[4]int{1, 3, 7, 5}, vec{X: 1}},
		{[4]int{0, 1, 5, 4}, vec{Y: -1}},
		{[4]int{2, 6, 7, 3}, vec{Y: 1}},
		{[4]int{0, 2, 3, 1}, vec{Z: -1}},
		{[4]int{4, 5, 7, 6}, vec{Z: 1}},
	}
	var polys []*polygon
	for i, sd := range sides {
		pts := make([]vec, 4)
		for j, c := range sd.idx {
			pts[j] = corner(c)
		}
		polys = appendPolygon(polys, makePolygon(pts, &faceInfo{tag: kernel.Derive(h, uint64(i))}, sd.n))
	}
	return newSolid(h, polys), nil
}

// Sphere creates a sphere of radius r centred on the origin.
func (k *Kernel) Sphere(r float64) (kernel.Shape, error) {
	if err := positive("sphere", "radius", r); err != nil {
		return nil, err
	}
	h := kernel.MustOpHash("sphere", r)
	fi := &faceInfo{
		tag:  kernel.Derive(h, 0),
		surf: sphereSurface{a: vec{Z: 1}, u: vec{X: 1}, r: r},
	}
	slices := k.segments
	stacks := slices / 2
	pt := func(i, j int) vec {
		st, ct := math.Sincos(2 * math.Pi * float64(i) / float64(slices))
		sp, cp := math.Sincos(math.Pi * float64(j) / float64(stacks))
		return vec{X: r * ct * sp, Y: r * st * sp, Z: r * cp}
	}
	var polys []*polygon
	for i := 0; i < slices; i++ {
		for j := 0; j < stacks; j++ {
			pts := []vec{pt(i, j), pt(i, j+1), pt(i+1, j+1), pt(i+1, j)}
			var c vec
			for _, p := range pts {
				c = c.Add(p)
			}
			polys = appendPolygon(polys, makePolygon(pts, fi, c))
		}
	}
	return newSolid(h, polys), nil
}

// Cylinder creates a cylinder along +Z. Unless centered, its base sits on
// the XY plane.
func (k *Kernel) Cylinder(r, height float64, centered bool) (kernel.Shape, error) {
	if err := positive("cylinder", "radius", r); err != nil {
		return nil, err
	}
	if err := positive("cylinder", "height", height); err != nil {
		return nil, err
	}
	h := kernel.MustOpHash("cylinder", r, height, centered)
	z0 := 0.0
	if centered {
		z0 = -height / 2
	}
	return newSolid(h, k.frustum(h, r, r, height, z0)), nil
}

// Cone creates a truncated cone along +Z with base radius r1 on the XY
// plane and top radius r2 at height h. Either radius may be zero.
func (k *Kernel) Cone(r1, r2, height float64) (kernel.Shape, error) {
	if r1 < 0 || r2 < 0 || math.IsNaN(r1) || math.IsNaN(r2) {
		return nil, fmt.Errorf("cone: radii must not be negative, got %g and %g", r1, r2)
	}
	if r1 == 0 && r2 == 0 {
		return nil, fmt.Errorf("cone: at least one radius must be positive")
	}
	if err := positive("cone", "height", height); err != nil {
		return nil, err
	}
	h := kernel.MustOpHash("cone", r1, r2, height)
	return newSolid(h, k.frustum(h, r1, r2, height, 0)), nil
}

func (k *Kernel) frustum(h kernel.Hash, r1, r2, height, z0 float64) []*polygon {
	n := k.segments
	slope := (r2 - r1) / height
	curv := math.Min(r1, r2)
	if curv <= 0 {
		curv = math.Max(r1, r2) / 2
	}
	side := &faceInfo{
		tag: kernel.Derive(h, 0),
		surf: coneSurface{
			o: vec{Z: z0}, a: vec{Z: 1}, u: vec{X: 1},
			r0: r1, k: slope, ur: math.Max(r1, r2), curv: curv,
		},
	}
	ring := func(r, z float64) []vec {
		return circlePoints(circle{c: vec{Z: z}, n: vec{Z: 1}, u: vec{X: 1}, r: r}, n)
	}
	bottom, top := ring(r1, z0), ring(r2, z0+height)

	var polys []*polygon
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		s, c := math.Sincos(2 * math.Pi * (float64(i) + 0.5) / float64(n))
		out := vec{X: c, Y: s, Z: -slope}
		polys = appendPolygon(polys, makePolygon([]vec{bottom[i], bottom[j], top[j], top[i]}, side, out))
	}
	if r1 > 0 {
		polys = appendPolygon(polys, makePolygon(bottom, &faceInfo{tag: kernel.Derive(h, 1)}, vec{Z: -1}))
	}
	if r2 > 0 {
		polys = appendPolygon(polys, makePolygon(top, &faceInfo{tag: kernel.Derive(h, 2)}, vec{Z: 1}))
	}
	return polys
}
