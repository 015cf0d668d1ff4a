package poly

import (
	"math"

	"github.com/chazu/cadscript/pkg/kernel"
)

type vec = kernel.Vec3

// epsilon is the plane classification tolerance used by the BSP.
const epsilon = 1e-5

// ----------------------------------------------------------------------------
// Planes and polygons

type plane struct {
	n vec
	w float64
}

func (p plane) flip() plane { return plane{n: p.n.Neg(), w: -p.w} }

func (p plane) dist(v vec) float64 { return p.n.Dot(v) - p.w }

// faceInfo is shared by every polygon that belongs to one face. surf is nil
// for planar faces.
type faceInfo struct {
	tag  kernel.Hash
	surf surface
}

// polygon is a convex planar polygon, wound counter-clockwise when seen
// from outside the solid.
type polygon struct {
	verts []vec
	plane plane
	face  *faceInfo
}

func (p *polygon) clone() *polygon {
	return &polygon{verts: append([]vec(nil), p.verts...), plane: p.plane, face: p.face}
}

func (p *polygon) flip() {
	for i, j := 0, len(p.verts)-1; i < j; i, j = i+1, j-1 {
		p.verts[i], p.verts[j] = p.verts[j], p.verts[i]
	}
	p.plane = p.plane.flip()
}

// newell returns the area-weighted normal of a polygon loop.
func newell(pts []vec) vec {
	var n vec
	for i, cur := range pts {
		next := pts[(i+1)%len(pts)]
		n.X += (cur.Y - next.Y) * (cur.Z + next.Z)
		n.Y += (cur.Z - next.Z) * (cur.X + next.X)
		n.Z += (cur.X - next.X) * (cur.Y + next.Y)
	}
	return n
}

// dedupe drops consecutive (and wrap-around) duplicate points.
func dedupe(pts []vec) []vec {
	out := make([]vec, 0, len(pts))
	for _, p := range pts {
		if len(out) > 0 && out[len(out)-1].Dist(p) < epsilon {
			continue
		}
		out = append(out, p)
	}
	for len(out) > 1 && out[0].Dist(out[len(out)-1]) < epsilon {
		out = out[:len(out)-1]
	}
	return out
}

// makePolygon builds a polygon from a convex loop. When outward is non-zero
// the loop is reversed if needed so the normal agrees with it. Degenerate
// loops yield nil.
func makePolygon(pts []vec, face *faceInfo, outward vec) *polygon {
	pts = dedupe(pts)
	if len(pts) < 3 {
		return nil
	}
	n := newell(pts)
	if n.Len() < epsilon*epsilon {
		return nil
	}
	if outward != (vec{}) && n.Dot(outward) < 0 {
		rev := make([]vec, len(pts))
		for i, p := range pts {
			rev[len(pts)-1-i] = p
		}
		pts = rev
		n = n.Neg()
	}
	n = n.Normalize()
	var c vec
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Scale(1 / float64(len(pts)))
	return &polygon{verts: pts, plane: plane{n: n, w: n.Dot(c)}, face: face}
}

// appendPolygon appends p when it is not nil.
func appendPolygon(polys []*polygon, p *polygon) []*polygon {
	if p == nil {
		return polys
	}
	return append(polys, p)
}

// signedVolume is positive for outward-facing closed polygon sets.
func signedVolume(polys []*polygon) float64 {
	var v float64
	for _, p := range polys {
		for i := 1; i+1 < len(p.verts); i++ {
			v += p.verts[0].Dot(p.verts[i].Cross(p.verts[i+1]))
		}
	}
	return v / 6
}

// orientOutward flips every polygon of a closed set whose volume is negative.
func orientOutward(polys []*polygon) {
	if signedVolume(polys) >= 0 {
		return
	}
	for _, p := range polys {
		p.flip()
	}
}

// basis returns two unit vectors spanning the plane perpendicular to n.
func basis(n vec) (u, v vec) {
	ref := vec{X: 1}
	if math.Abs(n.X) > 0.9 {
		ref = vec{Y: 1}
	}
	u = ref.Sub(n.Scale(ref.Dot(n))).Normalize()
	v = n.Cross(u)
	return u, v
}

// ----------------------------------------------------------------------------
// Similarity transforms

type affine struct {
	m [3][3]float64
	t vec
}

func identity() affine {
	return affine{m: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

func translation(v vec) affine {
	a := identity()
	a.t = v
	return a
}

func uniformScale(f float64) affine {
	return affine{m: [3][3]float64{{f, 0, 0}, {0, f, 0}, {0, 0, f}}}
}

// mirror reflects across the plane through the origin with normal n.
func mirror(n vec) affine {
	n = n.Normalize()
	c := [3]float64{n.X, n.Y, n.Z}
	var a affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a.m[i][j] = -2 * c[i] * c[j]
			if i == j {
				a.m[i][j]++
			}
		}
	}
	return a
}

func rotX(r float64) affine {
	s, c := math.Sincos(r)
	return affine{m: [3][3]float64{{1, 0, 0}, {0, c, -s}, {0, s, c}}}
}

func rotY(r float64) affine {
	s, c := math.Sincos(r)
	return affine{m: [3][3]float64{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}}
}

func rotZ(r float64) affine {
	s, c := math.Sincos(r)
	return affine{m: [3][3]float64{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}}
}

// rotationEuler rotates about X, then Y, then Z (degrees).
func rotationEuler(deg vec) affine {
	const toRad = math.Pi / 180
	return rotZ(deg.Z * toRad).mul(rotY(deg.Y * toRad)).mul(rotX(deg.X * toRad))
}

// mul returns the transform applying b first, then a.
func (a affine) mul(b affine) affine {
	var r affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				r.m[i][j] += a.m[i][k] * b.m[k][j]
			}
		}
	}
	r.t = a.dir(b.t).Add(a.t)
	return r
}

func (a affine) dir(v vec) vec {
	return vec{
		X: a.m[0][0]*v.X + a.m[0][1]*v.Y + a.m[0][2]*v.Z,
		Y: a.m[1][0]*v.X + a.m[1][1]*v.Y + a.m[1][2]*v.Z,
		Z: a.m[2][0]*v.X + a.m[2][1]*v.Y + a.m[2][2]*v.Z,
	}
}

func (a affine) apply(v vec) vec { return a.dir(v).Add(a.t) }

func (a affine) det() float64 {
	m := a.m
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// factor is the uniform scale factor of a similarity transform.
func (a affine) factor() float64 { return math.Cbrt(math.Abs(a.det())) }

// ----------------------------------------------------------------------------
// Analytic surfaces of curved faces

type surface interface {
	// project moves p onto the surface.
	project(p vec) vec
	// normal is the unit normal at p, pointing away from the axis or centre.
	normal(p vec) vec
	// uv returns metric parametric coordinates of p.
	uv(p vec) kernel.Vec2
	// period is the u period, or 0 when u does not wrap.
	period() float64
	// curvature radius used to pick a refinement level.
	radius() float64
	// chord is the length of a-b measured across the curvature.
	chord(a, b vec) float64
	transform(a affine) surface
}

// coneSurface is a cone (or cylinder when k is 0) around axis a through o.
// The radius at height h along the axis is r0 + k*h.
type coneSurface struct {
	o, a, u vec
	r0, k   float64
	ur      float64 // radius used to scale u
	curv    float64
}

func (c coneSurface) split(p vec) (h float64, radial vec) {
	d := p.Sub(c.o)
	h = d.Dot(c.a)
	return h, d.Sub(c.a.Scale(h))
}

func (c coneSurface) project(p vec) vec {
	h, radial := c.split(p)
	l := radial.Len()
	if l < 1e-12 {
		return p
	}
	r := math.Max(c.r0+c.k*h, 0)
	return c.o.Add(c.a.Scale(h)).Add(radial.Scale(r / l))
}

func (c coneSurface) normal(p vec) vec {
	_, radial := c.split(p)
	return radial.Normalize().Sub(c.a.Scale(c.k)).Normalize()
}

func (c coneSurface) uv(p vec) kernel.Vec2 {
	h, radial := c.split(p)
	w := c.a.Cross(c.u)
	theta := math.Atan2(radial.Dot(w), radial.Dot(c.u))
	return kernel.Vec2{X: theta * c.ur, Y: h * math.Sqrt(1+c.k*c.k)}
}

func (c coneSurface) chord(p, q vec) float64 {
	d := q.Sub(p)
	return d.Sub(c.a.Scale(d.Dot(c.a))).Len()
}

func (c coneSurface) period() float64 { return 2 * math.Pi * c.ur }
func (c coneSurface) radius() float64 { return c.curv }

func (c coneSurface) transform(a affine) surface {
	f := a.factor()
	return coneSurface{
		o:    a.apply(c.o),
		a:    a.dir(c.a).Normalize(),
		u:    a.dir(c.u).Normalize(),
		r0:   c.r0 * f,
		k:    c.k,
		ur:   c.ur * f,
		curv: c.curv * f,
	}
}

type sphereSurface struct {
	c, a, u vec
	r       float64
}

func (s sphereSurface) project(p vec) vec {
	d := p.Sub(s.c)
	if d.Len() < 1e-12 {
		return p
	}
	return s.c.Add(d.Normalize().Scale(s.r))
}

func (s sphereSurface) normal(p vec) vec { return p.Sub(s.c).Normalize() }

func (s sphereSurface) uv(p vec) kernel.Vec2 {
	d := p.Sub(s.c).Normalize()
	w := s.a.Cross(s.u)
	lon := math.Atan2(d.Dot(w), d.Dot(s.u))
	lat := math.Asin(math.Max(-1, math.Min(1, d.Dot(s.a))))
	return kernel.Vec2{X: lon * s.r, Y: lat * s.r}
}

func (s sphereSurface) chord(p, q vec) float64 { return p.Dist(q) }

func (s sphereSurface) period() float64 { return 2 * math.Pi * s.r }
func (s sphereSurface) radius() float64 { return s.r }

func (s sphereSurface) transform(a affine) surface {
	return sphereSurface{
		c: a.apply(s.c),
		a: a.dir(s.a).Normalize(),
		u: a.dir(s.u).Normalize(),
		r: s.r * a.factor(),
	}
}
