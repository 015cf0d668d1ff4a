// Package sdfx implements the kernel.Kernel interface using the
// github.com/deadsy/sdfx SDF-based CAD library.
//
// Shapes are signed distance functions. Topology and triangulation come
// from a marching cubes surface that is regrouped into faces by the poly
// kernel, so the rest of the pipeline sees the same face/edge model.
package sdfx

import (
	"errors"
	"fmt"
	"math"

	"github.com/deadsy/sdfx/render"
	"github.com/deadsy/sdfx/sdf"
	v2 "github.com/deadsy/sdfx/vec/v2"
	v3 "github.com/deadsy/sdfx/vec/v3"

	"github.com/chazu/cadscript/pkg/kernel"
	"github.com/chazu/cadscript/pkg/kernel/poly"
)

// Compile-time interface check.
var _ kernel.Kernel = (*SdfxKernel)(nil)

// DefaultMeshCells controls marching cubes tessellation resolution.
const DefaultMeshCells = 200

// faceAngle groups marching cubes triangles into faces. It is loose
// because the surface is sampled, not exact.
const faceAngle = 25 * math.Pi / 180

var (
	errNotSDF     = errors.New("imported meshes cannot be combined in the sdf kernel")
	errProfileXfm = errors.New("profiles only support translation, scaling and rotation about Z")
)

// profile is a 2D region lifted to the plane z.
type profile struct {
	s2 sdf.SDF2
	z  float64
}

// sdfxShape wraps an sdf.SDF3 (or a set of profiles) to implement
// kernel.Shape. mesh is the triangulated surface, built on first use.
type sdfxShape struct {
	hash     kernel.Hash
	kind     kernel.ShapeKind
	s        sdf.SDF3
	profiles []profile
	mesh     kernel.Shape
}

func (s *sdfxShape) Hash() kernel.Hash      { return s.hash }
func (s *sdfxShape) Kind() kernel.ShapeKind { return s.kind }

// BoundingBox returns the axis-aligned bounding box.
func (s *sdfxShape) BoundingBox() (min, max kernel.Vec3) {
	switch {
	case s.s != nil:
		bb := s.s.BoundingBox()
		return kernel.Vec3{X: bb.Min.X, Y: bb.Min.Y, Z: bb.Min.Z}, kernel.Vec3{X: bb.Max.X, Y: bb.Max.Y, Z: bb.Max.Z}
	case s.mesh != nil:
		return s.mesh.BoundingBox()
	}
	first := true
	for _, p := range s.profiles {
		bb := p.s2.BoundingBox()
		lo := kernel.Vec3{X: bb.Min.X, Y: bb.Min.Y, Z: p.z}
		hi := kernel.Vec3{X: bb.Max.X, Y: bb.Max.Y, Z: p.z}
		if first {
			min, max, first = lo, hi, false
			continue
		}
		min, max = min.Min(lo), max.Max(hi)
	}
	return min, max
}

// SdfxKernel implements kernel.Kernel using sdfx.
type SdfxKernel struct {
	cells  int
	mesher *poly.Kernel
}

// New returns a new SdfxKernel meshing with the given number of marching
// cubes cells along the longest axis. Values <= 0 select DefaultMeshCells.
func New(cells int) *SdfxKernel {
	if cells <= 0 {
		cells = DefaultMeshCells
	}
	return &SdfxKernel{cells: cells, mesher: poly.New(0)}
}

// Name implements kernel.Kernel.
func (k *SdfxKernel) Name() string { return "sdf" }

// unwrap extracts the underlying sdfxShape from a kernel.Shape.
func unwrap(op string, s kernel.Shape) (*sdfxShape, error) {
	sh, ok := s.(*sdfxShape)
	if !ok || sh == nil {
		return nil, fmt.Errorf("%s: shape %T does not belong to the sdf kernel", op, s)
	}
	return sh, nil
}

// solid3 extracts the SDF of a solid argument.
func solid3(op string, s kernel.Shape) (sdf.SDF3, error) {
	sh, err := unwrap(op, s)
	if err != nil {
		return nil, err
	}
	if sh.s == nil {
		if sh.mesh != nil {
			return nil, fmt.Errorf("%s: %w", op, errNotSDF)
		}
		return nil, fmt.Errorf("%s: expected a solid, got a %s", op, sh.kind)
	}
	return sh.s, nil
}

// wrap creates a kernel.Shape from an sdf.SDF3.
func wrap(h kernel.Hash, s sdf.SDF3) kernel.Shape {
	return &sdfxShape{hash: h, kind: kernel.KindSolid, s: s}
}

func shapeArgs(shapes []kernel.Shape) []any {
	args := make([]any, len(shapes))
	for i, s := range shapes {
		args[i] = s
	}
	return args
}

// ----------------------------------------------------------------------------
// Primitives

// Box creates a box with the given dimensions. Unless centered, the box has
// its minimum corner at the origin (0,0,0) so that placement translations
// work intuitively. sdf.Box3D centers the box at the origin, so we translate
// by half-dimensions.
func (k *SdfxKernel) Box(x, y, z float64, centered bool) (kernel.Shape, error) {
	s, err := sdf.Box3D(v3.Vec{X: x, Y: y, Z: z}, 0)
	if err != nil {
		return nil, fmt.Errorf("box: %w", err)
	}
	if !centered {
		s = sdf.Transform3D(s, sdf.Translate3d(v3.Vec{X: x / 2, Y: y / 2, Z: z / 2}))
	}
	return wrap(kernel.MustOpHash("box", x, y, z, centered), s), nil
}

// Sphere creates a sphere centred on the origin.
func (k *SdfxKernel) Sphere(r float64) (kernel.Shape, error) {
	s, err := sdf.Sphere3D(r)
	if err != nil {
		return nil, fmt.Errorf("sphere: %w", err)
	}
	return wrap(kernel.MustOpHash("sphere", r), s), nil
}

// Cylinder creates a cylinder along Z. Unless centered, its base sits on
// the XY plane.
func (k *SdfxKernel) Cylinder(r, h float64, centered bool) (kernel.Shape, error) {
	s, err := sdf.Cylinder3D(h, r, 0)
	if err != nil {
		return nil, fmt.Errorf("cylinder: %w", err)
	}
	if !centered {
		s = sdf.Transform3D(s, sdf.Translate3d(v3.Vec{Z: h / 2}))
	}
	return wrap(kernel.MustOpHash("cylinder", r, h, centered), s), nil
}

// Cone creates a truncated cone with base radius r1 on the XY plane.
func (k *SdfxKernel) Cone(r1, r2, h float64) (kernel.Shape, error) {
	s, err := sdf.Cone3D(h, r1, r2, 0)
	if err != nil {
		return nil, fmt.Errorf("cone: %w", err)
	}
	s = sdf.Transform3D(s, sdf.Translate3d(v3.Vec{Z: h / 2}))
	return wrap(kernel.MustOpHash("cone", r1, r2, h), s), nil
}

// ----------------------------------------------------------------------------
// Profiles

// Polygon creates a closed profile in the XY plane.
func (k *SdfxKernel) Polygon(points []kernel.Vec2) (kernel.Shape, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("polygon: need at least 3 points, got %d", len(points))
	}
	vs := make([]v2.Vec, len(points))
	for i, p := range points {
		vs[i] = v2.Vec{X: p.X, Y: p.Y}
	}
	s, err := sdf.Polygon2D(vs)
	if err != nil {
		return nil, fmt.Errorf("polygon: %w", err)
	}
	return profileShape(kernel.MustOpHash("polygon", points), s), nil
}

// Circle creates a circular profile centred on the origin.
func (k *SdfxKernel) Circle(r float64) (kernel.Shape, error) {
	s, err := sdf.Circle2D(r)
	if err != nil {
		return nil, fmt.Errorf("circle: %w", err)
	}
	return profileShape(kernel.MustOpHash("circle", r), s), nil
}

func profileShape(h kernel.Hash, s sdf.SDF2) kernel.Shape {
	return &sdfxShape{hash: h, kind: kernel.KindWire, profiles: []profile{{s2: s}}}
}

// region merges the profiles of a shape into one 2D region: the first
// profile minus all others. All profiles must share a plane.
func region(op string, s kernel.Shape) (profile, error) {
	sh, err := unwrap(op, s)
	if err != nil {
		return profile{}, err
	}
	if len(sh.profiles) == 0 {
		return profile{}, fmt.Errorf("%s: expected a profile, got a %s", op, sh.kind)
	}
	out := sh.profiles[0]
	if len(sh.profiles) == 1 {
		return out, nil
	}
	holes := make([]sdf.SDF2, 0, len(sh.profiles)-1)
	for _, p := range sh.profiles[1:] {
		if p.z != out.z {
			return profile{}, fmt.Errorf("%s: profiles are not coplanar", op)
		}
		holes = append(holes, p.s2)
	}
	out.s2 = sdf.Difference2D(out.s2, sdf.Union2D(holes...))
	return out, nil
}

// ----------------------------------------------------------------------------
// Booleans

// Union returns the union of the given solids.
func (k *SdfxKernel) Union(shapes ...kernel.Shape) (kernel.Shape, error) {
	ss, err := solids("union", shapes)
	if err != nil {
		return nil, err
	}
	return wrap(kernel.MustOpHash("union", shapeArgs(shapes)...), sdf.Union3D(ss...)), nil
}

// Difference subtracts every tool from base.
func (k *SdfxKernel) Difference(base kernel.Shape, tools ...kernel.Shape) (kernel.Shape, error) {
	ss, err := solids("difference", append([]kernel.Shape{base}, tools...))
	if err != nil {
		return nil, err
	}
	out := ss[0]
	if len(ss) > 1 {
		out = sdf.Difference3D(out, sdf.Union3D(ss[1:]...))
	}
	return wrap(kernel.MustOpHash("difference", shapeArgs(append([]kernel.Shape{base}, tools...))...), out), nil
}

// Intersection returns the common volume of the given solids.
func (k *SdfxKernel) Intersection(shapes ...kernel.Shape) (kernel.Shape, error) {
	ss, err := solids("intersection", shapes)
	if err != nil {
		return nil, err
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out = sdf.Intersect3D(out, s)
	}
	return wrap(kernel.MustOpHash("intersection", shapeArgs(shapes)...), out), nil
}

func solids(op string, shapes []kernel.Shape) ([]sdf.SDF3, error) {
	if len(shapes) == 0 {
		return nil, fmt.Errorf("%s: no shapes", op)
	}
	out := make([]sdf.SDF3, len(shapes))
	for i, s := range shapes {
		s3, err := solid3(op, s)
		if err != nil {
			return nil, err
		}
		out[i] = s3
	}
	return out, nil
}

// Compound groups shapes. Solids are unioned; profiles are kept side by side.
func (k *SdfxKernel) Compound(shapes ...kernel.Shape) (kernel.Shape, error) {
	out := &sdfxShape{hash: kernel.MustOpHash("compound", shapeArgs(shapes)...), kind: kernel.KindCompound}
	var ss []sdf.SDF3
	for _, s := range shapes {
		sh, err := unwrap("compound", s)
		if err != nil {
			return nil, err
		}
		if sh.mesh != nil && sh.s == nil {
			return nil, fmt.Errorf("compound: %w", errNotSDF)
		}
		if sh.s != nil {
			ss = append(ss, sh.s)
		}
		out.profiles = append(out.profiles, sh.profiles...)
	}
	switch {
	case len(ss) > 0:
		out.s = sdf.Union3D(ss...)
	case len(out.profiles) == 0:
		out.kind = kernel.KindEmpty
	}
	if len(shapes) == 1 {
		out.kind = shapes[0].Kind()
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Transforms

// Translate moves a shape by v.
func (k *SdfxKernel) Translate(s kernel.Shape, v kernel.Vec3) (kernel.Shape, error) {
	h := kernel.MustOpHash("translate", s, v)
	return k.transform("translate", s, h,
		sdf.Translate3d(v3.Vec{X: v.X, Y: v.Y, Z: v.Z}),
		func(p profile) (profile, error) {
			return profile{s2: sdf.Transform2D(p.s2, sdf.Translate2d(v2.Vec{X: v.X, Y: v.Y})), z: p.z + v.Z}, nil
		})
}

// Rotate rotates a shape by Euler angles (degrees) around X, Y, Z axes.
func (k *SdfxKernel) Rotate(s kernel.Shape, euler kernel.Vec3) (kernel.Shape, error) {
	xRad := euler.X * math.Pi / 180.0
	yRad := euler.Y * math.Pi / 180.0
	zRad := euler.Z * math.Pi / 180.0

	m := sdf.RotateZ(zRad).Mul(sdf.RotateY(yRad)).Mul(sdf.RotateX(xRad))
	return k.transform("rotate", s, kernel.MustOpHash("rotate", s, euler), m,
		func(p profile) (profile, error) {
			if euler.X != 0 || euler.Y != 0 {
				return profile{}, errProfileXfm
			}
			return profile{s2: sdf.Transform2D(p.s2, sdf.Rotate2d(zRad)), z: p.z}, nil
		})
}

// Scale scales a shape uniformly about the origin.
func (k *SdfxKernel) Scale(s kernel.Shape, f float64) (kernel.Shape, error) {
	if !(f > 0) {
		return nil, fmt.Errorf("scale: factor must be a positive number, got %g", f)
	}
	return k.transform("scale", s, kernel.MustOpHash("scale", s, f), sdf.Scale3d(v3.Vec{X: f, Y: f, Z: f}),
		func(p profile) (profile, error) {
			return profile{s2: sdf.Transform2D(p.s2, sdf.Scale2d(v2.Vec{X: f, Y: f})), z: p.z * f}, nil
		})
}

// Mirror reflects a shape across a coordinate plane. Only axis-aligned
// normals are supported.
func (k *SdfxKernel) Mirror(s kernel.Shape, normal kernel.Vec3) (kernel.Shape, error) {
	var m sdf.M44
	switch n := normal.Normalize(); {
	case math.Abs(math.Abs(n.X)-1) < 1e-9:
		m = sdf.MirrorYZ()
	case math.Abs(math.Abs(n.Y)-1) < 1e-9:
		m = sdf.MirrorXZ()
	case math.Abs(math.Abs(n.Z)-1) < 1e-9:
		m = sdf.MirrorXY()
	default:
		return nil, fmt.Errorf("mirror: sdf kernel only mirrors across coordinate planes, got normal %v", normal)
	}
	return k.transform("mirror", s, kernel.MustOpHash("mirror", s, normal), m,
		func(p profile) (profile, error) { return profile{}, errProfileXfm })
}

func (k *SdfxKernel) transform(op string, s kernel.Shape, h kernel.Hash, m sdf.M44, pf func(profile) (profile, error)) (kernel.Shape, error) {
	sh, err := unwrap(op, s)
	if err != nil {
		return nil, err
	}
	if sh.mesh != nil && sh.s == nil {
		return nil, fmt.Errorf("%s: %w", op, errNotSDF)
	}
	out := &sdfxShape{hash: h, kind: sh.kind}
	if sh.s != nil {
		out.s = sdf.Transform3D(sh.s, m)
	}
	for _, p := range sh.profiles {
		tp, err := pf(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out.profiles = append(out.profiles, tp)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Features

// Extrude sweeps a profile along +Z by h.
func (k *SdfxKernel) Extrude(p kernel.Shape, h float64) (kernel.Shape, error) {
	if !(h > 0) {
		return nil, fmt.Errorf("extrude: height must be a positive number, got %g", h)
	}
	r, err := region("extrude", p)
	if err != nil {
		return nil, err
	}
	s := sdf.Extrude3D(r.s2, h)
	s = sdf.Transform3D(s, sdf.Translate3d(v3.Vec{Z: r.z + h/2}))
	return wrap(kernel.MustOpHash("extrude", p, h), s), nil
}

// Revolve sweeps a profile about the Z axis; profile X is the radius.
func (k *SdfxKernel) Revolve(p kernel.Shape, degrees float64) (kernel.Shape, error) {
	if !(degrees > 0) || degrees > 360 {
		return nil, fmt.Errorf("revolve: angle must be in (0, 360], got %g", degrees)
	}
	r, err := region("revolve", p)
	if err != nil {
		return nil, err
	}
	var s sdf.SDF3
	if degrees >= 360 {
		s, err = sdf.Revolve3D(r.s2)
	} else {
		s, err = sdf.RevolveTheta3D(r.s2, degrees*math.Pi/180)
	}
	if err != nil {
		return nil, fmt.Errorf("revolve: %w", err)
	}
	return wrap(kernel.MustOpHash("revolve", p, degrees), s), nil
}

// Loft blends consecutive profiles, which must be stacked along +Z.
func (k *SdfxKernel) Loft(profiles ...kernel.Shape) (kernel.Shape, error) {
	if len(profiles) < 2 {
		return nil, fmt.Errorf("loft: need at least 2 profiles, got %d", len(profiles))
	}
	rs := make([]profile, len(profiles))
	for i, p := range profiles {
		r, err := region("loft", p)
		if err != nil {
			return nil, err
		}
		rs[i] = r
	}
	var parts []sdf.SDF3
	for i := 0; i+1 < len(rs); i++ {
		h := rs[i+1].z - rs[i].z
		if h <= 0 {
			return nil, fmt.Errorf("loft: profile %d must lie above profile %d", i+1, i)
		}
		s, err := sdf.Loft3D(rs[i].s2, rs[i+1].s2, h, 0)
		if err != nil {
			return nil, fmt.Errorf("loft: %w", err)
		}
		parts = append(parts, sdf.Transform3D(s, sdf.Translate3d(v3.Vec{Z: rs[i].z + h/2})))
	}
	return wrap(kernel.MustOpHash("loft", shapeArgs(profiles)...), sdf.Union3D(parts...)), nil
}

// Fillet rounds convex edges by eroding and then dilating the solid by r.
func (k *SdfxKernel) Fillet(s kernel.Shape, r float64) (kernel.Shape, error) {
	if !(r > 0) {
		return nil, fmt.Errorf("fillet: radius must be a positive number, got %g", r)
	}
	s3, err := solid3("fillet", s)
	if err != nil {
		return nil, err
	}
	return wrap(kernel.MustOpHash("fillet", s, r), sdf.Offset3D(sdf.Offset3D(s3, -r), r)), nil
}

// Chamfer is not expressible as a distance field offset.
func (k *SdfxKernel) Chamfer(s kernel.Shape, d float64) (kernel.Shape, error) {
	return nil, errors.New("chamfer: not supported by the sdf kernel")
}

// ----------------------------------------------------------------------------
// Meshing

// surface returns the triangulated surface of a shape, running marching
// cubes on first use.
func (k *SdfxKernel) surface(s kernel.Shape) (kernel.Shape, bool) {
	sh, ok := s.(*sdfxShape)
	if !ok {
		return nil, false
	}
	if sh.mesh == nil && sh.s != nil {
		renderer := render.NewMarchingCubesUniform(k.cells)
		triangles := render.ToTriangles(sh.s, renderer)
		tris := make([][3]kernel.Vec3, len(triangles))
		for i, tri := range triangles {
			for j := 0; j < 3; j++ {
				v := tri[j]
				tris[i][j] = kernel.Vec3{X: v.X, Y: v.Y, Z: v.Z}
			}
		}
		sh.mesh = poly.FromTriangles(sh.hash, tris, faceAngle)
	}
	return sh.mesh, sh.mesh != nil
}

// Triangulate implements kernel.Mesher. The surface resolution is fixed by
// the cell count; the deviations only refine curved poly faces.
func (k *SdfxKernel) Triangulate(s kernel.Shape, linear, angular float64) error {
	m, ok := k.surface(s)
	if !ok {
		if _, err := unwrap("triangulate", s); err != nil {
			return err
		}
		return nil
	}
	return k.mesher.Triangulate(m, linear, angular)
}

// Faces implements kernel.Mesher.
func (k *SdfxKernel) Faces(s kernel.Shape) []kernel.Face {
	m, ok := k.surface(s)
	if !ok {
		return nil
	}
	return k.mesher.Faces(m)
}

// Edges implements kernel.Mesher.
func (k *SdfxKernel) Edges(s kernel.Shape) []kernel.Edge {
	m, ok := k.surface(s)
	if !ok {
		return nil
	}
	return k.mesher.Edges(m)
}

// FaceEdges implements kernel.Mesher.
func (k *SdfxKernel) FaceEdges(f kernel.Face) []kernel.Edge { return k.mesher.FaceEdges(f) }

// FaceTriangulation implements kernel.Mesher.
func (k *SdfxKernel) FaceTriangulation(f kernel.Face) (*kernel.Triangulation, bool) {
	return k.mesher.FaceTriangulation(f)
}

// EdgeOnFace implements kernel.Mesher.
func (k *SdfxKernel) EdgeOnFace(e kernel.Edge, f kernel.Face) ([]kernel.Vec3, bool) {
	return k.mesher.EdgeOnFace(e, f)
}

// TessellateEdge implements kernel.Mesher.
func (k *SdfxKernel) TessellateEdge(e kernel.Edge, deviation float64) []kernel.Vec3 {
	return k.mesher.TessellateEdge(e, deviation)
}

// Clean implements kernel.Mesher.
func (k *SdfxKernel) Clean(s kernel.Shape) {
	if sh, ok := s.(*sdfxShape); ok && sh.mesh != nil {
		k.mesher.Clean(sh.mesh)
	}
}

// ----------------------------------------------------------------------------
// Interchange

// Import implements kernel.Kernel. Imported meshes can be shown and
// exported but not combined with distance field shapes.
func (k *SdfxKernel) Import(f kernel.Format, data []byte) (kernel.Shape, error) {
	tris, err := kernel.ReadTriangles(f, data)
	if err != nil {
		return nil, &kernel.ImportError{Format: f, Err: err}
	}
	h := kernel.MustOpHash("import", string(f), data)
	return &sdfxShape{hash: h, kind: kernel.KindSolid, mesh: poly.FromTriangles(h, tris, poly.ImportAngleTolerance)}, nil
}

// Export implements kernel.Kernel.
func (k *SdfxKernel) Export(s kernel.Shape, f kernel.Format, deviation float64) ([]byte, error) {
	if _, err := unwrap("export", s); err != nil {
		return nil, err
	}
	m, ok := k.surface(s)
	if !ok {
		return nil, errors.New("export: shape has no surface")
	}
	return k.mesher.Export(m, f, deviation)
}
