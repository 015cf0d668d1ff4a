// Package poly implements kernel.Kernel as a polyhedral boundary
// representation. Solids are sets of convex planar polygons grouped into
// faces; curved faces remember their analytic surface so triangulation can
// refine them to a requested deviation. Booleans use BSP-tree CSG, and
// edges are recovered from polygon adjacency.
package poly

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/cadscript/pkg/kernel"
)

// Compile-time interface check.
var _ kernel.Kernel = (*Kernel)(nil)

// DefaultSegments is the number of facets used for a full circle.
const DefaultSegments = 32

// Kernel is the polyhedral kernel. It holds no per-shape state; shapes
// carry their own topology and triangulation.
type Kernel struct {
	segments int
}

// New returns a kernel that approximates circles with the given number of
// segments. Values below 8 select DefaultSegments.
func New(segments int) *Kernel {
	if segments < 8 {
		segments = DefaultSegments
	}
	return &Kernel{segments: segments}
}

// Name implements kernel.Kernel.
func (k *Kernel) Name() string { return "poly" }

// Segments returns the number of facets used for a full circle.
func (k *Kernel) Segments() int { return k.segments }

// errForeign is returned when a shape from another backend is passed in.
var errForeign = errors.New("shape does not belong to the poly kernel")

// solid is the poly kernel's shape handle.
type solid struct {
	hash  kernel.Hash
	kind  kernel.ShapeKind
	polys []*polygon
	wires []*wire
	topo  *topology
}

func (s *solid) Hash() kernel.Hash      { return s.hash }
func (s *solid) Kind() kernel.ShapeKind { return s.kind }

// BoundingBox returns the axis-aligned bounding box. Empty shapes report a
// zero box.
func (s *solid) BoundingBox() (min, max kernel.Vec3) {
	first := true
	add := func(p vec) {
		if first {
			min, max, first = p, p, false
			return
		}
		min, max = min.Min(p), max.Max(p)
	}
	for _, p := range s.polys {
		for _, v := range p.verts {
			add(v)
		}
	}
	for _, w := range s.wires {
		for _, v := range w.points {
			add(v)
		}
	}
	return min, max
}

func asSolid(op string, s kernel.Shape) (*solid, error) {
	if s == nil {
		return nil, fmt.Errorf("%s: nil shape", op)
	}
	sh, ok := s.(*solid)
	if !ok {
		return nil, fmt.Errorf("%s: %w (%T)", op, errForeign, s)
	}
	return sh, nil
}

// newSolid classifies a polygon set as a solid or an empty shape.
func newSolid(h kernel.Hash, polys []*polygon) *solid {
	kind := kernel.KindSolid
	if len(polys) == 0 {
		kind = kernel.KindEmpty
	}
	return &solid{hash: h, kind: kind, polys: polys}
}

func shapeArgs(shapes []kernel.Shape, extra ...any) []any {
	args := make([]any, 0, len(shapes)+len(extra))
	for _, s := range shapes {
		args = append(args, s)
	}
	return append(args, extra...)
}

func positive(op, name string, v float64) error {
	if !(v > 0) || math.IsInf(v, 0) {
		return fmt.Errorf("%s: %s must be a positive number, got %g", op, name, v)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Booleans

// Union returns the union of the given solids.
func (k *Kernel) Union(shapes ...kernel.Shape) (kernel.Shape, error) {
	return k.fold("union", shapes, csgUnion)
}

// Intersection returns the common volume of the given solids.
func (k *Kernel) Intersection(shapes ...kernel.Shape) (kernel.Shape, error) {
	return k.fold("intersection", shapes, csgIntersect)
}

// Difference subtracts every tool from base.
func (k *Kernel) Difference(base kernel.Shape, tools ...kernel.Shape) (kernel.Shape, error) {
	return k.fold("difference", append([]kernel.Shape{base}, tools...), csgSubtract)
}

func (k *Kernel) fold(op string, shapes []kernel.Shape, fn func(a, b []*polygon) []*polygon) (kernel.Shape, error) {
	if len(shapes) == 0 {
		return nil, fmt.Errorf("%s: no shapes", op)
	}
	solids := make([]*solid, len(shapes))
	for i, s := range shapes {
		sh, err := asSolid(op, s)
		if err != nil {
			return nil, err
		}
		if sh.kind == kernel.KindWire {
			return nil, fmt.Errorf("%s: argument %d is a wire, not a solid", op, i)
		}
		solids[i] = sh
	}
	h := kernel.MustOpHash(op, shapeArgs(shapes)...)
	acc := solids[0].polys
	for _, sh := range solids[1:] {
		acc = fn(acc, sh.polys)
	}
	if len(solids) == 1 {
		acc = clonePolygons(acc)
	}
	return newSolid(h, acc), nil
}

// Compound groups shapes without merging their volumes.
func (k *Kernel) Compound(shapes ...kernel.Shape) (kernel.Shape, error) {
	h := kernel.MustOpHash("compound", shapeArgs(shapes)...)
	out := &solid{hash: h, kind: kernel.KindCompound}
	for _, s := range shapes {
		sh, err := asSolid("compound", s)
		if err != nil {
			return nil, err
		}
		out.polys = append(out.polys, sh.polys...)
		out.wires = append(out.wires, sh.wires...)
	}
	switch {
	case len(out.polys) == 0 && len(out.wires) == 0:
		out.kind = kernel.KindEmpty
	case len(shapes) == 1:
		out.kind = shapes[0].Kind()
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Transforms

// Translate moves a shape by v.
func (k *Kernel) Translate(s kernel.Shape, v kernel.Vec3) (kernel.Shape, error) {
	return k.transform("translate", s, translation(v), v)
}

// Rotate rotates a shape by Euler angles (degrees) around X, Y, Z axes.
func (k *Kernel) Rotate(s kernel.Shape, euler kernel.Vec3) (kernel.Shape, error) {
	return k.transform("rotate", s, rotationEuler(euler), euler)
}

// Scale scales a shape uniformly about the origin.
func (k *Kernel) Scale(s kernel.Shape, f float64) (kernel.Shape, error) {
	if err := positive("scale", "factor", f); err != nil {
		return nil, err
	}
	return k.transform("scale", s, uniformScale(f), f)
}

// Mirror reflects a shape across the plane through the origin with the
// given normal.
func (k *Kernel) Mirror(s kernel.Shape, normal kernel.Vec3) (kernel.Shape, error) {
	if normal.Len() < epsilon {
		return nil, fmt.Errorf("mirror: normal must be non-zero")
	}
	return k.transform("mirror", s, mirror(normal), normal)
}

func (k *Kernel) transform(op string, s kernel.Shape, a affine, arg any) (kernel.Shape, error) {
	sh, err := asSolid(op, s)
	if err != nil {
		return nil, err
	}
	h := kernel.MustOpHash(op, s, arg)
	return transformSolid(sh, a, h), nil
}

// transformSolid maps every polygon and wire through a. Face and wire tags
// are re-derived from h so transformed copies stay distinct.
func transformSolid(sh *solid, a affine, h kernel.Hash) *solid {
	flipped := a.det() < 0
	faces := make(map[*faceInfo]*faceInfo)
	out := &solid{hash: h, kind: sh.kind}
	for _, p := range sh.polys {
		fi, ok := faces[p.face]
		if !ok {
			fi = &faceInfo{tag: kernel.Derive(h, uint64(p.face.tag))}
			if p.face.surf != nil {
				fi.surf = p.face.surf.transform(a)
			}
			faces[p.face] = fi
		}
		verts := make([]vec, len(p.verts))
		for i, v := range p.verts {
			if flipped {
				verts[len(verts)-1-i] = a.apply(v)
			} else {
				verts[i] = a.apply(v)
			}
		}
		n := a.dir(p.plane.n).Normalize()
		out.polys = append(out.polys, &polygon{verts: verts, plane: plane{n: n, w: n.Dot(verts[0])}, face: fi})
	}
	for _, w := range sh.wires {
		tw := w.transform(a)
		tw.tag = kernel.Derive(h, uint64(w.tag))
		out.wires = append(out.wires, tw)
	}
	return out
}
