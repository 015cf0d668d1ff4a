// Package kernel defines the abstract geometry kernel interface.
// Implementations (poly, sdfx) provide solid modeling, topology and
// triangulation behind this interface. The kernel abstraction allows
// swapping backends without changing the rest of the system.
package kernel

// ShapeKind classifies a shape.
type ShapeKind int

const (
	KindEmpty ShapeKind = iota
	KindSolid
	KindWire
	KindCompound
)

func (k ShapeKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindSolid:
		return "solid"
	case KindWire:
		return "wire"
	case KindCompound:
		return "compound"
	}
	return "unknown"
}

// Shape is an opaque handle to a kernel-native solid, wire or compound.
// Its hash is the content hash of the operation that constructed it.
type Shape interface {
	Hash() Hash
	Kind() ShapeKind
	// BoundingBox returns the axis-aligned bounding box.
	BoundingBox() (min, max Vec3)
}

// Face is a bounded region of a shape's surface.
type Face interface {
	Hash() Hash
}

// Edge is a curve where faces meet, or a free curve of a wire.
type Edge interface {
	Hash() Hash
}

// Triangulation is the per-face discretization produced by Mesher.Triangulate.
// Triangles index into Positions. Normals has one entry per position; UVs is
// either nil or has one entry per position.
type Triangulation struct {
	Positions []Vec3
	Normals   []Vec3
	UVs       []Vec2
	Triangles [][3]int
}

// Mesher is the triangulation and topology side of a kernel.
type Mesher interface {
	// Triangulate attaches a triangulation to every face of s, bounded by
	// the linear (chordal) and angular deviation.
	Triangulate(s Shape, linear, angular float64) error
	// Faces lists the faces of s in a deterministic order.
	Faces(s Shape) []Face
	// Edges lists all edges of s, including free edges, in a deterministic order.
	Edges(s Shape) []Edge
	// FaceEdges lists the boundary edges of f.
	FaceEdges(f Face) []Edge
	// FaceTriangulation returns the triangulation attached by Triangulate.
	FaceTriangulation(f Face) (*Triangulation, bool)
	// EdgeOnFace returns the polyline of e matching the triangulation of f.
	EdgeOnFace(e Edge, f Face) ([]Vec3, bool)
	// TessellateEdge discretizes e independently of any face.
	TessellateEdge(e Edge, deviation float64) []Vec3
	// Clean drops triangulation data attached to s.
	Clean(s Shape)
}

// Kernel is the abstract geometry kernel interface. Every operation returns
// a new shape; a non-nil error means the kernel rejected its inputs.
type Kernel interface {
	Mesher

	Name() string

	// Primitives
	Box(x, y, z float64, centered bool) (Shape, error)
	Sphere(r float64) (Shape, error)
	Cylinder(r, h float64, centered bool) (Shape, error)
	Cone(r1, r2, h float64) (Shape, error)

	// Profiles in the XY plane
	Polygon(points []Vec2) (Shape, error)
	Circle(r float64) (Shape, error)

	// Boolean operations
	Union(shapes ...Shape) (Shape, error)
	Difference(base Shape, tools ...Shape) (Shape, error)
	Intersection(shapes ...Shape) (Shape, error)

	// Transforms
	Translate(s Shape, v Vec3) (Shape, error)
	Rotate(s Shape, euler Vec3) (Shape, error) // Euler angles in degrees
	Scale(s Shape, f float64) (Shape, error)
	Mirror(s Shape, normal Vec3) (Shape, error)

	// Features
	Extrude(profile Shape, h float64) (Shape, error)
	Revolve(profile Shape, degrees float64) (Shape, error)
	Loft(profiles ...Shape) (Shape, error)
	Fillet(s Shape, r float64) (Shape, error)
	Chamfer(s Shape, d float64) (Shape, error)

	Compound(shapes ...Shape) (Shape, error)

	// Interchange
	Import(f Format, data []byte) (Shape, error)
	Export(s Shape, f Format, deviation float64) ([]byte, error)
}
