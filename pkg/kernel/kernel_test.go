package kernel

import "testing"

// --- Mesh helper method tests ---

func TestMeshVertexCount(t *testing.T) {
	tests := []struct {
		name     string
		vertices []float32
		want     int
	}{
		{"empty", nil, 0},
		{"one vertex", []float32{1, 2, 3}, 1},
		{"four vertices", []float32{0, 0, 0, 1, 0, 0, 1, 1, 0, 0, 1, 0}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Mesh{Vertices: tt.vertices}
			if got := m.VertexCount(); got != tt.want {
				t.Errorf("VertexCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMeshTriangleCount(t *testing.T) {
	tests := []struct {
		name    string
		indices []uint32
		want    int
	}{
		{"empty", nil, 0},
		{"one triangle", []uint32{0, 1, 2}, 1},
		{"two triangles", []uint32{0, 1, 2, 2, 3, 0}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Mesh{Indices: tt.indices}
			if got := m.TriangleCount(); got != tt.want {
				t.Errorf("TriangleCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMeshIsEmpty(t *testing.T) {
	t.Run("empty mesh", func(t *testing.T) {
		m := &Mesh{}
		if !m.IsEmpty() {
			t.Error("IsEmpty() = false for empty mesh, want true")
		}
	})
	t.Run("non-empty mesh", func(t *testing.T) {
		m := &Mesh{Vertices: []float32{1, 2, 3}}
		if m.IsEmpty() {
			t.Error("IsEmpty() = true for non-empty mesh, want false")
		}
	})
}

func TestMeshAppendOffsetsIndices(t *testing.T) {
	quad := &Triangulation{
		Positions: []Vec3{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}},
		Normals:   []Vec3{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}, {0, 0, 1}},
		Triangles: [][3]int{{0, 1, 2}, {0, 2, 3}},
	}
	m := &Mesh{}
	m.Append(quad)
	m.Append(quad)
	if m.VertexCount() != 8 {
		t.Errorf("VertexCount() = %d, want 8", m.VertexCount())
	}
	if m.TriangleCount() != 4 {
		t.Errorf("TriangleCount() = %d, want 4", m.TriangleCount())
	}
	if m.Indices[6] != 4 {
		t.Errorf("first index of second face = %d, want 4", m.Indices[6])
	}
	if got := m.Triangle(3); got[2] != (Vec3{0, 1, 0}) {
		t.Errorf("Triangle(3)[2] = %v, want {0 1 0}", got[2])
	}
}

// --- Flatten with a stub mesher ---

type stubFace struct{ h Hash }

func (f stubFace) Hash() Hash { return f.h }

type stubShape struct{}

func (stubShape) Hash() Hash                   { return 1 }
func (stubShape) Kind() ShapeKind              { return KindSolid }
func (stubShape) BoundingBox() (min, max Vec3) { return Vec3{}, Vec3{1, 1, 0} }

// stubMesher reports a single triangulated face.
type stubMesher struct {
	triangulated bool
	cleaned      bool
}

func (m *stubMesher) Triangulate(Shape, float64, float64) error {
	m.triangulated = true
	return nil
}
func (m *stubMesher) Faces(Shape) []Face       { return []Face{stubFace{7}} }
func (m *stubMesher) Edges(Shape) []Edge       { return nil }
func (m *stubMesher) FaceEdges(Face) []Edge    { return nil }
func (m *stubMesher) Clean(Shape)              { m.cleaned = true }
func (m *stubMesher) EdgeOnFace(Edge, Face) ([]Vec3, bool) { return nil, false }
func (m *stubMesher) TessellateEdge(Edge, float64) []Vec3  { return nil }
func (m *stubMesher) FaceTriangulation(Face) (*Triangulation, bool) {
	if !m.triangulated {
		return nil, false
	}
	return &Triangulation{
		Positions: []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Normals:   []Vec3{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}},
		Triangles: [][3]int{{0, 1, 2}},
	}, true
}

var _ Mesher = (*stubMesher)(nil)
var _ Shape = stubShape{}

func TestFlatten(t *testing.T) {
	m := &stubMesher{}
	mesh, err := Flatten(m, stubShape{}, 0.1)
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	if mesh.TriangleCount() != 1 {
		t.Errorf("TriangleCount() = %d, want 1", mesh.TriangleCount())
	}
	if !m.cleaned {
		t.Error("Flatten() did not release the triangulation")
	}
}

func TestFlattenRejectsNonPositiveDeviation(t *testing.T) {
	for _, dev := range []float64{0, -1} {
		if _, err := Flatten(&stubMesher{}, stubShape{}, dev); err == nil {
			t.Errorf("Flatten(%g) error = nil, want error", dev)
		}
	}
}

func TestShapeKindString(t *testing.T) {
	tests := []struct {
		k    ShapeKind
		want string
	}{
		{KindEmpty, "empty"},
		{KindSolid, "solid"},
		{KindWire, "wire"},
		{KindCompound, "compound"},
		{ShapeKind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("ShapeKind(%d).String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}
