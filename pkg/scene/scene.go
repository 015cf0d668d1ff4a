// Package scene holds the shapes produced by an evaluation and the shapes
// imported from interchange files.
package scene

import (
	"slices"

	"github.com/chazu/cadscript/pkg/kernel"
)

// List is the ordered set of shapes a script asked to show.
type List struct {
	shapes []kernel.Shape
}

// Push appends shapes in order.
func (l *List) Push(shapes ...kernel.Shape) {
	l.shapes = append(l.shapes, shapes...)
}

// Replace swaps the whole content of the list.
func (l *List) Replace(shapes []kernel.Shape) {
	l.shapes = slices.Clone(shapes)
}

// Take returns the shapes and empties the list.
func (l *List) Take() []kernel.Shape {
	out := l.shapes
	l.shapes = nil
	return out
}

// Shapes returns a copy of the current shapes.
func (l *List) Shapes() []kernel.Shape {
	return slices.Clone(l.shapes)
}

// Len returns the number of shapes.
func (l *List) Len() int { return len(l.shapes) }

// Registry maps names to imported shapes. Names keep their insertion order;
// re-importing a name replaces the shape in place.
type Registry struct {
	names  []string
	shapes map[string]kernel.Shape
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{shapes: make(map[string]kernel.Shape)}
}

// Put stores s under name.
func (r *Registry) Put(name string, s kernel.Shape) {
	if _, ok := r.shapes[name]; !ok {
		r.names = append(r.names, name)
	}
	r.shapes[name] = s
}

// Get looks up a shape by name.
func (r *Registry) Get(name string) (kernel.Shape, bool) {
	s, ok := r.shapes[name]
	return s, ok
}

// Names lists the registered names in insertion order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Len returns the number of registered shapes.
func (r *Registry) Len() int { return len(r.names) }

// Clear removes every shape.
func (r *Registry) Clear() {
	r.names = nil
	r.shapes = make(map[string]kernel.Shape)
}
