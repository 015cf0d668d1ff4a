package gui

import (
	"fmt"
	"math"
	"slices"
)

// ControlKind identifies a control widget.
type ControlKind string

const (
	Slider    ControlKind = "slider"
	Checkbox  ControlKind = "checkbox"
	Button    ControlKind = "button"
	TextInput ControlKind = "textInput"
	Dropdown  ControlKind = "dropdown"
)

// ValueKind returns the kind of value the control produces.
func (k ControlKind) ValueKind() Kind {
	switch k {
	case Slider:
		return KindNumber
	case Checkbox, Button:
		return KindBool
	case Dropdown:
		return KindEnum
	default:
		return KindString
	}
}

// Control is a declared GUI control.
type Control struct {
	Key     string      `json:"key"`
	Kind    ControlKind `json:"kind"`
	Default Value       `json:"default"`
	Min     float64     `json:"min,omitempty"`
	Max     float64     `json:"max,omitempty"`
	Step    float64     `json:"step,omitempty"`
	Options []string    `json:"options,omitempty"`
}

// Validate checks the declaration itself.
func (c Control) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("%s: empty key", c.Kind)
	}
	if want := c.Kind.ValueKind(); c.Default.Kind != want {
		return fmt.Errorf("%s %q: default must be %s, got %s", c.Kind, c.Key, want, c.Default.Kind)
	}
	switch c.Kind {
	case Slider:
		if math.IsNaN(c.Min) || math.IsNaN(c.Max) || c.Min > c.Max {
			return fmt.Errorf("slider %q: invalid range [%g, %g]", c.Key, c.Min, c.Max)
		}
		if c.Step < 0 {
			return fmt.Errorf("slider %q: negative step %g", c.Key, c.Step)
		}
	case Dropdown:
		if len(c.Options) == 0 {
			return fmt.Errorf("dropdown %q: no options", c.Key)
		}
		if !slices.Contains(c.Options, c.Default.Str) {
			return fmt.Errorf("dropdown %q: default %q is not an option", c.Key, c.Default.Str)
		}
	case Checkbox, Button, TextInput:
	default:
		return fmt.Errorf("unknown control kind %q", c.Kind)
	}
	return nil
}

// accepts reports whether a stored value is usable for the control.
func (c Control) accepts(v Value) bool {
	if !v.compatible(c.Kind.ValueKind()) {
		return false
	}
	if c.Kind == Dropdown {
		return slices.Contains(c.Options, v.Str)
	}
	return true
}

// Registry collects the controls declared during one evaluation.
type Registry struct {
	prior    State
	controls []Control
	values   State
}

// NewRegistry starts a pass whose declarations fall back to prior values.
func NewRegistry(prior State) *Registry {
	return &Registry{prior: prior}
}

// Declare registers c and returns the value the script should see: the
// prior value for the key when it fits the control, the default otherwise.
// Declaring a key twice replaces the earlier control in place.
func (r *Registry) Declare(c Control) Value {
	v := c.Default
	if p, ok := r.prior.Get(c.Key); ok && c.accepts(p) {
		v = p
		v.Kind = c.Kind.ValueKind()
	}
	i := slices.IndexFunc(r.controls, func(x Control) bool { return x.Key == c.Key })
	if i >= 0 {
		r.controls[i] = c
	} else {
		r.controls = append(r.controls, c)
	}
	r.values = r.values.With(c.Key, v)
	return v
}

// State returns the values of the declared controls in declaration order.
// Prior keys that were not declared are dropped.
func (r *Registry) State() State {
	return slices.Clone(r.values)
}

// Controls returns the declared controls in declaration order.
func (r *Registry) Controls() []Control {
	return slices.Clone(r.controls)
}
