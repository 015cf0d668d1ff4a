// Package gui records the controls a script declares and carries their
// values between evaluations. A State is the ordered key/value set that
// results from one evaluation; Encode and Decode turn a script together
// with its State into a URL-safe token.
package gui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind is the type of a control value.
type Kind string

const (
	KindNumber Kind = "number"
	KindBool   Kind = "boolean"
	KindString Kind = "string"
	KindEnum   Kind = "enum"
)

// Value is one control value. Exactly one of the payload fields is
// meaningful, selected by Kind. Enum selections are stored in Str.
type Value struct {
	Kind   Kind
	Number float64
	Bool   bool
	Str    string
}

// Number returns a numeric value.
func Number(f float64) Value { return Value{Kind: KindNumber, Number: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Enum returns an enum selection.
func Enum(s string) Value { return Value{Kind: KindEnum, Str: s} }

// Any returns the Go representation of v.
func (v Value) Any() any {
	switch v.Kind {
	case KindNumber:
		return v.Number
	case KindBool:
		return v.Bool
	default:
		return v.Str
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return strconv.Quote(v.Str)
	}
}

// compatible reports whether a stored value can stand in for a control of
// kind k. Strings and enum selections are interchangeable because JSON
// carries both as plain strings.
func (v Value) compatible(k Kind) bool {
	switch k {
	case KindString, KindEnum:
		return v.Kind == KindString || v.Kind == KindEnum
	default:
		return v.Kind == k
	}
}

// MarshalJSON writes the bare scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON accepts a number, boolean or string. Strings decode as
// KindString; Declare treats them as enum selections where needed.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case float64:
		*v = Number(x)
	case bool:
		*v = Bool(x)
	case string:
		*v = String(x)
	default:
		return fmt.Errorf("gui value must be a number, boolean or string, got %s", data)
	}
	return nil
}

// Entry is one key of a State.
type Entry struct {
	Key   string
	Value Value
}

// State is an ordered set of control values. Keys are unique.
type State []Entry

// Get returns the value stored under key.
func (s State) Get(key string) (Value, bool) {
	for _, e := range s {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// With returns a copy of s with key set to v. An existing key keeps its
// position; a new key is appended.
func (s State) With(key string, v Value) State {
	out := make(State, len(s), len(s)+1)
	copy(out, s)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = v
			return out
		}
	}
	return append(out, Entry{Key: key, Value: v})
}

// Keys lists the keys in order.
func (s State) Keys() []string {
	keys := make([]string, len(s))
	for i, e := range s {
		keys[i] = e.Key
	}
	return keys
}

// MarshalJSON writes the state as a JSON object with keys in order.
func (s State) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := e.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("gui state %q: %w", e.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping the key order of the input.
// A repeated key keeps its first position and its last value.
func (s *State) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*s = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("gui state must be a JSON object")
	}
	var out State
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var v Value
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("gui state %q: %w", key, err)
		}
		out = out.With(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}
