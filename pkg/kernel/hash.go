package kernel

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"
)

// Hash is a content hash identifying a shape, face or edge by the inputs
// that constructed it. Identical construction inputs always produce the
// same Hash.
type Hash uint64

// indexBits keeps an Index exactly representable as a float64.
const indexBits = 53

// Index returns the stable non-negative integer index derived from the hash.
// It is used to correlate faces and edges across re-evaluation. Hashes that
// agree in their low 53 bits share an index.
func (h Hash) Index() int {
	return int(uint64(h) & (1<<indexBits - 1))
}

func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// Hasher builds a Hash from a canonical byte serialization. Every value is
// written with a one-byte type tag so that differently typed sequences
// never collide by concatenation.
type Hasher struct {
	h   hash.Hash64
	buf [9]byte
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: fnv.New64a()}
}

const (
	tagString byte = iota + 1
	tagFloat
	tagInt
	tagBool
	tagHash
	tagBytes
	tagList
	tagNil
)

func (hs *Hasher) write(tag byte, v uint64) *Hasher {
	hs.buf[0] = tag
	binary.LittleEndian.PutUint64(hs.buf[1:], v)
	hs.h.Write(hs.buf[:])
	return hs
}

// String adds a string.
func (hs *Hasher) String(s string) *Hasher {
	hs.write(tagString, uint64(len(s)))
	hs.h.Write([]byte(s))
	return hs
}

// Bytes adds a byte slice.
func (hs *Hasher) Bytes(b []byte) *Hasher {
	hs.write(tagBytes, uint64(len(b)))
	hs.h.Write(b)
	return hs
}

// Float adds a float. Negative zero is folded into zero.
func (hs *Hasher) Float(f float64) *Hasher {
	if f == 0 {
		f = 0
	}
	return hs.write(tagFloat, math.Float64bits(f))
}

// Int adds an integer.
func (hs *Hasher) Int(i int64) *Hasher {
	return hs.write(tagInt, uint64(i))
}

// Bool adds a boolean.
func (hs *Hasher) Bool(b bool) *Hasher {
	var v uint64
	if b {
		v = 1
	}
	return hs.write(tagBool, v)
}

// Hash adds another hash.
func (hs *Hasher) Hash(h Hash) *Hasher {
	return hs.write(tagHash, uint64(h))
}

// Vec3 adds the three components of a point.
func (hs *Hasher) Vec3(v Vec3) *Hasher {
	return hs.Float(v.X).Float(v.Y).Float(v.Z)
}

// Sum returns the accumulated hash.
func (hs *Hasher) Sum() Hash {
	return Hash(hs.h.Sum64())
}

// Add serializes one operation argument. Supported types are the scalar
// kinds, vectors, slices of those, shapes (serialized as their content hash)
// and slices of shapes.
func (hs *Hasher) Add(arg any) error {
	switch v := arg.(type) {
	case nil:
		hs.write(tagNil, 0)
	case float64:
		hs.Float(v)
	case float32:
		hs.Float(float64(v))
	case int:
		hs.Int(int64(v))
	case int64:
		hs.Int(v)
	case bool:
		hs.Bool(v)
	case string:
		hs.String(v)
	case []byte:
		hs.Bytes(v)
	case Hash:
		hs.Hash(v)
	case Vec2:
		hs.Float(v.X).Float(v.Y)
	case Vec3:
		hs.Vec3(v)
	case []float64:
		hs.write(tagList, uint64(len(v)))
		for _, f := range v {
			hs.Float(f)
		}
	case []Vec2:
		hs.write(tagList, uint64(len(v)))
		for _, p := range v {
			hs.Float(p.X).Float(p.Y)
		}
	case []Vec3:
		hs.write(tagList, uint64(len(v)))
		for _, p := range v {
			hs.Vec3(p)
		}
	case Shape:
		hs.Hash(v.Hash())
	case []Shape:
		hs.write(tagList, uint64(len(v)))
		for _, s := range v {
			hs.Hash(s.Hash())
		}
	default:
		return fmt.Errorf("cannot hash argument of type %T", arg)
	}
	return nil
}

// OpHash computes the content hash of an operation from its kind and
// arguments. It is the single identity function shared by the operation
// cache, shape hashes and face/edge indices.
func OpHash(kind string, args ...any) (Hash, error) {
	hs := NewHasher().String(kind)
	for i, a := range args {
		if err := hs.Add(a); err != nil {
			return 0, fmt.Errorf("%s: argument %d: %w", kind, i, err)
		}
	}
	return hs.Sum(), nil
}

// MustOpHash is like OpHash but panics on unsupported argument types.
// Kernel backends use it with statically known argument types.
func MustOpHash(kind string, args ...any) Hash {
	h, err := OpHash(kind, args...)
	if err != nil {
		panic(err)
	}
	return h
}

// Derive combines a parent hash with an ordinal, producing the identity of
// a sub-entity (a face or edge of the parent).
func Derive(parent Hash, parts ...uint64) Hash {
	hs := NewHasher().Hash(parent)
	for _, p := range parts {
		hs.Int(int64(p))
	}
	return hs.Sum()
}
