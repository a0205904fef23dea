package shm

import (
	"fmt"
	"unsafe"
)

// ElemType tags the element type of an array slot.
type ElemType uint32

const (
	ElemInvalid ElemType = iota
	Byte
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
)

// Size returns the element width in bytes, 0 for unknown types
func (e ElemType) Size() int {
	switch e {
	case Byte:
		return 1
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// String returns the Go name of the element type
func (e ElemType) String() string {
	switch e {
	case Byte:
		return "uint8"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "invalid"
	}
}

// Elem lists the Go types an Array can hold.
type Elem interface {
	uint8 | int32 | uint32 | int64 | uint64 | float32 | float64
}

// ElemOf maps a Go element type to its tag
func ElemOf[T Elem]() ElemType {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return Byte
	case int32:
		return Int32
	case uint32:
		return Uint32
	case int64:
		return Int64
	case uint64:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return ElemInvalid
}

// Array is a process-local handle on a reference-counted array slot. Each
// Array value accounts for exactly one reference until Release.
type Array struct {
	arena *Arena
	ref   Ref
}

// NewArray allocates n zeroed elements with a refcount of 1
func NewArray(a *Arena, elem ElemType, n int) (*Array, error) {
	r, err := a.Allocate(elem, n, 0)
	if err != nil {
		return nil, err
	}
	return &Array{arena: a, ref: r}, nil
}

// Make allocates an array of n elements of T
func Make[T Elem](a *Arena, n int) (*Array, error) {
	return NewArray(a, ElemOf[T](), n)
}

// FromSlice allocates an array holding a copy of values
func FromSlice[T Elem](a *Arena, values []T) (*Array, error) {
	x, err := Make[T](a, len(values))
	if err != nil {
		return nil, err
	}
	copy(View[T](x), values)
	return x, nil
}

// OpenArray takes a new reference on an existing slot
func OpenArray(a *Arena, r Ref) (*Array, error) {
	if _, err := a.IncRef(r); err != nil {
		return nil, err
	}
	return &Array{arena: a, ref: r}, nil
}

// AdoptArray wraps a reference the caller already owns
func AdoptArray(a *Arena, r Ref) (*Array, error) {
	if _, err := a.check(r); err != nil {
		return nil, err
	}
	return &Array{arena: a, ref: r}, nil
}

// Ref returns the slot address, zero for a nil array
func (x *Array) Ref() Ref {
	if x == nil {
		return Ref{}
	}
	return x.ref
}

// Arena returns the owning arena
func (x *Array) Arena() *Arena {
	if x == nil {
		return nil
	}
	return x.arena
}

// Valid reports whether the slot still belongs to this array
func (x *Array) Valid() bool {
	if x == nil {
		return false
	}
	_, err := x.arena.check(x.ref)
	return err == nil
}

// info reads the slot; a nil or stale array reads as empty.
func (x *Array) info() SlotInfo {
	if x == nil {
		return SlotInfo{}
	}
	info, _ := x.arena.Info(x.ref)
	return info
}

// Elem returns the element type
func (x *Array) Elem() ElemType { return x.info().Elem }

// Len returns the number of elements
func (x *Array) Len() int { return x.info().Length }

// Cap returns the allocated element capacity
func (x *Array) Cap() int { return x.info().Capacity }

// RefCount returns the number of holders across all processes
func (x *Array) RefCount() int64 { return x.info().Refs }

// Resize changes the length; views taken earlier must be re-fetched
func (x *Array) Resize(n int) error {
	if x == nil {
		return fmt.Errorf("%w: nil array", ErrStaleHandle)
	}
	return x.arena.Resize(x.ref, n)
}

// Bytes returns the raw little-endian contents
func (x *Array) Bytes() []byte {
	if x == nil {
		return nil
	}
	b, err := x.arena.Bytes(x.ref)
	if err != nil {
		return nil
	}
	return b
}

// Retain returns a second Array accounting for one more reference
func (x *Array) Retain() (*Array, error) {
	return OpenArray(x.arena, x.ref)
}

// Release drops this reference and frees the slot when it was the last one.
func (x *Array) Release() error {
	n, err := x.arena.DecRef(x.ref)
	if err != nil {
		return err
	}
	if n == 0 {
		return x.arena.Free(x.ref)
	}
	return nil
}

// View returns the contents as []T, or nil if the element type differs.
func View[T Elem](x *Array) []T {
	if x == nil || x.Elem() != ElemOf[T]() {
		return nil
	}
	b := x.Bytes()
	if b == nil {
		return nil
	}
	var zero T
	n := len(b) / int(unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}
