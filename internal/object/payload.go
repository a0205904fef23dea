package object

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync/atomic"

	"github.com/GriffinCanCode/vizflow/internal/archive"
	"github.com/GriffinCanCode/vizflow/internal/shared/id"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

var (
	ErrValidation  = errors.New("object: validation failed")
	ErrUnknownKind = errors.New("object: unknown kind")
	ErrNotFound    = errors.New("object: not found")
	ErrNullHandle  = errors.New("object: null handle")
	ErrNoArray     = errors.New("object: no such array")
)

// flagObject marks descriptor slots so destruction can tell sub-objects
// from arrays.
const flagObject uint32 = 1

type codecMode int

const (
	inlineMode codecMode = iota // arrays as bytes, sub-objects nested
	refMode                     // arrays and sub-objects as slot references
)

// Payload is this process's view of one object. The arrays and children
// it lists are borrowed from the descriptor, which owns their references.
type Payload struct {
	reg       *Registry
	ops       Ops
	kind      Kind
	name      id.ObjectName
	ref       shm.Ref
	meta      Meta
	attrs     map[string][]string
	arrays    map[string]*shm.Array
	children  map[string]*Payload
	published atomic.Bool
}

func (p *Payload) validate() error {
	return p.ops.Validate(p)
}

// replaceArray installs x under name and drops the reference held on the
// array it replaces.
func (p *Payload) replaceArray(name string, x *shm.Array) {
	if old := p.arrays[name]; old != nil && old.Ref() != x.Ref() {
		_ = p.reg.releaseArray(old.Ref())
	}
	p.arrays[name] = x
}

// setChild makes the descriptor hold a reference on child.
func (p *Payload) setChild(name string, child *Payload) error {
	if child != nil {
		if _, err := p.reg.arena.IncRef(child.ref); err != nil {
			return err
		}
	}
	if old := p.children[name]; old != nil {
		_ = p.reg.releaseRef(old.ref)
	}
	if child == nil {
		delete(p.children, name)
	} else {
		p.children[name] = child
	}
	return nil
}

// record builds the archived form of p
func (p *Payload) record(mode codecMode) *archive.Record {
	rec := archive.NewRecord(int32(p.kind), string(p.name))
	saveMeta(rec.Section("object"), p.meta)
	if len(p.attrs) > 0 {
		s := rec.Section("attributes")
		for key, values := range p.attrs {
			s.PutStrings(key, values)
		}
	}
	p.ops.Save(p, rec, mode)
	return rec
}

// writeDescriptor stores the ref-mode record in the payload's slot so any
// attachment can rebuild or destroy the payload.
func (p *Payload) writeDescriptor() error {
	data, err := archive.Marshal(p.record(refMode), archive.Options{})
	if err != nil {
		return err
	}
	arena := p.reg.arena
	if err := arena.Resize(p.ref, len(data)); err != nil {
		return fmt.Errorf("failed to store descriptor of %s: %w", p.name, err)
	}
	buf, err := arena.Bytes(p.ref)
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// numVertices returns the vertex count of grid-like kinds.
func (p *Payload) numVertices() (int, bool) {
	switch p.kind {
	case KindPoints, KindSpheres, KindTubes, KindStructuredGrid:
		return p.arrays["x"].Len(), true
	case KindUniformGrid:
		return product(shm.View[uint32](p.arrays["dims"])), true
	case KindRectilinearGrid:
		return p.arrays["coords_x"].Len() * p.arrays["coords_y"].Len() * p.arrays["coords_z"].Len(), true
	}
	return 0, false
}

func saveMeta(s *archive.Section, m Meta) {
	s.PutInt("execution_counter", int64(m.ExecutionCounter))
	s.PutInt("iteration", int64(m.Iteration))
	s.PutInt("generation", int64(m.Generation))
	s.PutInt("timestep", int64(m.Timestep))
	s.PutInt("num_timesteps", int64(m.NumTimesteps))
	s.PutInt("block", int64(m.Block))
	s.PutInt("num_blocks", int64(m.NumBlocks))
	s.PutInt("creator", int64(m.CreatorID))
	s.PutFloat("real_time", m.RealTime)
}

func loadMeta(s *archive.Section) Meta {
	m := NewMeta()
	for name, dst := range map[string]*int{
		"execution_counter": &m.ExecutionCounter,
		"iteration":         &m.Iteration,
		"generation":        &m.Generation,
		"timestep":          &m.Timestep,
		"num_timesteps":     &m.NumTimesteps,
		"block":             &m.Block,
		"num_blocks":        &m.NumBlocks,
		"creator":           &m.CreatorID,
	} {
		if v, ok := s.Int(name); ok {
			*dst = int(v)
		}
	}
	if v, ok := s.Float("real_time"); ok {
		m.RealTime = v
	}
	return m
}

func loadAttributes(rec *archive.Record) map[string][]string {
	attrs := make(map[string][]string)
	s, ok := rec.Lookup("attributes")
	if !ok {
		return attrs
	}
	for _, key := range s.Names() {
		if values, ok := s.Strings(key); ok {
			attrs[key] = values
		}
	}
	return attrs
}

// ============================================================================
// Handle
// ============================================================================

// Handle holds one reference on a payload. Retain to share it, Release when
// done; releasing the same Handle twice is a no-op.
type Handle struct {
	p        *Payload
	released atomic.Bool
}

// IsNull reports whether h refers to no payload
func (h *Handle) IsNull() bool {
	return h == nil || h.p == nil || h.released.Load()
}

// Retain takes another reference on the same payload
func (h *Handle) Retain() (*Handle, error) {
	if h.IsNull() {
		return nil, ErrNullHandle
	}
	if _, err := h.p.reg.arena.IncRef(h.p.ref); err != nil {
		return nil, err
	}
	return &Handle{p: h.p}, nil
}

// Release drops the reference. The payload is destroyed when it was the last.
func (h *Handle) Release() error {
	if h == nil || h.p == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.p.reg.releaseRef(h.p.ref)
}

// RefCount returns the number of holders across all attachments
func (h *Handle) RefCount() int64 {
	if h.IsNull() {
		return 0
	}
	n, _ := h.p.reg.arena.RefCount(h.p.ref)
	return n
}

// Const returns a read-only view sharing h's reference
func (h *Handle) Const() ConstHandle { return ConstHandle{h: h} }

func (h *Handle) Kind() Kind {
	if h.IsNull() {
		return KindUnknown
	}
	return h.p.kind
}

func (h *Handle) Name() id.ObjectName {
	if h.IsNull() {
		return ""
	}
	return h.p.name
}

// Ref returns the payload's slot address
func (h *Handle) Ref() shm.Ref {
	if h.IsNull() {
		return shm.Ref{}
	}
	return h.p.ref
}

// Published reports whether the name resolves through the registry
func (h *Handle) Published() bool {
	return !h.IsNull() && h.p.published.Load()
}

func (h *Handle) Meta() Meta {
	if h.IsNull() {
		return NewMeta()
	}
	return h.p.meta
}

// SetMeta replaces the metadata. The creator id is kept.
func (h *Handle) SetMeta(m Meta) error {
	if h.IsNull() {
		return ErrNullHandle
	}
	m.CreatorID = h.p.meta.CreatorID
	h.p.meta = m
	return h.p.writeDescriptor()
}

// UpdateMeta applies fn to the metadata in place
func (h *Handle) UpdateMeta(fn func(m *Meta)) error {
	if h.IsNull() {
		return ErrNullHandle
	}
	fn(&h.p.meta)
	return h.p.writeDescriptor()
}

// AddAttribute appends value to the attribute key
func (h *Handle) AddAttribute(key, value string) error {
	if h.IsNull() {
		return ErrNullHandle
	}
	h.p.attrs[key] = append(h.p.attrs[key], value)
	return h.p.writeDescriptor()
}

// Attribute returns the values of key
func (h *Handle) Attribute(key string) []string {
	if h.IsNull() {
		return nil
	}
	return h.p.attrs[key]
}

// Attributes returns a copy of all attributes
func (h *Handle) Attributes() map[string][]string {
	if h.IsNull() {
		return nil
	}
	out := make(map[string][]string, len(h.p.attrs))
	for k, v := range h.p.attrs {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Array returns the named array, nil if the kind has none by that name
func (h *Handle) Array(name string) *shm.Array {
	if h.IsNull() {
		return nil
	}
	return h.p.arrays[name]
}

// ArrayNames lists the arrays in sorted order
func (h *Handle) ArrayNames() []string {
	if h.IsNull() {
		return nil
	}
	names := make([]string, 0, len(h.p.arrays))
	for name := range h.p.arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Child returns a new reference on sub-object name, or nil if unset
func (h *Handle) Child(name string) *Handle {
	if h.IsNull() {
		return nil
	}
	c := h.p.children[name]
	if c == nil {
		return nil
	}
	if _, err := h.p.reg.arena.IncRef(c.ref); err != nil {
		return nil
	}
	return &Handle{p: c}
}

// SetChild references sub as sub-object name; nil removes it
func (h *Handle) SetChild(name string, sub *Handle) error {
	if h.IsNull() {
		return ErrNullHandle
	}
	var child *Payload
	if !sub.IsNull() {
		child = sub.p
	}
	if err := h.p.setChild(name, child); err != nil {
		return err
	}
	return h.p.writeDescriptor()
}

// ShareArray makes h reference src's array fromName under name. Both
// payloads then hold a reference on the same slot.
func (h *Handle) ShareArray(name string, src *Handle, fromName string) error {
	if h.IsNull() || src.IsNull() {
		return ErrNullHandle
	}
	if _, ok := h.p.arrays[name]; !ok {
		return fmt.Errorf("%w: %s has no %q", ErrNoArray, h.p.kind, name)
	}
	from := src.p.arrays[fromName]
	if from == nil {
		return fmt.Errorf("%w: %s has no %q", ErrNoArray, src.p.kind, fromName)
	}
	if from.Elem() != h.p.arrays[name].Elem() {
		return fmt.Errorf("cannot share %s array as %s", from.Elem(), h.p.arrays[name].Elem())
	}
	if from.Arena() != h.p.reg.arena {
		return fmt.Errorf("cannot share array across arenas")
	}
	if _, err := h.p.reg.arena.IncRef(from.Ref()); err != nil {
		return err
	}
	view, err := shm.AdoptArray(h.p.reg.arena, from.Ref())
	if err != nil {
		return err
	}
	h.p.replaceArray(name, view)
	return h.p.writeDescriptor()
}

// Validate runs the kind's invariant checks
func (h *Handle) Validate() error {
	if h.IsNull() {
		return ErrNullHandle
	}
	return h.p.validate()
}

// ResetArrays replaces every array with a fresh empty one. Only legal while
// h is the sole holder.
func (h *Handle) ResetArrays() error {
	if h.IsNull() {
		return ErrNullHandle
	}
	if err := h.p.ops.ResetArrays(h.p); err != nil {
		return err
	}
	return h.p.writeDescriptor()
}

// SetSize resizes the per-element arrays to n. Only legal while h is the
// sole holder.
func (h *Handle) SetSize(n int) error {
	if h.IsNull() {
		return ErrNullHandle
	}
	return h.p.ops.SetSize(h.p, n)
}

// Clone copies meta, attributes and array contents into a new payload.
// Sub-objects are shared, not copied.
func (h *Handle) Clone() (*Handle, error) {
	return h.clone(true)
}

// CloneType creates a payload of the same kind and meta with empty
// per-element arrays. Fixed shape arrays such as grid dims are copied.
func (h *Handle) CloneType() (*Handle, error) {
	return h.clone(false)
}

func (h *Handle) clone(data bool) (*Handle, error) {
	if h.IsNull() {
		return nil, ErrNullHandle
	}
	src := h.p
	c, err := src.reg.create(src.kind, 0, src.meta)
	if err != nil {
		return nil, err
	}
	dst := c.p
	dst.meta = src.meta
	dst.attrs = maps.Clone(src.attrs)
	for key, values := range dst.attrs {
		dst.attrs[key] = append([]string(nil), values...)
	}

	for name, x := range src.arrays {
		if !data && dst.arrays[name].Len() == 0 {
			continue
		}
		if err := dst.arrays[name].Resize(x.Len()); err != nil {
			c.Release()
			return nil, err
		}
		copy(dst.arrays[name].Bytes(), x.Bytes())
	}
	if data {
		for name, child := range src.children {
			if err := dst.setChild(name, child); err != nil {
				c.Release()
				return nil, err
			}
		}
	}
	if err := dst.writeDescriptor(); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

// ConstHandle exposes the read-only part of a Handle. The array views it
// returns alias shared memory and must not be written.
type ConstHandle struct {
	h *Handle
}

func (c ConstHandle) IsNull() bool                   { return c.h.IsNull() }
func (c ConstHandle) Kind() Kind                     { return c.h.Kind() }
func (c ConstHandle) Name() id.ObjectName            { return c.h.Name() }
func (c ConstHandle) Meta() Meta                     { return c.h.Meta() }
func (c ConstHandle) Attribute(key string) []string  { return c.h.Attribute(key) }
func (c ConstHandle) Validate() error                { return c.h.Validate() }
func (c ConstHandle) Len(name string) int            { return arrayLen(c.h.Array(name)) }
func (c ConstHandle) Float32s(name string) []float32 { return shm.View[float32](c.h.Array(name)) }
func (c ConstHandle) Uint32s(name string) []uint32   { return shm.View[uint32](c.h.Array(name)) }

func arrayLen(x *shm.Array) int {
	if x == nil {
		return 0
	}
	return x.Len()
}
