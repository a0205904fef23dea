package object

import (
	"fmt"

	"github.com/GriffinCanCode/vizflow/internal/archive"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

// Kind is the closed set of payload types. Values match the type ids used
// on the wire, so they must never be renumbered.
type Kind int32

const (
	KindUnknown         Kind = -1
	KindEmpty           Kind = 1
	KindPoints          Kind = 18
	KindSpheres         Kind = 19
	KindTubes           Kind = 21
	KindUniformGrid     Kind = 25
	KindRectilinearGrid Kind = 26
	KindStructuredGrid  Kind = 27
	KindVec             Kind = 100 // base id, never instantiated
	KindVec1            Kind = KindVec + 1
	KindVec3            Kind = KindVec + 3
)

// String returns the kind's name
func (k Kind) String() string {
	if ops, ok := opsTable[k]; ok {
		return ops.Name()
	}
	return fmt.Sprintf("Kind(%d)", int32(k))
}

// Kinds lists every instantiable kind
func Kinds() []Kind {
	return []Kind{
		KindEmpty, KindPoints, KindSpheres, KindTubes,
		KindUniformGrid, KindRectilinearGrid, KindStructuredGrid,
		KindVec1, KindVec3,
	}
}

// Ops is the behaviour table of one kind.
type Ops interface {
	Kind() Kind
	Name() string
	// Validate checks the kind's invariants on p.
	Validate(p *Payload) error
	// Save writes every layer section of p into rec.
	Save(p *Payload, rec *archive.Record, mode codecMode)
	// Load fills p's arrays from inline sections of rec.
	Load(p *Payload, rec *archive.Record) error
	// ResetArrays replaces every array with a fresh one.
	ResetArrays(p *Payload) error
	// SetSize resizes the per-element arrays to n.
	SetSize(p *Payload, n int) error
}

// OpsFor returns the table of k
func OpsFor(k Kind) (Ops, bool) {
	ops, ok := opsTable[k]
	return ops, ok
}

type arraySpec struct {
	name  string
	elem  shm.ElemType
	sized bool // follows SetSize
	fixed int  // length kept by ResetArrays, 0 for variable
}

type layer struct {
	section  string
	arrays   []arraySpec
	children []string
	validate func(p *Payload) error
}

type layeredOps struct {
	kind   Kind
	name   string
	layers []*layer
}

var opsTable = map[Kind]*layeredOps{
	KindEmpty:           {kind: KindEmpty, name: "Empty"},
	KindPoints:          {kind: KindPoints, name: "Points", layers: []*layer{baseCoords}},
	KindSpheres:         {kind: KindSpheres, name: "Spheres", layers: []*layer{baseCoords, radii}},
	KindTubes:           {kind: KindTubes, name: "Tubes", layers: []*layer{baseCoords, radii, tubes}},
	KindUniformGrid:     {kind: KindUniformGrid, name: "UniformGrid", layers: []*layer{uniform}},
	KindRectilinearGrid: {kind: KindRectilinearGrid, name: "RectilinearGrid", layers: []*layer{rectilinear}},
	KindStructuredGrid:  {kind: KindStructuredGrid, name: "StructuredGrid", layers: []*layer{baseCoords, structured}},
	KindVec1:            {kind: KindVec1, name: "Vec1", layers: []*layer{vec1}},
	KindVec3:            {kind: KindVec3, name: "Vec3", layers: []*layer{vec3}},
}

func (o *layeredOps) Kind() Kind   { return o.kind }
func (o *layeredOps) Name() string { return o.name }

func (o *layeredOps) hasLayer(l *layer) bool {
	for _, have := range o.layers {
		if have == l {
			return true
		}
	}
	return false
}

func (o *layeredOps) Validate(p *Payload) error {
	if err := p.meta.Validate(); err != nil {
		return err
	}
	for _, l := range o.layers {
		for _, spec := range l.arrays {
			x := p.arrays[spec.name]
			if x == nil || !x.Valid() {
				return fmt.Errorf("%w: %s has no array %q", ErrValidation, o.name, spec.name)
			}
			if spec.fixed > 0 && x.Len() != spec.fixed {
				return fmt.Errorf("%w: %s.%s has %d elements, want %d", ErrValidation, o.name, spec.name, x.Len(), spec.fixed)
			}
		}
		if l.validate != nil {
			if err := l.validate(p); err != nil {
				return err
			}
		}
	}
	for name, child := range p.children {
		if err := child.validate(); err != nil {
			return fmt.Errorf("sub-object %s: %w", name, err)
		}
	}
	return nil
}

func (o *layeredOps) Save(p *Payload, rec *archive.Record, mode codecMode) {
	for _, l := range o.layers {
		s := rec.Section(l.section)
		for _, spec := range l.arrays {
			x := p.arrays[spec.name]
			if x == nil {
				continue
			}
			if mode == refMode {
				s.PutRef(spec.name, spec.elem, x.Ref())
			} else {
				s.PutArray(spec.name, spec.elem, x.Len(), x.Bytes())
			}
		}
		for _, name := range l.children {
			child := p.children[name]
			if child == nil {
				continue
			}
			if mode == refMode {
				s.PutRef(name, shm.Byte, child.ref)
			} else {
				s.PutRecord(name, child.record(inlineMode))
			}
		}
	}
}

func (o *layeredOps) Load(p *Payload, rec *archive.Record) error {
	for _, l := range o.layers {
		s, ok := rec.Lookup(l.section)
		if !ok {
			continue
		}
		for _, spec := range l.arrays {
			f, ok := s.Array(spec.name)
			if !ok {
				continue
			}
			if shm.ElemType(f.Elem) != spec.elem {
				return fmt.Errorf("%w: %s.%s holds %s, want %s", archive.ErrCorrupt, l.section, spec.name, shm.ElemType(f.Elem), spec.elem)
			}
			esize := uint64(spec.elem.Size())
			if f.Length > uint64(len(f.Data))/esize || uint64(len(f.Data)) != f.Length*esize {
				return fmt.Errorf("%w: %s.%s has %d bytes for %d elements", archive.ErrCorrupt, l.section, spec.name, len(f.Data), f.Length)
			}
			x := p.arrays[spec.name]
			if err := x.Resize(int(f.Length)); err != nil {
				return err
			}
			copy(x.Bytes(), f.Data)
		}
		for _, name := range l.children {
			crec, ok := s.Record(name)
			if !ok {
				continue
			}
			child, err := p.reg.fromRecord(crec)
			if err != nil {
				return fmt.Errorf("sub-object %s: %w", name, err)
			}
			err = p.setChild(name, child.p)
			child.Release()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *layeredOps) ResetArrays(p *Payload) error {
	for _, l := range o.layers {
		for _, spec := range l.arrays {
			x, err := shm.NewArray(p.reg.arena, spec.elem, spec.fixed)
			if err != nil {
				return fmt.Errorf("failed to allocate %s.%s: %w", o.name, spec.name, err)
			}
			p.replaceArray(spec.name, x)
		}
	}
	return nil
}

func (o *layeredOps) SetSize(p *Payload, n int) error {
	for _, l := range o.layers {
		for _, spec := range l.arrays {
			if !spec.sized {
				continue
			}
			if err := p.arrays[spec.name].Resize(n); err != nil {
				return fmt.Errorf("failed to resize %s.%s to %d: %w", o.name, spec.name, n, err)
			}
		}
	}
	return nil
}

// hasLayer reports whether kind k is built on l
func hasLayer(k Kind, l *layer) bool {
	ops, ok := opsTable[k]
	return ok && ops.hasLayer(l)
}

// attach rebuilds p's borrowed array and sub-object views from a ref-mode
// descriptor.
func (o *layeredOps) attach(p *Payload, rec *archive.Record) error {
	for _, l := range o.layers {
		s, ok := rec.Lookup(l.section)
		if !ok {
			continue
		}
		for _, spec := range l.arrays {
			r, elem, ok := s.Ref(spec.name)
			if !ok {
				continue
			}
			if elem != spec.elem {
				return fmt.Errorf("%w: %s.%s refers to %s, want %s", archive.ErrCorrupt, l.section, spec.name, elem, spec.elem)
			}
			x, err := shm.AdoptArray(p.reg.arena, r)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", o.name, spec.name, err)
			}
			p.arrays[spec.name] = x
		}
		for _, name := range l.children {
			r, _, ok := s.Ref(name)
			if !ok {
				continue
			}
			child, err := p.reg.load(r)
			if err != nil {
				return fmt.Errorf("sub-object %s: %w", name, err)
			}
			p.children[name] = child
		}
	}
	return nil
}
