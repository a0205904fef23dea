package archive

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/vizflow/internal/shm"
)

// FieldType tags the value held by a Field
type FieldType uint8

const (
	FieldInt FieldType = iota + 1
	FieldFloat
	FieldString
	FieldStrings
	FieldArray
	FieldRef
	FieldRecord
)

// Field is one named value inside a Section.
type Field struct {
	Type    FieldType `codec:"t"`
	Int     int64     `codec:"i,omitempty"`
	Float   float64   `codec:"f,omitempty"`
	String  string    `codec:"s,omitempty"`
	Strings []string  `codec:"ss,omitempty"`
	Elem    uint32    `codec:"e,omitempty"`
	Length  uint64    `codec:"n,omitempty"`
	Data    []byte    `codec:"d,omitempty"`
	Arena   uint64    `codec:"a,omitempty"`
	Slot    uint32    `codec:"sl,omitempty"`
	Gen     uint32    `codec:"g,omitempty"`
	Record  *Record   `codec:"r,omitempty"`
}

// Section groups the fields one type layer contributes.
type Section struct {
	Name   string            `codec:"name"`
	Fields map[string]*Field `codec:"fields"`
}

// Record is the archived form of one object.
type Record struct {
	Kind     int32      `codec:"kind"`
	Name     string     `codec:"name"`
	Sections []*Section `codec:"sections"`
}

// NewRecord creates an empty record
func NewRecord(kind int32, name string) *Record {
	return &Record{Kind: kind, Name: name}
}

// Section returns the named section, appending it if absent.
func (r *Record) Section(name string) *Section {
	if s, ok := r.Lookup(name); ok {
		return s
	}
	s := &Section{Name: name, Fields: make(map[string]*Field)}
	r.Sections = append(r.Sections, s)
	return s
}

// Lookup returns the named section if present
func (r *Record) Lookup(name string) (*Section, bool) {
	for _, s := range r.Sections {
		if s != nil && s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// SectionNames lists sections in write order
func (r *Record) SectionNames() []string {
	names := make([]string, 0, len(r.Sections))
	for _, s := range r.Sections {
		if s != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

// check rejects shapes the decoder accepts but no writer produces: empty
// section entries and record fields without a record.
func (r *Record) check() error {
	for i, s := range r.Sections {
		if s == nil {
			return fmt.Errorf("section %d of %q is empty", i, r.Name)
		}
		for name, f := range s.Fields {
			if f == nil || f.Type != FieldRecord {
				continue
			}
			if f.Record == nil {
				return fmt.Errorf("%s.%s holds no record", s.Name, name)
			}
			if err := f.Record.check(); err != nil {
				return fmt.Errorf("%s.%s: %w", s.Name, name, err)
			}
		}
	}
	return nil
}

func (s *Section) put(name string, f *Field) {
	if s.Fields == nil {
		s.Fields = make(map[string]*Field)
	}
	s.Fields[name] = f
}

func (s *Section) PutInt(name string, v int64) {
	s.put(name, &Field{Type: FieldInt, Int: v})
}

func (s *Section) PutFloat(name string, v float64) {
	s.put(name, &Field{Type: FieldFloat, Float: v})
}

func (s *Section) PutString(name, v string) {
	s.put(name, &Field{Type: FieldString, String: v})
}

func (s *Section) PutStrings(name string, v []string) {
	s.put(name, &Field{Type: FieldStrings, Strings: append([]string(nil), v...)})
}

// PutArray stores a copy of raw array bytes
func (s *Section) PutArray(name string, elem shm.ElemType, length int, data []byte) {
	s.put(name, &Field{
		Type:   FieldArray,
		Elem:   uint32(elem),
		Length: uint64(length),
		Data:   append([]byte(nil), data...),
	})
}

// PutRef stores an array by slot reference; only meaningful inside one arena
func (s *Section) PutRef(name string, elem shm.ElemType, r shm.Ref) {
	s.put(name, &Field{Type: FieldRef, Elem: uint32(elem), Arena: r.Arena, Slot: r.Slot, Gen: r.Gen})
}

// PutRecord nests another record, e.g. a referenced sub-object
func (s *Section) PutRecord(name string, rec *Record) {
	s.put(name, &Field{Type: FieldRecord, Record: rec})
}

func (s *Section) get(name string, t FieldType) (*Field, bool) {
	if s == nil {
		return nil, false
	}
	f, ok := s.Fields[name]
	if !ok || f == nil || f.Type != t {
		return nil, false
	}
	return f, true
}

func (s *Section) Int(name string) (int64, bool) {
	f, ok := s.get(name, FieldInt)
	if !ok {
		return 0, false
	}
	return f.Int, true
}

func (s *Section) Float(name string) (float64, bool) {
	f, ok := s.get(name, FieldFloat)
	if !ok {
		return 0, false
	}
	return f.Float, true
}

func (s *Section) String(name string) (string, bool) {
	f, ok := s.get(name, FieldString)
	if !ok {
		return "", false
	}
	return f.String, true
}

func (s *Section) Strings(name string) ([]string, bool) {
	f, ok := s.get(name, FieldStrings)
	if !ok {
		return nil, false
	}
	return f.Strings, true
}

// Array returns an inline array field
func (s *Section) Array(name string) (*Field, bool) {
	return s.get(name, FieldArray)
}

// Ref returns a slot reference field
func (s *Section) Ref(name string) (shm.Ref, shm.ElemType, bool) {
	f, ok := s.get(name, FieldRef)
	if !ok {
		return shm.Ref{}, shm.ElemInvalid, false
	}
	return shm.Ref{Arena: f.Arena, Slot: f.Slot, Gen: f.Gen}, shm.ElemType(f.Elem), true
}

func (s *Section) Record(name string) (*Record, bool) {
	f, ok := s.get(name, FieldRecord)
	if !ok || f.Record == nil {
		return nil, false
	}
	return f.Record, true
}

// Names returns the field names in sorted order
func (s *Section) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
