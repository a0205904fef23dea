package archive

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/vizflow/internal/shm"
)

func sampleRecord() *Record {
	rec := NewRecord(19, "7m1o0r")

	obj := rec.Section("object")
	obj.PutInt("timestep", 3)
	obj.PutFloat("real_time", 0.125)
	obj.PutString("creator", "sim")
	obj.PutStrings("_species", []string{"velocity"})

	raw := make([]byte, 4*4)
	for i, v := range []float32{1, -2.5, float32(math.Inf(1)), float32(math.NaN())} {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	rec.Section("base_coords").PutArray("x", shm.Float32, 4, raw)
	rec.Section("radii").PutRef("radius", shm.Float32, shm.Ref{Arena: 9, Slot: 4, Gen: 2})

	child := NewRecord(18, "7m0o0r")
	child.Section("object").PutInt("block", -1)
	rec.Section("vec").PutRecord("grid", child)
	return rec
}

func TestRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		data, err := Marshal(sampleRecord(), Options{Compress: compress})
		require.NoError(t, err)

		got, err := Unmarshal(data)
		require.NoError(t, err)

		want := sampleRecord()
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, []string{"object", "base_coords", "radii", "vec"}, got.SectionNames())

		obj, ok := got.Lookup("object")
		require.True(t, ok)
		ts, ok := obj.Int("timestep")
		assert.True(t, ok)
		assert.Equal(t, int64(3), ts)
		rt, _ := obj.Float("real_time")
		assert.Equal(t, 0.125, rt)
		species, _ := obj.Strings("_species")
		assert.Equal(t, []string{"velocity"}, species)

		x, ok := got.Section("base_coords").Array("x")
		require.True(t, ok)
		wantX, _ := want.Section("base_coords").Array("x")
		assert.True(t, bytes.Equal(wantX.Data, x.Data), "array bytes must be bit identical")
		assert.Equal(t, uint64(4), x.Length)

		ref, elem, ok := got.Section("radii").Ref("radius")
		require.True(t, ok)
		assert.Equal(t, shm.Ref{Arena: 9, Slot: 4, Gen: 2}, ref)
		assert.Equal(t, shm.Float32, elem)

		child, ok := got.Section("vec").Record("grid")
		require.True(t, ok)
		block, _ := child.Section("object").Int("block")
		assert.Equal(t, int64(-1), block)
	}
}

func TestCompressionShrinksRepetitiveArrays(t *testing.T) {
	rec := NewRecord(101, "big")
	rec.Section("vec").PutArray("x", shm.Byte, 1<<16, make([]byte, 1<<16))

	plain, err := Marshal(rec, Options{})
	require.NoError(t, err)
	packed, err := Marshal(rec, Options{Compress: true, Level: zstd.SpeedFastest})
	require.NoError(t, err)

	assert.Less(t, len(packed), len(plain)/10)

	got, err := Unmarshal(packed)
	require.NoError(t, err)
	x, _ := got.Section("vec").Array("x")
	assert.Len(t, x.Data, 1<<16)
}

func TestMissingFieldsAndTypeMismatch(t *testing.T) {
	rec := sampleRecord()

	_, ok := rec.Section("object").Int("real_time")
	assert.False(t, ok, "a float field is not readable as int")

	var missing *Section
	_, ok = missing.Int("anything")
	assert.False(t, ok)

	_, ok = rec.Lookup("tubes")
	assert.False(t, ok)
}

// futureRecord carries keys an older reader has never seen.
type futureRecord struct {
	Kind     int32          `codec:"kind"`
	Name     string         `codec:"name"`
	Sections []*Section     `codec:"sections"`
	Schema   map[string]int `codec:"schema"`
	Origin   string         `codec:"origin"`
}

func TestUnknownKeysAreSkipped(t *testing.T) {
	sec := &Section{Name: "object", Fields: map[string]*Field{
		"timestep": {Type: FieldInt, Int: 5},
		"novel":    {Type: FieldType(42), Int: 1},
	}}
	body, err := EncodeValue(futureRecord{
		Kind:     18,
		Name:     "n",
		Sections: []*Section{sec, {Name: "hologram"}},
		Schema:   map[string]int{"object": 2},
		Origin:   "newer writer",
	})
	require.NoError(t, err)

	rec, err := Unmarshal(frame(body, Version, 0))
	require.NoError(t, err)

	assert.Equal(t, int32(18), rec.Kind)
	ts, ok := rec.Section("object").Int("timestep")
	assert.True(t, ok)
	assert.Equal(t, int64(5), ts)
	_, ok = rec.Section("object").Int("novel")
	assert.False(t, ok)
}

func TestCorruptFrames(t *testing.T) {
	data, err := Marshal(sampleRecord(), Options{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"truncated", func(b []byte) []byte { return b[:len(b)-3] }, ErrCorrupt},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrCorrupt},
		{"flipped body bit", func(b []byte) []byte { b[frameHeader+2] ^= 0x40; return b }, ErrCorrupt},
		{"future version", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[4:], Version+1); return b }, ErrVersion},
		{"unknown flag", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[6:], 0x80); return b }, ErrVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := append([]byte(nil), data...)
			_, err := Unmarshal(tt.mutate(buf))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUnmarshalRejectsEmptySections(t *testing.T) {
	nested := NewRecord(1, "child")
	nested.Sections = append(nested.Sections, nil)
	withChild := sampleRecord()
	withChild.Section("object").PutRecord("grid", nested)

	tests := []struct {
		name string
		rec  *Record
	}{
		{"top level", &Record{Kind: 18, Name: "obj", Sections: []*Section{nil}}},
		{"nested", withChild},
		{"record field without record", &Record{Kind: 18, Sections: []*Section{{
			Name:   "object",
			Fields: map[string]*Field{"grid": {Type: FieldRecord}},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.rec, Options{})
			require.NoError(t, err)
			_, err = Unmarshal(data)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}

	rec := &Record{Sections: []*Section{nil, {Name: "object"}}}
	_, ok := rec.Lookup("object")
	assert.True(t, ok)
	assert.Equal(t, []string{"object"}, rec.SectionNames())
}
