package protocol

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/vizflow/internal/message"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

func TestEncodeDecode(t *testing.T) {
	sent := []Payload{
		ShmInfo{Hostname: "node7", SegmentName: "vizflow_01h", ModuleID: 4, MPISize: 2, InstanceNumber: 3},
		SetPorts{Groups: [][]string{{"velocity", "variable"}, {"mesh", "mesh"}}},
		IntOption{Name: "frequency", Value: 5},
		AddObject{Port: "velocity", Object: "7m3o0r"},
		ConnectionClosed{Orderly: true},
		GoOn{},
	}
	for _, p := range sent {
		m, err := Encode(p)
		require.NoError(t, err)
		assert.Equal(t, uint32(p.Type()), m.Tag)

		got, err := Decode(m)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := Encode(Invalid{})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeInvalid(t *testing.T) {
	p, err := Decode(message.Message{Tag: 999, Data: []byte{0x80}})
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, TypeInvalid, p.Type())

	p, err = Decode(message.Message{Tag: uint32(TypeIntOption), Data: []byte{0xc1, 0xff}})
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, Invalid{Tag: uint32(TypeIntOption)}, p)
}

func TestSetPortsLabels(t *testing.T) {
	m := SetPorts{Groups: [][]string{{"velocity", "pressure", "variable"}, {"grid", "mesh"}, {"lonely"}}}
	names, labels := m.Ports()
	assert.Equal(t, []string{"velocity", "pressure", "grid", "lonely"}, names)
	assert.Equal(t, []string{"variable", "variable", "mesh", ""}, labels)
}

func TestParseHandshake(t *testing.T) {
	tests := []struct {
		name    string
		content string
		rank    int
		want    string
		wantErr bool
	}{
		{"lines", "0 abc123\n1 def456\n", 1, "def456", false},
		{"one line", "0 abc123 1 def456", 1, "def456", false},
		{"empty", "", 0, "", true},
		{"own line missing key", "0\n1 def456\n", 0, "", true},
		{"other line missing key", "0 abc123\n1\n", 0, "abc123", false},
		{"other line bad rank", "zero abc123\n1 def456\n", 1, "def456", false},
		{"bad rank", "zero abc123", 0, "", true},
		{"negative rank", "-1 abc", 0, "", true},
		{"duplicate", "0 a\n0 b", 0, "", true},
		{"duplicate on one line", "0 a 0 b\n1 c", 0, "", true},
		{"duplicate of another rank", "0 a\n1 b\n1 c", 0, "a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHandshake(tt.content).Key(tt.rank)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHandshakeReportsBadLines(t *testing.T) {
	h := ParseHandshake("0 abc123\n1\nzero k\n2 def456\n")
	assert.Equal(t, map[int]string{0: "abc123", 2: "def456"}, h.Keys)
	assert.Equal(t, []string{
		"line 2: odd number of fields (1)",
		`line 3: malformed rank "zero"`,
	}, h.Bad)

	_, err := h.Key(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadHandshake(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sim.handshake")
	require.NoError(t, WriteHandshake(path, map[int]string{1: "k1", 0: "abc123"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0 abc123\n1 k1\n", string(data))

	key, err := ReadHandshake(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc123", key)

	_, err = ReadHandshake(path, 2)
	assert.ErrorIs(t, err, ErrHandshake)

	_, err = ReadHandshake(filepath.Join(dir, "missing"), 0)
	assert.ErrorIs(t, err, ErrHandshake)

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("0\n1 k1\n"), 0o600))
	_, err = ReadHandshake(bad, 0)
	assert.ErrorIs(t, err, ErrHandshake)
	key, err = ReadHandshake(bad, 1)
	require.NoError(t, err, "a garbled line for rank 0 does not fail rank 1")
	assert.Equal(t, "k1", key)

	assert.Error(t, WriteHandshake(path, map[int]string{0: "has space"}))
}

func TestListenAndDial(t *testing.T) {
	b := shm.NewHeapBackend()
	keyFor := func(it int) string { return fmt.Sprintf("ctl%d_r0", it) }

	// a stale channel from an earlier run occupies the first name
	stale, err := message.Create(b, "ctl1_r0_tosim", 4, 64, false)
	require.NoError(t, err)
	defer stale.Close()

	sim, key, err := Listen(b, keyFor, 8, 256)
	require.NoError(t, err)
	defer sim.Close()
	assert.Equal(t, "ctl2_r0", key)

	module, err := Dial(b, key)
	require.NoError(t, err)
	defer module.Close()

	names, err := b.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"ctl1_r0_tosim"}, names, "dial unlinks the consumed key")

	_, err = Dial(b, key)
	assert.ErrorIs(t, err, ErrQueueCreate)

	ctx := context.Background()
	require.NoError(t, module.Send(ctx, IntOption{Name: "frequency", Value: 1}))
	require.NoError(t, sim.Send(ctx, SetPorts{Groups: [][]string{{"velocity", "var"}}}))

	p, err := sim.TimedRecv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, IntOption{Name: "frequency", Value: 1}, p)

	p, ok, err := module.TryRecv()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeSetPorts, p.Type())

	_, ok, err = module.TryRecv()
	assert.NoError(t, err)
	assert.False(t, ok)

	p, err = module.TimedRecv(10 * time.Millisecond)
	assert.ErrorIs(t, err, message.ErrTimeout)
	assert.Equal(t, TypeInvalid, p.Type())
}

func TestSessionTransitions(t *testing.T) {
	s := NewSession("abc123", 0, 1)
	assert.Equal(t, StateConnecting, s.State())
	assert.True(t, s.Transition(StateConnecting, StateConnected))
	assert.False(t, s.Transition(StateConnecting, StateConnected))
	s.Set(StateTerminating)
	assert.Equal(t, "terminating", s.State().String())

	var none *Session
	assert.Equal(t, StateDisconnected, none.State())
}
