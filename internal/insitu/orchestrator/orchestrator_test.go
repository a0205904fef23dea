package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/vizflow/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/vizflow/internal/insitu/coupling"
	"github.com/GriffinCanCode/vizflow/internal/insitu/protocol"
	"github.com/GriffinCanCode/vizflow/internal/message"
	"github.com/GriffinCanCode/vizflow/internal/object"
	"github.com/GriffinCanCode/vizflow/internal/shared/id"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

type fakePipeline struct {
	mu         sync.Mutex
	ports      map[string]string
	params     map[string]string
	objects    map[string][]*object.Handle
	executions int
	panicOn    string
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		ports:   make(map[string]string),
		params:  make(map[string]string),
		objects: make(map[string][]*object.Handle),
	}
}

func (f *fakePipeline) CreateOutputPort(name, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.panicOn {
		panic("port " + name)
	}
	f.ports[name] = label
	return nil
}

func (f *fakePipeline) DestroyPort(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ports, name)
	return nil
}

func (f *fakePipeline) AddIntParameter(name string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params[name] = "int"
	return nil
}

func (f *fakePipeline) AddStringParameter(name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params[name] = "string"
	return nil
}

func (f *fakePipeline) RemoveParameter(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.params, name)
	return nil
}

func (f *fakePipeline) AddObject(port string, h *object.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[port] = append(f.objects[port], h)
	return nil
}

func (f *fakePipeline) Execute() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions++
	return nil
}

func (f *fakePipeline) portNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakePipeline) received(port string) []*object.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*object.Handle(nil), f.objects[port]...)
}

func (f *fakePipeline) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, hs := range f.objects {
		for _, h := range hs {
			h.Release()
		}
	}
	f.objects = make(map[string][]*object.Handle)
}

// peer plays the simulation at the protocol level
type peer struct {
	t       *testing.T
	backend shm.Backend
	conn    *protocol.Conn
	reg     *object.Registry
	objects *message.Channel
}

func (p *peer) recv() protocol.Payload {
	p.t.Helper()
	m, err := p.conn.TimedRecv(2 * time.Second)
	require.NoError(p.t, err)
	return m
}

// recvType skips messages until one of type want arrives
func (p *peer) recvType(want protocol.Type) protocol.Payload {
	p.t.Helper()
	for {
		m := p.recv()
		if m.Type() == want {
			return m
		}
	}
}

func (p *peer) send(m protocol.Payload) {
	p.t.Helper()
	require.NoError(p.t, p.conn.Send(context.Background(), m))
}

// accept answers ShmInfo by attaching the module's arena and object channel
func (p *peer) accept() protocol.ShmInfo {
	p.t.Helper()
	info, ok := p.recv().(protocol.ShmInfo)
	require.True(p.t, ok, "first message is ShmInfo")

	arena, err := shm.Attach(p.backend, info.SegmentName)
	require.NoError(p.t, err)
	p.t.Cleanup(func() { arena.Close() })
	p.reg = object.NewRegistry(arena, 9000, 0, nil)

	p.objects, err = message.Open(p.backend, id.ObjectChannelName("", info.InstanceNumber, info.ModuleID, 0))
	require.NoError(p.t, err)
	p.t.Cleanup(func() { p.objects.Close() })
	return info
}

func (p *peer) publish(port string, meta object.Meta) {
	p.t.Helper()
	h, err := p.reg.Create(object.KindPoints, 0, meta)
	require.NoError(p.t, err)
	c, ok := object.As[object.Coords](h)
	require.True(p.t, ok)
	require.NoError(p.t, c.SetCoords([]float32{0, 1}, []float32{2, 3}, []float32{4, 5}))
	require.NoError(p.t, p.reg.Publish(h))

	m, err := protocol.Encode(protocol.AddObject{Port: port, Object: h.Name().String()})
	require.NoError(p.t, err)
	require.NoError(p.t, p.objects.Send(context.Background(), m))
}

type harness struct {
	orch *Orchestrator
	pipe *fakePipeline
	peer *peer
	reg  *object.Registry
	path string
}

func newHarness(t *testing.T, key string, configure func(*Config)) *harness {
	t.Helper()
	return newHarnessOn(t, shm.NewHeapBackend(), key, 32, configure)
}

// newHarnessOn builds a harness on b whose control channels hold capacity
// messages
func newHarnessOn(t *testing.T, b shm.Backend, key string, capacity int, configure func(*Config)) *harness {
	t.Helper()

	arena, err := shm.Create(b, "vizflow_module_arena", 16<<20, shm.Options{Slots: 1024, DirEntries: 256})
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })
	reg := object.NewRegistry(arena, 1, 0, nil)

	conn, _, err := protocol.Listen(b, func(int) string { return key }, capacity, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	path := filepath.Join(t.TempDir(), "handshake")
	require.NoError(t, os.WriteFile(path, []byte("0 "+key+"\n"), 0o644))

	cfg := Config{
		HandshakePath:   path,
		ModuleID:        1,
		ModuleName:      "SimCoupling",
		Hostname:        "node0",
		ChannelCapacity: 32,
		ChunkSize:       4096,
		EndTimeout:      2 * time.Second,
		Worker:          coupling.Options{Spins: 8, InitialInterval: 10 * time.Microsecond, MaxInterval: time.Millisecond},
	}
	if configure != nil {
		configure(&cfg)
	}

	pipe := newFakePipeline()
	o := New(b, reg, pipe, cfg, nil, nil)
	t.Cleanup(func() {
		o.Close()
		pipe.release()
	})
	return &harness{
		orch: o,
		pipe: pipe,
		peer: &peer{t: t, backend: b, conn: conn},
		reg:  reg,
		path: path,
	}
}

func (h *harness) connect(t *testing.T) protocol.ShmInfo {
	t.Helper()
	require.NoError(t, h.orch.Connect(context.Background()))
	assert.Equal(t, protocol.StateConnected, h.orch.State())
	return h.peer.accept()
}

func (h *harness) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.orch.Status().Pending == n }, 5*time.Second, time.Millisecond)
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	info := h.connect(t)
	assert.Equal(t, "vizflow_module_arena", info.SegmentName)
	assert.Equal(t, 1, info.ModuleID)
	assert.Equal(t, 1, info.MPISize)
	assert.Equal(t, "node0", info.Hostname)
	assert.Equal(t, protocol.IntOption{Name: OptionFrequency, Value: 1}, h.peer.recv())
	assert.Equal(t, protocol.IntOption{Name: OptionKeepTimesteps, Value: 1}, h.peer.recv())

	h.peer.send(protocol.SetPorts{Groups: [][]string{{"velocity"}, {"pressure"}}})
	require.Eventually(t, func() bool { return len(h.pipe.portNames()) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"pressure", "velocity"}, h.pipe.portNames())

	meta := object.NewMeta()
	meta.Timestep = 3
	meta.NumTimesteps = 10
	h.peer.publish("velocity", meta)
	h.waitPending(t, 1)

	assert.Equal(t, 1, h.orch.OnPrepareCycle())
	got := h.pipe.received("velocity")
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Meta().Timestep)
	assert.Equal(t, 1, got[0].Meta().ExecutionCounter)
	assert.Equal(t, 1, got[0].Meta().CreatorID)
	assert.NoError(t, got[0].Validate())
	assert.Empty(t, h.pipe.received("pressure"))

	assert.Equal(t, 0, h.orch.OnPrepareCycle(), "the pending list was swapped out")
}

func TestDisconnectTwiceIsIdempotent(t *testing.T) {
	startedBefore, joinedBefore := coupling.Stats()
	h := newHarness(t, "abc123", nil)
	h.connect(t)

	h.orch.Disconnect()
	assert.Equal(t, protocol.StateDisconnected, h.orch.State())
	h.orch.Disconnect()
	assert.Equal(t, protocol.StateDisconnected, h.orch.State())

	closes := 0
	for {
		m, ok, err := h.peer.conn.TryRecv()
		require.NoError(t, err)
		if !ok {
			break
		}
		if m.Type() == protocol.TypeConnectionClosed {
			assert.Equal(t, protocol.ConnectionClosed{Orderly: true}, m)
			closes++
		}
	}
	assert.Equal(t, 1, closes)

	startedAfter, joinedAfter := coupling.Stats()
	assert.Equal(t, startedAfter-startedBefore, joinedAfter-joinedBefore)
	assert.Equal(t, int64(1), startedAfter-startedBefore)
}

func TestConnectDisconnectCyclesJoinEveryWorker(t *testing.T) {
	startedBefore, joinedBefore := coupling.Stats()
	h := newHarness(t, "abc123", nil)
	h.connect(t)
	h.orch.Disconnect()

	// a fresh key for every session
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("cycle%d", i)
		conn, _, err := protocol.Listen(h.peer.backend, func(int) string { return key }, 32, 4096)
		require.NoError(t, err)
		h.peer.conn = conn
		require.NoError(t, os.WriteFile(h.path, []byte("0 "+key+"\n"), 0o644))

		require.NoError(t, h.orch.Connect(context.Background()))
		if i%2 == 0 {
			h.orch.Disconnect()
		} else {
			h.peer.send(protocol.ConnectionClosed{Orderly: true})
			require.Eventually(t, func() bool {
				return h.orch.State() == protocol.StateDisconnected
			}, 5*time.Second, time.Millisecond)
			h.orch.Disconnect()
		}
		conn.Close()
	}

	startedAfter, joinedAfter := coupling.Stats()
	assert.Equal(t, int64(4), startedAfter-startedBefore)
	assert.Equal(t, startedAfter-startedBefore, joinedAfter-joinedBefore)
}

func TestBlockedSetterSurvivesPeerClose(t *testing.T) {
	h := newHarnessOn(t, shm.NewFileBackend(t.TempDir()), "abc123", 4, func(c *Config) {
		c.SendTimeout = 30 * time.Second
	})
	require.NoError(t, h.orch.Connect(context.Background()))

	// nobody reads the control channel, so a few options fill it
	result := make(chan error, 1)
	go func() {
		for i := 0; i < 8; i++ {
			if err := h.orch.SetIntOption(context.Background(), OptionFrequency, int64(i+2)); err != nil {
				result <- err
				return
			}
		}
		result <- nil
	}()

	time.Sleep(100 * time.Millisecond)
	h.peer.send(protocol.ConnectionClosed{Orderly: true})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, message.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("setter stayed blocked after the session ended")
	}
	require.Eventually(t, func() bool { return h.orch.State() == protocol.StateDisconnected }, 5*time.Second, time.Millisecond)
}

func TestMalformedHandshake(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing key", "0\n"},
		{"bad rank", "zero abc123\n"},
		{"other rank only", "1 abc123\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			startedBefore, _ := coupling.Stats()
			h := newHarness(t, "abc123", nil)
			require.NoError(t, os.WriteFile(h.path, []byte(tt.content), 0o644))

			err := h.orch.Connect(context.Background())
			assert.ErrorIs(t, err, protocol.ErrHandshake)
			assert.Equal(t, protocol.StateDisconnected, h.orch.State())
			assert.NotEmpty(t, h.orch.Status().LastError)

			startedAfter, _ := coupling.Stats()
			assert.Equal(t, startedBefore, startedAfter)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		h := newHarness(t, "abc123", nil)
		require.NoError(t, os.Remove(h.path))
		assert.ErrorIs(t, h.orch.Connect(context.Background()), protocol.ErrHandshake)
	})
}

func TestConnectWithoutChannels(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	require.NoError(t, os.WriteFile(h.path, []byte("0 nobody\n"), 0o644))

	err := h.orch.Connect(context.Background())
	assert.ErrorIs(t, err, protocol.ErrQueueCreate)
	assert.Equal(t, protocol.StateDisconnected, h.orch.State())
}

func TestConnectBreakerOpens(t *testing.T) {
	h := newHarness(t, "abc123", func(c *Config) {
		c.BreakerThreshold = 2
		c.BreakerTimeout = time.Minute
	})
	require.NoError(t, os.Remove(h.path))

	assert.ErrorIs(t, h.orch.Connect(context.Background()), protocol.ErrHandshake)
	assert.ErrorIs(t, h.orch.Connect(context.Background()), protocol.ErrHandshake)
	assert.ErrorIs(t, h.orch.Connect(context.Background()), resilience.ErrCircuitOpen)
}

func TestEndExecuteTimeout(t *testing.T) {
	h := newHarness(t, "abc123", func(c *Config) { c.EndTimeout = 50 * time.Millisecond })
	h.connect(t)

	require.NoError(t, h.orch.BeginExecute(context.Background()))
	err := h.orch.EndExecute(context.Background())
	assert.ErrorIs(t, err, protocol.ErrCouplingTimeout)
	assert.Equal(t, protocol.StateDisconnected, h.orch.State())

	h.peer.recvType(protocol.TypeConnectionClosed)
}

func TestEndExecuteAcknowledged(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	h.connect(t)
	h.peer.send(protocol.SetPorts{Groups: [][]string{{"velocity", "variable"}}})
	require.Eventually(t, func() bool { return len(h.pipe.portNames()) == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, h.orch.ConnectionAdded(context.Background(), "velocity"))

	require.NoError(t, h.orch.BeginExecute(context.Background()))
	assert.Equal(t, protocol.ConnectPort{Port: "velocity"}, h.peer.recvType(protocol.TypeConnectPort))
	assert.Equal(t, protocol.SetPorts{Groups: [][]string{{"velocity", "variable"}}}, h.peer.recvType(protocol.TypeSetPorts))
	assert.Equal(t, protocol.Ready{State: true}, h.peer.recv())

	done := make(chan error, 1)
	go func() { done <- h.orch.EndExecute(context.Background()) }()
	assert.Equal(t, protocol.Ready{State: false}, h.peer.recvType(protocol.TypeReady))
	h.peer.send(protocol.Ready{State: false})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("EndExecute ignored the acknowledgement")
	}
	assert.Equal(t, protocol.StateConnected, h.orch.State())
}

func TestDroppedObjects(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	h.connect(t)
	h.peer.send(protocol.SetPorts{Groups: [][]string{{"velocity"}}})
	require.Eventually(t, func() bool { return len(h.pipe.portNames()) == 1 }, 5*time.Second, time.Millisecond)

	baseline := h.reg.Arena().Stats().LiveSlots

	bad := object.NewMeta()
	bad.Block = 2
	h.peer.publish("velocity", bad)
	h.peer.publish("nowhere", object.NewMeta())
	h.waitPending(t, 2)

	assert.Equal(t, 0, h.orch.OnPrepareCycle())
	assert.Empty(t, h.pipe.received("velocity"))
	assert.Equal(t, baseline, h.reg.Arena().Stats().LiveSlots, "dropped objects are released")
}

func TestStampsUnsetFields(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	h.connect(t)
	h.peer.send(protocol.SetPorts{Groups: [][]string{{"velocity", "mesh", "data"}}})
	require.Eventually(t, func() bool { return len(h.pipe.portNames()) == 2 }, 5*time.Second, time.Millisecond)

	timed := object.NewMeta()
	timed.Iteration = 40
	timed.Timestep = 4
	timed.NumTimesteps = 8
	h.peer.publish("velocity", timed)
	h.peer.publish("mesh", object.NewMeta())
	h.waitPending(t, 2)

	assert.Equal(t, 2, h.orch.OnPrepareCycle())
	mesh := h.pipe.received("mesh")
	require.Len(t, mesh, 1)
	assert.Equal(t, 40, mesh[0].Meta().Iteration)
	assert.Equal(t, 4, mesh[0].Meta().Timestep)
	assert.Equal(t, 8, mesh[0].Meta().NumTimesteps)
}

func TestPortAndCommandDiff(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	h.connect(t)

	h.peer.send(protocol.SetPorts{Groups: [][]string{{"velocity", "pressure", "variable"}, {"grid", "mesh"}}})
	h.peer.send(protocol.SetCommands{Names: []string{"reset", "step"}})
	h.peer.send(protocol.SetCustomCommands{Names: []string{"label"}})
	require.Eventually(t, func() bool { return len(h.orch.Status().Commands) == 3 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"grid", "pressure", "velocity"}, h.pipe.portNames())

	h.peer.send(protocol.SetPorts{Groups: [][]string{{"velocity", "variable"}, {"grid", "structured"}}})
	h.peer.send(protocol.SetCommands{Names: []string{"step"}})
	require.Eventually(t, func() bool { return len(h.orch.Status().Commands) == 2 }, 5*time.Second, time.Millisecond)

	h.pipe.mu.Lock()
	assert.Equal(t, map[string]string{"velocity": "variable", "grid": "structured"}, h.pipe.ports)
	assert.Equal(t, map[string]string{"step": "int", "label": "string"}, h.pipe.params)
	h.pipe.mu.Unlock()

	require.NoError(t, h.orch.TriggerCommand(context.Background(), "label", "hello"))
	assert.Equal(t, protocol.ExecuteCommand{Name: "label", Arg: "hello"}, h.peer.recvType(protocol.TypeExecuteCommand))
	assert.Error(t, h.orch.TriggerCommand(context.Background(), "reset", ""))
}

func TestOptionsAndConnections(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	h.connect(t)
	h.peer.recv()
	h.peer.recv()
	ctx := context.Background()

	require.NoError(t, h.orch.SetIntOption(ctx, OptionFrequency, 5))
	assert.Equal(t, protocol.IntOption{Name: OptionFrequency, Value: 5}, h.peer.recv())
	assert.Error(t, h.orch.SetIntOption(ctx, "colour", 1))
	assert.Equal(t, int64(5), h.orch.Status().Options[OptionFrequency])

	require.NoError(t, h.orch.ConnectionAdded(ctx, "velocity"))
	require.NoError(t, h.orch.ConnectionAdded(ctx, "velocity"))
	require.NoError(t, h.orch.ConnectionRemoved(ctx, "velocity"))
	require.NoError(t, h.orch.ConnectionRemoved(ctx, "velocity"))
	require.NoError(t, h.orch.ConnectionRemoved(ctx, "velocity"))

	assert.Equal(t, protocol.ConnectPort{Port: "velocity"}, h.peer.recv())
	assert.Equal(t, protocol.DisconnectPort{Port: "velocity"}, h.peer.recv())
	_, ok, err := h.peer.conn.TryRecv()
	require.NoError(t, err)
	assert.False(t, ok)

	h.peer.send(protocol.GoOn{})
	assert.Equal(t, protocol.GoOn{}, h.peer.recv())
}

func TestPipelinePanicIsContained(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	h.pipe.panicOn = "broken"
	h.connect(t)

	h.peer.send(protocol.SetPorts{Groups: [][]string{{"broken"}, {"velocity"}}})
	require.Eventually(t, func() bool { return len(h.pipe.portNames()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, protocol.StateConnected, h.orch.State())
	assert.Equal(t, []string{"velocity"}, h.orch.Status().Ports)
}

func TestPackageCompleteExecutes(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	h.connect(t)

	m, err := protocol.Encode(protocol.PackageComplete{})
	require.NoError(t, err)
	require.NoError(t, h.peer.objects.Send(context.Background(), m))

	require.Eventually(t, func() bool {
		h.pipe.mu.Lock()
		defer h.pipe.mu.Unlock()
		return h.pipe.executions == 1
	}, 5*time.Second, time.Millisecond)
}

func TestRemoveShm(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	h.connect(t)

	// a channel left by a crashed run of this module
	stale, err := message.Create(h.peer.backend, id.ObjectChannelName("", 99, 1, 0), 4, 64, false)
	require.NoError(t, err)
	stale.Close()

	removed, err := h.orch.RemoveShm()
	require.NoError(t, err)
	assert.Contains(t, removed, id.ObjectChannelName("", 99, 1, 0))
	assert.Equal(t, protocol.StateDisconnected, h.orch.State())

	removed, err = h.orch.RemoveShm()
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestNotConnectedOperations(t *testing.T) {
	h := newHarness(t, "abc123", nil)
	ctx := context.Background()

	assert.NoError(t, h.orch.BeginExecute(ctx))
	assert.NoError(t, h.orch.EndExecute(ctx))
	assert.NoError(t, h.orch.SetIntOption(ctx, OptionKeepTimesteps, 3))
	assert.NoError(t, h.orch.ConnectionAdded(ctx, "velocity"))
	assert.Equal(t, 0, h.orch.OnPrepareCycle())
	h.orch.Disconnect()

	st := h.orch.Status()
	assert.Equal(t, "disconnected", st.State)
	assert.Equal(t, int64(3), st.Options[OptionKeepTimesteps])
	assert.Error(t, h.orch.TriggerCommand(ctx, "x", ""))
}
