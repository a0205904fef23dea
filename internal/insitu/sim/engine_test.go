package sim

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/vizflow/internal/insitu/coupling"
	"github.com/GriffinCanCode/vizflow/internal/insitu/orchestrator"
	"github.com/GriffinCanCode/vizflow/internal/insitu/protocol"
	"github.com/GriffinCanCode/vizflow/internal/object"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

type recordingPipeline struct {
	mu         sync.Mutex
	ports      []string
	objects    []*object.Handle
	executions int
}

func (r *recordingPipeline) CreateOutputPort(name, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, name)
	return nil
}

func (r *recordingPipeline) DestroyPort(string) error { return nil }
func (r *recordingPipeline) AddIntParameter(string, int64) error { return nil }
func (r *recordingPipeline) AddStringParameter(string, string) error { return nil }
func (r *recordingPipeline) RemoveParameter(string) error { return nil }

func (r *recordingPipeline) AddObject(_ string, h *object.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = append(r.objects, h)
	return nil
}

func (r *recordingPipeline) Execute() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions++
	return nil
}

func (r *recordingPipeline) snapshot() (ports int, objects []*object.Handle, executions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports), append([]*object.Handle(nil), r.objects...), r.executions
}

type session struct {
	engine *Engine
	orch   *orchestrator.Orchestrator
	pipe   *recordingPipeline
	reg    *object.Registry
	cancel context.CancelFunc
	done   chan error
}

func startSession(t *testing.T, cfg Config) *session {
	t.Helper()
	b := shm.NewHeapBackend()
	cfg.HandshakePath = filepath.Join(t.TempDir(), "handshake")
	cfg.ChannelCapacity = 32
	cfg.ChunkSize = 4096

	engine, err := Listen(b, cfg, nil)
	require.NoError(t, err)

	arena, err := shm.Create(b, "vizflow_sim_test", 16<<20, shm.Options{Slots: 1024, DirEntries: 256})
	require.NoError(t, err)
	reg := object.NewRegistry(arena, 1, 0, nil)

	pipe := &recordingPipeline{}
	orch := orchestrator.New(b, reg, pipe, orchestrator.Config{
		HandshakePath:   cfg.HandshakePath,
		ModuleID:        1,
		ChannelCapacity: 32,
		ChunkSize:       4096,
		Worker:          coupling.Options{Spins: 8, InitialInterval: 10 * time.Microsecond, MaxInterval: time.Millisecond},
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{engine: engine, orch: orch, pipe: pipe, reg: reg, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- engine.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-s.done
		orch.Close()
		engine.Close()
		_, objects, _ := pipe.snapshot()
		for _, h := range objects {
			h.Release()
		}
		arena.Close()
	})

	require.NoError(t, orch.Connect(context.Background()))
	require.Eventually(t, engine.Connected, 5*time.Second, time.Millisecond)
	return s
}

func pointsAt(t *testing.T, reg *object.Registry, timestep int) *object.Handle {
	t.Helper()
	meta := object.NewMeta()
	meta.Timestep = timestep
	meta.NumTimesteps = 100
	meta.Iteration = timestep * 10
	h, err := reg.Create(object.KindPoints, 0, meta)
	require.NoError(t, err)
	c, ok := object.As[object.Coords](h)
	require.True(t, ok)
	require.NoError(t, c.SetCoords([]float32{1, 2, 3}, []float32{4, 5, 6}, []float32{7, 8, 9}))
	return h
}

func TestEngineStreamsObjects(t *testing.T) {
	for _, inline := range []bool{false, true} {
		name := "shared"
		if inline {
			name = "inline"
		}
		t.Run(name, func(t *testing.T) {
			s := startSession(t, Config{
				Ports:  [][]string{{"velocity", "variable"}},
				Inline: inline,
			})
			ctx := context.Background()

			require.Eventually(t, func() bool {
				ports, _, _ := s.pipe.snapshot()
				return ports == 1
			}, 5*time.Second, time.Millisecond)
			assert.False(t, s.engine.ShouldSend("velocity", 0), "nothing downstream yet")

			require.NoError(t, s.orch.ConnectionAdded(ctx, "velocity"))
			require.Eventually(t, func() bool { return s.engine.ShouldSend("velocity", 0) }, 5*time.Second, time.Millisecond)

			require.NoError(t, s.engine.Publish(ctx, "velocity", pointsAt(t, s.engine.Registry(), 5)))
			require.NoError(t, s.engine.Complete(ctx))

			require.Eventually(t, func() bool {
				_, _, executions := s.pipe.snapshot()
				return executions == 1
			}, 5*time.Second, time.Millisecond)
			require.Equal(t, 1, s.orch.OnPrepareCycle())

			_, objects, _ := s.pipe.snapshot()
			require.Len(t, objects, 1)
			got := objects[0]
			assert.Equal(t, 5, got.Meta().Timestep)
			assert.Equal(t, 50, got.Meta().Iteration)
			c, ok := object.As[object.Coords](got)
			require.True(t, ok)
			assert.Equal(t, []float32{4, 5, 6}, c.Y())
			assert.Equal(t, int64(1), got.RefCount(), "the pipeline holds the only reference")
		})
	}
}

func TestEngineAnswersOptionsAndReady(t *testing.T) {
	var (
		mu       sync.Mutex
		commands []string
	)
	s := startSession(t, Config{
		Ports:    [][]string{{"velocity"}},
		Commands: []string{"reset"},
		OnCommand: func(name, arg string) {
			mu.Lock()
			commands = append(commands, name+":"+arg)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	require.Eventually(t, func() bool {
		v, ok := s.engine.Option(orchestrator.OptionKeepTimesteps)
		return ok && v == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, s.orch.SetIntOption(ctx, orchestrator.OptionFrequency, 3))
	require.Eventually(t, func() bool {
		v, _ := s.engine.Option(orchestrator.OptionFrequency)
		return v == 3
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, s.orch.ConnectionAdded(ctx, "velocity"))
	require.Eventually(t, func() bool { return s.engine.ShouldSend("velocity", 3) }, 5*time.Second, time.Millisecond)
	assert.False(t, s.engine.ShouldSend("velocity", 4))

	require.Eventually(t, func() bool { return len(s.orch.Status().Commands) == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, s.orch.TriggerCommand(ctx, "reset", "now"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(commands) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"reset:now"}, commands)

	require.NoError(t, s.orch.BeginExecute(ctx))
	require.Eventually(t, s.engine.Executing, 5*time.Second, time.Millisecond)
	require.NoError(t, s.orch.EndExecute(ctx))
	assert.False(t, s.engine.Executing())
	assert.Equal(t, protocol.StateConnected, s.orch.State())
}

func TestEngineCloseEndsModuleSession(t *testing.T) {
	s := startSession(t, Config{Ports: [][]string{{"velocity"}}})

	s.cancel()
	<-s.done
	s.done <- nil
	require.NoError(t, s.engine.Close())

	require.Eventually(t, func() bool {
		return s.orch.State() == protocol.StateDisconnected
	}, 5*time.Second, time.Millisecond)
	assert.False(t, s.engine.Connected())
}

func TestModuleDisconnectStopsEngine(t *testing.T) {
	s := startSession(t, Config{Ports: [][]string{{"velocity"}}})

	s.orch.Disconnect()
	select {
	case err := <-s.done:
		assert.NoError(t, err)
		s.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("engine kept running after the module disconnected")
	}
	assert.True(t, s.engine.Closed())
	assert.ErrorIs(t, s.engine.Complete(context.Background()), protocol.ErrNotConnected)
}
