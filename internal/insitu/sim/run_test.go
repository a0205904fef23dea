package sim

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/vizflow/internal/insitu/coupling"
	"github.com/GriffinCanCode/vizflow/internal/insitu/orchestrator"
	"github.com/GriffinCanCode/vizflow/internal/insitu/pipeline"
	"github.com/GriffinCanCode/vizflow/internal/object"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

func TestOrchestratorRunLoop(t *testing.T) {
	b := shm.NewHeapBackend()
	handshake := filepath.Join(t.TempDir(), "handshake")

	arena, err := shm.Create(b, "vizflow_run_test", 16<<20, shm.Options{Slots: 1024, DirEntries: 256})
	require.NoError(t, err)
	defer arena.Close()
	baseline := arena.Stats().LiveSlots

	journal := pipeline.NewJournal(nil, 1)
	orch := orchestrator.New(b, object.NewRegistry(arena, 1, 0, nil), journal, orchestrator.Config{
		HandshakePath:    handshake,
		ModuleID:         1,
		ChannelCapacity:  32,
		ChunkSize:        4096,
		EndTimeout:       2 * time.Second,
		BreakerThreshold: 1000,
		Worker:           coupling.Options{Spins: 8, InitialInterval: 10 * time.Microsecond, MaxInterval: time.Millisecond},
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() {
		ran <- orch.Run(ctx, orchestrator.RunOptions{Interval: 5 * time.Millisecond, MaxRetryInterval: 20 * time.Millisecond})
	}()

	// the module starts first and keeps retrying until the handshake appears
	time.Sleep(30 * time.Millisecond)
	engine, err := Listen(b, Config{
		HandshakePath:   handshake,
		ChannelCapacity: 32,
		ChunkSize:       4096,
		Ports:           [][]string{{"velocity", "variable"}},
	}, nil)
	require.NoError(t, err)
	simDone := make(chan error, 1)
	go func() { simDone <- engine.Run(ctx) }()

	require.Eventually(t, engine.Connected, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(journal.Summary().Ports) == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, orch.ConnectionAdded(ctx, "velocity"))
	require.Eventually(t, func() bool { return engine.ShouldSend("velocity", 0) }, 5*time.Second, time.Millisecond)

	require.NoError(t, engine.Publish(ctx, "velocity", pointsAt(t, engine.Registry(), 2)))
	require.NoError(t, engine.Complete(ctx))

	require.Eventually(t, func() bool {
		s := journal.Summary()
		return len(s.Ports) == 1 && s.Ports[0].Received == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, "connected", orch.Status().State)
	assert.Positive(t, orch.Status().ExecutionCounter)

	cancel()
	require.NoError(t, <-ran)
	<-simDone
	require.NoError(t, orch.Close())
	require.NoError(t, engine.Close())
	require.NoError(t, journal.Close())
	assert.Equal(t, baseline, arena.Stats().LiveSlots)
}
