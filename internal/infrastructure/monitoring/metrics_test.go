package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.RecordMessage("control", "in", "GoOn")
	m.RecordObject("received")
	m.RecordDrop("invalid")
	m.IncWorkers()
	m.ObserveCycle(time.Millisecond)
	NewTimer(m, "orchestrator", "connect").Stop("success")
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordMessage("control", "in", "SetPorts")
	m.RecordMessage("control", "out", "ShmInfo")
	m.RecordMessage("control", "out", "IntOption")
	m.RecordObject("received")
	m.RecordObject("published")
	m.RecordDrop("validation")
	m.SetSessionsActive(1)
	m.IncWorkers()
	m.IncWorkers()
	m.DecWorkers()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("control", "in", "SetPorts")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObjectsDropped.WithLabelValues("validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkersActive))

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.MessagesSent)
	assert.Equal(t, int64(1), s.MessagesReceived)
	assert.Equal(t, int64(1), s.ObjectsReceived)
	assert.Equal(t, int64(1), s.ObjectsPublished)
	assert.Equal(t, int64(1), s.ObjectsDropped)
	assert.Equal(t, int64(1), s.ActiveSessions)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["vizflow_uptime_seconds"])

	// a second set on a fresh registry must not panic on duplicate names
	NewMetrics(nil)
	NewMetrics(nil)
}
