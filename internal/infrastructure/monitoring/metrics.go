package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	// HTTP metrics of the status server
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Coupling metrics
	Messages        *prometheus.CounterVec
	Objects         *prometheus.CounterVec
	ObjectsDropped  *prometheus.CounterVec
	ConnectAttempts *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	WorkersActive   prometheus.Gauge
	CycleDuration   prometheus.Histogram

	// Operation timings
	OperationDuration *prometheus.HistogramVec

	// Arena metrics
	ArenaFreeBytes prometheus.Gauge
	ArenaLiveSlots prometheus.Gauge

	startTime time.Time

	// Snapshot for the JSON status API
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON status API
type Snapshot struct {
	MessagesSent     int64   `json:"messages_sent"`
	MessagesReceived int64   `json:"messages_received"`
	ObjectsReceived  int64   `json:"objects_received"`
	ObjectsPublished int64   `json:"objects_published"`
	ObjectsDropped   int64   `json:"objects_dropped"`
	ActiveSessions   int64   `json:"active_sessions"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// NewMetrics registers the collectors with reg. A nil reg gets a private
// registry, which keeps repeated construction in tests from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizflow_http_requests_total",
				Help: "Total number of HTTP requests to the status server",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vizflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizflow_insitu_messages_total",
				Help: "Coupling messages by channel, direction and type",
			},
			[]string{"channel", "direction", "type"},
		),
		Objects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizflow_insitu_objects_total",
				Help: "Simulation objects by lifecycle event",
			},
			[]string{"event"},
		),
		ObjectsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizflow_insitu_objects_dropped_total",
				Help: "Simulation objects not admitted to the pipeline",
			},
			[]string{"reason"},
		),
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizflow_insitu_connect_attempts_total",
				Help: "Connect attempts by result",
			},
			[]string{"result"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vizflow_insitu_sessions_active",
				Help: "Number of connected coupling sessions",
			},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vizflow_insitu_workers_active",
				Help: "Number of running coupling workers",
			},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vizflow_insitu_prepare_cycle_seconds",
				Help:    "Time spent handing buffered objects to the pipeline",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vizflow_operation_duration_seconds",
				Help:    "Duration of component operations",
				Buckets: []float64{.0001, .001, .01, .1, 1, 10},
			},
			[]string{"component", "operation", "status"},
		),

		ArenaFreeBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vizflow_arena_free_bytes",
				Help: "Free heap bytes in the shared arena",
			},
		),
		ArenaLiveSlots: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vizflow_arena_live_slots",
				Help: "Allocated slots in the shared arena",
			},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vizflow_uptime_seconds",
			Help: "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records a status server request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMessage counts a coupling message. direction is "in" or "out".
func (m *Metrics) RecordMessage(channel, direction, msgType string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(channel, direction, msgType).Inc()

	m.mu.Lock()
	if direction == "in" {
		m.snapshot.MessagesReceived++
	} else {
		m.snapshot.MessagesSent++
	}
	m.mu.Unlock()
}

// RecordObject counts an object event: "received" or "published"
func (m *Metrics) RecordObject(event string) {
	if m == nil {
		return
	}
	m.Objects.WithLabelValues(event).Inc()

	m.mu.Lock()
	switch event {
	case "received":
		m.snapshot.ObjectsReceived++
	case "published":
		m.snapshot.ObjectsPublished++
	}
	m.mu.Unlock()
}

// RecordDrop counts an object that was not admitted
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.ObjectsDropped.WithLabelValues(reason).Inc()

	m.mu.Lock()
	m.snapshot.ObjectsDropped++
	m.mu.Unlock()
}

// RecordConnect counts a connect attempt
func (m *Metrics) RecordConnect(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

// SetSessionsActive sets the number of connected sessions
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveSessions = int64(count)
	m.mu.Unlock()
}

// IncWorkers and DecWorkers track running coupling workers
func (m *Metrics) IncWorkers() {
	if m != nil {
		m.WorkersActive.Inc()
	}
}

func (m *Metrics) DecWorkers() {
	if m != nil {
		m.WorkersActive.Dec()
	}
}

// ObserveCycle records one prepare-cycle duration
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m != nil {
		m.CycleDuration.Observe(d.Seconds())
	}
}

// RecordOperation records the duration of a component operation
func (m *Metrics) RecordOperation(component, operation, status string, d time.Duration) {
	if m != nil {
		m.OperationDuration.WithLabelValues(component, operation, status).Observe(d.Seconds())
	}
}

// SetArena publishes allocator state
func (m *Metrics) SetArena(freeBytes, liveSlots uint64) {
	if m == nil {
		return
	}
	m.ArenaFreeBytes.Set(float64(freeBytes))
	m.ArenaLiveSlots.Set(float64(liveSlots))
}

// Snapshot returns the current values for the JSON API
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
