package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/vizflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/vizflow/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/vizflow/internal/insitu/coupling"
	"github.com/GriffinCanCode/vizflow/internal/insitu/protocol"
	"github.com/GriffinCanCode/vizflow/internal/message"
	"github.com/GriffinCanCode/vizflow/internal/object"
	"github.com/GriffinCanCode/vizflow/internal/shared/id"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

// Int options forwarded to the simulation
const (
	OptionFrequency     = "frequency"
	OptionKeepTimesteps = "keep timesteps"
)

// Config describes the module side of a connection.
type Config struct {
	HandshakePath string
	Rank          int
	MPISize       int
	ModuleID      int
	ModuleName    string
	Hostname      string

	ChannelPrefix   string
	ChannelCapacity int
	ChunkSize       int

	// EndTimeout bounds the wait for the peer's end-of-execution Ready
	EndTimeout time.Duration
	// SendTimeout bounds a control send while the peer is behind
	SendTimeout time.Duration

	Frequency     int64
	KeepTimesteps int64

	BreakerThreshold uint32
	BreakerTimeout   time.Duration

	Worker coupling.Options
}

func (c Config) withDefaults() Config {
	if c.MPISize <= 0 {
		c.MPISize = 1
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = message.DefaultCapacity
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = message.DefaultChunkSize
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.Frequency <= 0 {
		c.Frequency = 1
	}
	if c.KeepTimesteps <= 0 {
		c.KeepTimesteps = 1
	}
	return c
}

type commandKind int

const (
	intCommand commandKind = iota
	stringCommand
)

// Orchestrator couples one module rank to a simulation.
//
// Pipeline callbacks run with the orchestrator's lock held and must not
// call back into it.
type Orchestrator struct {
	cfg     Config
	backend shm.Backend
	reg     *object.Registry
	pipe    Pipeline
	logger  *zap.Logger
	metrics *monitoring.Metrics
	breaker *resilience.Breaker

	connectMu sync.Mutex

	mu          sync.Mutex
	session     *protocol.Session
	conn        *protocol.Conn
	objects     *message.Channel
	worker      *coupling.Worker
	retired     []*coupling.Worker
	leftover    []coupling.Pending
	ports       map[string]string
	commands    map[string]commandKind
	options     map[string]int64
	connections map[string]int
	instance    int
	counter     int
	iteration   int
	timestep    int
	numSteps    int
	lastErr     error

	ack chan struct{}
}

// New creates a disconnected orchestrator. Objects live in reg's arena,
// whose name is announced to the simulation.
func New(backend shm.Backend, reg *object.Registry, pipe Pipeline, cfg Config, logger *zap.Logger, metrics *monitoring.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		backend:     backend,
		reg:         reg,
		pipe:        pipe,
		logger:      logger.Named("orchestrator").With(zap.Int("rank", cfg.Rank)),
		metrics:     metrics,
		ports:       make(map[string]string),
		commands:    make(map[string]commandKind),
		connections: make(map[string]int),
		options: map[string]int64{
			OptionFrequency:     cfg.Frequency,
			OptionKeepTimesteps: cfg.KeepTimesteps,
		},
		iteration: -1,
		timestep:  -1,
		numSteps:  -1,
		ack:       make(chan struct{}, 1),
	}
	o.breaker = resilience.New("connect", resilience.Settings{
		Threshold: cfg.BreakerThreshold,
		Timeout:   cfg.BreakerTimeout,
		IsFailure: func(err error) bool {
			return errors.Is(err, protocol.ErrHandshake) || errors.Is(err, protocol.ErrQueueCreate)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			o.logger.Info("connect breaker changed state",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return o
}

// State returns the session state
func (o *Orchestrator) State() protocol.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.State()
}

func (o *Orchestrator) connected() bool {
	return o.State() == protocol.StateConnected
}

// Connect reads the handshake file and sets up a session. Connecting while
// connected does nothing. Failures leave the orchestrator disconnected.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.connectMu.Lock()
	defer o.connectMu.Unlock()
	o.reap()

	if o.connected() {
		return nil
	}

	timer := monitoring.NewTimer(o.metrics, "orchestrator", "connect")
	err := o.breaker.Do(func() error { return o.connect(ctx) })
	switch {
	case err == nil:
		timer.Stop("success")
		o.metrics.RecordConnect("success")
	case errors.Is(err, resilience.ErrCircuitOpen):
		timer.Stop("rejected")
		o.metrics.RecordConnect("rejected")
	default:
		timer.Stop("failure")
		o.metrics.RecordConnect("failure")
	}
	if err != nil {
		o.logger.Warn("failed to connect to simulation", zap.Error(err))
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
	}
	return err
}

func (o *Orchestrator) connect(ctx context.Context) error {
	key, err := protocol.ReadHandshake(o.cfg.HandshakePath, o.cfg.Rank)
	if err != nil {
		return err
	}

	conn, err := protocol.Dial(o.backend, key)
	if err != nil {
		return err
	}
	objects, instance, err := o.createObjectChannel()
	if err != nil {
		conn.Close()
		return err
	}

	session := protocol.NewSession(key, o.cfg.Rank, instance)
	var w *coupling.Worker
	w = coupling.New(coupling.Config{
		Conn:      conn,
		Objects:   objects,
		Registry:  o.reg,
		Handler:   o.handle,
		OnPackage: o.onPackage,
		OnExit:    func(bool) { o.onExit(w) },
		Logger:    o.logger,
		Metrics:   o.metrics,
		Options:   o.cfg.Worker,
	})

	o.mu.Lock()
	o.session = session
	o.conn = conn
	o.objects = objects
	o.worker = w
	o.lastErr = nil
	session.Transition(protocol.StateConnecting, protocol.StateConnected)
	options := o.optionList()
	connected := o.connectedPorts()
	o.metrics.SetSessionsActive(1)
	o.mu.Unlock()
	w.Start()

	o.logger.Info("connected to simulation",
		zap.String("key", key),
		zap.Int("instance", instance),
		zap.String("session", session.ID.String()))

	info := protocol.ShmInfo{
		Hostname:       o.cfg.Hostname,
		SegmentName:    o.reg.Arena().Name(),
		ModuleID:       o.cfg.ModuleID,
		ModuleName:     o.cfg.ModuleName,
		MPISize:        o.cfg.MPISize,
		InstanceNumber: instance,
	}
	msgs := []protocol.Payload{info}
	msgs = append(msgs, options...)
	for _, port := range connected {
		msgs = append(msgs, protocol.ConnectPort{Port: port})
	}
	for _, m := range msgs {
		if err := o.send(ctx, m); err != nil {
			o.Disconnect()
			return fmt.Errorf("failed to send %s: %w", m.Type(), err)
		}
	}
	return nil
}

// createObjectChannel creates the channel the simulation streams objects
// on. Names held by a crashed run are skipped by bumping the instance.
func (o *Orchestrator) createObjectChannel() (*message.Channel, int, error) {
	const attempts = 64
	for i := 0; i < attempts; i++ {
		o.mu.Lock()
		o.instance++
		instance := o.instance
		o.mu.Unlock()

		name := id.ObjectChannelName(o.cfg.ChannelPrefix, instance, o.cfg.ModuleID, o.cfg.Rank)
		ch, err := message.Create(o.backend, name, o.cfg.ChannelCapacity, o.cfg.ChunkSize, false)
		if errors.Is(err, shm.ErrExists) {
			o.logger.Debug("object channel name taken", zap.String("name", name))
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %v", protocol.ErrQueueCreate, name, err)
		}
		return ch, instance, nil
	}
	return nil, 0, fmt.Errorf("%w: no free object channel name", protocol.ErrQueueCreate)
}

// Disconnect ends the session. It is idempotent: only the first call
// stops the worker, which sends the single ConnectionClosed.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	w := o.worker
	if w == nil || o.session.State() == protocol.StateDisconnected {
		o.mu.Unlock()
		o.reap()
		return
	}
	o.session.Set(protocol.StateTerminating)
	o.mu.Unlock()

	w.Stop()
	o.release(w)
	o.reap()
	o.logger.Info("disconnected from simulation")
}

// onExit runs once a worker's loop is over, whoever ended it.
func (o *Orchestrator) onExit(w *coupling.Worker) {
	if w.PeerClosed() {
		o.logger.Info("simulation ended the session")
	}
	o.release(w)
}

// release tears down the session w belonged to. The worker is joined
// later by reap, never from its own goroutine.
func (o *Orchestrator) release(w *coupling.Worker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.worker != w {
		return
	}

	o.leftover = append(o.leftover, w.Take()...)
	var errs []error
	if o.conn != nil {
		errs = append(errs, o.conn.Close())
	}
	if o.objects != nil {
		errs = append(errs, o.objects.Remove())
	}
	if err := errors.Join(errs...); err != nil {
		o.logger.Warn("failed to release channels", zap.Error(err))
	}
	o.conn = nil
	o.objects = nil
	o.worker = nil
	o.retired = append(o.retired, w)
	o.session.Set(protocol.StateDisconnected)
	o.metrics.SetSessionsActive(0)
}

// reap joins workers whose loops have ended
func (o *Orchestrator) reap() {
	o.mu.Lock()
	var keep, done []*coupling.Worker
	for _, w := range o.retired {
		select {
		case <-w.Done():
			done = append(done, w)
		default:
			keep = append(keep, w)
		}
	}
	o.retired = keep
	o.mu.Unlock()

	for _, w := range done {
		w.Stop()
	}
}

// Close disconnects and releases objects that were never handed to the
// pipeline.
func (o *Orchestrator) Close() error {
	o.connectMu.Lock()
	defer o.connectMu.Unlock()
	o.Disconnect()

	o.mu.Lock()
	retired := o.retired
	o.retired = nil
	left := o.leftover
	o.leftover = nil
	o.mu.Unlock()

	for _, w := range retired {
		w.Stop()
	}
	var errs []error
	for _, p := range left {
		errs = append(errs, p.Handle.Release())
	}
	return errors.Join(errs...)
}

// RemoveShm disconnects and removes every object channel this module rank
// may have left behind. Repeated calls are harmless.
func (o *Orchestrator) RemoveShm() ([]string, error) {
	o.Disconnect()
	prefix := o.cfg.ChannelPrefix
	if prefix == "" {
		prefix = id.DefaultPrefix
	}
	pattern := fmt.Sprintf("%s_objects_*_m%d_r%d", prefix, o.cfg.ModuleID, o.cfg.Rank)
	removed, err := shm.Sweep(o.backend, pattern)
	if err != nil {
		return removed, err
	}
	if len(removed) > 0 {
		o.logger.Info("removed stale object channels", zap.Strings("names", removed))
	}
	return removed, nil
}

// send delivers a control message, bounded by SendTimeout
func (o *Orchestrator) send(ctx context.Context, p protocol.Payload) error {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return protocol.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()
	if err := conn.Send(ctx, p); err != nil {
		return err
	}
	o.metrics.RecordMessage("control", "out", p.Type().String())
	return nil
}

// fail turns a peer failure into a disconnect and a log entry
func (o *Orchestrator) fail(op string, err error) {
	o.logger.Warn("lost simulation connection", zap.String("op", op), zap.Error(err))
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
	o.Disconnect()
}

// optionList returns the int options in name order. Caller holds mu.
func (o *Orchestrator) optionList() []protocol.Payload {
	names := make([]string, 0, len(o.options))
	for name := range o.options {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]protocol.Payload, 0, len(names))
	for _, name := range names {
		out = append(out, protocol.IntOption{Name: name, Value: o.options[name]})
	}
	return out
}

// connectedPorts returns open ports with downstream connections, sorted.
// Caller holds mu.
func (o *Orchestrator) connectedPorts() []string {
	var out []string
	for port, n := range o.connections {
		if _, open := o.ports[port]; open && n > 0 {
			out = append(out, port)
		}
	}
	sort.Strings(out)
	return out
}
