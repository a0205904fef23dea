package sim

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/vizflow/internal/archive"
	"github.com/GriffinCanCode/vizflow/internal/insitu/protocol"
	"github.com/GriffinCanCode/vizflow/internal/message"
	"github.com/GriffinCanCode/vizflow/internal/object"
	"github.com/GriffinCanCode/vizflow/internal/shared/id"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

// CreatorID marks payloads created by a simulation in a module's arena
const CreatorID = 1 << 15

// Config describes one simulation rank.
type Config struct {
	// KeyPrefix prefixes control keys; ChannelPrefix must match the module's
	KeyPrefix     string
	ChannelPrefix string
	HandshakePath string
	Rank          int

	ChannelCapacity int
	ChunkSize       int
	SendTimeout     time.Duration

	// Ports are groups of port names, each ending in its type label
	Ports          [][]string
	Commands       []string
	CustomCommands []string

	// Inline sends serialized objects instead of arena names
	Inline  bool
	Archive archive.Options

	// OnCommand runs for every ExecuteCommand from the module
	OnCommand func(name, arg string)
}

// Engine is the simulation side of one rank.
type Engine struct {
	cfg     Config
	backend shm.Backend
	logger  *zap.Logger
	conn    *protocol.Conn
	key     string

	mu        sync.Mutex
	info      *protocol.ShmInfo
	arena     *shm.Arena
	reg       *object.Registry
	objects   *message.Channel
	options   map[string]int64
	connected map[string]bool
	requested []string
	executing bool
	closed    bool
}

// Listen creates the control channels of cfg.Rank and, when a handshake
// path is set, records the key there.
func Listen(b shm.Backend, cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = message.DefaultCapacity
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = message.DefaultChunkSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}

	keyFor := func(it int) string { return id.ControlKey(cfg.KeyPrefix, it, cfg.Rank) }
	conn, key, err := protocol.Listen(b, keyFor, cfg.ChannelCapacity, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	if cfg.HandshakePath != "" {
		if err := protocol.WriteHandshake(cfg.HandshakePath, map[int]string{cfg.Rank: key}); err != nil {
			conn.Close()
			return nil, err
		}
	}

	e := &Engine{
		cfg:       cfg,
		backend:   b,
		logger:    logger.Named("sim").With(zap.Int("rank", cfg.Rank)),
		conn:      conn,
		key:       key,
		options:   make(map[string]int64),
		connected: make(map[string]bool),
	}
	e.logger.Info("waiting for module", zap.String("key", key))
	return e, nil
}

// Key returns the handshake key of this rank
func (e *Engine) Key() string { return e.key }

// Poll applies every queued control message and returns how many there
// were. It never waits for the module.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	n := 0
	for {
		p, ok, err := e.conn.TryRecv()
		if errors.Is(err, message.ErrClosed) {
			return n, protocol.ErrNotConnected
		}
		if err != nil && !ok {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
		if err != nil {
			e.logger.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		if err := e.apply(ctx, p); err != nil {
			return n, err
		}
	}
}

func (e *Engine) apply(ctx context.Context, p protocol.Payload) error {
	switch m := p.(type) {
	case protocol.ShmInfo:
		return e.attach(ctx, m)
	case protocol.IntOption:
		e.mu.Lock()
		e.options[m.Name] = m.Value
		e.mu.Unlock()
		return e.send(ctx, m)
	case protocol.ExecuteCommand:
		if e.cfg.OnCommand != nil {
			e.cfg.OnCommand(m.Name, m.Arg)
		}
	case protocol.ConnectPort:
		e.mu.Lock()
		e.connected[m.Port] = true
		e.mu.Unlock()
	case protocol.DisconnectPort:
		e.mu.Lock()
		delete(e.connected, m.Port)
		e.mu.Unlock()
	case protocol.SetPorts:
		names, _ := m.Ports()
		e.mu.Lock()
		e.requested = names
		e.mu.Unlock()
	case protocol.Ready:
		e.mu.Lock()
		e.executing = m.State
		e.mu.Unlock()
		if !m.State {
			return e.send(ctx, protocol.Ready{State: false})
		}
	case protocol.GoOn:
	case protocol.ConnectionClosed, protocol.Quit:
		e.logger.Info("module closed the connection")
		e.detach()
	default:
		e.logger.Debug("ignoring message", zap.Stringer("type", p.Type()))
	}
	return nil
}

// attach maps the module's arena and object channel, then announces ports
// and commands.
func (e *Engine) attach(ctx context.Context, info protocol.ShmInfo) error {
	arena, err := shm.Attach(e.backend, info.SegmentName)
	if err != nil {
		return fmt.Errorf("failed to attach arena %s: %w", info.SegmentName, err)
	}
	name := id.ObjectChannelName(e.cfg.ChannelPrefix, info.InstanceNumber, info.ModuleID, e.cfg.Rank)
	objects, err := message.Open(e.backend, name)
	if err != nil {
		arena.Close()
		return fmt.Errorf("%w: %s: %v", protocol.ErrQueueCreate, name, err)
	}

	e.mu.Lock()
	e.info = &info
	e.arena = arena
	e.reg = object.NewRegistry(arena, CreatorID, e.cfg.Rank, e.logger)
	e.objects = objects
	e.closed = false
	e.mu.Unlock()

	e.logger.Info("module connected",
		zap.String("host", info.Hostname),
		zap.String("module", info.ModuleName),
		zap.Int("instance", info.InstanceNumber))

	msgs := []protocol.Payload{protocol.SetPorts{Groups: e.cfg.Ports}}
	if len(e.cfg.Commands) > 0 {
		msgs = append(msgs, protocol.SetCommands{Names: e.cfg.Commands})
	}
	if len(e.cfg.CustomCommands) > 0 {
		msgs = append(msgs, protocol.SetCustomCommands{Names: e.cfg.CustomCommands})
	}
	for _, m := range msgs {
		if err := e.send(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.objects != nil {
		e.objects.Close()
		e.objects = nil
	}
	if e.arena != nil {
		e.arena.Close()
		e.arena = nil
	}
	e.reg = nil
	e.info = nil
}

// Connected reports whether a module is attached
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg != nil
}

// Closed reports whether the module ended the session
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Registry returns the registry of the module's arena, or nil before a
// module connected.
func (e *Engine) Registry() *object.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg
}

// Option returns the last value the module set for name
func (e *Engine) Option(name string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.options[name]
	return v, ok
}

// ConnectedPorts returns the ports the module has downstream connections on
func (e *Engine) ConnectedPorts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.connected))
	for port := range e.connected {
		out = append(out, port)
	}
	sort.Strings(out)
	return out
}

// Executing reports whether the module is between Ready(true) and
// Ready(false)
func (e *Engine) Executing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executing
}

// ShouldSend reports whether data for port is wanted at iteration, given
// the module's frequency option.
func (e *Engine) ShouldSend(port string, iteration int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reg == nil || !e.connected[port] {
		return false
	}
	freq := e.options["frequency"]
	return freq <= 1 || int64(iteration)%freq == 0
}

// Publish sends h to the module on port. The engine takes over h's
// reference in every case.
func (e *Engine) Publish(ctx context.Context, port string, h *object.Handle) error {
	defer h.Release()

	e.mu.Lock()
	reg, objects := e.reg, e.objects
	e.mu.Unlock()
	if reg == nil {
		return protocol.ErrNotConnected
	}

	msg := protocol.AddObject{Port: port}
	if e.cfg.Inline {
		data, err := reg.Serialize(h, e.cfg.Archive)
		if err != nil {
			return err
		}
		msg.Archive = data
		return e.sendObject(ctx, objects, msg)
	}

	if err := reg.Publish(h); err != nil {
		return err
	}
	// the module adopts this reference
	transfer, err := h.Retain()
	if err != nil {
		return err
	}
	msg.Object = h.Name().String()
	if err := e.sendObject(ctx, objects, msg); err != nil {
		transfer.Release()
		return err
	}
	return nil
}

// Complete closes the current batch; the module executes its pipeline
func (e *Engine) Complete(ctx context.Context) error {
	e.mu.Lock()
	objects := e.objects
	e.mu.Unlock()
	if objects == nil {
		return protocol.ErrNotConnected
	}
	return e.sendObject(ctx, objects, protocol.PackageComplete{})
}

// GoOn prods the module; it answers with GoOn
func (e *Engine) GoOn(ctx context.Context) error {
	return e.send(ctx, protocol.GoOn{})
}

// Run polls until ctx ends or the module closes the session
func (e *Engine) Run(ctx context.Context) error {
	curve := backoff.NewExponentialBackOff()
	curve.InitialInterval = 100 * time.Microsecond
	curve.MaxInterval = 20 * time.Millisecond
	curve.MaxElapsedTime = 0
	curve.Reset()

	spins := 0
	for ctx.Err() == nil {
		n, err := e.Poll(ctx)
		if err != nil {
			return err
		}
		if e.Closed() {
			return nil
		}
		if n > 0 {
			spins = 0
			curve.Reset()
			continue
		}
		if spins < 64 {
			spins++
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(curve.NextBackOff()):
		}
	}
	return ctx.Err()
}

// Close ends the session and removes the control channels
func (e *Engine) Close() error {
	e.mu.Lock()
	notify := e.reg != nil && !e.closed
	e.mu.Unlock()

	var errs []error
	if notify {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
		errs = append(errs, e.send(ctx, protocol.ConnectionClosed{Orderly: true}))
		cancel()
	}
	e.detach()
	errs = append(errs, e.conn.Close())
	return errors.Join(errs...)
}

func (e *Engine) send(ctx context.Context, p protocol.Payload) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return e.conn.Send(ctx, p)
}

func (e *Engine) sendObject(ctx context.Context, ch *message.Channel, p protocol.Payload) error {
	m, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return ch.Send(ctx, m)
}
