package coupling

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/vizflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/vizflow/internal/insitu/protocol"
	"github.com/GriffinCanCode/vizflow/internal/message"
	"github.com/GriffinCanCode/vizflow/internal/object"
	"github.com/GriffinCanCode/vizflow/internal/shared/id"
)

var (
	spawned atomic.Int64
	joined  atomic.Int64
)

// Stats returns the number of workers started and joined by this process
func Stats() (started, stopped int64) {
	return spawned.Load(), joined.Load()
}

// Handler applies one control message. Returning false ends the session
// as closed by the peer.
type Handler func(p protocol.Payload) bool

// Options tunes the idle wait and shutdown of a worker.
type Options struct {
	Spins           int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	CloseTimeout    time.Duration
}

// DefaultOptions returns the standard idle curve: 64 yields, then sleeps
// from 50µs doubling up to 10ms.
func DefaultOptions() Options {
	return Options{
		Spins:           64,
		InitialInterval: 50 * time.Microsecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.2,
		CloseTimeout:    time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Spins < 0 {
		o.Spins = 0
	} else if o.Spins == 0 {
		o.Spins = d.Spins
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.MaxInterval < o.InitialInterval {
		o.MaxInterval = max(d.MaxInterval, o.InitialInterval)
	}
	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = d.Jitter
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = d.CloseTimeout
	}
	return o
}

// Pending is an object received from the simulation and not yet handed to
// the pipeline. The worker owns Handle's reference until Take.
type Pending struct {
	Port   string
	Handle *object.Handle
}

// Config wires a worker to its session.
type Config struct {
	Conn     *protocol.Conn
	Objects  *message.Channel
	Registry *object.Registry
	Handler  Handler

	// OnPackage runs on the worker goroutine after each PackageComplete.
	OnPackage func()
	// OnExit runs on the worker goroutine once the loop has ended. It must
	// not call Stop.
	OnExit func(peerClosed bool)

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Options Options
}

// Worker is the background loop of one session.
type Worker struct {
	cfg    Config
	opts   Options
	logger *zap.Logger
	warn   *rate.Limiter

	mu      sync.Mutex
	pending []Pending

	peerClosed atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a stopped worker
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Handler == nil {
		cfg.Handler = func(protocol.Payload) bool { return true }
	}
	return &Worker{
		cfg:    cfg,
		opts:   cfg.Options.withDefaults(),
		logger: logger.Named("coupling"),
		warn:   rate.NewLimiter(rate.Every(time.Second), 5),
		done:   make(chan struct{}),
	}
}

// Start launches the loop. Later calls do nothing.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		spawned.Add(1)
		w.cfg.Metrics.IncWorkers()
		w.wg.Add(1)
		go w.run(ctx)
	})
}

// Stop cancels the loop and waits for it to exit. It is safe to call more
// than once and on a worker that was never started.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel == nil {
			w.startOnce.Do(func() { close(w.done) })
			return
		}
		w.cancel()
		w.wg.Wait()
		joined.Add(1)
	})
}

// Done is closed once the loop has exited
func (w *Worker) Done() <-chan struct{} { return w.done }

// PeerClosed reports whether the loop ended because the peer closed the
// session.
func (w *Worker) PeerClosed() bool { return w.peerClosed.Load() }

// Take returns the objects buffered since the last call. The caller owns
// their references.
func (w *Worker) Take() []Pending {
	w.mu.Lock()
	out := w.pending
	w.pending = nil
	w.mu.Unlock()
	return out
}

// Len returns the number of buffered objects
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.done)
	defer w.cfg.Metrics.DecWorkers()

	w.logger.Debug("coupling worker started")
	idle := w.newIdle()

	for ctx.Err() == nil {
		n, ok := w.drainControl()
		if !ok {
			break
		}
		m, ok := w.drainObjects()
		if !ok {
			break
		}
		if n+m > 0 {
			idle.reset()
			continue
		}
		idle.wait(ctx)
	}

	if !w.peerClosed.Load() {
		w.sendClose()
	}
	w.logger.Debug("coupling worker stopped", zap.Bool("peer_closed", w.peerClosed.Load()))
	if w.cfg.OnExit != nil {
		w.cfg.OnExit(w.peerClosed.Load())
	}
}

// drainControl applies queued control messages. ok is false once the
// session is over.
func (w *Worker) drainControl() (n int, ok bool) {
	if w.cfg.Conn == nil {
		return 0, true
	}
	for {
		p, got, err := w.cfg.Conn.TryRecv()
		if errors.Is(err, message.ErrClosed) {
			return n, false
		}
		if err != nil && !got {
			w.warnf("control channel failed", err)
			return n, false
		}
		if !got {
			return n, true
		}
		n++
		w.cfg.Metrics.RecordMessage("control", "in", p.Type().String())
		if err != nil {
			w.warnf("dropping undecodable control message", err)
			continue
		}
		if cc, isClose := p.(protocol.ConnectionClosed); isClose {
			w.logger.Info("simulation closed the connection", zap.Bool("orderly", cc.Orderly))
			w.peerClosed.Store(true)
			w.cfg.Handler(p)
			return n, false
		}
		if !w.cfg.Handler(p) {
			w.peerClosed.Store(true)
			return n, false
		}
	}
}

// drainObjects buffers AddObject traffic from the object channel
func (w *Worker) drainObjects() (n int, ok bool) {
	if w.cfg.Objects == nil {
		return 0, true
	}
	for {
		m, got, err := w.cfg.Objects.TryReceive()
		if errors.Is(err, message.ErrClosed) {
			return n, false
		}
		if err != nil {
			w.warnf("object channel failed", err)
			return n, false
		}
		if !got {
			return n, true
		}
		n++

		p, err := protocol.Decode(m)
		w.cfg.Metrics.RecordMessage("objects", "in", p.Type().String())
		if err != nil {
			w.warnf("dropping undecodable object message", err)
			continue
		}
		switch msg := p.(type) {
		case protocol.AddObject:
			w.receive(msg)
		case protocol.PackageComplete:
			if w.cfg.OnPackage != nil {
				w.cfg.OnPackage()
			}
		default:
			w.logger.Debug("ignoring message on object channel", zap.Stringer("type", p.Type()))
		}
	}
}

func (w *Worker) receive(msg protocol.AddObject) {
	h, err := w.resolve(msg)
	if err != nil {
		w.cfg.Metrics.RecordDrop("receive")
		w.warnf("dropping object for port "+msg.Port, err)
		return
	}

	w.cfg.Metrics.RecordObject("received")
	w.mu.Lock()
	w.pending = append(w.pending, Pending{Port: msg.Port, Handle: h})
	w.mu.Unlock()
}

// resolve turns an AddObject into a handle. A panic while rebuilding a
// garbled object is reported as a protocol error.
func (w *Worker) resolve(msg protocol.AddObject) (h *object.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = fmt.Errorf("%w: rebuilding object panicked: %v", protocol.ErrProtocol, r)
		}
	}()

	switch {
	case w.cfg.Registry == nil:
		return nil, errors.New("no registry attached")
	case msg.Object != "":
		return w.cfg.Registry.Adopt(id.ObjectName(msg.Object))
	case len(msg.Archive) > 0:
		return w.cfg.Registry.Deserialize(msg.Archive)
	default:
		return nil, errors.New("message carries no object")
	}
}

func (w *Worker) sendClose() {
	if w.cfg.Conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.CloseTimeout)
	defer cancel()
	if err := w.cfg.Conn.Send(ctx, protocol.ConnectionClosed{Orderly: true}); err != nil {
		w.logger.Warn("failed to send ConnectionClosed", zap.Error(err))
		return
	}
	w.cfg.Metrics.RecordMessage("control", "out", protocol.TypeConnectionClosed.String())
}

func (w *Worker) warnf(msg string, err error) {
	if w.warn.Allow() {
		w.logger.Warn(msg, zap.Error(err))
	}
}

// idle paces an empty loop: yields first, then exponentially growing sleeps.
type idle struct {
	spins, limit int
	curve        *backoff.ExponentialBackOff
}

func (w *Worker) newIdle() *idle {
	curve := backoff.NewExponentialBackOff()
	curve.InitialInterval = w.opts.InitialInterval
	curve.MaxInterval = w.opts.MaxInterval
	curve.Multiplier = w.opts.Multiplier
	curve.RandomizationFactor = w.opts.Jitter
	curve.MaxElapsedTime = 0
	curve.Reset()
	return &idle{limit: w.opts.Spins, curve: curve}
}

func (i *idle) reset() {
	if i.spins > 0 {
		i.spins = 0
		i.curve.Reset()
	}
}

func (i *idle) wait(ctx context.Context) {
	if i.spins < i.limit {
		i.spins++
		runtime.Gosched()
		return
	}
	i.spins = i.limit + 1
	t := time.NewTimer(i.curve.NextBackOff())
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
