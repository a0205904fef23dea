package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a breaker
type Settings struct {
	// Threshold is the number of consecutive failures that opens the breaker
	Threshold uint32
	// Timeout is how long the breaker stays open before allowing a probe
	Timeout time.Duration
	// IsFailure decides whether an error counts against the threshold.
	// Context cancellation never counts.
	IsFailure func(err error) bool
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from, to State)
}

// Counts holds attempt statistics since the last state change
type Counts struct {
	Attempts            uint32
	Failures            uint32
	ConsecutiveFailures uint32
}

// Breaker fails attempts fast after repeated failures. While half-open a
// single probe is let through; its outcome closes or reopens the breaker.
type Breaker struct {
	name     string
	settings Settings

	mu      sync.Mutex
	state   State
	counts  Counts
	expiry  time.Time
	probing bool
}

// New creates a closed breaker
func New(name string, settings Settings) *Breaker {
	if settings.Threshold == 0 {
		settings.Threshold = 5
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(error) bool { return true }
	}
	return &Breaker{name: name, settings: settings}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(time.Now())
}

// Counts returns a copy of the counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn unless the breaker is open. A panic in fn counts as a failure
// and is re-raised.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.before()
	if err != nil {
		return err
	}

	ok := false
	defer func() {
		if !ok {
			b.after(probe, errors.New("panic"))
		}
	}()

	err = fn()
	ok = true
	b.after(probe, err)
	return err
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.setState(StateClosed, time.Now())
}

func (b *Breaker) before() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(time.Now()) {
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		b.counts.Attempts++
		return true, nil
	}
	b.counts.Attempts++
	return false, nil
}

func (b *Breaker) after(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if probe {
		b.probing = false
	}
	failed := err != nil && !errors.Is(err, context.Canceled) && b.settings.IsFailure(err)

	switch b.current(now) {
	case StateClosed:
		if !failed {
			b.counts.ConsecutiveFailures = 0
			return
		}
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		if b.counts.ConsecutiveFailures >= b.settings.Threshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if !probe {
			return
		}
		if failed {
			b.setState(StateOpen, now)
		} else {
			b.setState(StateClosed, now)
		}
	}
}

// current returns the state after applying an elapsed open timeout.
// Caller holds mu.
func (b *Breaker) current(now time.Time) State {
	if b.state == StateOpen && !b.expiry.After(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}

	if state == StateOpen {
		b.expiry = now.Add(b.settings.Timeout)
	} else {
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}
