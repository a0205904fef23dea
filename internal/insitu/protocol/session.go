package protocol

import (
	"fmt"
	"sync/atomic"

	"github.com/GriffinCanCode/vizflow/internal/shared/id"
)

// State is the lifecycle phase of a coupling session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTerminating:
		return "terminating"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Session is one handshake-to-disconnect lifetime.
type Session struct {
	ID       id.SessionID
	Key      string
	Rank     int
	Instance int

	state atomic.Int32
}

// NewSession starts a session in the Connecting state
func NewSession(key string, rank, instance int) *Session {
	s := &Session{ID: id.NewSessionID(), Key: key, Rank: rank, Instance: instance}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() State {
	if s == nil {
		return StateDisconnected
	}
	return State(s.state.Load())
}

// Transition moves from one state to another and reports whether s was in
// from.
func (s *Session) Transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Set forces the state
func (s *Session) Set(to State) { s.state.Store(int32(to)) }
