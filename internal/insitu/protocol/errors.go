package protocol

import "errors"

var (
	// ErrHandshake means the handshake file is missing, unreadable or has
	// no usable key for this rank. The session stays disconnected.
	ErrHandshake = errors.New("insitu: handshake failed")
	// ErrQueueCreate means a control or object channel could not be
	// created or opened.
	ErrQueueCreate = errors.New("insitu: failed to set up message queue")
	// ErrProtocol marks an unknown or undecodable message.
	ErrProtocol = errors.New("insitu: protocol error")
	// ErrCouplingTimeout means the peer did not answer within the
	// end-of-cycle bound and is treated as crashed.
	ErrCouplingTimeout = errors.New("insitu: peer did not respond")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("insitu: not connected")
)
