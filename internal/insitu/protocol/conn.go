package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/vizflow/internal/message"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

const (
	toSimSuffix   = "_tosim"
	fromSimSuffix = "_fromsim"
)

// ChannelNames returns the control channels named by key, as seen by the
// module: the one it sends on and the one it receives on.
func ChannelNames(key string) (send, recv string) {
	return key + toSimSuffix, key + fromSimSuffix
}

// Conn is one end of a control connection.
type Conn struct {
	send *message.Channel
	recv *message.Channel
}

// NewConn pairs two open channels
func NewConn(send, recv *message.Channel) *Conn {
	return &Conn{send: send, recv: recv}
}

// Dial opens the control channels the simulation created under key. The
// names are unlinked once both are mapped; the key is good for one
// connection only.
func Dial(b shm.Backend, key string) (*Conn, error) {
	sendName, recvName := ChannelNames(key)
	send, err := message.Open(b, sendName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrQueueCreate, sendName, err)
	}
	recv, err := message.Open(b, recvName)
	if err != nil {
		send.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrQueueCreate, recvName, err)
	}
	_ = b.Remove(sendName)
	_ = b.Remove(recvName)
	return NewConn(send, recv), nil
}

// Listen creates the control channels of a simulation rank. Names are
// tried with increasing iteration until a free pair is found, so channels
// left by a crashed run are never reused.
func Listen(b shm.Backend, keyFor func(iteration int) string, capacity, chunk int) (*Conn, string, error) {
	const maxIterations = 1024
	for it := 1; it <= maxIterations; it++ {
		key := keyFor(it)
		toSim, fromSim := ChannelNames(key)
		recv, err := message.Create(b, toSim, capacity, chunk, false)
		if errors.Is(err, shm.ErrExists) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s: %v", ErrQueueCreate, toSim, err)
		}
		send, err := message.Create(b, fromSim, capacity, chunk, false)
		if errors.Is(err, shm.ErrExists) {
			recv.Remove()
			continue
		}
		if err != nil {
			recv.Remove()
			return nil, "", fmt.Errorf("%w: %s: %v", ErrQueueCreate, fromSim, err)
		}
		return NewConn(send, recv), key, nil
	}
	return nil, "", fmt.Errorf("%w: no free channel name after %d attempts", ErrQueueCreate, maxIterations)
}

// Send encodes p and enqueues it, blocking while the peer is behind
func (c *Conn) Send(ctx context.Context, p Payload) error {
	m, err := Encode(p)
	if err != nil {
		return err
	}
	return c.send.Send(ctx, m)
}

// TryRecv returns the next control message without waiting. ok is false
// when none is queued; an undecodable message comes back as Invalid with
// an ErrProtocol error.
func (c *Conn) TryRecv() (p Payload, ok bool, err error) {
	m, ok, err := c.recv.TryReceive()
	if err != nil || !ok {
		return nil, ok, err
	}
	p, err = Decode(m)
	return p, true, err
}

// TimedRecv waits up to timeout. A timeout yields Invalid and
// message.ErrTimeout.
func (c *Conn) TimedRecv(timeout time.Duration) (Payload, error) {
	m, err := c.recv.TimedReceive(timeout)
	if err != nil {
		return Invalid{}, err
	}
	return Decode(m)
}

// Close unmaps both channels and removes any names still linked
func (c *Conn) Close() error {
	return errors.Join(c.send.Remove(), c.recv.Remove())
}
