package message

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/GriffinCanCode/vizflow/internal/shm"
)

var (
	ErrTimeout  = errors.New("message: receive timed out")
	ErrTooLarge = errors.New("message: message exceeds channel capacity")
	ErrClosed   = errors.New("message: channel closed")
	ErrCorrupt  = errors.New("message: corrupt channel")
)

// Message is one tagged payload. Tag 0 is reserved for "no message".
type Message struct {
	Tag  uint32
	Data []byte
}

// Channel header layout. Producer and consumer positions sit on their own
// cache lines.
const (
	offMagic     = 0
	offVersion   = 8
	offCapacity  = 16
	offChunkSize = 24
	offSendLock  = 64
	offWritePos  = 72
	offRecvLock  = 128
	offReadPos   = 136
	headerSize   = 256

	slotSeq    = 0
	slotTag    = 8
	slotTotal  = 12
	slotCount  = 16
	slotLen    = 20
	slotHeader = 24

	channelMagic   uint64 = 0x4e4843574f4c4656 // "VFLOWCHN"
	channelVersion uint32 = 1

	DefaultCapacity  = 64
	DefaultChunkSize = 64 << 10
)

// Channel is a bounded FIFO of messages in a named shared segment.
// Messages larger than one chunk are split across consecutive slots and
// become visible to the receiver only once every chunk is written.
type Channel struct {
	name    string
	backend shm.Backend
	seg     *shm.Segment
	mem     []byte

	capacity uint64
	mask     uint64
	chunk    uint64
	stride   uint64

	// mu guards mem against Close: operations that touch the mapping hold
	// the read side, Close takes the write side before unmapping.
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// Size returns the segment size a channel of the given geometry needs
func Size(capacity, chunkSize int) int {
	return headerSize + capacity*int(strideFor(uint64(chunkSize)))
}

func strideFor(chunk uint64) uint64 {
	return (slotHeader + chunk + 7) &^ 7
}

// Create makes a new channel of capacity slots holding up to chunkSize
// bytes each. An existing name fails with shm.ErrExists unless force is
// set, which replaces a channel left behind by a crashed run.
func Create(b shm.Backend, name string, capacity, chunkSize int, force bool) (*Channel, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	capacity = roundUpPowerOf2(capacity)

	seg, err := b.Create(name, Size(capacity, chunkSize), force)
	if err != nil {
		return nil, err
	}
	c := newChannel(b, seg)
	mem := c.mem

	*u64(mem, offCapacity) = uint64(capacity)
	*u64(mem, offChunkSize) = uint64(chunkSize)
	*u32(mem, offVersion) = channelVersion
	c.load()
	for i := uint64(0); i < c.capacity; i++ {
		atomic.StoreUint64(u64(mem, c.slot(i)+slotSeq), i)
	}
	atomic.StoreUint64(u64(mem, offMagic), channelMagic)
	return c, nil
}

// Open attaches to a channel created by another process.
func Open(b shm.Backend, name string) (*Channel, error) {
	seg, err := b.Open(name)
	if err != nil {
		return nil, err
	}
	if seg.Size() < headerSize {
		seg.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, name, seg.Size())
	}
	c := newChannel(b, seg)
	if atomic.LoadUint64(u64(c.mem, offMagic)) != channelMagic {
		seg.Close()
		return nil, fmt.Errorf("%w: %s has no channel header", ErrCorrupt, name)
	}
	if v := *u32(c.mem, offVersion); v != channelVersion {
		seg.Close()
		return nil, fmt.Errorf("%w: %s has version %d", ErrCorrupt, name, v)
	}
	c.load()
	if uint64(seg.Size()) < headerSize+c.capacity*c.stride {
		seg.Close()
		return nil, fmt.Errorf("%w: %s is truncated", ErrCorrupt, name)
	}
	return c, nil
}

func newChannel(b shm.Backend, seg *shm.Segment) *Channel {
	return &Channel{name: seg.Name(), backend: b, seg: seg, mem: seg.Bytes()}
}

func (c *Channel) load() {
	c.capacity = *u64(c.mem, offCapacity)
	c.mask = c.capacity - 1
	c.chunk = *u64(c.mem, offChunkSize)
	c.stride = strideFor(c.chunk)
}

// Name returns the segment name
func (c *Channel) Name() string { return c.name }

// Capacity returns the number of slots
func (c *Channel) Capacity() int { return int(c.capacity) }

// ChunkSize returns the payload bytes per slot
func (c *Channel) ChunkSize() int { return int(c.chunk) }

// MaxMessage returns the largest payload Send accepts
func (c *Channel) MaxMessage() int { return int(c.capacity * c.chunk) }

// Len returns the number of occupied slots
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return 0
	}
	w := atomic.LoadUint64(u64(c.mem, offWritePos))
	r := atomic.LoadUint64(u64(c.mem, offReadPos))
	return int(w - r)
}

func (c *Channel) slot(pos uint64) uint64 {
	return headerSize + (pos&c.mask)*c.stride
}

func chunksFor(n, chunk uint64) uint64 {
	if n == 0 {
		return 1
	}
	return (n + chunk - 1) / chunk
}

// Send enqueues m, blocking while the channel lacks room for it. It
// returns ctx.Err() if ctx ends first and ErrClosed if the channel is
// closed meanwhile; nothing is written in either case.
func (c *Channel) Send(ctx context.Context, m Message) error {
	if m.Tag == 0 {
		return fmt.Errorf("message: tag 0 is reserved")
	}
	n := uint64(len(m.Data))
	if n > c.capacity*c.chunk || n > 1<<32-1 {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, n, c.capacity*c.chunk)
	}
	count := chunksFor(n, c.chunk)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return ErrClosed
	}

	var wait waiter
	lock := u32(c.mem, offSendLock)
	for !shm.TryLock(lock) {
		if err := c.pause(ctx, &wait); err != nil {
			return err
		}
	}
	defer shm.Unlock(lock)

	w := atomic.LoadUint64(u64(c.mem, offWritePos))
	last := w + count - 1
	wait = waiter{}
	for atomic.LoadUint64(u64(c.mem, c.slot(last)+slotSeq)) != last {
		if err := c.pause(ctx, &wait); err != nil {
			return err
		}
	}

	for i := uint64(0); i < count; i++ {
		s := c.slot(w + i)
		lo := min(i*c.chunk, n)
		hi := min(lo+c.chunk, n)
		*u32(c.mem, s+slotTag) = m.Tag
		*u32(c.mem, s+slotTotal) = uint32(n)
		*u32(c.mem, s+slotCount) = uint32(count)
		*u32(c.mem, s+slotLen) = uint32(hi - lo)
		copy(c.mem[s+slotHeader:], m.Data[lo:hi])
	}
	// The first chunk is published last so a reader that sees it can take
	// the whole message.
	for i := count; i > 0; i-- {
		atomic.StoreUint64(u64(c.mem, c.slot(w+i-1)+slotSeq), w+i)
	}
	atomic.StoreUint64(u64(c.mem, offWritePos), w+count)
	return nil
}

// TryReceive returns the next message if one is complete. It never waits
// for data; contention with another receiver reports no message.
func (c *Channel) TryReceive() (Message, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return Message{}, false, ErrClosed
	}
	lock := u32(c.mem, offRecvLock)
	if !shm.TryLock(lock) {
		return Message{}, false, nil
	}
	defer shm.Unlock(lock)
	return c.take()
}

// TimedReceive waits up to timeout for a message. It returns ErrTimeout
// when none arrived.
func (c *Channel) TimedReceive(timeout time.Duration) (Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	m, err := c.Receive(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return Message{}, ErrTimeout
	}
	return m, err
}

// Receive waits for the next message until ctx ends
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	var wait waiter
	for {
		m, ok, err := c.TryReceive()
		if err != nil || ok {
			return m, err
		}
		if err := wait.pause(ctx); err != nil {
			return Message{}, err
		}
	}
}

// take pops one message. Caller holds the receive lock.
func (c *Channel) take() (Message, bool, error) {
	r := atomic.LoadUint64(u64(c.mem, offReadPos))
	s := c.slot(r)
	if atomic.LoadUint64(u64(c.mem, s+slotSeq)) != r+1 {
		return Message{}, false, nil
	}

	tag := *u32(c.mem, s+slotTag)
	total := uint64(*u32(c.mem, s+slotTotal))
	count := uint64(*u32(c.mem, s+slotCount))
	if count == 0 || count > c.capacity || count != chunksFor(total, c.chunk) {
		return Message{}, false, fmt.Errorf("%w: slot %d claims %d chunks for %d bytes", ErrCorrupt, r, count, total)
	}

	data := make([]byte, 0, total)
	for i := uint64(0); i < count; i++ {
		cs := c.slot(r + i)
		n := uint64(*u32(c.mem, cs+slotLen))
		if n > c.chunk {
			return Message{}, false, fmt.Errorf("%w: chunk of %d bytes", ErrCorrupt, n)
		}
		data = append(data, c.mem[cs+slotHeader:cs+slotHeader+n]...)
	}
	for i := uint64(0); i < count; i++ {
		atomic.StoreUint64(u64(c.mem, c.slot(r+i)+slotSeq), r+i+c.capacity)
	}
	atomic.StoreUint64(u64(c.mem, offReadPos), r+count)

	if uint64(len(data)) != total {
		return Message{}, false, fmt.Errorf("%w: reassembled %d of %d bytes", ErrCorrupt, len(data), total)
	}
	return Message{Tag: tag, Data: data}, true, nil
}

// pause waits between polls. It fails with ErrClosed once Close has begun,
// so that Close is never held up by a sender waiting for room.
func (c *Channel) pause(ctx context.Context, w *waiter) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return w.pause(ctx)
}

// Close unmaps the channel once in-flight operations have returned. The
// name stays until Remove.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		defer c.mu.Unlock()
		err = c.seg.Close()
	})
	return err
}

// Remove closes the channel and deletes its name. Repeated calls are no-ops.
func (c *Channel) Remove() error {
	return errors.Join(c.Close(), c.backend.Remove(c.name))
}

// waiter paces polling loops: a short run of yields, then sleeps that
// double up to a millisecond.
type waiter struct {
	spins int
	sleep time.Duration
}

func (w *waiter) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.spins < 64 {
		w.spins++
		runtime.Gosched()
		return nil
	}
	if w.sleep == 0 {
		w.sleep = 10 * time.Microsecond
	} else if w.sleep < time.Millisecond {
		w.sleep *= 2
	}
	t := time.NewTimer(w.sleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func roundUpPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func u64(mem []byte, off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[off]))
}

func u32(mem []byte, off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}
