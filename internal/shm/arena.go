package shm

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Ref addresses a slot in an arena. The zero Ref is null.
type Ref struct {
	Arena uint64
	Slot  uint32
	Gen   uint32
}

// IsZero reports whether r refers to nothing
func (r Ref) IsZero() bool { return r.Gen == 0 }

func (r Ref) String() string {
	return fmt.Sprintf("%x:%d@%d", r.Arena, r.Slot, r.Gen)
}

// Options sizes the fixed tables of a new arena.
type Options struct {
	Slots      int
	DirEntries int
	Force      bool // replace an existing segment of the same name
}

// DefaultOptions returns the table sizes used when none are given.
func DefaultOptions() Options {
	return Options{Slots: 4096, DirEntries: 1024}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Slots <= 0 {
		o.Slots = d.Slots
	}
	if o.DirEntries <= 0 {
		o.DirEntries = d.DirEntries
	}
	return o
}

// SlotInfo describes the block a slot currently points at.
type SlotInfo struct {
	Elem     ElemType
	Length   int
	Capacity int
	Flags    uint32
	Refs     int64
}

// Stats is a snapshot of allocator state.
type Stats struct {
	Capacity   uint64
	HeapBytes  uint64
	FreeBytes  uint64
	FreeBlocks uint64
	LiveSlots  uint64
	Slots      uint32
	Bound      uint64
}

// Arena is one process's view of a shared arena.
type Arena struct {
	name    string
	backend Backend
	seg     *Segment
	mem     []byte
	id      uint64

	slots     uint32
	slotTable uint64
	dirCount  uint32
	dirOff    uint64

	closed atomic.Bool
}

// Create formats a new arena of size bytes in a segment called name.
func Create(b Backend, name string, size int, opts Options) (*Arena, error) {
	opts = opts.withDefaults()

	heapStart := alignUp(uint64(headerSize+opts.Slots*slotSize+opts.DirEntries*dirEntrySize), blockAlign)
	if uint64(size) < heapStart+minBlock {
		return nil, fmt.Errorf("%w: %d bytes cannot hold %d slots", ErrTooSmall, size, opts.Slots)
	}

	seg, err := b.Create(name, size, opts.Force)
	if err != nil {
		return nil, err
	}

	a := &Arena{name: name, backend: b, seg: seg, mem: seg.Bytes()}
	a.format(uint32(opts.Slots), uint32(opts.DirEntries), heapStart)
	a.load()
	return a, nil
}

// Attach maps an existing arena by name. A missing segment yields ErrNotFound.
func Attach(b Backend, name string) (*Arena, error) {
	seg, err := b.Open(name)
	if err != nil {
		return nil, err
	}
	if seg.Size() < headerSize {
		seg.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, name, seg.Size())
	}

	a := &Arena{name: name, backend: b, seg: seg, mem: seg.Bytes()}
	if atomic.LoadUint64(a.u64(offMagic)) != arenaMagic {
		seg.Close()
		return nil, fmt.Errorf("%w: %s has no arena header", ErrCorrupt, name)
	}
	if v := *a.u32(offVersion); v != arenaVersion {
		seg.Close()
		return nil, fmt.Errorf("%w: %s has layout version %d", ErrCorrupt, name, v)
	}
	a.load()
	return a, nil
}

func (a *Arena) format(slots, dirEntries uint32, heapStart uint64) {
	capacity := uint64(len(a.mem))
	heapSize := (capacity - heapStart) &^ (blockAlign - 1)

	*a.u32(offVersion) = arenaVersion
	*a.u32(offSlotCount) = slots
	*a.u64(offCapacity) = capacity
	*a.u64(offSlotTable) = headerSize
	*a.u64(offDirOffset) = headerSize + uint64(slots)*slotSize
	*a.u32(offDirCount) = dirEntries
	*a.u64(offHeapStart) = heapStart
	*a.u64(offHeapSize) = heapSize
	*a.u64(offArenaID) = rand.Uint64() | 1

	*a.u64(heapStart) = heapSize
	*a.u64(heapStart + 8) = 0
	*a.u64(offFreeHead) = heapStart
	*a.u64(offFreeBytes) = heapSize
	*a.u64(offFreeBlocks) = 1

	atomic.StoreUint64(a.u64(offMagic), arenaMagic)
}

func (a *Arena) load() {
	a.id = *a.u64(offArenaID)
	a.slots = *a.u32(offSlotCount)
	a.slotTable = *a.u64(offSlotTable)
	a.dirCount = *a.u32(offDirCount)
	a.dirOff = *a.u64(offDirOffset)
}

// Name returns the segment name
func (a *Arena) Name() string { return a.name }

// ID returns the arena id carried in every Ref
func (a *Arena) ID() uint64 { return a.id }

// Close unmaps this process's view. The arena stays for other holders.
func (a *Arena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.seg.Close()
}

// Remove deletes the arena's name from the backend. Idempotent.
func (a *Arena) Remove() error {
	return a.backend.Remove(a.name)
}

// Stats returns allocator counters
func (a *Arena) Stats() Stats {
	a.lock()
	defer a.unlock()

	return Stats{
		Capacity:   *a.u64(offCapacity),
		HeapBytes:  *a.u64(offHeapSize),
		FreeBytes:  *a.u64(offFreeBytes),
		FreeBlocks: *a.u64(offFreeBlocks),
		LiveSlots:  *a.u64(offLiveSlots),
		Slots:      a.slots,
		Bound:      *a.u64(offBound),
	}
}

// ============================================================================
// Heap
// ============================================================================

// alloc returns the data offset of a zeroed block of at least n bytes.
// Caller holds the lock.
func (a *Arena) alloc(n uint64) (uint64, error) {
	if n == 0 {
		n = 1
	}
	need := blockHeader + alignUp(n, blockAlign)

	var prev uint64
	cur := *a.u64(offFreeHead)
	for cur != 0 {
		size := *a.u64(cur)
		next := *a.u64(cur + 8)
		if size >= need {
			if size-need >= minBlock {
				rest := cur + need
				*a.u64(rest) = size - need
				*a.u64(rest + 8) = next
				*a.u64(cur) = need
				next = rest
				size = need
			} else {
				*a.u64(offFreeBlocks)--
			}
			a.setNext(prev, next)
			*a.u64(cur + 8) = allocMark
			*a.u64(offFreeBytes) -= size

			data := cur + blockHeader
			clear(a.mem[data : cur+size])
			return data, nil
		}
		prev, cur = cur, next
	}
	return 0, fmt.Errorf("%w: no free block of %d bytes in %s", ErrOutOfMemory, n, a.name)
}

// free returns a block to the address-ordered free list and merges it with
// its neighbours. Caller holds the lock.
func (a *Arena) free(data uint64) error {
	blk := data - blockHeader
	if *a.u64(blk + 8) != allocMark {
		return fmt.Errorf("%w: block at %d is not allocated", ErrCorrupt, blk)
	}
	size := *a.u64(blk)

	var prev uint64
	cur := *a.u64(offFreeHead)
	for cur != 0 && cur < blk {
		prev, cur = cur, *a.u64(cur+8)
	}

	*a.u64(blk + 8) = cur
	a.setNext(prev, blk)
	*a.u64(offFreeBytes) += size
	*a.u64(offFreeBlocks)++

	if cur != 0 && blk+size == cur {
		size += *a.u64(cur)
		*a.u64(blk) = size
		*a.u64(blk + 8) = *a.u64(cur + 8)
		*a.u64(offFreeBlocks)--
	}
	if prev != 0 && prev+*a.u64(prev) == blk {
		*a.u64(prev) += size
		*a.u64(prev + 8) = *a.u64(blk + 8)
		*a.u64(offFreeBlocks)--
	}
	return nil
}

func (a *Arena) setNext(prev, next uint64) {
	if prev == 0 {
		*a.u64(offFreeHead) = next
	} else {
		*a.u64(prev + 8) = next
	}
}

// ============================================================================
// Slots
// ============================================================================

func (a *Arena) slotOff(i uint32) uint64 {
	return a.slotTable + uint64(i)*slotSize
}

// takeSlot claims a free slot and bumps its generation. Caller holds the lock.
func (a *Arena) takeSlot() (uint32, error) {
	start := *a.u32(offSlotHint)
	for k := uint32(0); k < a.slots; k++ {
		i := (start + k) % a.slots
		s := a.slotOff(i)
		if atomic.LoadUint32(a.u32(s+slotState)) != stateFree {
			continue
		}
		gen := *a.u32(s+slotGen) + 1
		if gen == 0 {
			gen = 1
		}
		atomic.StoreUint32(a.u32(s+slotGen), gen)
		atomic.StoreInt64(a.i64(s+slotRefs), 1)
		atomic.StoreUint32(a.u32(s+slotState), stateUsed)
		*a.u32(offSlotHint) = (i + 1) % a.slots
		*a.u64(offLiveSlots)++
		return i, nil
	}
	return 0, fmt.Errorf("%w: all %d slots of %s in use", ErrOutOfMemory, a.slots, a.name)
}

// check resolves r to its slot offset.
func (a *Arena) check(r Ref) (uint64, error) {
	if r.IsZero() || r.Arena != a.id || r.Slot >= a.slots {
		return 0, fmt.Errorf("%w: %s", ErrStaleHandle, r)
	}
	s := a.slotOff(r.Slot)
	if atomic.LoadUint32(a.u32(s+slotState)) != stateUsed || atomic.LoadUint32(a.u32(s+slotGen)) != r.Gen {
		return 0, fmt.Errorf("%w: %s", ErrStaleHandle, r)
	}
	return s, nil
}

// Allocate claims a slot holding a zeroed block of n elements with refcount 1.
func (a *Arena) Allocate(elem ElemType, n int, flags uint32) (Ref, error) {
	if n < 0 {
		return Ref{}, fmt.Errorf("shm: negative length %d", n)
	}
	esize := uint64(elem.Size())
	if esize == 0 {
		return Ref{}, fmt.Errorf("shm: invalid element type %d", elem)
	}
	if err := a.fits(uint64(n), esize); err != nil {
		return Ref{}, err
	}

	a.lock()
	defer a.unlock()

	i, err := a.takeSlot()
	if err != nil {
		return Ref{}, err
	}
	s := a.slotOff(i)

	data, err := a.alloc(uint64(n) * esize)
	if err != nil {
		a.releaseSlot(s)
		return Ref{}, err
	}

	*a.u64(s + slotOffset) = data
	*a.u64(s + slotLength) = uint64(n)
	*a.u64(s + slotCap) = uint64(n)
	*a.u32(s + slotElem) = uint32(elem)
	*a.u32(s + slotFlags) = flags

	return Ref{Arena: a.id, Slot: i, Gen: *a.u32(s + slotGen)}, nil
}

// releaseSlot marks a slot free and bumps its generation so outstanding
// Refs turn stale. Caller holds the lock.
func (a *Arena) releaseSlot(s uint64) {
	atomic.StoreUint32(a.u32(s+slotState), stateFree)
	atomic.AddUint32(a.u32(s+slotGen), 1)
	*a.u64(s + slotOffset) = 0
	*a.u64(s + slotLength) = 0
	*a.u64(s + slotCap) = 0
	*a.u64(offLiveSlots)--
}

// fits rejects element counts whose byte size could not fit in the arena,
// which also keeps n*esize from wrapping.
func (a *Arena) fits(n, esize uint64) error {
	if n > uint64(len(a.mem))/esize {
		return fmt.Errorf("%w: %d elements of %d bytes exceed arena %s", ErrOutOfMemory, n, esize, a.name)
	}
	return nil
}

// Resize changes the element count. Growing past capacity moves the data to
// a new block; Refs stay valid, previously returned byte views do not.
func (a *Arena) Resize(r Ref, n int) error {
	if n < 0 {
		return fmt.Errorf("shm: negative length %d", n)
	}

	a.lock()
	defer a.unlock()

	s, err := a.check(r)
	if err != nil {
		return err
	}

	esize := uint64(ElemType(*a.u32(s + slotElem)).Size())
	length := *a.u64(s + slotLength)
	capacity := *a.u64(s + slotCap)
	data := *a.u64(s + slotOffset)
	want := uint64(n)
	if err := a.fits(want, esize); err != nil {
		return err
	}

	if want <= capacity {
		if want > length {
			clear(a.mem[data+length*esize : data+want*esize])
		}
		*a.u64(s + slotLength) = want
		return nil
	}

	newCap := min(max(want, capacity+capacity/2), uint64(len(a.mem))/esize)
	moved, err := a.alloc(newCap * esize)
	if err != nil {
		return err
	}
	copy(a.mem[moved:moved+length*esize], a.mem[data:data+length*esize])
	if err := a.free(data); err != nil {
		return err
	}

	*a.u64(s + slotOffset) = moved
	*a.u64(s + slotLength) = want
	*a.u64(s + slotCap) = newCap
	return nil
}

// IncRef adds a holder. It fails on a slot that is being destroyed.
func (a *Arena) IncRef(r Ref) (int64, error) {
	s, err := a.check(r)
	if err != nil {
		return 0, err
	}

	refs := a.i64(s + slotRefs)
	for {
		v := atomic.LoadInt64(refs)
		if v <= 0 {
			return 0, fmt.Errorf("%w: %s has no holders", ErrStaleHandle, r)
		}
		if atomic.CompareAndSwapInt64(refs, v, v+1) {
			if atomic.LoadUint32(a.u32(s+slotGen)) != r.Gen {
				atomic.AddInt64(refs, -1)
				return 0, fmt.Errorf("%w: %s was recycled", ErrStaleHandle, r)
			}
			return v + 1, nil
		}
	}
}

// DecRef drops a holder and returns the remaining count. The slot is not
// freed here; a caller that sees zero owns the slot and calls Free.
func (a *Arena) DecRef(r Ref) (int64, error) {
	s, err := a.check(r)
	if err != nil {
		return 0, err
	}
	n := atomic.AddInt64(a.i64(s+slotRefs), -1)
	if n < 0 {
		return n, fmt.Errorf("%w: refcount of %s dropped below zero", ErrCorrupt, r)
	}
	return n, nil
}

// RefCount returns the current holder count
func (a *Arena) RefCount(r Ref) (int64, error) {
	s, err := a.check(r)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt64(a.i64(s + slotRefs)), nil
}

// Free releases the block and the slot of an unreferenced Ref.
func (a *Arena) Free(r Ref) error {
	a.lock()
	defer a.unlock()

	s, err := a.check(r)
	if err != nil {
		return err
	}
	if n := atomic.LoadInt64(a.i64(s + slotRefs)); n > 0 {
		return fmt.Errorf("shm: free of %s with %d holders", r, n)
	}
	if err := a.free(*a.u64(s + slotOffset)); err != nil {
		return err
	}
	a.releaseSlot(s)
	return nil
}

// Info describes the slot behind r
func (a *Arena) Info(r Ref) (SlotInfo, error) {
	s, err := a.check(r)
	if err != nil {
		return SlotInfo{}, err
	}
	return SlotInfo{
		Elem:     ElemType(*a.u32(s + slotElem)),
		Length:   int(*a.u64(s + slotLength)),
		Capacity: int(*a.u64(s + slotCap)),
		Flags:    *a.u32(s + slotFlags),
		Refs:     atomic.LoadInt64(a.i64(s + slotRefs)),
	}, nil
}

// Bytes returns the live bytes of the block behind r. The slice aliases
// shared memory and is invalidated by a Resize that moves the block.
func (a *Arena) Bytes(r Ref) ([]byte, error) {
	s, err := a.check(r)
	if err != nil {
		return nil, err
	}
	esize := uint64(ElemType(*a.u32(s + slotElem)).Size())
	data := *a.u64(s + slotOffset)
	length := *a.u64(s + slotLength)
	return a.mem[data : data+length*esize : data+length*esize], nil
}

// ============================================================================
// Directory
// ============================================================================

func nameHash(name string) uint64 {
	return xxhash.Sum64String(name) | 1
}

func (a *Arena) dirEntry(i uint32) uint64 {
	return a.dirOff + uint64(i)*dirEntrySize
}

func (a *Arena) entryName(e uint64) string {
	raw := a.mem[e+dirName : e+dirEntrySize]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// find returns the directory entry holding name. Caller holds the lock.
func (a *Arena) find(name string) (uint64, bool) {
	h := nameHash(name)
	for i := uint32(0); i < a.dirCount; i++ {
		e := a.dirEntry(i)
		if *a.u64(e+dirHash) == h && a.entryName(e) == name {
			return e, true
		}
	}
	return 0, false
}

// Bind publishes r under name so other attachments can resolve it.
func (a *Arena) Bind(name string, r Ref) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrNameTooLong, name, maxNameLen)
	}

	a.lock()
	defer a.unlock()

	if _, err := a.check(r); err != nil {
		return err
	}
	if _, ok := a.find(name); ok {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}

	for i := uint32(0); i < a.dirCount; i++ {
		e := a.dirEntry(i)
		if *a.u64(e+dirHash) != 0 {
			continue
		}
		*a.u32(e + dirSlot) = r.Slot
		*a.u32(e + dirGen) = r.Gen
		field := a.mem[e+dirName : e+dirEntrySize]
		clear(field)
		copy(field, name)
		*a.u64(e + dirHash) = nameHash(name)
		*a.u64(offBound)++
		return nil
	}
	return fmt.Errorf("%w: %d entries", ErrDirectoryFull, a.dirCount)
}

// Unbind removes name from the directory and reports whether it was bound
func (a *Arena) Unbind(name string) bool {
	a.lock()
	defer a.unlock()

	e, ok := a.find(name)
	if !ok {
		return false
	}
	*a.u64(e + dirHash) = 0
	clear(a.mem[e : e+dirEntrySize])
	*a.u64(offBound)--
	return true
}

// Resolve returns the Ref bound to name without taking a reference.
func (a *Arena) Resolve(name string) (Ref, error) {
	a.lock()
	defer a.unlock()
	return a.resolveLocked(name)
}

func (a *Arena) resolveLocked(name string) (Ref, error) {
	e, ok := a.find(name)
	if !ok {
		return Ref{}, fmt.Errorf("%w: object %s", ErrNotFound, name)
	}
	r := Ref{Arena: a.id, Slot: *a.u32(e + dirSlot), Gen: *a.u32(e + dirGen)}
	if _, err := a.check(r); err != nil {
		return Ref{}, err
	}
	return r, nil
}

// Acquire resolves name and takes a reference in one step, so the payload
// cannot be destroyed between lookup and increment.
func (a *Arena) Acquire(name string) (Ref, error) {
	a.lock()
	defer a.unlock()

	r, err := a.resolveLocked(name)
	if err != nil {
		return Ref{}, err
	}
	if _, err := a.IncRef(r); err != nil {
		return Ref{}, err
	}
	return r, nil
}

// Names lists bound names in directory order
func (a *Arena) Names() []string {
	a.lock()
	defer a.unlock()

	var names []string
	for i := uint32(0); i < a.dirCount; i++ {
		e := a.dirEntry(i)
		if *a.u64(e+dirHash) != 0 {
			names = append(names, a.entryName(e))
		}
	}
	return names
}
