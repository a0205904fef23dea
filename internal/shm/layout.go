package shm

import "unsafe"

// Arena header layout. All offsets are byte offsets from the start of the
// segment; every 64-bit field is 8-byte aligned.
const (
	arenaMagic   uint64 = 0x31616e6572616676 // "vfarena1"
	arenaVersion uint32 = 1

	headerSize   = 256
	slotSize     = 48
	dirEntrySize = 64
	blockHeader  = 16
	blockAlign   = 16
	minBlock     = blockHeader + blockAlign
	maxNameLen   = dirEntrySize - dirName

	offMagic      = 0
	offVersion    = 8  // uint32
	offSlotCount  = 12 // uint32
	offCapacity   = 16
	offLock       = 24 // uint32
	offFreeHead   = 32
	offHeapStart  = 40
	offDirOffset  = 48
	offDirCount   = 56 // uint32
	offSlotTable  = 64
	offSlotHint   = 72 // uint32
	offLiveSlots  = 80
	offFreeBytes  = 88
	offArenaID    = 96
	offFreeBlocks = 104
	offHeapSize   = 112
	offBound      = 120
)

// Slot layout.
const (
	slotGen    = 0 // uint32
	slotState  = 4 // uint32
	slotRefs   = 8 // int64
	slotOffset = 16
	slotLength = 24
	slotCap    = 32
	slotElem   = 40 // uint32
	slotFlags  = 44 // uint32

	stateFree uint32 = 0
	stateUsed uint32 = 1
)

// Directory entry layout.
const (
	dirSlot = 0 // uint32
	dirGen  = 4 // uint32
	dirHash = 8 // 0 marks an empty entry
	dirName = 16
)

// allocMark is stored in the next field of allocated blocks to catch double frees.
const allocMark uint64 = 0xa11ca7eda11ca7ed

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

func (a *Arena) u64(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&a.mem[off]))
}

func (a *Arena) u32(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&a.mem[off]))
}

func (a *Arena) i64(off uint64) *int64 {
	return (*int64)(unsafe.Pointer(&a.mem[off]))
}

// lock acquires the cross-process spin lock in the header.
func (a *Arena) lock() { Lock(a.u32(offLock)) }

func (a *Arena) unlock() { Unlock(a.u32(offLock)) }
