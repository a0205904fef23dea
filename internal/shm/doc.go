/*
Package shm provides named shared-memory arenas and the reference-counted
arrays that live inside them.

# Overview

A Segment is a named block of bytes provided by a Backend. The heap backend
keeps segments in the current process and is what tests use; the file backend
maps files below /dev/shm so unrelated processes on one host see the same
bytes.

An Arena formats a segment as:

	+--------------------+  0
	| header (256 bytes) |  magic, lock word, free list head, counters
	+--------------------+
	| slot table         |  48 bytes per slot: gen, state, refs, offset, len, cap, elem
	+--------------------+
	| directory          |  64 bytes per published name
	+--------------------+
	| heap               |  first-fit blocks with 16 byte headers, coalesced on free
	+--------------------+

Holders never keep raw addresses. A Ref is the triple (arena id, slot index,
generation); the slot records where the data block currently is, so a resize
that moves the block leaves every Ref valid, and a slot recycled after its
previous owner died is told apart from a stale Ref by its generation.

# Concurrency

Reference counts are updated with atomic operations directly in the mapped
memory. Allocator and directory updates take a spin lock stored in the
header, so any attached process may allocate. Array contents are not
synchronised; at most one writer at a time.

A process that dies while holding the arena lock leaves the arena unusable;
such arenas are removed with NameLog.CleanAll or Sweep.
*/
package shm
