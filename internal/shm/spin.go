package shm

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Lock acquires a spin lock stored in shared memory. The lock word must be
// zero when free. A holder that dies leaves it taken; recovery is removing
// and recreating the segment.
func Lock(p *uint32) {
	for i := 0; !atomic.CompareAndSwapUint32(p, 0, 1); i++ {
		if i < 128 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Microsecond)
		}
	}
}

// TryLock acquires the lock if it is free
func TryLock(p *uint32) bool {
	return atomic.CompareAndSwapUint32(p, 0, 1)
}

// Unlock releases a lock taken by Lock
func Unlock(p *uint32) {
	atomic.StoreUint32(p, 0)
}
