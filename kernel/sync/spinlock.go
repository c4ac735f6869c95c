// Package sync provides the spinlock that serializes kernel entry.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is called between failed acquisition attempts.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired. Any attempt to re-acquire a
// lock already held by the caller will cause a deadlock.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}
