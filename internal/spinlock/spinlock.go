// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spinlock implements a test-and-set spinlock for guarding many
// independent, short-lived critical sections (a list-head swap, a tally
// walk bounded by a batch's length) where a spinlock with a
// yield-on-backoff beats a mutex: spin a few times, then fall back to
// runtime.Gosched so a blocked holder on a smaller GOMAXPROCS can make
// progress.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// spinTries is how many times Lock retries a failed CAS immediately
// before it starts yielding the processor between attempts. There is no syscall-level wait to fall back to here, only
// Gosched, so the bound is kept small.
const spinTries = 4

// Spinlock is a test-and-set lock. The zero value is unlocked.
type Spinlock struct {
	state uint32
}

// Lock spins until the lock is acquired.
func (l *Spinlock) Lock() {
	for i := 0; ; i++ {
		if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}
		if i < spinTries {
			continue
		}
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Unlock releases the lock. The caller must hold it.
func (l *Spinlock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}
