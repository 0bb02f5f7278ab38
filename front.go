// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memorypool

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

// front holds the process-wide singletons the package-level facade
// dispatches through. It is built lazily by Initialize and guarded by
// initOnce so construction is race-free regardless of how many
// goroutines call Initialize concurrently.
type front struct {
	pages   *PageCache
	central *CentralCache
	tcPool  sync.Pool
}

var (
	initOnce  sync.Once
	theFront  atomic.Pointer[front]
	logger    = zap.NewNop()
	loggerMu  sync.Mutex
)

// SetLogger installs the *zap.Logger used for span grow/coalesce/reclaim
// and sweep diagnostics; nil restores the silent default. Initialize
// reads the logger once, so only a logger installed before the first
// Initialize call reaches the caches; calling SetLogger afterwards is
// safe but does not change the logger they hold. Logging is a diagnostic
// opt-in, not configuration of the allocator's behavior.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// Initialize sets up the process-wide PageCache and CentralCache
// singletons. Idempotent: calling it more than once, including
// concurrently, is a no-op after the first call. Calling
// Allocate/Deallocate before Initialize is a programmer error and
// panics.
func Initialize() {
	initOnce.Do(func() {
		loggerMu.Lock()
		l := logger
		loggerMu.Unlock()

		pages := NewPageCache(l)
		central := NewCentralCache(pages, l)
		f := &front{pages: pages, central: central}
		f.tcPool.New = func() any {
			return newThreadCacheFrom(central)
		}
		theFront.Store(f)
	})
}

func mustFront() *front {
	f := theFront.Load()
	if f == nil {
		panic("memorypool: Allocate/Deallocate called before Initialize")
	}
	return f
}

// newThreadCacheFrom adapts a *CentralCache to the narrower
// ThreadCacheSource interface NewThreadCache expects.
func newThreadCacheFrom(central *CentralCache) *ThreadCache {
	return NewThreadCache(central)
}

// Allocate returns an address of at least roundUp(size) aligned bytes,
// or nil if the system has no memory. size == 0 returns an address of
// exactly Alignment bytes.
//
// Allocate borrows a *ThreadCache from a process-wide sync.Pool for the
// duration of the call; see ThreadCache's doc comment for why that gives
// the same locality a genuine per-OS-thread cache would. Callers doing
// many allocations on one goroutine should prefer constructing their own
// *ThreadCache with NewThreadCache instead of calling this repeatedly.
func Allocate(size uintptr) unsafe.Pointer {
	f := mustFront()
	tcAny := f.tcPool.Get()
	tc := tcAny.(*ThreadCache)
	p := tc.Allocate(size)
	f.tcPool.Put(tc)
	return p
}

// Deallocate returns a block obtained from Allocate. size must equal the
// size passed to the corresponding Allocate call; passing a different
// size is undefined.
func Deallocate(ptr unsafe.Pointer, size uintptr) {
	if ptr == nil {
		return
	}
	f := mustFront()
	tcAny := f.tcPool.Get()
	tc := tcAny.(*ThreadCache)
	tc.Deallocate(ptr, size)
	f.tcPool.Put(tc)
}
