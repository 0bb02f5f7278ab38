// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memorypool

import (
	"runtime"
	"unsafe"
)

// ThreadHold is the per-class free-list length above which Deallocate
// batches blocks back to CentralCache.
const ThreadHold = 256

// tcClass is one size class's state inside a ThreadCache: an intrusive
// free list and its length. Never touched by any goroutine other than
// the one holding the *ThreadCache, so it needs no synchronization.
type tcClass struct {
	head  unsafe.Pointer
	count uint32
}

// ThreadCache is the top tier: a single caller's free lists, one per
// size class, refilled from and drained to a shared CentralCache in
// batches. Every operation is lock-free with respect to other
// ThreadCaches; nothing here is safe for concurrent use by more than one
// goroutine at a time.
//
// Go has no portable equivalent of a pthread TLS destructor, so this
// type is exposed three ways:
//
//  1. construct one directly with NewThreadCache and keep it for the
//     lifetime of a goroutine that owns it outright (e.g. one per
//     worker in a fixed pool) — zero pooling overhead;
//  2. use the package-level Allocate/Deallocate facade, which borrows
//     one from a process-wide sync.Pool per call — sync.Pool's own
//     per-P private slot gives the same locality a per-OS-thread cache
//     would, without a manual handle;
//  3. either way, a finalizer flushes the cache's remaining free lists
//     back to its CentralCache when it becomes unreachable, so blocks
//     are never permanently stranded even if Close is never called.
//     Close is still exposed for callers that want the flush to happen
//     deterministically.
type ThreadCache struct {
	central ThreadCacheSource
	classes [NumSizeClasses]tcClass
	closed  bool
}

// ThreadCacheSource is the subset of CentralCache a ThreadCache needs.
// Exists as an interface only so tests can substitute a fake refill
// source without standing up a whole CentralCache/PageCache stack.
type ThreadCacheSource interface {
	FetchRange(class int) unsafe.Pointer
	ReturnRange(start unsafe.Pointer, totalBytes uintptr, class int)
}

// NewThreadCache constructs a ThreadCache refilling from and draining
// to central. A finalizer is installed so Close runs automatically if
// the caller never calls it explicitly.
func NewThreadCache(central ThreadCacheSource) *ThreadCache {
	tc := &ThreadCache{central: central}
	runtime.SetFinalizer(tc, (*ThreadCache).Close)
	return tc
}

// baseBatch is the refill batch-size heuristic's class-independent
// component: it decreases from 64 for small blocks down to 1 for blocks
// over 1KiB, capping how many blocks one refill pulls from CentralCache
// regardless of size class.
func baseBatch(blockSize uintptr) int {
	switch {
	case blockSize <= 32:
		return 64
	case blockSize <= 64:
		return 32
	case blockSize <= 128:
		return 16
	case blockSize <= 256:
		return 8
	case blockSize <= 512:
		return 4
	case blockSize <= 1024:
		return 2
	default:
		return 1
	}
}

// refillBatchSize returns min(baseBatch(s), 4096/s), clamped to at
// least 1, capping per-refill memory at roughly a page regardless of
// size class.
func refillBatchSize(blockSize uintptr) int {
	n := baseBatch(blockSize)
	if limit := int(4096 / blockSize); limit < n {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Allocate returns at least roundUp(size) aligned bytes, or nil if the
// system has no memory to give. size == 0 is treated as Alignment
// bytes.
func (tc *ThreadCache) Allocate(size uintptr) unsafe.Pointer {
	if size == 0 {
		size = Alignment
	}
	if size > MaxSmall {
		return sysAllocOversize(size)
	}

	idx := IndexOf(size)
	c := &tc.classes[idx]

	if c.head != nil {
		b := c.head
		c.head = blockNext(b)
		c.count-- // decrement only on the local-hit path, never on refill.
		return b
	}

	return tc.refill(idx)
}

// refill pulls a batch of blocks of class idx from CentralCache one at
// a time (each a single-block fetchRange call, per CentralCache's own
// contract), keeps the first as the result, and links the rest onto
// this ThreadCache's free list.
func (tc *ThreadCache) refill(idx int) unsafe.Pointer {
	batch := refillBatchSize(BlockSize(idx))

	first := tc.central.FetchRange(idx)
	if first == nil {
		return nil
	}

	c := &tc.classes[idx]
	var tail unsafe.Pointer
	n := uint32(0)
	for k := 1; k < batch; k++ {
		b := tc.central.FetchRange(idx)
		if b == nil {
			break
		}
		setBlockNext(b, nil)
		if tail == nil {
			c.head = b
		} else {
			setBlockNext(tail, b)
		}
		tail = b
		n++
	}
	c.count = n
	return first
}

// Deallocate returns ptr, previously obtained from Allocate(size), to
// this ThreadCache's free list, batching the oldest blocks back to
// CentralCache once the list grows past ThreadHold.
func (tc *ThreadCache) Deallocate(ptr unsafe.Pointer, size uintptr) {
	if size == 0 {
		size = Alignment
	}
	if size > MaxSmall {
		sysFreeOversize(ptr, size)
		return
	}

	idx := IndexOf(size)
	c := &tc.classes[idx]

	setBlockNext(ptr, c.head)
	c.head = ptr
	c.count++

	if c.count <= ThreadHold {
		return
	}

	keep := (c.count + 3) / 4
	node := c.head
	for k := uint32(1); k < keep; k++ {
		node = blockNext(node)
	}
	tail := blockNext(node)
	setBlockNext(node, nil)

	returned := c.count - keep
	c.count = keep
	tc.central.ReturnRange(tail, uintptr(returned)*BlockSize(idx), idx)
}

// Close flushes every remaining free list back to CentralCache. Safe to
// call more than once; safe to rely on the finalizer instead.
func (tc *ThreadCache) Close() {
	if tc.closed {
		return
	}
	tc.closed = true
	runtime.SetFinalizer(tc, nil)

	for idx := 0; idx < NumSizeClasses; idx++ {
		c := &tc.classes[idx]
		if c.head == nil {
			continue
		}
		tc.central.ReturnRange(c.head, uintptr(c.count)*BlockSize(idx), idx)
		c.head = nil
		c.count = 0
	}
}
