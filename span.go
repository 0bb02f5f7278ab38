// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memorypool

import "sync/atomic"

// spanState is the lifecycle state of a Span.
//
//	Raw      - held by PageCache's free index, freeCount is meaningless.
//	Assigned - held by CentralCache, blocks live on its free list, on
//	           ThreadCaches, or in callers' hands.
//	Returned - all blocks reclaimed, back in PageCache's free index.
type spanState uint8

const (
	spanRaw spanState = iota
	spanAssigned
	spanReturned
)

// Span is a contiguous run of pages obtained from the OS. A
// Span is carved into BlockCount blocks of BlockSize bytes once assigned
// to a size class; before that, BlockSize and BlockCount are zero.
//
// Span doubles as a node in two different intrusive doubly-linked lists
// depending on its state: PageCache's per-page-count free lists thread
// through next/prev while Raw or Returned; CentralCache never links Spans
// directly, only the blocks carved from them.
type Span struct {
	BaseAddr uintptr
	NumPages uint32

	// set only once the span is carved for a size class (Assigned).
	SizeClass  int
	BlockSize  uintptr
	BlockCount uint32

	// freeCount is the authoritative count of free blocks between
	// sweeps. It is atomic because CentralCache's sweep writes it while
	// holding the owning size class's lock, but snapshot reads
	// (diagnostics, tests) may run concurrently without acquiring that
	// lock.
	freeCount uint32

	state spanState

	// next/prev thread this span into PageCache.freeSpans[NumPages]
	// while Raw or Returned. Unused while Assigned.
	next, prev *Span
}

// EndAddr returns the first address past the span.
func (s *Span) EndAddr() uintptr {
	return s.BaseAddr + uintptr(s.NumPages)*PageSize
}

// FreeCount returns the span's current free-block count. Meaningless
// while the span is Raw or Returned.
func (s *Span) FreeCount() uint32 {
	return atomic.LoadUint32(&s.freeCount)
}

func (s *Span) setFreeCount(n uint32) {
	atomic.StoreUint32(&s.freeCount, n)
}

func (s *Span) addFreeCount(delta int32) uint32 {
	if delta >= 0 {
		return atomic.AddUint32(&s.freeCount, uint32(delta))
	}
	return atomic.AddUint32(&s.freeCount, ^uint32(-delta-1))
}

// reset clears a Span descriptor for reuse by descpool: descriptors are
// never individually freed to the Go GC, only reset and pushed back onto
// the recycle stack.
func (s *Span) reset() {
	s.BaseAddr = 0
	s.NumPages = 0
	s.SizeClass = 0
	s.BlockSize = 0
	s.BlockCount = 0
	s.freeCount = 0
	s.state = spanRaw
	s.next = nil
	s.prev = nil
}
