// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memorypool

import (
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/chioca/memory-pool/internal/descpool"
)

// pageBucket is one entry of PageCache.freeSpans: all raw/returned spans
// of exactly numPages pages, threaded through Span.next/prev.
type pageBucket struct {
	numPages uint32
	head     *Span
}

// PageCache is the bottom tier: it obtains memory from the
// OS in page-aligned multi-page chunks, hands out spans of at least a
// requested page count, and reclaims/coalesces returned spans. A process
// normally needs exactly one; see DefaultPageCache.
type PageCache struct {
	mu sync.Mutex

	// freeSpans: numPages -> bucket of raw/returned spans of that size,
	// ordered so AscendGreaterOrEqual(k) finds the best-fit (smallest
	// span with numPages >= k) in O(log S).
	freeSpans *btree.BTreeG[*pageBucket]

	// spanMap: baseAddr -> descriptor, covering every span ever handed
	// out by the pager and not yet unmapped (spans are never unmapped;
	// they're retained for reuse for the life of the process). Used for
	// the exact-address lookup that finds a span's right-hand neighbor,
	// and for the predecessor query behind CentralCache's span-of-block
	// lookup (SpanContaining).
	spanMap *btree.BTreeG[*Span]

	descs  descpool.Pool[Span]
	pager  pager
	logger *zap.Logger
}

func lessPageBucket(a, b *pageBucket) bool { return a.numPages < b.numPages }
func lessSpanByAddr(a, b *Span) bool       { return a.BaseAddr < b.BaseAddr }

// NewPageCache constructs a PageCache. A nil logger is treated as
// zap.NewNop() — logging is an opt-in diagnostic, not a required
// dependency of the allocator's behavior.
func NewPageCache(logger *zap.Logger) *PageCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageCache{
		freeSpans: btree.NewG(32, lessPageBucket),
		spanMap:   btree.NewG(32, lessSpanByAddr),
		pager:     osPager{},
		logger:    logger,
	}
}

// DefaultPageCache returns a PageCache with a no-op logger, the
// zero-configuration entry point most callers want.
func DefaultPageCache() *PageCache {
	return NewPageCache(nil)
}

func (pc *PageCache) newDesc() *Span {
	if s := pc.descs.Get(); s != nil {
		s.reset()
		return s
	}
	return &Span{}
}

// pushFree links s onto freeSpans[s.NumPages], creating the bucket if
// needed. Callers must hold pc.mu.
func (pc *PageCache) pushFree(s *Span, state spanState) {
	s.state = state
	bucket, ok := pc.freeSpans.Get(&pageBucket{numPages: s.NumPages})
	if !ok {
		bucket = &pageBucket{numPages: s.NumPages}
		pc.freeSpans.ReplaceOrInsert(bucket)
	}
	s.prev = nil
	s.next = bucket.head
	if bucket.head != nil {
		bucket.head.prev = s
	}
	bucket.head = s
}

// unlinkFree removes s from freeSpans[s.NumPages]. s must currently be
// linked there (s.state != spanAssigned). Callers must hold pc.mu.
func (pc *PageCache) unlinkFree(s *Span) {
	bucket, ok := pc.freeSpans.Get(&pageBucket{numPages: s.NumPages})
	if !ok {
		panic("memorypool: span marked free but its size bucket is missing")
	}
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		bucket.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
	if bucket.head == nil {
		pc.freeSpans.Delete(bucket)
	}
}

// AllocateSpan returns a span of at least numPages pages, best-fit from
// the free index or freshly mapped from the OS. It returns nil if the OS
// has no memory to give.
func (pc *PageCache) AllocateSpan(numPages uint32) *Span {
	if numPages == 0 {
		panic("memorypool: AllocateSpan called with numPages == 0")
	}

	pc.mu.Lock()

	var bucket *pageBucket
	pc.freeSpans.AscendGreaterOrEqual(&pageBucket{numPages: numPages}, func(item *pageBucket) bool {
		bucket = item
		return false
	})

	if bucket != nil {
		s := bucket.head
		bucket.head = s.next
		if s.next != nil {
			s.next.prev = nil
		}
		s.next, s.prev = nil, nil
		if bucket.head == nil {
			pc.freeSpans.Delete(bucket)
		}

		if bucket.numPages > numPages {
			tail := pc.newDesc()
			tail.BaseAddr = s.BaseAddr + uintptr(numPages)*PageSize
			tail.NumPages = bucket.numPages - numPages
			pc.spanMap.ReplaceOrInsert(tail)
			pc.pushFree(tail, spanRaw)
			s.NumPages = numPages
		}

		s.state = spanAssigned
		pc.mu.Unlock()
		pc.logger.Debug("pagecache: served span from free index",
			zap.Uintptr("base", s.BaseAddr), zap.Uint32("pages", s.NumPages))
		return s
	}

	base, err := pc.pager.mapPages(numPages)
	if err != nil {
		pc.mu.Unlock()
		pc.logger.Debug("pagecache: OS mmap failed", zap.Error(err), zap.Uint32("pages", numPages))
		return nil
	}
	s := pc.newDesc()
	s.BaseAddr = base
	s.NumPages = numPages
	s.state = spanAssigned
	pc.spanMap.ReplaceOrInsert(s)
	pc.mu.Unlock()
	pc.logger.Debug("pagecache: grew from OS", zap.Uintptr("base", base), zap.Uint32("pages", numPages))
	return s
}

// DeallocateSpan returns a fully-reclaimed span to the free index,
// coalescing it with its immediate right-hand neighbor if that neighbor
// is itself free. If s is not a span PageCache handed out, DeallocateSpan
// silently does nothing.
func (pc *PageCache) DeallocateSpan(s *Span) {
	if s == nil {
		return
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if got, ok := pc.spanMap.Get(&Span{BaseAddr: s.BaseAddr}); !ok || got != s {
		return
	}

	rightAddr := s.EndAddr()
	if right, ok := pc.spanMap.Get(&Span{BaseAddr: rightAddr}); ok && right.state != spanAssigned {
		pc.unlinkFree(right)
		s.NumPages += right.NumPages
		pc.spanMap.Delete(right)
		pc.descs.Put(right)
		pc.logger.Debug("pagecache: coalesced with right neighbor",
			zap.Uintptr("base", s.BaseAddr), zap.Uint32("pages", s.NumPages))
	}

	pc.pushFree(s, spanReturned)
}

// SpanContaining returns the span that owns addr, or nil. This is an
// O(log S) predecessor query over spanMap — the largest key <= addr,
// verified to actually contain addr — and is how CentralCache maps a
// block address back to its owning span.
func (pc *PageCache) SpanContaining(addr uintptr) *Span {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	var found *Span
	pc.spanMap.DescendLessOrEqual(&Span{BaseAddr: addr}, func(item *Span) bool {
		found = item
		return false
	})
	if found == nil || addr >= found.EndAddr() {
		return nil
	}
	return found
}

// FreeSpanCount reports how many distinct raw/returned spans of exactly
// numPages pages currently sit in the free index. Exposed for tests
// exercising span recycling and split/coalesce behavior.
func (pc *PageCache) FreeSpanCount(numPages uint32) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	bucket, ok := pc.freeSpans.Get(&pageBucket{numPages: numPages})
	if !ok {
		return 0
	}
	n := 0
	for s := bucket.head; s != nil; s = s.next {
		n++
	}
	return n
}
