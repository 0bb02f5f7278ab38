// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memorypool

import (
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/chioca/memory-pool/internal/spinlock"
)

// SpanPages is the default span size CentralCache requests from
// PageCache for a size class. Classes whose block size would not fit a
// single block in SpanPages pages round up to cover at least one block.
const SpanPages = 8

// MaxDelayCount is the number of batch returns accumulated on a class's
// free list before a reclamation sweep runs unconditionally.
const MaxDelayCount = 64

// DelayInterval is how long after a class's last sweep (or, before its
// first, after the CentralCache was constructed) the next ReturnRange on
// that class runs a reclamation sweep regardless of return volume. Sweeps
// only ever run inside ReturnRange.
const DelayInterval = time.Second

// classCache is the per-size-class state of CentralCache: an intrusive
// free list of blocks, guarded by its own spinlock so contention on one
// size class never touches another.
type classCache struct {
	lock           spinlock.Spinlock
	head           unsafe.Pointer // first free block, or nil
	delayCount     uint32         // guarded by lock
	lastReturnTime time.Time      // guarded by lock
}

// CentralCache is the middle tier: it serves batched refill/return
// requests from ThreadCaches for every size class, carving fresh spans
// from PageCache as needed and sweeping fully-free spans back to it. A
// process normally needs exactly one; see DefaultCentralCache.
//
// Each Assigned span's block-size/block-count/free-count bookkeeping
// lives directly on its *Span (see span.go) rather than in a second,
// separately-bounded tracker table: PageCache's spanMap (via
// SpanContaining) already gives the O(log S) span-of-block lookup
// CentralCache needs, and Span descriptors are bounded only by available
// memory via internal/descpool, not a fixed-capacity array.
type CentralCache struct {
	classes [NumSizeClasses]classCache
	pages   *PageCache
	logger  *zap.Logger
}

// NewCentralCache constructs a CentralCache that grows from pages. A nil
// logger is treated as zap.NewNop(). Every class's sweep clock starts at
// construction time.
func NewCentralCache(pages *PageCache, logger *zap.Logger) *CentralCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := &CentralCache{pages: pages, logger: logger}
	now := time.Now()
	for i := range cc.classes {
		cc.classes[i].lastReturnTime = now
	}
	return cc
}

// DefaultCentralCache returns a CentralCache backed by a fresh
// DefaultPageCache and a no-op logger, the zero-configuration entry
// point most callers want.
func DefaultCentralCache() *CentralCache {
	return NewCentralCache(DefaultPageCache(), nil)
}

func blockNext(b unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(b)
}

func setBlockNext(b, next unsafe.Pointer) {
	*(*unsafe.Pointer)(b) = next
}

// FetchRange returns one block of size class idx to the caller, linking
// the remainder of any freshly-carved batch onto the class's own free
// list. Returns nil if PageCache has no memory to carve a fresh span
// from.
func (cc *CentralCache) FetchRange(idx int) unsafe.Pointer {
	c := &cc.classes[idx]
	c.lock.Lock()

	if c.head != nil {
		b := c.head
		c.head = blockNext(b)
		if span := cc.pages.SpanContaining(uintptr(b)); span != nil {
			span.addFreeCount(-1)
		}
		c.lock.Unlock()
		return b
	}

	blockSize := BlockSize(idx)
	numPages := SpanPages
	if need := int((blockSize + PageSize - 1) / PageSize); need > numPages {
		numPages = need
	}

	span := cc.pages.AllocateSpan(uint32(numPages))
	if span == nil {
		c.lock.Unlock()
		return nil
	}

	blockCount := (uintptr(numPages) * PageSize) / blockSize
	span.SizeClass = idx
	span.BlockSize = blockSize
	span.BlockCount = uint32(blockCount)

	base := span.BaseAddr
	for k := uintptr(1); k < blockCount; k++ {
		cur := unsafe.Pointer(base + (k-1)*blockSize)
		nxt := unsafe.Pointer(base + k*blockSize)
		setBlockNext(cur, nxt)
	}
	setBlockNext(unsafe.Pointer(base+(blockCount-1)*blockSize), nil)

	span.setFreeCount(uint32(blockCount - 1))

	first := unsafe.Pointer(base)
	c.head = blockNext(first)
	c.lock.Unlock()

	cc.logger.Debug("centralcache: carved fresh span",
		zap.Int("class", idx), zap.Uintptr("base", base), zap.Uintptr("blocks", blockCount))
	return first
}

// ReturnRange splices a caller-supplied chain of blocks (headed by
// start, totalBytes bytes long) back onto class idx's free list, and
// triggers a reclamation sweep if the class is due for one.
func (cc *CentralCache) ReturnRange(start unsafe.Pointer, totalBytes uintptr, idx int) {
	if start == nil {
		return
	}
	c := &cc.classes[idx]
	blockSize := BlockSize(idx)
	n := int(totalBytes / blockSize)

	c.lock.Lock()

	end := start
	for k := 1; k < n; k++ {
		next := blockNext(end)
		if next == nil {
			break
		}
		end = next
	}
	setBlockNext(end, c.head)
	c.head = start

	c.delayCount++
	due := c.delayCount >= MaxDelayCount || time.Since(c.lastReturnTime) >= DelayInterval
	if due {
		cc.sweep(idx)
	}

	c.lock.Unlock()
}

// sweep performs the delayed-return reclamation pass for class idx.
// Callers must hold cc.classes[idx].lock.
func (cc *CentralCache) sweep(idx int) {
	c := &cc.classes[idx]

	tally := make(map[*Span]uint32)
	for cur := c.head; cur != nil; cur = blockNext(cur) {
		span := cc.pages.SpanContaining(uintptr(cur))
		if span == nil {
			continue
		}
		tally[span]++
	}

	for span, count := range tally {
		if count == span.BlockCount {
			cc.excise(idx, span)
			cc.pages.DeallocateSpan(span)
			cc.logger.Debug("centralcache: reclaimed fully-free span",
				zap.Int("class", idx), zap.Uintptr("base", span.BaseAddr))
			continue
		}
		span.setFreeCount(count)
	}

	c.delayCount = 0
	c.lastReturnTime = time.Now()
}

// excise removes every block belonging to span from class idx's free
// list. Callers must hold cc.classes[idx].lock. next is always computed
// from cur before cur is possibly unlinked, so two adjacent blocks from
// the same reclaimed span never corrupt the walk.
func (cc *CentralCache) excise(idx int, span *Span) {
	c := &cc.classes[idx]
	var prev unsafe.Pointer
	cur := c.head
	for cur != nil {
		next := blockNext(cur)
		if uintptr(cur) >= span.BaseAddr && uintptr(cur) < span.EndAddr() {
			if prev == nil {
				c.head = next
			} else {
				setBlockNext(prev, next)
			}
		} else {
			prev = cur
		}
		cur = next
	}
}
