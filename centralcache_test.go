package memorypool

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestCentralCache() (*CentralCache, *PageCache, *fakePager) {
	pc, fp := newTestPageCache()
	return NewCentralCache(pc, nil), pc, fp
}

func chainLen(head unsafe.Pointer) int {
	n := 0
	for cur := head; cur != nil; cur = blockNext(cur) {
		n++
	}
	return n
}

func TestFetchRangeCarvesFreshSpan(t *testing.T) {
	cc, pc, _ := newTestCentralCache()
	const class = 3 // block size (3+1)*8 = 32 bytes

	b := cc.FetchRange(class)
	require.NotNil(t, b)

	span := pc.SpanContaining(uintptr(b))
	require.NotNil(t, span)
	require.Equal(t, class, span.SizeClass)
	require.Equal(t, BlockSize(class), span.BlockSize)
	// one block handed to the caller, the rest linked on the class list
	require.Equal(t, span.BlockCount-1, span.FreeCount())
}

func TestFetchRangeDrainsClassListBeforeCarving(t *testing.T) {
	cc, _, fp := newTestCentralCache()
	const class = 0

	first := cc.FetchRange(class)
	require.NotNil(t, first)
	callsAfterFirst := fp.calls

	// Subsequent fetches should drain the remainder of the same span
	// without asking PageCache for more memory, until it's exhausted.
	second := cc.FetchRange(class)
	require.NotNil(t, second)
	require.NotEqual(t, first, second)
	require.Equal(t, callsAfterFirst, fp.calls)
}

func TestReturnRangeRoundTrip(t *testing.T) {
	cc, pc, _ := newTestCentralCache()
	const class = 5

	blocks := make([]unsafe.Pointer, 0, 10)
	for i := 0; i < 10; i++ {
		b := cc.FetchRange(class)
		require.NotNil(t, b)
		blocks = append(blocks, b)
	}

	// Build a caller-owned chain out of the fetched blocks.
	for i := 0; i < len(blocks)-1; i++ {
		setBlockNext(blocks[i], blocks[i+1])
	}
	setBlockNext(blocks[len(blocks)-1], nil)

	blockSize := BlockSize(class)
	cc.ReturnRange(blocks[0], uintptr(len(blocks))*blockSize, class)

	// The 10 returned blocks join the ones the carve left on the class
	// list, so the span's whole block count is on the list again.
	require.Equal(t, int(SpanPages*PageSize/blockSize), chainLen(cc.classes[class].head))

	span := pc.SpanContaining(uintptr(blocks[0]))
	require.NotNil(t, span)
	require.Equal(t, spanAssigned, span.state)
}

// Exercises the full fetch/return/sweep cycle: fetch every block of a
// freshly-carved span, return them all in one batch forcing an immediate
// sweep (by exceeding MaxDelayCount), and verify the span is fully
// reclaimed back to PageCache.
func TestSweepReclaimsFullyFreeSpan(t *testing.T) {
	cc, pc, _ := newTestCentralCache()
	const class = 10

	first := cc.FetchRange(class)
	require.NotNil(t, first)
	span := pc.SpanContaining(uintptr(first))
	require.NotNil(t, span)
	blockCount := int(span.BlockCount)

	blocks := []unsafe.Pointer{first}
	for i := 1; i < blockCount; i++ {
		b := cc.FetchRange(class)
		require.NotNil(t, b)
		blocks = append(blocks, b)
	}
	// every block of this span is now in caller hands; class list is empty.
	require.Equal(t, 0, chainLen(cc.classes[class].head))

	for i := 0; i < len(blocks)-1; i++ {
		setBlockNext(blocks[i], blocks[i+1])
	}
	setBlockNext(blocks[len(blocks)-1], nil)

	blockSize := BlockSize(class)
	// Force delayCount past MaxDelayCount so ReturnRange sweeps unconditionally.
	cc.classes[class].delayCount = MaxDelayCount
	cc.ReturnRange(blocks[0], uintptr(len(blocks))*blockSize, class)

	// All blocks of the span were excised and the span itself handed back
	// to PageCache, so the class's free list is empty again.
	require.Equal(t, 0, chainLen(cc.classes[class].head))
	require.Equal(t, 1, pc.FreeSpanCount(span.NumPages))
}

// A sweep triggered by elapsed time (not volume) must still only reclaim
// spans that are genuinely fully free, leaving partially-free spans with
// a freeCount equal to their on-list tally rather than the count of just
// the most recent return.
func TestSweepUpdatesPartialSpanFreeCount(t *testing.T) {
	cc, pc, _ := newTestCentralCache()
	const class = 2

	first := cc.FetchRange(class)
	require.NotNil(t, first)
	span := pc.SpanContaining(uintptr(first))
	require.NotNil(t, span)

	// Drain every remaining block of this span out to the caller so the
	// class list starts empty and the only blocks the sweep can see are
	// the ones this test returns itself.
	blocks := []unsafe.Pointer{first}
	for uint32(len(blocks)) < span.BlockCount {
		b := cc.FetchRange(class)
		require.NotNil(t, b)
		blocks = append(blocks, b)
	}
	require.Equal(t, 0, chainLen(cc.classes[class].head))

	blockSize := BlockSize(class)
	// Return two of the span's blocks as one batch, all the rest stay
	// in the caller's hands.
	setBlockNext(blocks[0], blocks[1])
	setBlockNext(blocks[1], nil)
	cc.classes[class].lastReturnTime = time.Now().Add(-2 * DelayInterval)
	cc.ReturnRange(blocks[0], 2*blockSize, class)

	require.Equal(t, uint32(2), span.FreeCount())
	require.Equal(t, spanAssigned, span.state)
	require.Equal(t, 0, pc.FreeSpanCount(span.NumPages))
}
