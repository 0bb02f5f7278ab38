package memorypool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// fakeSource is a minimal ThreadCacheSource that hands out blocks from
// a flat arena, letting ThreadCache tests run without a real
// CentralCache/PageCache stack underneath.
type fakeSource struct {
	blockSize  map[int]uintptr
	next       map[int]unsafe.Pointer
	fetchCalls int
	returned   []struct {
		addr  unsafe.Pointer
		bytes uintptr
		class int
	}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		blockSize: make(map[int]uintptr),
		next:      make(map[int]unsafe.Pointer),
	}
}

func (f *fakeSource) FetchRange(class int) unsafe.Pointer {
	f.fetchCalls++
	sz := BlockSize(class)
	buf := make([]byte, sz)
	return unsafe.Pointer(&buf[0])
}

func (f *fakeSource) ReturnRange(start unsafe.Pointer, totalBytes uintptr, class int) {
	f.returned = append(f.returned, struct {
		addr  unsafe.Pointer
		bytes uintptr
		class int
	}{start, totalBytes, class})
}

// A fixed-size round trip (allocate/deallocate/allocate) must not ask
// the source for more memory the second time, up to ThreadHold.
func TestThreadCacheRoundTripHitsLocalList(t *testing.T) {
	src := newFakeSource()
	tc := NewThreadCache(src)

	const size = 64
	p1 := tc.Allocate(size)
	require.NotNil(t, p1)
	callsAfterFirst := src.fetchCalls

	tc.Deallocate(p1, size)
	p2 := tc.Allocate(size)
	require.NotNil(t, p2)

	require.Equal(t, p1, p2, "round trip should hand back the same block (LIFO)")
	require.Equal(t, callsAfterFirst, src.fetchCalls, "second allocate must be served from the local list")
}

func TestThreadCacheOversizeBypassesCentralCache(t *testing.T) {
	src := newFakeSource()
	tc := NewThreadCache(src)

	p := tc.Allocate(MaxSmall + 1)
	require.NotNil(t, p)
	require.Equal(t, 0, src.fetchCalls)

	tc.Deallocate(p, MaxSmall+1)
	require.Empty(t, src.returned)
}

func TestThreadCacheZeroSizeTreatedAsAlignment(t *testing.T) {
	src := newFakeSource()
	tc := NewThreadCache(src)

	p := tc.Allocate(0)
	require.NotNil(t, p)
	require.Equal(t, IndexOf(0), IndexOf(Alignment))
}

// Deallocating past ThreadHold must trigger exactly one batch return,
// keeping roughly a quarter of the list locally.
func TestThreadCacheBatchReturnPastThreadHold(t *testing.T) {
	src := newFakeSource()
	tc := NewThreadCache(src)
	const size = 32
	idx := IndexOf(size)

	blocks := make([]unsafe.Pointer, ThreadHold+1)
	for i := range blocks {
		buf := make([]byte, size)
		blocks[i] = unsafe.Pointer(&buf[0])
	}
	for _, b := range blocks {
		tc.Deallocate(b, size)
	}

	require.Len(t, src.returned, 1)
	ret := src.returned[0]
	require.Equal(t, idx, ret.class)

	keep := (uint32(ThreadHold+1) + 3) / 4
	wantReturnedBlocks := uint32(ThreadHold+1) - keep
	require.Equal(t, wantReturnedBlocks*BlockSize(idx), ret.bytes)
	require.Equal(t, keep, tc.classes[idx].count)
}

// A fetchRange miss (source exhausted) must surface as nil, not panic.
func TestThreadCacheRefillMissReturnsNil(t *testing.T) {
	src := &nilSource{}
	tc := NewThreadCache(src)
	require.Nil(t, tc.Allocate(64))
}

type nilSource struct{}

func (nilSource) FetchRange(class int) unsafe.Pointer                            { return nil }
func (nilSource) ReturnRange(start unsafe.Pointer, totalBytes uintptr, class int) {}

func TestRefillBatchSizeHeuristic(t *testing.T) {
	require.Equal(t, 64, refillBatchSize(8))
	require.LessOrEqual(t, refillBatchSize(2048)*2048, 4096)
	require.Equal(t, 1, refillBatchSize(MaxSmall))
}
