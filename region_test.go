//go:build linux || darwin

package fiberloop

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestRegionAllocSmallAndLarge(t *testing.T) {
	g := NewRegion(64)
	require.Equal(t, 0, g.PageCount())
	require.Equal(t, 0, g.BlockCount())

	// Small allocation fits the default-sized page.
	p := g.Alloc(8)
	require.NotNil(t, p)
	require.Equal(t, 1, g.PageCount())
	require.Equal(t, 1, g.BlockCount())
	require.Zero(t, uintptr(p)%maxAlign)

	// An allocation larger than the page size gets a dedicated page of
	// exactly the requested size.
	big := g.Alloc(2000)
	require.NotNil(t, big)
	require.Equal(t, 2, g.PageCount())
	require.Equal(t, 2, g.BlockCount())
	require.Equal(t, 2000, len(g.pages.buf))

	g.Release()
}

func TestRegionPointersStable(t *testing.T) {
	g := NewRegion(32)
	a := (*uint64)(g.Alloc(8))
	*a = 42
	// Force growth onto fresh pages; earlier allocations must not move.
	for i := 0; i < 16; i++ {
		g.Alloc(32)
	}
	require.Equal(t, uint64(42), *a)
	g.Release()
}

func TestRegionReallocInPlace(t *testing.T) {
	g := NewRegion(64)
	p := g.Alloc(8)
	*(*uint64)(p) = 7

	// Trailing block with room left in its page grows in place.
	q := g.Realloc(p, 32)
	require.Equal(t, p, q)
	require.Equal(t, 1, g.BlockCount())
	require.Equal(t, uint64(7), *(*uint64)(q))

	// Shrink (or equal size) always keeps the block.
	require.Equal(t, p, g.Realloc(p, 8))
	g.Release()
}

func TestRegionReallocCopies(t *testing.T) {
	g := NewRegion(64)
	p := g.Alloc(8)
	*(*uint64)(p) = 42
	g.Alloc(8) // p is no longer the trailing block

	q := g.Realloc(p, 16)
	require.NotEqual(t, p, q)
	require.Equal(t, uint64(42), *(*uint64)(q))
	require.Equal(t, 3, g.BlockCount())

	// The old block's space is not reclaimed; writes through the two
	// pointers are independent.
	*(*uint64)(q) = 84
	require.Equal(t, uint64(42), *(*uint64)(p))
	g.Release()
}

func TestRegionReallocGrowsBeyondPage(t *testing.T) {
	g := NewRegion(64)
	p := g.Alloc(16)
	b := unsafe.Slice((*byte)(p), 16)
	for i := range b {
		b[i] = byte(i)
	}

	// Trailing block, but the page cannot hold the new size: copy.
	q := g.Realloc(p, 4096)
	require.NotEqual(t, p, q)
	nb := unsafe.Slice((*byte)(q), 4096)
	for i := 0; i < 16; i++ {
		require.Equal(t, byte(i), nb[i])
	}
	g.Release()
}

func TestRegionReleaseReturnsPages(t *testing.T) {
	var freed []int
	g := NewRegion(64)
	g.onPageFree = func(bytes int) { freed = append(freed, bytes) }

	g.Alloc(8)    // 64-byte page
	g.Alloc(2000) // dedicated 2000-byte page
	g.Release()

	require.ElementsMatch(t, []int{64, 2000}, freed)
	require.True(t, g.Released())
	require.Equal(t, 0, g.PageCount())
	require.Equal(t, 0, g.BlockCount())
}

func TestRegionUseAfterRelease(t *testing.T) {
	g := NewRegion(64)
	g.Alloc(8)
	g.Release()

	requirePanicsIs := func(fn func()) {
		t.Helper()
		defer func() {
			err, ok := recover().(error)
			require.True(t, ok)
			require.ErrorIs(t, err, ErrRegionReleased)
		}()
		fn()
	}
	requirePanicsIs(func() { g.Alloc(8) })
	requirePanicsIs(func() { g.Release() })
}

func TestRegionReallocUnknownPointer(t *testing.T) {
	g := NewRegion(64)
	g.Alloc(8)
	var x uint64
	require.Panics(t, func() { g.Realloc(unsafe.Pointer(&x), 16) })
	g.Release()
}
