//go:build linux || darwin

package fiberloop

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxAlign is the alignment of every pointer returned by Region.Alloc.
const maxAlign = 16

// regionPage is one mmap'd page in a region chain. The head of the chain is
// the active bump page; a page that cannot satisfy an allocation is never
// bumped again.
type regionPage struct {
	next *regionPage
	buf  []byte
	used int
}

// regionBlock records one allocation, for Realloc and for observation in
// tests. Allocation is monotonic: blocks are never individually freed.
type regionBlock struct {
	ptr  unsafe.Pointer
	size int
}

// Region is a bump allocator over a chain of mmap'd pages. All memory in a
// region is released together by Release. Pointers returned by Alloc never
// move and stay valid until Release.
//
// Each fiber owns at most one region, created lazily on the fiber's first
// allocation and released when the fiber retires. A Region may also be used
// standalone; it is not safe for concurrent use.
type Region struct {
	pages    *regionPage
	blocks   []regionBlock
	pageSize int
	released bool

	// Observation points, nil unless installed by the runtime.
	onPageAlloc func(bytes int)
	onPageFree  func(bytes int)
}

// NewRegion creates an empty region. Pages are sized at least pageSize;
// a non-positive pageSize selects the OS page size.
func NewRegion(pageSize int) *Region {
	if pageSize <= 0 {
		pageSize = unix.Getpagesize()
	}
	return &Region{pageSize: pageSize}
}

// Alloc returns size bytes aligned to maxAlign, valid until Release. When
// the head page cannot satisfy the request, a new page of
// max(pageSize, size) bytes is prepended. Out-of-memory is fatal.
func (g *Region) Alloc(size int) unsafe.Pointer {
	if g.released {
		panic(fmt.Errorf("%w: Alloc", ErrRegionReleased))
	}
	if size <= 0 {
		panic(fmt.Sprintf("fiberloop: Alloc size %d", size))
	}
	head := g.pages
	var off int
	if head != nil {
		off = alignUp(head.used)
	}
	if head == nil || len(head.buf)-off < size {
		g.grow(size)
		head = g.pages
		off = 0
	}
	p := unsafe.Pointer(&head.buf[off])
	head.used = off + size
	g.blocks = append(g.blocks, regionBlock{ptr: p, size: size})
	return p
}

// Realloc grows (or keeps) the block at ptr. If the block was the most
// recent allocation and its page has room, it is extended in place;
// otherwise the contents move to a fresh allocation of size bytes and the
// old space is not reclaimed. ptr must have been returned by Alloc or
// Realloc on this region.
func (g *Region) Realloc(ptr unsafe.Pointer, size int) unsafe.Pointer {
	if g.released {
		panic(fmt.Errorf("%w: Realloc", ErrRegionReleased))
	}
	if size <= 0 {
		panic(fmt.Sprintf("fiberloop: Realloc size %d", size))
	}
	i := len(g.blocks) - 1
	for i >= 0 && g.blocks[i].ptr != ptr {
		i--
	}
	if i < 0 {
		panic(fmt.Sprintf("fiberloop: Realloc of pointer %p not allocated from this region", ptr))
	}
	oldSize := g.blocks[i].size
	if size <= oldSize {
		return ptr
	}
	if head := g.pages; i == len(g.blocks)-1 && head != nil && pageContains(head, ptr) {
		off := int(uintptr(ptr) - uintptr(unsafe.Pointer(&head.buf[0])))
		if off+size <= len(head.buf) {
			head.used = off + size
			g.blocks[i].size = size
			return ptr
		}
	}
	np := g.Alloc(size)
	copy(unsafe.Slice((*byte)(np), size), unsafe.Slice((*byte)(ptr), oldSize))
	return np
}

// Release unmaps the entire page chain. Every pointer previously returned
// becomes invalid. Releasing twice is a programmer error.
func (g *Region) Release() {
	if g.released {
		panic(fmt.Errorf("%w: Release", ErrRegionReleased))
	}
	for p := g.pages; p != nil; {
		next := p.next
		n := len(p.buf)
		if err := unix.Munmap(p.buf); err != nil {
			panic(fmt.Errorf("fiberloop: munmap %d bytes: %w", n, err))
		}
		if g.onPageFree != nil {
			g.onPageFree(n)
		}
		p = next
	}
	g.pages = nil
	g.blocks = nil
	g.released = true
}

// BlockCount returns the number of live allocations in the region.
func (g *Region) BlockCount() int {
	return len(g.blocks)
}

// PageCount returns the number of pages in the chain.
func (g *Region) PageCount() int {
	var n int
	for p := g.pages; p != nil; p = p.next {
		n++
	}
	return n
}

// Released reports whether Release has run.
func (g *Region) Released() bool {
	return g.released
}

func (g *Region) grow(size int) {
	n := g.pageSize
	if size > n {
		n = size
	}
	buf, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Errorf("fiberloop: mmap %d bytes: %w", n, err))
	}
	g.pages = &regionPage{next: g.pages, buf: buf}
	if g.onPageAlloc != nil {
		g.onPageAlloc(n)
	}
}

func alignUp(n int) int {
	return (n + maxAlign - 1) &^ (maxAlign - 1)
}

func pageContains(p *regionPage, ptr unsafe.Pointer) bool {
	base := uintptr(unsafe.Pointer(&p.buf[0]))
	u := uintptr(ptr)
	return u >= base && u < base+uintptr(len(p.buf))
}
