//go:build linux || darwin

package fiberloop

import (
	"fmt"
	"unsafe"
)

// Memory returns the current fiber's region, creating it on first use. The
// region is released automatically when the fiber retires; fiber 0's region
// is released by Close.
func (r *Runtime) Memory() *Region {
	r.checkFiber("Memory")
	f := r.self()
	if f.region == nil {
		f.region = r.newFiberRegion(f.id)
	}
	return f.region
}

// Alloc returns size bytes from the current fiber's region, aligned to
// maxAlign. The memory behaves like stack storage with the fiber's lifetime:
// it is valid until the fiber retires and is never individually freed.
// Out-of-memory is fatal.
func (r *Runtime) Alloc(size int) unsafe.Pointer {
	p := r.Memory().Alloc(size)
	if r.metrics != nil {
		r.metrics.BytesAllocated += uint64(size)
	}
	return p
}

// Realloc grows a block previously returned by Alloc or Realloc on the
// current fiber's region. See Region.Realloc for the growth policy.
func (r *Runtime) Realloc(ptr unsafe.Pointer, size int) unsafe.Pointer {
	r.checkFiber("Realloc")
	f := r.self()
	if f.region == nil {
		panic(fmt.Sprintf("fiberloop: Realloc of pointer %p on a fiber with no allocations", ptr))
	}
	return f.region.Realloc(ptr, size)
}

// AllocBytes returns a size-byte slice backed by the current fiber's region.
func (r *Runtime) AllocBytes(size int) []byte {
	return unsafe.Slice((*byte)(r.Alloc(size)), size)
}

// Sprintf formats into memory owned by the current fiber's region. The
// returned bytes stay valid until the fiber retires.
func (r *Runtime) Sprintf(format string, args ...any) []byte {
	r.checkFiber("Sprintf")
	s := fmt.Sprintf(format, args...)
	if len(s) == 0 {
		return nil
	}
	b := r.AllocBytes(len(s))
	copy(b, s)
	return b
}

// newFiberRegion wires a fresh region to the runtime's metrics and test
// hooks.
func (r *Runtime) newFiberRegion(id ID) *Region {
	g := NewRegion(r.defaultPageSize)
	g.onPageAlloc = func(bytes int) {
		if r.metrics != nil {
			r.metrics.PagesAllocated++
		}
		r.logger.Trace().Int("fiber", int(id)).Int("bytes", bytes).Log("region page mapped")
	}
	g.onPageFree = func(bytes int) {
		if r.metrics != nil {
			r.metrics.PagesFreed++
		}
		if r.testHooks != nil && r.testHooks.PageFree != nil {
			r.testHooks.PageFree(bytes)
		}
	}
	return g
}
