package fiberloop

// Metrics is a snapshot of runtime counters, collected when the runtime is
// created with WithMetrics(true). The scheduler is single-threaded, so the
// counters are plain integers; Runtime.Metrics returns a copy.
//
// Example:
//
//	rt, _ := New(WithMetrics(true))
//	// ... run fibers ...
//	stats := rt.Metrics()
//	fmt.Printf("wakeups: %d, blocking reaps: %d\n",
//		stats.Wakeups, stats.BlockingReaps)
type Metrics struct {
	// Fiber lifecycle
	Spawns  uint64 // fibers created with a fresh id
	Reuses  uint64 // fibers created on a recycled id
	Retires uint64 // entry functions returned

	// Suspension points
	Yields     uint64
	ParksRead  uint64
	ParksWrite uint64
	Wakeups    uint64 // parked fibers moved back to Runnable

	// Readiness reaps
	Reaps         uint64
	BlockingReaps uint64 // reaps with an infinite timeout

	// Region allocator
	PagesAllocated uint64
	PagesFreed     uint64
	BytesAllocated uint64 // via Runtime.Alloc and derivatives
}
