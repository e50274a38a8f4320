//go:build linux || darwin

package fiberloop

import (
	"fmt"
	"runtime"
)

// ID is a stable integer handle for a fiber. Id 0 is the initial fiber (the
// goroutine that called New) and never retires. Retired ids are recycled by
// later spawns.
type ID int

// fiber is the unit of scheduling. The gate is a capacity-1 channel carrying
// the run token; a fiber's goroutine executes only between receiving the
// token and handing it to the next fiber. The fiber record, its gate, and
// its goroutine are preserved across retire for reuse by the next spawn that
// recycles the id.
type fiber struct {
	id     ID
	gate   chan struct{}
	entry  func()
	region *Region
	state  FiberState
}

// Go starts fn as a new fiber and appends it to the Runnable set. The fiber
// runs when the scheduler's cursor reaches it; when fn returns, the fiber
// retires: its region is released and its id is pushed onto the free list.
//
// Returns the fiber id, which is recycled after retirement: spawn, retire,
// spawn yields the same id.
func (r *Runtime) Go(fn func()) ID {
	r.checkFiber("Go")
	if fn == nil {
		panic("fiberloop: Go with nil function")
	}
	var f *fiber
	if r.retired.len() > 0 {
		f = r.fibers.items[r.retired.popLast()]
		if r.metrics != nil {
			r.metrics.Reuses++
		}
		r.logger.Debug().Int("fiber", int(f.id)).Log("fiber id reused")
	} else {
		f = &fiber{id: ID(r.fibers.len()), gate: make(chan struct{}, 1)}
		r.fibers.push(f)
		go r.fiberLoop(f)
		if r.metrics != nil {
			r.metrics.Spawns++
		}
		r.logger.Debug().Int("fiber", int(f.id)).Log("fiber spawned")
	}
	f.entry = fn
	f.state = StateRunnable
	r.runnable.push(f.id)
	return f.id
}

// Spawn starts fn as a new fiber with an opaque argument. It is the untyped
// escape hatch; prefer Go with a closure.
func (r *Runtime) Spawn(fn func(arg any), arg any) ID {
	if fn == nil {
		panic("fiberloop: Spawn with nil function")
	}
	return r.Go(func() { fn(arg) })
}

// fiberLoop is the body of every fiber goroutine. Receiving on the gate is
// the bootstrap: the first switch into the fiber begins the entry function,
// and a return from the entry falls through to finish. The loop then blocks
// awaiting id reuse, or exits when the runtime closes.
func (r *Runtime) fiberLoop(f *fiber) {
	for {
		select {
		case <-f.gate:
		case <-r.done:
			return
		}
		r.runningGID.Store(getGoroutineID())
		f.entry()
		r.finish(f)
	}
}

// finish retires the current fiber: release its region, recycle its id, run
// a zero-timeout readiness reap, and resume the next runnable fiber. Fiber 0
// reaching finish is a program-structure error.
func (r *Runtime) finish(f *fiber) {
	if f.id == 0 {
		r.fatalf("main fiber with id 0 must never finish")
	}
	if f.region != nil {
		f.region.Release()
		f.region = nil
	}
	f.entry = nil
	f.state = StateRetired
	r.retired.push(f.id)
	r.runnable.swapRemove(r.cur)
	if r.metrics != nil {
		r.metrics.Retires++
	}
	r.logger.Debug().Int("fiber", int(f.id)).Log("fiber retired")

	if r.polls.len() > 0 {
		r.reap(0)
	}
	// Degenerate fast path: with nothing runnable, promote the head of
	// Parked rather than blocking here; the promoted fiber retries its
	// syscall and re-parks if it is still not ready.
	if r.runnable.len() == 0 && r.parked.len() > 0 {
		id := r.parked.swapRemove(0)
		r.polls.swapRemove(0)
		r.fibers.items[id].state = StateRunnable
		r.runnable.push(id)
	}
	if r.runnable.len() == 0 {
		r.fatalf("no runnable fibers after retire")
	}
	r.cur %= r.runnable.len()
	next := r.fibers.items[r.runnable.items[r.cur]]
	next.state = StateRunning
	next.gate <- struct{}{}
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// fatalf reports an impossible condition and aborts.
func (r *Runtime) fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.logger.Err().Log(msg)
	panic("fiberloop: " + msg)
}
