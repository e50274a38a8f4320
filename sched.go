//go:build linux || darwin

package fiberloop

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Runtime is a single-threaded cooperative fiber scheduler. It owns the
// Runnable, Parked, Poll, and Retired tables and the fiber table; all state
// is manipulated only by the currently running fiber, so none of it is
// locked.
//
// Create with New from the goroutine that will act as fiber 0, drive it with
// Go / Yield / ParkRead / ParkWrite / Wait, and tear it down with Close.
type Runtime struct {
	// Prevent comparison
	_ [0]func()

	fibers   seq[*fiber]
	runnable seq[ID]
	parked   seq[ID]
	polls    seq[unix.PollFd]
	retired  seq[ID]

	// cur is the index in runnable of the Running fiber.
	cur int

	// runningGID is the goroutine id of the running fiber. It is the only
	// field read from foreign goroutines (misuse detection), hence atomic.
	runningGID atomic.Uint64

	logger  *logiface.Logger[logiface.Event]
	metrics *Metrics

	defaultPageSize int

	done   chan struct{}
	closed bool

	testHooks *runtimeTestHooks
}

// runtimeTestHooks provides injection points for deterministic testing.
type runtimeTestHooks struct {
	PageFree func(bytes int) // called per page as a region releases
	PostReap func(woken int) // called after each readiness reap
}

// New creates a runtime whose fiber 0 is the calling goroutine. Every other
// Runtime method must subsequently be called from fiber 0 or from a fiber it
// spawned.
func New(opts ...Option) (*Runtime, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		logger:          cfg.logger,
		defaultPageSize: cfg.defaultPageSize,
		done:            make(chan struct{}),
	}
	if cfg.metricsEnabled {
		r.metrics = &Metrics{}
	}
	main := &fiber{id: 0, gate: make(chan struct{}, 1), state: StateRunning}
	r.fibers.push(main)
	r.runnable.push(0)
	r.runningGID.Store(getGoroutineID())
	return r, nil
}

// Yield gives up the CPU voluntarily. The current fiber stays Runnable; the
// cursor advances; the next Runnable fiber runs (or the caller resumes
// immediately after a readiness reap, if it is the only one).
func (r *Runtime) Yield() {
	r.checkFiber("Yield")
	self := r.self()
	if r.metrics != nil {
		r.metrics.Yields++
	}
	self.state = StateRunnable
	r.cur++
	r.schedule(self)
}

// ParkRead blocks the current fiber until fd reports readable. Readiness is
// level-triggered and advisory: the caller must retry the read and park
// again on EAGAIN. fd should already be non-blocking; erroneous fds are not
// rejected here and surface on the caller's next syscall.
func (r *Runtime) ParkRead(fd int) {
	r.checkFiber("ParkRead")
	if r.metrics != nil {
		r.metrics.ParksRead++
	}
	r.park(fd, unix.POLLIN)
}

// ParkWrite blocks the current fiber until fd reports writable.
func (r *Runtime) ParkWrite(fd int) {
	r.checkFiber("ParkWrite")
	if r.metrics != nil {
		r.metrics.ParksWrite++
	}
	r.park(fd, unix.POLLOUT)
}

// park records the poll descriptor, moves the current fiber from Runnable to
// Parked, and schedules. Parked and polls grow together here and shrink
// together in reap; they are index-aligned at every observable point.
func (r *Runtime) park(fd int, events int16) {
	self := r.self()
	r.parked.push(self.id)
	r.polls.push(unix.PollFd{Fd: int32(fd), Events: events})
	r.runnable.swapRemove(r.cur)
	self.state = StateParked
	r.schedule(self)
}

// schedule runs one scheduling step on behalf of self: reap readiness, pick
// the next runnable fiber, and switch to it. If the pick is self (its fd was
// already ready, or it is the sole runnable fiber), control returns without
// a switch.
func (r *Runtime) schedule(self *fiber) {
	if r.polls.len() > 0 {
		timeout := 0
		if r.runnable.len() == 0 {
			timeout = -1
		}
		r.reap(timeout)
	}
	if r.runnable.len() == 0 {
		r.fatalf("no runnable fibers (parked=%d)", r.parked.len())
	}
	r.cur %= r.runnable.len()
	next := r.fibers.items[r.runnable.items[r.cur]]
	next.state = StateRunning
	if next == self {
		return
	}
	next.gate <- struct{}{}
	<-self.gate
	r.runningGID.Store(getGoroutineID())
}

// reap invokes poll(2) over the parked descriptors and moves every fiber
// whose descriptor reports an event (including error and hangup events) to
// the Runnable tail, in descriptor-table order. timeout follows poll(2)
// conventions: 0 checks, -1 blocks until at least one parked fiber can make
// progress.
func (r *Runtime) reap(timeout int) {
	if r.metrics != nil {
		r.metrics.Reaps++
		if timeout < 0 {
			r.metrics.BlockingReaps++
		}
	}
	var n int
	for {
		var err error
		n, err = unix.Poll(r.polls.items, timeout)
		if err == unix.EINTR {
			if timeout < 0 {
				continue
			}
			n = 0
			break
		}
		if err != nil {
			r.fatalf("poll over %d descriptors: %v", r.polls.len(), err)
		}
		break
	}
	var woken int
	if n > 0 {
		start := r.runnable.len()
		for i := r.polls.len() - 1; i >= 0; i-- {
			if r.polls.items[i].Revents != 0 {
				id := r.parked.swapRemove(i)
				r.polls.swapRemove(i)
				r.fibers.items[id].state = StateRunnable
				r.runnable.push(id)
				woken++
			}
		}
		// The sweep runs from the tail so that swapRemove only moves
		// descriptors already checked; restore descriptor-table order.
		slices.Reverse(r.runnable.items[start:])
	}
	if r.metrics != nil {
		r.metrics.Wakeups += uint64(woken)
	}
	if r.testHooks != nil && r.testHooks.PostReap != nil {
		r.testHooks.PostReap(woken)
	}
}

// Wait yields until fiber 0 is the only live fiber, then returns. It is the
// usual tail of a program's main fiber. When the caller is the sole runnable
// fiber and others are parked, Wait blocks in the reap rather than spinning.
func (r *Runtime) Wait() {
	r.checkFiber("Wait")
	for r.runnable.len() > 1 || r.parked.len() > 0 {
		if r.runnable.len() == 1 && r.polls.len() > 0 {
			r.reap(-1)
			continue
		}
		r.Yield()
	}
}

// Forever yields in a loop and never returns. Use it as the tail of a main
// fiber that exists only to keep servers running.
func (r *Runtime) Forever() {
	r.checkFiber("Forever")
	for {
		if r.runnable.len() == 1 && r.polls.len() > 0 {
			r.reap(-1)
			continue
		}
		r.Yield()
	}
}

// FiberID returns the id of the running fiber.
func (r *Runtime) FiberID() ID {
	r.checkFiber("FiberID")
	return r.self().id
}

// Live returns the number of non-retired fibers (runnable + parked,
// including the running fiber). A quiescent runtime reports 1: fiber 0.
func (r *Runtime) Live() int {
	r.checkFiber("Live")
	return r.runnable.len() + r.parked.len()
}

// State returns the scheduling state of the given fiber id.
func (r *Runtime) State(id ID) FiberState {
	r.checkFiber("State")
	if id < 0 || int(id) >= r.fibers.len() {
		panic(fmt.Sprintf("fiberloop: State of unknown fiber %d", id))
	}
	return r.fibers.items[id].state
}

// Metrics returns a snapshot of runtime counters. Zero unless the runtime
// was created with WithMetrics(true).
func (r *Runtime) Metrics() Metrics {
	r.checkFiber("Metrics")
	if r.metrics == nil {
		return Metrics{}
	}
	return *r.metrics
}

// Close tears the runtime down. It must be called from fiber 0 after all
// other fibers have retired (see Wait); otherwise it returns ErrFibersLive.
// Close releases fiber 0's region and exits the goroutines held for retired
// fiber ids. The runtime is unusable afterwards.
func (r *Runtime) Close() error {
	r.checkFiber("Close")
	if r.self().id != 0 {
		return ErrNotMainFiber
	}
	if r.runnable.len() > 1 || r.parked.len() > 0 {
		return ErrFibersLive
	}
	close(r.done)
	if main := r.fibers.items[0]; main.region != nil {
		main.region.Release()
		main.region = nil
	}
	r.closed = true
	r.logger.Debug().Int("fibers", r.fibers.len()).Log("runtime closed")
	return nil
}

// self returns the running fiber: the Runnable entry at the cursor.
func (r *Runtime) self() *fiber {
	return r.fibers.items[r.runnable.items[r.cur]]
}

// checkFiber guards against calls from goroutines that are not the running
// fiber, and against use after Close. Both are programmer errors.
func (r *Runtime) checkFiber(op string) {
	if r.closed {
		panic(fmt.Errorf("%w: %s", ErrRuntimeClosed, op))
	}
	if getGoroutineID() != r.runningGID.Load() {
		panic(fmt.Errorf("%w: %s", ErrNotFiber, op))
	}
}
