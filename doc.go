// Package fiberloop provides a single-threaded cooperative fiber runtime with
// readiness-driven I/O suspension, for building servers and tools where every
// connection or job runs as a lightweight fiber with its own region-allocated
// memory.
//
// # Architecture
//
// The runtime is built around a [Runtime] core that schedules fibers in
// round-robin order over a Runnable set, parks fibers on file descriptors in
// a Parked set aligned with a poll(2) descriptor table, and recycles retired
// fiber ids through a free list. Each fiber owns a [Region]: a bump allocator
// with chained mmap'd pages, released in bulk when the fiber retires.
//
// Fibers are backed by goroutines gated on capacity-1 channels; at most one
// fiber executes at any instant, and control moves between fibers only at the
// three suspension points [Runtime.Yield], [Runtime.ParkRead], and
// [Runtime.ParkWrite]. Anything a fiber does between suspension points runs
// to completion before another fiber runs, so the scheduler's tables and all
// cross-fiber state need no locking.
//
// # Scheduling Model
//
// A fiber is Running, Runnable, Parked, or Retired. Exactly one fiber is
// Running. Scheduling proceeds as:
//
//  1. Readiness reap: if any fibers are parked, poll(2) is invoked over the
//     parked descriptor table — non-blocking when Runnable fibers exist,
//     blocking otherwise. Every fiber whose descriptor reports an event is
//     appended to the Runnable tail.
//  2. The cursor is normalised modulo the Runnable length.
//  3. Control switches into the fiber at the cursor.
//
// Readiness is level-triggered and is not a guarantee of success: after a
// wakeup the fiber must retry its syscall, and park again on EAGAIN. The
// non-blocking helpers ([Runtime.ReadUntil], [Runtime.WriteAll],
// [Listener.Serve], ...) encode that retry loop.
//
// # Memory Model
//
// [Runtime.Alloc] returns memory from the current fiber's region, created
// lazily on first allocation and released when the fiber's entry function
// returns. Pointers into a region never move and remain valid exactly until
// the owning fiber retires. Sharing region memory across fibers is permitted
// but is only valid while both fibers are alive.
//
// # Usage
//
//	rt, err := fiberloop.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rt.Close()
//
//	rt.Go(func() {
//		for i := 0; i < 3; i++ {
//			fmt.Println("tick", i)
//			rt.Yield()
//		}
//	})
//
//	ln, err := rt.ListenTCP(9091)
//	if err != nil {
//		log.Fatal(err)
//	}
//	rt.Go(func() {
//		_ = ln.Serve(func(conn int) {
//			defer rt.CloseFD(conn)
//			buf := make([]byte, 1024)
//			for {
//				n, err := rt.ReadUntil(conn, buf, []byte("\n"))
//				if n <= 0 || err != nil {
//					return
//				}
//				if _, err := rt.WriteAll(conn, buf[:n]); err != nil {
//					return
//				}
//			}
//		})
//	})
//
//	rt.Wait()
//
// # Constraints
//
// The runtime is strictly cooperative: there is no preemption, no timers,
// and no wakeup source other than file-descriptor readiness. All [Runtime]
// methods must be called from the running fiber (the goroutine that called
// [New], or a fiber started via [Runtime.Go]); calling them from any other
// goroutine is a programmer error and panics. File descriptors passed to the
// park primitives must already be in non-blocking mode (see
// [Runtime.SetNonblock]); the runtime does not enforce this.
package fiberloop
