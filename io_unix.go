//go:build linux || darwin

package fiberloop

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// SetNonblock puts fd into non-blocking mode. Every descriptor handed to the
// park primitives or the I/O helpers must be non-blocking first.
func (r *Runtime) SetNonblock(fd int) error {
	r.checkFiber("SetNonblock")
	return unix.SetNonblock(fd, true)
}

// CloseFD closes a file descriptor. Closing an fd some other fiber is parked
// on wakes that fiber with an error event; the error surfaces on its next
// syscall attempt.
func (r *Runtime) CloseFD(fd int) error {
	r.checkFiber("CloseFD")
	return unix.Close(fd)
}

// wouldBlock reports whether err is the non-blocking "try again" errno.
func wouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// Read fills buf from fd, parking until the descriptor is readable. It
// returns once at least one byte has been read and no more are immediately
// available, on a full buffer, or on end of input (n == 0). Errors other
// than EAGAIN return what was read so far and an *IOError.
func (r *Runtime) Read(fd int, buf []byte) (int, error) {
	r.checkFiber("Read")
	var total int
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			if wouldBlock(err) {
				if total > 0 {
					break
				}
				r.ParkRead(fd)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			return total, &IOError{Op: "read", Fd: fd, Err: err}
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// ReadUntil fills buf from fd until delim appears in the bytes read so far,
// buf is full, or the input ends. Returns the number of bytes filled; n == 0
// means the input ended before any byte arrived. On EAGAIN the fiber parks
// and retries after wakeup.
func (r *Runtime) ReadUntil(fd int, buf []byte, delim []byte) (int, error) {
	r.checkFiber("ReadUntil")
	var total int
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			if wouldBlock(err) {
				r.ParkRead(fd)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			return total, &IOError{Op: "read", Fd: fd, Err: err}
		}
		if n == 0 {
			break
		}
		total += n
		if len(delim) > 0 && bytes.Contains(buf[:total], delim) {
			break
		}
	}
	return total, nil
}

// WriteAll writes all of p to fd, parking on EAGAIN until the descriptor is
// writable again. Returns the number of bytes written; short counts occur
// only alongside an error.
func (r *Runtime) WriteAll(fd int, p []byte) (int, error) {
	r.checkFiber("WriteAll")
	var total int
	for total < len(p) {
		n, err := unix.Write(fd, p[total:])
		if err != nil {
			if wouldBlock(err) {
				r.ParkWrite(fd)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			return total, &IOError{Op: "write", Fd: fd, Err: err}
		}
		total += n
	}
	return total, nil
}

// readFull fills buf until it is full or the input ends, parking on EAGAIN.
// Shared by the file and subprocess helpers, which drain a descriptor to
// completion rather than stopping at the first short read.
func (r *Runtime) readFull(fd int, buf []byte) (int, error) {
	var total int
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			if wouldBlock(err) {
				r.ParkRead(fd)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			return total, &IOError{Op: "read", Fd: fd, Err: err}
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}
