//go:build linux || darwin

package fiberloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listener is a non-blocking TCP listening socket bound to a port.
type Listener struct {
	r      *Runtime
	fd     int
	port   int
	closed bool
}

// ListenTCP binds a non-blocking TCP socket on the given port (0 selects an
// ephemeral port) and starts listening. Drive it with Serve, usually from a
// dedicated fiber.
func (r *Runtime) ListenTCP(port int) (*Listener, error) {
	r.checkFiber("ListenTCP")
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("fiberloop: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fiberloop: setsockopt port %d: %w", port, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fiberloop: bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fiberloop: listen port %d: %w", port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fiberloop: set nonblocking port %d: %w", port, err)
	}
	bound := port
	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			bound = in4.Port
		}
	}
	r.logger.Info().Int("port", bound).Log("listening")
	return &Listener{r: r, fd: fd, port: bound}, nil
}

// Port returns the bound port, resolved after binding when ListenTCP was
// given port 0.
func (l *Listener) Port() int {
	return l.port
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int {
	return l.fd
}

// Serve accepts connections until the listener is closed or accept fails,
// parking on the listening descriptor whenever no connection is pending.
// Each accepted connection is set non-blocking and handed to a new fiber
// running handler; the handler owns the descriptor and must close it.
func (l *Listener) Serve(handler func(conn int)) error {
	r := l.r
	r.checkFiber("Serve")
	if handler == nil {
		panic("fiberloop: Serve with nil handler")
	}
	for {
		nfd, _, err := unix.Accept(l.fd)
		if err != nil {
			if wouldBlock(err) {
				r.ParkRead(l.fd)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			if l.closed {
				return ErrListenerClosed
			}
			return &IOError{Op: "accept", Fd: l.fd, Err: err}
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			r.logger.Warning().Int("conn", nfd).Err(err).Log("set nonblocking failed; dropping connection")
			_ = unix.Close(nfd)
			continue
		}
		conn := nfd
		r.Go(func() { handler(conn) })
	}
}

// Close closes the listening socket. A fiber parked in Serve wakes via the
// resulting error event and Serve returns ErrListenerClosed.
func (l *Listener) Close() error {
	l.closed = true
	return unix.Close(l.fd)
}

// ServeTCP is the one-shot form: bind port, then Serve(handler) on the
// calling fiber. It does not return until the listener fails or is closed.
func (r *Runtime) ServeTCP(port int, handler func(conn int)) error {
	l, err := r.ListenTCP(port)
	if err != nil {
		return err
	}
	return l.Serve(handler)
}
