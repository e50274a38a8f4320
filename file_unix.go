//go:build linux || darwin

package fiberloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadFile opens path non-blocking and fills buf, parking whenever the
// descriptor has no data ready. Returns the number of bytes read; the file
// may be longer than buf. Regular files rarely report EAGAIN, but pipes and
// device files handed in by path behave like any other parked descriptor.
func (r *Runtime) ReadFile(path string, buf []byte) (int, error) {
	r.checkFiber("ReadFile")
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return 0, fmt.Errorf("fiberloop: open %s: %w", path, err)
	}
	defer unix.Close(fd)
	return r.readFull(fd, buf)
}

// WriteFile opens (creating, appending) path non-blocking and writes all of
// data, parking on EAGAIN. Returns the number of bytes written.
func (r *Runtime) WriteFile(path string, data []byte) (int, error) {
	r.checkFiber("WriteFile")
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_APPEND|unix.O_NONBLOCK, 0o644)
	if err != nil {
		return 0, fmt.Errorf("fiberloop: open %s: %w", path, err)
	}
	defer unix.Close(fd)
	return r.WriteAll(fd, data)
}
