//go:build linux || darwin

package fiberloop

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Process is a spawned shell command with non-blocking stdout and stderr
// pipes. Drain the pipes with Stdout and Stderr before Join; Join blocks the
// whole runtime (not just the calling fiber) until the child exits.
type Process struct {
	r      *Runtime
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
}

// Exec runs command via "sh -c" and returns a handle with non-blocking
// pipes for the child's stdout and stderr.
func (r *Runtime) Exec(command string) (*Process, error) {
	r.checkFiber("Exec")
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("fiberloop: pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("fiberloop: pipe: %w", err)
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("fiberloop: exec %q: %w", command, err)
	}
	// Parent keeps only the read ends; close the write ends so EOF arrives
	// when the child exits.
	outW.Close()
	errW.Close()
	_ = unix.SetNonblock(int(outR.Fd()), true)
	_ = unix.SetNonblock(int(errR.Fd()), true)
	r.logger.Debug().Int("pid", cmd.Process.Pid).Str("command", command).Log("subprocess started")
	return &Process{r: r, cmd: cmd, stdout: outR, stderr: errR}, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdout drains the child's standard output into buf, parking until data is
// available, and closes the pipe when the drain completes. Returns the
// number of bytes read.
func (p *Process) Stdout(buf []byte) (int, error) {
	p.r.checkFiber("Stdout")
	// Fd switches the descriptor back to blocking mode; undo that.
	fd := int(p.stdout.Fd())
	_ = unix.SetNonblock(fd, true)
	n, err := p.r.readFull(fd, buf)
	p.stdout.Close()
	return n, err
}

// Stderr drains the child's standard error into buf, parking until data is
// available, and closes the pipe when the drain completes. Returns the
// number of bytes read.
func (p *Process) Stderr(buf []byte) (int, error) {
	p.r.checkFiber("Stderr")
	// Fd switches the descriptor back to blocking mode; undo that.
	fd := int(p.stderr.Fd())
	_ = unix.SetNonblock(fd, true)
	n, err := p.r.readFull(fd, buf)
	p.stderr.Close()
	return n, err
}

// Join waits for the child to exit and returns its exit code. Join suspends
// the entire runtime until the child exits: drain Stdout/Stderr first so the
// child cannot stall on a full pipe.
func (p *Process) Join() (int, error) {
	p.r.checkFiber("Join")
	err := p.cmd.Wait()
	p.stdout.Close()
	p.stderr.Close()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("fiberloop: wait pid %d: %w", p.cmd.Process.Pid, err)
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

// Kill forcefully terminates the child, then joins it.
func (p *Process) Kill() (int, error) {
	p.r.checkFiber("Kill")
	if err := p.cmd.Process.Kill(); err != nil {
		return -1, fmt.Errorf("fiberloop: kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	return p.Join()
}

// Getenv returns the environment variable name, or def when unset or empty.
func Getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
