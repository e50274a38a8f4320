//go:build linux || darwin

package fiberloop

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler echoes newline-terminated lines until the client sends "quit"
// or disconnects.
func echoHandler(rt *Runtime) func(conn int) {
	return func(conn int) {
		defer rt.CloseFD(conn)
		buf := make([]byte, 1024)
		for {
			n, err := rt.ReadUntil(conn, buf, []byte("\n"))
			if err != nil || n == 0 {
				return
			}
			if strings.TrimSpace(string(buf[:n])) == "quit" {
				return
			}
			if _, err := rt.WriteAll(conn, buf[:n]); err != nil {
				return
			}
		}
	}
}

// driveUntil yields on the runtime until signal fires or the deadline
// passes. The main fiber must keep scheduling while external clients make
// progress on their own goroutines.
func driveUntil(t *testing.T, rt *Runtime, signal <-chan struct{}, what string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		select {
		case <-signal:
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		rt.Yield()
	}
}

func dialLoop(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Errorf("dial port %d: %v", port, err)
		return nil
	}
	return conn
}

func TestEchoServerSingleClient(t *testing.T) {
	rt := newTestRuntime(t)
	ln, err := rt.ListenTCP(0)
	require.NoError(t, err)
	require.Greater(t, ln.Port(), 0)

	var serveErr error
	rt.Go(func() { serveErr = ln.Serve(echoHandler(rt)) })

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		conn := dialLoop(t, ln.Port())
		if conn == nil {
			return
		}
		defer conn.Close()
		rd := bufio.NewReader(conn)
		for _, line := range []string{"hello", "world"} {
			if _, err := fmt.Fprintf(conn, "%s\n", line); !assert.NoError(t, err) {
				return
			}
			echo, err := rd.ReadString('\n')
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, line+"\n", echo)
		}
		// "quit" closes the connection without an echo.
		if _, err := fmt.Fprint(conn, "quit\n"); !assert.NoError(t, err) {
			return
		}
		_, err := rd.ReadString('\n')
		assert.Error(t, err, "server must close after quit")
	}()

	driveUntil(t, rt, clientDone, "echo client")
	for rt.Live() > 2 {
		rt.Yield() // let the handler observe the close and retire
	}
	checkInvariants(t, rt)

	require.NoError(t, ln.Close())
	for rt.Live() > 1 {
		rt.Yield() // the serve fiber wakes on the closed fd and returns
	}
	require.ErrorIs(t, serveErr, ErrListenerClosed)
	require.NoError(t, rt.Close())
}

func TestTwoClientFairness(t *testing.T) {
	rt := newTestRuntime(t)
	ln, err := rt.ListenTCP(0)
	require.NoError(t, err)
	rt.Go(func() { _ = ln.Serve(echoHandler(rt)) })

	// Both clients send their first line, then rendezvous: neither sends
	// its second line until both have received their first echo. Pins the
	// reap moving every ready descriptor, not just the first.
	firstEchoes := make(chan struct{}, 2)
	allDone := make(chan struct{})
	done := make(chan struct{}, 2)
	client := func(tag string) {
		defer func() { done <- struct{}{} }()
		conn := dialLoop(t, ln.Port())
		if conn == nil {
			return
		}
		defer conn.Close()
		rd := bufio.NewReader(conn)

		fmt.Fprintf(conn, "%s-a\n", tag)
		echo, err := rd.ReadString('\n')
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, tag+"-a\n", echo)
		firstEchoes <- struct{}{}
		<-allDone

		fmt.Fprintf(conn, "%s-b\n", tag)
		echo, err = rd.ReadString('\n')
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, tag+"-b\n", echo)
	}
	go client("one")
	go client("two")
	go func() {
		<-firstEchoes
		<-firstEchoes
		close(allDone)
	}()

	finished := make(chan struct{})
	go func() {
		<-done
		<-done
		close(finished)
	}()
	driveUntil(t, rt, finished, "both clients")
	require.NoError(t, ln.Close())
	for rt.Live() > 1 {
		rt.Yield()
	}
	require.NoError(t, rt.Close())
}

func TestListenerAndWorkerShareRuntime(t *testing.T) {
	rt := newTestRuntime(t)
	ln, err := rt.ListenTCP(0)
	require.NoError(t, err)
	rt.Go(func() { _ = ln.Serve(echoHandler(rt)) })

	// A busy fiber must keep progressing while the listener parks, and the
	// listener must still accept promptly once its fd turns readable.
	var count int
	rt.Go(func() {
		for i := 0; i < 1000; i++ {
			count++
			rt.Yield()
		}
	})

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		conn := dialLoop(t, ln.Port())
		if conn == nil {
			return
		}
		defer conn.Close()
		fmt.Fprint(conn, "ping\n")
		echo, err := bufio.NewReader(conn).ReadString('\n')
		if assert.NoError(t, err) {
			assert.Equal(t, "ping\n", echo)
		}
	}()

	driveUntil(t, rt, clientDone, "client on busy runtime")
	for rt.Live() > 3 { // main + serve fiber + counter (until it finishes)
		rt.Yield()
	}
	for count < 1000 {
		rt.Yield()
	}
	require.Equal(t, 1000, count)

	require.NoError(t, ln.Close())
	for rt.Live() > 1 {
		rt.Yield()
	}
	require.NoError(t, rt.Close())
}

func TestListenTCPBindCollision(t *testing.T) {
	rt := newTestRuntime(t)
	// Grab a port with a plain listener so bind fails.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	// SO_REUSEADDR does not permit a second active listener on Linux or
	// Darwin without SO_REUSEPORT, so this must surface the OS error.
	_, err = rt.ListenTCP(port)
	require.Error(t, err)
	require.NoError(t, rt.Close())
}
