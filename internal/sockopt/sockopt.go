// Package sockopt holds the socket helpers shared by the listener, the
// sessions and the broadcaster: one-time network init, option toggles and
// close. It keeps no per-socket state.
package sockopt

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	initOnce    sync.Once
	cleanupOnce sync.Once
	ready       atomic.Bool
)

// Initialize prepares the network subsystem. The Go runtime owns socket
// initialization on every platform, so this only records readiness; it is
// idempotent and safe to call more than once.
func Initialize() error {
	initOnce.Do(func() { ready.Store(true) })
	return nil
}

// Cleanup releases what Initialize acquired. Idempotent.
func Cleanup() {
	cleanupOnce.Do(func() { ready.Store(false) })
}

// Ready reports whether Initialize ran and Cleanup has not.
func Ready() bool { return ready.Load() }

// Close closes a connection handle. A nil handle is a no-op, and closing an
// already-closed connection is not reported as an error.
func Close(c io.Closer) error {
	if c == nil {
		return nil
	}
	err := c.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// SetNoDelay disables Nagle's algorithm on TCP connections. Other connection
// types are left untouched.
func SetNoDelay(c net.Conn) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetNoDelay(true)
}

// SetNonBlocking puts the connection's file descriptor in non-blocking mode.
//
// Descriptors owned by the net package are already non-blocking (the runtime
// poller requires it), so for those this is a confirmation rather than a change.
func SetNonBlocking(c syscall.Conn) error {
	rc, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = setNonblock(fd) }); err != nil {
		return err
	}
	return opErr
}

// SetReuseAddr is a net.ListenConfig Control hook enabling SO_REUSEADDR.
func SetReuseAddr(network, address string, rc syscall.RawConn) error {
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = setReuseAddr(fd) }); err != nil {
		return err
	}
	return opErr
}

// ListenConfig returns a listen config with address reuse enabled.
func ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: SetReuseAddr}
}

// Listen opens a TCP listener with address reuse. The backlog is the
// runtime's default, which is the OS maximum (somaxconn).
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	return ListenConfig().Listen(ctx, network, address)
}

// WriteFull writes all of p to w, continuing after short writes until
// everything is sent or a write fails.
func WriteFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
