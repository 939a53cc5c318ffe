package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"hydra/internal/config"
	logx "hydra/pkg/logx"
)

type target struct {
	ln  net.Listener
	got chan []byte
}

func newTarget(t *testing.T) *target {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tg := &target{ln: ln, got: make(chan []byte, 16)}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				b, _ := io.ReadAll(c)
				tg.got <- b
			}()
		}
	}()
	return tg
}

func (tg *target) cfg(t *testing.T) config.Target {
	t.Helper()
	return addrTarget(t, tg.ln.Addr())
}

func (tg *target) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case b := <-tg.got:
		if string(b) != want {
			t.Fatalf("target got %q, want %q", b, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("target never received %q", want)
	}
}

func addrTarget(t *testing.T, a net.Addr) config.Target {
	t.Helper()
	_, port, err := net.SplitHostPort(a.String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return config.Target{Host: "127.0.0.1", Port: uint16(p)}
}

func deadTarget(t *testing.T) config.Target {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tg := addrTarget(t, ln.Addr())
	_ = ln.Close()
	return tg
}

// startServer runs a server on an ephemeral port and stops it on cleanup.
func startServer(t *testing.T, targets config.Targets) (*Server, <-chan error) {
	t.Helper()
	srv, err := New(Config{BufferSize: 4096, Targets: targets}, WithLogger(logx.Nop()), WithWorkers(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, runErr
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	_, port, _ := net.SplitHostPort(srv.Addr().String())
	c, err := net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", port), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func roundTrip(t *testing.T, c net.Conn, req, want string) {
	t.Helper()
	if _, err := c.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(got) != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}

func TestNewRejectsEmptyTargetsBeforeBind(t *testing.T) {
	t.Parallel()
	// Hold a port; a bind attempt on it would fail with a listen error.
	busy, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	port := uint16(busy.Addr().(*net.TCPAddr).Port)

	_, err = New(Config{ListenPort: port, BufferSize: 1024})
	if !errors.Is(err, ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}

func TestNewRejectsBufferSize(t *testing.T) {
	t.Parallel()
	_, err := New(Config{BufferSize: 0, Targets: config.Targets{{Host: "127.0.0.1", Port: 1}}})
	if !errors.Is(err, ErrInvalidBufferSize) {
		t.Fatalf("err = %v, want ErrInvalidBufferSize", err)
	}
}

func TestNewReportsListenFailure(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	port := uint16(busy.Addr().(*net.TCPAddr).Port)

	_, err = New(Config{ListenPort: port, BufferSize: 1024, Targets: config.Targets{{Host: "127.0.0.1", Port: 1}}})
	if err == nil {
		t.Fatal("expected listen failure on a busy port")
	}
}

func TestServerFansOutAndEchoesBody(t *testing.T) {
	t.Parallel()
	a, b := newTarget(t), newTarget(t)
	srv, _ := startServer(t, config.Targets{a.cfg(t), b.cfg(t)})

	req := "GET / HTTP/1.1\r\nHost: x\r\n\r\nHELLO"
	roundTrip(t, dial(t, srv), req, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: keep-alive\r\n\r\nHELLO")
	a.expect(t, req)
	b.expect(t, req)
}

func TestServerPing(t *testing.T) {
	t.Parallel()
	a := newTarget(t)
	srv, _ := startServer(t, config.Targets{a.cfg(t)})

	roundTrip(t, dial(t, srv), "PING", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n")
	a.expect(t, "PING")
}

func TestServerRepliesWithUnreachableTarget(t *testing.T) {
	t.Parallel()
	a := newTarget(t)
	srv, _ := startServer(t, config.Targets{deadTarget(t), a.cfg(t)})

	roundTrip(t, dial(t, srv), "x\r\n\r\nok", "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: keep-alive\r\n\r\nok")
	a.expect(t, "x\r\n\r\nok")
}

func TestServerSameChunkTwice(t *testing.T) {
	t.Parallel()
	a := newTarget(t)
	srv, _ := startServer(t, config.Targets{a.cfg(t)})

	c := dial(t, srv)
	reply := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n"
	roundTrip(t, c, "PING", reply)
	roundTrip(t, c, "PING", reply)
	a.expect(t, "PING")
	a.expect(t, "PING")
}

func TestStopWaitsForInFlightSession(t *testing.T) {
	t.Parallel()
	a := newTarget(t)
	srv, runErr := startServer(t, config.Targets{a.cfg(t)})

	c := dial(t, srv)
	reply := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n"
	roundTrip(t, c, "PING", reply)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline exceeded while a session is open", err)
	}
	select {
	case err := <-runErr:
		t.Fatalf("Run returned %v before the session finished", err)
	default:
	}

	// The open session keeps being served after Stop.
	roundTrip(t, c, "PING", reply)
	_ = c.Close()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the session ended")
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if snap := srv.Snapshot(); snap.Running || snap.Active != 0 {
		t.Fatalf("snapshot after stop = %+v", snap)
	}
}

func TestStopDrainsQueuedSessions(t *testing.T) {
	t.Parallel()
	a := newTarget(t)
	srv, err := New(Config{BufferSize: 4096, Targets: config.Targets{a.cfg(t)}}, WithLogger(logx.Nop()), WithWorkers(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	reply := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n"
	busy := dial(t, srv)
	roundTrip(t, busy, "PING", reply)

	// The only worker is held by busy, so this session waits in the queue.
	queued := dial(t, srv)
	if _, err := queued.Write([]byte("PING")); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for srv.Snapshot().Queued != 1 {
		if time.Now().After(deadline) {
			t.Fatal("second session never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline exceeded while sessions remain", err)
	}
	_ = busy.Close()

	_ = queued.SetReadDeadline(time.Now().Add(10 * time.Second))
	got := make([]byte, len(reply))
	if _, err := io.ReadFull(queued, got); err != nil {
		t.Fatalf("queued session got no reply after Stop: %v", err)
	}
	if string(got) != reply {
		t.Fatalf("reply = %q, want %q", got, reply)
	}
	select {
	case err := <-runErr:
		t.Fatalf("Run returned %v while the drained session is still open", err)
	default:
	}

	_ = queued.Close()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the queue drained")
	}
}

func TestRunAfterStop(t *testing.T) {
	t.Parallel()
	srv, err := New(Config{BufferSize: 16, Targets: config.Targets{{Host: "127.0.0.1", Port: 1}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Run(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Run err = %v, want ErrServerClosed", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	srv, err := New(Config{BufferSize: 16, Targets: config.Targets{{Host: "127.0.0.1", Port: 1}}}, WithWorkers(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Snapshot().Workers != 3 {
		if time.Now().After(deadline) {
			t.Fatal("workers never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorkerCount(t *testing.T) {
	t.Parallel()
	if got := workerCount(3); got != 3 {
		t.Fatalf("workerCount(3) = %d", got)
	}
	if got := workerCount(0); got < 1 {
		t.Fatalf("workerCount(0) = %d", got)
	}
}
