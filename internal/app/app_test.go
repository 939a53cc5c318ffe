package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"hydra/internal/config"
	"hydra/internal/server"
	"hydra/internal/stats"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func startTarget(t *testing.T) (uint16, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	got := make(chan []byte, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				b, _ := io.ReadAll(c)
				got <- b
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port), got
}

type recordedStates struct {
	mu     sync.Mutex
	states []string
}

func (r *recordedStates) notify(state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recordedStates) has(state string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.states, state)
}

func quietConfig(port uint16) string {
	return fmt.Sprintf(`{
  "targets": [{"host": "127.0.0.1", "port": %d}],
  "server": {"workers": 2, "shutdown_timeout": "5s"},
  "broadcast": {"timeout": "2s"},
  "logging": {"level": "error", "console": true}
}`, port)
}

func TestAppServesAndStops(t *testing.T) {
	port, got := startTarget(t)
	path := writeConfig(t, quietConfig(port))
	rec := &recordedStates{}

	a, err := New(path, WithListenPort(0), WithNotifier(rec.notify))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ShutdownTimeout() != 5*time.Second {
		t.Fatalf("ShutdownTimeout = %v", a.ShutdownTimeout())
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, srvPort, _ := net.SplitHostPort(a.Server().Addr().String())
	c, err := net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", srvPort), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Write([]byte("PING")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n"
	reply := make([]byte, len(want))
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(c, reply); err != nil || string(reply) != want {
		t.Fatalf("reply = %q (%v)", reply, err)
	}
	_ = c.Close()

	select {
	case b := <-got:
		if string(b) != "PING" {
			t.Fatalf("target got %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("target received nothing")
	}

	if err := a.health(); err != nil {
		t.Fatalf("health: %v", err)
	}
	st, ok := a.statusSnapshot().(Status)
	if !ok || st.Server.Targets != 1 || !st.Server.Running {
		t.Fatalf("status = %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !rec.has("READY=1") || !rec.has("STOPPING=1") {
		t.Fatalf("sd_notify states = %v", rec.states)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestNewRejectsEmptyTargets(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{"targets": []}`)
	_, err := New(path, WithListenPort(0), WithNotifier(func(string) (bool, error) { return false, nil }))
	if !errors.Is(err, config.ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}

func TestNewRejectsMissingFile(t *testing.T) {
	t.Parallel()
	_, err := New(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestApplyConfigSwapsLogLevel(t *testing.T) {
	port, _ := startTarget(t)
	a, err := New(writeConfig(t, quietConfig(port)), WithListenPort(0), WithNotifier(func(string) (bool, error) { return false, nil }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Server().Stop(context.Background())
		_ = a.logs.Close()
	})

	prev := a.cfgm.Get()
	next := *prev
	next.Logging.Level = "debug"
	next.Targets = append(prev.Targets.Clone(), config.Target{Host: "127.0.0.1", Port: 1})
	a.applyConfig(prev, &next)

	if got := a.logs.Level(); got != "debug" {
		t.Fatalf("log level = %q, want debug", got)
	}
	// Targets are fixed for the process lifetime.
	if n := a.Server().Snapshot().Targets; n != 1 {
		t.Fatalf("server targets = %d after reload, want 1", n)
	}
}

func TestStartFailureReleasesListener(t *testing.T) {
	port, _ := startTarget(t)
	rec := &recordedStates{}
	a, err := New(writeConfig(t, quietConfig(port)), WithListenPort(0), WithNotifier(rec.notify))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.logs.Close() })
	a.stats = stats.New(a.bus, a.log, "every now and then")

	if err := a.Start(context.Background()); err == nil {
		t.Fatal("Start should fail on a bad report schedule")
	}
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor not canceled after failed start")
	}
	if err := a.Server().Run(context.Background()); !errors.Is(err, server.ErrServerClosed) {
		t.Fatalf("server Run err = %v, want ErrServerClosed", err)
	}
	if rec.has("READY=1") {
		t.Fatal("READY must not be sent when Start fails")
	}
}

func TestMapBroadcastConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	bc, err := mapBroadcastConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if bc.Timeout != 10*time.Second {
		t.Fatalf("Timeout = %v, want 10s", bc.Timeout)
	}
	cfg.Broadcast.Timeout = "0s"
	if bc, _ = mapBroadcastConfig(cfg); bc.Timeout != 0 {
		t.Fatalf("explicit 0s Timeout = %v, want 0", bc.Timeout)
	}
	if d, _ := shutdownTimeout(cfg); d != 30*time.Second {
		t.Fatalf("shutdown timeout = %v", d)
	}
}
