package debug

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "hydra/pkg/logx"
)

func newSources() Sources {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "hydra_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	return Sources{
		Gatherer: reg,
		Stats:    func() any { return map[string]int{"chunks": 7} },
	}
}

func get(t *testing.T, h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	h := New(Config{}, newSources(), logx.Nop()).Handler("")

	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("/healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/metrics", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hydra_test_total 1") {
		t.Fatalf("/metrics = %d %q", rec.Code, rec.Body.String())
	}

	rec := get(t, h, statsPath, nil)
	var m map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil || m["chunks"] != 7 {
		t.Fatalf("stats = %q (%v)", rec.Body.String(), err)
	}
	if rec := get(t, h, pprofPrefix, nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestHandlerHealthFailure(t *testing.T) {
	t.Parallel()
	src := Sources{Health: func() error { return errors.New("server not running") }}
	h := New(Config{}, src, logx.Nop()).Handler("")
	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/healthz = %d, want 503", rec.Code)
	}
}

func TestHandlerTokenAuth(t *testing.T) {
	t.Parallel()
	h := New(Config{}, newSources(), logx.Nop()).Handler("s3cret")

	tests := []struct {
		name   string
		target string
		header http.Header
		want   int
	}{
		{name: "missing", target: "/healthz", want: http.StatusUnauthorized},
		{name: "wrong query", target: "/healthz?token=nope", want: http.StatusUnauthorized},
		{name: "query", target: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "bearer", target: "/metrics", header: http.Header{"Authorization": {"Bearer s3cret"}}, want: http.StatusOK},
		{name: "wrong bearer", target: "/metrics", header: http.Header{"Authorization": {"Bearer x"}}, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := get(t, h, tt.target, tt.header); rec.Code != tt.want {
				t.Fatalf("%s = %d, want %d", tt.target, rec.Code, tt.want)
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:6060":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newSources(), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Start(ctx)
	svc.Start(ctx)
	select {
	case <-svc.Ready():
	case <-ctx.Done():
		t.Fatal("debug server never became ready")
	}
	addr := svc.Addr()
	if addr == nil {
		t.Fatal("expected bound address")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("/healthz = %d %q", resp.StatusCode, body)
	}

	svc.Stop(ctx)
	if svc.Addr() != nil {
		t.Fatal("expected no address after Stop")
	}
}

func TestServiceDisabledIsNoop(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, Sources{}, logx.Nop())
	svc.Start(context.Background())
	if svc.Ready() != nil || svc.Enabled() {
		t.Fatal("disabled service should not start")
	}
	svc.Stop(context.Background())
}
