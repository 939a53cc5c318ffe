package config

import (
	"net"
	"strconv"
)

const (
	DefaultListenPort = 8080
	DefaultBufferSize = 65536
)

// Config is the validated value object consumed by the proxy.
//
// listen_port, buffer_size and targets are fixed for the process lifetime.
// Only the logging section is applied on hot-reload.
type Config struct {
	ListenPort uint16  `json:"listen_port"`
	BufferSize int     `json:"buffer_size"`
	Targets    Targets `json:"targets"`

	Server    ServerConfig    `json:"server"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Logging   LoggingConfig   `json:"logging"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	Stats     StatsConfig     `json:"stats,omitempty"`
}

// Target is one downstream host:port pair.
type Target struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Addr returns host:port in dialable form (IPv6 literals bracketed).
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

func (t Target) String() string { return t.Addr() }

// Targets is the ordered target list. It is built once at load and never
// mutated afterwards, so it is shared between goroutines without locking.
type Targets []Target

// Clone returns a copy backed by a fresh array.
func (ts Targets) Clone() Targets {
	if ts == nil {
		return nil
	}
	return append(Targets(nil), ts...)
}

// ServerConfig controls the accept loop and worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: runtime.NumCPU() (4 if undetectable)
//   - read_timeout: "0s" (disabled)
//   - shutdown_timeout: "30s"
type ServerConfig struct {
	Workers         int    `json:"workers,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// BroadcastConfig controls fan-out to the targets.
//
// Defaults:
//   - timeout: "10s" per target attempt (dial + write); "0s" disables
//   - max_concurrency: 0 (one goroutine per target per chunk)
//   - max_inflight: 1024 concurrent target deliveries process-wide
type BroadcastConfig struct {
	Timeout        string `json:"timeout,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	MaxInflight    int    `json:"max_inflight,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DebugConfig controls the optional debug HTTP server (/healthz, /metrics,
// /debug/hydra/stats, /debug/pprof/).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// StatsConfig controls the periodic stats summary log.
//
// Report is a cron spec ("@every 1m", "*/5 * * * *"); empty disables.
type StatsConfig struct {
	Report string `json:"report,omitempty"`
}
