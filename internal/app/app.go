// Package app wires the proxy together: config, logging, the server, stats,
// the debug endpoints, config hot-reload and systemd notification.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"hydra/internal/broadcast"
	"hydra/internal/config"
	"hydra/internal/eventbus"
	"hydra/internal/observability/debug"
	rtsup "hydra/internal/runtime/supervisor"
	"hydra/internal/server"
	"hydra/internal/sockopt"
	"hydra/internal/stats"
	logx "hydra/pkg/logx"
)

type Option func(*options)

type options struct {
	port     *uint16
	notifier Notifier
}

// WithListenPort overrides listen_port from the config file.
func WithListenPort(p uint16) Option {
	return func(o *options) { o.port = &p }
}

// WithNotifier replaces the systemd notifier.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	bc    *broadcast.Broadcaster
	srv   *server.Server
	stats *stats.Collector
	debug *debug.Service

	sup             *rtsup.Supervisor
	notifier        Notifier
	shutdownTimeout time.Duration
}

// New loads the config at cfgPath and builds every component. The proxy
// listener is bound here, so setup errors (invalid config, no targets, port
// in use) surface before Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.notifier == nil {
		o.notifier = systemdNotify
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if o.port != nil {
		srvCfg.ListenPort = *o.port
	}
	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	stopTO, err := shutdownTimeout(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	log.Info("configuration loaded",
		logx.String("path", cfgPath),
		logx.Int("listen_port", int(srvCfg.ListenPort)),
		logx.Int("buffer_size", srvCfg.BufferSize),
		logx.Int("targets", len(cfg.Targets)),
		logx.Duration("broadcast_timeout", bcCfg.Timeout),
	)
	for i, t := range cfg.Targets {
		log.Debug("target", logx.Int("index", i), logx.String("addr", t.Addr()))
	}

	bus := eventbus.New()
	bc := broadcast.New(bcCfg, root, bus)
	srv, err := server.New(srvCfg,
		server.WithLogger(root),
		server.WithBus(bus),
		server.WithBroadcaster(bc),
	)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	st := stats.New(bus, root, cfg.Stats.Report)
	a := &App{
		cfgm:            cfgm,
		log:             log,
		logs:            logSvc,
		bus:             bus,
		bc:              bc,
		srv:             srv,
		stats:           st,
		notifier:        o.notifier,
		shutdownTimeout: stopTO,
	}
	a.debug = debug.New(mapDebugConfig(cfg), debug.Sources{
		Gatherer: st.Registry(),
		Stats:    a.statusSnapshot,
		Health:   a.health,
	}, root)
	return a, nil
}

// Server exposes the proxy server (address, snapshot).
func (a *App) Server() *server.Server { return a.srv }

// ShutdownTimeout is the configured bound for Stop.
func (a *App) ShutdownTimeout() time.Duration { return a.shutdownTimeout }

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.stats.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		if serr := a.srv.Stop(stopCtx); serr != nil {
			a.log.Warn("server stop after failed start", logx.Err(serr))
		}
		return fmt.Errorf("start stats: %w", err)
	}
	a.debug.Start(a.sup.Context())

	// The server owns its shutdown: Stop drains it with its own deadline, so
	// it must not see the supervisor's cancellation.
	srvCtx := context.WithoutCancel(a.sup.Context())
	a.sup.Go("server.run", func(context.Context) error {
		err := a.srv.Run(srvCtx)
		if err == nil && a.sup.Context().Err() == nil {
			return errors.New("server exited unexpectedly")
		}
		return err
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdog)

	addr := a.srv.Addr().String()
	a.notify(daemon.SdNotifyReady)
	a.notify(fmt.Sprintf("STATUS=fanning out %s to %d targets", addr, len(a.cfgm.Get().Targets)))
	a.log.Info("app started", logx.String("addr", addr))
	return nil
}

// applyConfig applies the hot-reloadable part of a new config and warns
// about the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if cold := config.RestartRequired(sections); len(cold) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(cold, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)
	a.sup.Cancel()

	var stopErr error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			if stopErr == nil {
				stopErr = fmt.Errorf("%s: %w", name, err)
			}
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// The server first: it stops accepting and drains in-flight sessions.
	step("server", a.shutdownTimeout, a.srv.Stop)
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("stats", time.Second, func(c context.Context) error {
		a.stats.Stop(c)
		a.stats.Report()
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	sockopt.Cleanup()

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return stopErr
}

// Status is the JSON document served at /debug/hydra/stats.
type Status struct {
	Server    server.Snapshot `json:"server"`
	Stats     stats.Snapshot  `json:"stats"`
	Inflight  int64           `json:"broadcast_inflight"`
	App       rtsup.Snapshot  `json:"app"`
	LogLevel  string          `json:"log_level"`
	Timestamp time.Time       `json:"ts"`
}

func (a *App) statusSnapshot() any {
	return Status{
		Server:    a.srv.Snapshot(),
		Stats:     a.stats.Snapshot(),
		Inflight:  a.bc.Inflight(),
		App:       a.sup.Snapshot(),
		LogLevel:  a.logs.Level(),
		Timestamp: time.Now(),
	}
}

func (a *App) health() error {
	if !a.srv.Snapshot().Running {
		return errors.New("server not running")
	}
	return a.sup.Err()
}
