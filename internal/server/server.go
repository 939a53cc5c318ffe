// Package server owns the listening socket and the worker pool. One goroutine
// accepts connections and queues them as sessions; a fixed set of workers runs
// the sessions to completion.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"hydra/internal/broadcast"
	"hydra/internal/config"
	"hydra/internal/eventbus"
	rtsup "hydra/internal/runtime/supervisor"
	"hydra/internal/session"
	"hydra/internal/sockopt"
	logx "hydra/pkg/logx"
)

var (
	ErrNoTargets         = errors.New("server: no targets configured")
	ErrInvalidBufferSize = errors.New("server: buffer size must be > 0")
	ErrServerClosed      = errors.New("server: closed")
)

const (
	fallbackWorkers = 4

	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

type Config struct {
	ListenPort  uint16
	BufferSize  int
	Targets     config.Targets
	Workers     int
	ReadTimeout time.Duration
}

type Server struct {
	cfg     Config
	targets config.Targets
	ln      net.Listener

	log  logx.Logger
	root logx.Logger
	bus  eventbus.Bus
	bc   session.Broadcaster

	queue *Queue[*session.Session]

	// baseCtx is handed to sessions. Stop does not cancel it, so in-flight
	// sessions run to completion; it is canceled once every worker has joined.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	running atomic.Bool
	workers atomic.Int32

	mu       sync.Mutex
	started  bool
	stopped  bool
	sup      *rtsup.Supervisor
	done     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	acceptLog *rate.Limiter
	accepted  atomic.Uint64
	active    atomic.Int64
}

// New validates cfg and binds the listener on all IPv4 interfaces. The target
// list is checked before any socket is created.
func New(cfg Config, opts ...Option) (*Server, error) {
	if len(cfg.Targets) == 0 {
		return nil, ErrNoTargets
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBufferSize, cfg.BufferSize)
	}

	s := &Server{
		cfg:       cfg,
		targets:   cfg.Targets.Clone(),
		queue:     NewQueue[*session.Session](),
		done:      make(chan struct{}),
		stopCh:    make(chan struct{}),
		acceptLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.root = s.log
	s.log = s.log.With(logx.String("comp", "server"))
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	if s.bc == nil {
		s.bc = broadcast.New(broadcast.Config{Timeout: broadcast.DefaultTimeout}, s.root, s.bus)
	}

	if err := sockopt.Initialize(); err != nil {
		return nil, fmt.Errorf("server: network init: %w", err)
	}
	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	ln, err := sockopt.Listen(context.Background(), "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.log.Info("server listening",
		logx.String("addr", ln.Addr().String()),
		logx.Int("targets", len(s.targets)),
		logx.Int("buffer_size", cfg.BufferSize),
	)
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Run starts the worker pool and runs the accept loop on the calling
// goroutine. It returns after the accept loop has stopped and every worker has
// finished its session and exited. Canceling ctx has the same effect as Stop.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("server: already running")
	}
	s.started = true
	n := workerCount(s.cfg.Workers)
	sup := rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.sup = sup
	s.mu.Unlock()

	s.running.Store(true)
	s.workers.Store(int32(n))
	for i := 0; i < n; i++ {
		// A panicking session takes its worker down; the restart keeps the
		// pool at full size.
		sup.GoRestart(fmt.Sprintf("worker.%d", i), s.worker,
			rtsup.WithRestartBackoff(acceptBackoffMin, acceptBackoffMax),
		)
	}
	s.log.Info("server running", logx.Int("workers", n))

	stopOnCancel := context.AfterFunc(ctx, s.shutdown)
	defer stopOnCancel()

	err := s.acceptLoop()
	s.shutdown()

	_ = sup.Wait(context.Background())
	s.cancelBase()
	close(s.done)
	s.log.Info("server stopped", logx.Uint64("accepted", s.accepted.Load()))
	return err
}

// Stop stops accepting, wakes idle workers and waits, bounded by ctx, for
// queued and in-flight sessions to finish. On ctx expiry it returns ctx.Err()
// while the workers keep draining in the background. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdown()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.running.Store(false)
		close(s.stopCh)
		if err := sockopt.Close(s.ln); err != nil {
			s.log.Warn("listener close failed", logx.Err(err))
		}
		s.queue.Close()
		s.log.Info("server stopping",
			logx.Int("queued", s.queue.Len()),
			logx.Int64("active", s.active.Load()),
		)
	})
}

func (s *Server) acceptLoop() error {
	var delay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = acceptBackoffMin
			} else {
				delay = min(delay*2, acceptBackoffMax)
			}
			if s.acceptLog.Allow() {
				s.log.Warn("accept failed; retrying", logx.Err(err), logx.Duration("backoff", delay))
			}
			t := time.NewTimer(delay)
			select {
			case <-s.stopCh:
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		delay = 0
		s.accepted.Add(1)

		if err := sockopt.SetNoDelay(conn); err != nil {
			s.log.Debug("set no-delay failed", logx.String("remote", conn.RemoteAddr().String()), logx.Err(err))
		}
		sess := session.New(conn, s.targets, s.bc, session.Options{
			BufferSize:  s.cfg.BufferSize,
			ReadTimeout: s.cfg.ReadTimeout,
			Log:         s.root,
			Bus:         s.bus,
		})
		if !s.queue.Push(sess) {
			// Lost the race with Stop.
			s.log.Debug("session dropped: server stopping", logx.String("session", sess.ID()))
			_ = sess.Close()
			return nil
		}
		s.log.Trace("session queued", logx.String("session", sess.ID()), logx.Int("queued", s.queue.Len()))
	}
}

// worker runs queued sessions one at a time until the queue is closed and
// empty.
func (s *Server) worker(context.Context) error {
	for {
		sess, ok := s.queue.Pop()
		if !ok {
			return nil
		}
		s.serve(sess)
	}
}

func (s *Server) serve(sess *session.Session) {
	s.active.Add(1)
	defer s.active.Add(-1)
	defer func() { _ = sess.Close() }()
	sess.Run(s.baseCtx)
}

func workerCount(n int) int {
	if n > 0 {
		return n
	}
	if n = runtime.NumCPU(); n >= 1 {
		return n
	}
	return fallbackWorkers
}

// Snapshot is a point-in-time view for the debug endpoint.
type Snapshot struct {
	Running    bool           `json:"running"`
	Addr       string         `json:"addr"`
	Targets    int            `json:"targets"`
	Workers    int            `json:"workers"`
	Queued     int            `json:"queued"`
	Active     int64          `json:"active"`
	Accepted   uint64         `json:"accepted"`
	Supervisor rtsup.Snapshot `json:"supervisor"`
}

func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return Snapshot{
		Running:    s.running.Load(),
		Addr:       s.ln.Addr().String(),
		Targets:    len(s.targets),
		Workers:    int(s.workers.Load()),
		Queued:     s.queue.Len(),
		Active:     s.active.Load(),
		Accepted:   s.accepted.Load(),
		Supervisor: sup.Snapshot(),
	}
}
