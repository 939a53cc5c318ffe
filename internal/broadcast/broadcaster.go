// Package broadcast replicates a payload to every configured target, each over
// a fresh outbound TCP connection, and waits for all attempts to finish.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"hydra/internal/config"
	"hydra/internal/eventbus"
	"hydra/internal/sockopt"
	logx "hydra/pkg/logx"
)

type Broadcaster struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	sem      *semaphore.Weighted
	dialer   net.Dialer
	resolver *net.Resolver

	inflight atomic.Int64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.MaxConcurrency < 0 {
		cfg.MaxConcurrency = 0
	}
	return &Broadcaster{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "broadcast")),
		bus:      bus,
		sem:      semaphore.NewWeighted(cfg.MaxInflight),
		resolver: net.DefaultResolver,
	}
}

// Inflight returns the number of target deliveries currently running.
func (b *Broadcaster) Inflight() int64 { return b.inflight.Load() }

// Broadcast delivers payload to every target concurrently and blocks until
// each attempt has succeeded or failed. A failing target never affects its
// siblings; there are no retries.
func (b *Broadcaster) Broadcast(ctx context.Context, payload []byte, targets config.Targets) Result {
	start := time.Now()
	res := Result{Total: len(targets), Bytes: len(payload)}
	if len(targets) == 0 {
		res.Took = time.Since(start)
		return res
	}

	errs := make([]*TargetError, len(targets))
	var g errgroup.Group
	if b.cfg.MaxConcurrency > 0 {
		g.SetLimit(b.cfg.MaxConcurrency)
	}
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			errs[i] = b.deliver(ctx, t, payload)
			return nil
		})
	}
	_ = g.Wait()

	for _, te := range errs {
		if te == nil {
			res.Delivered++
			continue
		}
		res.Failed++
		res.Failures = append(res.Failures, *te)
	}
	res.Took = time.Since(start)

	b.log.Debug("broadcast finished",
		logx.Int("targets", res.Total),
		logx.Int("delivered", res.Delivered),
		logx.Int("failed", res.Failed),
		logx.Int("bytes", res.Bytes),
		logx.Duration("took", res.Took),
	)
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastFinished, Data: res})
	return res
}

// deliver sends payload to one target. The slot wait is bounded only by the
// caller's ctx; the per-target timeout starts once a slot is held.
func (b *Broadcaster) deliver(ctx context.Context, t config.Target, payload []byte) *TargetError {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return b.fail(t, classify(ctx, err, OpDial), fmt.Errorf("waiting for delivery slot: %w", err))
	}
	defer b.sem.Release(1)
	b.inflight.Add(1)
	defer b.inflight.Add(-1)

	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	addr, err := b.resolve(ctx, t)
	if err != nil {
		return b.fail(t, classify(ctx, err, OpResolve), err)
	}

	conn, err := b.dialer.DialContext(ctx, "tcp4", addr.String())
	if err != nil {
		return b.fail(t, classify(ctx, err, OpDial), err)
	}
	defer func() { _ = sockopt.Close(conn) }()

	if err := sockopt.SetNoDelay(conn); err != nil {
		b.log.Debug("set no-delay failed", logx.String("target", t.String()), logx.Err(err))
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if err := sockopt.WriteFull(conn, payload); err != nil {
		return b.fail(t, classify(ctx, err, OpWrite), err)
	}
	return nil
}

// resolve maps the target to its first IPv4 address.
func (b *Broadcaster) resolve(ctx context.Context, t config.Target) (netip.AddrPort, error) {
	ips, err := b.resolver.LookupNetIP(ctx, "ip4", t.Host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, ip := range ips {
		ip = ip.Unmap()
		if ip.Is4() {
			return netip.AddrPortFrom(ip, t.Port), nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("no IPv4 address for %q", t.Host)
}

func (b *Broadcaster) fail(t config.Target, op Op, err error) *TargetError {
	te := &TargetError{Target: t, Op: op, Err: err}
	b.log.Warn("broadcast target failed", logx.String("target", t.String()), logx.String("op", string(op)), logx.Err(err))
	return te
}

func classify(ctx context.Context, err error, op Op) Op {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return OpTimeout
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OpTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OpTimeout
	}
	return op
}
