// Package stats turns proxy lifecycle events into counters, Prometheus
// metrics and a periodic summary log line.
package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"hydra/internal/broadcast"
	"hydra/internal/config"
	"hydra/internal/eventbus"
	rtsup "hydra/internal/runtime/supervisor"
	"hydra/internal/session"
	logx "hydra/pkg/logx"
)

const subscriberBuffer = 1024

// Snapshot holds the totals since start.
type Snapshot struct {
	SessionsOpened  uint64            `json:"sessions_opened"`
	SessionsClosed  uint64            `json:"sessions_closed"`
	SessionsActive  int64             `json:"sessions_active"`
	SessionErrors   uint64            `json:"session_errors"`
	Chunks          uint64            `json:"chunks"`
	BytesIn         uint64            `json:"bytes_in"`
	BytesOut        uint64            `json:"bytes_out"`
	Broadcasts      uint64            `json:"broadcasts"`
	TargetAttempts  uint64            `json:"target_attempts"`
	TargetDelivered uint64            `json:"target_delivered"`
	TargetFailed    uint64            `json:"target_failed"`
	FailuresByOp    map[string]uint64 `json:"failures_by_op,omitempty"`
	DroppedEvents   uint64            `json:"dropped_events"`
	Since           time.Time         `json:"since"`
}

type Collector struct {
	bus    eventbus.Bus
	log    logx.Logger
	reg    *prometheus.Registry
	m      *metrics
	report string

	mu         sync.Mutex
	snap       Snapshot
	lastChunks uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	cron  *cron.Cron
	unsub func()
}

// New creates a collector. report is a cron spec for the summary log line;
// empty disables it.
func New(bus eventbus.Bus, log logx.Logger, report string) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	reg := prometheus.NewRegistry()
	return &Collector{
		bus:    bus,
		log:    log.With(logx.String("comp", "stats")),
		reg:    reg,
		m:      newMetrics(reg),
		report: strings.TrimSpace(report),
		snap:   Snapshot{FailuresByOp: map[string]uint64{}, Since: time.Now()},
	}
}

// Registry exposes the metrics for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Start subscribes to the bus and schedules the summary report. Idempotent.
func (c *Collector) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.sup != nil {
		return nil
	}

	var cr *cron.Cron
	if c.report != "" {
		cr = cron.New(cron.WithParser(config.ReportParser))
		if _, err := cr.AddFunc(c.report, c.Report); err != nil {
			return fmt.Errorf("stats: report schedule %q: %w", c.report, err)
		}
	}

	ch, unsub := c.bus.Subscribe(subscriberBuffer)
	sup := rtsup.New(ctx, rtsup.WithLogger(c.log))
	sup.Go0("stats.events", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				c.observe(e)
			}
		}
	})
	if cr != nil {
		cr.Start()
	}

	c.sup, c.cron, c.unsub = sup, cr, unsub
	c.log.Debug("stats started", logx.String("report", c.report))
	return nil
}

// Stop halts the event loop and the report schedule. Events still buffered
// are dropped.
func (c *Collector) Stop(ctx context.Context) {
	c.runMu.Lock()
	sup, cr, unsub := c.sup, c.cron, c.unsub
	c.sup, c.cron, c.unsub = nil, nil, nil
	c.runMu.Unlock()
	if sup == nil {
		return
	}

	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
		}
	}
	unsub()
	if err := sup.Stop(ctx); err != nil {
		c.log.Warn("stats stop incomplete", logx.Err(err))
	}
}

func (c *Collector) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeSessionOpened:
		c.m.sessionsTotal.Inc()
		c.m.sessionsActive.Inc()
		c.mu.Lock()
		c.snap.SessionsOpened++
		c.snap.SessionsActive++
		c.mu.Unlock()

	case eventbus.TypeSessionClosed:
		sc, ok := e.Data.(session.Closed)
		if !ok {
			return
		}
		c.m.sessionsActive.Dec()
		c.m.sessionDuration.Observe(sc.Duration.Seconds())
		c.m.chunks.Add(float64(sc.Chunks))
		c.m.bytes.WithLabelValues("in").Add(float64(sc.BytesIn))
		c.m.bytes.WithLabelValues("out").Add(float64(sc.BytesOut))
		if sc.Err != nil {
			c.m.sessionErrors.Inc()
		}
		c.mu.Lock()
		c.snap.SessionsClosed++
		c.snap.SessionsActive--
		c.snap.Chunks += uint64(sc.Chunks)
		c.snap.BytesIn += uint64(sc.BytesIn)
		c.snap.BytesOut += uint64(sc.BytesOut)
		if sc.Err != nil {
			c.snap.SessionErrors++
		}
		c.mu.Unlock()

	case eventbus.TypeBroadcastFinished:
		res, ok := e.Data.(broadcast.Result)
		if !ok {
			return
		}
		c.m.broadcasts.Inc()
		c.m.broadcastDur.Observe(res.Took.Seconds())
		c.m.deliveries.WithLabelValues("delivered").Add(float64(res.Delivered))
		c.m.deliveries.WithLabelValues("failed").Add(float64(res.Failed))
		c.mu.Lock()
		c.snap.Broadcasts++
		c.snap.TargetAttempts += uint64(res.Total)
		c.snap.TargetDelivered += uint64(res.Delivered)
		c.snap.TargetFailed += uint64(res.Failed)
		for _, f := range res.Failures {
			c.snap.FailuresByOp[string(f.Op)]++
		}
		c.mu.Unlock()
		for _, f := range res.Failures {
			c.m.targetFailures.WithLabelValues(string(f.Op)).Inc()
		}
	}
}

// Snapshot returns a copy of the totals.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	s := c.snap
	s.FailuresByOp = make(map[string]uint64, len(c.snap.FailuresByOp))
	for k, v := range c.snap.FailuresByOp {
		s.FailuresByOp[k] = v
	}
	c.mu.Unlock()
	s.DroppedEvents = eventbus.Dropped(c.bus)
	return s
}

// Report logs one summary line.
func (c *Collector) Report() {
	s := c.Snapshot()
	c.mu.Lock()
	delta := s.Chunks - c.lastChunks
	c.lastChunks = s.Chunks
	c.mu.Unlock()

	c.log.Info("stats",
		logx.Int64("sessions_active", s.SessionsActive),
		logx.Uint64("sessions_total", s.SessionsOpened),
		logx.Uint64("chunks", s.Chunks),
		logx.Uint64("chunks_delta", delta),
		logx.Uint64("bytes_in", s.BytesIn),
		logx.Uint64("target_delivered", s.TargetDelivered),
		logx.Uint64("target_failed", s.TargetFailed),
		logx.Uint64("dropped_events", s.DroppedEvents),
	)
}
