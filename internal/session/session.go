// Package session runs one accepted client connection: every chunk read is
// fanned out to the targets, then answered with a synthesized HTTP reply
// echoing the part after the header terminator.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hydra/internal/broadcast"
	"hydra/internal/config"
	"hydra/internal/eventbus"
	"hydra/internal/sockopt"
	logx "hydra/pkg/logx"
)

// Broadcaster is the fan-out the session drives once per chunk.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte, targets config.Targets) broadcast.Result
}

// Options carries the per-session settings shared by every session of a
// server.
type Options struct {
	BufferSize  int
	ReadTimeout time.Duration
	Log         logx.Logger
	Bus         eventbus.Bus
}

// Opened is the payload of a session.opened event.
type Opened struct {
	ID     string
	Remote string
}

// Closed is the payload of a session.closed event.
type Closed struct {
	ID       string
	Remote   string
	Chunks   int
	BytesIn  int64
	BytesOut int64
	Failed   int
	Duration time.Duration
	Err      error
}

type Session struct {
	id      string
	conn    net.Conn
	buf     []byte
	targets config.Targets
	bc      Broadcaster
	readTO  time.Duration
	log     logx.Logger
	bus     eventbus.Bus

	started  time.Time
	chunks   int
	bytesIn  int64
	bytesOut int64
	failed   int

	ran atomic.Bool
}

// New wraps an accepted connection. targets is shared read-only with every
// other session and is never modified.
func New(conn net.Conn, targets config.Targets, bc Broadcaster, opt Options) *Session {
	size := opt.BufferSize
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opt.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		buf:     make([]byte, size),
		targets: targets,
		bc:      bc,
		readTO:  opt.ReadTimeout,
		log:     log.With(logx.String("comp", "session"), logx.String("session", id), logx.String("remote", remoteAddr(conn))),
		bus:     bus,
	}
}

func (s *Session) ID() string { return s.id }

// Close closes the client connection. It is safe to call after Run returned.
func (s *Session) Close() error { return sockopt.Close(s.conn) }

// Run executes the receive/broadcast/respond loop until the peer closes, an
// I/O error occurs or the connection is closed. The connection is always
// closed on return. Run is single-use.
func (s *Session) Run(ctx context.Context) {
	if !s.ran.CompareAndSwap(false, true) {
		return
	}
	s.started = time.Now()
	remote := remoteAddr(s.conn)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionOpened, Data: Opened{ID: s.id, Remote: remote}})
	s.log.Debug("session opened")

	err := s.loop(ctx)

	if cerr := sockopt.Close(s.conn); cerr != nil {
		s.log.Debug("close failed", logx.Err(cerr))
	}
	closed := Closed{
		ID:       s.id,
		Remote:   remote,
		Chunks:   s.chunks,
		BytesIn:  s.bytesIn,
		BytesOut: s.bytesOut,
		Failed:   s.failed,
		Duration: time.Since(s.started),
		Err:      err,
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionClosed, Data: closed})

	fields := []logx.Field{
		logx.Int("chunks", closed.Chunks),
		logx.Int64("bytes_in", closed.BytesIn),
		logx.Int64("bytes_out", closed.BytesOut),
		logx.Duration("dur", closed.Duration),
	}
	if err != nil {
		s.log.Warn("session ended with error", append(fields, logx.Err(err))...)
		return
	}
	s.log.Debug("session closed", fields...)
}

func (s *Session) loop(ctx context.Context) error {
	for {
		if s.readTO > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTO))
		}
		n, err := s.conn.Read(s.buf)
		if n > 0 {
			if werr := s.handle(ctx, s.buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// handle broadcasts one chunk and answers it.
func (s *Session) handle(ctx context.Context, chunk []byte) error {
	s.chunks++
	s.bytesIn += int64(len(chunk))

	res := s.bc.Broadcast(ctx, chunk, s.targets)
	s.failed += res.Failed

	body := ExtractBody(chunk)
	hdr := ResponseHeader(len(body))
	if err := WriteFull(s.conn, hdr); err != nil {
		return err
	}
	s.bytesOut += int64(len(hdr))
	if len(body) > 0 {
		if err := WriteFull(s.conn, body); err != nil {
			return err
		}
		s.bytesOut += int64(len(body))
	}
	s.log.Trace("chunk answered", logx.Int("n", len(chunk)), logx.Int("body", len(body)), logx.Int("failed", res.Failed))
	return nil
}

func remoteAddr(c net.Conn) string {
	if c == nil || c.RemoteAddr() == nil {
		return ""
	}
	return c.RemoteAddr().String()
}
