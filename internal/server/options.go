package server

import (
	"hydra/internal/eventbus"
	"hydra/internal/session"
	logx "hydra/pkg/logx"
)

type Option func(*Server)

func WithLogger(log logx.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithBroadcaster replaces the fan-out used by every session.
func WithBroadcaster(bc session.Broadcaster) Option {
	return func(s *Server) { s.bc = bc }
}

// WithWorkers overrides Config.Workers.
func WithWorkers(n int) Option {
	return func(s *Server) { s.cfg.Workers = n }
}
