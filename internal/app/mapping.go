package app

import (
	"strings"
	"time"

	"hydra/internal/broadcast"
	"hydra/internal/config"
	"hydra/internal/observability/debug"
	"hydra/internal/server"
	logx "hydra/pkg/logx"
)

const defaultShutdownTimeout = 30 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	readTO, err := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		ListenPort:  cfg.ListenPort,
		BufferSize:  cfg.BufferSize,
		Targets:     cfg.Targets,
		Workers:     cfg.Server.Workers,
		ReadTimeout: readTO,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	timeout, err := config.ParseDurationOrDefault("broadcast.timeout", cfg.Broadcast.Timeout, broadcast.DefaultTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Timeout:        timeout,
		MaxConcurrency: cfg.Broadcast.MaxConcurrency,
		MaxInflight:    int64(cfg.Broadcast.MaxInflight),
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

func shutdownTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
}
