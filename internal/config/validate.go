package config

import (
	"errors"
	"fmt"
	"strings"

	logx "hydra/pkg/logx"

	"github.com/robfig/cron/v3"
)

var (
	ErrNoTargets = errors.New("no targets configured")
)

// ReportParser parses stats.report specs. Shared with the stats reporter so
// validation and scheduling accept exactly the same syntax.
var ReportParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (c *Config) applyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Broadcast.MaxInflight == 0 {
		c.Broadcast.MaxInflight = 1024
	}
}

// Validate checks the whole config. It is used both at startup and before a
// hot-reload is committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be > 0")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets: %w", ErrNoTargets)
	}
	for i, t := range c.Targets {
		if strings.TrimSpace(t.Host) == "" {
			return fmt.Errorf("targets[%d].host is required", i)
		}
		if t.Port == 0 {
			return fmt.Errorf("targets[%d].port must be > 0", i)
		}
	}

	if c.Server.Workers < 0 {
		return fmt.Errorf("server.workers must be >= 0")
	}
	if _, err := ParseDurationField("server.read_timeout", c.Server.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("server.shutdown_timeout", c.Server.ShutdownTimeout); err != nil {
		return err
	}

	if c.Broadcast.MaxConcurrency < 0 {
		return fmt.Errorf("broadcast.max_concurrency must be >= 0")
	}
	if c.Broadcast.MaxInflight < 0 {
		return fmt.Errorf("broadcast.max_inflight must be >= 0")
	}
	if _, err := ParseDurationField("broadcast.timeout", c.Broadcast.Timeout); err != nil {
		return err
	}

	if lv := strings.TrimSpace(c.Logging.Level); lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			return fmt.Errorf("logging.level: unknown level %q", lv)
		}
	}

	if spec := strings.TrimSpace(c.Stats.Report); spec != "" {
		if _, err := ReportParser.Parse(spec); err != nil {
			return fmt.Errorf("stats.report: invalid schedule %q: %w", spec, err)
		}
	}
	return nil
}
