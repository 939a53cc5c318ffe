package config

import (
	"slices"
	"strings"

	logx "hydra/pkg/logx"
)

// Sections that can be applied without a restart.
var hotSections = map[string]bool{"logging": true}

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging (never the debug token).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.ListenPort != newCfg.ListenPort {
		changed = append(changed, "listen_port")
		attrs = append(attrs, logx.Int("listen_port", int(newCfg.ListenPort)))
	}
	if oldCfg.BufferSize != newCfg.BufferSize {
		changed = append(changed, "buffer_size")
		attrs = append(attrs, logx.Int("buffer_size", newCfg.BufferSize))
	}
	if !slices.Equal(oldCfg.Targets, newCfg.Targets) {
		changed = append(changed, "targets")
		attrs = append(attrs, logx.Int("targets", len(newCfg.Targets)))
	}
	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs, logx.Int("server.workers", newCfg.Server.Workers))
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs, logx.String("broadcast.timeout", strings.TrimSpace(newCfg.Broadcast.Timeout)))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}
	if oldCfg.Stats != newCfg.Stats {
		changed = append(changed, "stats")
		attrs = append(attrs, logx.String("stats.report", newCfg.Stats.Report))
	}
	return changed, attrs
}

// RestartRequired filters sections down to those that only take effect after
// a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
