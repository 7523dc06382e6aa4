package config

import (
	"fmt"
	"strings"

	"github.com/devhatro/dbgateway/internal/common"
	"github.com/devhatro/dbgateway/internal/types"
	"github.com/robfig/cron/v3"
)

var validConditions = map[string]bool{
	types.ConditionOffline:  true,
	types.ConditionBusy:     true,
	types.ConditionTimeout:  true,
	types.ConditionBackend:  true,
	types.ConditionProtocol: true,
	types.ConditionNotFound: true,
	types.ConditionInternal: true,
}

// Validate checks a defaulted configuration and reports every problem found
func Validate(c *Config) *types.ValidationResult {
	r := &types.ValidationResult{Valid: true}

	g := c.Gateway
	if g.ListenAddr == "" {
		r.Add("gateway.listen_addr", "required", "listen address is required")
	}
	if g.BufferSize <= 0 {
		r.Add("gateway.buffer_size", "range", "must be positive")
	}
	if g.MaxMessageSize <= 0 {
		r.Add("gateway.max_message_size", "range", "must be positive")
	}
	if g.StreamCloseThreshold < g.ChunkThreshold {
		r.Add("gateway.stream_close_threshold", "range",
			"must not be below chunk_threshold (%d < %d)", g.StreamCloseThreshold, g.ChunkThreshold)
	}
	if _, err := cron.ParseStandard(g.ReapSchedule); err != nil {
		r.Add("gateway.reap_schedule", "format", "invalid cron schedule %q: %v", g.ReapSchedule, err)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		r.Add("logging.format", "enum", "unknown format %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		r.Add("metrics.listen_addr", "required", "required when metrics are enabled")
	}
	if _, ok := common.ParseReloadSignal(c.HotReload.ReloadSignal); !ok {
		r.Add("hot_reload.reload_signal", "enum", "unsupported signal %q", c.HotReload.ReloadSignal)
	}

	if len(c.Servers) == 0 {
		r.Add("servers", "required", "at least one server is required")
	}
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		field := fmt.Sprintf("servers[%d]", i)
		key := strings.ToUpper(s.Name)
		switch {
		case s.Name == "":
			r.Add(field+".name", "required", "server name is required")
		case seen[key]:
			r.Add(field+".name", "duplicate", "server %q defined twice", s.Name)
		}
		seen[key] = true

		switch s.Mode {
		case ModeNetwork:
			if s.Host == "" {
				r.Add(field+".host", "required", "host is required in network mode")
			}
			if s.Port <= 0 || s.Port > 65535 {
				r.Add(field+".port", "range", "port %d out of range", s.Port)
			}
		case ModeNative:
			if s.InstallPath == "" {
				r.Add(field+".install_path", "required", "install_path is required in native mode")
			}
			if s.TLS.Enabled {
				r.Add(field+".tls", "unsupported", "TLS applies to network mode only")
			}
		default:
			r.Add(field+".mode", "enum", "unknown mode %q", s.Mode)
		}
		if s.HealthCheck < 0 {
			r.Add(field+".health_check", "range", "must not be negative")
		}
		if s.Retry.MaxAttempts < 0 {
			r.Add(field+".retry.max_attempts", "range", "must not be negative")
		}
		if _, err := common.ParseTLSVersion(s.TLS.MinVersion); s.TLS.Enabled && err != nil {
			r.Add(field+".tls.min_version", "enum", "%v", err)
		}
	}

	prefixes := make(map[string]bool, len(c.Paths))
	for i, p := range c.Paths {
		field := fmt.Sprintf("paths[%d]", i)
		if !strings.HasPrefix(p.Prefix, "/") {
			r.Add(field+".prefix", "format", "prefix %q must start with /", p.Prefix)
		}
		if prefixes[p.Prefix] {
			r.Add(field+".prefix", "duplicate", "prefix %q defined twice", p.Prefix)
		}
		prefixes[p.Prefix] = true
		if p.Function == "" && !p.WebSocket {
			r.Add(field+".function", "required", "target function is required")
		}
		if len(p.Servers) == 0 {
			r.Add(field+".servers", "required", "at least one server is required")
		}
		for j, ps := range p.Servers {
			if _, ok := seen[strings.ToUpper(ps.Name)]; !ok {
				r.Add(fmt.Sprintf("%s.servers[%d]", field, j), "reference", "unknown server %q", ps.Name)
			}
		}
		switch p.Affinity.Mode {
		case AffinityNone, AffinityCookie:
		case AffinityVariable:
			if len(p.Affinity.Variables) == 0 {
				r.Add(field+".affinity.variables", "required", "variable affinity needs at least one variable")
			}
		default:
			r.Add(field+".affinity.mode", "enum", "unknown affinity mode %q", p.Affinity.Mode)
		}
		if p.SSE && p.WebSocket {
			r.Add(field, "conflict", "a path cannot be both sse and websocket")
		}
		for class := range p.ErrorPages {
			if !validConditions[class] {
				r.Add(field+".error_pages", "enum", "unknown condition class %q", class)
			}
		}
	}
	return r
}
