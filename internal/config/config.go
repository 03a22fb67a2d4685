// Package config loads, validates, and hot-reloads Carapace's gateway
// configuration. A Config is parsed from a JSON file, then overridden by
// environment variables; a validated Config becomes an immutable Snapshot
// published through internal/config's atomic handle.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/caarlos0/env/v11"
)

// Config is the on-disk / env-overridden configuration, corresponding to
// the Section.key table in spec.md §4.8.
type Config struct {
	Endpoint EndpointConfig `json:"endpoint"`
	Security SecurityConfig `json:"security"`
	Channels map[string]ChannelConfig `json:"channels"`
	Advanced AdvancedConfig `json:"advanced"`
}

// EndpointConfig covers endpoint.* keys.
type EndpointConfig struct {
	Path           string `json:"path" env:"CARAPACE_SOCKET_PATH"`
	ClientGroup    string `json:"client_group" env:"CARAPACE_CLIENT_GROUP"`
	LogLevel       string `json:"log_level" env:"CARAPACE_LOG_LEVEL"`
	RequestTimeout int    `json:"request_timeout"` // seconds
}

// SecurityConfig covers security.* keys.
type SecurityConfig struct {
	AuditPath      string                 `json:"audit_path"`
	DeadLetterDir  string                 `json:"dead_letter_dir"`
	AuditEnabled   bool                   `json:"audit_enabled"`
	RateLimit      map[string]RateLimit   `json:"rate_limit"` // key "default" applies where channel-specific is absent
	ContentFilter  ContentFilterConfig    `json:"content_filter"`
}

// RateLimit is the {requests, window_seconds} pair for one channel.
type RateLimit struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"window_seconds"`
}

// ContentFilterConfig covers security.content_filter.*.
type ContentFilterConfig struct {
	Enabled  bool          `json:"enabled"`
	Patterns []ContentRule `json:"patterns"`
}

// ContentRule is one ordered content-filter rule.
type ContentRule struct {
	Pattern string `json:"pattern"`
	Action  string `json:"action"` // "block" or "warn"

	compiled *regexp.Regexp
}

// Compiled returns the rule's compiled regexp, or nil if Validate has not
// compiled it (Validate compiles rules only while the content filter is
// enabled).
func (r *ContentRule) Compiled() *regexp.Regexp {
	return r.compiled
}

// ChannelConfig covers channels.<id>.* keys. AdapterOptions carries the
// adapter-specific keys (binary path, account, token file, ...) as a raw
// map since each channel's adapter needs differ.
type ChannelConfig struct {
	Enabled         bool            `json:"enabled"`
	AdapterOptions  map[string]any  `json:"adapter_options"`
	Outbound        FilterPolicy    `json:"outbound"`
	Inbound         FilterPolicy    `json:"inbound"`
}

// FilterPolicy is {mode, allowlist, denylist} per spec.md §3.
type FilterPolicy struct {
	Mode      string   `json:"mode"` // "allowlist", "denylist", "open"
	Allowlist []string `json:"allowlist"`
	Denylist  []string `json:"denylist"`
}

// Patterns returns the pattern list relevant to Mode.
func (p FilterPolicy) Patterns() []string {
	switch p.Mode {
	case "allowlist":
		return p.Allowlist
	case "denylist":
		return p.Denylist
	default:
		return nil
	}
}

// AdvancedConfig covers advanced.* keys.
type AdvancedConfig struct {
	MaxConnections   int    `json:"max_connections"`
	WatchBufferSize  int    `json:"watch_buffer_size"`
	SweepSchedule    string `json:"sweep_schedule"` // cron expression, see internal/config/sweep.go
}

// Default returns a Config with the defaults spec.md implies where it is
// silent (non-zero watch buffer, a sane request timeout, etc.).
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Path:           "/var/run/carapace/gateway.sock",
			ClientGroup:    "carapace-callers",
			LogLevel:       "info",
			RequestTimeout: 30,
		},
		Security: SecurityConfig{
			AuditPath:     "/var/lib/carapace/audit.log",
			DeadLetterDir: "/var/lib/carapace/dead-letters",
			AuditEnabled:  true,
			RateLimit:     map[string]RateLimit{},
			ContentFilter: ContentFilterConfig{Enabled: false},
		},
		Channels: map[string]ChannelConfig{},
		Advanced: AdvancedConfig{
			MaxConnections:  256,
			WatchBufferSize: 1000,
			SweepSchedule:   "*/5 * * * *",
		},
	}
}

// Load reads path, overlays environment overrides, validates, and returns
// the result. On any failure the daemon must refuse to serve (spec.md §4.8).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Save writes cfg to path as indented JSON, mode 0600.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// ResolveConfigPath determines the config path: CARAPACE_CONFIG env var,
// else the given default.
func ResolveConfigPath(defaultPath string) string {
	if p := os.Getenv("CARAPACE_CONFIG"); p != "" {
		return p
	}
	return defaultPath
}
