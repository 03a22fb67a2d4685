package config

import (
	"fmt"
	"regexp"
)

// Validate checks every enabled channel's policy shape and compiles every
// content-filter regular expression, per spec.md §4.8 "Validation at
// load". It does not check adapter resource existence (binaries,
// credential files) — cmd/carapace/internal.BuildAdapters does that
// immediately after a successful Load, since only each adapter package
// knows what "exists and is accessible" means for its variant (a binary
// path vs. an OAuth refresh token); either failure aborts startup before
// the daemon binds its endpoint.
func (c *Config) Validate() error {
	for name, rl := range c.Security.RateLimit {
		if rl.Requests < 0 || rl.WindowSeconds < 0 {
			return fmt.Errorf("security.rate_limit.%s: requests and window_seconds must be non-negative", name)
		}
	}

	if c.Security.ContentFilter.Enabled {
		for i := range c.Security.ContentFilter.Patterns {
			rule := &c.Security.ContentFilter.Patterns[i]
			if rule.Action != "block" && rule.Action != "warn" {
				return fmt.Errorf("security.content_filter.patterns[%d]: action must be \"block\" or \"warn\", got %q", i, rule.Action)
			}
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return fmt.Errorf("security.content_filter.patterns[%d]: invalid regular expression %q: %w", i, rule.Pattern, err)
			}
			rule.compiled = re
		}
	}

	for id, ch := range c.Channels {
		if !ch.Enabled {
			continue
		}
		if err := ch.Outbound.validate(); err != nil {
			return fmt.Errorf("channels.%s.outbound: %w", id, err)
		}
		if err := ch.Inbound.validate(); err != nil {
			return fmt.Errorf("channels.%s.inbound: %w", id, err)
		}
	}

	if c.Advanced.MaxConnections <= 0 {
		return fmt.Errorf("advanced.max_connections must be positive")
	}
	if c.Advanced.WatchBufferSize <= 0 {
		return fmt.Errorf("advanced.watch_buffer_size must be positive")
	}

	return nil
}

func (p FilterPolicy) validate() error {
	switch p.Mode {
	case "allowlist", "denylist", "open":
	default:
		return fmt.Errorf("mode must be one of allowlist, denylist, open, got %q", p.Mode)
	}
	if p.Mode != "open" && len(p.Allowlist) > 0 && len(p.Denylist) > 0 {
		return fmt.Errorf("allowlist and denylist must not both be populated for mode %q", p.Mode)
	}
	return nil
}

// RateLimitFor returns the effective RateLimit for channel, falling back
// to the "default" key, per spec.md §4.8.
func (c *Config) RateLimitFor(channel string) (RateLimit, bool) {
	if rl, ok := c.Security.RateLimit[channel]; ok {
		return rl, true
	}
	if rl, ok := c.Security.RateLimit["default"]; ok {
		return rl, true
	}
	return RateLimit{}, false
}

// NonReloadableDiff reports a human-readable reason reload must be
// rejected if next changes any field spec.md §4.8 marks non-reloadable:
// endpoint path, channel enable/disable, adapter binary paths.
func (c *Config) NonReloadableDiff(next *Config) string {
	if c.Endpoint.Path != next.Endpoint.Path {
		return "endpoint.path is not reloadable; restart the daemon to change it"
	}
	if c.Endpoint.ClientGroup != next.Endpoint.ClientGroup {
		return "endpoint.client_group is not reloadable; restart the daemon to change it"
	}
	for id, ch := range c.Channels {
		nc, ok := next.Channels[id]
		if !ok || nc.Enabled != ch.Enabled {
			return fmt.Sprintf("channels.%s.enabled is not reloadable; restart the daemon to change it", id)
		}
		if !adapterOptionsEqual(ch.AdapterOptions, nc.AdapterOptions) {
			return fmt.Sprintf("channels.%s adapter options (binary paths, etc.) are not reloadable; restart the daemon to change them", id)
		}
	}
	for id, nc := range next.Channels {
		if _, ok := c.Channels[id]; !ok && nc.Enabled {
			return fmt.Sprintf("channels.%s.enabled is not reloadable; restart the daemon to change it", id)
		}
	}
	return ""
}

func adapterOptionsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
