package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, cfg *Config) string {
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadAndSaveRoundtrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Channels["imsg"] = ChannelConfig{
		Enabled:  true,
		Outbound: FilterPolicy{Mode: "allowlist", Allowlist: []string{"+14155550100"}},
		Inbound:  FilterPolicy{Mode: "open"},
	}
	path := writeConfig(t, dir, cfg)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Channels["imsg"].Outbound.Allowlist, loaded.Channels["imsg"].Outbound.Allowlist)
}

func TestReloadWithUnchangedConfigProducesIdenticalSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Channels["imsg"] = ChannelConfig{Enabled: true, Outbound: FilterPolicy{Mode: "open"}, Inbound: FilterPolicy{Mode: "open"}}
	path := writeConfig(t, dir, cfg)

	first, err := Load(path)
	require.NoError(t, err)
	store := NewStore(first, path)

	second, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, store.Reload(second))

	require.Equal(t, store.Current().Config.Channels, first.Channels)
}

func TestReloadRejectsEndpointPathChange(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	path := writeConfig(t, dir, cfg)
	base, err := Load(path)
	require.NoError(t, err)
	store := NewStore(base, path)

	changed := Default()
	changed.Endpoint.Path = "/tmp/other.sock"
	err = store.Reload(changed)
	require.Error(t, err)
	require.Contains(t, err.Error(), "endpoint.path")
}

func TestReloadRejectsChannelEnableToggle(t *testing.T) {
	cfg := Default()
	cfg.Channels["imsg"] = ChannelConfig{Enabled: true, Outbound: FilterPolicy{Mode: "open"}, Inbound: FilterPolicy{Mode: "open"}}
	store := NewStore(cfg, "")

	changed := Default()
	changed.Channels["imsg"] = ChannelConfig{Enabled: false, Outbound: FilterPolicy{Mode: "open"}, Inbound: FilterPolicy{Mode: "open"}}
	err := store.Reload(changed)
	require.Error(t, err)
	require.Contains(t, err.Error(), "channels.imsg.enabled")
}

func TestValidateRejectsBadContentFilterRegex(t *testing.T) {
	cfg := Default()
	cfg.Security.ContentFilter.Enabled = true
	cfg.Security.ContentFilter.Patterns = []ContentRule{{Pattern: "(unclosed", Action: "block"}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsAllowlistAndDenylistTogether(t *testing.T) {
	cfg := Default()
	cfg.Channels["imsg"] = ChannelConfig{
		Enabled:  true,
		Outbound: FilterPolicy{Mode: "allowlist", Allowlist: []string{"a"}, Denylist: []string{"b"}},
		Inbound:  FilterPolicy{Mode: "open"},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestRateLimitForFallsBackToDefault(t *testing.T) {
	cfg := Default()
	cfg.Security.RateLimit["default"] = RateLimit{Requests: 5, WindowSeconds: 60}
	rl, ok := cfg.RateLimitFor("discord")
	require.True(t, ok)
	require.Equal(t, 5, rl.Requests)
}
