package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carapace-gateway/carapace/internal/config"
)

// fakeHelperBinary writes an executable stub file so tests can exercise
// BuildAdapters' at-load existence check without depending on any real
// path on the machine running the tests.
func fakeHelperBinary(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "imsg-helper")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestBuildAdaptersSkipsDisabledChannels(t *testing.T) {
	cfg := config.Default()
	cfg.Channels["imsg"] = config.ChannelConfig{Enabled: false}

	adapters, err := BuildAdapters(cfg)
	require.NoError(t, err)
	require.Empty(t, adapters)
}

func TestBuildAdaptersConstructsEnabledChannels(t *testing.T) {
	cfg := config.Default()
	cfg.Channels["imsg"] = config.ChannelConfig{
		Enabled: true,
		AdapterOptions: map[string]any{
			"binary":          fakeHelperBinary(t),
			"timeout_seconds": float64(5),
		},
	}
	cfg.Channels["discord"] = config.ChannelConfig{
		Enabled:        true,
		AdapterOptions: map[string]any{"bot_token": "test-token"},
	}

	adapters, err := BuildAdapters(cfg)
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	require.Contains(t, adapters, "imsg")
	require.Contains(t, adapters, "discord")
	require.Equal(t, "imsg", adapters["imsg"].ChannelID())
	require.Equal(t, "discord", adapters["discord"].ChannelID())
}

func TestBuildAdaptersRejectsMissingBinary(t *testing.T) {
	cfg := config.Default()
	cfg.Channels["imsg"] = config.ChannelConfig{
		Enabled:        true,
		AdapterOptions: map[string]any{"binary": filepath.Join(t.TempDir(), "does-not-exist")},
	}

	_, err := BuildAdapters(cfg)
	require.Error(t, err)
}

func TestBuildAdaptersRejectsUnknownChannel(t *testing.T) {
	cfg := config.Default()
	cfg.Channels["carrier-pigeon"] = config.ChannelConfig{Enabled: true}

	_, err := BuildAdapters(cfg)
	require.Error(t, err)
}
