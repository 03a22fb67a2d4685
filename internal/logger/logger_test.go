package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnableFileLoggingWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carapace.log")

	l := New(INFO)
	require.NoError(t, l.EnableFileLogging(path))
	defer l.Close()

	l.InfoF("router", "dispatched request", map[string]any{"method": "channel.send"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry Entry
	require.NoError(t, json.Unmarshal(bytesFirstLine(data), &entry))
	require.Equal(t, "INFO", entry.Level)
	require.Equal(t, "router", entry.Component)
	require.Equal(t, "dispatched request", entry.Message)
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carapace.log")

	l := New(WARN)
	require.NoError(t, l.EnableFileLogging(path))
	defer l.Close()

	l.Info("router", "should be filtered")
	l.Warn("router", "should appear")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "should appear")
	require.NotContains(t, string(data), "should be filtered")
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	require.Equal(t, INFO, ParseLevel(""))
	require.Equal(t, INFO, ParseLevel("nonsense"))
	require.Equal(t, DEBUG, ParseLevel("debug"))
	require.Equal(t, ERROR, ParseLevel("ERROR"))
}

func bytesFirstLine(b []byte) []byte {
	for i, c := range b {
		if c == '\n' {
			return b[:i]
		}
	}
	return b
}
