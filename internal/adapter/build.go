package adapter

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// OptionString and OptionSeconds read loosely-typed adapter_options
// values (decoded from JSON into map[string]any) the way a config file
// naturally produces them: strings as strings, durations as a count of
// seconds. The channel-id dispatch in cmd/carapace/internal's
// BuildAdapters uses these to decode channels.<id>.adapter_options for
// every adapter without reimplementing the type-assertion dance.
func OptionString(opts map[string]any, key string) string {
	v, _ := opts[key].(string)
	return v
}

func OptionSeconds(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// CheckExecutable verifies that binary exists and is executable by the
// holder, per spec.md §4.8's "every enabled channel's resource
// references ... must exist and be accessible by the holder" at-load
// check. A bare name (no path separator) is resolved against PATH the
// same way the subprocess package will later exec it; a path is stat'd
// directly.
func CheckExecutable(binary string) error {
	if binary == "" {
		return fmt.Errorf("adapter_options.binary is required")
	}
	if !strings.ContainsRune(binary, os.PathSeparator) {
		if _, err := exec.LookPath(binary); err != nil {
			return fmt.Errorf("binary %q not found on PATH: %w", binary, err)
		}
		return nil
	}
	info, err := os.Stat(binary)
	if err != nil {
		return fmt.Errorf("binary %q: %w", binary, err)
	}
	if info.IsDir() {
		return fmt.Errorf("binary %q is a directory", binary)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("binary %q is not executable", binary)
	}
	return nil
}

// ErrUnknownChannel is returned by a channel-id dispatch over the closed
// ChannelId set for an id outside {imsg, signal, discord, gmail}.
type ErrUnknownChannel struct {
	Channel string
}

func (e *ErrUnknownChannel) Error() string {
	return fmt.Sprintf("unknown channel id %q", e.Channel)
}
