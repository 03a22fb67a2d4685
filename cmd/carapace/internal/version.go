package internal

import (
	"fmt"
	"path/filepath"

	"github.com/carapace-gateway/carapace/internal/config"
)

// version, gitCommit and buildTime are set via -ldflags at release build
// time; left at their zero values a dev build reports "dev".
var (
	version   = "dev"
	gitCommit string
	buildTime string
)

// FormatVersion returns the version string with the git commit appended
// when the release build set one.
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (%s)", gitCommit)
	}
	if buildTime != "" {
		v += fmt.Sprintf(" built %s", buildTime)
	}
	return v
}

// DefaultConfigPath returns /etc/carapace/config.json, overridable via
// CARAPACE_CONFIG (config.ResolveConfigPath).
func DefaultConfigPath() string {
	return config.ResolveConfigPath(filepath.Join(string(filepath.Separator), "etc", "carapace", "config.json"))
}

// LoadConfig resolves the config path and loads it, refusing to serve on
// any error per spec.md §4.8.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	return config.Load(path)
}
