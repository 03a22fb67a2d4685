package config

import (
	"fmt"
	"sync/atomic"
)

// Snapshot is an immutable value of the current configuration plus
// compiled policy (content-filter regexes are compiled in Validate and
// carried inside Config). Readers obtain a reference via Store.Current
// that remains valid for the duration of a single request; the config
// itself is never mutated in place, only replaced.
type Snapshot struct {
	Config *Config
}

// Store holds the live config snapshot behind an atomic pointer, so
// readers never observe a partially-written snapshot and reload never
// tears (spec.md §4.8, §5).
type Store struct {
	ptr  atomic.Pointer[Snapshot]
	path string
}

// NewStore builds a Store with an initial snapshot, remembering path so
// that admin.reload_config knows which file to re-read.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.ptr.Store(&Snapshot{Config: cfg})
	return s
}

// ConfigPath returns the file path this Store was loaded from.
func (s *Store) ConfigPath() string { return s.path }

// Current returns the currently live snapshot. The returned pointer is
// safe to hold for the duration of one request; it will never be
// mutated, only superseded by a later Reload.
func (s *Store) Current() *Snapshot {
	return s.ptr.Load()
}

// Reload validates next against the currently live config's
// non-reloadable fields, then atomically installs it as the new live
// snapshot. In-flight requests keep whichever snapshot they already
// hold.
func (s *Store) Reload(next *Config) error {
	current := s.Current().Config
	if reason := current.NonReloadableDiff(next); reason != "" {
		return fmt.Errorf("config reload rejected: %s", reason)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("config reload rejected: %w", err)
	}
	s.ptr.Store(&Snapshot{Config: next})
	return nil
}

// ReloadFromFile re-reads path and reloads. This is admin.reload_config's
// implementation.
func (s *Store) ReloadFromFile(path string) error {
	next, err := Load(path)
	if err != nil {
		return fmt.Errorf("config reload rejected: %w", err)
	}
	return s.Reload(next)
}

// ReloadSelf re-reads the Store's own config path and reloads.
func (s *Store) ReloadSelf() error {
	return s.ReloadFromFile(s.path)
}
