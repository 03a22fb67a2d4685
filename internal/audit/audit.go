// Package audit implements Carapace's append-only audit journal and
// dead-letter store (spec.md §4.6). Records are metadata-only: message
// bodies are never persisted, only a SHA-256 digest.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status values for a Record.
const (
	StatusAllowed = "allowed"
	StatusBlocked = "blocked"
	StatusError   = "error"
)

// Record is one audit journal line, matching spec.md §3's AuditRecord
// exactly: no hash-chaining, no sequence field — just what the spec
// names.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Channel   string    `json:"channel"`
	Direction string    `json:"direction"` // "outbound" or "inbound"
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Journal is the single append-only audit log writer. A mutex
// serializes appends, so concurrent callers never interleave lines;
// callers that need a durable-flush confirmation for blocked outcomes
// use AppendAndFlush.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	enabled bool
}

// Open opens (or creates) the journal file at path in append mode. If
// enabled is false, writes are silently dropped (security.audit_enabled
// = false), matching spec.md §4.8's audit toggle.
func Open(path string, enabled bool) (*Journal, error) {
	if !enabled {
		return &Journal{enabled: false}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit journal %s: %w", path, err)
	}
	return &Journal{file: f, enabled: true}, nil
}

// Close closes the underlying file, if any.
func (j *Journal) Close() error {
	if j.file == nil {
		return nil
	}
	return j.file.Close()
}

// Append writes rec as one JSON line and returns once the write has been
// issued. For status=blocked outcomes, callers must use AppendAndFlush
// instead so the write is durable before the reply is sent (spec.md §4.6,
// §9 "Audit ordering vs. reply latency").
func (j *Journal) Append(rec Record) error {
	if !j.enabled {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.file.Write(line)
	return err
}

// AppendAndFlush writes rec and fsyncs the file before returning, giving
// the reply-barrier guarantee spec.md §4.6 requires for blocked outcomes:
// no observable refusal exists without a durable record.
func (j *Journal) AppendAndFlush(rec Record) error {
	if !j.enabled {
		return nil
	}
	if err := j.Append(rec); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Sync()
}
