package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is one refused-operation record. Content is hashed, never
// stored, per spec.md §3/§4.6.
type DeadLetter struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	Direction string    `json:"direction"`
	Party     string    `json:"party"`
	Reason    string    `json:"reason"`
	Digest    string    `json:"content_digest"` // hex SHA-256
}

// DeadLetterStore writes one small file per dead-letter record into a
// directory, named by the record's globally unique id, grounded on the
// teacher's atomic-rename state-file pattern adapted to one-file-per-record
// (no cross-writer coordination is needed since each write targets a
// fresh, unique filename).
type DeadLetterStore struct {
	dir string
}

// OpenDeadLetterStore ensures dir exists and returns a store over it.
func OpenDeadLetterStore(dir string) (*DeadLetterStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating dead-letter dir %s: %w", dir, err)
	}
	return &DeadLetterStore{dir: dir}, nil
}

// Digest computes the SHA-256 content digest of body without retaining
// body anywhere beyond this call.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// DigestReader computes the SHA-256 digest of r by streaming, never
// buffering the full content.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Write creates a new dead-letter file. The id field is filled in with a
// fresh UUID if empty.
func (s *DeadLetterStore) Write(dl DeadLetter) (DeadLetter, error) {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.Timestamp.IsZero() {
		dl.Timestamp = time.Now()
	}
	data, err := json.MarshalIndent(dl, "", "  ")
	if err != nil {
		return dl, fmt.Errorf("marshaling dead-letter record: %w", err)
	}
	path := filepath.Join(s.dir, dl.ID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return dl, fmt.Errorf("writing dead-letter %s: %w", path, err)
	}
	return dl, nil
}

// List reads dead-letter records in reverse time order, per spec.md
// §4.3's admin.get_dead_letters contract. since, if non-zero, excludes
// records at or before it. limit<=0 means unbounded.
func (s *DeadLetterStore) List(limit int, since time.Time) ([]DeadLetter, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading dead-letter dir %s: %w", s.dir, err)
	}

	records := make([]DeadLetter, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			if isTransientReadErr(err) {
				continue
			}
			return nil, err
		}
		var dl DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			continue
		}
		if !since.IsZero() && !dl.Timestamp.After(since) {
			continue
		}
		records = append(records, dl)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.After(records[j].Timestamp) })

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func isTransientReadErr(err error) bool {
	return fs.ErrNotExist == err || os.IsNotExist(err)
}
