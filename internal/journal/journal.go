// Package journal implements the hash-chained action journal. Every runtime
// decision appends an entry whose SHA-256 hash covers the canonical JSON of
// the entry and the hash of its predecessor, giving a tamper-evident log.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"kolibri/internal/logging"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// IntegrityError reports a broken hash chain discovered during load or verify.
type IntegrityError struct {
	Index  int
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("journal integrity violation at entry %d: %s", e.Index, e.Reason)
}

// Entry is a single signed event inside the action journal.
type Entry struct {
	Index     int            `json:"index"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// ComputeHash returns the SHA-256 hex digest of the canonical JSON covering
// the five chained fields.
func (e Entry) ComputeHash() (string, error) {
	record := map[string]any{
		"index":     e.Index,
		"event":     e.Event,
		"payload":   CanonicalPayload(e.Payload),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash": e.PrevHash,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("journal: marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("journal: canonicalize entry: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// CanonicalPayload recursively normalizes a payload into JSON-friendly
// primitives: timestamps become RFC 3339 strings, nested maps and slices are
// normalized element-wise.
func CanonicalPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = canonicalValue(value)
	}
	return out
}

func canonicalValue(value any) any {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		return CanonicalPayload(typed)
	case []any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = canonicalValue(item)
		}
		return items
	case []string:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = item
		}
		return items
	case []float64:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = item
		}
		return items
	default:
		return value
	}
}

// Journal maintains the hash-chained log and fans appended entries out to
// subscribers. Appends never fail; subscriber queues drop their oldest entry
// instead of blocking the writer.
type Journal struct {
	mu          sync.RWMutex
	entries     []Entry
	subscribers map[int]*Subscription
	nextSubID   int
	clock       func() time.Time
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{
		subscribers: make(map[int]*Subscription),
		clock:       time.Now,
	}
}

// WithClock overrides the timestamp source. Tests use a fixed clock for
// reproducible hashes.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.clock = clock
	return j
}

// Append records an event and returns the chained entry.
func (j *Journal) Append(event string, payload map[string]any) Entry {
	j.mu.Lock()
	prev := GenesisHash
	if len(j.entries) > 0 {
		prev = j.entries[len(j.entries)-1].Hash
	}
	entry := Entry{
		Index:     len(j.entries),
		Event:     event,
		Payload:   CanonicalPayload(payload),
		Timestamp: j.clock().UTC(),
		PrevHash:  prev,
	}
	hash, err := entry.ComputeHash()
	if err != nil {
		// A payload that cannot be marshalled is a programming error; the
		// entry is still chained so the failure is visible in the log.
		logging.Get(logging.CategoryJournal).Error("hash computation failed", zap.Error(err))
		hash = GenesisHash
	}
	entry.Hash = hash
	j.entries = append(j.entries, entry)
	for _, sub := range j.subscribers {
		sub.push(entry)
	}
	j.mu.Unlock()
	return entry
}

// Entries returns a copy of all entries in order.
func (j *Journal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Len reports the number of entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Tail returns the last limit entries, oldest first.
func (j *Journal) Tail(limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if limit <= 0 {
		return nil
	}
	start := len(j.entries) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Entry, len(j.entries)-start)
	copy(out, j.entries[start:])
	return out
}

// Verify walks the chain and reports whether every prev_hash link and stored
// hash is intact.
func (j *Journal) Verify() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	prev := GenesisHash
	for _, entry := range j.entries {
		if entry.PrevHash != prev {
			return false
		}
		computed, err := entry.ComputeHash()
		if err != nil || computed != entry.Hash {
			return false
		}
		prev = entry.Hash
	}
	return true
}

// Save writes the journal as JSONL, creating parent directories as needed.
func (j *Journal) Save(path string) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("journal: create directory: %w", err)
		}
	}
	var builder strings.Builder
	for _, entry := range j.entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("journal: marshal entry %d: %w", entry.Index, err)
		}
		builder.Write(line)
		builder.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(builder.String()), 0o644); err != nil {
		return fmt.Errorf("journal: write %s: %w", path, err)
	}
	return nil
}

// Load reads a JSONL journal and validates the full chain. A missing file
// yields an empty journal; a hash mismatch is fatal.
func Load(path string) (*Journal, error) {
	j := New()
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("journal: parse %s: %w", path, err)
		}
		computed, err := entry.ComputeHash()
		if err != nil {
			return nil, err
		}
		if computed != entry.Hash {
			return nil, &IntegrityError{Index: entry.Index, Reason: "stored hash does not match recomputed hash"}
		}
		j.entries = append(j.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}
	if !j.Verify() {
		return nil, &IntegrityError{Index: len(j.entries) - 1, Reason: "chain verification failed"}
	}
	return j, nil
}
