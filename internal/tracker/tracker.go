// Package tracker is the content-hash deduplication log. Records are
// JSON lines appended under a cross-process file lock; lookups are served
// from an in-memory index rebuilt by scanning the log at startup.
package tracker

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/notemill/notemill/internal/fault"
)

// Status of one processing attempt.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one line of the processing log.
type Record struct {
	ContentHash string    `json:"content_hash"`
	UserID      int64     `json:"user_id"`
	Status      Status    `json:"status"`
	KBFile      string    `json:"kb_file,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

const (
	defaultLockTimeout = 5 * time.Second
	lockPollInterval   = 25 * time.Millisecond
	// maxLineBytes bounds a single log line during the startup scan.
	maxLineBytes = 1 << 20
)

// Tracker owns one processing log file.
type Tracker struct {
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration

	mu      sync.RWMutex
	byHash  map[string]Record
	corrupt atomic.Int64
}

// Option adjusts Tracker construction.
type Option func(*Tracker)

// WithLockTimeout bounds how long Record waits for the file lock.
func WithLockTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.lockTimeout = d }
}

// New opens (creating if needed) the log at path and rebuilds the index.
// Corrupt lines are logged, counted and skipped.
func New(path string, opts ...Option) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	t := &Tracker{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: defaultLockTimeout,
		byHash:      make(map[string]Record),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) load() error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open processing log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.ContentHash == "" {
			t.corrupt.Add(1)
			slog.Warn("tracker.corrupt_line", "path", t.path, "line", lineNo)
			continue
		}
		t.index(rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan processing log: %w", err)
	}
	slog.Debug("tracker.loaded", "path", t.path, "records", len(t.byHash), "corrupt", t.corrupt.Load())
	return nil
}

// index keeps the strongest record per hash: completed wins over failed.
func (t *Tracker) index(rec Record) {
	prev, ok := t.byHash[rec.ContentHash]
	if ok && prev.Status == StatusCompleted && rec.Status != StatusCompleted {
		return
	}
	t.byHash[rec.ContentHash] = rec
}

// IsProcessed reports whether hash has a completed record.
func (t *Tracker) IsProcessed(hash string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.byHash[hash]
	return ok && rec.Status == StatusCompleted
}

// Lookup returns the current record for hash.
func (t *Tracker) Lookup(hash string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.byHash[hash]
	return rec, ok
}

// Len returns the number of distinct hashes indexed.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byHash)
}

// CorruptLines returns how many unparseable lines were skipped since open.
func (t *Tracker) CorruptLines() int64 { return t.corrupt.Load() }

// Record appends rec to the log under the file lock and updates the index.
// A lock that cannot be acquired within the timeout fails with a Conflict
// ("busy") error. Once Record returns nil the record is on disk.
func (t *Tracker) Record(ctx context.Context, rec Record) error {
	if rec.ContentHash == "" {
		return fault.New(fault.Validation, "tracker: empty content hash")
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}

	lockCtx, cancel := context.WithTimeout(ctx, t.lockTimeout)
	defer cancel()
	locked, err := t.lock.TryLockContext(lockCtx, lockPollInterval)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return fault.Wrap(fault.Cancelled, "tracker.record", ctx.Err())
		}
		return fault.New(fault.Conflict, "tracker: processing log busy")
	}
	defer t.lock.Unlock()

	if err := t.append(rec); err != nil {
		return err
	}

	t.mu.Lock()
	t.index(rec)
	t.mu.Unlock()
	return nil
}

func (t *Tracker) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open processing log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync processing log: %w", err)
	}
	return nil
}

// Compact rewrites the log keeping one line per hash (the indexed record).
// Used by maintenance; safe against concurrent Record via the file lock.
func (t *Tracker) Compact(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, t.lockTimeout)
	defer cancel()
	locked, err := t.lock.TryLockContext(lockCtx, lockPollInterval)
	if err != nil || !locked {
		return fault.New(fault.Conflict, "tracker: processing log busy")
	}
	defer t.lock.Unlock()

	t.mu.RLock()
	recs := make([]Record, 0, len(t.byHash))
	for _, rec := range t.byHash {
		recs = append(recs, rec)
	}
	t.mu.RUnlock()

	tmp := t.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal record: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush temp log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp log: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replace processing log: %w", err)
	}
	slog.Info("tracker.compacted", "path", t.path, "records", len(recs))
	return nil
}

// HashContent computes the deduplication hash for a message group:
// SHA-256 over the newline-joined trimmed texts followed by attachment
// hashes. A single bare text hashes to SHA-256 of exactly that text.
func HashContent(texts []string, attachmentHashes []string) string {
	parts := make([]string, 0, len(texts)+len(attachmentHashes))
	for _, s := range texts {
		s = strings.TrimSpace(s)
		if s != "" {
			parts = append(parts, s)
		}
	}
	parts = append(parts, attachmentHashes...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}
