package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notemill/notemill/internal/fault"
)

// JSONStore persists every user's memories in one JSON file, keyed by
// user id. The file is loaded whole at construction and rewritten
// atomically on every mutation.
type JSONStore struct {
	mu      sync.RWMutex
	path    string
	entries map[int64][]Entry
}

var _ Store = (*JSONStore)(nil)

// NewJSONStore opens (or prepares to create) the store file at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{path: path, entries: make(map[int64][]Entry)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("memory: read %s: %w", s.path, err)
	}
	raw := make(map[string][]Entry)
	if err := json.Unmarshal(data, &raw); err != nil {
		return fault.Wrap(fault.Permanent, "memory: corrupt store "+s.path, err)
	}
	for key, list := range raw {
		uid, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			slog.Warn("memory.bad_user_key", "key", key, "path", s.path)
			continue
		}
		s.entries[uid] = list
	}
	return nil
}

// save rewrites the store file. Callers hold the write lock.
func (s *JSONStore) save() error {
	raw := make(map[string][]Entry, len(s.entries))
	for uid, list := range s.entries {
		if len(list) == 0 {
			continue
		}
		raw[strconv.FormatInt(uid, 10)] = list
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "memory-*.tmp")
	if err != nil {
		return fmt.Errorf("memory: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("memory: write store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("memory: sync store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("memory: close store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("memory: replace store: %w", err)
	}
	cleanup = false
	return nil
}

func (s *JSONStore) Remember(_ context.Context, userID int64, content string, tags []string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, fault.New(fault.Validation, "memory: empty content")
	}
	e := Entry{
		ID:        uuid.NewString(),
		Content:   content,
		Tags:      cleanTags(tags),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.entries[userID]
	s.entries[userID] = append(prev[:len(prev):len(prev)], e)
	if err := s.save(); err != nil {
		s.entries[userID] = prev
		return Entry{}, err
	}
	return e, nil
}

func (s *JSONStore) Recall(_ context.Context, userID int64, query string, limit int) ([]Entry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fault.New(fault.Validation, "memory: empty query")
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries[userID] {
		if matches(e, query) {
			out = append(out, e)
		}
	}
	newestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JSONStore) List(_ context.Context, userID int64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries[userID]))
	copy(out, s.entries[userID])
	newestFirst(out)
	return out, nil
}

func (s *JSONStore) Forget(_ context.Context, userID int64, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[userID]
	for i, e := range list {
		if e.ID != id {
			continue
		}
		next := make([]Entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		s.entries[userID] = next
		if err := s.save(); err != nil {
			s.entries[userID] = list
			return err
		}
		return nil
	}
	return fault.Newf(fault.NotFound, "memory: no entry %s", id)
}
