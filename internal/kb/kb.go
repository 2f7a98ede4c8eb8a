// Package kb owns knowledge-base descriptors: which KBs exist, which one
// is active per user, and the conventional on-disk layout
// (topics/<category>/<subcategory>/YYYY-MM-DD-<slug>.md plus index.md).
package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/notemill/notemill/internal/fault"
)

// Descriptor identifies one knowledge base.
type Descriptor struct {
	ID         string `json:"kb_id"`
	RootPath   string `json:"root_path"`
	GitRemote  string `json:"git_remote,omitempty"`
	GitBranch  string `json:"git_branch,omitempty"`
	GitEnabled bool   `json:"git_enabled"`
}

type userEntry struct {
	Active string                `json:"active"`
	KBs    map[string]Descriptor `json:"kbs"`
}

// Registry maps users to their attached KBs. Descriptors change only via
// explicit Attach/Switch; the registry persists itself as a JSON file.
type Registry struct {
	mu    sync.RWMutex
	path  string
	users map[int64]*userEntry
}

// NewRegistry loads (or initializes) the registry file at path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, users: make(map[int64]*userEntry)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read kb registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.users); err != nil {
		return nil, fmt.Errorf("parse kb registry: %w", err)
	}
	return r, nil
}

// Attach registers a KB for the user, creating the on-disk layout. The
// first attached KB becomes the active one.
func (r *Registry) Attach(userID int64, d Descriptor) error {
	if d.ID == "" {
		return fault.New(fault.Validation, "kb: empty kb id")
	}
	if !filepath.IsAbs(d.RootPath) {
		return fault.Newf(fault.Validation, "kb: root path %q is not absolute", d.RootPath)
	}
	if err := EnsureLayout(d.RootPath); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.users[userID]
	if !ok {
		entry = &userEntry{KBs: make(map[string]Descriptor)}
		r.users[userID] = entry
	}
	entry.KBs[d.ID] = d
	if entry.Active == "" {
		entry.Active = d.ID
	}
	return r.save()
}

// Switch makes kbID the user's active KB.
func (r *Registry) Switch(userID int64, kbID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.users[userID]
	if !ok {
		return fault.Newf(fault.NotFound, "kb: user %d has no KBs", userID)
	}
	if _, ok := entry.KBs[kbID]; !ok {
		return fault.Newf(fault.NotFound, "kb: unknown kb %q", kbID)
	}
	entry.Active = kbID
	return r.save()
}

// Active returns the user's active KB.
func (r *Registry) Active(userID int64) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.users[userID]
	if !ok || entry.Active == "" {
		return Descriptor{}, false
	}
	d, ok := entry.KBs[entry.Active]
	return d, ok
}

// Get returns one of the user's KBs by id.
func (r *Registry) Get(userID int64, kbID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.users[userID]
	if !ok {
		return Descriptor{}, false
	}
	d, ok := entry.KBs[kbID]
	return d, ok
}

// List returns all KBs attached by the user.
func (r *Registry) List(userID int64) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]Descriptor, 0, len(entry.KBs))
	for _, d := range entry.KBs {
		out = append(out, d)
	}
	return out
}

// All returns every registered KB across users (indexer rebuild scans).
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, entry := range r.users {
		for _, d := range entry.KBs {
			out = append(out, d)
		}
	}
	return out
}

// Owner returns the user a kb id belongs to.
func (r *Registry) Owner(kbID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for uid, entry := range r.users {
		if _, ok := entry.KBs[kbID]; ok {
			return uid, true
		}
	}
	return 0, false
}

// save writes the registry atomically. Caller holds r.mu.
func (r *Registry) save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(r.users, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kb registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write kb registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace kb registry: %w", err)
	}
	return nil
}
