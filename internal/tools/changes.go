package tools

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/notemill/notemill/internal/bus"
)

// ChangeKind classifies one successful KB mutation.
type ChangeKind string

const (
	ChangeFileCreated   ChangeKind = "file_created"
	ChangeFileModified  ChangeKind = "file_modified"
	ChangeFileDeleted   ChangeKind = "file_deleted"
	ChangeFileMoved     ChangeKind = "file_moved"
	ChangeFolderCreated ChangeKind = "folder_created"
	ChangeFolderDeleted ChangeKind = "folder_deleted"
	ChangeFolderMoved   ChangeKind = "folder_moved"
)

// Change records one mutation. Paths are KB-relative; From is set for
// moves only.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Path string     `json:"path"`
	From string     `json:"from,omitempty"`
}

// ChangeTracker accumulates the mutations of one run and mirrors each
// onto the event bus. Handlers record only after the filesystem
// operation succeeded, so subscribers never see phantom changes. All
// methods are safe on a nil receiver, so handlers need no guard.
type ChangeTracker struct {
	pub    bus.Publisher
	userID int64
	kbID   string
	source string

	mu      sync.Mutex
	changes []Change
}

// NewChangeTracker builds a tracker for one run. pub may be nil; the
// tracker then only accumulates.
func NewChangeTracker(pub bus.Publisher, userID int64, kbID, source string) *ChangeTracker {
	return &ChangeTracker{pub: pub, userID: userID, kbID: kbID, source: source}
}

// Record notes one mutation and publishes its bus event.
func (t *ChangeTracker) Record(kind ChangeKind, path string) {
	if t == nil {
		return
	}
	t.append(Change{Kind: kind, Path: path})
	switch kind {
	case ChangeFileCreated:
		t.publish(bus.TopicKBFileCreated, path, nil)
	case ChangeFileModified:
		t.publish(bus.TopicKBFileModified, path, nil)
	case ChangeFileDeleted:
		t.publish(bus.TopicKBFileDeleted, path, nil)
	case ChangeFolderCreated:
		t.publish(bus.TopicKBFolderCreated, path, nil)
	case ChangeFolderDeleted:
		t.publish(bus.TopicKBFolderDeleted, path, nil)
	}
}

// RecordFileMove notes a file rename. The bus has no file-move topic;
// subscribers see a delete at the old path and a create at the new one.
func (t *ChangeTracker) RecordFileMove(from, to string) {
	if t == nil {
		return
	}
	t.append(Change{Kind: ChangeFileMoved, Path: to, From: from})
	t.publish(bus.TopicKBFileDeleted, from, nil)
	t.publish(bus.TopicKBFileCreated, to, nil)
}

// RecordFolderMove notes a folder rename.
func (t *ChangeTracker) RecordFolderMove(from, to string) {
	if t == nil {
		return
	}
	t.append(Change{Kind: ChangeFolderMoved, Path: to, From: from})
	t.publish(bus.TopicKBFolderMoved, to, map[string]any{"from": from})
}

// Snapshot returns a copy of the changes recorded so far.
func (t *ChangeTracker) Snapshot() []Change {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Change, len(t.changes))
	copy(out, t.changes)
	return out
}

// Empty reports whether the run mutated anything.
func (t *ChangeTracker) Empty() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes) == 0
}

// Summary renders the changes as one human-readable line per entry,
// suitable for replies and commit messages.
func (t *ChangeTracker) Summary() string {
	changes := t.Snapshot()
	if len(changes) == 0 {
		return ""
	}
	lines := make([]string, 0, len(changes))
	for _, c := range changes {
		switch c.Kind {
		case ChangeFileCreated:
			lines = append(lines, "create "+c.Path)
		case ChangeFileModified:
			lines = append(lines, "edit "+c.Path)
		case ChangeFileDeleted:
			lines = append(lines, "delete "+c.Path)
		case ChangeFileMoved, ChangeFolderMoved:
			lines = append(lines, fmt.Sprintf("move %s -> %s", c.From, c.Path))
		case ChangeFolderCreated:
			lines = append(lines, "create "+c.Path+"/")
		case ChangeFolderDeleted:
			lines = append(lines, "delete "+c.Path+"/")
		default:
			lines = append(lines, string(c.Kind)+" "+c.Path)
		}
	}
	return strings.Join(lines, "\n")
}

func (t *ChangeTracker) append(c Change) {
	t.mu.Lock()
	t.changes = append(t.changes, c)
	t.mu.Unlock()
}

func (t *ChangeTracker) publish(topic bus.Topic, path string, data map[string]any) {
	if t.pub == nil {
		return
	}
	t.pub.Publish(bus.Event{
		Topic:  topic,
		UserID: t.userID,
		KBID:   t.kbID,
		Path:   path,
		Source: t.source,
		Time:   time.Now(),
		Data:   data,
	})
}
