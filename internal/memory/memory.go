// Package memory keeps durable per-user facts the agent carries across
// conversations: stable preferences, recurring context, things the user
// asked it to keep in mind. Two backends implement the same port and
// the memory.backend config key picks exactly one; they are never
// mixed.
package memory

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Entry is one remembered fact.
type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the memory port. Recall is a keyword match over content and
// tags, newest entries first.
type Store interface {
	Remember(ctx context.Context, userID int64, content string, tags []string) (Entry, error)
	Recall(ctx context.Context, userID int64, query string, limit int) ([]Entry, error)
	List(ctx context.Context, userID int64) ([]Entry, error)
	Forget(ctx context.Context, userID int64, id string) error
}

const defaultRecallLimit = 10

// matches reports whether every query token appears in the entry's
// content or tags, case-insensitively.
func matches(e Entry, query string) bool {
	hay := strings.ToLower(e.Content + " " + strings.Join(e.Tags, " "))
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if !strings.Contains(hay, tok) {
			return false
		}
	}
	return true
}

// newestFirst orders entries by creation time, newest first, with the
// id as a deterministic tie-break.
func newestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

// cleanTags trims tags and drops empty ones.
func cleanTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
