package kb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// TopicsDir is the only agent-writable subtree under a topics-only policy.
	TopicsDir = "topics"
	// IndexFile is the generated per-KB table of contents.
	IndexFile = "index.md"
	// LockFileName is the on-disk lock held by the sync manager.
	LockFileName = ".lock"
)

// EnsureLayout creates the conventional KB skeleton under root.
func EnsureLayout(root string) error {
	if err := os.MkdirAll(filepath.Join(root, TopicsDir), 0o755); err != nil {
		return fmt.Errorf("create topics dir: %w", err)
	}
	indexPath := filepath.Join(root, IndexFile)
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		if err := os.WriteFile(indexPath, []byte("# Index\n\nNo notes yet.\n"), 0o644); err != nil {
			return fmt.Errorf("create index file: %w", err)
		}
	}
	return nil
}

// LockPath returns the sync manager's lock file for a KB root.
func LockPath(root string) string { return filepath.Join(root, LockFileName) }

// NotePath builds the KB-relative path for a new note:
// topics/<category>/<subcategory>/YYYY-MM-DD-<slug>.md.
// Empty category falls back to "misc"; empty subcategory to "general".
func NotePath(category, subcategory, slug string, date time.Time) string {
	category = Slugify(category)
	if category == "" {
		category = "misc"
	}
	subcategory = Slugify(subcategory)
	if subcategory == "" {
		subcategory = "general"
	}
	slug = Slugify(slug)
	if slug == "" {
		slug = "note"
	}
	name := fmt.Sprintf("%s-%s.md", date.Format("2006-01-02"), slug)
	return filepath.Join(TopicsDir, category, subcategory, name)
}

// Slugify lowers a title into a safe path segment: letters, digits and
// hyphens only, runs collapsed.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // trim leading hyphens
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
