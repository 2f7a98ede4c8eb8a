package memory

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/notemill/notemill/internal/bus"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/kb"
)

const (
	memoryCategory    = "memory"
	memorySubcategory = "general"
)

// NoteStore files memories as ordinary markdown notes in the user's
// active knowledge base, under topics/memory/. They get indexed,
// listed in index.md and synced with git like any other note.
type NoteStore struct {
	kbs *kb.Registry
	pub bus.Publisher
}

var _ Store = (*NoteStore)(nil)

// NewNoteStore builds a note-backed store. pub may be nil; when set,
// writes publish kb.* events so the content index stays current.
func NewNoteStore(kbs *kb.Registry, pub bus.Publisher) *NoteStore {
	return &NoteStore{kbs: kbs, pub: pub}
}

func (s *NoteStore) Remember(_ context.Context, userID int64, content string, tags []string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, fault.New(fault.Validation, "memory: empty content")
	}
	desc, ok := s.kbs.Active(userID)
	if !ok {
		return Entry{}, fault.New(fault.NotFound, "memory: no active knowledge base")
	}

	now := time.Now().UTC()
	title := titleFrom(content)
	rel := kb.NotePath(memoryCategory, memorySubcategory, title, now)
	full := filepath.Join(desc.RootPath, rel)
	if _, err := os.Stat(full); err == nil {
		// Same lead words filed twice today. A short random suffix
		// keeps both facts.
		rel = strings.TrimSuffix(rel, ".md") + "-" + uuid.NewString()[:6] + ".md"
		full = filepath.Join(desc.RootPath, rel)
	}

	body := kb.RenderMetadata(kb.Metadata{
		Category:    memoryCategory,
		Subcategory: memorySubcategory,
		Tags:        cleanTags(tags),
	}) + "\n# " + title + "\n\n" + content + "\n"

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Entry{}, fmt.Errorf("memory: create note dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
		return Entry{}, fmt.Errorf("memory: write note: %w", err)
	}
	s.publish(bus.TopicKBFileCreated, userID, desc.ID, rel)

	return Entry{
		ID:        noteID(rel),
		Content:   content,
		Tags:      cleanTags(tags),
		CreatedAt: now,
	}, nil
}

func (s *NoteStore) Recall(ctx context.Context, userID int64, query string, limit int) ([]Entry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fault.New(fault.Validation, "memory: empty query")
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	all, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if matches(e, query) {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *NoteStore) List(_ context.Context, userID int64) ([]Entry, error) {
	desc, ok := s.kbs.Active(userID)
	if !ok {
		return nil, fault.New(fault.NotFound, "memory: no active knowledge base")
	}
	base := filepath.Join(desc.RootPath, kb.TopicsDir, memoryCategory)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil, nil
	}

	var out []Entry
	err := filepath.WalkDir(base, func(p string, ent fs.DirEntry, err error) error {
		if err != nil || ent.IsDir() || !strings.HasSuffix(ent.Name(), ".md") {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil // raced with a delete
		}
		info, err := ent.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(desc.RootPath, p)
		if err != nil {
			return err
		}
		md := string(data)
		meta, _ := kb.ExtractMetadata(md)
		out = append(out, Entry{
			ID:        noteID(filepath.ToSlash(rel)),
			Content:   noteContent(md),
			Tags:      meta.Tags,
			CreatedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory: scan notes: %w", err)
	}
	newestFirst(out)
	return out, nil
}

func (s *NoteStore) Forget(_ context.Context, userID int64, id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return fault.Newf(fault.Validation, "memory: invalid id %q", id)
	}
	desc, ok := s.kbs.Active(userID)
	if !ok {
		return fault.New(fault.NotFound, "memory: no active knowledge base")
	}
	base := filepath.Join(desc.RootPath, kb.TopicsDir, memoryCategory)

	var rel string
	err := filepath.WalkDir(base, func(p string, ent fs.DirEntry, err error) error {
		if err != nil || ent.IsDir() {
			return err
		}
		if strings.TrimSuffix(ent.Name(), ".md") != id {
			return nil
		}
		r, err := filepath.Rel(desc.RootPath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(r)
		return fs.SkipAll
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memory: scan notes: %w", err)
	}
	if rel == "" {
		return fault.Newf(fault.NotFound, "memory: no entry %s", id)
	}

	if err := os.Remove(filepath.Join(desc.RootPath, rel)); err != nil {
		return fmt.Errorf("memory: delete note: %w", err)
	}
	s.publish(bus.TopicKBFileDeleted, userID, desc.ID, rel)
	return nil
}

func (s *NoteStore) publish(topic bus.Topic, userID int64, kbID, rel string) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(bus.Event{
		Topic:  topic,
		UserID: userID,
		KBID:   kbID,
		Path:   rel,
		Source: "memory",
	})
}

// noteID is the note's base name without the extension, unique within
// the memory tree by construction.
func noteID(rel string) string {
	return strings.TrimSuffix(path.Base(rel), ".md")
}

// titleFrom clips the first line of the fact into a note title.
func titleFrom(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	words := strings.Fields(line)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}

// noteContent strips the metadata block and the title heading, leaving
// the remembered fact as written.
func noteContent(markdown string) string {
	lines := strings.Split(markdown, "\n")
	var body []string
	inMeta := false
	seenHeading := false
	for _, line := range lines {
		t := strings.TrimSpace(line)
		switch {
		case !inMeta && strings.HasPrefix(t, "```") && strings.TrimSpace(strings.TrimPrefix(t, "```")) == "metadata":
			inMeta = true
		case inMeta:
			if strings.HasPrefix(t, "```") {
				inMeta = false
			}
		case !seenHeading && strings.HasPrefix(t, "# "):
			seenHeading = true
		default:
			body = append(body, line)
		}
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}
