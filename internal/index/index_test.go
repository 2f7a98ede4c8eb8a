package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/notemill/notemill/internal/bus"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/kb"
)

const testUserID = int64(42)

const goNote = "```metadata\n" +
	"category: programming\n" +
	"subcategory: go\n" +
	"tags: testing, tables\n" +
	"```\n\n" +
	"# Table Driven Tests\n\n" +
	"Subtests with t.Run keep cases isolated.\n"

func newTestIndex(t *testing.T) (*Index, *kb.Registry, kb.Descriptor) {
	t.Helper()
	dir := t.TempDir()
	kbs, err := kb.NewRegistry(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	desc := kb.Descriptor{ID: "main", RootPath: filepath.Join(dir, "kb-main")}
	if err := kbs.Attach(testUserID, desc); err != nil {
		t.Fatalf("attach kb: %v", err)
	}
	ix, err := Open(filepath.Join(dir, "notes.db"), kbs)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix, kbs, desc
}

func writeNote(t *testing.T, desc kb.Descriptor, rel, content string) {
	t.Helper()
	full := filepath.Join(desc.RootPath, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func count(t *testing.T, ix *Index, kbID string) int {
	t.Helper()
	n, err := ix.NoteCount(context.Background(), kbID)
	if err != nil {
		t.Fatalf("note count: %v", err)
	}
	return n
}

func TestIndexFileAndSearch(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	ctx := context.Background()
	rel := "topics/programming/go/2026-01-02-tables.md"
	writeNote(t, desc, rel, goNote)

	if err := ix.IndexFile(ctx, desc, rel); err != nil {
		t.Fatalf("index file: %v", err)
	}
	if got := count(t, ix, desc.ID); got != 1 {
		t.Fatalf("note count = %d, want 1", got)
	}

	hits, err := ix.SearchContent(ctx, desc.ID, "subtests isolated", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Path != rel {
		t.Errorf("hit path = %q, want %q", hits[0].Path, rel)
	}
	if hits[0].Title != "Table Driven Tests" {
		t.Errorf("hit title = %q", hits[0].Title)
	}
	if !strings.Contains(hits[0].Snippet, "isolated") {
		t.Errorf("snippet %q does not show the match", hits[0].Snippet)
	}
}

func TestIndexFileIgnoresNonNotes(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	ctx := context.Background()
	writeNote(t, desc, "topics/scratch.txt", "not markdown")
	writeNote(t, desc, "inbox/draft.md", "# Outside topics")

	for _, rel := range []string{"topics/scratch.txt", "inbox/draft.md"} {
		if err := ix.IndexFile(ctx, desc, rel); err != nil {
			t.Fatalf("index %s: %v", rel, err)
		}
	}
	if got := count(t, ix, desc.ID); got != 0 {
		t.Fatalf("note count = %d, want 0", got)
	}
}

func TestIndexFileDropsVanishedNote(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	ctx := context.Background()
	rel := "topics/misc/general/2026-01-02-gone.md"
	writeNote(t, desc, rel, "# Gone Soon\n\nShort lived.\n")
	if err := ix.IndexFile(ctx, desc, rel); err != nil {
		t.Fatalf("index file: %v", err)
	}

	os.Remove(filepath.Join(desc.RootPath, filepath.FromSlash(rel)))
	if err := ix.IndexFile(ctx, desc, rel); err != nil {
		t.Fatalf("reindex vanished file: %v", err)
	}
	if got := count(t, ix, desc.ID); got != 0 {
		t.Fatalf("stale row survived, count = %d", got)
	}
}

func TestIndexFileUpsertReplaces(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	ctx := context.Background()
	rel := "topics/misc/general/2026-01-02-draft.md"
	writeNote(t, desc, rel, "# Draft\n\nFirst version mentions zeppelins.\n")
	if err := ix.IndexFile(ctx, desc, rel); err != nil {
		t.Fatalf("index file: %v", err)
	}
	writeNote(t, desc, rel, "# Draft\n\nSecond version mentions submarines.\n")
	if err := ix.IndexFile(ctx, desc, rel); err != nil {
		t.Fatalf("reindex file: %v", err)
	}

	if got := count(t, ix, desc.ID); got != 1 {
		t.Fatalf("note count = %d, want 1", got)
	}
	if hits, _ := ix.SearchContent(ctx, desc.ID, "zeppelins", 5); len(hits) != 0 {
		t.Errorf("old body still searchable: %+v", hits)
	}
	hits, err := ix.SearchContent(ctx, desc.ID, "submarines", 5)
	if err != nil || len(hits) != 1 {
		t.Fatalf("new body not searchable: hits=%v err=%v", hits, err)
	}
}

func TestSearchScopedToKB(t *testing.T) {
	ix, kbs, main := newTestIndex(t)
	ctx := context.Background()
	work := kb.Descriptor{ID: "work", RootPath: filepath.Join(filepath.Dir(main.RootPath), "kb-work")}
	if err := kbs.Attach(testUserID, work); err != nil {
		t.Fatalf("attach second kb: %v", err)
	}

	rel := "topics/misc/general/2026-01-02-note.md"
	writeNote(t, main, rel, "# Home\n\nThe shared keyword is heliotrope.\n")
	writeNote(t, work, rel, "# Work\n\nThe shared keyword is heliotrope.\n")
	if err := ix.IndexFile(ctx, main, rel); err != nil {
		t.Fatal(err)
	}
	if err := ix.IndexFile(ctx, work, rel); err != nil {
		t.Fatal(err)
	}

	hits, err := ix.SearchContent(ctx, "work", "heliotrope", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "Work" {
		t.Fatalf("search leaked across KBs: %+v", hits)
	}
}

func TestSearchEmptyQueryFails(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	_, err := ix.SearchContent(context.Background(), desc.ID, "   ", 5)
	if err == nil {
		t.Fatal("expected an error for a blank query")
	}
	if kind := fault.KindOf(err); kind != fault.Validation {
		t.Errorf("error kind = %v, want Validation", kind)
	}
}

func TestSearchToleratesPunctuation(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	ctx := context.Background()
	rel := "topics/programming/c/2026-01-02-strings.md"
	writeNote(t, desc, rel, "# C Strings\n\nC-style strings need unbalanced care NOT AND OR NEAR.\n")
	if err := ix.IndexFile(ctx, desc, rel); err != nil {
		t.Fatalf("index file: %v", err)
	}

	queries := []string{"c-style strings", `"unbalanced`, "NOT AND OR NEAR"}
	for _, q := range queries {
		hits, err := ix.SearchContent(ctx, desc.ID, q, 5)
		if err != nil {
			t.Fatalf("search %q: %v", q, err)
		}
		if len(hits) != 1 {
			t.Errorf("search %q: got %d hits, want 1", q, len(hits))
		}
	}
}

func TestRemoveTreeKeepsSiblingPrefix(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	ctx := context.Background()
	writeNote(t, desc, "topics/go/2026-01-02-a.md", "# A\n\nalpha\n")
	writeNote(t, desc, "topics/golang/2026-01-02-b.md", "# B\n\nbeta\n")
	for _, rel := range []string{"topics/go/2026-01-02-a.md", "topics/golang/2026-01-02-b.md"} {
		if err := ix.IndexFile(ctx, desc, rel); err != nil {
			t.Fatal(err)
		}
	}

	if err := ix.RemoveTree(ctx, desc.ID, "topics/go"); err != nil {
		t.Fatalf("remove tree: %v", err)
	}
	if got := count(t, ix, desc.ID); got != 1 {
		t.Fatalf("note count = %d, want 1", got)
	}
	hits, err := ix.SearchContent(ctx, desc.ID, "beta", 5)
	if err != nil || len(hits) != 1 {
		t.Fatalf("sibling folder was dropped too: hits=%v err=%v", hits, err)
	}
}

func TestRebuildKBReplacesStaleRows(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	ctx := context.Background()

	stale := "topics/misc/general/2026-01-02-stale.md"
	writeNote(t, desc, stale, "# Stale\n\nWill be deleted on disk.\n")
	if err := ix.IndexFile(ctx, desc, stale); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(desc.RootPath, filepath.FromSlash(stale)))

	fresh := "topics/programming/go/2026-01-03-fresh.md"
	writeNote(t, desc, fresh, "# Fresh\n\nNever indexed until the rebuild.\n")

	if err := ix.RebuildKB(ctx, desc); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := count(t, ix, desc.ID); got != 1 {
		t.Fatalf("note count = %d, want 1", got)
	}
	if hits, _ := ix.SearchContent(ctx, desc.ID, "stale", 5); len(hits) != 0 {
		t.Errorf("stale row survived the rebuild: %+v", hits)
	}

	data, err := os.ReadFile(filepath.Join(desc.RootPath, kb.IndexFile))
	if err != nil {
		t.Fatalf("read index.md: %v", err)
	}
	if !strings.Contains(string(data), "- [Fresh]("+fresh+")") {
		t.Errorf("index.md missing the fresh note:\n%s", data)
	}
}

func TestRebuildCoversAllKBs(t *testing.T) {
	ix, kbs, main := newTestIndex(t)
	ctx := context.Background()
	work := kb.Descriptor{ID: "work", RootPath: filepath.Join(filepath.Dir(main.RootPath), "kb-work")}
	if err := kbs.Attach(testUserID, work); err != nil {
		t.Fatal(err)
	}
	writeNote(t, main, "topics/misc/general/2026-01-02-m.md", "# M\n\nmain note\n")
	writeNote(t, work, "topics/misc/general/2026-01-02-w.md", "# W\n\nwork note\n")

	if err := ix.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild all: %v", err)
	}
	if got := count(t, ix, "main"); got != 1 {
		t.Errorf("main count = %d, want 1", got)
	}
	if got := count(t, ix, "work"); got != 1 {
		t.Errorf("work count = %d, want 1", got)
	}
}

func TestWriteIndexMDStructure(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	ctx := context.Background()

	notes := map[string]string{
		"topics/cooking/2026-01-01-pasta.md":         "# Pasta\n\nFresh egg pasta basics.\n",
		"topics/programming/go/2026-01-02-tables.md": goNote,
		"topics/programming/go/2026-01-03-errs.md":   "# Error Wrapping\n\nUse %w.\n",
	}
	for rel, content := range notes {
		writeNote(t, desc, rel, content)
		if err := ix.IndexFile(ctx, desc, rel); err != nil {
			t.Fatal(err)
		}
	}

	if err := ix.WriteIndexMD(ctx, desc); err != nil {
		t.Fatalf("write index.md: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(desc.RootPath, kb.IndexFile))
	if err != nil {
		t.Fatalf("read index.md: %v", err)
	}
	got := string(data)

	for _, want := range []string{
		"# Index",
		"## cooking",
		"## programming",
		"### go",
		"- [Pasta](topics/cooking/2026-01-01-pasta.md)",
		"- [Error Wrapping](topics/programming/go/2026-01-03-errs.md)",
		"- [Table Driven Tests](topics/programming/go/2026-01-02-tables.md)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("index.md missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "## cooking") > strings.Index(got, "## programming") {
		t.Errorf("categories out of order:\n%s", got)
	}
}

func TestWriteIndexMDEmptyKB(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	if err := ix.WriteIndexMD(context.Background(), desc); err != nil {
		t.Fatalf("write index.md: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(desc.RootPath, kb.IndexFile))
	if err != nil {
		t.Fatalf("read index.md: %v", err)
	}
	if got, want := string(data), "# Index\n\nNo notes yet.\n"; got != want {
		t.Errorf("index.md = %q, want %q", got, want)
	}
}

func TestSubscribeAppliesFileEvents(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	b := bus.New()
	cancel := ix.Subscribe(b)
	defer cancel()

	rel := "topics/misc/general/2026-01-02-live.md"
	writeNote(t, desc, rel, "# Live\n\nFirst take.\n")
	b.Publish(bus.Event{Topic: bus.TopicKBFileCreated, UserID: testUserID, KBID: desc.ID, Path: rel})
	if got := count(t, ix, desc.ID); got != 1 {
		t.Fatalf("after created event: count = %d, want 1", got)
	}
	data, _ := os.ReadFile(filepath.Join(desc.RootPath, kb.IndexFile))
	if !strings.Contains(string(data), "- [Live]("+rel+")") {
		t.Errorf("index.md not refreshed:\n%s", data)
	}

	writeNote(t, desc, rel, "# Live\n\nSecond take mentions marmots.\n")
	b.Publish(bus.Event{Topic: bus.TopicKBFileModified, UserID: testUserID, KBID: desc.ID, Path: rel})
	hits, err := ix.SearchContent(context.Background(), desc.ID, "marmots", 5)
	if err != nil || len(hits) != 1 {
		t.Fatalf("modified event not applied: hits=%v err=%v", hits, err)
	}

	b.Publish(bus.Event{Topic: bus.TopicKBFileDeleted, UserID: testUserID, KBID: desc.ID, Path: rel})
	if got := count(t, ix, desc.ID); got != 0 {
		t.Fatalf("after deleted event: count = %d, want 0", got)
	}
}

func TestSubscribeHandlesFolderMove(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	b := bus.New()
	cancel := ix.Subscribe(b)
	defer cancel()

	rel := "topics/projects/alpha/2026-01-02-plan.md"
	writeNote(t, desc, rel, "# Alpha Plan\n\nRoadmap for the alpha launch.\n")
	b.Publish(bus.Event{Topic: bus.TopicKBFileCreated, UserID: testUserID, KBID: desc.ID, Path: rel})

	// Move the folder on disk the way the folder_move tool does, then
	// announce it.
	oldDir := filepath.Join(desc.RootPath, "topics", "projects", "alpha")
	newDir := filepath.Join(desc.RootPath, "topics", "archive", "alpha")
	if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		t.Fatal(err)
	}
	b.Publish(bus.Event{
		Topic:  bus.TopicKBFolderMoved,
		UserID: testUserID,
		KBID:   desc.ID,
		Path:   "topics/archive/alpha",
		Data:   map[string]any{"from": "topics/projects/alpha"},
	})

	if got := count(t, ix, desc.ID); got != 1 {
		t.Fatalf("after move: count = %d, want 1", got)
	}
	hits, err := ix.SearchContent(context.Background(), desc.ID, "roadmap", 5)
	if err != nil || len(hits) != 1 {
		t.Fatalf("moved note lost: hits=%v err=%v", hits, err)
	}
	if want := "topics/archive/alpha/2026-01-02-plan.md"; hits[0].Path != want {
		t.Errorf("hit path = %q, want %q", hits[0].Path, want)
	}
	// The category column derives from the path, so the rescan must
	// refile the note under its new section.
	data, _ := os.ReadFile(filepath.Join(desc.RootPath, kb.IndexFile))
	if !strings.Contains(string(data), "## archive") {
		t.Errorf("index.md kept the old section:\n%s", data)
	}
}

func TestSubscribeRebuildsOnGitPull(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	b := bus.New()
	cancel := ix.Subscribe(b)
	defer cancel()

	writeNote(t, desc, "topics/misc/general/2026-01-02-pulled.md", "# Pulled\n\nArrived via git.\n")
	// Maintenance publishes without a user id; the owner lookup fills
	// it in.
	b.Publish(bus.Event{Topic: bus.TopicKBGitPull, KBID: desc.ID})

	if got := count(t, ix, desc.ID); got != 1 {
		t.Fatalf("after pull event: count = %d, want 1", got)
	}
}

func TestSubscribeIgnoresUnknownKB(t *testing.T) {
	ix, _, desc := newTestIndex(t)
	b := bus.New()
	cancel := ix.Subscribe(b)
	defer cancel()

	b.Publish(bus.Event{Topic: bus.TopicKBFileCreated, UserID: testUserID, KBID: "ghost", Path: "topics/a/b.md"})
	b.Publish(bus.Event{Topic: bus.TopicKBFolderMoved, UserID: testUserID, KBID: "ghost", Path: "topics/x"})
	if got := count(t, ix, desc.ID); got != 0 {
		t.Fatalf("unknown KB mutated the index: count = %d", got)
	}
}
