package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/notemill/notemill/internal/config"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/gitops"
	"github.com/notemill/notemill/internal/index"
	"github.com/notemill/notemill/internal/kb"
	"github.com/notemill/notemill/internal/kbsync"
	"github.com/notemill/notemill/internal/tasks"
	"github.com/notemill/notemill/internal/tracker"
)

const testUserID = int64(42)

type env struct {
	sched       *Scheduler
	mgr         *tasks.Manager
	kbs         *kb.Registry
	ix          *index.Index
	tr          *tracker.Tracker
	locks       *kbsync.Manager
	desc        kb.Descriptor
	trackerPath string
}

func newEnv(t *testing.T, jobs ...config.MaintenanceJob) *env {
	t.Helper()
	dir := t.TempDir()

	kbs, err := kb.NewRegistry(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatal(err)
	}
	desc := kb.Descriptor{ID: "main", RootPath: filepath.Join(dir, "kb-main")}
	if err := kbs.Attach(testUserID, desc); err != nil {
		t.Fatal(err)
	}

	ix, err := index.Open(filepath.Join(dir, "notes.db"), kbs)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })

	trackerPath := filepath.Join(dir, "processed.jsonl")
	tr, err := tracker.New(trackerPath)
	if err != nil {
		t.Fatal(err)
	}

	locks := kbsync.NewManager(func(kbID string) (string, bool) {
		d, ok := kbs.Get(testUserID, kbID)
		return d.RootPath, ok
	})

	mgr := tasks.NewManager(context.Background())
	t.Cleanup(func() { mgr.Stop(context.Background()) })

	e := &env{
		mgr:         mgr,
		kbs:         kbs,
		ix:          ix,
		tr:          tr,
		locks:       locks,
		desc:        desc,
		trackerPath: trackerPath,
	}
	sched, err := New(e.options(jobs...))
	if err != nil {
		t.Fatal(err)
	}
	e.sched = sched
	return e
}

func (e *env) options(jobs ...config.MaintenanceJob) Options {
	return Options{
		Jobs:    jobs,
		Tasks:   e.mgr,
		Index:   e.ix,
		KBs:     e.kbs,
		Locks:   e.locks,
		Tracker: e.tr,
	}
}

func TestNewValidatesWiring(t *testing.T) {
	e := newEnv(t)
	for name, breakIt := range map[string]func(*Options){
		"tasks":   func(o *Options) { o.Tasks = nil },
		"index":   func(o *Options) { o.Index = nil },
		"kbs":     func(o *Options) { o.KBs = nil },
		"locks":   func(o *Options) { o.Locks = nil },
		"tracker": func(o *Options) { o.Tracker = nil },
	} {
		t.Run(name, func(t *testing.T) {
			opts := e.options()
			breakIt(&opts)
			if _, err := New(opts); !fault.Is(err, fault.Validation) {
				t.Fatalf("New() err = %v, want validation", err)
			}
		})
	}
}

func TestNewRejectsBadJobs(t *testing.T) {
	e := newEnv(t)

	_, err := New(e.options(config.MaintenanceJob{Name: "defrag", Schedule: "* * * * *"}))
	if !fault.Is(err, fault.Validation) {
		t.Fatalf("unknown job err = %v, want validation", err)
	}

	_, err = New(e.options(config.MaintenanceJob{Name: "git_gc", Schedule: "every tuesday"}))
	if !fault.Is(err, fault.Validation) {
		t.Fatalf("bad schedule err = %v, want validation", err)
	}
}

func TestRunUnknownJob(t *testing.T) {
	e := newEnv(t)
	if err := e.sched.Run(context.Background(), "defrag"); !fault.Is(err, fault.Validation) {
		t.Fatalf("Run(defrag) = %v, want validation", err)
	}
}

func TestRunIndexRebuild(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	note := "```metadata\n" +
		"category: programming\n" +
		"subcategory: go\n" +
		"```\n\n" +
		"# Compact Logs\n\nRotate the journal and trim old segments.\n"
	rel := "topics/programming/go/2026-01-10-compact-logs.md"
	abs := filepath.Join(e.desc.RootPath, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(note), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.sched.Run(ctx, "index_rebuild"); err != nil {
		t.Fatalf("Run(index_rebuild): %v", err)
	}

	hits, err := e.ix.SearchContent(ctx, e.desc.ID, "journal segments", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Path != rel {
		t.Fatalf("hits = %+v, want the rebuilt note", hits)
	}

	toc, err := os.ReadFile(filepath.Join(e.desc.RootPath, kb.IndexFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(toc), "- [Compact Logs]("+rel+")") {
		t.Fatalf("index.md missing rebuilt note:\n%s", toc)
	}
}

func TestRunGitGC(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// The env KB is not git enabled; add one that is, plus one flagged
	// git enabled whose repository was never initialized.
	repoRoot := filepath.Join(filepath.Dir(e.desc.RootPath), "kb-repo")
	if err := e.kbs.Attach(testUserID, kb.Descriptor{ID: "repo", RootPath: repoRoot, GitEnabled: true}); err != nil {
		t.Fatal(err)
	}
	bareRoot := filepath.Join(filepath.Dir(e.desc.RootPath), "kb-bare")
	if err := e.kbs.Attach(testUserID, kb.Descriptor{ID: "bare", RootPath: bareRoot, GitEnabled: true}); err != nil {
		t.Fatal(err)
	}

	if err := gitops.Init(repoRoot); err != nil {
		t.Fatal(err)
	}
	svc, err := gitops.Open(gitops.Options{Root: repoRoot, KBID: "repo"})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, "note.md"), []byte("# Seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CommitAll(ctx, "seed"); err != nil {
		t.Fatal(err)
	}

	if err := e.sched.Run(ctx, "git_gc"); err != nil {
		t.Fatalf("Run(git_gc): %v", err)
	}

	packs, err := os.ReadDir(filepath.Join(repoRoot, ".git", "objects", "pack"))
	if err != nil {
		t.Fatal(err)
	}
	if len(packs) == 0 {
		t.Fatal("repack wrote no packfile")
	}
}

func TestRunTrackerCompact(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	h1 := tracker.HashContent([]string{"alpha"}, nil)
	h2 := tracker.HashContent([]string{"beta"}, nil)
	for _, rec := range []tracker.Record{
		{ContentHash: h1, UserID: 1, Status: tracker.StatusCompleted},
		{ContentHash: h1, UserID: 1, Status: tracker.StatusFailed},
		{ContentHash: h2, UserID: 1, Status: tracker.StatusCompleted},
	} {
		if err := e.tr.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.sched.Run(ctx, "tracker_compact"); err != nil {
		t.Fatalf("Run(tracker_compact): %v", err)
	}

	data, err := os.ReadFile(e.trackerPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Fatalf("compacted log has %d lines, want 2", got)
	}

	reopened, err := tracker.New(e.trackerPath)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reopened.Len())
	}
	// The completed record wins over the later failure.
	if !reopened.IsProcessed(h1) {
		t.Fatal("compaction dropped the completed record")
	}
}

func TestStartRegistersTrackedTasks(t *testing.T) {
	e := newEnv(t,
		config.MaintenanceJob{Name: "index_rebuild", Schedule: "0 4 * * *"},
		config.MaintenanceJob{Name: "git_gc", Schedule: "30 4 * * 0"},
	)

	if err := e.sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, id := range []string{"maintenance_index_rebuild", "maintenance_git_gc"} {
		if _, ok := e.mgr.Get(id); !ok {
			t.Fatalf("task %s not registered", id)
		}
	}

	// Schedules block until their next tick; stopping the manager must
	// end them promptly via context cancellation.
	if err := e.mgr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
