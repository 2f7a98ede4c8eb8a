package index

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/notemill/notemill/internal/bus"
	"github.com/notemill/notemill/internal/kb"
)

// handlerTimeout bounds index updates triggered by bus events. Bus
// handlers receive no context, so each one derives its own.
const handlerTimeout = 30 * time.Second

// Subscribe wires the index to KB change events. Handlers run
// synchronously on the publishing goroutine, which for file events is
// the one holding the KB lock, so per-KB updates are already
// serialized. The returned function unsubscribes everything.
func (ix *Index) Subscribe(b *bus.Bus) func() {
	cancels := []func(){
		b.Subscribe(bus.TopicKBFileCreated, ix.onFileChanged),
		b.Subscribe(bus.TopicKBFileModified, ix.onFileChanged),
		b.Subscribe(bus.TopicKBFileDeleted, ix.onFileDeleted),
		b.Subscribe(bus.TopicKBFolderDeleted, ix.onFolderDeleted),
		b.Subscribe(bus.TopicKBFolderMoved, ix.onFolderMoved),
		b.Subscribe(bus.TopicKBGitPull, ix.onGitPull),
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

func (ix *Index) onFileChanged(evt bus.Event) {
	d, ok := ix.descriptor(evt)
	if !ok || !indexable(evt.Path) {
		return
	}
	ctx, cancel := handlerCtx()
	defer cancel()
	if err := ix.IndexFile(ctx, d, evt.Path); err != nil {
		slog.Warn("index.update_failed", "kb", evt.KBID, "path", evt.Path, "error", err)
		return
	}
	ix.refreshIndexMD(ctx, d)
}

func (ix *Index) onFileDeleted(evt bus.Event) {
	d, ok := ix.descriptor(evt)
	if !ok || !indexable(evt.Path) {
		return
	}
	ctx, cancel := handlerCtx()
	defer cancel()
	if err := ix.Remove(ctx, d.ID, evt.Path); err != nil {
		slog.Warn("index.remove_failed", "kb", evt.KBID, "path", evt.Path, "error", err)
		return
	}
	ix.refreshIndexMD(ctx, d)
}

func (ix *Index) onFolderDeleted(evt bus.Event) {
	d, ok := ix.descriptor(evt)
	if !ok || !underTopics(evt.Path) {
		return
	}
	ctx, cancel := handlerCtx()
	defer cancel()
	if err := ix.RemoveTree(ctx, d.ID, evt.Path); err != nil {
		slog.Warn("index.remove_failed", "kb", evt.KBID, "path", evt.Path, "error", err)
		return
	}
	ix.refreshIndexMD(ctx, d)
}

// onFolderMoved drops the rows under the old prefix and rescans the
// destination from disk. A plain row rename would keep stale category
// columns, which are derived from the path.
func (ix *Index) onFolderMoved(evt bus.Event) {
	d, ok := ix.descriptor(evt)
	if !ok {
		return
	}
	from, _ := evt.Data["from"].(string)
	ctx, cancel := handlerCtx()
	defer cancel()
	if from != "" && underTopics(from) {
		if err := ix.RemoveTree(ctx, d.ID, from); err != nil {
			slog.Warn("index.remove_failed", "kb", evt.KBID, "path", from, "error", err)
			return
		}
	}
	if underTopics(evt.Path) {
		if err := ix.indexTree(ctx, d, evt.Path); err != nil {
			slog.Warn("index.update_failed", "kb", evt.KBID, "path", evt.Path, "error", err)
			return
		}
	}
	ix.refreshIndexMD(ctx, d)
}

// onGitPull rebuilds the whole KB. A pull can touch anything.
func (ix *Index) onGitPull(evt bus.Event) {
	d, ok := ix.descriptor(evt)
	if !ok {
		return
	}
	ctx, cancel := handlerCtx()
	defer cancel()
	if err := ix.RebuildKB(ctx, d); err != nil {
		slog.Warn("index.rebuild_failed", "kb", evt.KBID, "error", err)
	}
}

func (ix *Index) refreshIndexMD(ctx context.Context, d kb.Descriptor) {
	if err := ix.WriteIndexMD(ctx, d); err != nil {
		slog.Warn("index.toc_failed", "kb", d.ID, "error", err)
	}
}

// descriptor resolves the event's KB. Events from maintenance jobs may
// omit the user id, in which case the registry's owner mapping fills
// it in.
func (ix *Index) descriptor(evt bus.Event) (kb.Descriptor, bool) {
	if evt.KBID == "" {
		return kb.Descriptor{}, false
	}
	if d, ok := ix.kbs.Get(evt.UserID, evt.KBID); ok {
		return d, true
	}
	if uid, ok := ix.kbs.Owner(evt.KBID); ok {
		return ix.kbs.Get(uid, evt.KBID)
	}
	return kb.Descriptor{}, false
}

func handlerCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

func underTopics(rel string) bool {
	return rel == kb.TopicsDir || strings.HasPrefix(rel, kb.TopicsDir+"/")
}
