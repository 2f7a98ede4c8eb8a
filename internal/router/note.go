package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/notemill/notemill/internal/agent"
	"github.com/notemill/notemill/internal/aggregator"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/kb"
	"github.com/notemill/notemill/internal/outbound"
	"github.com/notemill/notemill/internal/tracker"
)

// runNote files one message group into the knowledge base. The agent
// composes the markdown read-only; the router itself performs the write
// phase (file, tracker record, git sync) under the KB lock, so an agent
// gone off-script can never mutate anything in this mode.
func (r *Router) runNote(ctx context.Context, desc kb.Descriptor, grp aggregator.Group, p *progress) error {
	hash := tracker.HashContent(grp.Texts(), grp.AttachmentHashes())
	if r.opts.Tracker.IsProcessed(hash) {
		text := "This content is already in the knowledge base."
		if rec, ok := r.opts.Tracker.Lookup(hash); ok && rec.KBFile != "" {
			text = fmt.Sprintf("This content is already in the knowledge base: %s", rec.KBFile)
		}
		slog.Debug("router.note.duplicate", "user", grp.UserID, "hash", clip(hash, 12))
		p.finish(ctx, text, outbound.Options{})
		return nil
	}

	p.start(ctx, "Working on your note...")

	ag, err := r.opts.Agents(ctx, grp.UserID)
	if err != nil {
		return fault.Wrap(fault.KindOf(err), "router: agent unavailable", err)
	}

	inv := r.invocation(desc, grp)
	inv.ReadOnly = true
	res, err := ag.Loop.Run(ctx, agent.Task{
		RunID:      grp.ID,
		Prompt:     notePrompt(grp),
		Invocation: inv,
	})
	if err != nil {
		r.recordOutcome(ctx, hash, grp.UserID, "", err)
		return err
	}
	markdown := strings.TrimSpace(res.Answer)
	if markdown == "" {
		err := fault.New(fault.Permanent, "router: agent produced an empty note")
		r.recordOutcome(ctx, hash, grp.UserID, "", err)
		return err
	}

	path := notePath(markdown)

	var syncErr error
	err = r.opts.Locks.WithLock(ctx, desc.ID, "note write", func(ctx context.Context) error {
		writeInv := r.invocation(desc, grp)
		out := ag.Registry.Execute(ctx, "file_create", writeInv, map[string]any{
			"path":    path,
			"content": markdown,
		})
		if !out.OK && strings.Contains(out.Error, "already exists") {
			// Same title filed twice today. One retry with a stable
			// suffix keeps both notes instead of overwriting.
			path = suffixPath(path, hash[:6])
			out = ag.Registry.Execute(ctx, "file_create", writeInv, map[string]any{
				"path":    path,
				"content": markdown,
			})
		}
		if !out.OK {
			return fault.Newf(fault.Permanent, "router: note write failed: %s", out.Error)
		}
		r.recordOutcome(ctx, hash, grp.UserID, path, nil)
		syncErr = r.gitSync(ctx, desc, "Add "+path)
		return nil
	})
	if err != nil {
		r.recordOutcome(ctx, hash, grp.UserID, "", err)
		return err
	}

	text := fmt.Sprintf("Saved to `%s`.", path)
	if syncErr != nil {
		// Partial success: the commit is local and rides along with the
		// next push, so the user keeps the note either way.
		slog.Warn("router.git.sync_failed", "kb", desc.ID, "error", syncErr)
		text += "\nGit sync failed; the note is saved locally and will sync next time."
	}
	p.finish(ctx, text, outbound.Options{ParseMode: "Markdown"})
	return nil
}

// recordOutcome writes the processing record for hash. The write runs
// on its own context: the task context may already be past its deadline,
// and the outcome must land regardless. A run killed by shutdown is not
// an outcome and stays unrecorded so the content can simply be resent;
// a run killed by its own deadline failed and is recorded as such.
func (r *Router) recordOutcome(runCtx context.Context, hash string, userID int64, kbFile string, cause error) {
	if fault.KindOf(cause) == fault.Cancelled && !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return
	}
	status := tracker.StatusCompleted
	if cause != nil {
		status = tracker.StatusFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := r.opts.Tracker.Record(ctx, tracker.Record{
		ContentHash: hash,
		UserID:      userID,
		Status:      status,
		KBFile:      kbFile,
	})
	if err != nil {
		slog.Warn("router.tracker.record_failed", "hash", clip(hash, 12), "error", err)
	}
}

// notePath derives the KB-relative path for a composed note from its
// metadata block, falling back to the H1 and then the first words.
func notePath(markdown string) string {
	meta, _ := kb.ExtractMetadata(markdown)
	title := meta.Title
	if title == "" {
		title = kb.Title(markdown)
	}
	if title == "" {
		title = firstWords(markdown, 6)
	}
	return kb.NotePath(meta.Category, meta.Subcategory, title, time.Now().UTC())
}

// suffixPath appends -suffix before the extension.
func suffixPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + suffix + ext
}

// firstWords returns up to n words from the first prose line, skipping
// fenced blocks and headings.
func firstWords(markdown string, n int) string {
	sc := bufio.NewScanner(strings.NewReader(markdown))
	inFence := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			continue
		}
		if inFence || line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words := strings.Fields(line)
		if len(words) > n {
			words = words[:n]
		}
		return strings.Join(words, " ")
	}
	return ""
}

// notePrompt lays the group transcript in front of the agent with the
// composition contract: return the complete markdown note as the final
// answer, metadata block included, and write nothing yourself.
func notePrompt(grp aggregator.Group) string {
	var b strings.Builder
	b.WriteString("Turn the following chat messages into a single well-structured markdown note.\n\n")
	b.WriteString("Requirements:\n")
	b.WriteString("- Start with a ```metadata fenced block containing category, subcategory and tags lines. ")
	b.WriteString("Use kb_list_directory on topics/ first and reuse an existing category when one fits.\n")
	b.WriteString("- Follow with a single # heading that titles the note.\n")
	b.WriteString("- Keep the author's facts and links; tighten the prose, do not pad it.\n")
	b.WriteString("- Return only the finished note as your final answer. Do not create or edit any files.\n")
	writeTranscript(&b, grp, "Messages")
	return b.String()
}
