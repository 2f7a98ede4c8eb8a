// Package router turns closed message groups into agent tasks. The
// user's current mode picks the flow: note files the group into the
// knowledge base, ask answers from it read-only, agent gives the model
// full tool privileges. At most one task runs per (user, kb); groups
// arriving meanwhile queue FIFO behind it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/notemill/notemill/internal/agent"
	"github.com/notemill/notemill/internal/aggregator"
	"github.com/notemill/notemill/internal/bus"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/kb"
	"github.com/notemill/notemill/internal/kbsync"
	"github.com/notemill/notemill/internal/outbound"
	"github.com/notemill/notemill/internal/tools"
	"github.com/notemill/notemill/internal/tracker"
)

// DefaultTaskTimeout bounds one task end to end.
const DefaultTaskTimeout = 5 * time.Minute

// Agent bundles what one user's runs need: the loop and the registry it
// executes tools through, the user's MCP tools included.
type Agent struct {
	Loop     *agent.Loop
	Registry *tools.Registry
}

// GitSyncer is the slice of gitops the router uses after a write phase.
type GitSyncer interface {
	Sync(ctx context.Context, message string) (string, error)
}

// Options wire the router's collaborators.
type Options struct {
	// Modes returns the user's current processing mode.
	Modes func(userID int64) Mode
	// Agents returns the user's agent bundle, building it on first use.
	Agents func(ctx context.Context, userID int64) (Agent, error)

	KBs     *kb.Registry
	Tracker *tracker.Tracker
	Locks   *kbsync.Manager
	// Bot is the throttled, retrying outbound adapter; transient delivery
	// failures are retried there, never by re-running the task.
	Bot outbound.Port
	// Bus receives the kb.* events of tracked changes. May be nil.
	Bus bus.Publisher
	// Git opens a sync handle for a KB. Nil disables commit and push.
	Git func(d kb.Descriptor) (GitSyncer, error)

	// TopicsOnly confines agent writes to the topics/ subtree.
	TopicsOnly bool
	// TaskTimeout bounds one task. Zero means DefaultTaskTimeout.
	TaskTimeout time.Duration
}

type queued struct {
	desc kb.Descriptor
	grp  aggregator.Group
}

type gate struct {
	mu     sync.Mutex
	active bool
	queue  []queued
}

// Router dispatches message groups. Safe for concurrent use.
type Router struct {
	opts  Options
	mu    sync.Mutex
	gates map[string]*gate
}

// New validates the wiring and returns a Router.
func New(opts Options) (*Router, error) {
	switch {
	case opts.Modes == nil:
		return nil, fault.New(fault.Validation, "router: nil mode lookup")
	case opts.Agents == nil:
		return nil, fault.New(fault.Validation, "router: nil agent source")
	case opts.KBs == nil:
		return nil, fault.New(fault.Validation, "router: nil kb registry")
	case opts.Tracker == nil:
		return nil, fault.New(fault.Validation, "router: nil tracker")
	case opts.Locks == nil:
		return nil, fault.New(fault.Validation, "router: nil kb lock manager")
	case opts.Bot == nil:
		return nil, fault.New(fault.Validation, "router: nil outbound port")
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	return &Router{opts: opts, gates: make(map[string]*gate)}, nil
}

// HandleGroup is the aggregator's delivery callback. It resolves the
// user's active KB and runs the group as a task, or queues it when a
// task is already running for that (user, kb). Queued groups run in
// arrival order on the goroutine that holds the gate; their mode is
// consulted when they start, not when they were queued.
func (r *Router) HandleGroup(ctx context.Context, grp aggregator.Group) error {
	if len(grp.Messages) == 0 {
		return nil
	}
	desc, ok := r.opts.KBs.Active(grp.UserID)
	if !ok {
		r.sendText(ctx, grp, "No knowledge base is attached yet. Use /start to set one up.")
		return nil
	}

	g := r.gateFor(fmt.Sprintf("%d/%s", grp.UserID, desc.ID))

	g.mu.Lock()
	if g.active {
		g.queue = append(g.queue, queued{desc: desc, grp: grp})
		depth := len(g.queue)
		g.mu.Unlock()
		slog.Debug("router.queued", "user", grp.UserID, "kb", desc.ID, "depth", depth)
		return nil
	}
	g.active = true
	g.mu.Unlock()

	for {
		r.runGroup(ctx, desc, grp)

		g.mu.Lock()
		if err := ctx.Err(); err != nil {
			if n := len(g.queue); n > 0 {
				slog.Warn("router.queue.dropped", "user", grp.UserID, "kb", desc.ID, "groups", n)
			}
			g.queue = nil
			g.active = false
			g.mu.Unlock()
			return fault.Wrap(fault.Cancelled, "router.handle", err)
		}
		if len(g.queue) == 0 {
			g.active = false
			g.mu.Unlock()
			return nil
		}
		next := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()
		desc, grp = next.desc, next.grp
	}
}

func (r *Router) gateFor(key string) *gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[key]
	if !ok {
		g = &gate{}
		r.gates[key] = g
	}
	return g
}

// runGroup executes one task under the task timeout. Failures are
// reported to the user exactly once, then logged; the gate loop always
// continues to the next queued group.
func (r *Router) runGroup(ctx context.Context, desc kb.Descriptor, grp aggregator.Group) {
	mode := r.opts.Modes(grp.UserID)
	p := &progress{bot: r.opts.Bot, chatID: grp.ChatID()}

	tctx, cancel := context.WithTimeout(ctx, r.opts.TaskTimeout)
	defer cancel()

	start := time.Now()
	slog.Info("router.task.started",
		"user", grp.UserID,
		"kb", desc.ID,
		"mode", mode.String(),
		"group", grp.ID,
		"messages", len(grp.Messages))

	var err error
	switch mode {
	case ModeNote:
		err = r.runNote(tctx, desc, grp, p)
	case ModeAsk:
		err = r.runAsk(tctx, desc, grp, p)
	case ModeAgent:
		err = r.runAgent(tctx, desc, grp, p)
	default:
		err = fault.Newf(fault.Validation, "router: invalid mode %d", mode)
	}

	// The loop reports any dead context as Cancelled. When it was our own
	// deadline, the user-facing cause is a timeout.
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		err = fault.Wrap(fault.Timeout, "router: task timed out", err)
	}

	if err != nil {
		slog.Warn("router.task.failed",
			"user", grp.UserID,
			"kb", desc.ID,
			"mode", mode.String(),
			"kind", fault.KindOf(err).String(),
			"elapsed", time.Since(start),
			"error", err)
		// The error notice goes out on the parent context: tctx may be
		// the very deadline that failed the task.
		if text := userMessage(err); text != "" {
			p.finish(ctx, text, outbound.Options{})
		}
		return
	}
	slog.Info("router.task.finished",
		"user", grp.UserID,
		"kb", desc.ID,
		"mode", mode.String(),
		"elapsed", time.Since(start))
}

// invocation builds the per-task tool context with a fresh change
// tracker. Flows tighten it (ReadOnly) as their policy requires.
func (r *Router) invocation(desc kb.Descriptor, grp aggregator.Group) tools.Invocation {
	return tools.Invocation{
		UserID:     grp.UserID,
		ChatID:     grp.ChatID(),
		KBID:       desc.ID,
		KBRoot:     desc.RootPath,
		TopicsOnly: r.opts.TopicsOnly,
		Source:     grp.Source(),
		Bot:        r.opts.Bot,
		Changes:    tools.NewChangeTracker(r.opts.Bus, grp.UserID, desc.ID, grp.Source()),
	}
}

// gitSync commits and pushes the KB when git is enabled for it. Callers
// treat a failure as partial success: the files are on disk and the
// next successful sync carries the commit along.
func (r *Router) gitSync(ctx context.Context, desc kb.Descriptor, message string) error {
	if !desc.GitEnabled || r.opts.Git == nil {
		return nil
	}
	svc, err := r.opts.Git(desc)
	if err != nil {
		return err
	}
	hash, err := svc.Sync(ctx, message)
	if err != nil {
		return err
	}
	if hash != "" {
		slog.Info("router.git.synced", "kb", desc.ID, "commit", clip(hash, 8))
	}
	return nil
}

func (r *Router) sendText(ctx context.Context, grp aggregator.Group, text string) {
	if _, err := r.opts.Bot.SendMessage(ctx, grp.ChatID(), text, outbound.Options{}); err != nil {
		slog.Warn("router.delivery_failed", "chat", grp.ChatID(), "error", err)
	}
}

// progress manages the task's single status message: sent once as
// "working", then edited into the final text. A rejected edit falls
// back to a fresh message so the user always gets the outcome.
type progress struct {
	bot    outbound.Port
	chatID string
	h      outbound.Handle
	sent   bool
}

func (p *progress) start(ctx context.Context, text string) {
	h, err := p.bot.SendMessage(ctx, p.chatID, text, outbound.Options{Silent: true})
	if err != nil {
		slog.Debug("router.progress.send_failed", "chat", p.chatID, "error", err)
		return
	}
	p.h = h
	p.sent = true
}

func (p *progress) finish(ctx context.Context, text string, opts outbound.Options) {
	if p.sent {
		p.sent = false
		if err := p.bot.EditMessage(ctx, p.h, text, opts); err == nil {
			return
		}
	}
	if _, err := p.bot.SendMessage(ctx, p.chatID, text, opts); err != nil {
		slog.Warn("router.delivery_failed", "chat", p.chatID, "error", err)
	}
}

// userMessage phrases a task failure for the chat. Cancelled runs stay
// silent: the process is shutting down and the send would fail anyway.
func userMessage(err error) string {
	switch fault.KindOf(err) {
	case fault.Cancelled:
		return ""
	case fault.Timeout:
		return "The task took too long and was stopped. Try splitting the request."
	case fault.Conflict:
		return "The knowledge base is busy right now. Try again in a moment."
	case fault.Validation:
		return "I could not process that: " + clip(err.Error(), 160)
	default:
		return "Something went wrong while processing your messages. The error has been logged."
	}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
