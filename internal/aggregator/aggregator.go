// Package aggregator batches one user's inbound chat messages into groups.
// A group opens on the first message, grows while messages keep arriving
// and closes after an idle window or an explicit flush. Each closed group
// is handed to the delivery callback exactly once, as a tracked task, so
// the aggregator's own loop never blocks on downstream work.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/tasks"
)

// DefaultIdleTimeout closes a group after this long without new messages.
const DefaultIdleTimeout = 30 * time.Second

// Attachment is an opaque reference to a transport file. Content is never
// fetched or parsed here; the hash participates in group deduplication.
type Attachment struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"` // photo, document, voice, ...
	Name string `json:"name,omitempty"`
	Hash string `json:"hash,omitempty"`
}

// Message is one inbound chat message, immutable after ingest. Source
// names the chat surface it arrived from ("telegram", "discord").
type Message struct {
	MessageID   string       `json:"message_id"`
	ChatID      string       `json:"chat_id"`
	UserID      int64        `json:"user_id"`
	Source      string       `json:"source,omitempty"`
	Text        string       `json:"text,omitempty"`
	ForwardFrom string       `json:"forward_from,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Group is an ordered batch of one user's messages. It is mutable only
// while open inside the aggregator; the delivery callback receives it
// closed and must treat it as read-only.
type Group struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Messages    []Message `json:"messages"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// ChatID returns the chat the group's first message arrived in. Replies
// and progress notices for the group go there.
func (g Group) ChatID() string {
	if len(g.Messages) == 0 {
		return ""
	}
	return g.Messages[0].ChatID
}

// Source returns the chat surface the group arrived from.
func (g Group) Source() string {
	if len(g.Messages) == 0 {
		return ""
	}
	return g.Messages[0].Source
}

// Texts returns the message texts in arrival order.
func (g Group) Texts() []string {
	out := make([]string, 0, len(g.Messages))
	for _, m := range g.Messages {
		out = append(out, m.Text)
	}
	return out
}

// AttachmentHashes returns every attachment content hash in arrival order.
func (g Group) AttachmentHashes() []string {
	var out []string
	for _, m := range g.Messages {
		for _, at := range m.Attachments {
			if at.Hash != "" {
				out = append(out, at.Hash)
			}
		}
	}
	return out
}

// Callback receives each closed group. It runs as its own tracked task
// whose context is cancelled when the aggregator stops.
type Callback func(ctx context.Context, g Group) error

// Options configure one user's aggregator.
type Options struct {
	UserID int64
	// Idle is the inactivity window that closes an open group. Zero means
	// DefaultIdleTimeout.
	Idle    time.Duration
	Tasks   *tasks.Manager
	Deliver Callback
}

type cmdKind uint8

const (
	cmdAdd cmdKind = iota
	cmdFlush
)

type command struct {
	kind cmdKind
	msg  Message
	done chan struct{}
}

// Aggregator batches messages for a single user. Its event loop runs as
// the "aggregator_user_<id>" task; the open group and the idle timer live
// on that goroutine and Add/Flush talk to it over a channel.
type Aggregator struct {
	userID  int64
	idle    time.Duration
	tasks   *tasks.Manager
	deliver Callback

	cmds chan command
	done chan struct{}
}

// New starts the aggregator's event loop under opts.Tasks. Stop, or
// stopping the manager, shuts it down.
func New(opts Options) (*Aggregator, error) {
	if opts.Tasks == nil {
		return nil, fault.New(fault.Validation, "aggregator: nil task manager")
	}
	if opts.Deliver == nil {
		return nil, fault.New(fault.Validation, "aggregator: nil delivery callback")
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdleTimeout
	}

	a := &Aggregator{
		userID:  opts.UserID,
		idle:    opts.Idle,
		tasks:   opts.Tasks,
		deliver: opts.Deliver,
		cmds:    make(chan command),
		done:    make(chan struct{}),
	}

	meta := tasks.Meta{Description: "message aggregator", UserID: opts.UserID}
	if err := opts.Tasks.Register(tasks.AggregatorTaskID(opts.UserID), meta, a.run); err != nil {
		return nil, err
	}
	return a, nil
}

// Add hands msg to the event loop, opening a group or extending the
// current one and resetting the idle timer.
func (a *Aggregator) Add(ctx context.Context, msg Message) error {
	return a.send(ctx, command{kind: cmdAdd, msg: msg})
}

// Flush closes the open group immediately and returns once the loop has
// dispatched it. A flush with no open group is a no-op.
func (a *Aggregator) Flush(ctx context.Context) error {
	return a.send(ctx, command{kind: cmdFlush, done: make(chan struct{})})
}

func (a *Aggregator) send(ctx context.Context, cmd command) error {
	select {
	case a.cmds <- cmd:
	case <-a.done:
		return fault.New(fault.Cancelled, "aggregator: stopped")
	case <-ctx.Done():
		return fault.Wrap(fault.Cancelled, "aggregator.send", ctx.Err())
	}
	if cmd.done == nil {
		return nil
	}
	select {
	case <-cmd.done:
		return nil
	case <-a.done:
		return fault.New(fault.Cancelled, "aggregator: stopped")
	case <-ctx.Done():
		return fault.Wrap(fault.Cancelled, "aggregator.send", ctx.Err())
	}
}

// Stop cancels the event loop, the idle timer and any in-flight delivery
// task. Groups already delivered stay delivered.
func (a *Aggregator) Stop(ctx context.Context) error {
	return a.tasks.Unregister(ctx, tasks.AggregatorTaskID(a.userID))
}

// run is the event loop. The timer is armed exactly while a group is open.
func (a *Aggregator) run(ctx context.Context) error {
	defer close(a.done)

	timer := time.NewTimer(a.idle)
	timer.Stop()
	defer timer.Stop()

	var open *Group

	for {
		select {
		case <-ctx.Done():
			if open != nil {
				slog.Warn("aggregator.group.dropped",
					"user", a.userID,
					"group", open.ID,
					"messages", len(open.Messages))
			}
			return ctx.Err()

		case <-timer.C:
			open = a.dispatch(ctx, open, "idle")

		case cmd := <-a.cmds:
			switch cmd.kind {
			case cmdAdd:
				open = a.add(open, cmd.msg)
				timer.Reset(a.idle)
			case cmdFlush:
				timer.Stop()
				open = a.dispatch(ctx, open, "flush")
			}
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

func (a *Aggregator) add(open *Group, msg Message) *Group {
	seen := msg.Timestamp
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	if open == nil {
		open = &Group{
			ID:          uuid.NewString(),
			UserID:      a.userID,
			FirstSeenAt: seen,
		}
		slog.Debug("aggregator.group.opened", "user", a.userID, "group", open.ID)
	}
	open.Messages = append(open.Messages, msg)
	open.LastSeenAt = seen
	return open
}

// dispatch closes the open group and hands it to the delivery callback as
// its own tracked task; the loop never runs the callback inline. Returns
// nil so the caller's open slot is cleared.
func (a *Aggregator) dispatch(loopCtx context.Context, open *Group, reason string) *Group {
	if open == nil {
		return nil
	}
	g := *open
	slog.Info("aggregator.group.closed",
		"user", a.userID,
		"group", g.ID,
		"messages", len(g.Messages),
		"reason", reason)

	id := fmt.Sprintf("aggregator_flush_%d_%s", a.userID, g.ID)
	meta := tasks.Meta{Description: "deliver message group", UserID: a.userID}
	err := a.tasks.Register(id, meta, func(tctx context.Context) error {
		// The delivery dies with either the manager or this aggregator.
		ctx, cancel := context.WithCancel(tctx)
		defer cancel()
		go func() {
			select {
			case <-loopCtx.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		return a.deliver(ctx, g)
	})
	if err != nil {
		slog.Warn("aggregator.dispatch_failed", "user", a.userID, "group", g.ID, "error", err)
	}
	return nil
}
