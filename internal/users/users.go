// Package users owns per-user runtime state: the message aggregator,
// the agent bundle, the processing mode and short-lived dialog state.
// Everything is created lazily on first use and torn down when a
// settings change invalidates it.
package users

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/notemill/notemill/internal/aggregator"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/router"
	"github.com/notemill/notemill/internal/tasks"
)

// BuildAgent constructs one user's agent bundle: strategy, loop and the
// tool registry with the user's MCP tools bridged in.
type BuildAgent func(ctx context.Context, userID int64) (router.Agent, error)

// Options wire a Contexts.
type Options struct {
	Tasks *tasks.Manager
	// Deliver receives closed message groups (the router's HandleGroup).
	Deliver aggregator.Callback
	// BuildAgent runs on first Agent call per user and after invalidation.
	BuildAgent BuildAgent
	// DefaultMode is a new user's processing mode. Zero value is ModeNote.
	DefaultMode router.Mode
	// Idle overrides the aggregation window. Zero keeps the default.
	Idle time.Duration
}

// Dialog is a pending multi-step conversation with one user: the step
// the channel is waiting on plus whatever it has collected so far.
type Dialog struct {
	Step string
	Data map[string]string
}

// user is one user's cached state. mu is the per-user lock the create
// or-get operations hold; the Contexts map lock is never held with it.
type user struct {
	mu     sync.Mutex
	agg    *aggregator.Aggregator
	agent  *router.Agent
	mode   router.Mode
	dialog *Dialog
}

// Contexts is the per-user state registry. Safe for concurrent use.
// Aggregator loops run as tracked tasks, so a task manager Stop at
// shutdown tears all of them down without help from this package.
type Contexts struct {
	opts Options

	mu    sync.Mutex
	users map[int64]*user
}

// New validates the wiring and returns an empty registry.
func New(opts Options) (*Contexts, error) {
	switch {
	case opts.Tasks == nil:
		return nil, fault.New(fault.Validation, "users: nil task manager")
	case opts.Deliver == nil:
		return nil, fault.New(fault.Validation, "users: nil delivery callback")
	case opts.BuildAgent == nil:
		return nil, fault.New(fault.Validation, "users: nil agent builder")
	}
	return &Contexts{opts: opts, users: make(map[int64]*user)}, nil
}

// userFor returns the user's entry, creating it under the map lock.
func (c *Contexts) userFor(id int64) *user {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	if !ok {
		u = &user{mode: c.opts.DefaultMode}
		c.users[id] = u
	}
	return u
}

// Aggregator returns the user's aggregator, starting one when none runs.
func (c *Contexts) Aggregator(userID int64) (*aggregator.Aggregator, error) {
	u := c.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.agg != nil {
		return u.agg, nil
	}
	agg, err := aggregator.New(aggregator.Options{
		UserID:  userID,
		Idle:    c.opts.Idle,
		Tasks:   c.opts.Tasks,
		Deliver: c.opts.Deliver,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("users.aggregator.started", "user", userID)
	u.agg = agg
	return agg, nil
}

// Agent returns the user's agent bundle, building it on first use. The
// per-user lock covers the build so concurrent callers share one bundle.
func (c *Contexts) Agent(ctx context.Context, userID int64) (router.Agent, error) {
	u := c.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.agent != nil {
		return *u.agent, nil
	}
	bundle, err := c.opts.BuildAgent(ctx, userID)
	if err != nil {
		return router.Agent{}, fault.Wrap(fault.KindOf(err), "users: build agent", err)
	}
	slog.Info("users.agent.built", "user", userID)
	u.agent = &bundle
	return bundle, nil
}

// InvalidateAgent tears down the user's agent and aggregator after a
// settings change; both come back lazily on next use. Stopping the
// aggregator drops any open group, so callers should flush first when
// they want it delivered.
func (c *Contexts) InvalidateAgent(ctx context.Context, userID int64) error {
	u := c.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.agent = nil
	if u.agg == nil {
		return nil
	}
	agg := u.agg
	u.agg = nil
	slog.Info("users.agent.invalidated", "user", userID)
	return agg.Stop(ctx)
}

// Mode returns the user's processing mode.
func (c *Contexts) Mode(userID int64) router.Mode {
	u := c.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mode
}

// SetMode switches the user's processing mode.
func (c *Contexts) SetMode(userID int64, m router.Mode) {
	u := c.userFor(userID)
	u.mu.Lock()
	u.mode = m
	u.mu.Unlock()
	slog.Debug("users.mode.set", "user", userID, "mode", m.String())
}

// SetDialog stores the user's pending dialog, replacing any previous one.
func (c *Contexts) SetDialog(userID int64, d Dialog) {
	u := c.userFor(userID)
	u.mu.Lock()
	u.dialog = &d
	u.mu.Unlock()
}

// Dialog returns the user's pending dialog, if any.
func (c *Contexts) Dialog(userID int64) (Dialog, bool) {
	u := c.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dialog == nil {
		return Dialog{}, false
	}
	return *u.dialog, true
}

// ClearDialog drops the user's pending dialog.
func (c *Contexts) ClearDialog(userID int64) {
	u := c.userFor(userID)
	u.mu.Lock()
	u.dialog = nil
	u.mu.Unlock()
}
