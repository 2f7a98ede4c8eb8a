// Package tasks owns every background goroutine in the process. Components
// never spawn detached workers themselves; they register them here so
// lifecycle, fate reporting and graceful shutdown live in one place.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/notemill/notemill/internal/fault"
)

// Status is the lifecycle state of a registered task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Meta describes a task for listings and failure logs.
type Meta struct {
	Description string
	UserID      int64 // 0 for system-scoped tasks
}

// Info is a snapshot of one registered task.
type Info struct {
	ID        string
	Meta      Meta
	StartedAt time.Time
	Status    Status
}

type task struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the named background task registry. Conventional ids:
// "aggregator_user_<id>", "mcp_watcher", "maintenance_<name>", "gateway".
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*task
	baseCtx context.Context
	stop    context.CancelFunc
	stopped bool

	// awaitTimeout bounds how long Unregister waits for a cooperative
	// exit before abandoning the goroutine to its cancelled context.
	awaitTimeout time.Duration
}

// NewManager returns a Manager whose tasks all descend from ctx.
func NewManager(ctx context.Context) *Manager {
	base, cancel := context.WithCancel(ctx)
	return &Manager{
		tasks:        make(map[string]*task),
		baseCtx:      base,
		stop:         cancel,
		awaitTimeout: 5 * time.Second,
	}
}

// SetAwaitTimeout overrides the cooperative-exit wait used by Unregister.
func (m *Manager) SetAwaitTimeout(d time.Duration) { m.awaitTimeout = d }

// Register starts fn in its own goroutine under the given id. A duplicate
// id cancels and awaits the prior task, then starts the new one. The fate
// of fn (completed, cancelled, failed) is recorded and the entry removed;
// the manager never restarts tasks on its own.
func (m *Manager) Register(id string, meta Meta, fn func(ctx context.Context) error) error {
	if id == "" {
		return fault.New(fault.Validation, "tasks: empty task id")
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	tk := &task{
		info: Info{
			ID:        id,
			Meta:      meta,
			StartedAt: time.Now().UTC(),
			Status:    StatusRunning,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// The prior holder is cancelled and awaited outside the lock, then
	// the map entry is re-checked in the same critical section that
	// inserts the replacement: a racing Register may have claimed the
	// id in between, and its task must be displaced too, never left
	// running untracked. An awaited task that outlived its timeout is
	// abandoned to its cancelled context and overwritten.
	var awaited *task
	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			cancel()
			return fault.New(fault.Cancelled, "tasks: manager stopped")
		}
		prev := m.tasks[id]
		if prev == nil || prev == awaited {
			m.tasks[id] = tk
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		prev.cancel()
		m.await(prev)
		slog.Debug("tasks.replaced", "task", id)
		awaited = prev
	}

	go m.run(ctx, tk, fn)
	return nil
}

func (m *Manager) run(ctx context.Context, tk *task, fn func(ctx context.Context) error) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			slog.Error("tasks.panic", "task", tk.info.ID, "panic", r, "stack", string(debug.Stack()))
		}
		m.finish(tk, err)
		close(tk.done)
	}()
	err = fn(ctx)
}

func (m *Manager) finish(tk *task, err error) {
	status := StatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = StatusCancelled
	default:
		status = StatusFailed
		slog.Error("tasks.failed",
			"task", tk.info.ID,
			"description", tk.info.Meta.Description,
			"user", tk.info.Meta.UserID,
			"error", err)
	}

	// Get and List copy info under the lock, so the status write must
	// happen there too.
	m.mu.Lock()
	tk.info.Status = status
	// Only remove our own entry; a replacement may already own the id.
	if cur, ok := m.tasks[tk.info.ID]; ok && cur == tk {
		delete(m.tasks, tk.info.ID)
	}
	m.mu.Unlock()
}

// await blocks until tk exits or the bounded timeout passes.
func (m *Manager) await(tk *task) bool {
	select {
	case <-tk.done:
		return true
	case <-time.After(m.awaitTimeout):
		slog.Warn("tasks.await_timeout", "task", tk.info.ID)
		return false
	}
}

// Unregister cancels the task and awaits its exit within the manager's
// bounded timeout (and ctx). Unknown ids are a no-op.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	tk, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	tk.cancel()
	select {
	case <-tk.done:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Timeout, "tasks.unregister", ctx.Err())
	case <-time.After(m.awaitTimeout):
		slog.Warn("tasks.await_timeout", "task", id)
		return fault.Newf(fault.Timeout, "tasks: %s did not exit in %s", id, m.awaitTimeout)
	}
}

// Stop cancels every task and waits for all of them, bounded by ctx.
// The manager accepts no registrations afterwards.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	pending := make([]*task, 0, len(m.tasks))
	for _, tk := range m.tasks {
		pending = append(pending, tk)
	}
	m.mu.Unlock()

	m.stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, tk := range pending {
		g.Go(func() error {
			select {
			case <-tk.done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("task %s: %w", tk.info.ID, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fault.Wrap(fault.Timeout, "tasks.stop", err)
	}
	slog.Info("tasks.stopped", "count", len(pending))
	return nil
}

// Get returns the Info snapshot for id.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tk, ok := m.tasks[id]
	if !ok {
		return Info{}, false
	}
	return tk.info, true
}

// List returns snapshots of all live tasks, ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.tasks))
	for _, tk := range m.tasks {
		out = append(out, tk.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// AggregatorTaskID is the conventional id for a user's aggregator worker.
func AggregatorTaskID(userID int64) string {
	return fmt.Sprintf("aggregator_user_%d", userID)
}
