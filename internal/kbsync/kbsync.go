// Package kbsync serializes working-tree mutations per knowledge base.
// A critical section holds an in-process mutex (cooperating goroutines)
// and an on-disk lock file (cooperating processes); both are released on
// every exit path.
package kbsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/kb"
)

const lockPollInterval = 25 * time.Millisecond

// RootResolver maps a kb id to its root path.
type RootResolver func(kbID string) (string, bool)

type entry struct {
	sem chan struct{}
	flk *flock.Flock
}

// Manager hands out scoped per-KB critical sections.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	resolve RootResolver
}

func NewManager(resolve RootResolver) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		resolve: resolve,
	}
}

type heldKey string

// held marks ctx as inside kbID's critical section so nested WithLock
// calls from the same logical task re-enter instead of deadlocking.
func held(ctx context.Context, kbID string) bool {
	v, _ := ctx.Value(heldKey(kbID)).(bool)
	return v
}

func (m *Manager) entryFor(kbID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[kbID]; ok {
		return e, nil
	}
	root, ok := m.resolve(kbID)
	if !ok {
		return nil, fault.Newf(fault.NotFound, "kbsync: unknown kb %q", kbID)
	}
	e := &entry{
		sem: make(chan struct{}, 1),
		flk: flock.New(kb.LockPath(root)),
	}
	m.entries[kbID] = e
	return e, nil
}

// WithLock runs fn inside kbID's exclusive critical section. The wait for
// both the in-process mutex and the file lock honours ctx; expiry while
// waiting returns a Timeout (or Cancelled) error and fn never runs.
func (m *Manager) WithLock(ctx context.Context, kbID, reason string, fn func(ctx context.Context) error) error {
	if held(ctx, kbID) {
		return fn(ctx)
	}

	e, err := m.entryFor(kbID)
	if err != nil {
		return err
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return waitErr(ctx, kbID)
	}
	defer func() { <-e.sem }()

	locked, err := e.flk.TryLockContext(ctx, lockPollInterval)
	if err != nil || !locked {
		return waitErr(ctx, kbID)
	}
	defer e.flk.Unlock()

	start := time.Now()
	slog.Debug("kb.lock.acquired", "kb", kbID, "reason", reason)
	defer func() {
		slog.Debug("kb.lock.released", "kb", kbID, "reason", reason, "held", time.Since(start))
	}()

	return fn(context.WithValue(ctx, heldKey(kbID), true))
}

func waitErr(ctx context.Context, kbID string) error {
	if ctx.Err() == context.Canceled {
		return fault.Wrap(fault.Cancelled, "kbsync.acquire", ctx.Err())
	}
	return fault.Newf(fault.Timeout, "kbsync: timed out waiting for kb %q", kbID)
}
