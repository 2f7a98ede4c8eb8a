package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/notemill/notemill/internal/fault"
)

// Manager owns the configured channels and starts and stops them as a
// group.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// Register adds ch under its name, replacing any previous registration.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports per channel whether it is running.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// StartAll starts every registered channel. A channel that fails to
// start is logged and skipped; an error comes back only when no channel
// came up at all.
func (m *Manager) StartAll(ctx context.Context) error {
	chs := m.snapshot()
	if len(chs) == 0 {
		slog.Warn("channels.none_configured")
		return nil
	}
	var firstErr error
	started := 0
	for _, ch := range chs {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel.start_failed", "channel", ch.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Info("channel.started", "channel", ch.Name())
		started++
	}
	if started == 0 {
		return fault.Wrap(fault.Permanent, "channels: no channel started", firstErr)
	}
	return nil
}

// StopAll stops every registered channel, logging failures.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, ch := range m.snapshot() {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel.stop_failed", "channel", ch.Name(), "error", err)
			continue
		}
		slog.Info("channel.stopped", "channel", ch.Name())
	}
	return nil
}

func (m *Manager) snapshot() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	return chs
}
