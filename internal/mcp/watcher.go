package mcp

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/notemill/notemill/internal/fault"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads server definitions when files under the registry
// directories change. Events are debounced so an editor writing a file
// in several steps triggers one reload, not five.
type Watcher struct {
	dirs     func() []string
	debounce time.Duration
	onChange func()
}

// NewWatcher observes the directories returned by dirs, re-resolving
// them after every event so newly created per-user directories get
// picked up. onChange runs after the debounce window closes.
func NewWatcher(dirs func() []string, debounce time.Duration, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{dirs: dirs, debounce: debounce, onChange: onChange}
}

// Run blocks until ctx is done. It is shaped to run as a managed
// background task.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fault.Wrap(fault.Permanent, "mcp.watch", err)
	}
	defer fsw.Close()

	addAll := func() {
		for _, dir := range w.dirs() {
			if err := fsw.Add(dir); err != nil && !os.IsNotExist(err) {
				slog.Debug("mcp.watch.add_failed", "dir", dir, "error", err)
			}
		}
	}
	addAll()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-fire:
			timer, fire = nil, nil
			addAll()
			slog.Info("mcp.registry.changed")
			w.onChange()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("mcp.watch.error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

// relevantEvent keeps definition file changes and directory creation;
// chmod noise is dropped.
func relevantEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return strings.HasSuffix(ev.Name, ".json") || ev.Op&fsnotify.Create != 0
}
