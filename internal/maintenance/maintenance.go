// Package maintenance runs periodic upkeep on cron schedules: index
// rebuilds, git repacks over KB repositories, tracker log compaction.
// Every job runs as a tracked task, so a manager stop tears the
// schedules down with everything else.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/notemill/notemill/internal/config"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/gitops"
	"github.com/notemill/notemill/internal/index"
	"github.com/notemill/notemill/internal/kb"
	"github.com/notemill/notemill/internal/kbsync"
	"github.com/notemill/notemill/internal/tasks"
	"github.com/notemill/notemill/internal/tracker"
)

// jobTimeout bounds a single run of any job.
const jobTimeout = 15 * time.Minute

// Job is one maintenance routine.
type Job func(ctx context.Context) error

// Options wires the scheduler to the subsystems its jobs touch.
type Options struct {
	Jobs    []config.MaintenanceJob
	Tasks   *tasks.Manager
	Index   *index.Index
	KBs     *kb.Registry
	Locks   *kbsync.Manager
	Tracker *tracker.Tracker
}

// Scheduler owns the configured cron jobs.
type Scheduler struct {
	opts Options
}

// New validates the wiring and the job list. Unknown job names and bad
// schedules fail here, before anything starts ticking.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Tasks == nil:
		return nil, fault.New(fault.Validation, "maintenance: nil task manager")
	case opts.Index == nil:
		return nil, fault.New(fault.Validation, "maintenance: nil index")
	case opts.KBs == nil:
		return nil, fault.New(fault.Validation, "maintenance: nil kb registry")
	case opts.Locks == nil:
		return nil, fault.New(fault.Validation, "maintenance: nil kb lock manager")
	case opts.Tracker == nil:
		return nil, fault.New(fault.Validation, "maintenance: nil tracker")
	}
	s := &Scheduler{opts: opts}
	g := gronx.New()
	for _, j := range opts.Jobs {
		if _, err := s.jobFn(j.Name); err != nil {
			return nil, err
		}
		if !g.IsValid(j.Schedule) {
			return nil, fault.Newf(fault.Validation, "maintenance: invalid schedule %q for %s", j.Schedule, j.Name)
		}
	}
	return s, nil
}

// Start registers one tracked task per configured job.
func (s *Scheduler) Start() error {
	for _, j := range s.opts.Jobs {
		fn, err := s.jobFn(j.Name)
		if err != nil {
			return err
		}
		name, schedule := j.Name, j.Schedule
		meta := tasks.Meta{Description: fmt.Sprintf("maintenance %s (%s)", name, schedule)}
		err = s.opts.Tasks.Register("maintenance_"+name, meta, func(ctx context.Context) error {
			return s.loop(ctx, name, schedule, fn)
		})
		if err != nil {
			return err
		}
		slog.Info("maintenance.scheduled", "job", name, "schedule", schedule)
	}
	return nil
}

// Run executes one job immediately, outside its schedule.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	fn, err := s.jobFn(name)
	if err != nil {
		return err
	}
	return fn(ctx)
}

// loop sleeps until each next cron tick and runs the job once per tick.
// Job failures are logged and the schedule keeps going; only a dead
// context ends the loop.
func (s *Scheduler) loop(ctx context.Context, name, schedule string, fn Job) error {
	for {
		next, err := gronx.NextTickAfter(schedule, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next tick for %s: %w", name, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.runOnce(ctx, name, fn)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, name string, fn Job) {
	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	started := time.Now()
	slog.Info("maintenance.job.started", "job", name)
	if err := fn(jctx); err != nil {
		slog.Warn("maintenance.job.failed", "job", name, "elapsed", time.Since(started), "error", err)
		return
	}
	slog.Info("maintenance.job.finished", "job", name, "elapsed", time.Since(started))
}

func (s *Scheduler) jobFn(name string) (Job, error) {
	switch name {
	case "index_rebuild":
		return s.rebuildIndex, nil
	case "git_gc":
		return s.gitGC, nil
	case "tracker_compact":
		return s.compactTracker, nil
	default:
		return nil, fault.Newf(fault.Validation, "maintenance: unknown job %q", name)
	}
}

func (s *Scheduler) rebuildIndex(ctx context.Context) error {
	return s.opts.Index.Rebuild(ctx)
}

// gitGC repacks every git-enabled KB, holding the KB lock so a repack
// never races a commit.
func (s *Scheduler) gitGC(ctx context.Context) error {
	var firstErr error
	for _, d := range s.opts.KBs.All() {
		if !d.GitEnabled || !gitops.IsRepo(d.RootPath) {
			continue
		}
		err := s.opts.Locks.WithLock(ctx, d.ID, "git gc", func(ctx context.Context) error {
			svc, err := gitops.Open(gitops.Options{Root: d.RootPath, KBID: d.ID})
			if err != nil {
				return err
			}
			return svc.GC(ctx)
		})
		if err != nil {
			slog.Warn("maintenance.git_gc.failed", "kb", d.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Scheduler) compactTracker(ctx context.Context) error {
	return s.opts.Tracker.Compact(ctx)
}
