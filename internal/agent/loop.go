package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/notemill/notemill/internal/bus"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/tools"
)

// Options configures a Loop. Bus may be nil in tests.
type Options struct {
	Strategy Strategy
	Registry *tools.Registry
	Bus      bus.Publisher
	// MaxIterations bounds decisions per run. Default 20.
	MaxIterations int
}

// Loop executes tasks: it asks the strategy for decisions until one
// ends the run or the iteration budget is spent.
type Loop struct {
	strategy      Strategy
	registry      *tools.Registry
	pub           bus.Publisher
	maxIterations int
}

func New(opts Options) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	return &Loop{
		strategy:      opts.Strategy,
		registry:      opts.Registry,
		pub:           opts.Bus,
		maxIterations: opts.MaxIterations,
	}
}

// Run processes one task to completion. Tool failures become history
// the strategy can react to; decision errors, unknown tool names and
// iteration exhaustion fail the run. The returned Result carries the
// change snapshot even on failure, so callers can report partial work.
func (l *Loop) Run(ctx context.Context, task Task) (Result, error) {
	if task.RunID == "" {
		task.RunID = uuid.NewString()
	}
	st := &State{Task: task}

	l.publish(bus.TopicAgentStarted, task, map[string]any{"run_id": task.RunID})
	slog.Info("agent.run.started",
		"run", task.RunID,
		"user", task.Invocation.UserID,
		"kb", task.Invocation.KBID,
		"read_only", task.Invocation.ReadOnly)

	answer, err := l.run(ctx, st)

	res := Result{
		Answer:     answer,
		Iterations: st.Iteration,
		Plan:       st.Plan,
		Changes:    task.Invocation.Changes.Snapshot(),
	}

	data := map[string]any{
		"run_id":     task.RunID,
		"ok":         err == nil,
		"iterations": st.Iteration,
		"changes":    len(res.Changes),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	l.publish(bus.TopicAgentFinished, task, data)

	if err != nil {
		slog.Warn("agent.run.failed",
			"run", task.RunID,
			"iterations", st.Iteration,
			"kind", fault.KindOf(err).String(),
			"error", err)
		return res, err
	}
	slog.Info("agent.run.finished",
		"run", task.RunID,
		"iterations", st.Iteration,
		"changes", len(res.Changes))
	return res, nil
}

func (l *Loop) run(ctx context.Context, st *State) (string, error) {
	task := st.Task

	for st.Iteration < l.maxIterations {
		if err := ctx.Err(); err != nil {
			return "", fault.Wrap(fault.Cancelled, "agent.run", err)
		}

		dec, err := l.strategy.Decide(ctx, st)
		if err != nil {
			return "", err
		}

		switch dec.Kind {
		case DecideEnd:
			return dec.Answer, nil

		case DecideToolCall:
			spec, ok := l.registry.Get(dec.Tool)
			if !ok {
				return "", fault.Newf(fault.Validation, "agent: unknown tool %q", dec.Tool)
			}

			slog.Info("agent.tool", "run", task.RunID, "tool", dec.Tool, "iteration", st.Iteration)
			l.publish(bus.TopicAgentToolCall, task, map[string]any{
				"run_id":    task.RunID,
				"tool":      dec.Tool,
				"iteration": st.Iteration,
			})

			start := time.Now()
			res := spec.Handler(ctx, task.Invocation, dec.Args)

			l.publish(bus.TopicAgentToolResult, task, map[string]any{
				"run_id":     task.RunID,
				"tool":       dec.Tool,
				"ok":         res.OK,
				"elapsed_ms": time.Since(start).Milliseconds(),
			})
			if !res.OK {
				slog.Warn("agent.tool_error", "run", task.RunID, "tool", dec.Tool, "error", clip(res.Error, 200))
			}
			if dec.Tool == "plan_todo" && res.OK && st.Plan == "" {
				st.Plan = res.Output
			}
			st.History = append(st.History, Step{Tool: dec.Tool, Args: dec.Args, Result: res})

		case DecideContinue:
			st.History = append(st.History, Step{Thought: dec.Thought})

		default:
			return "", fault.Newf(fault.Validation, "agent: invalid decision kind %d", dec.Kind)
		}

		st.Iteration++
	}

	return "", fault.Newf(fault.Timeout, "agent: no answer after %d iterations", l.maxIterations)
}

func (l *Loop) publish(topic bus.Topic, task Task, data map[string]any) {
	if l.pub == nil {
		return
	}
	l.pub.Publish(bus.Event{
		Topic:  topic,
		UserID: task.Invocation.UserID,
		KBID:   task.Invocation.KBID,
		Source: task.Invocation.Source,
		Data:   data,
	})
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
