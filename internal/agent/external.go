package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/tools"
)

// External delegates the whole run to a CLI agent that loops on its
// own (claude-style: prompt on stdin, transcript on stdout). The last
// JSON object in its output must report {"summary": ..., "changes":
// [{"action", "path", "from"?}]}; the changes are replayed into the
// run's change tracker so downstream consumers see the same events a
// native run produces.
type External struct {
	command string
	args    []string
}

func NewExternal(command string, args ...string) *External {
	return &External{command: command, args: args}
}

// Decide runs the CLI once and ends the run with its summary. The
// loop never reaches a second decision on success.
func (s *External) Decide(ctx context.Context, st *State) (Decision, error) {
	if st.Iteration > 0 {
		return Decision{}, fault.New(fault.Permanent, "agent: external driver already ran")
	}

	out, err := s.invoke(ctx, st.Task)
	if err != nil {
		return Decision{}, err
	}

	report, ok := parseReport(out)
	if !ok {
		return Decision{}, fault.Newf(fault.Permanent,
			"agent: external driver produced no report (output %d bytes)", len(out))
	}

	replayChanges(st.Task.Invocation.Changes, report.Changes)

	summary := strings.TrimSpace(report.Summary)
	if summary == "" {
		summary = "done"
	}
	return End(summary), nil
}

func (s *External) invoke(ctx context.Context, task Task) (string, error) {
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Dir = task.Invocation.KBRoot
	cmd.Stdin = strings.NewReader(task.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Info("agent.external.start",
		"run", task.RunID,
		"command", s.command,
		"kb", task.Invocation.KBID)

	err := cmd.Run()
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", fault.Wrap(fault.Timeout, "agent.external", ctx.Err())
		case errors.Is(ctx.Err(), context.Canceled):
			return "", fault.Wrap(fault.Cancelled, "agent.external", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fault.Newf(fault.Permanent, "agent.external: %s", clip(msg, 500))
	}

	return stdout.String(), nil
}

type externalReport struct {
	Summary string           `json:"summary"`
	Changes []externalChange `json:"changes"`
}

type externalChange struct {
	Action string `json:"action"`
	Path   string `json:"path"`
	From   string `json:"from,omitempty"`
}

// parseReport finds the last JSON object in the output that carries a
// summary or changes. CLI agents interleave progress chatter with the
// report, so the scan walks '{' positions from the end and decodes one
// value at each, ignoring trailing text.
func parseReport(out string) (externalReport, bool) {
	for i := strings.LastIndexByte(out, '{'); i >= 0; i = strings.LastIndexByte(out[:i], '{') {
		var rep externalReport
		dec := json.NewDecoder(strings.NewReader(out[i:]))
		if dec.Decode(&rep) == nil && (rep.Summary != "" || len(rep.Changes) > 0) {
			return rep, true
		}
	}
	return externalReport{}, false
}

func replayChanges(tracker *tools.ChangeTracker, changes []externalChange) {
	for _, c := range changes {
		if c.Path == "" {
			continue
		}
		switch strings.ToLower(c.Action) {
		case "created", "create", "added", "add":
			tracker.Record(tools.ChangeFileCreated, c.Path)
		case "modified", "modify", "edited", "edit", "updated", "update":
			tracker.Record(tools.ChangeFileModified, c.Path)
		case "deleted", "delete", "removed", "remove":
			tracker.Record(tools.ChangeFileDeleted, c.Path)
		case "moved", "move", "renamed", "rename":
			if c.From != "" {
				tracker.RecordFileMove(c.From, c.Path)
			}
		default:
			slog.Warn("agent.external.unknown_action", "action", c.Action, "path", c.Path)
		}
	}
}
