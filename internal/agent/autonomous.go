package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/providers"
	"github.com/notemill/notemill/internal/tools"
)

// AutonomousOptions configures the provider-backed strategy.
type AutonomousOptions struct {
	Provider providers.Provider
	Registry *tools.Registry
	// MaxRetries caps transport-error retries per decision. Default 3.
	MaxRetries int
	// BackoffBase is the first retry delay; retry k waits base·2^k.
	// Default 500ms.
	BackoffBase time.Duration
}

// Autonomous drives the loop with an LLM provider. The first decision
// always plans through plan_todo; afterwards the model walks its plan
// with tool calls and ends the run with a plain text reply. Transient
// provider failures are retried with exponential backoff; exhaustion
// fails the decision and with it the run.
type Autonomous struct {
	provider    providers.Provider
	registry    *tools.Registry
	maxRetries  int
	backoffBase time.Duration
}

func NewAutonomous(opts AutonomousOptions) *Autonomous {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	return &Autonomous{
		provider:    opts.Provider,
		registry:    opts.Registry,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
	}
}

func (s *Autonomous) Decide(ctx context.Context, st *State) (Decision, error) {
	req := providers.ChatRequest{
		Messages: s.buildMessages(st),
		Tools:    s.toolDefs(),
	}
	if st.Iteration == 0 {
		if _, ok := s.registry.Get("plan_todo"); ok {
			req.ToolChoice = "plan_todo"
		}
	}

	resp, err := s.chat(ctx, st, req)
	if err != nil {
		return Decision{}, err
	}

	if len(resp.ToolCalls) > 0 {
		// One call per decision; the model re-issues the rest next round
		// since history shows only this call and its result.
		tc := resp.ToolCalls[0]
		if len(resp.ToolCalls) > 1 {
			slog.Debug("agent.decide.extra_calls_dropped",
				"run", st.Task.RunID, "count", len(resp.ToolCalls)-1)
		}
		return CallTool(tc.Name, tc.Arguments), nil
	}

	if content := strings.TrimSpace(resp.Content); content != "" {
		return End(content), nil
	}

	// An empty reply is a stall, not an answer. Recording it gives the
	// model another look at the state; the iteration budget bounds how
	// long this can go on.
	return Continue("(no action produced)"), nil
}

// chat calls the provider, retrying Transient failures with backoff.
func (s *Autonomous) chat(ctx context.Context, st *State, req providers.ChatRequest) (*providers.ChatResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := s.provider.Chat(ctx, req)
		if err == nil {
			if attempt > 0 {
				slog.Info("agent.provider.recovered", "run", st.Task.RunID, "attempt", attempt)
			}
			return resp, nil
		}
		if !fault.IsRetryable(err) || attempt >= s.maxRetries {
			return nil, err
		}

		backoff := s.backoffBase * time.Duration(1<<attempt)
		slog.Warn("agent.provider.retry",
			"run", st.Task.RunID,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Cancelled, "agent.decide", ctx.Err())
		}
	}
}

// buildMessages renders the run state as a conversation. History tool
// steps become assistant tool calls paired with tool results under
// deterministic ids, so the rebuilt transcript is always well formed.
func (s *Autonomous) buildMessages(st *State) []providers.Message {
	task := st.Task
	msgs := make([]providers.Message, 0, 2+2*len(st.History))

	msgs = append(msgs,
		providers.Message{Role: "system", Content: systemPrompt(task)},
		providers.Message{Role: "user", Content: task.Prompt},
	)

	for i, step := range st.History {
		if step.Tool == "" {
			msgs = append(msgs, providers.Message{Role: "assistant", Content: step.Thought})
			continue
		}
		callID := fmt.Sprintf("call_%d", i)
		msgs = append(msgs,
			providers.Message{
				Role:      "assistant",
				ToolCalls: []providers.ToolCall{{ID: callID, Name: step.Tool, Arguments: step.Args}},
			},
			providers.Message{
				Role:       "tool",
				Content:    toolContent(step.Result),
				ToolCallID: callID,
			},
		)
	}

	return msgs
}

func (s *Autonomous) toolDefs() []providers.ToolDefinition {
	specs := s.registry.Specs()
	defs := make([]providers.ToolDefinition, len(specs))
	for i, spec := range specs {
		defs[i] = providers.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.InputSchema,
		}
	}
	return defs
}

func systemPrompt(task Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a knowledge base assistant working on the markdown knowledge base %q. All paths are relative to the knowledge base root.\n", task.Invocation.KBID)
	if task.Invocation.TopicsOnly {
		b.WriteString("Write only under the topics/ directory.\n")
	}
	if task.Invocation.ReadOnly {
		b.WriteString("The knowledge base is read-only for this request: answer from its contents, do not attempt writes.\n")
	}
	b.WriteString("\nStart by calling plan_todo with the steps you intend to take, then work through them with the available tools. When you are done, reply with plain text and no tool calls.")
	return b.String()
}

func toolContent(res tools.Result) string {
	if !res.OK {
		return "ERROR: " + res.Error
	}
	if res.Output == "" {
		return "(no output)"
	}
	return res.Output
}
