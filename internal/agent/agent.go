// Package agent runs the bounded decide/act/observe loop. A Strategy
// picks the next move from the run state; the loop executes tool calls
// through the registry, keeps history, and emits lifecycle events on
// the bus. Two strategies ship: Autonomous (LLM provider drives every
// decision) and External (a CLI agent loops on its own and reports the
// outcome).
package agent

import (
	"context"

	"github.com/notemill/notemill/internal/tools"
)

// Task is one unit of agent work: satisfy Prompt against the knowledge
// base named by the invocation, under its tool policy.
type Task struct {
	// RunID is assigned by Run when empty.
	RunID      string
	Prompt     string
	Invocation tools.Invocation
}

// DecisionKind discriminates what the strategy wants next.
type DecisionKind uint8

const (
	// DecideEnd finishes the run with an answer.
	DecideEnd DecisionKind = iota
	// DecideToolCall executes one tool and appends the result to history.
	DecideToolCall
	// DecideContinue appends a thought to history and decides again.
	DecideContinue
)

// Decision is the strategy's next move. Exactly the fields of its Kind
// are meaningful.
type Decision struct {
	Kind DecisionKind

	Answer string // DecideEnd

	Tool string         // DecideToolCall
	Args map[string]any // DecideToolCall

	Thought string // DecideContinue
}

// End finishes the run.
func End(answer string) Decision {
	return Decision{Kind: DecideEnd, Answer: answer}
}

// CallTool requests one tool execution.
func CallTool(name string, args map[string]any) Decision {
	return Decision{Kind: DecideToolCall, Tool: name, Args: args}
}

// Continue records a thought and keeps going.
func Continue(thought string) Decision {
	return Decision{Kind: DecideContinue, Thought: thought}
}

// Step is one history entry: a tool execution when Tool is set, a bare
// thought otherwise.
type Step struct {
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Result  tools.Result   `json:"result,omitempty"`
	Thought string         `json:"thought,omitempty"`
}

// State is the loop's evolving view of one run, handed to the strategy
// on every decision. The strategy must treat it as read-only.
type State struct {
	Task      Task
	Iteration int
	// Plan is the output of the run's first successful plan_todo call.
	Plan    string
	History []Step
}

// Strategy decides the loop's next move from the current state.
// Implementations classify transport failures with fault kinds; the
// loop fails the run on any decision error.
type Strategy interface {
	Decide(ctx context.Context, st *State) (Decision, error)
}

// Result is a completed run: the strategy's answer plus everything the
// run changed through the registry, so callers can always render a
// structured summary even when the answer text lacks one.
type Result struct {
	Answer     string
	Iterations int
	Plan       string
	Changes    []tools.Change
}
