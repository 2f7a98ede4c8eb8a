package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/providers"
	"github.com/notemill/notemill/internal/tools"
)

// fakeProvider replays scripted turns; an entry is either a response
// or an error.
type fakeProvider struct {
	turns []fakeTurn
	calls []providers.ChatRequest
}

type fakeTurn struct {
	resp *providers.ChatResponse
	err  error
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.calls = append(f.calls, req)
	if len(f.calls) > len(f.turns) {
		return nil, fault.New(fault.Permanent, "fake provider script exhausted")
	}
	turn := f.turns[len(f.calls)-1]
	return turn.resp, turn.err
}

func (f *fakeProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fault.New(fault.Permanent, "fake provider has no embeddings")
}

func (f *fakeProvider) Name() string { return "fake" }

func respContent(s string) fakeTurn {
	return fakeTurn{resp: &providers.ChatResponse{Content: s, FinishReason: "stop"}}
}

func respCalls(calls ...providers.ToolCall) fakeTurn {
	return fakeTurn{resp: &providers.ChatResponse{ToolCalls: calls, FinishReason: "tool_calls"}}
}

func newAutonomous(t *testing.T, fake *fakeProvider) *Autonomous {
	t.Helper()
	return NewAutonomous(AutonomousOptions{
		Provider:    fake,
		Registry:    newLoopRegistry(t),
		BackoffBase: time.Millisecond,
	})
}

func TestAutonomousPlansFirst(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{
		respCalls(providers.ToolCall{ID: "c1", Name: "plan_todo", Arguments: map[string]any{"todos": []any{"a"}}}),
	}}
	s := newAutonomous(t, fake)

	dec, err := s.Decide(context.Background(), &State{Task: testTask()})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Kind != DecideToolCall || dec.Tool != "plan_todo" {
		t.Errorf("decision = %+v", dec)
	}
	if fake.calls[0].ToolChoice != "plan_todo" {
		t.Errorf("iteration 0 tool choice = %q, want plan_todo", fake.calls[0].ToolChoice)
	}
}

func TestAutonomousLaterIterationsChooseFreely(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{respContent("the answer")}}
	s := newAutonomous(t, fake)

	st := &State{Task: testTask(), Iteration: 2}
	dec, err := s.Decide(context.Background(), st)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Kind != DecideEnd || dec.Answer != "the answer" {
		t.Errorf("decision = %+v", dec)
	}
	if fake.calls[0].ToolChoice != "" {
		t.Errorf("tool choice = %q, want unforced", fake.calls[0].ToolChoice)
	}
}

func TestAutonomousTakesFirstToolCall(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{respCalls(
		providers.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "a"}},
		providers.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]any{"text": "b"}},
	)}}
	s := newAutonomous(t, fake)

	dec, err := s.Decide(context.Background(), &State{Task: testTask(), Iteration: 1})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Tool != "echo" || dec.Args["text"] != "a" {
		t.Errorf("decision = %+v", dec)
	}
}

func TestAutonomousEmptyReplyContinues(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{respContent("  \n ")}}
	s := newAutonomous(t, fake)

	dec, err := s.Decide(context.Background(), &State{Task: testTask(), Iteration: 1})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Kind != DecideContinue {
		t.Errorf("decision = %+v, want continue", dec)
	}
}

func TestAutonomousRetriesTransientErrors(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{
		{err: fault.New(fault.Transient, "connection reset")},
		{err: fault.New(fault.Transient, "rate limited")},
		respContent("recovered"),
	}}
	s := newAutonomous(t, fake)

	dec, err := s.Decide(context.Background(), &State{Task: testTask(), Iteration: 1})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Kind != DecideEnd || dec.Answer != "recovered" {
		t.Errorf("decision = %+v", dec)
	}
	if len(fake.calls) != 3 {
		t.Errorf("provider calls = %d, want 3", len(fake.calls))
	}
}

func TestAutonomousDoesNotRetryPermanent(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{
		{err: fault.New(fault.Permanent, "invalid api key")},
	}}
	s := newAutonomous(t, fake)

	_, err := s.Decide(context.Background(), &State{Task: testTask(), Iteration: 1})
	if !fault.Is(err, fault.Permanent) {
		t.Fatalf("kind = %v, want permanent", fault.KindOf(err))
	}
	if len(fake.calls) != 1 {
		t.Errorf("provider calls = %d, want 1", len(fake.calls))
	}
}

func TestAutonomousRetryExhaustion(t *testing.T) {
	transient := fault.New(fault.Transient, "still down")
	fake := &fakeProvider{turns: []fakeTurn{
		{err: transient}, {err: transient}, {err: transient},
	}}
	s := NewAutonomous(AutonomousOptions{
		Provider:    fake,
		Registry:    newLoopRegistry(t),
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
	})

	_, err := s.Decide(context.Background(), &State{Task: testTask(), Iteration: 1})
	if !fault.Is(err, fault.Transient) {
		t.Fatalf("kind = %v, want transient", fault.KindOf(err))
	}
	if len(fake.calls) != 3 {
		t.Errorf("provider calls = %d, want 3 (1 + 2 retries)", len(fake.calls))
	}
}

func TestAutonomousRebuildsTranscript(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{respContent("done")}}
	s := newAutonomous(t, fake)

	task := testTask()
	task.Invocation.TopicsOnly = true
	st := &State{
		Task:      task,
		Iteration: 3,
		History: []Step{
			{Tool: "kb_read_file", Args: map[string]any{"path": "index.md"}, Result: tools.OK("# Index")},
			{Thought: "the note belongs under ai"},
			{Tool: "always_fails", Args: nil, Result: tools.Fail("boom")},
		},
	}
	if _, err := s.Decide(context.Background(), st); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	msgs := fake.calls[0].Messages
	// system, user, assistant+tool, assistant thought, assistant+tool.
	if len(msgs) != 7 {
		t.Fatalf("messages = %d, want 7", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "topics/") {
		t.Errorf("system prompt = %q", msgs[0].Content)
	}
	if msgs[1].Role != "user" || msgs[1].Content != "do the thing" {
		t.Errorf("user message = %+v", msgs[1])
	}

	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].ID != "call_0" {
		t.Errorf("first call message = %+v", msgs[2])
	}
	if msgs[3].Role != "tool" || msgs[3].ToolCallID != "call_0" || msgs[3].Content != "# Index" {
		t.Errorf("first result message = %+v", msgs[3])
	}
	if msgs[4].Role != "assistant" || msgs[4].Content != "the note belongs under ai" {
		t.Errorf("thought message = %+v", msgs[4])
	}
	if msgs[5].ToolCalls[0].ID != "call_2" || msgs[6].ToolCallID != "call_2" {
		t.Errorf("second pair ids = %+v / %+v", msgs[5], msgs[6])
	}
	if msgs[6].Content != "ERROR: boom" {
		t.Errorf("failed result content = %q", msgs[6].Content)
	}
}

func TestAutonomousAdvertisesRegistryTools(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{respContent("x")}}
	s := newAutonomous(t, fake)

	if _, err := s.Decide(context.Background(), &State{Task: testTask(), Iteration: 1}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	names := make(map[string]bool)
	for _, def := range fake.calls[0].Tools {
		names[def.Name] = true
	}
	for _, want := range []string{"echo", "always_fails", "plan_todo", "touch"} {
		if !names[want] {
			t.Errorf("tool %q not advertised", want)
		}
	}
}

func TestAutonomousReadOnlyPromptLine(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{respContent("x")}}
	s := newAutonomous(t, fake)

	task := testTask()
	task.Invocation.ReadOnly = true
	if _, err := s.Decide(context.Background(), &State{Task: task, Iteration: 1}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !strings.Contains(fake.calls[0].Messages[0].Content, "read-only") {
		t.Errorf("system prompt missing read-only notice: %q", fake.calls[0].Messages[0].Content)
	}
}
