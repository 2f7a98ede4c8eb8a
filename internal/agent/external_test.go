package agent

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/notemill/notemill/internal/bus"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/tools"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestParseReport(t *testing.T) {
	report := `{"summary":"wrote the note","changes":[{"action":"created","path":"topics/ai/llm.md"}]}`

	cases := []struct {
		name    string
		out     string
		ok      bool
		summary string
	}{
		{"bare report", report, true, "wrote the note"},
		{"chatter before report", "reading index...\nwriting file...\n" + report + "\n", true, "wrote the note"},
		{"fenced report", "done\n```json\n" + report + "\n```\n", true, "wrote the note"},
		{"summary only", `{"summary":"nothing to do"}`, true, "nothing to do"},
		{"no report", "just chatter, no json", false, ""},
		{"empty object", `{}`, false, ""},
		{"unrelated json", `{"foo":"bar"}`, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep, ok := parseReport(tc.out)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && rep.Summary != tc.summary {
				t.Errorf("summary = %q, want %q", rep.Summary, tc.summary)
			}
		})
	}
}

func TestParseReportNestedChangeObjects(t *testing.T) {
	out := `log line {"irrelevant":true}
{"summary":"moved and edited","changes":[
  {"action":"moved","path":"topics/b.md","from":"topics/a.md"},
  {"action":"modified","path":"index.md"}
]}`
	rep, ok := parseReport(out)
	if !ok {
		t.Fatal("report not found")
	}
	if len(rep.Changes) != 2 {
		t.Fatalf("changes = %+v", rep.Changes)
	}
	if rep.Changes[0].From != "topics/a.md" {
		t.Errorf("move from = %q", rep.Changes[0].From)
	}
}

func TestReplayChanges(t *testing.T) {
	b := bus.New()
	var topics []bus.Topic
	b.SubscribeAll(func(evt bus.Event) { topics = append(topics, evt.Topic) })
	tracker := tools.NewChangeTracker(b, 7, "main", "test")

	replayChanges(tracker, []externalChange{
		{Action: "created", Path: "topics/a.md"},
		{Action: "edit", Path: "index.md"},
		{Action: "deleted", Path: "topics/old.md"},
		{Action: "moved", Path: "topics/b.md", From: "topics/a.md"},
		{Action: "moved", Path: "topics/no-from.md"}, // skipped
		{Action: "compiled", Path: "whatever"},       // unknown, skipped
		{Action: "created", Path: ""},                // skipped
	})

	snap := tracker.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("changes = %+v", snap)
	}
	want := []bus.Topic{
		bus.TopicKBFileCreated,
		bus.TopicKBFileModified,
		bus.TopicKBFileDeleted,
		bus.TopicKBFileDeleted, // move = delete old + create new
		bus.TopicKBFileCreated,
	}
	if len(topics) != len(want) {
		t.Fatalf("events = %v", topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, topics[i], want[i])
		}
	}
}

func TestExternalDecideRunsOnce(t *testing.T) {
	requireSh(t)

	b := bus.New()
	var events []bus.Event
	b.SubscribeAll(func(evt bus.Event) { events = append(events, evt) })

	task := testTask()
	task.Invocation.KBRoot = t.TempDir()
	task.Invocation.Changes = tools.NewChangeTracker(b, 7, "main", "test")

	script := `cat > /dev/null
echo "scanning knowledge base..."
echo '{"summary":"captured the article","changes":[{"action":"created","path":"topics/ai/llm.md"}]}'`
	s := NewExternal("sh", "-c", script)

	dec, err := s.Decide(context.Background(), &State{Task: task})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Kind != DecideEnd || dec.Answer != "captured the article" {
		t.Errorf("decision = %+v", dec)
	}

	snap := task.Invocation.Changes.Snapshot()
	if len(snap) != 1 || snap[0].Path != "topics/ai/llm.md" {
		t.Errorf("changes = %+v", snap)
	}
	if len(events) != 1 || events[0].Topic != bus.TopicKBFileCreated {
		t.Errorf("events = %+v", events)
	}
}

func TestExternalSecondDecisionRejected(t *testing.T) {
	s := NewExternal("sh", "-c", "true")
	_, err := s.Decide(context.Background(), &State{Task: testTask(), Iteration: 1})
	if !fault.Is(err, fault.Permanent) {
		t.Errorf("kind = %v, want permanent", fault.KindOf(err))
	}
}

func TestExternalCommandFailure(t *testing.T) {
	requireSh(t)

	task := testTask()
	task.Invocation.KBRoot = t.TempDir()
	s := NewExternal("sh", "-c", "echo 'model quota exceeded' >&2; exit 3")

	_, err := s.Decide(context.Background(), &State{Task: task})
	if !fault.Is(err, fault.Permanent) {
		t.Fatalf("kind = %v, want permanent (%v)", fault.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "model quota exceeded") {
		t.Errorf("error should carry stderr: %v", err)
	}
}

func TestExternalMissingReport(t *testing.T) {
	requireSh(t)

	task := testTask()
	task.Invocation.KBRoot = t.TempDir()
	s := NewExternal("sh", "-c", "echo all done, no json here")

	_, err := s.Decide(context.Background(), &State{Task: task})
	if !fault.Is(err, fault.Permanent) {
		t.Fatalf("kind = %v, want permanent (%v)", fault.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "no report") {
		t.Errorf("err = %v", err)
	}
}

func TestExternalPromptOnStdin(t *testing.T) {
	requireSh(t)

	task := testTask()
	task.Prompt = "summarize the forwarded article"
	task.Invocation.KBRoot = t.TempDir()

	// The script echoes the prompt back as the summary.
	script := `read -r line
printf '{"summary":"%s"}\n' "$line"`
	s := NewExternal("sh", "-c", script)

	dec, err := s.Decide(context.Background(), &State{Task: task})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Answer != "summarize the forwarded article" {
		t.Errorf("answer = %q", dec.Answer)
	}
}
