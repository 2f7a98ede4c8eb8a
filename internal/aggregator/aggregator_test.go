package aggregator

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/tasks"
)

func newTestAggregator(t *testing.T, idle time.Duration, cb Callback) (*Aggregator, *tasks.Manager) {
	t.Helper()
	m := tasks.NewManager(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})

	a, err := New(Options{UserID: 7, Idle: idle, Tasks: m, Deliver: cb})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a, m
}

func msg(id, text string) Message {
	return Message{MessageID: id, ChatID: "chat-1", UserID: 7, Text: text}
}

func waitGroup(t *testing.T, ch <-chan Group) Group {
	t.Helper()
	select {
	case g := <-ch:
		return g
	case <-time.After(2 * time.Second):
		t.Fatal("no group delivered")
		return Group{}
	}
}

func TestIdleTimeoutClosesGroup(t *testing.T) {
	delivered := make(chan Group, 1)
	a, _ := newTestAggregator(t, 80*time.Millisecond, func(ctx context.Context, g Group) error {
		delivered <- g
		return nil
	})

	ts1 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(5 * time.Second)
	m1 := msg("m1", "first")
	m1.Timestamp = ts1
	m2 := msg("m2", "second")
	m2.Timestamp = ts2

	if err := a.Add(context.Background(), m1); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := a.Add(context.Background(), m2); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	g := waitGroup(t, delivered)
	if g.ID == "" {
		t.Error("group has no id")
	}
	if g.UserID != 7 {
		t.Errorf("UserID = %d, want 7", g.UserID)
	}
	if len(g.Messages) != 2 || g.Messages[0].MessageID != "m1" || g.Messages[1].MessageID != "m2" {
		t.Errorf("Messages = %+v, want m1 then m2", g.Messages)
	}
	if !g.FirstSeenAt.Equal(ts1) || !g.LastSeenAt.Equal(ts2) {
		t.Errorf("seen window = %v..%v, want %v..%v", g.FirstSeenAt, g.LastSeenAt, ts1, ts2)
	}
	if g.ChatID() != "chat-1" {
		t.Errorf("ChatID() = %q, want chat-1", g.ChatID())
	}
}

// Messages arriving faster than the idle window must extend the open
// group rather than let it close; one delivery carries all of them.
func TestAddResetsIdleTimer(t *testing.T) {
	var count atomic.Int32
	delivered := make(chan Group, 4)
	a, _ := newTestAggregator(t, 200*time.Millisecond, func(ctx context.Context, g Group) error {
		count.Add(1)
		delivered <- g
		return nil
	})

	for i, text := range []string{"a", "b", "c", "d"} {
		if i > 0 {
			time.Sleep(80 * time.Millisecond)
		}
		if err := a.Add(context.Background(), msg(text, text)); err != nil {
			t.Fatalf("Add(%q) error: %v", text, err)
		}
	}

	g := waitGroup(t, delivered)
	if len(g.Messages) != 4 {
		t.Errorf("got %d messages in group, want 4", len(g.Messages))
	}
	time.Sleep(100 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestFlushClosesImmediately(t *testing.T) {
	var count atomic.Int32
	delivered := make(chan Group, 2)
	a, _ := newTestAggregator(t, time.Hour, func(ctx context.Context, g Group) error {
		count.Add(1)
		delivered <- g
		return nil
	})

	a.Add(context.Background(), msg("m1", "first"))
	a.Add(context.Background(), msg("m2", "second"))
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	g := waitGroup(t, delivered)
	if len(g.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(g.Messages))
	}

	// State is cleared; a second flush has nothing to deliver.
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush() error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	delivered := make(chan Group, 2)
	a, _ := newTestAggregator(t, time.Hour, func(ctx context.Context, g Group) error {
		delivered <- g
		return nil
	})

	a.Add(context.Background(), msg("m1", "first"))
	a.Flush(context.Background())
	first := waitGroup(t, delivered)

	a.Add(context.Background(), msg("m2", "second"))
	a.Flush(context.Background())
	second := waitGroup(t, delivered)

	if first.ID == second.ID {
		t.Error("groups share an id")
	}
	if len(second.Messages) != 1 || second.Messages[0].MessageID != "m2" {
		t.Errorf("second group = %+v, want just m2", second.Messages)
	}
}

func TestDeliveryRunsAsTrackedTask(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	a, m := newTestAggregator(t, time.Hour, func(ctx context.Context, g Group) error {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	defer close(block)

	a.Add(context.Background(), msg("m1", "first"))
	a.Flush(context.Background())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery task never started")
	}

	var found bool
	for _, info := range m.List() {
		if strings.HasPrefix(info.ID, "aggregator_flush_7_") {
			found = true
			if info.Meta.UserID != 7 {
				t.Errorf("flush task UserID = %d, want 7", info.Meta.UserID)
			}
		}
	}
	if !found {
		t.Errorf("no aggregator_flush task registered; live tasks: %+v", m.List())
	}
	if _, ok := m.Get(tasks.AggregatorTaskID(7)); !ok {
		t.Error("aggregator loop task not registered")
	}
}

func TestStopDropsOpenGroup(t *testing.T) {
	var count atomic.Int32
	a, _ := newTestAggregator(t, 100*time.Millisecond, func(ctx context.Context, g Group) error {
		count.Add(1)
		return nil
	})

	a.Add(context.Background(), msg("m1", "first"))
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := count.Load(); n != 0 {
		t.Errorf("deliveries after Stop = %d, want 0", n)
	}
}

func TestStopCancelsInFlightDelivery(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	a, _ := newTestAggregator(t, time.Hour, func(ctx context.Context, g Group) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	a.Add(context.Background(), msg("m1", "first"))
	a.Flush(context.Background())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight delivery was not cancelled by Stop")
	}
}

func TestAddAfterStopFails(t *testing.T) {
	a, _ := newTestAggregator(t, time.Hour, func(ctx context.Context, g Group) error { return nil })

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	err := a.Add(context.Background(), msg("m1", "late"))
	if err == nil {
		t.Fatal("Add after Stop should fail")
	}
	if fault.KindOf(err) != fault.Cancelled {
		t.Errorf("KindOf = %v, want Cancelled", fault.KindOf(err))
	}
}

func TestNewValidatesOptions(t *testing.T) {
	m := tasks.NewManager(context.Background())
	defer m.Stop(context.Background())

	if _, err := New(Options{Tasks: m}); fault.KindOf(err) != fault.Validation {
		t.Errorf("New without callback: KindOf = %v, want Validation", fault.KindOf(err))
	}
	cb := func(ctx context.Context, g Group) error { return nil }
	if _, err := New(Options{Deliver: cb}); fault.KindOf(err) != fault.Validation {
		t.Errorf("New without manager: KindOf = %v, want Validation", fault.KindOf(err))
	}

	a, err := New(Options{Tasks: m, Deliver: cb})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if a.idle != DefaultIdleTimeout {
		t.Errorf("idle = %v, want default %v", a.idle, DefaultIdleTimeout)
	}
}

func TestGroupHelpers(t *testing.T) {
	g := Group{Messages: []Message{
		{ChatID: "c9", Text: "alpha", Attachments: []Attachment{{ID: "f1", Hash: "h1"}, {ID: "f2"}}},
		{ChatID: "c9", Text: "beta", Attachments: []Attachment{{ID: "f3", Hash: "h3"}}},
	}}

	if g.ChatID() != "c9" {
		t.Errorf("ChatID() = %q", g.ChatID())
	}
	texts := g.Texts()
	if len(texts) != 2 || texts[0] != "alpha" || texts[1] != "beta" {
		t.Errorf("Texts() = %v", texts)
	}
	hashes := g.AttachmentHashes()
	if len(hashes) != 2 || hashes[0] != "h1" || hashes[1] != "h3" {
		t.Errorf("AttachmentHashes() = %v", hashes)
	}
	if (Group{}).ChatID() != "" {
		t.Error("empty group should have empty ChatID")
	}
}
