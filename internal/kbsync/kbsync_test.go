package kbsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/notemill/notemill/internal/fault"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	return NewManager(func(kbID string) (string, bool) {
		if kbID == "missing" {
			return "", false
		}
		p := filepath.Join(root, kbID)
		os.MkdirAll(p, 0o755)
		return p, true
	})
}

func TestExclusivity(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	type span struct{ enter, exit time.Time }
	var mu sync.Mutex
	var spans []span

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "kb1", "test", func(ctx context.Context) error {
				s := span{enter: time.Now()}
				time.Sleep(10 * time.Millisecond)
				s.exit = time.Now()
				mu.Lock()
				spans = append(spans, s)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithLock() error: %v", err)
			}
		}()
	}
	wg.Wait()

	// Any two sections must not overlap: sort by enter, check exit <= next enter.
	for i := 0; i < len(spans); i++ {
		for j := 0; j < len(spans); j++ {
			if i == j {
				continue
			}
			a, b := spans[i], spans[j]
			if a.enter.Before(b.enter) && a.exit.After(b.enter) {
				t.Fatalf("critical sections overlap: %v–%v vs %v–%v", a.enter, a.exit, b.enter, b.exit)
			}
		}
	}
}

func TestDifferentKBsDoNotBlock(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	inFirst := make(chan struct{})
	release := make(chan struct{})
	go m.WithLock(ctx, "kb1", "hold", func(ctx context.Context) error {
		close(inFirst)
		<-release
		return nil
	})
	<-inFirst
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- m.WithLock(ctx, "kb2", "other", func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WithLock(kb2) error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("kb2 section blocked behind kb1 lock")
	}
}

func TestTimeoutWhileWaiting(t *testing.T) {
	m := newTestManager(t)

	inFirst := make(chan struct{})
	release := make(chan struct{})
	go m.WithLock(context.Background(), "kb1", "hold", func(ctx context.Context) error {
		close(inFirst)
		<-release
		return nil
	})
	<-inFirst
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.WithLock(ctx, "kb1", "wait", func(ctx context.Context) error {
		t.Error("section body ran despite timeout")
		return nil
	})
	if !fault.Is(err, fault.Timeout) {
		t.Errorf("kind = %v, want Timeout", fault.KindOf(err))
	}
}

func TestErrorStillReleases(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	if err := m.WithLock(ctx, "kb1", "fail", func(ctx context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("WithLock() = %v, want %v", err, wantErr)
	}

	// Lock must be free again.
	done := make(chan error, 1)
	go func() {
		done <- m.WithLock(ctx, "kb1", "after", func(ctx context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second WithLock() error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("lock not released after error exit")
	}
}

func TestReentrantWithinTask(t *testing.T) {
	m := newTestManager(t)
	ran := false
	err := m.WithLock(context.Background(), "kb1", "outer", func(ctx context.Context) error {
		return m.WithLock(ctx, "kb1", "inner", func(ctx context.Context) error {
			ran = true
			return nil
		})
	})
	if err != nil {
		t.Fatalf("reentrant WithLock() error: %v", err)
	}
	if !ran {
		t.Error("inner section never ran")
	}
}

func TestUnknownKB(t *testing.T) {
	m := newTestManager(t)
	err := m.WithLock(context.Background(), "missing", "x", func(ctx context.Context) error { return nil })
	if !fault.Is(err, fault.NotFound) {
		t.Errorf("kind = %v, want NotFound", fault.KindOf(err))
	}
}
