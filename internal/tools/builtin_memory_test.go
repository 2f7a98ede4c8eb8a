package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/notemill/notemill/internal/memory"
)

func newMemoryEnv(t *testing.T) (*Registry, Invocation, memory.Store) {
	t.Helper()
	store, err := memory.NewJSONStore(filepath.Join(t.TempDir(), "memory.json"))
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, BuiltinOptions{Memory: store}); err != nil {
		t.Fatal(err)
	}
	return reg, Invocation{UserID: 42, KBRoot: newTestKB(t)}, store
}

func TestMemoryToolsLifecycle(t *testing.T) {
	reg, inv, store := newMemoryEnv(t)
	ctx := context.Background()

	res := reg.Execute(ctx, "memory_save", inv, map[string]any{
		"content": "Prefers espresso over filter coffee",
		"tags":    []any{"coffee"},
	})
	if !res.OK || !strings.Contains(res.Output, "remembered") {
		t.Fatalf("save failed: %+v", res)
	}
	entries, err := store.List(ctx, 42)
	if err != nil || len(entries) != 1 {
		t.Fatalf("store state: %v, %v", entries, err)
	}
	id := entries[0].ID

	res = reg.Execute(ctx, "memory_recall", inv, map[string]any{"query": "espresso"})
	if !res.OK || !strings.Contains(res.Output, "Prefers espresso") || !strings.Contains(res.Output, "tags: coffee") {
		t.Fatalf("recall output: %+v", res)
	}

	res = reg.Execute(ctx, "memory_list", inv, nil)
	if !res.OK || !strings.Contains(res.Output, id) {
		t.Fatalf("list output: %+v", res)
	}

	res = reg.Execute(ctx, "memory_forget", inv, map[string]any{"id": id})
	if !res.OK {
		t.Fatalf("forget failed: %+v", res)
	}
	res = reg.Execute(ctx, "memory_recall", inv, map[string]any{"query": "espresso"})
	if !res.OK || !strings.Contains(res.Output, "no memories match") {
		t.Fatalf("recall after forget: %+v", res)
	}
}

func TestMemoryWritesBlockedReadOnly(t *testing.T) {
	reg, inv, _ := newMemoryEnv(t)
	ctx := context.Background()
	inv.ReadOnly = true

	res := reg.Execute(ctx, "memory_save", inv, map[string]any{"content": "x"})
	if res.OK || !strings.Contains(res.Error, "read-only") {
		t.Fatalf("save allowed read-only: %+v", res)
	}
	res = reg.Execute(ctx, "memory_forget", inv, map[string]any{"id": "whatever"})
	if res.OK || !strings.Contains(res.Error, "read-only") {
		t.Fatalf("forget allowed read-only: %+v", res)
	}
	// Reads stay available.
	res = reg.Execute(ctx, "memory_list", inv, nil)
	if !res.OK {
		t.Fatalf("list blocked read-only: %+v", res)
	}
}

func TestMemoryToolsNeedAStore(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, BuiltinOptions{}); err != nil {
		t.Fatal(err)
	}
	res := reg.Execute(context.Background(), "memory_save", Invocation{}, map[string]any{"content": "x"})
	if res.OK || !strings.Contains(res.Error, "unknown tool") {
		t.Fatalf("memory_save registered without a store: %+v", res)
	}
}
