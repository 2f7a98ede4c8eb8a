package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/notemill/notemill/internal/memory"
)

func memorySaveSpec(store memory.Store) Spec {
	return Spec{
		Name:        "memory_save",
		Description: "Remember a fact about the user for future conversations. Use for stable preferences and recurring context, not for note content.",
		InputSchema: objectSchema(map[string]any{
			"content": strProp("The fact to remember, one or two sentences."),
			"tags": map[string]any{
				"type":        "array",
				"description": "Optional labels for later recall.",
				"items":       map[string]any{"type": "string"},
			},
		}, "content"),
		Handler: func(ctx context.Context, inv Invocation, args map[string]any) Result {
			if res, ok := readOnlyGuard(inv); !ok {
				return res
			}
			content := strings.TrimSpace(strArg(args, "content"))
			if content == "" {
				return Fail("content is required")
			}
			e, err := store.Remember(ctx, inv.UserID, content, strsArg(args, "tags"))
			if err != nil {
				return Failf("memory save failed: %v", err)
			}
			return OKf("remembered (id %s)", e.ID)
		},
	}
}

func memoryRecallSpec(store memory.Store) Spec {
	return Spec{
		Name:        "memory_recall",
		Description: "Search remembered facts about the user. Returns the best matches, newest first.",
		InputSchema: objectSchema(map[string]any{
			"query": strProp("Words to look for."),
			"limit": numProp("Maximum entries to return. Default 10."),
		}, "query"),
		Handler: func(ctx context.Context, inv Invocation, args map[string]any) Result {
			query := strings.TrimSpace(strArg(args, "query"))
			if query == "" {
				return Fail("query is required")
			}
			entries, err := store.Recall(ctx, inv.UserID, query, intArg(args, "limit", 10))
			if err != nil {
				return Failf("memory recall failed: %v", err)
			}
			if len(entries) == 0 {
				return OKf("no memories match %q", query)
			}
			return OK(formatMemories(entries))
		},
	}
}

func memoryListSpec(store memory.Store) Spec {
	return Spec{
		Name:        "memory_list",
		Description: "List everything remembered about the user, newest first.",
		InputSchema: objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, inv Invocation, _ map[string]any) Result {
			entries, err := store.List(ctx, inv.UserID)
			if err != nil {
				return Failf("memory list failed: %v", err)
			}
			if len(entries) == 0 {
				return OK("no memories stored yet")
			}
			return OK(truncateOutput(formatMemories(entries)))
		},
	}
}

func memoryForgetSpec(store memory.Store) Spec {
	return Spec{
		Name:        "memory_forget",
		Description: "Delete one remembered fact by its id (shown by memory_list and memory_recall).",
		InputSchema: objectSchema(map[string]any{
			"id": strProp("Id of the entry to delete."),
		}, "id"),
		Handler: func(ctx context.Context, inv Invocation, args map[string]any) Result {
			if res, ok := readOnlyGuard(inv); !ok {
				return res
			}
			id := strings.TrimSpace(strArg(args, "id"))
			if id == "" {
				return Fail("id is required")
			}
			if err := store.Forget(ctx, inv.UserID, id); err != nil {
				return Failf("memory forget failed: %v", err)
			}
			return OKf("forgot %s", id)
		},
	}
}

func formatMemories(entries []memory.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- [%s] %s", e.ID, e.Content)
		if len(e.Tags) > 0 {
			fmt.Fprintf(&sb, " (tags: %s)", strings.Join(e.Tags, ", "))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// strsArg pulls a string-array argument, skipping mistyped elements.
func strsArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
