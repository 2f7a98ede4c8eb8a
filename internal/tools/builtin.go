package tools

import (
	"context"
	"fmt"

	"github.com/notemill/notemill/internal/memory"
)

// Output and argument caps shared by the built-in tools.
const (
	maxToolFileBytes   = 512 * 1024 // largest file kb_read_file returns whole
	maxToolOutputBytes = 48 * 1024  // tool output truncation threshold
	maxSearchHits      = 50
)

// ContentHit is one match returned by a content search backend.
type ContentHit struct {
	Path    string `json:"path"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// ContentSearcher is the index-backed search port behind
// kb_search_content. When absent the tool falls back to scanning files.
type ContentSearcher interface {
	SearchContent(ctx context.Context, kbID, query string, limit int) ([]ContentHit, error)
}

// BuiltinOptions configures the built-in tool set at registration time.
type BuiltinOptions struct {
	// Search serves web_search. Nil registers a keyless DuckDuckGo
	// provider so the tool always works.
	Search SearchProvider
	// Index serves kb_search_content when set.
	Index ContentSearcher
	// GitHubToken enables github_api; the tool is not registered
	// without one.
	GitHubToken string
	// EnableShell registers the shell tool. Off by default.
	EnableShell bool
	// Memory registers the memory_* tools when set.
	Memory memory.Store
}

// RegisterBuiltins wires every built-in tool into reg. Conditional
// tools (github_api, shell) are registered only when configured on.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) error {
	specs := []Spec{
		planTodoSpec(),
		analyzeContentSpec(),
		kbReadFileSpec(),
		kbListDirectorySpec(),
		kbSearchFilesSpec(),
		kbSearchContentSpec(opts.Index),
		fileCreateSpec(),
		fileEditSpec(),
		fileDeleteSpec(),
		fileMoveSpec(),
		folderCreateSpec(),
		folderDeleteSpec(),
		folderMoveSpec(),
		webSearchSpec(opts.Search),
		gitCommandSpec(),
	}
	if opts.GitHubToken != "" {
		specs = append(specs, githubAPISpec(opts.GitHubToken))
	}
	if opts.EnableShell {
		specs = append(specs, shellSpec())
	}
	if opts.Memory != nil {
		specs = append(specs,
			memorySaveSpec(opts.Memory),
			memoryRecallSpec(opts.Memory),
			memoryListSpec(opts.Memory),
			memoryForgetSpec(opts.Memory),
		)
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return fmt.Errorf("register builtin %s: %w", s.Name, err)
		}
	}
	return nil
}

// truncateOutput caps tool output so a single result cannot flood the
// model context.
func truncateOutput(s string) string {
	if len(s) <= maxToolOutputBytes {
		return s
	}
	return s[:maxToolOutputBytes] + "\n... (output truncated)"
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func numProp(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}
