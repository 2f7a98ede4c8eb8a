// Package tools holds the tool registry the agent loop draws from:
// built-in knowledge-base tools, external helpers (web search, git,
// github, shell) and bridged MCP server tools. Registration is always
// explicit; the composition root wires everything.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/outbound"
)

// Handler executes one tool call. Implementations must be safe for
// concurrent use; per-call state travels in the invocation and args.
type Handler func(ctx context.Context, inv Invocation, args map[string]any) Result

// Spec declares one tool: its stable name, a model-facing description,
// a JSON-schema-shaped input schema and the handler.
type Spec struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Result is what a tool call returns to the agent loop. Failed results
// are appended to history, never raised; only the loop's own plumbing
// produces Go errors.
type Result struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK builds a successful result.
func OK(output string) Result {
	return Result{OK: true, Output: output}
}

// OKf builds a successful result from a format string.
func OKf(format string, args ...any) Result {
	return Result{OK: true, Output: fmt.Sprintf(format, args...)}
}

// Fail builds a failed result.
func Fail(msg string) Result {
	return Result{Error: msg}
}

// Failf builds a failed result from a format string.
func Failf(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Invocation carries the per-call context: who is asking, which
// knowledge base they operate on and under what policy. Bot, when set,
// lets long tools post progress; Changes, when set, collects mutations
// for the run summary.
type Invocation struct {
	UserID     int64
	ChatID     string
	KBID       string
	KBRoot     string
	TopicsOnly bool
	ReadOnly   bool
	Source     string
	Bot        outbound.Port
	Changes    *ChangeTracker
}

// Sandbox builds the path sandbox for this invocation's knowledge base.
func (inv Invocation) Sandbox() *Sandbox {
	return NewSandbox(inv.KBRoot, inv.TopicsOnly)
}

// Registry is a concurrency-safe name-to-spec map.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a spec; a duplicate name or missing handler is an error.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fault.New(fault.Validation, "tool spec has no name")
	}
	if spec.Handler == nil {
		return fault.Newf(fault.Validation, "tool %q has no handler", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fault.Newf(fault.Conflict, "tool %q already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Unregister removes a tool, reporting whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.specs[name]
	delete(r.specs, name)
	return ok
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns all specs sorted by name, for handing to a provider.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one tool by name. A missing tool is a failed result so
// the agent can correct itself instead of crashing the run.
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation, args map[string]any) Result {
	spec, ok := r.Get(name)
	if !ok {
		return Failf("unknown tool %q", name)
	}
	return spec.Handler(ctx, inv, args)
}

// strArg pulls a string argument, empty when absent or mistyped.
func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// boolArg pulls a bool argument.
func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// intArg pulls a number argument; JSON numbers decode as float64.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
