// Package providers is the LLM boundary. The agent's decision strategy
// talks through the Provider port; the one shipped implementation
// speaks the OpenAI chat completions dialect, which covers OpenAI,
// OpenRouter, Groq, DeepSeek, Ollama and most self-hosted gateways via
// a configurable base URL.
package providers

import "context"

// Provider is the model behind agent decisions and embeddings.
// Implementations classify transport failures with fault kinds so
// callers can retry Transient errors and surface the rest.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// Message is one conversation entry in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role "tool"
}

// ToolCall is a tool invocation the model asked for.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is the input of one decision call. Zero MaxTokens and
// Temperature fall back to the provider's configured defaults.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDefinition
	// ToolChoice forces the named tool. Empty means the model chooses.
	ToolChoice  string
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the model's reply: either tool calls to execute or
// final content.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// Usage is the token accounting of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
