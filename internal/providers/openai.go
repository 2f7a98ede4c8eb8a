package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/notemill/notemill/internal/fault"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIOptions configures the OpenAI-compatible client. BaseURL points
// anywhere speaking the chat completions dialect.
type OpenAIOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	EmbedModel  string
	MaxTokens   int
	Temperature float64
	// HTTPClient overrides the default 120s-timeout client.
	HTTPClient *http.Client
}

// OpenAI implements Provider against an OpenAI-compatible endpoint.
type OpenAI struct {
	baseURL     string
	apiKey      string
	model       string
	embedModel  string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// NewOpenAI builds a client from options, filling defaults for the
// endpoint, token ceiling and HTTP client.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAI{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		embedModel:  opts.EmbedModel,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		client:      opts.HTTPClient,
	}
}

func (p *OpenAI) Name() string { return "openai" }

// Chat sends one completion request and maps the reply onto the
// provider-neutral response shape.
func (p *OpenAI) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := p.doJSON(ctx, "/chat/completions", p.buildChatBody(req))
	if err != nil {
		return nil, err
	}

	var wire chatCompletion
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fault.Wrap(fault.Permanent, "provider.chat", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fault.New(fault.Permanent, "provider.chat: response has no choices")
	}

	choice := wire.Choices[0]
	resp := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]any)
		// Malformed argument JSON degrades to an empty arg map; the tool
		// handler reports the missing fields back to the model.
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: args,
		})
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	}
	resp.Usage = Usage{
		PromptTokens:     wire.Usage.PromptTokens,
		CompletionTokens: wire.Usage.CompletionTokens,
		TotalTokens:      wire.Usage.TotalTokens,
	}
	return resp, nil
}

// Embed vectorizes texts through the embeddings endpoint. Order of the
// returned vectors matches the input order.
func (p *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.embedModel == "" {
		return nil, fault.New(fault.Validation, "provider.embed: no embed model configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := p.doJSON(ctx, "/embeddings", map[string]any{
		"model": p.embedModel,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	var wire struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fault.Wrap(fault.Permanent, "provider.embed", err)
	}
	if len(wire.Data) != len(texts) {
		return nil, fault.Newf(fault.Permanent, "provider.embed: got %d vectors for %d inputs", len(wire.Data), len(texts))
	}

	sort.Slice(wire.Data, func(i, j int) bool { return wire.Data[i].Index < wire.Data[j].Index })
	out := make([][]float32, len(wire.Data))
	for i, d := range wire.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// buildChatBody converts the neutral request into the wire dialect:
// tool call arguments become JSON strings, tool results carry their
// call id, and assistant messages with calls omit empty content.
func (p *OpenAI) buildChatBody(req ChatRequest) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				calls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.temperature
	}

	body := map[string]any{
		"model":       p.model,
		"messages":    msgs,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}

	if len(req.Tools) > 0 {
		defs := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			defs[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			}
		}
		body["tools"] = defs
		if req.ToolChoice != "" {
			body["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice},
			}
		} else {
			body["tool_choice"] = "auto"
		}
	}

	return body
}

// doJSON posts one request and returns the raw response body. Network
// failures and 429/5xx statuses classify Transient so the strategy's
// retry loop picks them up; other statuses are Permanent.
func (p *OpenAI) doJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(fault.Permanent, "provider.request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.Permanent, "provider.request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil, fault.Wrap(fault.Cancelled, "provider.request", err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fault.Wrap(fault.Timeout, "provider.request", err)
		}
		return nil, fault.Wrap(fault.Transient, "provider.request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "provider.request", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := fault.Permanent
		if resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode >= 500 {
			kind = fault.Transient
		}
		return nil, fault.Newf(kind, "provider.request: status %d: %s", resp.StatusCode, clipBody(body))
	}

	return body, nil
}

// chatCompletion is the wire response shape shared by the dialect.
type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func clipBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
