package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/notemill/notemill/internal/fault"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIOptions{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "test-model",
		EmbedModel: "test-embed",
	})
}

func TestChatParsesToolCalls(t *testing.T) {
	var gotBody map[string]any
	p := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{
						"id": "call_abc",
						"function": {"name": " file_create ", "arguments": "{\"path\":\"topics/ai/llm.md\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	})

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
		Tools: []ToolDefinition{{
			Name:        "file_create",
			Description: "create a file",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Name != "file_create" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["path"] != "topics/ai/llm.md" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if gotBody["model"] != "test-model" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if gotBody["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v", gotBody["tool_choice"])
	}
}

func TestChatForcedToolChoice(t *testing.T) {
	var gotBody map[string]any
	p := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	})

	_, err := p.Chat(context.Background(), ChatRequest{
		Messages:   []Message{{Role: "user", Content: "x"}},
		Tools:      []ToolDefinition{{Name: "plan_todo", Description: "plan"}},
		ToolChoice: "plan_todo",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	choice, ok := gotBody["tool_choice"].(map[string]any)
	if !ok {
		t.Fatalf("tool_choice = %v, want forced object", gotBody["tool_choice"])
	}
	fn, _ := choice["function"].(map[string]any)
	if fn["name"] != "plan_todo" {
		t.Errorf("forced tool = %v", fn)
	}
}

func TestChatWireFormatForToolHistory(t *testing.T) {
	var gotBody struct {
		Messages []map[string]any `json:"messages"`
	}
	p := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"choices":[{"message":{"content":"done"},"finish_reason":"stop"}]}`))
	})

	_, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "do it"},
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID: "call_0", Name: "kb_read_file",
				Arguments: map[string]any{"path": "index.md"},
			}}},
			{Role: "tool", Content: "# Index", ToolCallID: "call_0"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(gotBody.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(gotBody.Messages))
	}

	assistant := gotBody.Messages[1]
	if _, hasContent := assistant["content"]; hasContent {
		t.Error("assistant message with tool calls should omit empty content")
	}
	calls, _ := assistant["tool_calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("tool_calls = %v", assistant["tool_calls"])
	}
	call, _ := calls[0].(map[string]any)
	fn, _ := call["function"].(map[string]any)
	args, _ := fn["arguments"].(string)
	if args == "" {
		t.Error("arguments should be a JSON string")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil || decoded["path"] != "index.md" {
		t.Errorf("arguments = %q", args)
	}

	toolMsg := gotBody.Messages[2]
	if toolMsg["tool_call_id"] != "call_0" {
		t.Errorf("tool_call_id = %v", toolMsg["tool_call_id"])
	}
}

func TestChatStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   fault.Kind
	}{
		{http.StatusTooManyRequests, fault.Transient},
		{http.StatusInternalServerError, fault.Transient},
		{http.StatusBadGateway, fault.Transient},
		{http.StatusUnauthorized, fault.Permanent},
		{http.StatusBadRequest, fault.Permanent},
	}
	for _, tc := range cases {
		p := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":{"message":"nope"}}`))
		})
		_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
		if err == nil {
			t.Fatalf("status %d: want error", tc.status)
		}
		if got := fault.KindOf(err); got != tc.kind {
			t.Errorf("status %d: kind = %v, want %v", tc.status, got, tc.kind)
		}
	}
}

func TestChatMalformedToolArguments(t *testing.T) {
	p := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"id":"c1","function":{"name":"file_edit","arguments":"not json"}}]},"finish_reason":"tool_calls"}]}`))
	})
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	if len(resp.ToolCalls[0].Arguments) != 0 {
		t.Errorf("arguments = %v, want empty map", resp.ToolCalls[0].Arguments)
	}
}

func TestEmbedPreservesInputOrder(t *testing.T) {
	p := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		// Out-of-order indices in the reply.
		w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0.2]},
			{"index":0,"embedding":[0.1]}
		]}`))
	})

	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("vectors = %d", len(vecs))
	}
	if vecs[0][0] != 0.1 || vecs[1][0] != 0.2 {
		t.Errorf("vectors out of order: %v", vecs)
	}
}

func TestEmbedWithoutModelIsValidation(t *testing.T) {
	p := NewOpenAI(OpenAIOptions{Model: "m"})
	_, err := p.Embed(context.Background(), []string{"a"})
	if !fault.Is(err, fault.Validation) {
		t.Errorf("kind = %v, want validation", fault.KindOf(err))
	}
}
