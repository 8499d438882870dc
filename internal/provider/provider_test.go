package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIProvider_DefaultModel(t *testing.T) {
	p := NewOpenAIProvider("test-key", "", "", 0)
	if p.DefaultModel() != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %s", p.DefaultModel())
	}

	p = NewOpenAIProvider("test-key", "", "gpt-4.1", 0)
	if p.DefaultModel() != "gpt-4.1" {
		t.Errorf("expected model gpt-4.1, got %s", p.DefaultModel())
	}
}

func TestOpenAIProvider_ParseSimpleResponse(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		resp := completionResponse{
			Choices: []completionChoice{
				{Message: wireMessage{Role: "assistant", Content: "Hello, world!"}, FinishReason: "stop"},
			},
			Usage: wireUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "test-model", 0)
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:    []Message{{Role: "user", Content: "Hello"}},
		MaxTokens:   100,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got '%s'", resp.Content)
	}
	if resp.Model != "test-model" {
		t.Errorf("expected model to default to request model, got %q", resp.Model)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens 15, got %d", resp.Usage.TotalTokens)
	}
	if gotBody["model"] != "test-model" || gotBody["max_tokens"] != float64(100) {
		t.Errorf("unexpected request body: %v", gotBody)
	}
}

func TestOpenAIProvider_ParseToolCallResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := completionResponse{
			Choices: []completionChoice{
				{
					Message: wireMessage{
						Role: "assistant",
						ToolCalls: []wireToolCall{{
							ID:       "call_123",
							Type:     "function",
							Function: wireFunction{Name: "record_lookup", Arguments: `{"type": "lead", "id": "l-1"}`},
						}},
					},
					FinishReason: "tool_calls",
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "test-model", 0)
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "Look up the lead"}},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if tc := resp.ToolCalls[0]; tc.Name != "record_lookup" || tc.Arguments["id"] != "l-1" {
		t.Errorf("unexpected tool call %+v", tc)
	}
}

func TestOpenAIProvider_SendsToolHistory(t *testing.T) {
	var got completionRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(completionResponse{
			Model:   "served-model",
			Choices: []completionChoice{{Message: wireMessage{Role: "assistant", Content: "done"}}},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("", server.URL+"/", "test-model", 0)
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "shout ok"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "upper", Arguments: map[string]any{"text": "ok"}}}},
			{Role: "tool", Content: "OK", ToolCallID: "c1"},
		},
		Tools: []ToolDefinition{{Type: "function", Function: FunctionDef{Name: "upper"}}},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Model != "served-model" {
		t.Errorf("expected the served model, got %q", resp.Model)
	}
	if auth != "" {
		t.Errorf("no key should send no Authorization header, got %q", auth)
	}
	if got.ToolChoice != "auto" || len(got.Tools) != 1 {
		t.Errorf("tools not offered: %+v", got)
	}
	if len(got.Messages) != 3 || got.Messages[1].ToolCalls[0].Function.Arguments != `{"text":"ok"}` || got.Messages[2].ToolCallID != "c1" {
		t.Errorf("unexpected wire messages %+v", got.Messages)
	}
}

func TestOpenAIProvider_APIErrorClassification(t *testing.T) {
	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error": "nope"}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("bad-key", server.URL, "test-model", 0)
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "Hello"}}})
	if err == nil {
		t.Fatal("expected error for unauthorized request")
	}
	if IsTransient(err) {
		t.Error("401 must not be transient")
	}

	status = http.StatusTooManyRequests
	_, err = p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "Hello"}}})
	if !IsTransient(err) {
		t.Errorf("429 should be transient, got %v", err)
	}
}

func TestAnthropicProvider_Chat(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "Olá!"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider("key", server.URL, "claude-test", 0)
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be kind"},
			{Role: "user", Content: "oi"},
		},
		MaxTokens: 50,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "Olá!" {
		t.Errorf("expected Olá!, got %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("expected 5 tokens, got %d", resp.Usage.TotalTokens)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("system message must be lifted out of messages, got %d", len(msgs))
	}
}

func TestRouterDispatchesByPrefix(t *testing.T) {
	openai := &FakeProvider{Responses: []string{"from-openai"}}
	anth := &FakeProvider{Responses: []string{"from-anthropic"}}
	r, err := NewRouter("openai", map[string]LLMProvider{"openai": openai, "anthropic": anth})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	resp, err := r.Chat(context.Background(), &ChatRequest{Model: "anthropic/claude-x"})
	if err != nil || resp.Content != "from-anthropic" {
		t.Fatalf("expected anthropic backend, got %v %v", resp, err)
	}
	if anth.Requests[0].Model != "claude-x" {
		t.Errorf("prefix should be stripped, got %q", anth.Requests[0].Model)
	}

	resp, _ = r.Chat(context.Background(), &ChatRequest{Model: "gpt-4o"})
	if resp.Content != "from-openai" || openai.Requests[0].Model != "gpt-4o" {
		t.Errorf("unprefixed model should use the fallback unchanged")
	}

	if _, err := NewRouter("missing", map[string]LLMProvider{"openai": openai}); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected error for unknown fallback, got %v", err)
	}
}
