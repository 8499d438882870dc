package provider

import (
	"context"
	"sync"
)

// FakeProvider is a scripted LLMProvider for tests and offline demos.
// Script, then Respond, take precedence over the queued Responses.
type FakeProvider struct {
	mu        sync.Mutex
	Responses []string
	Respond   func(req *ChatRequest) (string, error)
	Script    func(req *ChatRequest) (*ChatResponse, error)
	Err       error
	Requests  []ChatRequest
}

func (f *FakeProvider) DefaultModel() string { return "fake-model" }

func (f *FakeProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, *req)
	if f.Script != nil {
		return f.Script(req)
	}
	if f.Respond != nil {
		content, err := f.Respond(req)
		if err != nil {
			return nil, err
		}
		return &ChatResponse{Content: content, Model: req.Model, FinishReason: "stop"}, nil
	}
	if f.Err != nil {
		return nil, f.Err
	}
	content := "ok"
	if len(f.Responses) > 0 {
		content = f.Responses[0]
		f.Responses = f.Responses[1:]
	}
	return &ChatResponse{Content: content, Model: req.Model, FinishReason: "stop"}, nil
}

// Calls returns how many requests were received.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
