package routing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/convoflow/convoflow/internal/agents"
	"github.com/convoflow/convoflow/internal/provider"
)

func TestAnalyzeTopicEmptyTopicsSkipsLLM(t *testing.T) {
	llm := &provider.FakeProvider{Responses: []string{"pricing"}}
	a := NewAnalyzer(llm, "m", 0)
	res := a.AnalyzeTopic(context.Background(), "hello", nil)
	if res.Topic != "" || res.Method != MethodNone {
		t.Errorf("expected none, got %+v", res)
	}
	if llm.Calls() != 0 {
		t.Errorf("LLM should not be called, got %d calls", llm.Calls())
	}
}

func TestAnalyzeTopicLLMPath(t *testing.T) {
	tests := []struct {
		answer string
		want   string
		method string
	}{
		{"Pricing", "pricing", MethodLLM},
		{"  \"billing\".\n", "billing", MethodLLM},
		{"none", "", MethodNone},
		{"NONE.", "", MethodNone},
	}
	for _, tt := range tests {
		a := NewAnalyzer(&provider.FakeProvider{Responses: []string{tt.answer}}, "m", 0)
		res := a.AnalyzeTopic(context.Background(), "anything", []string{"pricing", "billing"})
		if res.Topic != tt.want || res.Method != tt.method {
			t.Errorf("answer %q: got %+v, want topic %q method %s", tt.answer, res, tt.want, tt.method)
		}
	}
}

func TestAnalyzeTopicFallsBackToKeywords(t *testing.T) {
	a := NewAnalyzer(&provider.FakeProvider{Err: errors.New("timeout")}, "m", 0)
	res := a.AnalyzeTopic(context.Background(), "I need SUPPORT with my order", []string{"pricing", "support"})
	if res.Topic != "support" || res.Method != MethodKeyword || res.LLMError == "" {
		t.Errorf("unexpected fallback %+v", res)
	}

	a = NewAnalyzer(&provider.FakeProvider{Responses: []string{"weather"}}, "m", 0)
	res = a.AnalyzeTopic(context.Background(), "what are your prices", []string{"prices"})
	if res.Topic != "prices" || res.Method != MethodKeyword {
		t.Errorf("unrecognized answer should fall back, got %+v", res)
	}
}

func TestKeywordMatch(t *testing.T) {
	tests := []struct {
		msg    string
		topics []string
		want   string
	}{
		{"Tell me about billing cycles", []string{"pricing", "billing"}, "billing"},
		{"any invoices pending?", []string{"invoice"}, "invoice"},
		{"technical support please", []string{"Technical Support"}, "Technical Support"},
		{"hello there", []string{"pricing"}, ""},
		{"it is ok", []string{"ok"}, "ok"},
	}
	for _, tt := range tests {
		if got := KeywordMatch(tt.msg, tt.topics); got != tt.want {
			t.Errorf("KeywordMatch(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func routingFixture() (*agents.Agent, *agents.Agent, *agents.Agent) {
	mainAgent := &agents.Agent{ID: "A", Slug: "main"}
	s1 := &agents.Agent{ID: "S1", Slug: "sales", ParentID: "A", Topics: []string{"pricing", "billing"}}
	s2 := &agents.Agent{ID: "S2", Slug: "help", ParentID: "A", Topics: []string{"support"}}
	return mainAgent, s1, s2
}

func TestRouteMessageDelegatesToOwner(t *testing.T) {
	mainAgent, s1, s2 := routingFixture()
	llm := &provider.FakeProvider{Responses: []string{"pricing"}}
	a := NewAnalyzer(llm, "m", 0)

	r := a.RouteMessage(context.Background(), "what is the price?", mainAgent, []*agents.Agent{s2, s1})
	if !r.Delegated || r.Agent.ID != "S1" || r.Topic != "pricing" {
		t.Errorf("expected delegation to S1, got %+v", r)
	}
	prompt := llm.Requests[0].Messages[0].Content
	for _, topic := range []string{"pricing", "billing", "support"} {
		if !strings.Contains(prompt, topic) {
			t.Errorf("prompt should list %q: %s", topic, prompt)
		}
	}
}

func TestRouteMessageFallsBackToMain(t *testing.T) {
	mainAgent, s1, s2 := routingFixture()

	a := NewAnalyzer(&provider.FakeProvider{Responses: []string{"none"}}, "m", 0)
	r := a.RouteMessage(context.Background(), "good morning", mainAgent, []*agents.Agent{s1, s2})
	if r.Delegated || r.Agent.ID != "A" || r.Error == "" {
		t.Errorf("expected main agent with error annotation, got %+v", r)
	}

	a = NewAnalyzer(&provider.FakeProvider{Err: errors.New("boom")}, "m", 0)
	r = a.RouteMessage(context.Background(), "good morning", mainAgent, []*agents.Agent{s1, s2})
	if r.Delegated || r.Agent.ID != "A" || r.Error != "classify topic: boom" {
		t.Errorf("expected LLM error annotation, got %+v", r)
	}

	r = a.RouteMessage(context.Background(), "anything", mainAgent, nil)
	if r.Delegated || r.Agent.ID != "A" {
		t.Errorf("no sub-agents must route to main, got %+v", r)
	}
}
