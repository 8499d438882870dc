package routing

import (
	"context"
	"sort"
	"strings"

	"github.com/convoflow/convoflow/internal/agents"
)

// Route is the routing decision for one message.
type Route struct {
	Agent     *agents.Agent `json:"-"`
	Delegated bool          `json:"delegated"`
	Topic     string        `json:"topic,omitempty"`
	Method    string        `json:"method"`
	// Error annotates a degraded decision; the main agent answers.
	Error string `json:"error,omitempty"`
}

// RouteMessage classifies message into the union of the sub-agents' topics
// and returns the owning sub-agent. Anything short of a match returns the
// main agent, annotated with the reason.
func (a *Analyzer) RouteMessage(ctx context.Context, message string, parent *agents.Agent, subs []*agents.Agent) Route {
	fallback := Route{Agent: parent, Method: MethodNone}
	if len(subs) == 0 {
		return fallback
	}

	ordered := append([]*agents.Agent(nil), subs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Slug < ordered[j].Slug })

	var topics []string
	seen := map[string]bool{}
	for _, s := range ordered {
		for _, t := range s.Topics {
			key := strings.ToLower(strings.TrimSpace(t))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		fallback.Error = "sub-agents declare no topics"
		return fallback
	}

	res := a.AnalyzeTopic(ctx, message, topics)
	if ctx.Err() != nil {
		fallback.Error = ctx.Err().Error()
		return fallback
	}
	if res.Topic == "" {
		fallback.Method = res.Method
		fallback.Error = "no matching topic"
		if res.LLMError != "" {
			fallback.Error = res.LLMError
		}
		return fallback
	}
	for _, s := range ordered {
		for _, t := range s.Topics {
			if strings.EqualFold(strings.TrimSpace(t), strings.TrimSpace(res.Topic)) {
				return Route{Agent: s, Delegated: true, Topic: res.Topic, Method: res.Method}
			}
		}
	}
	fallback.Topic = res.Topic
	fallback.Method = res.Method
	fallback.Error = "topic has no owning sub-agent"
	return fallback
}
