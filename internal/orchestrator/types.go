// Package orchestrator routes user messages to the right agent, assembles
// the enriched prompt, invokes the LLM and hands the interaction to SICC.
package orchestrator

import (
	"context"
	"errors"

	"github.com/convoflow/convoflow/internal/agents"
	"github.com/convoflow/convoflow/internal/enrich"
	"github.com/convoflow/convoflow/internal/routing"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/trigger"
)

var (
	// ErrAgentNotFound is returned when the requested agent is unknown or inactive.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrInvalidRequest covers empty messages and guardrail violations.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is one inbound user message. AgentID accepts an ID or a slug.
type Request struct {
	AgentID        string         `json:"agent_id"`
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ClientID       string         `json:"client_id,omitempty"`
	Channel        string         `json:"channel,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// Response is what the caller gets back.
type Response struct {
	Response         string         `json:"response"`
	Delegated        bool           `json:"delegated"`
	SubAgentID       string         `json:"sub_agent_id,omitempty"`
	Topic            string         `json:"topic,omitempty"`
	ConversationID   string         `json:"conversation_id"`
	Metadata         map[string]any `json:"metadata"`
	LeadCaptured     bool           `json:"lead_captured,omitempty"`
	IntegrationsUsed []string       `json:"integrations_used,omitempty"`
}

// Directory resolves agents and their effective configuration.
type Directory interface {
	Lookup(idOrSlug string) (*agents.Agent, bool)
	SubagentsOf(id string) []*agents.Agent
	EffectiveConfig(a *agents.Agent) map[string]any
}

// Router picks the agent that should answer.
type Router interface {
	RouteMessage(ctx context.Context, message string, parent *agents.Agent, subs []*agents.Agent) routing.Route
}

// Enricher adds retrieved knowledge to a prompt.
type Enricher interface {
	Enrich(ctx context.Context, agentID, message string, ctxVals map[string]any) enrich.Result
}

// ConversationStore persists the conversation thread and captured leads.
type ConversationStore interface {
	EnsureConversation(ctx context.Context, id, agentID, clientID, channel, userID string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, agentID, role, content string) (*store.Message, error)
	History(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	SaveLead(ctx context.Context, l *store.Lead) error
}

// MemoryUsage counts retrievals of memory chunks.
type MemoryUsage interface {
	IncrementUsage(ctx context.Context, id string)
}

// EventSink receives record change events for event_based triggers.
type EventSink interface {
	Emit(ctx context.Context, ev trigger.Event) error
}

// PatternUsage records pattern applications.
type PatternUsage interface {
	RecordUsage(ctx context.Context, id string, success bool) error
	RevokeSuccess(ctx context.Context, id string) error
}
