package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/convoflow/convoflow/internal/agents"
	"github.com/convoflow/convoflow/internal/learning"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/policy"
	"github.com/convoflow/convoflow/internal/provider"
	"github.com/convoflow/convoflow/internal/routing"
	"github.com/convoflow/convoflow/internal/sicc"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/tools"
	"github.com/convoflow/convoflow/internal/trigger"
)

const (
	defaultHistoryLimit  = 10
	defaultMaxIterations = 5
	defaultLLMTimeout    = 30 * time.Second

	// appliedConversations bounds how many conversations remember the
	// patterns behind their last answer.
	appliedConversations = 4096
)

// Deps wires the orchestrator. Agents and LLM are required; the rest may
// be nil, which turns the corresponding step off.
type Deps struct {
	Agents   Directory
	Router   Router
	LLM      provider.LLMProvider
	Enricher Enricher
	Store    ConversationStore
	Memory   MemoryUsage
	Patterns PatternUsage
	Metrics  *metrics.Recorder
	Hook     *sicc.Hook
	Tools    *tools.Registry
	Policy   policy.Engine
	Events   EventSink
}

// Options tunes the request path.
type Options struct {
	HistoryLimit      int
	EnrichmentEnabled bool
	MaxIterations     int
	LLMTimeout        time.Duration
	// Model defaults apply when an agent's config leaves them unset.
	DefaultModel       string
	DefaultMaxTokens   int
	DefaultTemperature float64
}

// Orchestrator processes messages: route, enrich, invoke, post-hook.
type Orchestrator struct {
	deps  Deps
	opts  Options
	locks *convLocks
	// applied maps a conversation to the patterns that fed its last answer.
	applied *lru.Cache[string, []string]
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = defaultLLMTimeout
	}
	applied, _ := lru.New[string, []string](appliedConversations)
	return &Orchestrator{deps: deps, opts: opts, locks: newConvLocks(), applied: applied}
}

// Process answers one message. Routing, enrichment and delegation failures
// degrade to the main agent; only an unknown agent, an invalid request or a
// failing main-agent LLM call surface as errors.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	parent, ok := o.deps.Agents.Lookup(req.AgentID)
	if !ok || !parent.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, req.AgentID)
	}
	parentSettings := agents.ViewConfig(o.deps.Agents.EffectiveConfig(parent))
	if limit := parentSettings.Guardrails.MaxMessageLength; limit > 0 && len([]rune(req.Message)) > limit {
		return nil, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidRequest, limit)
	}

	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	unlock := o.locks.lock(req.ConversationID)
	defer unlock()

	if learning.ContainsAny(req.Message, learning.NegativeFeedback) {
		o.revokeLastPatterns(ctx, req.ConversationID)
	}

	clientID := o.resolveClientID(req, parent)
	persist := o.deps.Store != nil
	if persist {
		if _, err := o.deps.Store.EnsureConversation(ctx, req.ConversationID, parent.ID, clientID, req.Channel, req.UserID); err != nil {
			slog.Warn("Conversation unavailable, not persisting", "conversation", req.ConversationID, "error", err)
			persist = false
		}
	}

	route := routing.Route{Agent: parent, Method: routing.MethodNone}
	if o.deps.Router != nil {
		route = o.deps.Router.RouteMessage(ctx, req.Message, parent, o.deps.Agents.SubagentsOf(parent.ID))
	}
	if route.Agent == nil {
		route.Agent = parent
	}

	var history []provider.Message
	if persist {
		history = o.loadHistory(ctx, req.ConversationID)
	}

	meta := map[string]any{}
	if route.Error != "" {
		meta["route_error"] = route.Error
	}
	target := route.Agent
	ans, err := o.respond(ctx, target, req, clientID, history)
	if err != nil && route.Delegated {
		slog.Warn("Sub-agent failed, falling back to main agent", "sub_agent", target.Slug, "error", err)
		o.recordPatternOutcome(ctx, ans, false)
		meta["delegation_error"] = err.Error()
		route = routing.Route{Agent: parent, Topic: route.Topic, Method: route.Method}
		target = parent
		ans, err = o.respond(ctx, target, req, clientID, history)
	}
	if err != nil {
		o.recordPatternOutcome(ctx, ans, false)
		return nil, fmt.Errorf("invoke llm: %w", err)
	}

	resp := &Response{
		Response:         ans.content,
		Delegated:        route.Delegated,
		Topic:            route.Topic,
		ConversationID:   req.ConversationID,
		IntegrationsUsed: ans.integrations,
		Metadata:         meta,
	}
	if route.Delegated {
		resp.SubAgentID = target.ID
	}
	meta["agent_id"] = target.ID
	meta["route_method"] = route.Method
	meta["model"] = ans.model
	meta["tokens"] = ans.usage.TotalTokens
	meta["enriched"] = ans.enrichment.Enriched
	meta["memories_used"] = len(ans.enrichment.Memories)
	meta["patterns_applied"] = len(ans.enrichment.Patterns)

	if persist {
		o.persistTurn(ctx, req, target, ans.content, clientID)
		resp.LeadCaptured = o.captureLead(ctx, req, parent, clientID)
		o.emit(ctx, trigger.Event{Type: "conversation", ID: req.ConversationID, ClientID: clientID})
	}
	o.recordUsage(ctx, req.ConversationID, target, ans)

	elapsed := time.Since(start)
	meta["processing_ms"] = elapsed.Milliseconds()

	o.deps.Hook.OnInteraction(sicc.Interaction{
		AgentID:        target.ID,
		AgentType:      target.Type(),
		ConversationID: req.ConversationID,
		Messages:       append(history, provider.Message{Role: "user", Content: req.Message}, provider.Message{Role: "assistant", Content: ans.content}),
		Response:       ans.content,
		Context:        req.Context,
		Metadata:       meta,
		Success:        true,
		ResponseTimeMs: float64(elapsed.Milliseconds()),
	})

	slog.Info("Message processed",
		"agent", target.Slug,
		"delegated", resp.Delegated,
		"conversation", req.ConversationID,
		"tokens", ans.usage.TotalTokens,
		"duration_ms", elapsed.Milliseconds())
	return resp, nil
}

// resolveClientID prefers the explicit request field, then the request
// context, then the agent record.
func (o *Orchestrator) resolveClientID(req Request, a *agents.Agent) string {
	if req.ClientID != "" {
		return req.ClientID
	}
	if v, ok := req.Context["client_id"].(string); ok && v != "" {
		return v
	}
	return a.ClientID
}

func (o *Orchestrator) loadHistory(ctx context.Context, conversationID string) []provider.Message {
	msgs, err := o.deps.Store.History(ctx, conversationID, o.opts.HistoryLimit)
	if err != nil {
		slog.Warn("Failed to load history", "conversation", conversationID, "error", err)
		return nil
	}
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (o *Orchestrator) persistTurn(ctx context.Context, req Request, target *agents.Agent, reply, clientID string) {
	msg, err := o.deps.Store.AppendMessage(ctx, req.ConversationID, target.ID, "user", req.Message)
	if err != nil {
		slog.Warn("Failed to store user message", "conversation", req.ConversationID, "error", err)
		return
	}
	o.emit(ctx, trigger.Event{Type: "message", ID: msg.ID, ClientID: clientID})
	if _, err := o.deps.Store.AppendMessage(ctx, req.ConversationID, target.ID, "assistant", reply); err != nil {
		slog.Warn("Failed to store reply", "conversation", req.ConversationID, "error", err)
	}
}

func (o *Orchestrator) captureLead(ctx context.Context, req Request, parent *agents.Agent, clientID string) bool {
	email, phone := contactInfo(req.Message)
	if email == "" && phone == "" {
		return false
	}
	name, _ := req.Context["name"].(string)
	lead := &store.Lead{
		ClientID:       clientID,
		AgentID:        parent.ID,
		ConversationID: req.ConversationID,
		Name:           name,
		Email:          email,
		Phone:          phone,
		Data:           map[string]any{"channel": req.Channel, "user_id": req.UserID},
	}
	if err := o.deps.Store.SaveLead(ctx, lead); err != nil {
		slog.Warn("Failed to capture lead", "conversation", req.ConversationID, "error", err)
		return false
	}
	slog.Info("Lead captured", "lead", lead.ID, "agent", parent.Slug)
	o.emit(ctx, trigger.Event{Type: "lead", ID: lead.ID, ClientID: clientID})
	return true
}

func (o *Orchestrator) emit(ctx context.Context, ev trigger.Event) {
	if o.deps.Events == nil {
		return
	}
	if err := o.deps.Events.Emit(ctx, ev); err != nil {
		slog.Warn("Failed to emit trigger event", "type", ev.Type, "id", ev.ID, "error", err)
	}
}

// recordUsage credits the knowledge that went into a successful answer.
// The applied patterns are remembered so negative feedback on the next turn
// can take the success back.
func (o *Orchestrator) recordUsage(ctx context.Context, conversationID string, target *agents.Agent, ans *turn) {
	mems, pats := ans.enrichment.Memories, ans.enrichment.Patterns
	if o.deps.Memory != nil {
		for _, m := range mems {
			o.deps.Memory.IncrementUsage(ctx, m.Chunk.ID)
		}
	}
	o.recordPatternOutcome(ctx, ans, true)
	if len(pats) > 0 {
		ids := make([]string, 0, len(pats))
		for _, p := range pats {
			ids = append(ids, p.Pattern.ID)
		}
		o.applied.Add(conversationID, ids)
	} else {
		o.applied.Remove(conversationID)
	}
	if len(mems) > 0 {
		if err := o.deps.Metrics.IncrementMemoryUsage(ctx, target.ID, len(mems)); err != nil {
			slog.Warn("Failed to record memory usage", "agent", target.ID, "error", err)
		}
	}
	if len(pats) > 0 {
		if err := o.deps.Metrics.IncrementPatternApplication(ctx, target.ID, len(pats)); err != nil {
			slog.Warn("Failed to record pattern application", "agent", target.ID, "error", err)
		}
	}
}

// recordPatternOutcome counts one application of every pattern that fed ans.
func (o *Orchestrator) recordPatternOutcome(ctx context.Context, ans *turn, success bool) {
	if o.deps.Patterns == nil || ans == nil {
		return
	}
	for _, p := range ans.enrichment.Patterns {
		if err := o.deps.Patterns.RecordUsage(ctx, p.Pattern.ID, success); err != nil {
			slog.Warn("Failed to record pattern usage", "pattern", p.Pattern.ID, "success", success, "error", err)
		}
	}
}

// revokeLastPatterns turns the last answer's pattern applications in the
// conversation from successes into failures.
func (o *Orchestrator) revokeLastPatterns(ctx context.Context, conversationID string) {
	if o.deps.Patterns == nil || conversationID == "" {
		return
	}
	ids, ok := o.applied.Get(conversationID)
	if !ok {
		return
	}
	o.applied.Remove(conversationID)
	for _, id := range ids {
		if err := o.deps.Patterns.RevokeSuccess(ctx, id); err != nil {
			slog.Warn("Failed to revoke pattern success", "pattern", id, "error", err)
		}
	}
	slog.Info("Negative feedback on patterns", "conversation", conversationID, "patterns", len(ids))
}

// ActiveConversations returns how many conversations are being processed.
func (o *Orchestrator) ActiveConversations() int {
	return o.locks.size()
}
