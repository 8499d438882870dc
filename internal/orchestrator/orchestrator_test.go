package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/convoflow/convoflow/internal/agents"
	"github.com/convoflow/convoflow/internal/bus"
	"github.com/convoflow/convoflow/internal/embedding"
	"github.com/convoflow/convoflow/internal/enrich"
	"github.com/convoflow/convoflow/internal/learning"
	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/patterns"
	"github.com/convoflow/convoflow/internal/policy"
	"github.com/convoflow/convoflow/internal/provider"
	"github.com/convoflow/convoflow/internal/routing"
	"github.com/convoflow/convoflow/internal/sicc"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/tools"
	"github.com/convoflow/convoflow/internal/trigger"
)

type fixture struct {
	store    *store.Store
	registry *agents.Registry
	main     *agents.Agent
	pricing  *agents.Agent
	support  *agents.Agent
	llm      *provider.FakeProvider
	memory   *memory.Store
	metrics  *metrics.Recorder
	sink     *captureSink
	hook     *sicc.Hook
	tools    *tools.Registry
	events   *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []trigger.Event
}

func (l *eventLog) Emit(_ context.Context, ev trigger.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

type captureSink struct {
	mu    sync.Mutex
	items []sicc.Interaction
}

func (c *captureSink) Deliver(_ context.Context, batch []sicc.Interaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, batch...)
	return nil
}

type upperTool struct{}

func (upperTool) Name() string        { return "upper" }
func (upperTool) Description() string { return "uppercase text" }
func (upperTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}
}
func (upperTool) Execute(_ context.Context, params map[string]any) (string, error) {
	return strings.ToUpper(tools.GetString(params, "text", "")), nil
}

// scripted answers topic classification with "pricing" and every other
// request with "<model>: <last user message>". Models listed in broken fail.
func scripted(broken ...string) func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if strings.HasPrefix(req.Messages[0].Content, "You route") {
			user := req.Messages[len(req.Messages)-1].Content
			if strings.Contains(user, "price") {
				return &provider.ChatResponse{Content: "pricing"}, nil
			}
			return &provider.ChatResponse{Content: "none"}, nil
		}
		for _, b := range broken {
			if req.Model == b {
				return nil, errors.New("model overloaded")
			}
		}
		last := req.Messages[len(req.Messages)-1]
		return &provider.ChatResponse{
			Content: req.Model + ": " + last.Content,
			Model:   req.Model,
			Usage:   provider.Usage{TotalTokens: 10},
		}, nil
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	repo := agents.NewRepository(s.DB())
	create := func(a *agents.Agent) *agents.Agent {
		a.IsActive = true
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("create %s: %v", a.Slug, err)
		}
		return a
	}
	f := &fixture{store: s}
	f.main = create(&agents.Agent{Name: "Main", Slug: "main", ClientID: "client-1", Model: "main-model",
		Config: map[string]any{
			"guardrails":    map[string]any{"max_message_length": 200},
			"enabled_tools": []any{"upper", "pager", "whoami"},
		}})
	f.pricing = create(&agents.Agent{Name: "Pricing", Slug: "pricing", ParentID: f.main.ID, Model: "pricing-model",
		Topics: []string{"pricing", "billing"}})
	f.support = create(&agents.Agent{Name: "Support", Slug: "support", ParentID: f.main.ID, Model: "support-model",
		Topics: []string{"support"}})

	f.registry = agents.NewRegistry(repo, time.Minute)
	if _, err := f.registry.LoadAll(ctx); err != nil {
		t.Fatalf("load agents: %v", err)
	}

	f.llm = &provider.FakeProvider{Script: scripted()}
	f.memory = memory.NewStore(s.DB(), embedding.NewHashedBackend(32))
	f.metrics = metrics.NewRecorder(s.DB(), nil)
	f.sink = &captureSink{}
	f.hook = sicc.NewHook(f.sink, 100, nil)
	f.tools = tools.NewRegistry()
	f.tools.Register(upperTool{})
	f.events = &eventLog{}
	return f
}

func (f *fixture) orchestrator(opts Options) *Orchestrator {
	pats := patterns.NewStore(f.store.DB())
	return New(Deps{
		Agents:   f.registry,
		Router:   routing.NewAnalyzer(f.llm, "router-model", time.Second),
		LLM:      f.llm,
		Enricher: enrich.New(f.memory, pats, nil, enrich.DefaultOptions()),
		Store:    f.store,
		Memory:   f.memory,
		Patterns: pats,
		Metrics:  f.metrics,
		Hook:     f.hook,
		Tools:    f.tools,
		Events:   f.events,
	}, opts)
}

func TestProcessDelegatesBySubagentTopic(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Options{})

	resp, err := o.Process(context.Background(), Request{AgentID: "main", Message: "what is the price?"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !resp.Delegated || resp.SubAgentID != f.pricing.ID || resp.Topic != "pricing" {
		t.Fatalf("expected delegation to pricing, got %+v", resp)
	}
	if resp.Response != "pricing-model: what is the price?" {
		t.Errorf("unexpected response %q", resp.Response)
	}
	if resp.Metadata["model"] != "pricing-model" || resp.Metadata["route_method"] != routing.MethodLLM {
		t.Errorf("unexpected metadata %v", resp.Metadata)
	}
	if resp.ConversationID == "" {
		t.Error("conversation ID should be allocated")
	}
}

func TestProcessFallsBackWhenSubagentFails(t *testing.T) {
	f := newFixture(t)
	f.llm.Script = scripted("pricing-model")
	o := f.orchestrator(Options{})

	resp, err := o.Process(context.Background(), Request{AgentID: f.main.ID, Message: "what is the price?"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Delegated || resp.SubAgentID != "" {
		t.Fatalf("expected main agent answer, got %+v", resp)
	}
	if !strings.HasPrefix(resp.Response, "main-model:") {
		t.Errorf("unexpected response %q", resp.Response)
	}
	if resp.Metadata["delegation_error"] == nil {
		t.Error("delegation error should be reported")
	}
}

func TestProcessMainAgentWhenNoTopicMatches(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Options{})

	resp, err := o.Process(context.Background(), Request{AgentID: "main", Message: "hello there"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Delegated || resp.Metadata["route_error"] != "no matching topic" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestProcessErrors(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	if _, err := o.Process(ctx, Request{AgentID: "ghost", Message: "hi"}); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	if _, err := o.Process(ctx, Request{AgentID: "main", Message: "  "}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for empty message, got %v", err)
	}
	long := strings.Repeat("a", 201)
	if _, err := o.Process(ctx, Request{AgentID: "main", Message: long}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for long message, got %v", err)
	}

	f.llm.Script = scripted("main-model")
	if _, err := o.Process(ctx, Request{AgentID: "main", Message: "hello"}); err == nil {
		t.Error("main agent failure should surface")
	}
}

func TestProcessPersistsHistoryAndCapturesLead(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	first, err := o.Process(ctx, Request{AgentID: "main", Message: "hello", Channel: "web", UserID: "u1"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.LeadCaptured {
		t.Error("no contact info, no lead")
	}
	second, err := o.Process(ctx, Request{
		AgentID:        "main",
		Message:        "reach me at jane@example.com or +55 11 98765-4321",
		ConversationID: first.ConversationID,
		Context:        map[string]any{"name": "Jane"},
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.LeadCaptured {
		t.Error("lead should be captured")
	}

	msgs, err := f.store.Messages(ctx, first.ConversationID)
	if err != nil || len(msgs) != 4 {
		t.Fatalf("expected 4 stored messages, got %d (%v)", len(msgs), err)
	}
	// The second call saw the first exchange as history.
	last := f.llm.Requests[len(f.llm.Requests)-1]
	if len(last.Messages) != 4 || last.Messages[1].Content != "hello" {
		t.Errorf("expected system + 2 history + user, got %+v", last.Messages)
	}

	var email, phone, name string
	err = f.store.DB().QueryRowContext(ctx, `SELECT email, phone, name FROM leads WHERE conversation_id = ?`, first.ConversationID).
		Scan(&email, &phone, &name)
	if err != nil {
		t.Fatalf("lead row: %v", err)
	}
	if email != "jane@example.com" || phone != "+5511987654321" || name != "Jane" {
		t.Errorf("unexpected lead %q %q %q", email, phone, name)
	}

	var types []string
	for _, ev := range f.events.events {
		types = append(types, ev.Type)
		if ev.ClientID != "client-1" {
			t.Errorf("event %s has client %q", ev.Type, ev.ClientID)
		}
	}
	if strings.Join(types, ",") != "message,conversation,message,lead,conversation" {
		t.Errorf("unexpected events %v", types)
	}
}

func TestProcessEnrichesAndCreditsUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	faq := "returns are accepted within 30 days"
	chunk := &memory.Chunk{AgentID: f.main.ID, Content: faq, ChunkType: memory.TypeFAQ, Confidence: 0.9}
	if err := f.memory.Create(ctx, chunk); err != nil {
		t.Fatalf("create chunk: %v", err)
	}
	o := f.orchestrator(Options{EnrichmentEnabled: true})

	resp, err := o.Process(ctx, Request{AgentID: "main", Message: faq})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Metadata["enriched"] != true || resp.Metadata["memories_used"] != 1 {
		t.Fatalf("expected enrichment, got %v", resp.Metadata)
	}
	if !strings.Contains(resp.Response, "Relevant Knowledge") {
		t.Errorf("LLM should receive the enriched prompt, got %q", resp.Response)
	}
	got, err := f.memory.Get(ctx, f.main.ID, chunk.ID)
	if err != nil || got.UsageCount != 1 || got.LastUsedAt == nil {
		t.Errorf("memory usage not credited: %+v %v", got, err)
	}
	days, err := f.metrics.Get(ctx, f.main.ID, 1)
	if err != nil || len(days) != 1 || days[0].MemoryChunksUsed != 1 {
		t.Errorf("memory usage metric not recorded: %+v %v", days, err)
	}
}

func TestProcessRunsEnabledTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	calls := 0
	f.llm.Script = func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if strings.HasPrefix(req.Messages[0].Content, "You route") {
			return &provider.ChatResponse{Content: "none"}, nil
		}
		calls++
		if calls == 1 {
			if len(req.Tools) != 1 || req.Tools[0].Function.Name != "upper" {
				t.Errorf("expected the upper tool to be offered, got %+v", req.Tools)
			}
			return &provider.ChatResponse{ToolCalls: []provider.ToolCall{
				{ID: "call-1", Name: "upper", Arguments: map[string]any{"text": "ok"}},
			}}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "tool" || last.ToolCallID != "call-1" {
			t.Errorf("expected tool result, got %+v", last)
		}
		return &provider.ChatResponse{Content: "tool said " + last.Content}, nil
	}
	o := f.orchestrator(Options{})

	resp, err := o.Process(ctx, Request{AgentID: "main", Message: "shout ok"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Response != "tool said OK" {
		t.Errorf("unexpected response %q", resp.Response)
	}
	if len(resp.IntegrationsUsed) != 1 || resp.IntegrationsUsed[0] != "upper" {
		t.Errorf("unexpected integrations %v", resp.IntegrationsUsed)
	}
}

type pagerTool struct{ upperTool }

func (pagerTool) Name() string { return "pager" }
func (pagerTool) Tier() int    { return tools.TierExternal }

func TestProcessDeniesToolAboveChannelTier(t *testing.T) {
	f := newFixture(t)
	f.tools.Register(pagerTool{})
	ctx := context.Background()

	f.llm.Script = func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if strings.HasPrefix(req.Messages[0].Content, "You route") {
			return &provider.ChatResponse{Content: "none"}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "tool" {
			return &provider.ChatResponse{Content: last.Content}, nil
		}
		return &provider.ChatResponse{ToolCalls: []provider.ToolCall{
			{ID: "call-1", Name: "pager", Arguments: map[string]any{"text": "wake up"}},
		}}, nil
	}
	o := New(Deps{
		Agents: f.registry,
		LLM:    f.llm,
		Tools:  f.tools,
		Policy: policy.NewTierEngine(tools.TierExternal, tools.TierWrite),
	}, Options{})

	resp, err := o.Process(ctx, Request{AgentID: "main", Message: "page the team", Channel: "whatsapp"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(resp.Response, "tier_2_denied_for_external_message") {
		t.Errorf("expected a denial, got %q", resp.Response)
	}

	resp, err = o.Process(ctx, Request{AgentID: "main", Message: "page the team", Channel: "cli"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Response != "WAKE UP" {
		t.Errorf("operator call should run the tool, got %q", resp.Response)
	}
}

type countingTool struct {
	upperTool
	name  string
	mu    sync.Mutex
	calls []map[string]any
}

func (c *countingTool) Name() string { return c.name }
func (c *countingTool) Execute(_ context.Context, params map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, params)
	return "client=" + tools.GetString(params, tools.ClientIDKey, ""), nil
}

// callOnce makes the model call tool once and then answer with the tool result.
func callOnce(tool string) func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if strings.HasPrefix(req.Messages[0].Content, "You route") {
			return &provider.ChatResponse{Content: "none"}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "tool" {
			return &provider.ChatResponse{Content: last.Content}, nil
		}
		return &provider.ChatResponse{ToolCalls: []provider.ToolCall{
			{ID: "call-1", Name: tool, Arguments: map[string]any{"text": "x", tools.ClientIDKey: "someone-else"}},
		}}, nil
	}
}

func TestProcessRejectsToolNotEnabled(t *testing.T) {
	f := newFixture(t)
	secret := &countingTool{name: "secret"}
	f.tools.Register(secret)
	f.llm.Script = callOnce("secret")
	o := New(Deps{
		Agents: f.registry,
		LLM:    f.llm,
		Tools:  f.tools,
		Policy: policy.NewTierEngine(tools.TierExternal, tools.TierReadOnly),
	}, Options{})

	resp, err := o.Process(context.Background(), Request{AgentID: "main", Message: "read the secret", Channel: "whatsapp"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Response != "Error: tool secret is not enabled for this agent" {
		t.Errorf("unexpected response %q", resp.Response)
	}
	if len(secret.calls) != 0 {
		t.Errorf("tool outside enabled_tools ran %d times", len(secret.calls))
	}
	for _, call := range f.llm.Requests {
		for _, def := range call.Tools {
			if def.Function.Name == "secret" {
				t.Error("tool outside enabled_tools offered to the model")
			}
		}
	}
}

func TestProcessRunsToolsForResolvedClient(t *testing.T) {
	f := newFixture(t)
	whoami := &countingTool{name: "whoami"}
	f.tools.Register(whoami)
	f.llm.Script = callOnce("whoami")
	o := f.orchestrator(Options{})

	resp, err := o.Process(context.Background(), Request{AgentID: "main", Message: "who am I", Channel: "whatsapp"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Response != "client=client-1" {
		t.Errorf("tool should run for the agent's client, got %q", resp.Response)
	}
	if len(whoami.calls) != 1 || whoami.calls[0][tools.AgentIDKey] != f.main.ID {
		t.Errorf("unexpected tool calls %v", whoami.calls)
	}
}

func TestNegativeFeedbackLowersPatternSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pats := patterns.NewStore(f.store.DB())
	p := &patterns.Pattern{
		AgentID:        f.main.ID,
		PatternType:    patterns.TypeToneAdjustment,
		TriggerContext: map[string]any{"intent": "refund"},
		ActionConfig:   map[string]any{"strategy": "apologize first"},
		SuccessRate:    0.9,
	}
	if err := pats.Create(ctx, p); err != nil {
		t.Fatalf("create pattern: %v", err)
	}
	o := f.orchestrator(Options{EnrichmentEnabled: true})

	ask := func() *Response {
		t.Helper()
		resp, err := o.Process(ctx, Request{AgentID: "main", ConversationID: "conv-refund", Message: "how do refunds work?",
			Context: map[string]any{"intent": "refund"}})
		if err != nil {
			t.Fatalf("ask: %v", err)
		}
		return resp
	}
	complain := func() {
		t.Helper()
		if _, err := o.Process(ctx, Request{AgentID: "main", ConversationID: "conv-refund", Message: "That's wrong."}); err != nil {
			t.Fatalf("complain: %v", err)
		}
	}

	for i := 0; i < 4; i++ {
		ask()
	}
	got, err := pats.Get(ctx, f.main.ID, p.ID)
	if err != nil || got.TotalApplications != 4 || got.SuccessRate != 1 {
		t.Fatalf("expected 4 successful applications, got %+v %v", got, err)
	}

	var last *Response
	for i := 0; i < 3; i++ {
		complain()
		last = ask()
	}
	got, err = pats.Get(ctx, f.main.ID, p.ID)
	if err != nil {
		t.Fatalf("get pattern: %v", err)
	}
	if got.TotalApplications != 6 || got.SuccessfulApplications != 3 || got.SuccessRate != 0.5 {
		t.Fatalf("expected 3 of 6 successful, got total=%d ok=%d rate=%v",
			got.TotalApplications, got.SuccessfulApplications, got.SuccessRate)
	}
	if last.Metadata["patterns_applied"] != 0 {
		t.Errorf("pattern below the confidence floor should not be applied, got %v", last.Metadata["patterns_applied"])
	}

	st := learning.DefaultSettings()
	n, err := pats.DeactivateLowPerforming(ctx, f.main.ID, st.PatternMinUsageCount, st.PatternSuccessThreshold)
	if err != nil || n != 1 {
		t.Fatalf("expected the pattern to be deactivated, got %d %v", n, err)
	}
}

func TestFailedCallCountsAsPatternFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pats := patterns.NewStore(f.store.DB())
	p := &patterns.Pattern{
		AgentID:        f.main.ID,
		PatternType:    patterns.TypeToneAdjustment,
		TriggerContext: map[string]any{"intent": "refund"},
		ActionConfig:   map[string]any{"strategy": "apologize first"},
		SuccessRate:    0.9,
	}
	if err := pats.Create(ctx, p); err != nil {
		t.Fatalf("create pattern: %v", err)
	}
	f.llm.Script = scripted("main-model")
	o := f.orchestrator(Options{EnrichmentEnabled: true})

	if _, err := o.Process(ctx, Request{AgentID: "main", Message: "refund please", Context: map[string]any{"intent": "refund"}}); err == nil {
		t.Fatal("expected the main agent failure to surface")
	}
	got, err := pats.Get(ctx, f.main.ID, p.ID)
	if err != nil || got.TotalApplications != 1 || got.SuccessfulApplications != 0 {
		t.Fatalf("failed call should count as a failed application, got %+v %v", got, err)
	}
}

func TestProcessHandsInteractionToHook(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	resp, err := o.Process(ctx, Request{AgentID: "main", Message: "what is the price?", Context: map[string]any{"intent": "buy"}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	f.hook.Flush(ctx)

	if len(f.sink.items) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(f.sink.items))
	}
	in := f.sink.items[0]
	if in.AgentID != f.pricing.ID || in.AgentType != "sub_agent" || in.ConversationID != resp.ConversationID {
		t.Errorf("unexpected interaction %+v", in)
	}
	if !in.Success || in.Response != resp.Response || in.Context["intent"] != "buy" {
		t.Errorf("unexpected interaction %+v", in)
	}
	if n := len(in.Messages); n != 2 || in.Messages[n-1].Role != "assistant" {
		t.Errorf("unexpected messages %+v", in.Messages)
	}
}

func TestConvLocksSerializeAndRelease(t *testing.T) {
	l := newConvLocks()
	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("c1")
			mu.Lock()
			active++
			maxActive = max(maxActive, active)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("expected one holder at a time, saw %d", maxActive)
	}
	if l.size() != 0 {
		t.Errorf("locks should be released, %d left", l.size())
	}
}

func TestGatewayAnswersInOrder(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Options{})
	b := bus.NewMessageBus(10)

	replies := make(chan *bus.OutboundMessage, 10)
	b.Subscribe("whatsapp", func(m *bus.OutboundMessage) { replies <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.DispatchOutbound(ctx) }()
	done := make(chan error, 1)
	go func() { done <- NewGateway(b, o, 3, "main").Run(ctx) }()

	for _, text := range []string{"one", "two", "three"} {
		if err := b.PublishInbound(ctx, &bus.InboundMessage{Channel: "whatsapp", ChatID: "5511", SenderID: "5511", Content: text}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case m := <-replies:
			if m.ChatID != "5511" || m.Content != "main-model: "+want {
				t.Fatalf("expected reply to %q, got %+v", want, m)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for reply to %q", want)
		}
	}

	key := (&bus.InboundMessage{Channel: "whatsapp", AgentID: "main", ChatID: "5511"}).ConversationKey()
	msgs, err := f.store.Messages(context.Background(), ConversationID(key))
	if err != nil || len(msgs) != 6 {
		t.Errorf("expected 6 stored messages in one conversation, got %d (%v)", len(msgs), err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("gateway returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestContactInfo(t *testing.T) {
	tests := []struct {
		text, email, phone string
	}{
		{"mail me: a.b@shop.io", "a.b@shop.io", ""},
		{"call (11) 2345-6789", "", "1123456789"},
		{"order 12345 please", "", ""},
	}
	for _, tt := range tests {
		email, phone := contactInfo(tt.text)
		if email != tt.email || phone != tt.phone {
			t.Errorf("contactInfo(%q) = %q, %q", tt.text, email, phone)
		}
	}
}
