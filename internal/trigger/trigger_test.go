package trigger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/convoflow/convoflow/internal/bus"
	"github.com/convoflow/convoflow/internal/channels"
	"github.com/convoflow/convoflow/internal/retry"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentMessage struct {
	To, Text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail error
}

func (f *fakeSender) SendText(_ context.Context, to, text string) (channels.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return channels.SendResult{}, f.fail
	}
	f.sent = append(f.sent, sentMessage{To: to, Text: text})
	return channels.SendResult{MessageID: "wamid-1", Status: "sent"}, nil
}

func (f *fakeSender) SendMedia(ctx context.Context, to, url, _, caption string) (channels.SendResult, error) {
	return f.SendText(ctx, to, caption+" "+url)
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fixture struct {
	store  *store.Store
	repo   *Repository
	sender *fakeSender
	queue  *bus.LocalQueue
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "triggers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:  s,
		repo:   NewRepository(s.DB()),
		sender: &fakeSender{},
		queue:  bus.NewLocalQueue(16, 2),
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	prev := store.Now
	store.Now = func() time.Time { return f.now }
	t.Cleanup(func() { store.Now = prev })

	execs := NewExecutors(SendMessageAction{Sender: f.sender}, ChangeStatusAction{Records: s})
	f.engine = NewEngine(f.repo, s, execs, f.queue, nil, Options{
		MaxConcurrent: 2,
		Retry:         retry.Config{Attempts: 1},
	})
	f.engine.Serve()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.queue.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) waitExecuted(t *testing.T, triggerID string, n int) []Execution {
	t.Helper()
	var got []Execution
	require.Eventually(t, func() bool {
		all, err := f.repo.Executions(context.Background(), triggerID, 0)
		if err != nil {
			return false
		}
		got = got[:0]
		for _, e := range all {
			if e.ActionExecuted {
				got = append(got, e)
			}
		}
		return len(got) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestIntervalTriggerFiresOncePerInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	last := f.now.Add(-90 * time.Minute)
	tr := &Trigger{
		ClientID:       "acme",
		Name:           "daily nudge",
		TriggerType:    TypeTimeBased,
		TriggerConfig:  map[string]any{"interval_minutes": 60},
		ActionType:     ActionSendMessage,
		ActionConfig:   map[string]any{"to": "+5511999990000", "text": "Hi from {{trigger.name}}"},
		Active:         true,
		LastExecutedAt: &last,
	}
	require.NoError(t, f.repo.Create(ctx, tr))

	stats, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickStats{Evaluated: 1, Met: 1, Dispatched: 1}, stats)

	execs := f.waitExecuted(t, tr.ID, 1)
	assert.Equal(t, "wamid-1", execs[0].Result["message_id"])
	assert.Equal(t, []sentMessage{{To: "+5511999990000", Text: "Hi from daily nudge"}}, f.sender.messages())

	got, err := f.repo.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutionCount)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, got.LastExecutedAt.Equal(f.now))

	f.now = f.now.Add(30 * time.Minute)
	stats, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Evaluated)

	f.now = f.now.Add(31 * time.Minute)
	stats, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	f.waitExecuted(t, tr.ID, 2)
}

func TestConditionNotMetIsLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := &Trigger{
		ClientID:        "acme",
		Name:            "never",
		TriggerType:     TypeTimeBased,
		TriggerConfig:   map[string]any{"interval_minutes": 5},
		ConditionType:   ConditionFieldComparison,
		ConditionConfig: map[string]any{"field": "client_id", "operator": OpEquals, "value": "globex"},
		ActionType:      ActionSendMessage,
		ActionConfig:    map[string]any{"to": "+1", "text": "x"},
		Active:          true,
	}
	require.NoError(t, f.repo.Create(ctx, tr))

	stats, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickStats{Evaluated: 1}, stats)

	execs, err := f.repo.Executions(ctx, tr.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.False(t, execs[0].ConditionMet)
	assert.False(t, execs[0].ActionExecuted)
	assert.Empty(t, f.sender.messages())

	got, err := f.repo.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ExecutionCount)
}

func TestInvalidRenderedConfigFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := &Trigger{
		ClientID:      "acme",
		Name:          "broken",
		TriggerType:   TypeTimeBased,
		TriggerConfig: map[string]any{"interval_minutes": 5},
		ActionType:    ActionSendMessage,
		ActionConfig:  map[string]any{"to": "{{missing.phone}}", "text": "hello"},
		Active:        true,
	}
	require.NoError(t, f.repo.Create(ctx, tr))

	stats, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	execs, err := f.repo.Executions(ctx, tr.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].ConditionMet)
	assert.False(t, execs[0].ActionExecuted)
	assert.Contains(t, execs[0].Error, `"to"`)
}

func TestActionFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.fail = errors.New("whatsapp offline")

	tr := &Trigger{
		ClientID:      "acme",
		Name:          "offline",
		TriggerType:   TypeTimeBased,
		TriggerConfig: map[string]any{"interval_minutes": 5},
		ActionType:    ActionSendMessage,
		ActionConfig:  map[string]any{"to": "+1", "text": "x"},
		Active:        true,
	}
	require.NoError(t, f.repo.Create(ctx, tr))
	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		execs, _ := f.repo.Executions(ctx, tr.ID, 0)
		return len(execs) == 1 && execs[0].Error != ""
	}, 2*time.Second, 10*time.Millisecond)
	execs, _ := f.repo.Executions(ctx, tr.ID, 0)
	assert.Equal(t, "whatsapp offline", execs[0].Error)
	assert.True(t, execs[0].ConditionMet)
}

func TestEventTriggerChangesLeadStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lead := &store.Lead{ClientID: "acme", Name: "Ana", Phone: "+5511987654321", Status: "new"}
	require.NoError(t, f.store.SaveLead(ctx, lead))

	tr := &Trigger{
		ClientID:        "acme",
		Name:            "qualify",
		TriggerType:     TypeEventBased,
		TriggerConfig:   map[string]any{"event_type": "lead"},
		ConditionType:   ConditionFieldComparison,
		ConditionConfig: map[string]any{"field": "phone", "operator": OpContains, "value": "+55"},
		ActionType:      ActionChangeStatus,
		ActionConfig:    map[string]any{"entity": "lead", "id": "{{record.id}}", "status": "qualified"},
		Active:          true,
	}
	require.NoError(t, f.repo.Create(ctx, tr))

	other := &Trigger{
		ClientID:      "globex",
		Name:          "other tenant",
		TriggerType:   TypeEventBased,
		TriggerConfig: map[string]any{"event_type": "lead"},
		ActionType:    ActionChangeStatus,
		ActionConfig:  map[string]any{"entity": "lead", "id": "{{id}}", "status": "stolen"},
		Active:        true,
	}
	require.NoError(t, f.repo.Create(ctx, other))

	stats, err := f.engine.HandleEvent(ctx, Event{Type: "lead", ID: lead.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	f.waitExecuted(t, tr.ID, 1)

	rec, err := f.store.FetchRecord(ctx, "lead", lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "qualified", rec["status"])

	otherExecs, err := f.repo.Executions(ctx, other.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, otherExecs)
}

func TestEmitRoutesThroughQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lead := &store.Lead{ClientID: "acme", Name: "Bo", Email: "bo@example.com", Status: "new"}
	require.NoError(t, f.store.SaveLead(ctx, lead))
	tr := &Trigger{
		ClientID:      "acme",
		Name:          "welcome",
		TriggerType:   TypeEventBased,
		TriggerConfig: map[string]any{"event_type": "lead"},
		ActionType:    ActionSendMessage,
		ActionConfig:  map[string]any{"to": "+1", "text": "New lead {{name}} <{{email}}>"},
		Active:        true,
	}
	require.NoError(t, f.repo.Create(ctx, tr))

	require.NoError(t, f.engine.Emit(ctx, Event{Type: "lead", ID: lead.ID, ClientID: "acme"}))
	f.waitExecuted(t, tr.ID, 1)
	assert.Equal(t, []sentMessage{{To: "+1", Text: "New lead Bo <bo@example.com>"}}, f.sender.messages())
}

func TestEventTriggerInTickHonoursCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lead := &store.Lead{ClientID: "acme", Name: "Cy", Phone: "+4915112345678", Status: "new"}
	require.NoError(t, f.store.SaveLead(ctx, lead))
	tr := &Trigger{
		ClientID:        "acme",
		Name:            "stale lead",
		TriggerType:     TypeEventBased,
		TriggerConfig:   map[string]any{"event_type": "lead", "id": lead.ID, "cooldown_minutes": 10},
		ConditionType:   ConditionFieldComparison,
		ConditionConfig: map[string]any{"field": "status", "operator": OpEquals, "value": "new"},
		ActionType:      ActionSendMessage,
		ActionConfig:    map[string]any{"to": "{{phone}}", "text": "Still interested?"},
		Active:          true,
	}
	require.NoError(t, f.repo.Create(ctx, tr))

	stats, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	f.waitExecuted(t, tr.ID, 1)

	f.now = f.now.Add(5 * time.Minute)
	stats, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Evaluated)

	f.now = f.now.Add(6 * time.Minute)
	stats, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
}

func TestRepositoryValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]*Trigger{
		"no client":        {TriggerType: TypeTimeBased, TriggerConfig: map[string]any{"interval_minutes": 1}, ActionType: ActionSendMessage},
		"no schedule":      {ClientID: "a", TriggerType: TypeTimeBased, ActionType: ActionSendMessage},
		"bad cron":         {ClientID: "a", TriggerType: TypeTimeBased, TriggerConfig: map[string]any{"cron": "61 * * * *"}, ActionType: ActionSendMessage},
		"no event type":    {ClientID: "a", TriggerType: TypeEventBased, ActionType: ActionSendMessage},
		"unknown action":   {ClientID: "a", TriggerType: TypeTimeBased, TriggerConfig: map[string]any{"interval_minutes": 1}, ActionType: "launch"},
		"unknown type":     {ClientID: "a", TriggerType: "webhook", ActionType: ActionSendMessage},
		"unknown operator": {ClientID: "a", TriggerType: TypeTimeBased, TriggerConfig: map[string]any{"interval_minutes": 1}, ConditionType: ConditionFieldComparison, ConditionConfig: map[string]any{"field": "x", "operator": "matches"}, ActionType: ActionSendMessage},
	}
	for name, tr := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, f.repo.Create(ctx, tr), ErrInvalid)
		})
	}

	_, err := f.repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.repo.SetActive(ctx, "missing", false), ErrNotFound)
}

func TestRepositoryUpdateScopedToClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := &Trigger{
		ClientID:      "acme",
		Name:          "v1",
		TriggerType:   TypeTimeBased,
		TriggerConfig: map[string]any{"cron": "0 9 * * 1-5"},
		ActionType:    ActionNotifyTeam,
		ActionConfig:  map[string]any{"text": "standup"},
		Active:        true,
	}
	require.NoError(t, f.repo.Create(ctx, tr))

	tr.Name = "v2"
	require.NoError(t, f.repo.Update(ctx, tr))

	hijack := *tr
	hijack.ClientID = "globex"
	assert.ErrorIs(t, f.repo.Update(ctx, &hijack), ErrNotFound)

	got, err := f.repo.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
	assert.Equal(t, "0 9 * * 1-5", got.TriggerConfig["cron"])

	require.NoError(t, f.repo.SetActive(ctx, tr.ID, false))
	active, err := f.repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	list, err := f.repo.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.repo.Delete(ctx, tr.ID))
	assert.ErrorIs(t, f.repo.Delete(ctx, tr.ID), ErrNotFound)
}

func TestEvaluateOperators(t *testing.T) {
	evalCtx := map[string]any{
		"status":  "New",
		"score":   42,
		"vip":     true,
		"tags":    []any{"pricing", "demo"},
		"created": "2026-03-01T10:00:00Z",
		"lead":    map[string]any{"data": map[string]any{"budget": "1500"}},
	}
	cases := []struct {
		field, op string
		value     any
		want      bool
	}{
		{"status", OpEquals, "New", true},
		{"status", OpContains, "ew", true},
		{"status", OpNotEquals, "Closed", true},
		{"score", OpEquals, "42", true},
		{"score", OpGreaterThan, 40, true},
		{"score", OpLessOrEqual, 42.0, true},
		{"score", OpLessThan, 10, false},
		{"vip", OpEquals, true, true},
		{"tags", OpContains, "demo", true},
		{"tags", OpContains, "support", false},
		{"created", OpLessThan, "2026-03-02T00:00:00Z", true},
		{"lead.data.budget", OpGreaterOrEqual, 1000, true},
		{"missing", OpEquals, "x", false},
		{"missing", OpNotEquals, "x", true},
	}
	for _, tc := range cases {
		got, err := Evaluate(ConditionFieldComparison, map[string]any{"field": tc.field, "operator": tc.op, "value": tc.value}, evalCtx)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %s %v", tc.field, tc.op, tc.value)
	}

	ok, err := Evaluate(ConditionAlways, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Evaluate("sometimes", nil, nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRenderKeepsTypes(t *testing.T) {
	ctx := map[string]any{
		"name":   "Ana",
		"count":  3,
		"record": map[string]any{"id": "lead-1"},
	}
	out := RenderConfig(map[string]any{
		"text":   "Hi {{ name }}, you have {{count}} items",
		"count":  "{{count}}",
		"id":     "{{record.id}}",
		"gone":   "{{nope}}",
		"nested": map[string]any{"list": []any{"{{name}}", 7}},
	}, ctx)

	assert.Equal(t, "Hi Ana, you have 3 items", out["text"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "lead-1", out["id"])
	assert.Equal(t, "", out["gone"])
	assert.Equal(t, []any{"Ana", 7}, out["nested"].(map[string]any)["list"])
}

func TestParseCron(t *testing.T) {
	c, err := ParseCron("*/15 9-17 * * 1-5")
	require.NoError(t, err)

	monday := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	assert.True(t, c.Matches(monday))
	assert.False(t, c.Matches(monday.Add(time.Minute)))
	assert.False(t, c.Matches(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC), c.Next(monday))

	for _, bad := range []string{"", "* * * *", "60 * * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *"} {
		_, err := ParseCron(bad)
		assert.Error(t, err, bad)
	}
}

func TestScheduleDue(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	s, err := ParseSchedule(map[string]any{"interval_minutes": 60})
	require.NoError(t, err)
	assert.True(t, s.Due(nil, now))
	recent := now.Add(-59 * time.Minute)
	assert.False(t, s.Due(&recent, now))
	old := now.Add(-60 * time.Minute)
	assert.True(t, s.Due(&old, now))

	s, err = ParseSchedule(map[string]any{"cron": "0 9 * * *"})
	require.NoError(t, err)
	assert.True(t, s.Due(nil, now.Add(20*time.Second)))
	ran := now.Add(10 * time.Second)
	assert.False(t, s.Due(&ran, now.Add(40*time.Second)))

	_, err = ParseSchedule(map[string]any{"interval_minutes": 0})
	assert.Error(t, err)
}

func TestSchemaValidate(t *testing.T) {
	s := SendMessageAction{}.Schema()
	assert.NoError(t, s.Validate(map[string]any{"to": "+1", "text": "hi"}))
	assert.NoError(t, s.Validate(map[string]any{"to": "+1", "media_url": "https://x/y.png"}))
	assert.ErrorIs(t, s.Validate(map[string]any{"to": "+1"}), ErrInvalid)
	assert.ErrorIs(t, s.Validate(map[string]any{"text": "hi"}), ErrInvalid)

	execs := NewExecutors(SendEmailAction{}, nil)
	assert.Equal(t, []string{ActionSendEmail}, execs.Types())
	_, err := execs.Validate(ActionCallTool, map[string]any{"tool": "x"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEngineRunStops(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.repo, f.store, NewExecutors(), f.queue, nil, Options{TickInterval: 5 * time.Millisecond})
	go e.Run(context.Background())
	time.Sleep(20 * time.Millisecond)
	e.Stop()
}

type paramsRunner struct{ got map[string]any }

func (r *paramsRunner) Execute(_ context.Context, _ string, params map[string]any) (string, error) {
	r.got = params
	return "done", nil
}

func TestCallToolRunsForTriggerClient(t *testing.T) {
	runner := &paramsRunner{}
	cfg := map[string]any{
		"tool":   "record_lookup",
		"params": map[string]any{"type": "lead", "id": "l1", tools.ClientIDKey: "other"},
	}
	res, err := CallToolAction{Tools: runner}.Execute(withClient(context.Background(), "acme"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "done", res["output"])
	assert.Equal(t, "acme", runner.got[tools.ClientIDKey])
	assert.Equal(t, "other", cfg["params"].(map[string]any)[tools.ClientIDKey], "trigger config must not be mutated")
}
