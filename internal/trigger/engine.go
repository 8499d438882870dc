package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convoflow/convoflow/internal/bus"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/retry"
	"github.com/convoflow/convoflow/internal/store"
)

const (
	DefaultTickInterval    = 60 * time.Second
	DefaultActionTopic     = "convoflow.trigger.actions"
	DefaultEventTopic      = "convoflow.trigger.events"
	defaultActionTimeout   = 30 * time.Second
	defaultCooldownMinutes = 60
)

// RecordFetcher loads the record an event_based trigger is evaluated on.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, eventType, id string) (map[string]any, error)
}

// Event announces a change to a stored record.
type Event struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	ClientID string `json:"client_id,omitempty"`
}

// Options tunes the engine.
type Options struct {
	TickInterval  time.Duration
	MaxConcurrent int
	ActionTopic   string
	EventTopic    string
	ActionTimeout time.Duration
	Retry         retry.Config
}

// TickStats summarizes one evaluation pass.
type TickStats struct {
	Evaluated  int `json:"evaluated"`
	Met        int `json:"met"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

// job is the bus payload for one action dispatch.
type job struct {
	TriggerID  string         `json:"trigger_id"`
	ClientID   string         `json:"client_id"`
	ActionType string         `json:"action_type"`
	Config     map[string]any `json:"config"`
	QueuedAt   time.Time      `json:"queued_at"`
}

// Engine evaluates triggers on a tick and on events, and runs the actions
// it dispatches to the work queue.
type Engine struct {
	repo    *Repository
	records RecordFetcher
	execs   *Executors
	queue   bus.WorkQueue
	prom    *metrics.Prometheus
	sem     *semaphore
	opts    Options

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

func NewEngine(repo *Repository, records RecordFetcher, execs *Executors, queue bus.WorkQueue, prom *metrics.Prometheus, opts Options) *Engine {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ActionTopic == "" {
		opts.ActionTopic = DefaultActionTopic
	}
	if opts.EventTopic == "" {
		opts.EventTopic = DefaultEventTopic
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Engine{
		repo:    repo,
		records: records,
		execs:   execs,
		queue:   queue,
		prom:    prom,
		sem:     newSemaphore(opts.MaxConcurrent),
		opts:    opts,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Serve registers the action and event handlers on the work queue. Call it
// before the queue runs.
func (e *Engine) Serve() {
	e.queue.Handle(e.opts.ActionTopic, e.runAction)
	e.queue.Handle(e.opts.EventTopic, func(ctx context.Context, payload []byte) error {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode trigger event: %w", err)
		}
		_, err := e.HandleEvent(ctx, ev)
		return err
	})
}

// Emit queues ev for asynchronous evaluation.
func (e *Engine) Emit(ctx context.Context, ev Event) error {
	if e == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.queue.Publish(ctx, e.opts.EventTopic, ev.ClientID, payload)
}

// Tick evaluates every active trigger once. time_based triggers fire when
// their schedule is due; event_based triggers with a fixed trigger_config.id
// are re-checked against that record at most once per cooldown_minutes.
func (e *Engine) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	list, err := e.repo.ListActive(ctx)
	if err != nil {
		return stats, err
	}
	now := store.Now()
	for i := range list {
		t := &list[i]
		evalCtx := baseContext(t, now)
		switch t.TriggerType {
		case TypeTimeBased:
			sched, err := ParseSchedule(t.TriggerConfig)
			if err != nil {
				slog.Warn("Trigger has invalid schedule", "trigger", t.ID, "error", err)
				continue
			}
			if !sched.Due(t.LastExecutedAt, now) {
				continue
			}
		case TypeEventBased:
			id, _ := t.TriggerConfig["id"].(string)
			if id == "" {
				continue
			}
			cooldown, ok := number(t.TriggerConfig["cooldown_minutes"])
			if !ok {
				cooldown = defaultCooldownMinutes
			}
			if t.LastExecutedAt != nil && now.Sub(*t.LastExecutedAt) < time.Duration(cooldown*float64(time.Minute)) {
				continue
			}
			rec, ok := e.fetch(ctx, t, Event{Type: eventType(t), ID: id})
			if !ok {
				continue
			}
			withRecord(evalCtx, Event{Type: eventType(t), ID: id}, rec)
		default:
			continue
		}
		e.evaluate(ctx, t, evalCtx, now, &stats)
	}
	if stats.Evaluated > 0 {
		slog.Info("Trigger tick complete", "evaluated", stats.Evaluated, "met", stats.Met, "dispatched", stats.Dispatched, "failed", stats.Failed)
	}
	return stats, nil
}

// HandleEvent evaluates the client's event_based triggers for ev.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) (TickStats, error) {
	var stats TickStats
	list, err := e.repo.ListActive(ctx)
	if err != nil {
		return stats, err
	}
	var rec map[string]any
	now := store.Now()
	for i := range list {
		t := &list[i]
		if t.TriggerType != TypeEventBased || eventType(t) != ev.Type {
			continue
		}
		if ev.ClientID != "" && t.ClientID != ev.ClientID {
			continue
		}
		if rec == nil {
			var ok bool
			if rec, ok = e.fetch(ctx, t, ev); !ok {
				return stats, nil
			}
		}
		if owner, _ := rec["client_id"].(string); owner != "" && owner != t.ClientID {
			continue
		}
		evalCtx := baseContext(t, now)
		withRecord(evalCtx, ev, rec)
		e.evaluate(ctx, t, evalCtx, now, &stats)
	}
	return stats, nil
}

func eventType(t *Trigger) string {
	s, _ := t.TriggerConfig["event_type"].(string)
	return s
}

func (e *Engine) fetch(ctx context.Context, t *Trigger, ev Event) (map[string]any, bool) {
	rec, err := e.records.FetchRecord(ctx, ev.Type, ev.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Trigger record fetch failed", "trigger", t.ID, "type", ev.Type, "id", ev.ID, "error", err)
		}
		return nil, false
	}
	return rec, true
}

func baseContext(t *Trigger, now time.Time) map[string]any {
	return map[string]any{
		"trigger":   t.view(),
		"client_id": t.ClientID,
		"now":       now,
	}
}

// withRecord exposes the record's fields at the top level, and the whole
// record under "record".
func withRecord(evalCtx map[string]any, ev Event, rec map[string]any) {
	for k, v := range rec {
		if _, taken := evalCtx[k]; !taken {
			evalCtx[k] = v
		}
	}
	evalCtx["record"] = rec
	evalCtx["event"] = map[string]any{"type": ev.Type, "id": ev.ID}
}

// evaluate checks the condition and, when met, claims the trigger and
// dispatches its action.
func (e *Engine) evaluate(ctx context.Context, t *Trigger, evalCtx map[string]any, now time.Time, stats *TickStats) {
	stats.Evaluated++
	met, err := Evaluate(t.ConditionType, t.ConditionConfig, evalCtx)
	if err != nil || !met {
		exec := &Execution{TriggerID: t.ID, ClientID: t.ClientID, ExecutedAt: now}
		if err != nil {
			exec.Error = err.Error()
		}
		e.log(ctx, t.ActionType, exec)
		return
	}
	stats.Met++

	claimed, err := e.repo.claim(ctx, t, now)
	if err != nil {
		slog.Warn("Failed to claim trigger", "trigger", t.ID, "error", err)
		stats.Failed++
		return
	}
	if !claimed {
		return
	}
	evalCtx["trigger"] = t.view()

	if err := e.dispatch(ctx, t, evalCtx, now); err != nil {
		stats.Failed++
		e.log(ctx, t.ActionType, &Execution{
			TriggerID:    t.ID,
			ClientID:     t.ClientID,
			ConditionMet: true,
			Error:        err.Error(),
			ExecutedAt:   now,
		})
		return
	}
	stats.Dispatched++
}

func (e *Engine) dispatch(ctx context.Context, t *Trigger, evalCtx map[string]any, now time.Time) error {
	cfg := RenderConfig(t.ActionConfig, evalCtx)
	if _, err := e.execs.Validate(t.ActionType, cfg); err != nil {
		return err
	}
	payload, err := json.Marshal(job{
		TriggerID:  t.ID,
		ClientID:   t.ClientID,
		ActionType: t.ActionType,
		Config:     cfg,
		QueuedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("encode trigger job: %w", err)
	}
	if err := e.queue.Publish(ctx, e.opts.ActionTopic, t.ID, payload); err != nil {
		return fmt.Errorf("enqueue trigger action: %w", err)
	}
	slog.Info("Trigger dispatched", "trigger", t.ID, "client", t.ClientID, "action", t.ActionType)
	return nil
}

// runAction is the work queue handler. Failures are logged to the
// execution log rather than redelivered.
func (e *Engine) runAction(ctx context.Context, payload []byte) error {
	var j job
	if err := json.Unmarshal(payload, &j); err != nil {
		return fmt.Errorf("decode trigger job: %w", err)
	}
	if err := e.sem.acquire(ctx); err != nil {
		return err
	}
	defer e.sem.release()

	exec := &Execution{TriggerID: j.TriggerID, ClientID: j.ClientID, ConditionMet: true}
	start := time.Now()
	x, err := e.execs.Validate(j.ActionType, j.Config)
	if err == nil {
		err = retry.Do(ctx, e.opts.Retry, func(ctx context.Context) error {
			actx, cancel := context.WithTimeout(withClient(ctx, j.ClientID), e.opts.ActionTimeout)
			defer cancel()
			res, err := x.Execute(actx, j.Config)
			if err != nil {
				return err
			}
			exec.Result = res
			return nil
		})
	} else {
		err = retry.Permanent(err)
	}
	exec.ExecutionTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		exec.Error = err.Error()
		slog.Warn("Trigger action failed", "trigger", j.TriggerID, "action", j.ActionType, "error", err)
	} else {
		exec.ActionExecuted = true
	}
	e.log(ctx, j.ActionType, exec)
	return nil
}

func (e *Engine) log(ctx context.Context, actionType string, exec *Execution) {
	e.prom.TriggerExecuted(actionType, exec.ConditionMet, exec.ActionExecuted)
	if err := e.repo.RecordExecution(context.WithoutCancel(ctx), exec); err != nil {
		slog.Warn("Failed to log trigger execution", "trigger", exec.TriggerID, "error", err)
	}
}

// Run ticks every TickInterval until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	defer close(e.doneCh)
	slog.Info("Trigger engine started", "tick", e.opts.TickInterval)

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				slog.Warn("Trigger tick failed", "error", err)
			}
		}
	}
}

// Stop ends Run and waits for it to return.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.started.Load() {
		<-e.doneCh
	}
}
