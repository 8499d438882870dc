// Package trigger runs time- and event-based automation rules: it evaluates
// each rule's condition and dispatches its action through the worker bus.
package trigger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/store"
)

var (
	ErrNotFound = errors.New("trigger not found")
	ErrInvalid  = errors.New("invalid trigger")
)

// Trigger types.
const (
	TypeTimeBased  = "time_based"
	TypeEventBased = "event_based"
)

// Condition types.
const (
	ConditionAlways          = "always"
	ConditionFieldComparison = "field_comparison"
)

// Action types.
const (
	ActionSendMessage  = "send_message"
	ActionSendEmail    = "send_email"
	ActionCallTool     = "call_tool"
	ActionChangeStatus = "change_status"
	ActionNotifyTeam   = "notify_team"
)

// Trigger is one automation rule owned by a client.
type Trigger struct {
	ID              string         `json:"id" yaml:"id"`
	ClientID        string         `json:"client_id" yaml:"client_id"`
	AgentID         string         `json:"agent_id,omitempty" yaml:"agent_id"`
	Name            string         `json:"name" yaml:"name"`
	TriggerType     string         `json:"trigger_type" yaml:"trigger_type"`
	TriggerConfig   map[string]any `json:"trigger_config" yaml:"trigger_config"`
	ConditionType   string         `json:"condition_type" yaml:"condition_type"`
	ConditionConfig map[string]any `json:"condition_config" yaml:"condition_config"`
	ActionType      string         `json:"action_type" yaml:"action_type"`
	ActionConfig    map[string]any `json:"action_config" yaml:"action_config"`
	Active          bool           `json:"active" yaml:"active"`
	LastExecutedAt  *time.Time     `json:"last_executed_at,omitempty" yaml:"-"`
	ExecutionCount  int            `json:"execution_count" yaml:"-"`
	CreatedAt       time.Time      `json:"created_at" yaml:"-"`
}

// view is the trigger as seen by conditions and templates.
func (t *Trigger) view() map[string]any {
	v := map[string]any{
		"id":              t.ID,
		"name":            t.Name,
		"client_id":       t.ClientID,
		"agent_id":        t.AgentID,
		"execution_count": t.ExecutionCount,
	}
	if t.LastExecutedAt != nil {
		v["last_executed_at"] = *t.LastExecutedAt
	}
	return v
}

// Execution is one logged evaluation.
type Execution struct {
	ID              string         `json:"id"`
	TriggerID       string         `json:"trigger_id"`
	ClientID        string         `json:"client_id"`
	ConditionMet    bool           `json:"condition_met"`
	ActionExecuted  bool           `json:"action_executed"`
	Result          map[string]any `json:"result"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	ExecutedAt      time.Time      `json:"executed_at"`
}

// Repository persists triggers and their execution log.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const triggerColumns = `id, client_id, agent_id, name, trigger_type, trigger_config, condition_type, condition_config,
	action_type, action_config, active, last_executed_at, execution_count, created_at`

func validate(t *Trigger) error {
	if t.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalid)
	}
	switch t.TriggerType {
	case TypeTimeBased:
		if _, err := ParseSchedule(t.TriggerConfig); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	case TypeEventBased:
		if s, _ := t.TriggerConfig["event_type"].(string); s == "" {
			return fmt.Errorf("%w: event_based trigger needs trigger_config.event_type", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown trigger_type %q", ErrInvalid, t.TriggerType)
	}
	if t.ConditionType == "" {
		t.ConditionType = ConditionAlways
	}
	if err := validateCondition(t.ConditionType, t.ConditionConfig); err != nil {
		return err
	}
	switch t.ActionType {
	case ActionSendMessage, ActionSendEmail, ActionCallTool, ActionChangeStatus, ActionNotifyTeam:
	default:
		return fmt.Errorf("%w: unknown action_type %q", ErrInvalid, t.ActionType)
	}
	return nil
}

// Create validates and inserts t.
func (r *Repository) Create(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := validate(t); err != nil {
		return err
	}
	t.CreatedAt = store.Now()
	_, err := r.db.ExecContext(ctx, `INSERT INTO triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ClientID, t.AgentID, t.Name, t.TriggerType, store.EncodeJSON(t.TriggerConfig),
		t.ConditionType, store.EncodeJSON(t.ConditionConfig), t.ActionType, store.EncodeJSON(t.ActionConfig),
		t.Active, t.LastExecutedAt, t.ExecutionCount, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// Update rewrites the rule definition; counters are left alone.
func (r *Repository) Update(ctx context.Context, t *Trigger) error {
	if err := validate(t); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE triggers SET agent_id = ?, name = ?, trigger_type = ?, trigger_config = ?, condition_type = ?,
			condition_config = ?, action_type = ?, action_config = ?, active = ?
		WHERE id = ? AND client_id = ?`,
		t.AgentID, t.Name, t.TriggerType, store.EncodeJSON(t.TriggerConfig), t.ConditionType,
		store.EncodeJSON(t.ConditionConfig), t.ActionType, store.EncodeJSON(t.ActionConfig), t.Active,
		t.ID, t.ClientID)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	return nil
}

// SetActive enables or disables a trigger.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE triggers SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes a trigger and its execution log.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	_, _ = r.db.ExecContext(ctx, `DELETE FROM trigger_executions WHERE trigger_id = ?`, id)
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Trigger, error) {
	t, err := scanTrigger(r.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// List returns a client's triggers, or every trigger when clientID is empty.
func (r *Repository) List(ctx context.Context, clientID string) ([]Trigger, error) {
	q := `SELECT ` + triggerColumns + ` FROM triggers`
	var args []any
	if clientID != "" {
		q += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	return r.query(ctx, q+` ORDER BY client_id, created_at`, args...)
}

// ListActive returns every active trigger grouped by client.
func (r *Repository) ListActive(ctx context.Context) ([]Trigger, error) {
	return r.query(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE active = 1 ORDER BY client_id, created_at`)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]Trigger, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()
	var out []Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// claim records a met condition. It fails when another evaluator already
// advanced the counter, so one evaluation wins per tick across processes.
func (r *Repository) claim(ctx context.Context, t *Trigger, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE triggers SET last_executed_at = ?, execution_count = execution_count + 1
		WHERE id = ? AND execution_count = ?`, now, t.ID, t.ExecutionCount)
	if err != nil {
		return false, fmt.Errorf("claim trigger: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	t.ExecutionCount++
	t.LastExecutedAt = &now
	return true, nil
}

// RecordExecution appends to the execution log.
func (r *Repository) RecordExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = store.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trigger_executions (id, trigger_id, client_id, condition_met, action_executed, result, error_text, execution_time_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TriggerID, e.ClientID, e.ConditionMet, e.ActionExecuted, store.EncodeJSON(e.Result),
		e.Error, e.ExecutionTimeMs, e.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert trigger execution: %w", err)
	}
	return nil
}

// Executions returns a trigger's log, newest first.
func (r *Repository) Executions(ctx context.Context, triggerID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trigger_id, client_id, condition_met, action_executed, result, error_text, execution_time_ms, executed_at
		FROM trigger_executions WHERE trigger_id = ? ORDER BY executed_at DESC, rowid DESC LIMIT ?`, triggerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trigger executions: %w", err)
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		var e Execution
		var result string
		if err := rows.Scan(&e.ID, &e.TriggerID, &e.ClientID, &e.ConditionMet, &e.ActionExecuted, &result,
			&e.Error, &e.ExecutionTimeMs, &e.ExecutedAt); err != nil {
			return nil, err
		}
		if err := store.DecodeJSON(result, &e.Result); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var t Trigger
	var tcfg, ccfg, acfg string
	var last sql.NullTime
	err := row.Scan(&t.ID, &t.ClientID, &t.AgentID, &t.Name, &t.TriggerType, &tcfg, &t.ConditionType, &ccfg,
		&t.ActionType, &acfg, &t.Active, &last, &t.ExecutionCount, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := errors.Join(
		store.DecodeJSON(tcfg, &t.TriggerConfig),
		store.DecodeJSON(ccfg, &t.ConditionConfig),
		store.DecodeJSON(acfg, &t.ActionConfig),
	); err != nil {
		return nil, fmt.Errorf("decode trigger %s: %w", t.ID, err)
	}
	t.LastExecutedAt = store.NullTime(last)
	return &t, nil
}
