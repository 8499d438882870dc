// Package patterns stores behavioral patterns (trigger context -> action)
// and tracks how often applying them succeeds.
package patterns

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
	ErrNotFound = errors.New("behavior pattern not found")
	ErrInvalid  = errors.New("invalid behavior pattern")
)

// Pattern types.
const (
	TypeResponseStrategy  = "response_strategy"
	TypeToneAdjustment    = "tone_adjustment"
	TypeFlowOptimization  = "flow_optimization"
	TypeObjectionHandling = "objection_handling"
)

// ValidType reports whether t is a known pattern type.
func ValidType(t string) bool {
	switch t {
	case TypeResponseStrategy, TypeToneAdjustment, TypeFlowOptimization, TypeObjectionHandling:
		return true
	}
	return false
}

// ConfirmAfter is the occurrence count at which a detected pattern is
// considered confirmed.
const ConfirmAfter = 3

// Pattern is a learned trigger -> action rule.
type Pattern struct {
	ID                     string         `json:"id"`
	AgentID                string         `json:"agent_id"`
	PatternType            string         `json:"pattern_type"`
	TriggerContext         map[string]any `json:"trigger_context"`
	ActionConfig           map[string]any `json:"action_config"`
	SuccessRate            float64        `json:"success_rate"`
	TotalApplications      int            `json:"total_applications"`
	SuccessfulApplications int            `json:"successful_applications"`
	Occurrences            int            `json:"occurrences"`
	Confirmed              bool           `json:"confirmed"`
	LastAppliedAt          *time.Time     `json:"last_applied_at,omitempty"`
	IsActive               bool           `json:"is_active"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// Store persists patterns in behavior_patterns.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const patternColumns = `id, agent_id, pattern_type, trigger_context, action_config, success_rate, total_applications,
	successful_applications, occurrences, confirmed, last_applied_at, is_active, created_at, updated_at`

func validate(p *Pattern) error {
	switch {
	case p.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrInvalid)
	case !ValidType(p.PatternType):
		return fmt.Errorf("%w: unknown pattern type %q", ErrInvalid, p.PatternType)
	case p.SuccessRate < 0 || p.SuccessRate > 1:
		return fmt.Errorf("%w: success_rate %v outside [0,1]", ErrInvalid, p.SuccessRate)
	}
	return nil
}

// Create inserts a pattern with zero applications. SuccessRate acts as the
// prior until the first recorded application.
func (s *Store) Create(ctx context.Context, p *Pattern) error {
	if err := validate(p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := store.Now()
	p.TotalApplications, p.SuccessfulApplications = 0, 0
	p.IsActive = true
	p.LastAppliedAt = nil
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO behavior_patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, NULL, 1, ?, ?)`,
		p.ID, p.AgentID, p.PatternType, store.EncodeJSON(p.TriggerContext), store.EncodeJSON(p.ActionConfig),
		p.SuccessRate, p.Occurrences, p.Confirmed, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

// Get loads a pattern owned by agentID.
func (s *Store) Get(ctx context.Context, agentID, id string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM behavior_patterns WHERE id = ? AND agent_id = ?`, id, agentID)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	return p, err
}

// Update carries the fields to change; nil values are left alone.
type Update struct {
	PatternType    *string
	TriggerContext map[string]any
	ActionConfig   map[string]any
	SuccessRate    *float64
	IsActive       *bool
}

// Update rewrites the given fields. Counters are never touched here.
func (s *Store) Update(ctx context.Context, agentID, id string, u Update) (*Pattern, error) {
	p, err := s.Get(ctx, agentID, id)
	if err != nil {
		return nil, err
	}
	if u.PatternType != nil {
		p.PatternType = *u.PatternType
	}
	if u.TriggerContext != nil {
		p.TriggerContext = u.TriggerContext
	}
	if u.ActionConfig != nil {
		p.ActionConfig = u.ActionConfig
	}
	if u.SuccessRate != nil {
		p.SuccessRate = *u.SuccessRate
	}
	if u.IsActive != nil {
		p.IsActive = *u.IsActive
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = store.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE behavior_patterns SET pattern_type = ?, trigger_context = ?, action_config = ?, success_rate = ?,
			is_active = ?, updated_at = ?
		WHERE id = ? AND agent_id = ?`,
		p.PatternType, store.EncodeJSON(p.TriggerContext), store.EncodeJSON(p.ActionConfig), p.SuccessRate,
		p.IsActive, p.UpdatedAt, id, agentID)
	if err != nil {
		return nil, fmt.Errorf("update pattern: %w", err)
	}
	return p, nil
}

// Delete deactivates a pattern.
func (s *Store) Delete(ctx context.Context, agentID, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE behavior_patterns SET is_active = 0, updated_at = ? WHERE id = ? AND agent_id = ?`,
		store.Now(), id, agentID)
	if err != nil {
		return fmt.Errorf("deactivate pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordUsage counts one application of the pattern in a single statement,
// so concurrent callers never lose an increment.
func (s *Store) RecordUsage(ctx context.Context, id string, success bool) error {
	inc := 0
	if success {
		inc = 1
	}
	now := store.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE behavior_patterns SET
			total_applications = total_applications + 1,
			successful_applications = successful_applications + ?,
			success_rate = CAST(successful_applications + ? AS REAL) / (total_applications + 1),
			last_applied_at = ?,
			updated_at = ?
		WHERE id = ?`, inc, inc, now, now, id)
	if err != nil {
		return fmt.Errorf("record pattern usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	return nil
}

// RevokeSuccess turns one recorded successful application into a failure.
// The application count is unchanged.
func (s *Store) RevokeSuccess(ctx context.Context, id string) error {
	now := store.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE behavior_patterns SET
			successful_applications = MAX(successful_applications - 1, 0),
			success_rate = CASE WHEN total_applications > 0
				THEN CAST(MAX(successful_applications - 1, 0) AS REAL) / total_applications
				ELSE 0 END,
			updated_at = ?
		WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("revoke pattern success: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordOccurrence counts one sighting of the pattern's trigger and marks it
// confirmed once it has been seen ConfirmAfter times.
func (s *Store) RecordOccurrence(ctx context.Context, id string) (occurrences int, confirmed bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		UPDATE behavior_patterns SET
			occurrences = occurrences + 1,
			confirmed = CASE WHEN occurrences + 1 >= ? THEN 1 ELSE confirmed END,
			updated_at = ?
		WHERE id = ?
		RETURNING occurrences, confirmed`, ConfirmAfter, store.Now(), id).Scan(&occurrences, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, false, fmt.Errorf("record pattern occurrence: %w", err)
	}
	return occurrences, confirmed, nil
}

// DeactivateLowPerforming disables the agent's patterns that have been
// applied at least minUsage times and still succeed less than minSuccessRate.
func (s *Store) DeactivateLowPerforming(ctx context.Context, agentID string, minUsage int, minSuccessRate float64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE behavior_patterns SET is_active = 0, updated_at = ?
		WHERE agent_id = ? AND is_active = 1 AND total_applications >= ? AND success_rate < ?`,
		store.Now(), agentID, minUsage, minSuccessRate)
	if err != nil {
		return 0, fmt.Errorf("deactivate low performing patterns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListActive returns the agent's active patterns, oldest first.
func (s *Store) ListActive(ctx context.Context, agentID string) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+patternColumns+` FROM behavior_patterns
		WHERE agent_id = ? AND is_active = 1 ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountActive returns how many active patterns the agent owns.
func (s *Store) CountActive(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM behavior_patterns WHERE agent_id = ? AND is_active = 1`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count patterns: %w", err)
	}
	return n, nil
}

// DeactivateCreatedAfter deactivates the agent's active patterns created
// strictly after t.
func (s *Store) DeactivateCreatedAfter(ctx context.Context, agentID string, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE behavior_patterns SET is_active = 0, updated_at = ?
		WHERE agent_id = ? AND is_active = 1 AND created_at > ?`, store.Now(), agentID, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate patterns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (*Pattern, error) {
	var (
		p               Pattern
		trigger, action string
		lastApplied     sql.NullTime
	)
	err := row.Scan(&p.ID, &p.AgentID, &p.PatternType, &trigger, &action, &p.SuccessRate, &p.TotalApplications,
		&p.SuccessfulApplications, &p.Occurrences, &p.Confirmed, &lastApplied, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pattern: %w", err)
	}
	p.LastAppliedAt = store.NullTime(lastApplied)
	if err := store.DecodeJSON(trigger, &p.TriggerContext); err != nil {
		return nil, err
	}
	if err := store.DecodeJSON(action, &p.ActionConfig); err != nil {
		return nil, err
	}
	return &p, nil
}
