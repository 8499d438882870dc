package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/store"
)

var (
	ErrNotFound = errors.New("learning log not found")
	ErrInvalid  = errors.New("invalid learning log")
	// ErrTransition is returned when a review action does not apply to the
	// log's current status.
	ErrTransition = errors.New("invalid learning status transition")
)

// Statuses.
const (
	StatusPending      = "pending"
	StatusApproved     = "approved"
	StatusRejected     = "rejected"
	StatusAutoApproved = "auto_approved"
	StatusNeedsReview  = "needs_review"
	StatusApplied      = "applied"
)

// Sources.
const (
	SourceConversation     = "conversation"
	SourceDocument         = "document"
	SourceFeedback         = "feedback"
	SourcePatternDetection = "pattern_detection"
	SourceISAAnalysis      = "isa_analysis"
	SourceManual           = "manual"
	SourceConsolidation    = "consolidation"
)

var sources = map[string]bool{
	SourceConversation: true, SourceDocument: true, SourceFeedback: true, SourcePatternDetection: true,
	SourceISAAnalysis: true, SourceManual: true, SourceConsolidation: true,
}

// Learning types understood by consolidation.
const (
	TypeMemoryAdded      = "memory_added"
	TypePatternDetected  = "pattern_detected"
	TypeInsightGenerated = "insight_generated"
	TypeBehaviorUpdated  = "behavior_updated"
)

// AutoReviewer is recorded as reviewed_by for threshold decisions.
const AutoReviewer = "sicc-auto"

// Log is one learning candidate. Content is the human-readable fact;
// Context describes where it came from; SourceData carries type-specific
// consolidation inputs; Analysis holds the analyzer's reasoning.
type Log struct {
	ID                 string         `json:"id"`
	AgentID            string         `json:"agent_id"`
	Source             string         `json:"source"`
	LearningType       string         `json:"learning_type"`
	Content            string         `json:"content"`
	Context            map[string]any `json:"context"`
	SourceData         map[string]any `json:"source_data"`
	Analysis           map[string]any `json:"analysis"`
	Confidence         float64        `json:"confidence"`
	Status             string         `json:"status"`
	ReviewedBy         string         `json:"reviewed_by,omitempty"`
	ReviewedAt         *time.Time     `json:"reviewed_at,omitempty"`
	ReviewReason       string         `json:"review_reason,omitempty"`
	AppliedAt          *time.Time     `json:"applied_at,omitempty"`
	ResultID           string         `json:"result_id,omitempty"`
	ConsolidationError string         `json:"consolidation_error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Logs persists learning_logs.
type Logs struct {
	db *sql.DB
}

func NewLogs(db *sql.DB) *Logs {
	return &Logs{db: db}
}

const logColumns = `id, agent_id, source, learning_type, content, context, source_data, analysis, confidence, status,
	reviewed_by, reviewed_at, review_reason, applied_at, result_id, consolidation_error, created_at`

func validateLog(l *Log) error {
	switch {
	case l.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrInvalid)
	case !sources[l.Source]:
		return fmt.Errorf("%w: unknown source %q", ErrInvalid, l.Source)
	case strings.TrimSpace(l.LearningType) == "":
		return fmt.Errorf("%w: learning_type is required", ErrInvalid)
	case l.Confidence < 0 || l.Confidence > 1:
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalid, l.Confidence)
	}
	return nil
}

// Insert stores l as pending.
func (s *Logs) Insert(ctx context.Context, l *Log) error {
	if err := validateLog(l); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.Status = StatusPending
	l.CreatedAt = store.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learning_logs (id, agent_id, source, learning_type, content, context, source_data, analysis,
			confidence, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.AgentID, l.Source, l.LearningType, l.Content, store.EncodeJSON(l.Context),
		store.EncodeJSON(l.SourceData), store.EncodeJSON(l.Analysis), l.Confidence, l.Status, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert learning log: %w", err)
	}
	return nil
}

// Get loads a log by ID.
func (s *Logs) Get(ctx context.Context, id string) (*Log, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM learning_logs WHERE id = ?`, id)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("learning log %s: %w", id, ErrNotFound)
	}
	return l, err
}

// Filter narrows List.
type Filter struct {
	AgentID string
	Status  string
	Limit   int
}

// List returns logs newest first.
func (s *Logs) List(ctx context.Context, f Filter) ([]Log, error) {
	q := `SELECT ` + logColumns + ` FROM learning_logs WHERE 1 = 1`
	var args []any
	if f.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, q, args...)
}

// Unapplied returns approved logs whose consolidation has not completed.
func (s *Logs) Unapplied(ctx context.Context, agentID string, limit int) ([]Log, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+logColumns+` FROM learning_logs
		WHERE agent_id = ? AND status IN (?, ?) ORDER BY created_at LIMIT ?`,
		agentID, StatusApproved, StatusAutoApproved, limit)
}

// Exists reports whether the agent already has a log of this type with the
// same content, in any status.
func (s *Logs) Exists(ctx context.Context, agentID, learningType, content string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learning_logs WHERE agent_id = ? AND learning_type = ? AND content = ?`,
		agentID, learningType, content).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check learning log: %w", err)
	}
	return n > 0, nil
}

// transition moves a log from one of the given statuses to next, stamping
// the reviewer. It reports whether a row changed.
func (s *Logs) transition(ctx context.Context, id, next, by, reason string, from ...string) (bool, error) {
	args := []any{next, by, store.Now(), reason, id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE learning_logs SET status = ?, reviewed_by = ?, reviewed_at = ?, review_reason = ?
		WHERE id = ? AND status IN (?`+strings.Repeat(`, ?`, len(from)-1)+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("update learning status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Logs) markApplied(ctx context.Context, id, resultID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE learning_logs SET status = ?, applied_at = ?, result_id = ?, consolidation_error = ''
		WHERE id = ?`, StatusApplied, store.Now(), resultID, id)
	if err != nil {
		return fmt.Errorf("mark learning applied: %w", err)
	}
	return nil
}

func (s *Logs) markFailed(ctx context.Context, id string, cause error) {
	_, _ = s.db.ExecContext(ctx, `UPDATE learning_logs SET consolidation_error = ? WHERE id = ?`, cause.Error(), id)
}

// Counts returns the number of logs per status for an agent.
func (s *Logs) Counts(ctx context.Context, agentID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM learning_logs WHERE agent_id = ? GROUP BY status`, agentID)
	if err != nil {
		return nil, fmt.Errorf("count learning logs: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *Logs) query(ctx context.Context, q string, args ...any) ([]Log, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query learning logs: %w", err)
	}
	defer rows.Close()
	var out []Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (*Log, error) {
	var (
		l                        Log
		ctxRaw, srcRaw, analysis string
		reviewedBy               sql.NullString
		reviewedAt, appliedAt    sql.NullTime
	)
	err := row.Scan(&l.ID, &l.AgentID, &l.Source, &l.LearningType, &l.Content, &ctxRaw, &srcRaw, &analysis,
		&l.Confidence, &l.Status, &reviewedBy, &reviewedAt, &l.ReviewReason, &appliedAt, &l.ResultID,
		&l.ConsolidationError, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan learning log: %w", err)
	}
	l.ReviewedBy = reviewedBy.String
	l.ReviewedAt = store.NullTime(reviewedAt)
	l.AppliedAt = store.NullTime(appliedAt)
	for _, f := range []struct {
		raw string
		dst *map[string]any
	}{{ctxRaw, &l.Context}, {srcRaw, &l.SourceData}, {analysis, &l.Analysis}} {
		if err := store.DecodeJSON(f.raw, f.dst); err != nil {
			return nil, err
		}
	}
	return &l, nil
}
