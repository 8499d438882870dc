package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/patterns"
)

// ErrConsolidation wraps failures turning an approved log into memory or
// patterns. The log stays approved and is retried later.
var ErrConsolidation = errors.New("consolidation failed")

// resultNamespace seeds the deterministic IDs of consolidated rows so a
// retried consolidation finds the row it already created.
var resultNamespace = uuid.MustParse("6f1c9a52-3d0e-4b7a-9e55-2a8f4c1d7b60")

// Pipeline applies the hybrid approval policy and consolidates approved
// learnings.
type Pipeline struct {
	logs     *Logs
	settings *SettingsStore
	memory   *memory.Store
	patterns *patterns.Store
	metrics  *metrics.Recorder
}

func NewPipeline(db *sql.DB, settings *SettingsStore, mem *memory.Store, pats *patterns.Store, rec *metrics.Recorder) *Pipeline {
	return &Pipeline{
		logs:     NewLogs(db),
		settings: settings,
		memory:   mem,
		patterns: pats,
		metrics:  rec,
	}
}

// Logs exposes the underlying log repository.
func (p *Pipeline) Logs() *Logs { return p.logs }

// Settings exposes the per-agent settings store.
func (p *Pipeline) Settings() *SettingsStore { return p.settings }

// Record stores l as pending without applying any policy.
func (p *Pipeline) Record(ctx context.Context, l *Log) error {
	return p.logs.Insert(ctx, l)
}

// CreateLog stores l and applies the agent's thresholds: at or above
// auto_approve_threshold it is approved and consolidated, at or above
// manual_review_threshold it waits for a reviewer, anything lower is
// rejected. A consolidation failure is logged; the log stays approved.
func (p *Pipeline) CreateLog(ctx context.Context, l *Log) (*Log, error) {
	if err := p.logs.Insert(ctx, l); err != nil {
		return nil, err
	}
	st, err := p.settings.Get(ctx, l.AgentID)
	if err != nil {
		return nil, err
	}
	switch {
	case l.Confidence >= st.AutoApproveThreshold:
		if _, err := p.Approve(ctx, l.ID, AutoReviewer, true); err != nil {
			if !errors.Is(err, ErrConsolidation) {
				return nil, err
			}
			slog.Warn("Auto-approved learning not consolidated", "log_id", l.ID, "error", err)
		}
	case l.Confidence >= st.ManualReviewThreshold:
		slog.Debug("Learning queued for review", "log_id", l.ID, "confidence", l.Confidence)
	default:
		reason := fmt.Sprintf("confidence %.2f below manual review threshold %.2f", l.Confidence, st.ManualReviewThreshold)
		if _, err := p.Reject(ctx, l.ID, AutoReviewer, reason); err != nil {
			return nil, err
		}
	}
	return p.logs.Get(ctx, l.ID)
}

// Approve moves a pending log to approved and consolidates it. Approving a
// log that is already approved or applied is a no-op.
func (p *Pipeline) Approve(ctx context.Context, id, by string, auto bool) (*Log, error) {
	if by == "" {
		by = "unknown"
	}
	reason := "manual approval"
	if auto {
		reason = "confidence above auto-approve threshold"
	}
	changed, err := p.logs.transition(ctx, id, StatusApproved, by, reason, StatusPending, StatusNeedsReview)
	if err != nil {
		return nil, err
	}
	l, err := p.logs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		switch l.Status {
		case StatusApproved, StatusAutoApproved, StatusApplied:
			return l, nil
		default:
			return nil, fmt.Errorf("approve learning %s in status %s: %w", id, l.Status, ErrTransition)
		}
	}
	slog.Info("Learning approved", "log_id", id, "agent_id", l.AgentID, "by", by, "auto", auto)
	if err := p.consolidate(ctx, l); err != nil {
		return l, err
	}
	return p.logs.Get(ctx, id)
}

// Reject marks a log rejected. Rejecting an already-rejected log is a no-op;
// applied logs cannot be rejected.
func (p *Pipeline) Reject(ctx context.Context, id, by, reason string) (*Log, error) {
	if by == "" {
		by = "unknown"
	}
	changed, err := p.logs.transition(ctx, id, StatusRejected, by, reason,
		StatusPending, StatusNeedsReview, StatusApproved, StatusAutoApproved)
	if err != nil {
		return nil, err
	}
	l, err := p.logs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed && l.Status != StatusRejected {
		return nil, fmt.Errorf("reject learning %s in status %s: %w", id, l.Status, ErrTransition)
	}
	if changed {
		slog.Info("Learning rejected", "log_id", id, "agent_id", l.AgentID, "by", by, "reason", reason)
	}
	return l, nil
}

// BatchResult reports per-ID outcomes of a batch review.
type BatchResult struct {
	Succeeded []string         `json:"succeeded"`
	Failed    map[string]error `json:"-"`
}

// BatchApprove approves each ID in turn; failures do not stop the batch.
func (p *Pipeline) BatchApprove(ctx context.Context, ids []string, by string) BatchResult {
	return p.batch(ids, func(id string) error {
		_, err := p.Approve(ctx, id, by, false)
		return err
	})
}

// BatchReject rejects each ID in turn; failures do not stop the batch.
func (p *Pipeline) BatchReject(ctx context.Context, ids []string, by, reason string) BatchResult {
	return p.batch(ids, func(id string) error {
		_, err := p.Reject(ctx, id, by, reason)
		return err
	})
}

func (p *Pipeline) batch(ids []string, fn func(string) error) BatchResult {
	res := BatchResult{Failed: map[string]error{}}
	for _, id := range ids {
		if err := fn(id); err != nil {
			res.Failed[id] = err
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res
}

// RetryApproved consolidates the agent's approved-but-unapplied logs and
// returns how many were applied. The first failure is returned after the
// remaining logs have been attempted.
func (p *Pipeline) RetryApproved(ctx context.Context, agentID string) (int, error) {
	logs, err := p.logs.Unapplied(ctx, agentID, 100)
	if err != nil {
		return 0, err
	}
	applied := 0
	var first error
	for i := range logs {
		if err := p.consolidate(ctx, &logs[i]); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		applied++
	}
	return applied, first
}

func (p *Pipeline) consolidate(ctx context.Context, l *Log) error {
	resultID, err := p.apply(ctx, l)
	if err != nil {
		p.logs.markFailed(ctx, l.ID, err)
		slog.Warn("Consolidation failed", "log_id", l.ID, "learning_type", l.LearningType, "error", err)
		return fmt.Errorf("%w: log %s: %v", ErrConsolidation, l.ID, err)
	}
	if err := p.logs.markApplied(ctx, l.ID, resultID); err != nil {
		return fmt.Errorf("%w: %v", ErrConsolidation, err)
	}
	if err := p.metrics.IncrementNewLearnings(ctx, l.AgentID, 1); err != nil {
		slog.Warn("Failed to count new learning", "agent_id", l.AgentID, "error", err)
	}
	slog.Info("Learning applied", "log_id", l.ID, "learning_type", l.LearningType, "result_id", resultID)
	return nil
}

// apply materializes the log and returns the ID of the row it produced.
func (p *Pipeline) apply(ctx context.Context, l *Log) (string, error) {
	resultID := uuid.NewSHA1(resultNamespace, []byte(l.ID)).String()
	switch l.LearningType {
	case TypeMemoryAdded:
		return resultID, p.applyChunk(ctx, l, resultID, stringField(l.SourceData, "chunk_type", memory.TypeFAQ))
	case TypeInsightGenerated:
		return resultID, p.applyChunk(ctx, l, resultID, memory.TypeInsight)
	case TypePatternDetected:
		return resultID, p.applyPattern(ctx, l, resultID)
	case TypeBehaviorUpdated:
		return p.applyBehavior(ctx, l)
	default:
		return "", fmt.Errorf("unknown learning type %q", l.LearningType)
	}
}

func (p *Pipeline) applyChunk(ctx context.Context, l *Log, id, chunkType string) error {
	if _, err := p.memory.Get(ctx, l.AgentID, id); err == nil {
		return nil
	} else if !errors.Is(err, memory.ErrNotFound) {
		return err
	}
	content := l.Content
	if content == "" {
		content = stringField(l.SourceData, "content", "")
	}
	meta := map[string]any{"learning_log_id": l.ID, "learning_type": l.LearningType}
	for k, v := range l.Context {
		meta[k] = v
	}
	return p.memory.Create(ctx, &memory.Chunk{
		ID:         id,
		AgentID:    l.AgentID,
		Content:    content,
		ChunkType:  chunkType,
		Metadata:   meta,
		Source:     l.Source,
		Confidence: l.Confidence,
	})
}

func (p *Pipeline) applyPattern(ctx context.Context, l *Log, id string) error {
	if _, err := p.patterns.Get(ctx, l.AgentID, id); err == nil {
		return nil
	} else if !errors.Is(err, patterns.ErrNotFound) {
		return err
	}
	trigger := mapField(l.SourceData, "trigger_context")
	if trigger == nil && l.Content != "" {
		trigger = map[string]any{"keywords": []any{l.Content}}
	}
	return p.patterns.Create(ctx, &patterns.Pattern{
		ID:             id,
		AgentID:        l.AgentID,
		PatternType:    stringField(l.SourceData, "pattern_type", patterns.TypeResponseStrategy),
		TriggerContext: trigger,
		ActionConfig:   mapField(l.SourceData, "action_config"),
		SuccessRate:    l.Confidence,
	})
}

func (p *Pipeline) applyBehavior(ctx context.Context, l *Log) (string, error) {
	id := stringField(l.SourceData, "pattern_id", "")
	if id == "" {
		return "", errors.New("behavior_updated requires source_data.pattern_id")
	}
	u := patterns.Update{
		TriggerContext: mapField(l.SourceData, "trigger_context"),
		ActionConfig:   mapField(l.SourceData, "action_config"),
	}
	if t, ok := l.SourceData["pattern_type"].(string); ok {
		u.PatternType = &t
	}
	if r, ok := l.SourceData["success_rate"].(float64); ok {
		u.SuccessRate = &r
	}
	if a, ok := l.SourceData["is_active"].(bool); ok {
		u.IsActive = &a
	}
	if _, err := p.patterns.Update(ctx, l.AgentID, id, u); err != nil {
		return "", err
	}
	return id, nil
}

func stringField(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
