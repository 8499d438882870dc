// Package metrics keeps one performance row per agent per day and mirrors
// the counters to Prometheus.
package metrics

import (
	"context"
	"database/sql"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/convoflow/convoflow/internal/store"
)

const dateLayout = "2006-01-02"

// Daily is one (agent, date) row.
type Daily struct {
	AgentID                string  `json:"agent_id"`
	Date                   string  `json:"metric_date"`
	TotalInteractions      int     `json:"total_interactions"`
	SuccessfulInteractions int     `json:"successful_interactions"`
	AvgResponseTimeMs      float64 `json:"avg_response_time_ms"`
	UserSatisfactionScore  float64 `json:"user_satisfaction_score"`
	SatisfactionSamples    int     `json:"satisfaction_samples"`
	MemoryChunksUsed       int     `json:"memory_chunks_used"`
	PatternsApplied        int     `json:"patterns_applied"`
	NewLearnings           int     `json:"new_learnings"`
}

// Interaction is one sample for RecordInteraction.
type Interaction struct {
	Success        bool
	ResponseTimeMs float64
	Satisfaction   *float64
}

// Recorder writes performance_metrics rows. A nil Recorder is a no-op.
type Recorder struct {
	db     *sql.DB
	mirror *Prometheus
}

func NewRecorder(db *sql.DB, mirror *Prometheus) *Recorder {
	return &Recorder{db: db, mirror: mirror}
}

func today() string { return store.Now().Format(dateLayout) }

// RecordInteraction counts one interaction for today. Averages are updated
// incrementally from the stored mean and the new sample.
func (r *Recorder) RecordInteraction(ctx context.Context, agentID string, in Interaction) error {
	if r == nil || r.db == nil {
		return nil
	}
	success := 0
	if in.Success {
		success = 1
	}
	var sat float64
	samples := 0
	if in.Satisfaction != nil {
		sat, samples = *in.Satisfaction, 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (agent_id, metric_date, total_interactions, successful_interactions,
			avg_response_time_ms, user_satisfaction_score, satisfaction_samples)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(agent_id, metric_date) DO UPDATE SET
			total_interactions = total_interactions + 1,
			successful_interactions = successful_interactions + excluded.successful_interactions,
			avg_response_time_ms = avg_response_time_ms
				+ (excluded.avg_response_time_ms - avg_response_time_ms) / (total_interactions + 1),
			user_satisfaction_score = CASE WHEN excluded.satisfaction_samples > 0
				THEN user_satisfaction_score + (excluded.user_satisfaction_score - user_satisfaction_score) / (satisfaction_samples + 1)
				ELSE user_satisfaction_score END,
			satisfaction_samples = satisfaction_samples + excluded.satisfaction_samples`,
		agentID, today(), success, in.ResponseTimeMs, sat, samples)
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	r.mirror.interaction(agentID, in)
	return nil
}

// IncrementMemoryUsage adds n to today's memory_chunks_used.
func (r *Recorder) IncrementMemoryUsage(ctx context.Context, agentID string, n int) error {
	return r.increment(ctx, agentID, "memory_chunks_used", n)
}

// IncrementPatternApplication adds n to today's patterns_applied.
func (r *Recorder) IncrementPatternApplication(ctx context.Context, agentID string, n int) error {
	return r.increment(ctx, agentID, "patterns_applied", n)
}

// IncrementNewLearnings adds n to today's new_learnings.
func (r *Recorder) IncrementNewLearnings(ctx context.Context, agentID string, n int) error {
	return r.increment(ctx, agentID, "new_learnings", n)
}

// increment bumps one counter column; column is always a constant above.
func (r *Recorder) increment(ctx context.Context, agentID, column string, n int) error {
	if r == nil || r.db == nil || n <= 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (agent_id, metric_date, `+column+`) VALUES (?, ?, ?)
		ON CONFLICT(agent_id, metric_date) DO UPDATE SET `+column+` = `+column+` + excluded.`+column,
		agentID, today(), n)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	r.mirror.add(column, agentID, n)
	return nil
}

// Get returns the agent's rows for the last days days (today included),
// oldest first.
func (r *Recorder) Get(ctx context.Context, agentID string, days int) ([]Daily, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if days <= 0 {
		days = 1
	}
	from := store.Now().AddDate(0, 0, -(days - 1)).Format(dateLayout)
	rows, err := r.db.QueryContext(ctx, `
		SELECT agent_id, metric_date, total_interactions, successful_interactions, avg_response_time_ms,
			user_satisfaction_score, satisfaction_samples, memory_chunks_used, patterns_applied, new_learnings
		FROM performance_metrics WHERE agent_id = ? AND metric_date >= ? ORDER BY metric_date`, agentID, from)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []Daily
	for rows.Next() {
		var d Daily
		if err := rows.Scan(&d.AgentID, &d.Date, &d.TotalInteractions, &d.SuccessfulInteractions, &d.AvgResponseTimeMs,
			&d.UserSatisfactionScore, &d.SatisfactionSamples, &d.MemoryChunksUsed, &d.PatternsApplied, &d.NewLearnings); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Summary aggregates a window of daily rows.
type Summary struct {
	AgentID                string  `json:"agent_id"`
	Days                   int     `json:"days"`
	DaysWithRecords        int     `json:"days_with_records"`
	TotalInteractions      int     `json:"total_interactions"`
	SuccessfulInteractions int     `json:"successful_interactions"`
	SuccessRate            float64 `json:"success_rate"`
	AvgResponseTimeMs      float64 `json:"avg_response_time_ms"`
	AvgSatisfaction        float64 `json:"avg_satisfaction"`
	MemoryChunksUsed       int     `json:"memory_chunks_used"`
	PatternsApplied        int     `json:"patterns_applied"`
	NewLearnings           int     `json:"new_learnings"`
	LearningVelocity       float64 `json:"learning_velocity"`
}

// Aggregate summarises the last days days. Daily averages are weighted by
// the number of samples behind them.
func (r *Recorder) Aggregate(ctx context.Context, agentID string, days int) (Summary, error) {
	rows, err := r.Get(ctx, agentID, days)
	if err != nil {
		return Summary{}, err
	}
	return summarize(agentID, days, rows), nil
}

func summarize(agentID string, days int, rows []Daily) Summary {
	s := Summary{AgentID: agentID, Days: days, DaysWithRecords: len(rows)}
	var (
		rt, rtW   []float64
		sat, satW []float64
	)
	for _, d := range rows {
		s.TotalInteractions += d.TotalInteractions
		s.SuccessfulInteractions += d.SuccessfulInteractions
		s.MemoryChunksUsed += d.MemoryChunksUsed
		s.PatternsApplied += d.PatternsApplied
		s.NewLearnings += d.NewLearnings
		if d.TotalInteractions > 0 {
			rt = append(rt, d.AvgResponseTimeMs)
			rtW = append(rtW, float64(d.TotalInteractions))
		}
		if d.SatisfactionSamples > 0 {
			sat = append(sat, d.UserSatisfactionScore)
			satW = append(satW, float64(d.SatisfactionSamples))
		}
	}
	if s.TotalInteractions > 0 {
		s.SuccessRate = float64(s.SuccessfulInteractions) / float64(s.TotalInteractions)
	}
	if len(rt) > 0 {
		s.AvgResponseTimeMs = stat.Mean(rt, rtW)
	}
	if len(sat) > 0 {
		s.AvgSatisfaction = stat.Mean(sat, satW)
	}
	if len(rows) > 0 {
		s.LearningVelocity = float64(s.NewLearnings) / float64(len(rows))
	}
	return s
}

// LearningVelocity is new learnings per day that has a record, over the
// last days days.
func (r *Recorder) LearningVelocity(ctx context.Context, agentID string, days int) (float64, error) {
	s, err := r.Aggregate(ctx, agentID, days)
	if err != nil {
		return 0, err
	}
	return s.LearningVelocity, nil
}

// TotalInteractions returns the all-time interaction count for the agent.
func (r *Recorder) TotalInteractions(ctx context.Context, agentID string) (int, error) {
	if r == nil || r.db == nil {
		return 0, nil
	}
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(total_interactions), 0) FROM performance_metrics WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum interactions: %w", err)
	}
	return n, nil
}

// Prometheus returns the mirror, or nil.
func (r *Recorder) Prometheus() *Prometheus {
	if r == nil {
		return nil
	}
	return r.mirror
}
