package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/convoflow/convoflow/internal/store"
)

// RetentionPolicy bounds how much an agent's memory keeps.
type RetentionPolicy struct {
	RetentionDays       int     // chunks older than this are candidates for expiry (0 = keep forever)
	ImportanceThreshold float64 // only chunks below this confidence expire
	MaxChunks           int     // active chunks above this are pruned (0 = unlimited)
}

// PruneResult counts chunks deactivated by one Prune pass.
type PruneResult struct {
	Expired int `json:"expired"`
	Excess  int `json:"excess"`
}

// Lifecycle deactivates stale and excess chunks. Deletion is logical.
type Lifecycle struct {
	db *sql.DB
}

func NewLifecycle(db *sql.DB) *Lifecycle {
	return &Lifecycle{db: db}
}

// Prune applies p to one agent.
func (l *Lifecycle) Prune(ctx context.Context, agentID string, p RetentionPolicy) (PruneResult, error) {
	var res PruneResult
	if l == nil || l.db == nil {
		return res, nil
	}
	now := store.Now()

	if p.RetentionDays > 0 {
		cutoff := now.Add(-time.Duration(p.RetentionDays) * 24 * time.Hour)
		r, err := l.db.ExecContext(ctx, `UPDATE memory_chunks SET is_active = 0, updated_at = ?
			WHERE agent_id = ? AND is_active = 1 AND created_at < ? AND confidence < ?`,
			now, agentID, cutoff, p.ImportanceThreshold)
		if err != nil {
			return res, fmt.Errorf("expire chunks: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Expired = int(n)
	}

	if p.MaxChunks > 0 {
		var count int
		if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_chunks WHERE agent_id = ? AND is_active = 1`, agentID).Scan(&count); err != nil {
			return res, fmt.Errorf("count chunks: %w", err)
		}
		if excess := count - p.MaxChunks; excess > 0 {
			r, err := l.db.ExecContext(ctx, `UPDATE memory_chunks SET is_active = 0, updated_at = ?
				WHERE id IN (
					SELECT id FROM memory_chunks WHERE agent_id = ? AND is_active = 1
					ORDER BY confidence ASC, usage_count ASC, created_at ASC LIMIT ?
				)`, now, agentID, excess)
			if err != nil {
				return res, fmt.Errorf("prune excess: %w", err)
			}
			n, _ := r.RowsAffected()
			res.Excess = int(n)
		}
	}

	if res.Expired > 0 || res.Excess > 0 {
		slog.Info("Memory lifecycle pruned chunks", "agent", agentID, "expired", res.Expired, "excess", res.Excess)
	}
	return res, nil
}

// Stats summarises one agent's memory.
type Stats struct {
	Total  int            `json:"total"`
	Active int            `json:"active"`
	ByType map[string]int `json:"by_type"`
}

func (l *Lifecycle) Stats(ctx context.Context, agentID string) (Stats, error) {
	st := Stats{ByType: map[string]int{}}
	if l == nil || l.db == nil {
		return st, nil
	}
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM memory_chunks WHERE agent_id = ?`, agentID).
		Scan(&st.Total, &st.Active)
	if err != nil {
		return st, fmt.Errorf("memory stats: %w", err)
	}
	rows, err := l.db.QueryContext(ctx, `SELECT chunk_type, COUNT(*) FROM memory_chunks
		WHERE agent_id = ? AND is_active = 1 GROUP BY chunk_type`, agentID)
	if err != nil {
		return st, fmt.Errorf("memory stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if rows.Scan(&t, &n) == nil {
			st.ByType[t] = n
		}
	}
	return st, rows.Err()
}
