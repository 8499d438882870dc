// Package snapshot records point-in-time views of an agent's active
// memories and patterns and rolls learning back to them.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/patterns"
	"github.com/convoflow/convoflow/internal/store"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrInvalid  = errors.New("invalid snapshot")
)

// Snapshot types.
const (
	TypeAutomatic   = "automatic"
	TypeManual      = "manual"
	TypeMilestone   = "milestone"
	TypePreRollback = "pre_rollback"
)

// ValidType reports whether t is a known snapshot type.
func ValidType(t string) bool {
	switch t {
	case TypeAutomatic, TypeManual, TypeMilestone, TypePreRollback:
		return true
	}
	return false
}

// Data is what a snapshot keeps: IDs and summary stats, never content.
type Data struct {
	MemoryIDs         []string       `json:"memory_ids"`
	PatternIDs        []string       `json:"pattern_ids"`
	MemoryByType      map[string]int `json:"memory_by_type"`
	AvgSuccessRate    float64        `json:"avg_success_rate"`
	ConfirmedPatterns int            `json:"confirmed_patterns"`
	TotalInteractions int            `json:"total_interactions"`
}

// Snapshot is one stored point in time.
type Snapshot struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	SnapshotType string    `json:"snapshot_type"`
	MemoryCount  int       `json:"memory_count"`
	PatternCount int       `json:"pattern_count"`
	Data         Data      `json:"snapshot_data"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RestoreResult reports how much learning a restore rolled back.
type RestoreResult struct {
	SnapshotID          string `json:"snapshot_id"`
	BackupID            string `json:"backup_id"`
	MemoriesDeactivated int    `json:"memories_deactivated"`
	PatternsDeactivated int    `json:"patterns_deactivated"`
}

// Diff compares two snapshots of the same agent.
type Diff struct {
	From             string   `json:"from"`
	To               string   `json:"to"`
	MemoriesAdded    []string `json:"memories_added"`
	MemoriesRemoved  []string `json:"memories_removed"`
	PatternsAdded    []string `json:"patterns_added"`
	PatternsRemoved  []string `json:"patterns_removed"`
	MemoryDelta      int      `json:"memory_delta"`
	PatternDelta     int      `json:"pattern_delta"`
	InteractionDelta int      `json:"interaction_delta"`
}

// Manager creates, restores and prunes snapshots.
type Manager struct {
	db        *sql.DB
	memory    *memory.Store
	lifecycle *memory.Lifecycle
	patterns  *patterns.Store
	metrics   *metrics.Recorder
}

func NewManager(db *sql.DB, mem *memory.Store, pats *patterns.Store, rec *metrics.Recorder) *Manager {
	return &Manager{
		db:        db,
		memory:    mem,
		lifecycle: memory.NewLifecycle(db),
		patterns:  pats,
		metrics:   rec,
	}
}

// Create records the agent's current active memory and pattern sets.
func (m *Manager) Create(ctx context.Context, agentID, snapshotType, description string) (*Snapshot, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalid)
	}
	if !ValidType(snapshotType) {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, snapshotType)
	}
	memIDs, err := m.memory.ActiveIDs(ctx, agentID)
	if err != nil {
		return nil, err
	}
	stats, err := m.lifecycle.Stats(ctx, agentID)
	if err != nil {
		return nil, err
	}
	pats, err := m.patterns.ListActive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	interactions, err := m.metrics.TotalInteractions(ctx, agentID)
	if err != nil {
		return nil, err
	}

	data := Data{
		MemoryIDs:         nonNil(memIDs),
		PatternIDs:        []string{},
		MemoryByType:      stats.ByType,
		TotalInteractions: interactions,
	}
	for _, p := range pats {
		data.PatternIDs = append(data.PatternIDs, p.ID)
		data.AvgSuccessRate += p.SuccessRate
		if p.Confirmed {
			data.ConfirmedPatterns++
		}
	}
	if len(pats) > 0 {
		data.AvgSuccessRate /= float64(len(pats))
	}

	s := &Snapshot{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		SnapshotType: snapshotType,
		MemoryCount:  len(data.MemoryIDs),
		PatternCount: len(data.PatternIDs),
		Data:         data,
		Description:  description,
		CreatedAt:    store.Now(),
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, agent_id, snapshot_type, memory_count, pattern_count, snapshot_data, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AgentID, s.SnapshotType, s.MemoryCount, s.PatternCount, store.EncodeJSON(s.Data), s.Description, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	slog.Info("Snapshot created", "snapshot_id", s.ID, "agent_id", agentID, "type", snapshotType,
		"memories", s.MemoryCount, "patterns", s.PatternCount)
	return s, nil
}

// Get loads one snapshot.
func (m *Manager) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	return s, err
}

// List returns the agent's snapshots, newest first.
func (m *Manager) List(ctx context.Context, agentID string) ([]Snapshot, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots
		WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Restore takes a pre_rollback snapshot and then deactivates every memory
// and pattern the agent gained after the snapshot was taken.
func (m *Manager) Restore(ctx context.Context, id string) (RestoreResult, error) {
	res := RestoreResult{SnapshotID: id}
	s, err := m.Get(ctx, id)
	if err != nil {
		return res, err
	}
	backup, err := m.Create(ctx, s.AgentID, TypePreRollback, "before restoring "+s.ID)
	if err != nil {
		return res, fmt.Errorf("pre-rollback snapshot: %w", err)
	}
	res.BackupID = backup.ID

	if res.MemoriesDeactivated, err = m.memory.DeactivateCreatedAfter(ctx, s.AgentID, s.CreatedAt); err != nil {
		return res, err
	}
	if res.PatternsDeactivated, err = m.patterns.DeactivateCreatedAfter(ctx, s.AgentID, s.CreatedAt); err != nil {
		return res, err
	}
	slog.Info("Snapshot restored", "snapshot_id", id, "agent_id", s.AgentID,
		"memories_deactivated", res.MemoriesDeactivated, "patterns_deactivated", res.PatternsDeactivated)
	return res, nil
}

// Compare diffs two snapshots of the same agent.
func (m *Manager) Compare(ctx context.Context, fromID, toID string) (Diff, error) {
	a, err := m.Get(ctx, fromID)
	if err != nil {
		return Diff{}, err
	}
	b, err := m.Get(ctx, toID)
	if err != nil {
		return Diff{}, err
	}
	if a.AgentID != b.AgentID {
		return Diff{}, fmt.Errorf("%w: snapshots belong to different agents", ErrInvalid)
	}
	d := Diff{
		From:             a.ID,
		To:               b.ID,
		MemoryDelta:      b.MemoryCount - a.MemoryCount,
		PatternDelta:     b.PatternCount - a.PatternCount,
		InteractionDelta: b.Data.TotalInteractions - a.Data.TotalInteractions,
	}
	d.MemoriesAdded, d.MemoriesRemoved = setDiff(a.Data.MemoryIDs, b.Data.MemoryIDs)
	d.PatternsAdded, d.PatternsRemoved = setDiff(a.Data.PatternIDs, b.Data.PatternIDs)
	return d, nil
}

// Archive deletes snapshots older than retentionDays across all agents.
func (m *Manager) Archive(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := store.Now().AddDate(0, 0, -retentionDays)
	res, err := m.db.ExecContext(ctx, `DELETE FROM snapshots WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Snapshots archived", "deleted", n, "retention_days", retentionDays)
	}
	return int(n), nil
}

// AutoSnapshot creates an automatic snapshot when the agent's latest one is
// at least frequencyDays old, or when it has none.
func (m *Manager) AutoSnapshot(ctx context.Context, agentID string, frequencyDays int) (bool, error) {
	var last time.Time
	err := m.db.QueryRowContext(ctx, `SELECT created_at FROM snapshots WHERE agent_id = ? AND snapshot_type = ?
		ORDER BY created_at DESC LIMIT 1`, agentID, TypeAutomatic).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("latest snapshot: %w", err)
	case store.Now().Sub(last) < time.Duration(frequencyDays)*24*time.Hour:
		return false, nil
	}
	if _, err := m.Create(ctx, agentID, TypeAutomatic, "scheduled"); err != nil {
		return false, err
	}
	return true, nil
}

const snapshotColumns = `id, agent_id, snapshot_type, memory_count, pattern_count, snapshot_data, description, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var s Snapshot
	var raw string
	if err := row.Scan(&s.ID, &s.AgentID, &s.SnapshotType, &s.MemoryCount, &s.PatternCount, &raw, &s.Description, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	if err := store.DecodeJSON(raw, &s.Data); err != nil {
		return nil, err
	}
	return &s, nil
}

func setDiff(from, to []string) (added, removed []string) {
	inFrom := make(map[string]bool, len(from))
	for _, id := range from {
		inFrom[id] = true
	}
	inTo := make(map[string]bool, len(to))
	for _, id := range to {
		inTo[id] = true
		if !inFrom[id] {
			added = append(added, id)
		}
	}
	for _, id := range from {
		if !inTo[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
