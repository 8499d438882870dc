// Package learning is the supervised learning pipeline: learning logs,
// hybrid approval, consolidation into memory and patterns, and the
// periodic conversation analysis that feeds it.
package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/convoflow/convoflow/internal/config"
	"github.com/convoflow/convoflow/internal/store"
)

// ErrInvalidSettings is returned for settings that break the threshold
// ordering or ranges.
var ErrInvalidSettings = errors.New("invalid SICC settings")

// Settings are the per-agent SICC knobs.
type Settings struct {
	Enabled                     bool    `json:"enabled"`
	AutoApproveThreshold        float64 `json:"auto_approve_threshold"`
	ManualReviewThreshold       float64 `json:"manual_review_threshold"`
	ConsolidationFrequencyHours int     `json:"consolidation_frequency_hours"`
	MaxMemoryChunks             int     `json:"max_memory_chunks"`
	MemoryImportanceThreshold   float64 `json:"memory_importance_threshold"`
	MemoryRetentionDays         int     `json:"memory_retention_days"`
	MaxBehaviorPatterns         int     `json:"max_behavior_patterns"`
	PatternMinUsageCount        int     `json:"pattern_min_usage_count"`
	PatternSuccessThreshold     float64 `json:"pattern_success_threshold"`
	AutoSnapshotEnabled         bool    `json:"auto_snapshot_enabled"`
	SnapshotFrequencyDays       int     `json:"snapshot_frequency_days"`
	SnapshotRetentionDays       int     `json:"snapshot_retention_days"`
	EmbeddingModel              string  `json:"embedding_model"`
	SimilarityAlgorithm         string  `json:"similarity_algorithm"`
}

// DefaultSettings returns the stock per-agent settings.
func DefaultSettings() Settings {
	return Settings{
		Enabled:                     true,
		AutoApproveThreshold:        0.9,
		ManualReviewThreshold:       0.7,
		ConsolidationFrequencyHours: 24,
		MaxMemoryChunks:             10000,
		MemoryImportanceThreshold:   0.3,
		MemoryRetentionDays:         365,
		MaxBehaviorPatterns:         1000,
		PatternMinUsageCount:        5,
		PatternSuccessThreshold:     0.6,
		AutoSnapshotEnabled:         true,
		SnapshotFrequencyDays:       7,
		SnapshotRetentionDays:       90,
		EmbeddingModel:              "gte-small",
		SimilarityAlgorithm:         "cosine",
	}
}

// HybridSettings is DefaultSettings with the looser 0.8 / 0.5 approval band.
func HybridSettings() Settings {
	s := DefaultSettings()
	s.AutoApproveThreshold = 0.8
	s.ManualReviewThreshold = 0.5
	return s
}

// SettingsFromConfig derives the process-wide defaults from config.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	sc := cfg.SICC
	s.Enabled = sc.Enabled
	s.AutoApproveThreshold = sc.AutoApproveThreshold
	s.ManualReviewThreshold = sc.ManualReviewThreshold
	s.ConsolidationFrequencyHours = sc.ConsolidationFrequencyHours
	s.MaxMemoryChunks = sc.MaxMemoryChunks
	s.MemoryImportanceThreshold = sc.MemoryImportanceThreshold
	s.MemoryRetentionDays = sc.MemoryRetentionDays
	s.MaxBehaviorPatterns = sc.MaxBehaviorPatterns
	s.PatternMinUsageCount = sc.PatternMinUsageCount
	s.PatternSuccessThreshold = sc.PatternSuccessThreshold
	s.AutoSnapshotEnabled = sc.AutoSnapshotEnabled
	s.SnapshotFrequencyDays = sc.SnapshotFrequencyDays
	s.SnapshotRetentionDays = sc.SnapshotRetentionDays
	s.EmbeddingModel = cfg.Embedding.Model
	s.SimilarityAlgorithm = cfg.Embedding.SimilarityAlgorithm
	return s
}

// Validate enforces manual_review_threshold < auto_approve_threshold and
// basic ranges.
func (s Settings) Validate() error {
	if s.AutoApproveThreshold < 0 || s.AutoApproveThreshold > 1 ||
		s.ManualReviewThreshold < 0 || s.ManualReviewThreshold > 1 {
		return fmt.Errorf("%w: thresholds must be within [0,1]", ErrInvalidSettings)
	}
	if s.ManualReviewThreshold >= s.AutoApproveThreshold {
		return fmt.Errorf("%w: manual_review_threshold (%v) must be below auto_approve_threshold (%v)",
			ErrInvalidSettings, s.ManualReviewThreshold, s.AutoApproveThreshold)
	}
	if s.PatternSuccessThreshold < 0 || s.PatternSuccessThreshold > 1 {
		return fmt.Errorf("%w: pattern_success_threshold must be within [0,1]", ErrInvalidSettings)
	}
	if s.SimilarityAlgorithm != "" && s.SimilarityAlgorithm != "cosine" {
		return fmt.Errorf("%w: similarity_algorithm %q", ErrInvalidSettings, s.SimilarityAlgorithm)
	}
	return nil
}

// SettingsStore persists per-agent settings in sicc_settings.
type SettingsStore struct {
	db       *sql.DB
	defaults Settings
}

// NewSettingsStore returns settings for agents without a stored row from
// defaults.
func NewSettingsStore(db *sql.DB, defaults Settings) *SettingsStore {
	return &SettingsStore{db: db, defaults: defaults}
}

// Get returns the agent's settings, or the defaults when none are stored.
func (s *SettingsStore) Get(ctx context.Context, agentID string) (Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM sicc_settings WHERE agent_id = ?`, agentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load SICC settings: %w", err)
	}
	out := s.defaults
	if err := store.DecodeJSON(raw, &out); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// Save validates and stores the agent's settings.
func (s *SettingsStore) Save(ctx context.Context, agentID string, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sicc_settings (agent_id, settings, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET settings = excluded.settings, updated_at = excluded.updated_at`,
		agentID, store.EncodeJSON(st), store.Now())
	if err != nil {
		return fmt.Errorf("save SICC settings: %w", err)
	}
	return nil
}
