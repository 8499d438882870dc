package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *time.Time) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	orig := store.Now
	store.Now = func() time.Time { return now }
	t.Cleanup(func() { store.Now = orig })
	return NewRecorder(s.DB(), NewPrometheus()), &now
}

func ptr(f float64) *float64 { return &f }

func TestRecordInteractionRunningAverages(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.RecordInteraction(ctx, "a1", Interaction{Success: true, ResponseTimeMs: 100, Satisfaction: ptr(4)}))
	require.NoError(t, r.RecordInteraction(ctx, "a1", Interaction{Success: false, ResponseTimeMs: 200}))
	require.NoError(t, r.RecordInteraction(ctx, "a1", Interaction{Success: true, ResponseTimeMs: 300, Satisfaction: ptr(2)}))

	rows, err := r.Get(ctx, "a1", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	d := rows[0]
	assert.Equal(t, 3, d.TotalInteractions)
	assert.Equal(t, 2, d.SuccessfulInteractions)
	assert.InDelta(t, 200, d.AvgResponseTimeMs, 1e-9)
	assert.InDelta(t, 3, d.UserSatisfactionScore, 1e-9)
	assert.Equal(t, 2, d.SatisfactionSamples)
	assert.LessOrEqual(t, d.SuccessfulInteractions, d.TotalInteractions)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Prometheus().interactions.WithLabelValues("a1", "success")))
}

func TestCountersAreIsolatedPerAgent(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.IncrementMemoryUsage(ctx, "a1", 3))
	require.NoError(t, r.IncrementPatternApplication(ctx, "a1", 1))
	require.NoError(t, r.IncrementNewLearnings(ctx, "b1", 2))

	a, err := r.Aggregate(ctx, "a1", 7)
	require.NoError(t, err)
	assert.Equal(t, 3, a.MemoryChunksUsed)
	assert.Equal(t, 1, a.PatternsApplied)
	assert.Equal(t, 0, a.NewLearnings)

	b, _ := r.Aggregate(ctx, "b1", 7)
	assert.Equal(t, 2, b.NewLearnings)
}

func TestAggregateWeightsAndVelocity(t *testing.T) {
	r, now := newTestRecorder(t)
	ctx := context.Background()

	*now = now.AddDate(0, 0, -2)
	require.NoError(t, r.RecordInteraction(ctx, "a1", Interaction{Success: true, ResponseTimeMs: 100}))
	require.NoError(t, r.IncrementNewLearnings(ctx, "a1", 4))

	*now = now.AddDate(0, 0, 2)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.RecordInteraction(ctx, "a1", Interaction{Success: i > 0, ResponseTimeMs: 500}))
	}
	require.NoError(t, r.IncrementNewLearnings(ctx, "a1", 2))

	s, err := r.Aggregate(ctx, "a1", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, s.DaysWithRecords)
	assert.Equal(t, 4, s.TotalInteractions)
	assert.InDelta(t, 0.75, s.SuccessRate, 1e-9)
	assert.InDelta(t, 400, s.AvgResponseTimeMs, 1e-9)

	v, err := r.LearningVelocity(ctx, "a1", 7)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, v, 1e-9)

	v, _ = r.LearningVelocity(ctx, "a1", 1)
	assert.InDelta(t, 2.0, v, 1e-9)

	total, _ := r.TotalInteractions(ctx, "a1")
	assert.Equal(t, 4, total)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	assert.NoError(t, r.RecordInteraction(ctx, "a1", Interaction{Success: true}))
	assert.NoError(t, r.IncrementNewLearnings(ctx, "a1", 1))
	v, err := r.LearningVelocity(ctx, "a1", 7)
	assert.NoError(t, err)
	assert.Zero(t, v)
}
