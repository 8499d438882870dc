package learning

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/agents"
	"github.com/convoflow/convoflow/internal/embedding"
	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/patterns"
	"github.com/convoflow/convoflow/internal/store"
)

type flakyEmbedder struct {
	*embedding.HashedBackend
	mu   sync.Mutex
	fail bool
}

func (f *flakyEmbedder) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("embedding backend down")
	}
	return f.HashedBackend.Embed(ctx, text)
}

type fixture struct {
	db       *store.Store
	pipeline *Pipeline
	memory   *memory.Store
	patterns *patterns.Store
	metrics  *metrics.Recorder
	embedder *flakyEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "learning.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	emb := &flakyEmbedder{HashedBackend: embedding.NewHashedBackend(16)}
	f := &fixture{
		db:       s,
		memory:   memory.NewStore(s.DB(), emb),
		patterns: patterns.NewStore(s.DB()),
		metrics:  metrics.NewRecorder(s.DB(), nil),
		embedder: emb,
	}
	f.pipeline = NewPipeline(s.DB(), NewSettingsStore(s.DB(), DefaultSettings()), f.memory, f.patterns, f.metrics)
	return f
}

func (f *fixture) newLearnings(t *testing.T, agentID string) int {
	t.Helper()
	rows, err := f.metrics.Get(context.Background(), agentID, 1)
	require.NoError(t, err)
	total := 0
	for _, r := range rows {
		total += r.NewLearnings
	}
	return total
}

func memoryLog(agentID string, confidence float64) *Log {
	return &Log{
		AgentID:      agentID,
		Source:       SourceISAAnalysis,
		LearningType: TypeMemoryAdded,
		Content:      "The showroom opens at 9am on Saturdays",
		Confidence:   confidence,
	}
}

func TestAutoApprovedLearningIsApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.pipeline.CreateLog(ctx, memoryLog("a1", 0.92))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, l.Status)
	assert.Equal(t, AutoReviewer, l.ReviewedBy)
	require.NotNil(t, l.ReviewedAt)
	require.NotNil(t, l.AppliedAt)
	require.NotEmpty(t, l.ResultID)

	chunk, err := f.memory.Get(ctx, "a1", l.ResultID)
	require.NoError(t, err)
	assert.Equal(t, SourceISAAnalysis, chunk.Source)
	assert.Equal(t, memory.TypeFAQ, chunk.ChunkType)
	assert.Equal(t, l.ID, chunk.Metadata["learning_log_id"])
	assert.Equal(t, 1, f.newLearnings(t, "a1"))
}

func TestManualReviewLearningWaitsForApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.pipeline.Settings().Save(ctx, "a1", HybridSettings()))

	l, err := f.pipeline.CreateLog(ctx, memoryLog("a1", 0.65))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, l.Status)
	n, err := f.memory.CountActive(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, n)

	approved, err := f.pipeline.Approve(ctx, l.ID, "reviewer@example.com", false)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, approved.Status)
	assert.Equal(t, "reviewer@example.com", approved.ReviewedBy)

	again, err := f.pipeline.Approve(ctx, l.ID, "someone-else", false)
	require.NoError(t, err)
	assert.Equal(t, "reviewer@example.com", again.ReviewedBy)

	n, err = f.memory.CountActive(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.newLearnings(t, "a1"))
}

func TestLowConfidenceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.pipeline.CreateLog(ctx, memoryLog("a1", 0.3))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, l.Status)
	assert.Contains(t, l.ReviewReason, "below manual review threshold")

	again, err := f.pipeline.Reject(ctx, l.ID, "reviewer", "dup")
	require.NoError(t, err)
	assert.Equal(t, AutoReviewer, again.ReviewedBy)

	_, err = f.pipeline.Approve(ctx, l.ID, "reviewer", false)
	assert.ErrorIs(t, err, ErrTransition)
}

func TestRejectAppliedFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, err := f.pipeline.CreateLog(ctx, memoryLog("a1", 0.95))
	require.NoError(t, err)
	_, err = f.pipeline.Reject(ctx, l.ID, "reviewer", "changed my mind")
	assert.ErrorIs(t, err, ErrTransition)
}

func TestPatternDetectedConsolidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.pipeline.CreateLog(ctx, &Log{
		AgentID:      "a1",
		Source:       SourcePatternDetection,
		LearningType: TypePatternDetected,
		Content:      "price objection",
		SourceData: map[string]any{
			"pattern_type":    patterns.TypeObjectionHandling,
			"trigger_context": map[string]any{"keywords": []any{"too expensive"}},
			"action_config":   map[string]any{"strategy": "offer installments"},
		},
		Confidence: 0.93,
	})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, l.Status)

	p, err := f.patterns.Get(ctx, "a1", l.ResultID)
	require.NoError(t, err)
	assert.Equal(t, patterns.TypeObjectionHandling, p.PatternType)
	assert.InDelta(t, 0.93, p.SuccessRate, 1e-9)
	assert.Zero(t, p.TotalApplications)
	assert.Equal(t, "offer installments", p.ActionConfig["strategy"])
}

func TestInsightAndBehaviorUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	insight, err := f.pipeline.CreateLog(ctx, &Log{
		AgentID: "a1", Source: SourceManual, LearningType: TypeInsightGenerated,
		Content: "Leads from Instagram convert better on weekends", Confidence: 0.95,
	})
	require.NoError(t, err)
	c, err := f.memory.Get(ctx, "a1", insight.ResultID)
	require.NoError(t, err)
	assert.Equal(t, memory.TypeInsight, c.ChunkType)

	p := &patterns.Pattern{AgentID: "a1", PatternType: patterns.TypeToneAdjustment,
		ActionConfig: map[string]any{"tone": "formal"}, SuccessRate: 0.5}
	require.NoError(t, f.patterns.Create(ctx, p))

	upd, err := f.pipeline.CreateLog(ctx, &Log{
		AgentID: "a1", Source: SourceFeedback, LearningType: TypeBehaviorUpdated,
		SourceData: map[string]any{"pattern_id": p.ID, "action_config": map[string]any{"tone": "casual"}},
		Confidence: 0.91,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, upd.Status)
	assert.Equal(t, p.ID, upd.ResultID)

	got, err := f.patterns.Get(ctx, "a1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "casual", got.ActionConfig["tone"])
}

func TestConsolidationFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.embedder.setFail(true)
	l, err := f.pipeline.CreateLog(ctx, memoryLog("a1", 0.95))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, l.Status)
	assert.Contains(t, l.ConsolidationError, "embedding backend down")
	assert.Zero(t, f.newLearnings(t, "a1"))

	f.embedder.setFail(false)
	n, err := f.pipeline.RetryApproved(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.pipeline.Logs().Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, got.Status)
	assert.Empty(t, got.ConsolidationError)

	n, err = f.pipeline.RetryApproved(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, n)
	count, err := f.memory.CountActive(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBatchReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		l := memoryLog("a1", 0.8)
		l.Content = l.Content + string(rune('a'+i))
		created, err := f.pipeline.CreateLog(ctx, l)
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	res := f.pipeline.BatchApprove(ctx, append(ids[:2:2], "missing"), "lead")
	assert.Len(t, res.Succeeded, 2)
	assert.ErrorIs(t, res.Failed["missing"], ErrNotFound)

	rej := f.pipeline.BatchReject(ctx, ids, "lead", "stale")
	assert.Equal(t, []string{ids[2]}, rej.Succeeded)
	assert.ErrorIs(t, rej.Failed[ids[0]], ErrTransition)

	counts, err := f.pipeline.Logs().Counts(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{StatusApplied: 2, StatusRejected: 1}, counts)
}

func TestCreateLogValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.CreateLog(context.Background(), &Log{AgentID: "a1", Source: "gossip", LearningType: TypeMemoryAdded})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = f.pipeline.CreateLog(context.Background(), &Log{AgentID: "a1", Source: SourceManual, LearningType: TypeMemoryAdded, Confidence: 1.5})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.pipeline.Settings()

	got, err := st.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), got)

	bad := DefaultSettings()
	bad.ManualReviewThreshold = 0.9
	assert.ErrorIs(t, st.Save(ctx, "a1", bad), ErrInvalidSettings)

	custom := HybridSettings()
	custom.MaxMemoryChunks = 50
	require.NoError(t, st.Save(ctx, "a1", custom))
	got, err = st.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, custom, got)

	other, err := st.Get(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), other)
}

func seedConversation(t *testing.T, s *store.Store, agentID string, turns ...[2]string) {
	t.Helper()
	ctx := context.Background()
	c, err := s.EnsureConversation(ctx, "", agentID, "client-1", "whatsapp", "user")
	require.NoError(t, err)
	for _, turn := range turns {
		_, err := s.AppendMessage(ctx, c.ID, agentID, turn[0], turn[1])
		require.NoError(t, err)
	}
}

func TestAnalyzeConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	question := [2]string{"user", "Qual o prazo de entrega do financiamento?"}
	answer := [2]string{"assistant", "O prazo é de 5 dias úteis."}
	seedConversation(t, f.db, "a1", question, answer, [2]string{"user", "Perfeito, obrigado!"})
	seedConversation(t, f.db, "a1", question, answer)
	seedConversation(t, f.db, "a1", question, answer)
	seedConversation(t, f.db, "a1", [2]string{"user", "oi"})
	seedConversation(t, f.db, "other-agent", question, answer)

	an := NewAnalyzer(f.db, f.pipeline)
	stats, err := an.AnalyzeConversations(ctx, "a1", 24, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ConversationsScanned)
	// prazo, entrega, financiamento, the repeated question and the thanked answer
	assert.Equal(t, 5, stats.Candidates)
	assert.Equal(t, 5, stats.PendingReview)
	assert.Zero(t, stats.Duplicates)

	logs, err := f.pipeline.Logs().List(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, logs, 5)
	for _, l := range logs {
		assert.Equal(t, SourceISAAnalysis, l.Source)
	}

	again, err := an.AnalyzeConversations(ctx, "a1", 24, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, again.Duplicates)
}

func TestContainsAny(t *testing.T) {
	assert.True(t, ContainsAny("Please REMEMBER my address", ExplicitLearning))
	assert.True(t, ContainsAny("a partir de agora me chame de Ana", ExplicitLearning))
	assert.True(t, ContainsAny("Valeu, ajudou muito", PositiveFeedback))
	assert.False(t, ContainsAny("what is the price", ExplicitLearning))
}

type staticAgents []*agents.Agent

func (s staticAgents) All() []*agents.Agent { return s }

type countingSnapshots struct {
	auto     []string
	archived []int
}

func (c *countingSnapshots) AutoSnapshot(_ context.Context, agentID string, _ int) (bool, error) {
	c.auto = append(c.auto, agentID)
	return true, nil
}

func (c *countingSnapshots) Archive(_ context.Context, days int) (int, error) {
	c.archived = append(c.archived, days)
	return 0, nil
}

func TestWorkerRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.embedder.setFail(true)
	_, err := f.pipeline.CreateLog(ctx, memoryLog("a1", 0.95))
	require.NoError(t, err)
	f.embedder.setFail(false)

	weak := &patterns.Pattern{AgentID: "a1", PatternType: patterns.TypeResponseStrategy, SuccessRate: 0.5}
	require.NoError(t, f.patterns.Create(ctx, weak))
	for i := 0; i < 5; i++ {
		require.NoError(t, f.patterns.RecordUsage(ctx, weak.ID, i == 0))
	}

	disabled := DefaultSettings()
	disabled.Enabled = false
	require.NoError(t, f.pipeline.Settings().Save(ctx, "a2", disabled))

	snaps := &countingSnapshots{}
	w := NewWorker(WorkerDeps{
		Agents:    staticAgents{{ID: "a1"}, {ID: "a2"}},
		Pipeline:  f.pipeline,
		Patterns:  f.patterns,
		Lifecycle: memory.NewLifecycle(f.db.DB()),
		Snapshots: snaps,
	}, WorkerOptions{})

	stats := w.RunOnce(ctx)
	assert.Equal(t, 1, stats.Agents)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.PatternsRetired)
	assert.Equal(t, 1, stats.SnapshotsTaken)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, []string{"a1"}, snaps.auto)
	assert.Equal(t, []int{90}, snaps.archived)
}
