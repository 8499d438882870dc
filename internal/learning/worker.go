package learning

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convoflow/convoflow/internal/agents"
	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/patterns"
	"github.com/convoflow/convoflow/internal/retry"
)

// AgentLister yields the agents the worker maintains.
type AgentLister interface {
	All() []*agents.Agent
}

// Snapshotter takes scheduled snapshots and archives old ones.
type Snapshotter interface {
	AutoSnapshot(ctx context.Context, agentID string, frequencyDays int) (bool, error)
	Archive(ctx context.Context, retentionDays int) (int, error)
}

// Worker runs the periodic consolidation cycle for every active agent.
type Worker struct {
	agents    AgentLister
	pipeline  *Pipeline
	analyzer  *Analyzer
	patterns  *patterns.Store
	lifecycle *memory.Lifecycle
	snapshots Snapshotter
	opts      WorkerOptions
	retry     retry.Config

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// WorkerDeps groups the collaborators of a Worker. Snapshots may be nil.
type WorkerDeps struct {
	Agents    AgentLister
	Pipeline  *Pipeline
	Analyzer  *Analyzer
	Patterns  *patterns.Store
	Lifecycle *memory.Lifecycle
	Snapshots Snapshotter
}

// WorkerOptions tune the cycle. Zero values take the defaults.
type WorkerOptions struct {
	Interval      time.Duration
	WindowHours   int
	MinMessages   int
	RetryAttempts int
}

func NewWorker(deps WorkerDeps, opts WorkerOptions) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.WindowHours <= 0 {
		opts.WindowHours = DefaultWindowHours
	}
	if opts.MinMessages <= 0 {
		opts.MinMessages = DefaultMinMessages
	}
	rc := retry.DefaultConfig()
	if opts.RetryAttempts > 0 {
		rc.Attempts = opts.RetryAttempts
	}
	return &Worker{
		agents:    deps.Agents,
		pipeline:  deps.Pipeline,
		analyzer:  deps.Analyzer,
		patterns:  deps.Patterns,
		lifecycle: deps.Lifecycle,
		snapshots: deps.Snapshots,
		opts:      opts,
		retry:     rc,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// CycleStats totals one RunOnce pass.
type CycleStats struct {
	Agents            int `json:"agents"`
	Applied           int `json:"applied"`
	Candidates        int `json:"candidates"`
	PatternsRetired   int `json:"patterns_retired"`
	ChunksPruned      int `json:"chunks_pruned"`
	SnapshotsTaken    int `json:"snapshots_taken"`
	SnapshotsArchived int `json:"snapshots_archived"`
	Errors            int `json:"errors"`
}

// RunOnce runs a full maintenance pass. Per-agent failures are logged and
// counted; they never abort the pass.
func (w *Worker) RunOnce(ctx context.Context) CycleStats {
	var stats CycleStats
	maxRetention := 0
	for _, a := range w.agents.All() {
		if ctx.Err() != nil {
			break
		}
		st, err := w.pipeline.settings.Get(ctx, a.ID)
		if err != nil {
			slog.Warn("Load SICC settings failed", "agent_id", a.ID, "error", err)
			stats.Errors++
			continue
		}
		if !st.Enabled {
			continue
		}
		stats.Agents++
		if st.SnapshotRetentionDays > maxRetention {
			maxRetention = st.SnapshotRetentionDays
		}
		w.runAgent(ctx, a.ID, st, &stats)
	}
	if w.snapshots != nil && maxRetention > 0 {
		n, err := w.snapshots.Archive(ctx, maxRetention)
		if err != nil {
			slog.Warn("Snapshot archive failed", "error", err)
			stats.Errors++
		}
		stats.SnapshotsArchived = n
	}
	slog.Info("Consolidation cycle complete", "agents", stats.Agents, "applied", stats.Applied,
		"candidates", stats.Candidates, "errors", stats.Errors)
	return stats
}

func (w *Worker) runAgent(ctx context.Context, agentID string, st Settings, stats *CycleStats) {
	err := retry.Do(ctx, w.retry, func(ctx context.Context) error {
		n, err := w.pipeline.RetryApproved(ctx, agentID)
		stats.Applied += n
		return err
	})
	if err != nil {
		slog.Warn("Retry of approved learnings failed", "agent_id", agentID, "error", err)
		stats.Errors++
	}

	if w.analyzer != nil {
		as, err := w.analyzer.AnalyzeConversations(ctx, agentID, w.opts.WindowHours, w.opts.MinMessages)
		if err != nil {
			slog.Warn("Conversation analysis failed", "agent_id", agentID, "error", err)
			stats.Errors++
		}
		stats.Candidates += as.Candidates
	}

	n, err := w.patterns.DeactivateLowPerforming(ctx, agentID, st.PatternMinUsageCount, st.PatternSuccessThreshold)
	if err != nil {
		slog.Warn("Pattern retirement failed", "agent_id", agentID, "error", err)
		stats.Errors++
	}
	stats.PatternsRetired += n

	pr, err := w.lifecycle.Prune(ctx, agentID, memory.RetentionPolicy{
		RetentionDays:       st.MemoryRetentionDays,
		ImportanceThreshold: st.MemoryImportanceThreshold,
		MaxChunks:           st.MaxMemoryChunks,
	})
	if err != nil {
		slog.Warn("Memory prune failed", "agent_id", agentID, "error", err)
		stats.Errors++
	}
	stats.ChunksPruned += pr.Expired + pr.Excess

	if w.snapshots != nil && st.AutoSnapshotEnabled {
		took, err := w.snapshots.AutoSnapshot(ctx, agentID, st.SnapshotFrequencyDays)
		if err != nil {
			slog.Warn("Automatic snapshot failed", "agent_id", agentID, "error", err)
			stats.Errors++
		}
		if took {
			stats.SnapshotsTaken++
		}
	}
}

// Run repeats RunOnce every interval until ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	defer close(w.doneCh)
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.doneCh
	}
}
