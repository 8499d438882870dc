package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convoflow/convoflow/internal/inheritance"
)

// Source lists the active agents the registry mirrors.
type Source interface {
	ListActive(ctx context.Context) ([]Agent, error)
}

// SyncResult reports what a reconciliation changed.
type SyncResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}

// Stats summarises the registry contents.
type Stats struct {
	Total         int       `json:"total"`
	WithSubagents int       `json:"with_subagents"`
	LastSync      time.Time `json:"last_sync"`
}

// snapshot is an immutable view; readers never see a partial update.
type snapshot struct {
	byID     map[string]*Agent
	bySlug   map[string]*Agent
	children map[string][]*Agent
	loadedAt time.Time
}

// Registry is the in-memory agent map. Only the sync worker writes it; the
// whole map is swapped atomically.
type Registry struct {
	source   Source
	current  atomic.Pointer[snapshot]
	interval time.Duration
	syncMu   sync.Mutex

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRegistry creates an empty registry. interval <= 0 defaults to 60s.
func NewRegistry(source Source, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	r := &Registry{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	r.current.Store(buildSnapshot(nil, time.Time{}))
	return r
}

func buildSnapshot(list []Agent, at time.Time) *snapshot {
	s := &snapshot{
		byID:     make(map[string]*Agent, len(list)),
		bySlug:   make(map[string]*Agent, len(list)),
		children: make(map[string][]*Agent),
		loadedAt: at,
	}
	for i := range list {
		a := &list[i]
		if !a.IsActive {
			continue
		}
		s.byID[a.ID] = a
		s.bySlug[a.Slug] = a
	}
	for _, a := range s.byID {
		if a.ParentID != "" {
			s.children[a.ParentID] = append(s.children[a.ParentID], a)
		}
	}
	return s
}

// LoadAll replaces the map with the active agents from the source and
// returns how many were loaded.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	res, err := r.Sync(ctx)
	if err != nil {
		return 0, err
	}
	return res.Added + res.Kept, nil
}

// Sync reconciles against the source. On failure the previous map stays.
func (r *Registry) Sync(ctx context.Context) (SyncResult, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	list, err := r.source.ListActive(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load agents: %w", err)
	}
	next := buildSnapshot(list, time.Now().UTC())
	prev := r.current.Load()

	var res SyncResult
	for id := range next.byID {
		if _, ok := prev.byID[id]; ok {
			res.Kept++
		} else {
			res.Added++
		}
	}
	for id := range prev.byID {
		if _, ok := next.byID[id]; !ok {
			res.Removed++
		}
	}
	r.current.Store(next)
	return res, nil
}

// Get returns an active agent by ID.
func (r *Registry) Get(id string) (*Agent, bool) {
	a, ok := r.current.Load().byID[id]
	return a, ok
}

// GetBySlug returns an active agent by slug.
func (r *Registry) GetBySlug(slug string) (*Agent, bool) {
	a, ok := r.current.Load().bySlug[slug]
	return a, ok
}

// Lookup accepts either an agent ID or a slug.
func (r *Registry) Lookup(idOrSlug string) (*Agent, bool) {
	if a, ok := r.Get(idOrSlug); ok {
		return a, true
	}
	return r.GetBySlug(idOrSlug)
}

// SubagentsOf returns the active direct children of id.
func (r *Registry) SubagentsOf(id string) []*Agent {
	kids := r.current.Load().children[id]
	out := make([]*Agent, len(kids))
	copy(out, kids)
	return out
}

// All returns every active agent.
func (r *Registry) All() []*Agent {
	snap := r.current.Load()
	out := make([]*Agent, 0, len(snap.byID))
	for _, a := range snap.byID {
		out = append(out, a)
	}
	return out
}

func (r *Registry) Stats() Stats {
	snap := r.current.Load()
	return Stats{
		Total:         len(snap.byID),
		WithSubagents: len(snap.children),
		LastSync:      snap.loadedAt,
	}
}

// EffectiveConfig resolves the agent's configuration by walking parent
// pointers from the root down and applying each level's inheritance policy.
// Missing or inactive ancestors end the walk.
func (r *Registry) EffectiveConfig(a *Agent) map[string]any {
	snap := r.current.Load()
	chain := []*Agent{a}
	seen := map[string]bool{a.ID: true}
	for cur := a; cur.ParentID != "" && len(chain) < maxDepth; {
		parent, ok := snap.byID[cur.ParentID]
		if !ok || seen[parent.ID] {
			break
		}
		seen[parent.ID] = true
		chain = append(chain, parent)
		cur = parent
	}

	effective := chain[len(chain)-1].ConfigMap()
	for i := len(chain) - 2; i >= 0; i-- {
		effective = inheritance.Resolve(effective, chain[i].ConfigMap(), chain[i].Inheritance)
	}
	return effective
}

// Run syncs every interval until ctx is done or Stop is called. Errors are
// logged and the last-known map is retained.
func (r *Registry) Run(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			res, err := r.Sync(ctx)
			if err != nil {
				slog.Warn("Agent registry sync failed", "error", err)
				continue
			}
			if res.Added > 0 || res.Removed > 0 {
				slog.Info("Agent registry synced", "added", res.Added, "removed", res.Removed, "kept", res.Kept)
			}
		}
	}
}

// Stop signals Run to exit and waits for it.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.doneCh
	}
}
