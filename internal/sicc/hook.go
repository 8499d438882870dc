// Package sicc captures every agent interaction without blocking the
// response path and turns batches of them into learning candidates.
package sicc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/provider"
)

// DefaultBatchSize is the queue length that schedules a background drain.
const DefaultBatchSize = 10

// Interaction is one agent turn as seen by the hook.
type Interaction struct {
	AgentID        string             `json:"agent_id"`
	AgentType      string             `json:"agent_type"`
	ConversationID string             `json:"conversation_id"`
	Messages       []provider.Message `json:"messages"`
	Response       string             `json:"response"`
	Context        map[string]any     `json:"context,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	Success        bool               `json:"success"`
	ResponseTimeMs float64            `json:"response_time_ms"`
	At             time.Time          `json:"at"`
}

// Sink receives drained batches.
type Sink interface {
	Deliver(ctx context.Context, batch []Interaction) error
}

// Hook queues interactions and drains them to a Sink in batches. A nil
// Hook ignores everything.
type Hook struct {
	sink      Sink
	batchSize int
	gauge     *metrics.Prometheus

	mu    sync.Mutex
	queue []Interaction

	enabled  atomic.Bool
	draining atomic.Bool
	drainMu  sync.Mutex
	wg       sync.WaitGroup
}

// NewHook returns an enabled hook. gauge may be nil.
func NewHook(sink Sink, batchSize int, gauge *metrics.Prometheus) *Hook {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	h := &Hook{sink: sink, batchSize: batchSize, gauge: gauge}
	h.enabled.Store(true)
	return h
}

// Enable turns capture on.
func (h *Hook) Enable() {
	if h != nil {
		h.enabled.Store(true)
	}
}

// Disable turns capture off. Already queued interactions are kept.
func (h *Hook) Disable() {
	if h != nil {
		h.enabled.Store(false)
	}
}

// Enabled reports whether capture is on.
func (h *Hook) Enabled() bool {
	return h != nil && h.enabled.Load()
}

// Len returns the number of queued interactions.
func (h *Hook) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// OnInteraction enqueues in and returns immediately. Reaching the batch
// size schedules one background drain.
func (h *Hook) OnInteraction(in Interaction) {
	if !h.Enabled() || h.sink == nil {
		return
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}
	h.mu.Lock()
	h.queue = append(h.queue, in)
	n := len(h.queue)
	h.mu.Unlock()
	h.gauge.SetQueueLength(n)

	if n >= h.batchSize {
		h.scheduleDrain()
	}
}

func (h *Hook) scheduleDrain() {
	if !h.draining.CompareAndSwap(false, true) {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.drain(context.Background(), false)
		h.drainDone()
	}()
}

// drainDone clears the draining flag and drains again when appends filled a
// batch after the drain's last length check.
func (h *Hook) drainDone() {
	h.draining.Store(false)
	if h.Len() >= h.batchSize {
		h.scheduleDrain()
	}
}

// Flush delivers everything queued before returning.
func (h *Hook) Flush(ctx context.Context) {
	if h == nil || h.sink == nil {
		return
	}
	h.drain(ctx, true)
}

// Shutdown waits for a running background drain and flushes the rest.
func (h *Hook) Shutdown(ctx context.Context) {
	if h == nil {
		return
	}
	h.wg.Wait()
	h.Flush(ctx)
}

// drain delivers full batches, or everything when all is set. Only one
// drain runs at a time.
func (h *Hook) drain(ctx context.Context, all bool) {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()
	for {
		h.mu.Lock()
		if len(h.queue) == 0 || (!all && len(h.queue) < h.batchSize) {
			h.mu.Unlock()
			return
		}
		n := min(h.batchSize, len(h.queue))
		batch := make([]Interaction, n)
		copy(batch, h.queue[:n])
		h.queue = h.queue[n:]
		remaining := len(h.queue)
		h.mu.Unlock()
		h.gauge.SetQueueLength(remaining)

		h.deliver(ctx, batch)
	}
}

func (h *Hook) deliver(ctx context.Context, batch []Interaction) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("SICC batch panicked", "size", len(batch), "panic", r)
		}
	}()
	if err := h.sink.Deliver(ctx, batch); err != nil {
		slog.Warn("SICC batch failed", "size", len(batch), "error", err)
		return
	}
	slog.Debug("SICC batch delivered", "size", len(batch))
}
