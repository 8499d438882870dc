package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("work queue closed")

// Handler processes one job payload.
type Handler func(ctx context.Context, payload []byte) error

// WorkQueue moves jobs from producers to background workers.
type WorkQueue interface {
	// Publish enqueues a job; it does not wait for the job to run.
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Handle registers the handler for a topic. Call before Run.
	Handle(topic string, h Handler)
	// Run consumes jobs until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

type job struct {
	topic   string
	key     string
	payload []byte
}

// LocalQueue runs jobs on an in-process worker pool.
type LocalQueue struct {
	jobs     chan job
	workers  int
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
	wg       sync.WaitGroup
}

// NewLocalQueue returns a queue with the given buffer and worker count.
func NewLocalQueue(size, workers int) *LocalQueue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 1
	}
	return &LocalQueue{
		jobs:     make(chan job, size),
		workers:  workers,
		handlers: make(map[string]Handler),
	}
}

func (q *LocalQueue) Publish(ctx context.Context, topic, key string, payload []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job{topic: topic, key: key, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *LocalQueue) Handle(topic string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = h
}

// Run starts the workers and blocks until ctx is done and they exit.
// Jobs still buffered when ctx ends are drained first.
func (q *LocalQueue) Run(ctx context.Context) error {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case j := <-q.jobs:
					q.dispatch(ctx, j)
				case <-ctx.Done():
					for {
						select {
						case j := <-q.jobs:
							q.dispatch(context.WithoutCancel(ctx), j)
						default:
							return
						}
					}
				}
			}
		}()
	}
	q.wg.Wait()
	return nil
}

func (q *LocalQueue) dispatch(ctx context.Context, j job) {
	q.mu.RLock()
	h := q.handlers[j.topic]
	q.mu.RUnlock()
	if h == nil {
		slog.Warn("No handler for job", "topic", j.topic, "key", j.key)
		return
	}
	if err := safeHandle(ctx, h, j.payload); err != nil {
		slog.Warn("Job failed", "topic", j.topic, "key", j.key, "error", err)
	}
}

// Close rejects further publishes.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Len returns the number of buffered jobs.
func (q *LocalQueue) Len() int { return len(q.jobs) }

func safeHandle(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
