package trigger

import "context"

// semaphore caps concurrently running actions.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		n = 1
	}
	return &semaphore{ch: make(chan struct{}, n)}
}

// acquire blocks for a slot until ctx is done.
func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	<-s.ch
}

// available returns the number of free slots.
func (s *semaphore) available() int {
	return cap(s.ch) - len(s.ch)
}
