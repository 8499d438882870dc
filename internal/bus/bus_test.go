package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMessageBusRoundTrip(t *testing.T) {
	b := NewMessageBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := &InboundMessage{Channel: "whatsapp", AgentID: "main", ChatID: "5511", Content: "oi"}
	if err := b.PublishInbound(ctx, in); err != nil {
		t.Fatalf("publish inbound: %v", err)
	}
	got, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("consume inbound: %v", err)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be stamped on publish")
	}
	if got.ConversationKey() != "whatsapp:main:5511" {
		t.Errorf("conversation key = %q", got.ConversationKey())
	}

	delivered := make(chan string, 1)
	b.Subscribe("whatsapp", func(m *OutboundMessage) { delivered <- m.Content })
	go func() { _ = b.DispatchOutbound(ctx) }()
	if err := b.PublishOutbound(ctx, &OutboundMessage{Channel: "whatsapp", ChatID: "5511", Content: "olá"}); err != nil {
		t.Fatalf("publish outbound: %v", err)
	}
	select {
	case c := <-delivered:
		if c != "olá" {
			t.Errorf("delivered %q", c)
		}
	case <-time.After(time.Second):
		t.Fatal("outbound message not dispatched")
	}
}

func TestPublishInboundHonoursContext(t *testing.T) {
	b := NewMessageBus(1)
	ctx := context.Background()
	if err := b.PublishInbound(ctx, &InboundMessage{}); err != nil {
		t.Fatal(err)
	}
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := b.PublishInbound(cctx, &InboundMessage{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error on full queue, got %v", err)
	}
}

func TestLocalQueueRunsJobs(t *testing.T) {
	q := NewLocalQueue(8, 2)
	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 3)
	q.Handle("actions", func(_ context.Context, p []byte) error {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	q.Handle("broken", func(context.Context, []byte) error { panic("boom") })

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(finished)
	}()

	for _, p := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, "actions", p, []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Publish(ctx, "broken", "x", nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job not handled")
		}
	}
	cancel()
	<-finished

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Errorf("handled %d jobs, want 3", len(got))
	}
}

func TestLocalQueueDrainsOnShutdown(t *testing.T) {
	q := NewLocalQueue(8, 1)
	var n int
	var mu sync.Mutex
	q.Handle("t", func(context.Context, []byte) error {
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 5; i++ {
		if err := q.Publish(context.Background(), "t", "", nil); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = q.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if n != 5 {
		t.Errorf("drained %d jobs, want 5", n)
	}
	if q.Len() != 0 {
		t.Errorf("queue still holds %d jobs", q.Len())
	}
}

func TestLocalQueueClosed(t *testing.T) {
	q := NewLocalQueue(1, 1)
	_ = q.Close()
	if err := q.Publish(context.Background(), "t", "", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
