package orchestrator

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/bus"
)

const publishTimeout = 30 * time.Second

// conversationNamespace derives stable conversation IDs from channel keys.
var conversationNamespace = uuid.MustParse("6f1c2e0a-5b7d-4c8e-9a3f-1d2b4c6e8f10")

// ConversationID maps a channel conversation key to a conversation ID.
func ConversationID(key string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(key)).String()
}

// Gateway feeds channel messages from the bus through the orchestrator and
// publishes the replies. Messages of one conversation always land on the
// same worker, so they are answered in arrival order.
type Gateway struct {
	bus          *bus.MessageBus
	orch         *Orchestrator
	workers      int
	defaultAgent string
}

// NewGateway creates a gateway. defaultAgent answers messages that carry no
// agent ID.
func NewGateway(b *bus.MessageBus, orch *Orchestrator, workers int, defaultAgent string) *Gateway {
	if workers <= 0 {
		workers = 4
	}
	return &Gateway{bus: b, orch: orch, workers: workers, defaultAgent: defaultAgent}
}

// Run consumes inbound messages until ctx is cancelled. Queued messages
// already handed to a worker are finished before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	shards := make([]chan *bus.InboundMessage, g.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan *bus.InboundMessage, 16)
		wg.Add(1)
		go func(in <-chan *bus.InboundMessage) {
			defer wg.Done()
			for msg := range in {
				g.handle(ctx, msg)
			}
		}(shards[i])
	}
	defer func() {
		for _, s := range shards {
			close(s)
		}
		wg.Wait()
	}()

	slog.Info("Gateway started", "workers", g.workers)
	for {
		msg, err := g.bus.ConsumeInbound(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if msg.AgentID == "" {
			msg.AgentID = g.defaultAgent
		}
		select {
		case shards[shardFor(msg.ConversationKey(), g.workers)] <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (g *Gateway) handle(ctx context.Context, msg *bus.InboundMessage) {
	reqCtx := context.WithoutCancel(ctx)
	resp, err := g.orch.Process(reqCtx, Request{
		AgentID:        msg.AgentID,
		Message:        msg.Content,
		ConversationID: ConversationID(msg.ConversationKey()),
		Channel:        msg.Channel,
		UserID:         msg.SenderID,
		Context:        msg.Metadata,
	})
	if err != nil {
		slog.Error("Failed to process inbound message", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		return
	}
	out := &bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		TraceID:  msg.TraceID,
		Content:  resp.Response,
		Metadata: resp.Metadata,
	}
	pubCtx, cancel := context.WithTimeout(reqCtx, publishTimeout)
	defer cancel()
	if err := g.bus.PublishOutbound(pubCtx, out); err != nil {
		slog.Error("Failed to publish reply", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
	}
}
