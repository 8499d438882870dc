package sicc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/convoflow/convoflow/internal/bus"
)

// QueueSink hands drained batches to a work queue so analysis runs on
// whichever worker consumes the topic.
type QueueSink struct {
	Queue bus.WorkQueue
	Topic string
}

func (s QueueSink) Deliver(ctx context.Context, batch []Interaction) error {
	if len(batch) == 0 {
		return nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode interaction batch: %w", err)
	}
	return s.Queue.Publish(ctx, s.Topic, batch[0].AgentID, payload)
}

// Serve registers a on q for batches published by QueueSink.
func Serve(q bus.WorkQueue, topic string, a *Analyzer) {
	q.Handle(topic, func(ctx context.Context, payload []byte) error {
		var batch []Interaction
		if err := json.Unmarshal(payload, &batch); err != nil {
			return fmt.Errorf("decode interaction batch: %w", err)
		}
		return a.Deliver(ctx, batch)
	})
}
