package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaQueue is a durable WorkQueue backed by Kafka topics. Each handled
// topic gets a consumer-group reader; offsets are committed after the
// handler returns, whatever its result.
type KafkaQueue struct {
	brokers []string
	groupID string
	writer  *kafka.Writer

	mu       sync.Mutex
	handlers map[string]Handler
	readers  []*kafka.Reader
}

// NewKafkaQueue creates a queue on the given brokers.
func NewKafkaQueue(brokers []string, groupID string) *KafkaQueue {
	return &KafkaQueue{
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
		handlers: make(map[string]Handler),
	}
}

// Publish writes the job keyed by key, so jobs sharing a key stay ordered.
func (q *KafkaQueue) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return q.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
}

func (q *KafkaQueue) Handle(topic string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = h
}

// Run starts one reader per handled topic and blocks until ctx is done.
func (q *KafkaQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	var wg sync.WaitGroup
	for topic, h := range q.handlers {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  q.brokers,
			Topic:    topic,
			GroupID:  q.groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		q.readers = append(q.readers, reader)
		wg.Add(1)
		go func(r *kafka.Reader, t string, h Handler) {
			defer wg.Done()
			q.consume(ctx, r, t, h)
		}(reader, topic, h)
	}
	q.mu.Unlock()
	wg.Wait()
	return nil
}

func (q *KafkaQueue) consume(ctx context.Context, r *kafka.Reader, topic string, h Handler) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("Kafka fetch failed", "topic", topic, "error", err)
			continue
		}
		if err := safeHandle(ctx, h, msg.Value); err != nil {
			slog.Warn("Job failed", "topic", topic, "key", string(msg.Key), "offset", msg.Offset, "error", err)
		}
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Warn("Kafka commit failed", "topic", topic, "offset", msg.Offset, "error", err)
		}
	}
}

// Close flushes the writer and closes every reader.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for _, r := range q.readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, q.writer.Close())
	return errors.Join(errs...)
}
