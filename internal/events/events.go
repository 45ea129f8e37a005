// Package events publishes order lifecycle transitions to downstream
// consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"tradeops/internal/domain"
)

// Transition kinds.
const (
	KindSubmitted     = "submitted"
	KindReplaced      = "replaced"
	KindCancelled     = "cancelled"
	KindStateObserved = "state_observed"
	KindConflict      = "state_conflict"
)

// Transition is a single observed change in an order's lifecycle.
type Transition struct {
	Kind       string            `json:"kind"`
	Gateway    string            `json:"gateway"`
	Account    string            `json:"account"`
	OrderID    string            `json:"order_id"`
	Supersedes string            `json:"supersedes,omitempty"`
	From       domain.OrderState `json:"from,omitempty"`
	To         domain.OrderState `json:"to"`
	At         time.Time         `json:"at"`
}

// Publisher delivers transitions. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
	Close() error
}

// Compile-time interface checks.
var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = (*LogPublisher)(nil)
)

// ---------------------------------------------------------------------------
// Kafka
// ---------------------------------------------------------------------------

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes transitions as JSON messages keyed by order id, so
// every transition of an order lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a synchronous publisher for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish sends t and waits for the brokers to acknowledge it.
func (p *KafkaPublisher) Publish(ctx context.Context, t Transition) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding transition: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.OrderID),
		Value: value,
		Time:  t.At,
	}); err != nil {
		return fmt.Errorf("publishing %s for order %s: %w", t.Kind, t.OrderID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogPublisher writes transitions to a structured logger. It is used when no
// brokers are configured.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher creates a LogPublisher. A nil logger uses slog.Default().
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log.With("component", "events")}
}

// Publish logs t at info level.
func (p *LogPublisher) Publish(ctx context.Context, t Transition) error {
	p.log.InfoContext(ctx, "order transition",
		"kind", t.Kind,
		"gateway", t.Gateway,
		"account", t.Account,
		"order", t.OrderID,
		"supersedes", t.Supersedes,
		"from", t.From,
		"to", t.To,
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
