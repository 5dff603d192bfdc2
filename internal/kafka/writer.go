package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// NewWriter returns a synchronous producer. The outbox relay needs the broker
// ack before it may mark a row published, so Async is off here.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Publisher is the slice of kafka.Writer the outbox relay depends on.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}
