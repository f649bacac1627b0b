package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/omnibank/ledger-service/internal/events"
	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer messageWriter
}

// NewPublisher creates a publisher writing to brokers. The topic is set per
// message, so one writer serves every topic.
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes the envelope keyed by event type and blocks until the
// brokers acknowledge it or ctx is done.
func (p *Publisher) Publish(ctx context.Context, topic, eventType string, payload any, correlationID string) error {
	data, err := events.Encode(topic, eventType, payload, correlationID)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(eventType),
		Value: data,
	}
	if correlationID != "" {
		msg.Headers = []kafka.Header{{Key: "correlationId", Value: []byte(correlationID)}}
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
