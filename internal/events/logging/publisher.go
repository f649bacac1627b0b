// Package logging provides a publisher that writes events to the service log.
// Used in development when no broker is configured.
package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/omnibank/ledger-service/internal/events"
	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
)

type Publisher struct {
	logger *zap.Logger
}

func NewPublisher(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger.Named("events")}
}

func (p *Publisher) Publish(ctx context.Context, topic, eventType string, payload any, correlationID string) error {
	data, err := events.Encode(topic, eventType, payload, correlationID)
	if err != nil {
		return err
	}
	p.logger.Info("event published",
		zap.String("topic", topic),
		zap.String("event_type", eventType),
		zap.String("correlation_id", correlationID),
		zap.ByteString("envelope", data),
	)
	return nil
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
