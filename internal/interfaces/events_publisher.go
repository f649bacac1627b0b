package interfaces

import "context"

// EventPublisher emits an event envelope to a sink (log, broker, ...).
type EventPublisher interface {
	Publish(ctx context.Context, topic, eventType string, payload any, correlationID string) error
}
