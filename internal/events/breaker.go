package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
)

// ErrPublisherUnavailable is returned while the breaker is open.
var ErrPublisherUnavailable = errors.New("event publisher unavailable")

// BreakerSettings configures BreakerPublisher.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// BreakerPublisher stops calling a failing broker for OpenTimeout after
// ConsecutiveFailures errors in a row, so posting latency stays bounded
// while the broker is down.
type BreakerPublisher struct {
	next    interfaces.EventPublisher
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(next interfaces.EventPublisher, settings BreakerSettings, logger *zap.Logger) *BreakerPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Name == "" {
		settings.Name = "event-publisher"
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("publisher circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerPublisher{next: next, breaker: cb}
}

func (b *BreakerPublisher) Publish(ctx context.Context, topic, eventType string, payload any, correlationID string) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.next.Publish(ctx, topic, eventType, payload, correlationID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrPublisherUnavailable, err)
	}
	return err
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *BreakerPublisher) State() string {
	return b.breaker.State().String()
}

var _ interfaces.EventPublisher = (*BreakerPublisher)(nil)
