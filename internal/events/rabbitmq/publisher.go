// Package rabbitmq publishes events to a RabbitMQ topic exchange with
// publisher confirms.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omnibank/ledger-service/internal/events"
	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
)

// DefaultConfirmTimeout bounds the wait for a broker ack when the caller's
// context has no earlier deadline.
const DefaultConfirmTimeout = 5 * time.Second

var (
	// ErrNacked means the broker refused the message.
	ErrNacked = errors.New("rabbitmq: publish nacked by broker")
	// ErrConfirmTimeout means no ack or nack arrived in time.
	ErrConfirmTimeout = errors.New("rabbitmq: timed out waiting for publish confirm")
	// ErrChannelClosed means the channel went away before the confirm.
	ErrChannelClosed = errors.New("rabbitmq: channel closed")
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelOpener returns a fresh channel. The publisher calls it at start and
// again whenever the current channel was closed.
type ChannelOpener func() (Channel, error)

// Publisher keeps one confirm-mode channel. A channel closed by the broker,
// or left out of step by a failed publish, is dropped and reopened on the
// next Publish.
type Publisher struct {
	mu             sync.Mutex // amqp channels must not be shared across goroutines
	open           ChannelOpener
	closeConn      func() error
	ch             Channel
	confirms       chan amqp.Confirmation
	closed         chan *amqp.Error
	exchange       string
	confirmTimeout time.Duration
}

type Option func(*Publisher)

func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// Dial connects to url and declares exchange as a durable topic exchange.
// Reopening redials url when the connection itself has dropped.
func Dial(url, exchange string, opts ...Option) (*Publisher, error) {
	var conn *amqp.Connection
	open := func() (Channel, error) {
		if conn == nil || conn.IsClosed() {
			c, err := amqp.Dial(url)
			if err != nil {
				return nil, fmt.Errorf("dial rabbitmq: %w", err)
			}
			conn = c
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("open rabbitmq channel: %w", err)
		}
		return ch, nil
	}

	p, err := NewPublisher(open, exchange, opts...)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, err
	}
	p.closeConn = func() error {
		if conn == nil || conn.IsClosed() {
			return nil
		}
		return conn.Close()
	}
	return p, nil
}

// NewPublisher opens the first channel, puts it in confirm mode and
// declares exchange on it.
func NewPublisher(open ChannelOpener, exchange string, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		open:           open,
		exchange:       exchange,
		confirmTimeout: DefaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.reopen(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish routes the envelope with the topic as routing key and returns once
// the broker has confirmed it.
func (p *Publisher) Publish(ctx context.Context, topic, eventType string, payload any, correlationID string) error {
	data, err := events.Encode(topic, eventType, payload, correlationID)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Type:          eventType,
		CorrelationId: correlationID,
		Timestamp:     time.Now().UTC(),
		Body:          data,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return fmt.Errorf("rabbitmq publish to %s/%s: %w", p.exchange, topic, err)
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, topic, false, false, msg); err != nil {
		p.invalidate()
		return fmt.Errorf("rabbitmq publish to %s/%s: %w", p.exchange, topic, err)
	}
	if err := p.waitConfirm(ctx); err != nil {
		// a nack leaves the confirm stream in step, anything else may not
		if !errors.Is(err, ErrNacked) {
			p.invalidate()
		}
		return fmt.Errorf("rabbitmq publish to %s/%s: %w", p.exchange, topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.ch != nil {
		err = p.ch.Close()
		p.ch = nil
	}
	if p.closeConn != nil {
		if cerr := p.closeConn(); err == nil {
			err = cerr
		}
	}
	return err
}

// ensureChannel reopens the channel if the broker closed it. Caller holds mu.
func (p *Publisher) ensureChannel() error {
	if p.ch != nil {
		select {
		case <-p.closed:
			p.ch = nil
		default:
			return nil
		}
	}
	return p.reopen()
}

// reopen replaces the channel. Caller holds mu.
func (p *Publisher) reopen() error {
	ch, err := p.open()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.ch = ch
	p.confirms = confirms
	p.closed = closed
	return nil
}

// invalidate drops the current channel so the next Publish opens a new one.
func (p *Publisher) invalidate() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

func (p *Publisher) waitConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-p.confirms:
		if !ok {
			return ErrChannelClosed
		}
		if !c.Ack {
			return fmt.Errorf("%w: delivery tag %d", ErrNacked, c.DeliveryTag)
		}
		return nil
	case <-p.closed:
		return ErrChannelClosed
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
