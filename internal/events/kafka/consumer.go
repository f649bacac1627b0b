package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message value. A nil return commits the offset; an
// error leaves it uncommitted and the same message is retried.
type Handler interface {
	Handle(ctx context.Context, value []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, value []byte) error

func (f HandlerFunc) Handle(ctx context.Context, value []byte) error { return f(ctx, value) }

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	Workers         int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// Consumer runs a group of readers that share one consumer group, so the
// topic's partitions are spread over the workers.
type Consumer struct {
	cfg       ConsumerConfig
	handler   Handler
	logger    *zap.Logger
	newReader func() messageReader
}

func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = 30 * time.Second
	}

	c := &Consumer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("consumer").With(zap.String("topic", cfg.Topic), zap.String("group_id", cfg.GroupID)),
	}
	c.newReader = func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			Topic:          cfg.Topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // synchronous commits
		})
	}
	return c
}

// Run blocks until ctx is cancelled or a worker hits a fatal reader error.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting consumer", zap.Int("workers", c.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := range c.cfg.Workers {
		reader := c.newReader()
		g.Go(func() error {
			defer func() {
				if err := reader.Close(); err != nil {
					c.logger.Warn("failed to close reader", zap.Int("worker", i), zap.Error(err))
				}
			}()
			return c.work(gctx, i, reader)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.logger.Info("consumer stopped")
	return err
}

func (c *Consumer) work(ctx context.Context, worker int, reader messageReader) error {
	log := c.logger.With(zap.Int("worker", worker))
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, log, msg); err != nil {
			return err
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// process retries msg until the handler succeeds or ctx is done. It never
// moves past a failing message.
func (c *Consumer) process(ctx context.Context, log *zap.Logger, msg kafka.Message) error {
	backoff := c.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(ctx, msg.Value)
		if err == nil {
			return nil
		}

		log.Warn("message handling failed, will retry",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, c.cfg.MaxRetryBackoff)
	}
}
