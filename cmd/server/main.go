package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omnibank/ledger-service/internal/api"
	"github.com/omnibank/ledger-service/internal/config"
	"github.com/omnibank/ledger-service/internal/events"
	"github.com/omnibank/ledger-service/internal/events/kafka"
	eventlog "github.com/omnibank/ledger-service/internal/events/logging"
	"github.com/omnibank/ledger-service/internal/events/rabbitmq"
	"github.com/omnibank/ledger-service/internal/idempotency"
	"github.com/omnibank/ledger-service/internal/ingest"
	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
	"github.com/omnibank/ledger-service/internal/ledger"
	"github.com/omnibank/ledger-service/internal/logging"
	"github.com/omnibank/ledger-service/internal/metrics"
	"github.com/omnibank/ledger-service/internal/storage/memory"
	"github.com/omnibank/ledger-service/internal/storage/postgres"
	"github.com/omnibank/ledger-service/internal/storage/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ledger service stopped with error", zap.Error(err))
	}
	logger.Info("ledger service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger = logger.With(zap.String("service", cfg.App.Name), zap.String("env", cfg.App.Env))

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("failed to close resource", zap.Error(err))
			}
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := openStore(ctx, cfg, logger, &closers)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(cfg, logger, &closers)
	if err != nil {
		return err
	}

	ledgerService := ledger.NewLedger(store, publisher, logger,
		ledger.WithTopic(cfg.Events.Topic),
		ledger.WithPublishTimeout(cfg.Events.PublishTimeout),
		ledger.WithMetrics(m),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewLedgerHandler(ledgerService), logger, reg)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Ingest.Enabled {
		consumer, err := newConsumer(ctx, cfg, logger, store, ledgerService, m, &closers)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, closers *[]io.Closer) (interfaces.LedgerStore, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.Database.DSN(), postgres.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectRetries:  cfg.Database.ConnectRetries,
			RetryInterval:   2 * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, db)

		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(db, logger); err != nil {
				return nil, err
			}
		}
		logger.Info("using postgres ledger store", zap.String("host", cfg.Database.Host), zap.String("dbname", cfg.Database.DBName))
		return postgres.NewPostgresLedgerStore(db), nil
	default:
		logger.Warn("using in-memory ledger store, data is lost on restart")
		return memory.NewMemoryLedgerStore(), nil
	}
}

func newPublisher(cfg *config.Config, logger *zap.Logger, closers *[]io.Closer) (interfaces.EventPublisher, error) {
	var broker interfaces.EventPublisher

	switch cfg.Events.Publisher {
	case config.PublisherKafka:
		p := kafka.NewPublisher(cfg.Events.KafkaBrokers)
		*closers = append(*closers, p)
		broker = p
	case config.PublisherRabbitMQ:
		p, err := rabbitmq.Dial(cfg.Events.RabbitMQURL, cfg.Events.RabbitMQExchange)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, p)
		broker = p
	default:
		logger.Info("publishing events to the log only")
		return eventlog.NewPublisher(logger), nil
	}

	logger.Info("publishing events to broker", zap.String("publisher", cfg.Events.Publisher), zap.String("topic", cfg.Events.Topic))
	return events.NewBreakerPublisher(broker, events.BreakerSettings{
		Name:                cfg.Events.Publisher,
		ConsecutiveFailures: cfg.Events.BreakerFailures,
		OpenTimeout:         cfg.Events.BreakerTimeout,
	}, logger), nil
}

func newConsumer(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
	store interfaces.LedgerStore,
	poster ingest.Poster,
	m *metrics.Metrics,
	closers *[]io.Closer,
) (*kafka.Consumer, error) {
	var guard interfaces.IdempotencyGuard
	switch cfg.Ingest.Guard {
	case config.GuardRedis:
		client, err := redis.NewClient(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		g := redis.NewGuard(client, cfg.Redis.KeyPrefix, cfg.Redis.MarkerTTL)
		*closers = append(*closers, g)
		guard = g
	default:
		guard = idempotency.NewStoreGuard(store)
	}

	opts := []ingest.Option{ingest.WithMetrics(m)}
	if !cfg.Ingest.AtomicMark {
		opts = append(opts, ingest.WithTwoStepMarking(), ingest.WithClaimTTL(cfg.Ingest.ClaimTTL))
	}
	processor := ingest.NewProcessor(poster, guard, logger, opts...)

	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:         cfg.Events.KafkaBrokers,
		Topic:           cfg.Ingest.Topic,
		GroupID:         cfg.Ingest.GroupID,
		Workers:         cfg.Ingest.Workers,
		RetryBackoff:    cfg.Ingest.RetryBackoff,
		MaxRetryBackoff: cfg.Ingest.MaxRetryBackoff,
	}, processor, logger), nil
}
