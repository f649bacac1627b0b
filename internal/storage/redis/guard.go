// Package redis keeps idempotency markers in Redis for deployments where
// markers live outside the ledger database.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
	"github.com/omnibank/ledger-service/internal/ledger"
)

const (
	DefaultKeyPrefix   = "ledger:processed:"
	DefaultClaimPrefix = "ledger:inflight:"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Guard implements interfaces.IdempotencyGuard with SETNX, so the first
// writer wins even across service instances.
type Guard struct {
	client      *goredis.Client
	keyPrefix   string
	claimPrefix string
	ttl         time.Duration
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewGuard wraps an existing client. A zero ttl keeps markers forever.
// Claims live under DefaultClaimPrefix, or under keyPrefix+"inflight:" when a
// custom prefix is given.
func NewGuard(client *goredis.Client, keyPrefix string, ttl time.Duration) *Guard {
	claimPrefix := DefaultClaimPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	} else if keyPrefix != DefaultKeyPrefix {
		claimPrefix = keyPrefix + "inflight:"
	}
	return &Guard{
		client:      client,
		keyPrefix:   keyPrefix,
		claimPrefix: claimPrefix,
		ttl:         ttl,
	}
}

func (g *Guard) Exists(ctx context.Context, eventID string) (bool, error) {
	n, err := g.client.Exists(ctx, g.keyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed sets the marker only if it is absent.
func (g *Guard) MarkProcessed(ctx context.Context, eventID string) error {
	set, err := g.client.SetNX(ctx, g.keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if !set {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateEvent, eventID)
	}
	return nil
}

// Claim sets the in-flight key with SETNX and ttl, so a worker that dies
// mid-posting only blocks the event until the key expires.
func (g *Guard) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	set, err := g.client.SetNX(ctx, g.claimPrefix+eventID, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return set, nil
}

func (g *Guard) Release(ctx context.Context, eventID string) error {
	if err := g.client.Del(ctx, g.claimPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("failed to release event claim: %w", err)
	}
	return nil
}

func (g *Guard) Close() error {
	return g.client.Close()
}

var _ interfaces.IdempotencyGuard = (*Guard)(nil)
