// Package idempotency records which upstream events were already applied.
package idempotency

import (
	"context"
	"time"

	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
	"github.com/omnibank/ledger-service/internal/models"
)

// MarkerStore is the part of the ledger store the guard needs.
type MarkerStore interface {
	ExistsByEventID(ctx context.Context, eventID string) (bool, error)
	SaveMarker(ctx context.Context, marker models.ProcessedEvent) error
	ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, eventID string) error
}

// StoreGuard keeps markers next to the ledger data so the store's unique
// constraint decides every race.
type StoreGuard struct {
	store MarkerStore
	now   func() time.Time
}

func NewStoreGuard(store MarkerStore) *StoreGuard {
	return &StoreGuard{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (g *StoreGuard) Exists(ctx context.Context, eventID string) (bool, error) {
	return g.store.ExistsByEventID(ctx, eventID)
}

// Claim stores the in-flight claim next to the markers, so instances sharing
// the database see each other's claims.
func (g *StoreGuard) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return g.store.ClaimEvent(ctx, eventID, ttl)
}

func (g *StoreGuard) Release(ctx context.Context, eventID string) error {
	return g.store.ReleaseClaim(ctx, eventID)
}

// MarkProcessed inserts the marker. A second call for the same id returns the
// store's ErrDuplicateEvent unchanged.
func (g *StoreGuard) MarkProcessed(ctx context.Context, eventID string) error {
	return g.store.SaveMarker(ctx, models.ProcessedEvent{EventID: eventID, ProcessedAt: g.now()})
}

var _ interfaces.IdempotencyGuard = (*StoreGuard)(nil)
