package interfaces

import (
	"context"
	"time"

	"github.com/omnibank/ledger-service/internal/models"
)

// LedgerStore persists transactions and idempotency markers.
//
// Implementations must make SaveTransaction all-or-nothing: the transaction,
// its entries and the optional marker become visible together or not at all.
// Marker uniqueness must be enforced by the store itself, returning an error
// matching ledger.ErrDuplicateEvent on conflict.
type LedgerStore interface {
	// SaveTransaction stores tx with its entries. If marker is non-nil it is
	// inserted in the same unit. tx.ID is set on success.
	SaveTransaction(ctx context.Context, tx *models.Transaction, marker *models.ProcessedEvent) error
	// FindByTransactionID returns the transaction or ledger.ErrTransactionNotFound.
	FindByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	// GetHistory returns up to limit entries for account, newest first.
	GetHistory(ctx context.Context, account string, limit int) ([]models.HistoryItem, error)

	// ExistsByEventID reports whether a marker exists for eventID.
	ExistsByEventID(ctx context.Context, eventID string) (bool, error)
	// SaveMarker inserts a marker on its own.
	SaveMarker(ctx context.Context, marker models.ProcessedEvent) error

	// ClaimEvent records an in-flight claim on eventID that lapses after ttl.
	// It returns false while another unexpired claim exists.
	ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	// ReleaseClaim drops the claim on eventID, if any.
	ReleaseClaim(ctx context.Context, eventID string) error
}
