package interfaces

import (
	"context"
	"time"
)

// IdempotencyGuard records which external event ids were already applied.
// MarkProcessed returns an error matching ledger.ErrDuplicateEvent when the
// id was marked before, including by a concurrent caller.
//
// Claim takes an in-flight lock on an id for ttl so that only one worker
// posts it before the marker exists. It returns false while another worker
// holds an unexpired claim. Release drops the caller's claim.
type IdempotencyGuard interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, eventID string) error
	MarkProcessed(ctx context.Context, eventID string) error
}
