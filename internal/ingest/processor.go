// Package ingest turns upstream payment events into ledger postings exactly
// once per payment.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
	"github.com/omnibank/ledger-service/internal/ledger"
	"github.com/omnibank/ledger-service/internal/metrics"
	"github.com/omnibank/ledger-service/internal/models"
	"github.com/omnibank/ledger-service/internal/models/events"
)

// DefaultClaimTTL bounds how long a crashed worker's in-flight claim blocks
// an event in two-step mode.
const DefaultClaimTTL = 5 * time.Minute

// ErrClaimHeld means another worker is applying the same event right now.
// The message is redelivered and settles once that worker marks or releases.
var ErrClaimHeld = errors.New("event is being applied by another worker")

// Poster is the slice of *ledger.Ledger the processor drives.
type Poster interface {
	PostTransaction(ctx context.Context, req ledger.PostRequest) (ledger.PostResult, error)
	PostOnce(ctx context.Context, req ledger.PostRequest, externalID string) (ledger.PostResult, error)
}

// Processor handles PaymentApprovedForProcessing envelopes.
//
// Handle returns nil when the message is done with (applied, duplicate,
// malformed or ignored) and an error when it must be redelivered.
type Processor struct {
	poster     Poster
	guard      interfaces.IdempotencyGuard
	validate   *validator.Validate
	logger     *zap.Logger
	metrics    *metrics.Metrics
	atomicMark bool
	claimTTL   time.Duration
}

type Option func(*Processor)

// WithTwoStepMarking posts first and marks the event afterwards through the
// guard. Concurrent workers are serialized by an in-flight claim, but a crash
// between posting and marking still lets the event be applied twice.
func WithTwoStepMarking() Option {
	return func(p *Processor) {
		p.atomicMark = false
	}
}

// WithClaimTTL sets how long a two-step claim lives. Non-positive values keep
// DefaultClaimTTL.
func WithClaimTTL(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.claimTTL = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

func NewProcessor(poster Poster, guard interfaces.IdempotencyGuard, logger *zap.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		poster:     poster,
		guard:      guard,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.Named("ingest"),
		atomicMark: true,
		claimTTL:   DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.atomicMark {
		p.logger.Warn("two-step idempotency marking enabled: a crash between posting and marking can apply an event twice")
	}
	return p
}

func (p *Processor) Handle(ctx context.Context, raw []byte) error {
	var env events.PaymentApprovedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.metrics.IngestOutcome(metrics.OutcomeMalformed)
		p.logger.Warn("dropping undecodable event", zap.Int("bytes", len(raw)), zap.Error(err))
		return nil
	}

	if !strings.EqualFold(strings.TrimSpace(env.Type), events.TypePaymentApprovedForProcessing) {
		p.metrics.IngestOutcome(metrics.OutcomeIgnored)
		p.logger.Debug("ignoring event", zap.String("event_type", env.Type))
		return nil
	}

	payment := env.Payload
	log := p.logger.With(
		zap.String("correlation_id", env.CorrelationID),
		zap.String("payment_uuid", payment.PaymentUUID),
	)

	if err := p.check(env); err != nil {
		p.metrics.IngestOutcome(metrics.OutcomeMalformed)
		log.Warn("dropping malformed payment event", zap.Error(err))
		return nil
	}

	seen, err := p.guard.Exists(ctx, payment.PaymentUUID)
	if err != nil {
		p.metrics.IngestOutcome(metrics.OutcomeFailed)
		return fmt.Errorf("check processed event %s: %w", payment.PaymentUUID, err)
	}
	if seen {
		p.metrics.IngestOutcome(metrics.OutcomeDuplicate)
		log.Debug("payment already applied")
		return nil
	}

	req := ledger.PostRequest{
		Type: models.TypeTransfer,
		Entries: []models.LedgerEntry{
			{Account: payment.FromAccount, Amount: payment.Amount, Direction: models.Debit},
			{Account: payment.ToAccount, Amount: payment.Amount, Direction: models.Credit},
		},
		CorrelationID: env.CorrelationID,
		Metadata:      map[string]string{"paymentUuid": payment.PaymentUUID},
	}

	if p.atomicMark {
		_, err = p.poster.PostOnce(ctx, req, payment.PaymentUUID)
	} else {
		err = p.postThenMark(ctx, log, req, payment.PaymentUUID)
	}

	switch {
	case err == nil:
		p.metrics.IngestOutcome(metrics.OutcomeApplied)
		log.Info("payment applied")
		return nil
	case errors.Is(err, ledger.ErrDuplicateEvent):
		p.metrics.IngestOutcome(metrics.OutcomeDuplicate)
		log.Debug("payment applied concurrently by another worker")
		return nil
	case errors.Is(err, ErrClaimHeld):
		p.metrics.IngestOutcome(metrics.OutcomeInFlight)
		log.Debug("payment in flight on another worker")
		return err
	case ledger.IsClientError(err):
		p.metrics.IngestOutcome(metrics.OutcomeMalformed)
		log.Warn("dropping payment rejected by ledger", zap.Error(err))
		return nil
	default:
		p.metrics.IngestOutcome(metrics.OutcomeFailed)
		return fmt.Errorf("apply payment %s: %w", payment.PaymentUUID, err)
	}
}

// check validates the envelope, including the nested payload, and applies
// the ledger's amount rules so an unstorable amount never reaches posting.
func (p *Processor) check(env events.PaymentApprovedEnvelope) error {
	if err := p.validate.Struct(env); err != nil {
		return err
	}
	return ledger.ValidateAmount(env.Payload.Amount)
}

// postThenMark is the two-step path. The event is claimed before posting so
// a concurrent worker holding the same event backs off instead of posting it
// too. The claim is dropped when posting fails and after the marker is
// written. Once the posting committed, a failed mark is logged but not
// returned: redelivery would post the payment again.
func (p *Processor) postThenMark(ctx context.Context, log *zap.Logger, req ledger.PostRequest, eventID string) error {
	claimed, err := p.guard.Claim(ctx, eventID, p.claimTTL)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		return ErrClaimHeld
	}

	// a worker that finished just before our claim has already marked it
	seen, err := p.guard.Exists(ctx, eventID)
	if err != nil {
		p.release(ctx, log, eventID)
		return fmt.Errorf("check processed event: %w", err)
	}
	if seen {
		p.release(ctx, log, eventID)
		return ledger.ErrDuplicateEvent
	}

	res, err := p.poster.PostTransaction(ctx, req)
	if err != nil {
		p.release(ctx, log, eventID)
		return err
	}

	if err := p.guard.MarkProcessed(ctx, eventID); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			// only reachable when our claim lapsed while posting
			log.Error("payment posted twice by concurrent workers",
				zap.String("transaction_id", res.TransactionID),
				zap.Bool("reconciliation_required", true),
			)
			return nil
		}
		// the claim is left to expire so redelivery within its ttl backs off
		log.Error("payment posted but marker not recorded",
			zap.String("transaction_id", res.TransactionID),
			zap.Bool("reconciliation_required", true),
			zap.Error(err),
		)
		return nil
	}
	p.release(ctx, log, eventID)
	return nil
}

func (p *Processor) release(ctx context.Context, log *zap.Logger, eventID string) {
	if err := p.guard.Release(context.WithoutCancel(ctx), eventID); err != nil {
		log.Warn("failed to release event claim", zap.Duration("claim_ttl", p.claimTTL), zap.Error(err))
	}
}
