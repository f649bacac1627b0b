package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
	"github.com/omnibank/ledger-service/internal/metrics"
	"github.com/omnibank/ledger-service/internal/models"
	"github.com/omnibank/ledger-service/internal/models/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// DefaultTopic is where TransactionPosted events go unless configured.
	DefaultTopic = "ledger.events"
	// DefaultPublishTimeout bounds a single publish attempt after commit.
	DefaultPublishTimeout = 3 * time.Second
)

// Ledger is the posting engine. It validates requests, persists each
// transaction with its entries as one unit through the store and publishes
// TransactionPosted once the commit is visible.
//
// Ledger holds no locks of its own: every call is independent and relies on
// the store's atomic write.
type Ledger struct {
	store          interfaces.LedgerStore
	publisher      interfaces.EventPublisher
	logger         *zap.Logger
	metrics        *metrics.Metrics
	topic          string
	publishTimeout time.Duration
	now            func() time.Time
	newID          func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTopic sets the topic TransactionPosted events are published to.
func WithTopic(topic string) Option {
	return func(l *Ledger) {
		if topic != "" {
			l.topic = topic
		}
	}
}

// WithPublishTimeout bounds each publish call.
func WithPublishTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.publishTimeout = d
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithClock overrides the posting timestamp source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithIDGenerator overrides transaction id generation. Used by tests.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) {
		l.newID = newID
	}
}

// NewLedger creates a posting engine over the given store and publisher.
func NewLedger(store interfaces.LedgerStore, publisher interfaces.EventPublisher, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:          store,
		publisher:      publisher,
		logger:         logger.Named("ledger"),
		topic:          DefaultTopic,
		publishTimeout: DefaultPublishTimeout,
		now:            func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:          func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PostRequest is a candidate transaction.
type PostRequest struct {
	Type          string
	Entries       []models.LedgerEntry
	CorrelationID string
	Metadata      map[string]string
}

// PostResult is returned for every committed transaction.
type PostResult struct {
	TransactionID string        `json:"transactionId"`
	Status        models.Status `json:"status"`
}

// PostTransaction validates and atomically posts req.
// Validation failures wrap ErrValidation or ErrImbalance and leave no trace in
// storage. Storage failures wrap ErrPersistence. Publish failures are logged
// and never returned.
func (l *Ledger) PostTransaction(ctx context.Context, req PostRequest) (PostResult, error) {
	return l.post(ctx, req, "")
}

// PostOnce posts req and records externalID as processed in the same storage
// unit. If externalID was already recorded nothing is written and the error
// matches ErrDuplicateEvent.
func (l *Ledger) PostOnce(ctx context.Context, req PostRequest, externalID string) (PostResult, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return PostResult{}, fmt.Errorf("%w: external event id is required", ErrValidation)
	}
	if utf8.RuneCountInString(externalID) > MaxEventIDLength {
		return PostResult{}, fmt.Errorf("%w: external event id must be at most %d characters", ErrValidation, MaxEventIDLength)
	}
	return l.post(ctx, req, externalID)
}

// ApplyLoanEMI posts an instalment: debit the paying account, credit the loan.
func (l *Ledger) ApplyLoanEMI(ctx context.Context, loanAccount, fromAccount string, amount decimal.Decimal, correlationID string) (PostResult, error) {
	return l.PostTransaction(ctx, PostRequest{
		Type: models.TypeLoanEMI,
		Entries: []models.LedgerEntry{
			{Account: fromAccount, Amount: amount, Direction: models.Debit},
			{Account: loanAccount, Amount: amount, Direction: models.Credit},
		},
		CorrelationID: correlationID,
		Metadata:      map[string]string{"loanAccountNumber": loanAccount},
	})
}

// GetTransaction returns a posted transaction with its entries.
func (l *Ledger) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := l.store.FindByTransactionID(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return tx, nil
}

func (l *Ledger) post(ctx context.Context, req PostRequest, externalID string) (PostResult, error) {
	start := time.Now()
	log := l.logger.With(zap.String("correlation_id", req.CorrelationID))

	err := Validate(req.Type, req.Entries)
	if err == nil && utf8.RuneCountInString(req.CorrelationID) > MaxCorrelationIDLength {
		err = violation(RuleCorrelationID, -1, "correlation id must be at most %d characters", MaxCorrelationIDLength)
	}
	if err != nil {
		l.metrics.ObservePosting(metrics.ResultRejected, time.Since(start))
		log.Info("ledger posting rejected", zap.String("type", req.Type), zap.Error(err))
		return PostResult{}, err
	}

	tx := l.buildTransaction(req)

	var marker *models.ProcessedEvent
	if externalID != "" {
		marker = &models.ProcessedEvent{EventID: externalID, ProcessedAt: tx.PostedAt}
	}

	if err := l.store.SaveTransaction(ctx, tx, marker); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			l.metrics.ObservePosting(metrics.ResultDuplicate, time.Since(start))
			return PostResult{}, err
		}
		l.metrics.ObservePosting(metrics.ResultFailed, time.Since(start))
		log.Error("ledger posting failed", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		return PostResult{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	l.metrics.ObservePosting(metrics.ResultPosted, time.Since(start))
	log.Info("ledger transaction posted",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("type", tx.Type),
		zap.Int("entries", len(tx.Entries)),
		zap.String("external_id", externalID),
	)

	l.publishPosted(ctx, tx, log)

	return PostResult{TransactionID: tx.TransactionID, Status: tx.Status}, nil
}

func (l *Ledger) buildTransaction(req PostRequest) *models.Transaction {
	entries := make([]models.LedgerEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = models.LedgerEntry{
			Account:   strings.TrimSpace(e.Account),
			Amount:    e.Amount,
			Direction: e.Direction.Normalize(),
		}
	}

	var metadata map[string]string
	if len(req.Metadata) > 0 {
		metadata = maps.Clone(req.Metadata)
	}

	return &models.Transaction{
		TransactionID: l.newID(),
		Type:          strings.ToUpper(strings.TrimSpace(req.Type)),
		Status:        models.StatusPosted,
		CorrelationID: req.CorrelationID,
		Metadata:      metadata,
		PostedAt:      l.now(),
		Entries:       entries,
	}
}

// publishPosted runs strictly after commit. Whatever happens here, the
// posting already succeeded, so failures and panics are only logged.
func (l *Ledger) publishPosted(ctx context.Context, tx *models.Transaction, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.PublishFailed()
			log.Error("panic while publishing TransactionPosted",
				zap.String("transaction_id", tx.TransactionID),
				zap.Bool("reconciliation_required", true),
				zap.Any("panic", r),
			)
		}
	}()

	if l.publisher == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.publishTimeout)
	defer cancel()

	payload := events.TransactionPosted{
		TransactionID: tx.TransactionID,
		Entries:       make([]events.PostedEntry, len(tx.Entries)),
		Metadata:      tx.Metadata,
	}
	for i, e := range tx.Entries {
		payload.Entries[i] = events.PostedEntry{
			Account:   e.Account,
			Amount:    e.Amount,
			Direction: string(e.Direction),
		}
	}

	if err := l.publisher.Publish(pubCtx, l.topic, events.TypeTransactionPosted, payload, tx.CorrelationID); err != nil {
		l.metrics.PublishFailed()
		log.Error("failed to publish TransactionPosted",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("topic", l.topic),
			zap.Bool("reconciliation_required", true),
			zap.Error(err),
		)
	}
}
