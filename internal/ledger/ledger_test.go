package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/omnibank/ledger-service/internal/ledger"
	"github.com/omnibank/ledger-service/internal/metrics"
	"github.com/omnibank/ledger-service/internal/models"
	"github.com/omnibank/ledger-service/internal/models/events"
	"github.com/omnibank/ledger-service/internal/storage/memory"
)

type published struct {
	topic         string
	eventType     string
	payload       any
	correlationID string
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
	err   error
	block bool
	panic bool

	sawCancelled bool
}

func (p *fakePublisher) Publish(ctx context.Context, topic, eventType string, payload any, correlationID string) error {
	if p.panic {
		panic("sink exploded")
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		p.sawCancelled = true
	}
	p.calls = append(p.calls, published{topic, eventType, payload, correlationID})
	return p.err
}

// failingStore fails every write.
type failingStore struct {
	*memory.MemoryLedgerStore
}

func (s failingStore) SaveTransaction(ctx context.Context, tx *models.Transaction, marker *models.ProcessedEvent) error {
	return errors.New("connection reset by peer")
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func transfer(from, to, amount string) []models.LedgerEntry {
	return []models.LedgerEntry{
		{Account: from, Amount: dec(amount), Direction: models.Debit},
		{Account: to, Amount: dec(amount), Direction: models.Credit},
	}
}

func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newLedger(store *memory.MemoryLedgerStore, pub *fakePublisher, opts ...ledger.Option) *ledger.Ledger {
	opts = append([]ledger.Option{ledger.WithClock(tickingClock())}, opts...)
	return ledger.NewLedger(store, pub, zap.NewNop(), opts...)
}

func TestPostTransaction_ScenarioA(t *testing.T) {
	store := memory.NewMemoryLedgerStore()
	pub := &fakePublisher{}
	l := newLedger(store, pub, ledger.WithTopic("ledger.test"))
	ctx := context.Background()

	res, err := l.PostTransaction(ctx, ledger.PostRequest{
		Type:          "transfer",
		Entries:       transfer("AC1", "AC2", "100.00"),
		CorrelationID: "cid-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, models.StatusPosted, res.Status)

	ac1, err := l.GetHistory(ctx, "AC1", 10)
	require.NoError(t, err)
	require.Len(t, ac1, 1)
	assert.Equal(t, res.TransactionID, ac1[0].TransactionID)
	assert.True(t, ac1[0].Amount.Equal(dec("100.00")))
	assert.Equal(t, models.Debit, ac1[0].Direction)

	ac2, err := l.GetHistory(ctx, "AC2", 10)
	require.NoError(t, err)
	require.Len(t, ac2, 1)
	assert.Equal(t, models.Credit, ac2[0].Direction)

	tx, err := l.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "TRANSFER", tx.Type)
	assert.Equal(t, "cid-1", tx.CorrelationID)

	require.Len(t, pub.calls, 1)
	call := pub.calls[0]
	assert.Equal(t, "ledger.test", call.topic)
	assert.Equal(t, events.TypeTransactionPosted, call.eventType)
	assert.Equal(t, "cid-1", call.correlationID)
	payload, ok := call.payload.(events.TransactionPosted)
	require.True(t, ok)
	assert.Equal(t, res.TransactionID, payload.TransactionID)
	require.Len(t, payload.Entries, 2)
	assert.Equal(t, "D", payload.Entries[0].Direction)
	assert.Equal(t, "AC2", payload.Entries[1].Account)
}

func TestPostTransaction_ScenarioB_NothingPersisted(t *testing.T) {
	store := memory.NewMemoryLedgerStore()
	pub := &fakePublisher{}
	l := newLedger(store, pub)
	ctx := context.Background()

	_, err := l.PostTransaction(ctx, ledger.PostRequest{
		Type: models.TypeTransfer,
		Entries: []models.LedgerEntry{
			{Account: "AC1", Amount: dec("100.00"), Direction: models.Debit},
			{Account: "AC2", Amount: dec("90.00"), Direction: models.Credit},
		},
	})
	require.ErrorIs(t, err, ledger.ErrImbalance)
	assert.Contains(t, err.Error(), "debits")
	assert.Contains(t, err.Error(), "credits")

	for _, acct := range []string{"AC1", "AC2"} {
		items, err := l.GetHistory(ctx, acct, 10)
		require.NoError(t, err)
		assert.Empty(t, items)
	}
	assert.Equal(t, 0, store.CountTransactions())
	assert.Empty(t, pub.calls)
}

func TestPostTransaction_MinimumEntries(t *testing.T) {
	l := newLedger(memory.NewMemoryLedgerStore(), &fakePublisher{})

	_, err := l.PostTransaction(context.Background(), ledger.PostRequest{
		Type:    models.TypeTransfer,
		Entries: transfer("AC1", "AC2", "1")[:1],
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestPostTransaction_RejectsValuesStorageCannotHold(t *testing.T) {
	store := memory.NewMemoryLedgerStore()
	pub := &fakePublisher{}
	l := newLedger(store, pub)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ledger.PostRequest
		rule ledger.Rule
	}{
		{
			name: "sub-cent remainder",
			req:  ledger.PostRequest{Type: models.TypeTransfer, Entries: transfer("AC1", "AC2", "1.00005")},
			rule: ledger.RuleAmountScale,
		},
		{
			name: "long account",
			req:  ledger.PostRequest{Type: models.TypeTransfer, Entries: transfer("AC1", strings.Repeat("2", 31), "1")},
			rule: ledger.RuleAccountLength,
		},
		{
			name: "long type",
			req:  ledger.PostRequest{Type: strings.Repeat("X", 33), Entries: transfer("AC1", "AC2", "1")},
			rule: ledger.RuleTypeLength,
		},
		{
			name: "long correlation id",
			req: ledger.PostRequest{
				Type:          models.TypeTransfer,
				Entries:       transfer("AC1", "AC2", "1"),
				CorrelationID: strings.Repeat("c", ledger.MaxCorrelationIDLength+1),
			},
			rule: ledger.RuleCorrelationID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.PostTransaction(ctx, tt.req)
			require.ErrorIs(t, err, ledger.ErrValidation)
			var v *ledger.RuleViolation
			require.ErrorAs(t, err, &v)
			assert.Equal(t, tt.rule, v.Rule)
		})
	}

	_, err := l.PostOnce(ctx, ledger.PostRequest{Type: models.TypeTransfer, Entries: transfer("AC1", "AC2", "1")}, strings.Repeat("e", 65))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	assert.Equal(t, 0, store.CountTransactions())
	assert.Equal(t, 0, store.CountMarkers())
	assert.Empty(t, pub.calls)
}

// Random balanced entry sets always post and show up for every account;
// perturbing one amount always fails without side effects.
func TestPostTransaction_BalanceProperty(t *testing.T) {
	store := memory.NewMemoryLedgerStore()
	l := newLedger(store, &fakePublisher{})
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	for i := range 50 {
		var entries []models.LedgerEntry
		var totalCents int64
		for d := range 1 + rng.IntN(3) {
			cents := int64(1 + rng.IntN(100000))
			totalCents += cents
			entries = append(entries, models.LedgerEntry{Account: fmt.Sprintf("D%d-%d", i, d), Amount: decimal.New(cents, -2), Direction: models.Debit})
		}
		credits := 1 + rng.IntN(int(min(3, totalCents)))
		share := totalCents / int64(credits)
		for c := range credits {
			cents := share
			if c == credits-1 {
				cents = totalCents - share*int64(credits-1)
			}
			entries = append(entries, models.LedgerEntry{Account: fmt.Sprintf("C%d-%d", i, c), Amount: decimal.New(cents, -2), Direction: models.Credit})
		}

		res, err := l.PostTransaction(ctx, ledger.PostRequest{Type: models.TypeTransfer, Entries: entries})
		require.NoError(t, err, "entries %v", entries)

		for _, e := range entries {
			items, err := l.GetHistory(ctx, e.Account, 10)
			require.NoError(t, err)
			require.NotEmpty(t, items)
			assert.Equal(t, res.TransactionID, items[0].TransactionID)
		}

		before := store.CountTransactions()
		broken := append([]models.LedgerEntry(nil), entries...)
		broken[0].Amount = broken[0].Amount.Add(decimal.New(1, -2))
		_, err = l.PostTransaction(ctx, ledger.PostRequest{Type: models.TypeTransfer, Entries: broken})
		require.ErrorIs(t, err, ledger.ErrImbalance)
		assert.Equal(t, before, store.CountTransactions())
	}
}

func TestPostTransaction_PersistenceFailure(t *testing.T) {
	pub := &fakePublisher{}
	l := ledger.NewLedger(failingStore{memory.NewMemoryLedgerStore()}, pub, zap.NewNop())

	_, err := l.PostTransaction(context.Background(), ledger.PostRequest{
		Type:    models.TypeTransfer,
		Entries: transfer("AC1", "AC2", "5"),
	})
	require.ErrorIs(t, err, ledger.ErrPersistence)
	assert.False(t, ledger.IsClientError(err))
	assert.Empty(t, pub.calls)
}

func TestPostTransaction_PublishFailureDoesNotFailPosting(t *testing.T) {
	tests := []struct {
		name string
		pub  *fakePublisher
	}{
		{"error", &fakePublisher{err: errors.New("broker unreachable")}},
		{"timeout", &fakePublisher{block: true}},
		{"panic", &fakePublisher{panic: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewMemoryLedgerStore()
			reg := prometheus.NewRegistry()
			core, logs := observer.New(zapcore.ErrorLevel)
			l := ledger.NewLedger(store, tt.pub, zap.New(core),
				ledger.WithPublishTimeout(20*time.Millisecond),
				ledger.WithMetrics(metrics.New(reg)),
			)

			start := time.Now()
			res, err := l.PostTransaction(context.Background(), ledger.PostRequest{
				Type:    models.TypeTransfer,
				Entries: transfer("AC1", "AC2", "5"),
			})
			require.NoError(t, err)
			assert.Equal(t, models.StatusPosted, res.Status)
			assert.Less(t, time.Since(start), 2*time.Second)
			assert.Equal(t, 1, store.CountTransactions())

			require.Equal(t, 1, logs.Len())
			assert.Equal(t, true, logs.All()[0].ContextMap()["reconciliation_required"])

			expected := `
# HELP ledger_publish_failures_total TransactionPosted events that could not be published after commit.
# TYPE ledger_publish_failures_total counter
ledger_publish_failures_total 1
`
			require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "ledger_publish_failures_total"))
		})
	}
}

func TestPostTransaction_CancelledCallerStillPublishes(t *testing.T) {
	pub := &fakePublisher{}
	l := newLedger(memory.NewMemoryLedgerStore(), pub)

	// the memory store ignores ctx, so the commit goes through
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.PostTransaction(ctx, ledger.PostRequest{Type: models.TypeTransfer, Entries: transfer("A", "B", "1")})
	require.NoError(t, err)

	require.Len(t, pub.calls, 1)
	assert.False(t, pub.sawCancelled)
}

func TestPostTransaction_Concurrent(t *testing.T) {
	store := memory.NewMemoryLedgerStore()
	l := newLedger(store, &fakePublisher{})

	const n = 64
	var wg sync.WaitGroup
	var ids sync.Map
	var failures atomic.Int32
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.PostTransaction(context.Background(), ledger.PostRequest{
				Type:    models.TypeTransfer,
				Entries: transfer("AC1", fmt.Sprintf("AC%d", i+2), "1"),
			})
			if err != nil {
				failures.Add(1)
				return
			}
			ids.Store(res.TransactionID, struct{}{})
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, n, store.CountTransactions())

	unique := 0
	ids.Range(func(_, _ any) bool { unique++; return true })
	assert.Equal(t, n, unique)

	items, err := l.GetHistory(context.Background(), "AC1", ledger.MaxHistorySize)
	require.NoError(t, err)
	assert.Len(t, items, n)
}

func TestPostOnce(t *testing.T) {
	store := memory.NewMemoryLedgerStore()
	pub := &fakePublisher{}
	l := newLedger(store, pub)
	ctx := context.Background()
	req := ledger.PostRequest{Type: models.TypeTransfer, Entries: transfer("AC1", "AC2", "50.00")}

	_, err := l.PostOnce(ctx, req, "P1")
	require.NoError(t, err)

	_, err = l.PostOnce(ctx, req, "P1")
	require.ErrorIs(t, err, ledger.ErrDuplicateEvent)

	assert.Equal(t, 1, store.CountTransactions())
	assert.Equal(t, 1, store.CountMarkers())
	assert.Len(t, pub.calls, 1)

	_, err = l.PostOnce(ctx, req, " ")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestPostOnce_ConcurrentDuplicates(t *testing.T) {
	store := memory.NewMemoryLedgerStore()
	l := newLedger(store, &fakePublisher{})
	req := ledger.PostRequest{Type: models.TypeTransfer, Entries: transfer("AC1", "AC2", "50.00")}

	const n = 32
	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.PostOnce(context.Background(), req, "P-race")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrDuplicateEvent):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), dup.Load())
	assert.Equal(t, 1, store.CountTransactions())
}

func TestApplyLoanEMI(t *testing.T) {
	pub := &fakePublisher{}
	l := newLedger(memory.NewMemoryLedgerStore(), pub)
	ctx := context.Background()

	res, err := l.ApplyLoanEMI(ctx, "LN1", "AC1", dec("250"), "cid-emi")
	require.NoError(t, err)

	tx, err := l.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TypeLoanEMI, tx.Type)
	assert.Equal(t, "LN1", tx.Metadata["loanAccountNumber"])
	assert.Equal(t, models.Debit, tx.Entries[0].Direction)
	assert.Equal(t, "AC1", tx.Entries[0].Account)
	assert.Equal(t, models.Credit, tx.Entries[1].Direction)
	assert.Equal(t, "LN1", tx.Entries[1].Account)

	require.Len(t, pub.calls, 1)
	payload := pub.calls[0].payload.(events.TransactionPosted)
	assert.Equal(t, "LN1", payload.Metadata["loanAccountNumber"])

	_, err = l.ApplyLoanEMI(ctx, "LN1", "AC1", dec("0"), "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestGetTransaction_NotFound(t *testing.T) {
	l := newLedger(memory.NewMemoryLedgerStore(), &fakePublisher{})
	_, err := l.GetTransaction(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}
