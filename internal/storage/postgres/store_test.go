package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/omnibank/ledger-service/internal/ledger"
	"github.com/omnibank/ledger-service/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresLedgerStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresLedgerStore(db), mock
}

func sampleTransaction(postedAt time.Time) *models.Transaction {
	return &models.Transaction{
		TransactionID: "3f0c8a52-6d0e-4c53-9a55-1d9b2f7d4e10",
		Type:          models.TypeTransfer,
		Status:        models.StatusPosted,
		CorrelationID: "corr-1",
		PostedAt:      postedAt,
		Entries: []models.LedgerEntry{
			{Account: "ACC-1", Amount: decimal.RequireFromString("100.00"), Direction: models.Debit},
			{Account: "ACC-2", Amount: decimal.RequireFromString("100.00"), Direction: models.Credit},
		},
	}
}

func TestPostgresLedgerStore_SaveTransaction(t *testing.T) {
	postedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("writes marker transaction and entries in one commit", func(t *testing.T) {
		store, mock := newMockStore(t)
		tx := sampleTransaction(postedAt)
		marker := &models.ProcessedEvent{EventID: "pay-1", ProcessedAt: postedAt}

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO processed_events`).
			WithArgs("pay-1", postedAt).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(`INSERT INTO transactions .* RETURNING id`).
			WithArgs(tx.TransactionID, "TRANSFER", "POSTED", "corr-1", nil, postedAt).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
		mock.ExpectExec(`INSERT INTO transaction_entries`).
			WithArgs(int64(42), "ACC-1", sqlmock.AnyArg(), "D").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO transaction_entries`).
			WithArgs(int64(42), "ACC-2", sqlmock.AnyArg(), "C").
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()

		err := store.SaveTransaction(context.Background(), tx, marker)

		require.NoError(t, err)
		assert.Equal(t, int64(42), tx.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate marker rolls back and reports duplicate", func(t *testing.T) {
		store, mock := newMockStore(t)
		tx := sampleTransaction(postedAt)
		marker := &models.ProcessedEvent{EventID: "pay-1", ProcessedAt: postedAt}

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO processed_events`).
			WillReturnError(&pq.Error{Code: uniqueViolation, Message: "duplicate key value"})
		mock.ExpectRollback()

		err := store.SaveTransaction(context.Background(), tx, marker)

		require.Error(t, err)
		assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)
		assert.Zero(t, tx.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("entry failure rolls back everything", func(t *testing.T) {
		store, mock := newMockStore(t)
		tx := sampleTransaction(postedAt)
		tx.Metadata = map[string]string{"source": "test"}

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO transactions`).
			WithArgs(tx.TransactionID, "TRANSFER", "POSTED", "corr-1", `{"source":"test"}`, postedAt).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
		mock.ExpectExec(`INSERT INTO transaction_entries`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO transaction_entries`).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		err := store.SaveTransaction(context.Background(), tx, nil)

		require.Error(t, err)
		assert.NotErrorIs(t, err, ledger.ErrDuplicateEvent)
		assert.Contains(t, err.Error(), "insert entry")
		assert.Zero(t, tx.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

		err := store.SaveTransaction(context.Background(), sampleTransaction(postedAt), nil)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "begin transaction")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerStore_FindByTransactionID(t *testing.T) {
	t.Run("loads transaction with entries", func(t *testing.T) {
		store, mock := newMockStore(t)
		postedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		mock.ExpectQuery(`SELECT id, transaction_uuid .* FROM transactions WHERE transaction_uuid = \$1`).
			WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_uuid", "transaction_type", "status", "correlation_id", "metadata", "posted_at"}).
				AddRow(int64(5), "tx-1", "LOAN_EMI", "POSTED", "corr-9", []byte(`{"loanAccountNumber":"LN-1"}`), postedAt))
		mock.ExpectQuery(`SELECT account_number, amount, direction FROM transaction_entries`).
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"account_number", "amount", "direction"}).
				AddRow("SAV-1", "250.0000", "D").
				AddRow("LN-1", "250.0000", "C"))

		tx, err := store.FindByTransactionID(context.Background(), "tx-1")

		require.NoError(t, err)
		assert.Equal(t, int64(5), tx.ID)
		assert.Equal(t, "LOAN_EMI", tx.Type)
		assert.Equal(t, models.StatusPosted, tx.Status)
		assert.Equal(t, "corr-9", tx.CorrelationID)
		assert.Equal(t, "LN-1", tx.Metadata["loanAccountNumber"])
		require.Len(t, tx.Entries, 2)
		assert.Equal(t, models.Debit, tx.Entries[0].Direction)
		assert.True(t, tx.Entries[1].Amount.Equal(decimal.NewFromInt(250)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`FROM transactions WHERE transaction_uuid = \$1`).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		tx, err := store.FindByTransactionID(context.Background(), "missing")

		assert.Nil(t, tx)
		assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerStore_GetHistory(t *testing.T) {
	store, mock := newMockStore(t)
	newer := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	older := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT t.transaction_uuid, t.posted_at, e.amount, e.direction .* ORDER BY t.posted_at DESC`).
		WithArgs("ACC-1", "POSTED", 2).
		WillReturnRows(sqlmock.NewRows([]string{"transaction_uuid", "posted_at", "amount", "direction"}).
			AddRow("tx-2", newer, "10.5000", "C").
			AddRow("tx-1", older, "100.0000", "D"))

	items, err := store.GetHistory(context.Background(), "ACC-1", 2)

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "tx-2", items[0].TransactionID)
	assert.Equal(t, models.Credit, items[0].Direction)
	assert.True(t, items[0].Amount.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, "tx-1", items[1].TransactionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerStore_Markers(t *testing.T) {
	t.Run("exists", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("pay-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		exists, err := store.ExistsByEventID(context.Background(), "pay-1")

		require.NoError(t, err)
		assert.True(t, exists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("save marker conflict", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO processed_events`).
			WithArgs("pay-1", sqlmock.AnyArg()).
			WillReturnError(&pq.Error{Code: uniqueViolation})

		err := store.SaveMarker(context.Background(), models.ProcessedEvent{EventID: "pay-1", ProcessedAt: time.Now()})

		assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerStore_Claims(t *testing.T) {
	t.Run("claim taken", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO event_claims .* ON CONFLICT \(event_id\) DO UPDATE .* RETURNING event_id`).
			WithArgs("pay-1", int64(30000)).
			WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("pay-1"))

		claimed, err := store.ClaimEvent(context.Background(), "pay-1", 30*time.Second)

		require.NoError(t, err)
		assert.True(t, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("live claim held elsewhere", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO event_claims`).
			WithArgs("pay-1", int64(30000)).
			WillReturnRows(sqlmock.NewRows([]string{"event_id"}))

		claimed, err := store.ClaimEvent(context.Background(), "pay-1", 30*time.Second)

		require.NoError(t, err)
		assert.False(t, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("release", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`DELETE FROM event_claims WHERE event_id = \$1`).
			WithArgs("pay-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.ReleaseClaim(context.Background(), "pay-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
