package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	interfaces "github.com/omnibank/ledger-service/internal/interfaces" // interface LedgerStore
	"github.com/omnibank/ledger-service/internal/ledger"
	"github.com/omnibank/ledger-service/internal/models"
)

// uniqueViolation is the SQLSTATE postgres reports for a UNIQUE conflict.
const uniqueViolation = "23505"

type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
	}
}

// SaveTransaction writes the marker (if any), the transaction and its entries
// in one database transaction. The marker goes first: a concurrent duplicate
// blocks on the unique index and fails once the winner commits.
func (p *PostgresLedgerStore) SaveTransaction(ctx context.Context, tx *models.Transaction, marker *models.ProcessedEvent) (err error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	if marker != nil {
		if err = p.insertMarker(ctx, dbTx, *marker); err != nil {
			return err
		}
	}

	id, err := p.insertTransaction(ctx, dbTx, tx)
	if err != nil {
		return err
	}

	for _, entry := range tx.Entries {
		if err = p.insertEntry(ctx, dbTx, id, entry); err != nil {
			return err
		}
	}

	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	tx.ID = id
	return nil
}

func (p *PostgresLedgerStore) insertTransaction(ctx context.Context, dbTx *sql.Tx, tx *models.Transaction) (int64, error) {
	const query = `INSERT INTO transactions (transaction_uuid, transaction_type, status, correlation_id, metadata, posted_at)
	VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = dbTx.QueryRowContext(ctx, query,
		tx.TransactionID,
		tx.Type,
		string(tx.Status),
		nullString(tx.CorrelationID),
		metadata,
		tx.PostedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}

func (p *PostgresLedgerStore) insertEntry(ctx context.Context, dbTx *sql.Tx, transactionID int64, entry models.LedgerEntry) error {
	const query = `INSERT INTO transaction_entries (transaction_id, account_number, amount, direction)
	VALUES ($1, $2, $3, $4)`

	if _, err := dbTx.ExecContext(ctx, query, transactionID, entry.Account, entry.Amount, string(entry.Direction)); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (p *PostgresLedgerStore) insertMarker(ctx context.Context, exec execer, marker models.ProcessedEvent) error {
	const query = `INSERT INTO processed_events (event_id, processed_at) VALUES ($1, $2)`

	if _, err := exec.ExecContext(ctx, query, marker.EventID, marker.ProcessedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateEvent, marker.EventID)
		}
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}

func (p *PostgresLedgerStore) FindByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	const txQuery = `SELECT id, transaction_uuid, transaction_type, status, correlation_id, metadata, posted_at
	FROM transactions WHERE transaction_uuid = $1`
	const entriesQuery = `SELECT account_number, amount, direction
	FROM transaction_entries WHERE transaction_id = $1 ORDER BY entry_id`

	var (
		tx            models.Transaction
		status        string
		correlationID sql.NullString
		metadata      []byte
	)
	err := p.db.QueryRowContext(ctx, txQuery, transactionID).Scan(
		&tx.ID,
		&tx.TransactionID,
		&tx.Type,
		&status,
		&correlationID,
		&metadata,
		&tx.PostedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	tx.Status = models.Status(status)
	tx.CorrelationID = correlationID.String
	tx.PostedAt = tx.PostedAt.UTC()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	rows, err := p.db.QueryContext(ctx, entriesQuery, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry     models.LedgerEntry
			direction string
		)
		if err := rows.Scan(&entry.Account, &entry.Amount, &direction); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entry.Direction = models.Direction(direction)
		tx.Entries = append(tx.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return &tx, nil
}

// GetHistory joins entries with their parent transaction. Only committed rows
// are visible to this query under read committed.
func (p *PostgresLedgerStore) GetHistory(ctx context.Context, account string, limit int) ([]models.HistoryItem, error) {
	const query = `SELECT t.transaction_uuid, t.posted_at, e.amount, e.direction
	FROM transaction_entries e
	JOIN transactions t ON t.id = e.transaction_id
	WHERE e.account_number = $1 AND t.status = $2
	ORDER BY t.posted_at DESC, t.id DESC, e.entry_id DESC
	LIMIT $3`

	rows, err := p.db.QueryContext(ctx, query, account, string(models.StatusPosted), limit)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	items := make([]models.HistoryItem, 0, limit)
	for rows.Next() {
		var (
			item      models.HistoryItem
			direction string
		)
		if err := rows.Scan(&item.TransactionID, &item.PostedAt, &item.Amount, &direction); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		item.PostedAt = item.PostedAt.UTC()
		item.Direction = models.Direction(direction)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

func (p *PostgresLedgerStore) ExistsByEventID(ctx context.Context, eventID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`

	var exists bool
	if err := p.db.QueryRowContext(ctx, query, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("select processed event: %w", err)
	}
	return exists, nil
}

func (p *PostgresLedgerStore) SaveMarker(ctx context.Context, marker models.ProcessedEvent) error {
	return p.insertMarker(ctx, p.db, marker)
}

// ClaimEvent inserts the claim, or takes over one whose expiry has passed.
// No row comes back while a live claim exists.
func (p *PostgresLedgerStore) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	const query = `
		INSERT INTO event_claims (event_id, expires_at)
		VALUES ($1, now() + $2 * interval '1 millisecond')
		ON CONFLICT (event_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE event_claims.expires_at <= now()
		RETURNING event_id`

	var claimed string
	err := p.db.QueryRowContext(ctx, query, eventID, ttl.Milliseconds()).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return true, nil
}

func (p *PostgresLedgerStore) ReleaseClaim(ctx context.Context, eventID string) error {
	const query = `DELETE FROM event_claims WHERE event_id = $1`

	if _, err := p.db.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("release event claim: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func encodeMetadata(metadata map[string]string) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	// lib/pq sends []byte as bytea, jsonb needs text
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
