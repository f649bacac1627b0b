package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	interfaces "github.com/omnibank/ledger-service/internal/interfaces"
	"github.com/omnibank/ledger-service/internal/ledger"
	"github.com/omnibank/ledger-service/internal/models"
)

// MemoryLedgerStore is an in-memory implementation of interfaces.LedgerStore.
// One mutex guards every table, so each write is a single unit: every
// SaveTransaction is all-or-nothing and the marker uniqueness check and
// insert happen in one step.
type MemoryLedgerStore struct {
	mu           sync.RWMutex
	seq          int64                            // last assigned transaction sequence
	transactions []*models.Transaction            // append-only, in commit order
	byID         map[string]*models.Transaction   // transaction uuid -> transaction
	markers      map[string]models.ProcessedEvent // event id -> marker
	claims       map[string]time.Time             // event id -> claim expiry
	now          func() time.Time
}

// NewMemoryLedgerStore creates an empty store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		transactions: make([]*models.Transaction, 0),
		byID:         make(map[string]*models.Transaction),
		markers:      make(map[string]models.ProcessedEvent),
		claims:       make(map[string]time.Time),
		now:          time.Now,
	}
}

// SaveTransaction stores tx and, if given, the marker. Nothing is written
// when the marker or transaction id already exists.
func (m *MemoryLedgerStore) SaveTransaction(ctx context.Context, tx *models.Transaction, marker *models.ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[tx.TransactionID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.TransactionID)
	}
	if marker != nil {
		if _, exists := m.markers[marker.EventID]; exists {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateEvent, marker.EventID)
		}
	}

	// all checks passed, apply every write
	m.seq++
	stored := cloneTransaction(tx)
	stored.ID = m.seq
	m.transactions = append(m.transactions, stored)
	m.byID[stored.TransactionID] = stored
	if marker != nil {
		m.markers[marker.EventID] = *marker
	}

	tx.ID = stored.ID
	return nil
}

// FindByTransactionID returns a copy so callers can't modify stored state.
func (m *MemoryLedgerStore) FindByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[transactionID]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

// GetHistory walks transactions newest first and collects entries for account.
func (m *MemoryLedgerStore) GetHistory(ctx context.Context, account string, limit int) ([]models.HistoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ordered := make([]*models.Transaction, len(m.transactions))
	copy(ordered, m.transactions)
	// posted_at desc, then sequence desc, same as the postgres query
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].PostedAt.Equal(ordered[j].PostedAt) {
			return ordered[i].PostedAt.After(ordered[j].PostedAt)
		}
		return ordered[i].ID > ordered[j].ID
	})

	result := make([]models.HistoryItem, 0)
	for _, tx := range ordered {
		for i := len(tx.Entries) - 1; i >= 0; i-- {
			e := tx.Entries[i]
			if e.Account != account {
				continue
			}
			result = append(result, models.HistoryItem{
				TransactionID: tx.TransactionID,
				PostedAt:      tx.PostedAt,
				Amount:        e.Amount,
				Direction:     e.Direction,
			})
			if len(result) == limit {
				return result, nil
			}
		}
	}
	return result, nil
}

func (m *MemoryLedgerStore) ExistsByEventID(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.markers[eventID]
	return exists, nil
}

// SaveMarker inserts the marker unless one exists for the same event id.
func (m *MemoryLedgerStore) SaveMarker(ctx context.Context, marker models.ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.markers[marker.EventID]; exists {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateEvent, marker.EventID)
	}
	m.markers[marker.EventID] = marker
	return nil
}

// ClaimEvent takes the in-flight claim on eventID for ttl. It fails only
// while another claim on the same id is unexpired.
func (m *MemoryLedgerStore) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, held := m.claims[eventID]; held && now.Before(expiry) {
		return false, nil
	}
	m.claims[eventID] = now.Add(ttl)
	return true, nil
}

func (m *MemoryLedgerStore) ReleaseClaim(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.claims, eventID)
	return nil
}

// CountTransactions returns how many transactions are stored.
func (m *MemoryLedgerStore) CountTransactions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transactions)
}

// CountMarkers returns how many idempotency markers are stored.
func (m *MemoryLedgerStore) CountMarkers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.markers)
}

func cloneTransaction(tx *models.Transaction) *models.Transaction {
	c := *tx
	c.Entries = make([]models.LedgerEntry, len(tx.Entries))
	copy(c.Entries, tx.Entries)
	if tx.Metadata != nil {
		c.Metadata = maps.Clone(tx.Metadata)
	}
	return &c
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
