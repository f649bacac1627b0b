package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/omnibank/ledger-service/internal/models"
)

const (
	DefaultHistorySize = 50
	MaxHistorySize     = 500
)

// GetHistory returns the most recent entries posted against account, newest
// first. A size of 0 means DefaultHistorySize. Only committed transactions
// are ever returned.
func (l *Ledger) GetHistory(ctx context.Context, account string, size int) ([]models.HistoryItem, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, violation(RuleHistoryAccount, -1, "account is required")
	}
	if size == 0 {
		size = DefaultHistorySize
	}
	if size < 1 || size > MaxHistorySize {
		return nil, violation(RuleHistorySize, -1, "size must be between 1 and %d", MaxHistorySize)
	}

	items, err := l.store.GetHistory(ctx, account, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if items == nil {
		items = []models.HistoryItem{}
	}
	return items, nil
}
