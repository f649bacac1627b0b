package ledger

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/omnibank/ledger-service/internal/models"
	"github.com/shopspring/decimal"
)

// MinEntries is the smallest number of entries a transaction may have.
const MinEntries = 2

// Column limits of the ledger tables. A request that would not fit is
// rejected here so storage never sees it.
const (
	MaxTypeLength          = 32
	MaxAccountLength       = 30
	MaxCorrelationIDLength = 128
	MaxEventIDLength       = 64
	MaxAmountScale         = 4
	MaxAmountIntegerDigits = 15
)

var amountLimit = decimal.New(1, MaxAmountIntegerDigits)

// Validate enforces the double-entry rules on a candidate transaction.
// Rules are checked in order and the first failure is returned:
// type present and short enough, at least two entries, then per entry
// account present and short enough, amount > 0 and representable in
// NUMERIC(19,4), direction D or C, and finally sum(D) == sum(C).
// It has no side effects.
func Validate(txType string, entries []models.LedgerEntry) error {
	txType = strings.TrimSpace(txType)
	if txType == "" {
		return violation(RuleTypeRequired, -1, "transaction type is required")
	}
	if utf8.RuneCountInString(txType) > MaxTypeLength {
		return violation(RuleTypeLength, -1, "transaction type must be at most %d characters", MaxTypeLength)
	}
	if len(entries) < MinEntries {
		return violation(RuleMinEntries, -1, "at least two entries are required")
	}

	debits := decimal.Zero
	credits := decimal.Zero

	for i, e := range entries {
		account := strings.TrimSpace(e.Account)
		if account == "" {
			return violation(RuleAccountRequired, i, "entries[%d].account is required", i)
		}
		if utf8.RuneCountInString(account) > MaxAccountLength {
			return violation(RuleAccountLength, i, "entries[%d].account must be at most %d characters", i, MaxAccountLength)
		}
		if v := checkAmount(e.Amount, i, fmt.Sprintf("entries[%d].amount", i)); v != nil {
			return v
		}
		switch e.Direction.Normalize() {
		case models.Debit:
			debits = debits.Add(e.Amount)
		case models.Credit:
			credits = credits.Add(e.Amount)
		default:
			return violation(RuleDirection, i, "entries[%d].direction must be 'D' or 'C'", i)
		}
	}

	if !debits.Equal(credits) {
		return violation(RuleImbalance, -1, "sum of debits (%s) must equal sum of credits (%s)",
			debits.String(), credits.String())
	}
	return nil
}

// ValidateAmount applies the per-entry amount rules to a single value.
// The returned *RuleViolation has Index -1.
func ValidateAmount(amount decimal.Decimal) error {
	if v := checkAmount(amount, -1, "amount"); v != nil {
		return v
	}
	return nil
}

func checkAmount(amount decimal.Decimal, index int, name string) *RuleViolation {
	if !amount.IsPositive() {
		return violation(RuleAmountPositive, index, "%s must be > 0", name)
	}
	// trailing zeros are fine: 1.50000 fits, 1.00005 does not
	if !amount.Truncate(MaxAmountScale).Equal(amount) {
		return violation(RuleAmountScale, index, "%s must have at most %d decimal places", name, MaxAmountScale)
	}
	if amount.GreaterThanOrEqual(amountLimit) {
		return violation(RuleAmountRange, index, "%s must be less than %s", name, amountLimit.String())
	}
	return nil
}
