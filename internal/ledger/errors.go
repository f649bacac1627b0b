package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed posting request. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrImbalance marks a request whose debits and credits differ. Never retried.
	ErrImbalance = errors.New("debits and credits are not balanced")

	// ErrDuplicateEvent means the external event id was already applied.
	// Callers treat it as a successful no-op.
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrPersistence wraps storage failures during posting. Nothing was
	// committed, so the call is safe to retry.
	ErrPersistence = errors.New("ledger storage unavailable")

	// ErrTransactionNotFound is returned when a transaction id is unknown.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Rule identifies which validation rule a request violated.
type Rule string

const (
	RuleTypeRequired    Rule = "type_required"
	RuleMinEntries      Rule = "min_entries"
	RuleAccountRequired Rule = "account_required"
	RuleAmountPositive  Rule = "amount_positive"
	RuleAmountScale     Rule = "amount_scale"
	RuleAmountRange     Rule = "amount_range"
	RuleDirection       Rule = "direction_invalid"
	RuleImbalance       Rule = "imbalance"
	RuleTypeLength      Rule = "type_length"
	RuleAccountLength   Rule = "account_length"
	RuleCorrelationID   Rule = "correlation_id_length"
	RuleHistorySize     Rule = "history_size"
	RuleHistoryAccount  Rule = "history_account_required"
)

// RuleViolation is returned by Validate and by history parameter checks.
// It unwraps to ErrImbalance for RuleImbalance and to ErrValidation otherwise.
type RuleViolation struct {
	Rule    Rule
	Index   int // entry index, -1 when not entry specific
	Message string
}

func (v *RuleViolation) Error() string {
	return v.Message
}

func (v *RuleViolation) Unwrap() error {
	if v.Rule == RuleImbalance {
		return ErrImbalance
	}
	return ErrValidation
}

func violation(rule Rule, index int, format string, args ...any) *RuleViolation {
	return &RuleViolation{Rule: rule, Index: index, Message: fmt.Sprintf(format, args...)}
}

// IsClientError reports whether err is caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrImbalance)
}
