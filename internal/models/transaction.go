package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status of a ledger transaction. POSTED is the only status this service
// produces; FAILED is reserved for compensation workflows.
type Status string

const (
	StatusPosted Status = "POSTED"
	StatusFailed Status = "FAILED"
)

// Common transaction types.
const (
	TypeTransfer = "TRANSFER"
	TypeLoanEMI  = "LOAN_EMI"
)

// Transaction is a posted, immutable set of balanced entries.
// The entries are owned by the transaction and share its lifecycle.
type Transaction struct {
	ID            int64             // storage sequence, assigned on insert
	TransactionID string            // externally visible unique id (uuid)
	Type          string            // e.g. TRANSFER
	Status        Status            // always POSTED once stored
	CorrelationID string            // request/event chain token
	Metadata      map[string]string // optional caller supplied attributes
	PostedAt      time.Time         // commit timestamp (UTC)
	Entries       []LedgerEntry     // at least two, balanced
}

// ProcessedEvent is the idempotency marker for an upstream event id.
// Its existence proves the event already produced its ledger effect.
type ProcessedEvent struct {
	EventID     string
	ProcessedAt time.Time
}

// HistoryItem is one entry of an account history, joined with its parent
// transaction's id and posting time.
type HistoryItem struct {
	TransactionID string
	PostedAt      time.Time
	Amount        decimal.Decimal
	Direction     Direction
}
