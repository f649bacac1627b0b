package events

import (
	"github.com/shopspring/decimal"
)

// Event type names exchanged with other services.
const (
	TypeTransactionPosted            = "TransactionPosted"
	TypePaymentApprovedForProcessing = "PaymentApprovedForProcessing"
)

// TransactionPosted is the payload emitted after a transaction commits.
// Balance projectors subscribe to it.
type TransactionPosted struct {
	TransactionID string            `json:"transactionId"`
	Entries       []PostedEntry     `json:"entries"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// PostedEntry is one line of a TransactionPosted payload.
type PostedEntry struct {
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
	Direction string          `json:"direction"`
}
