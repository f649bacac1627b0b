package events

import (
	"github.com/shopspring/decimal"
)

// PaymentApprovedEnvelope is the message produced by the payment gateway.
// Type is checked before the payload is trusted and is matched without
// regard to case.
type PaymentApprovedEnvelope struct {
	Type          string          `json:"type" validate:"required"`
	CorrelationID string          `json:"correlationId" validate:"max=128"`
	Payload       PaymentApproved `json:"payload"`
}

// PaymentApproved carries the transfer to post. PaymentUUID doubles as the
// idempotency key for the ledger.
type PaymentApproved struct {
	PaymentUUID string          `json:"paymentUuid" validate:"required,max=64"`
	FromAccount string          `json:"fromAccount" validate:"required,max=30"`
	ToAccount   string          `json:"toAccount" validate:"required,max=30"`
	Amount      decimal.Decimal `json:"amount"`
}
