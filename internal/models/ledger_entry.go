package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Direction of a ledger entry: debit or credit.
type Direction string

const (
	Debit  Direction = "D"
	Credit Direction = "C"
)

// Normalize upper-cases and trims the direction so "d" and " C" are accepted.
func (d Direction) Normalize() Direction {
	return Direction(strings.ToUpper(strings.TrimSpace(string(d))))
}

// Valid reports whether the normalized direction is D or C.
func (d Direction) Valid() bool {
	n := d.Normalize()
	return n == Debit || n == Credit
}

// LedgerEntry represents a single line of a transaction.
// It has no identity of its own outside its parent Transaction.
type LedgerEntry struct {
	Account   string          // account number the entry applies to
	Amount    decimal.Decimal // strictly positive
	Direction Direction       // D or C
}
