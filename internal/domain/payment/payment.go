// Package payment defines the immutable payment ledger records.
package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies where funds moved from or to.
type Source string

const (
	SourceBalance Source = "BALANCE"
	SourceCrypto  Source = "CRYPTO"
	SourceFiat    Source = "FIAT"
)

// Type identifies the direction of a ledger record.
type Type string

const (
	TypeDeposit    Type = "DEPOSIT"
	TypeWithdrawal Type = "WITHDRAWAL"
	TypeRefund     Type = "REFUND"
)

// PaymentStatus is the settlement state of a record.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "PENDING"
	StatusSucceeded PaymentStatus = "SUCCEEDED"
	StatusFailed    PaymentStatus = "FAILED"
)

// Payment is one immutable ledger record. Withdrawal amounts are negative;
// a user's balance is the sum of their succeeded records. Records are never
// updated after creation.
type Payment struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	JobID     string          `json:"job_id,omitempty" db:"job_id"`
	Source    Source          `json:"source" db:"source"`
	Type      Type            `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Currency  string          `json:"currency" db:"currency"`
	Rate      decimal.Decimal `json:"rate" db:"rate"`
	Status    PaymentStatus   `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
