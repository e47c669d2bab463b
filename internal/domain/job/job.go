// Package job defines the job entity and its lifecycle states.
package job

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusPaid     Status = "PAID"
	StatusLaunched Status = "LAUNCHED"
	StatusFailed   Status = "FAILED"
	StatusToCancel Status = "TO_CANCEL"
	StatusCanceled Status = "CANCELED"
)

// RequestType discriminates the task flavor a job carries.
type RequestType string

const (
	RequestTypeFortune RequestType = "FORTUNE"
	RequestTypeCvat    RequestType = "CVAT"
)

// Job is a launched or launchable unit of paid work. FundAmount and Fee are
// token denominated once the job is created; the escrow address is set only
// after the job reaches LAUNCHED.
type Job struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	ChainID       int             `json:"chain_id" db:"chain_id"`
	RequestType   RequestType     `json:"request_type" db:"request_type"`
	ManifestURL   string          `json:"manifest_url" db:"manifest_url"`
	ManifestHash  string          `json:"manifest_hash" db:"manifest_hash"`
	FundAmount    decimal.Decimal `json:"fund_amount" db:"fund_amount"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	EscrowAddress string          `json:"escrow_address,omitempty" db:"escrow_address"`
	Status        Status          `json:"status" db:"status"`
	RetriesCount  int             `json:"retries_count" db:"retries_count"`
	WaitUntil     time.Time       `json:"wait_until" db:"wait_until"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the job can no longer progress.
func (j Job) Terminal() bool {
	return j.Status == StatusFailed || j.Status == StatusCanceled
}

// Cancelable reports whether a cancel request is accepted in the current state.
func (j Job) Cancelable() bool {
	switch j.Status {
	case StatusPending, StatusPaid, StatusLaunched:
		return true
	}
	return false
}
