// Package storage defines the persistence interfaces for the job launcher.
package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/human-protocol/job-launcher/internal/domain/job"
	"github.com/human-protocol/job-launcher/internal/domain/payment"
)

// JobStore persists job rows.
type JobStore interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	UpdateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	ListJobs(ctx context.Context, userID string) ([]job.Job, error)
	// ListJobsByStatus returns up to limit jobs in the given state, oldest
	// first. Used by the reconciliation sweeper.
	ListJobsByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error)
}

// PaymentStore persists the immutable payment ledger.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error)
	// Balance returns the USD aggregate of the user's succeeded records:
	// sum(amount * rate), where rate converts the record's currency to USD.
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// DebitIfCovered inserts the (negative) withdrawal record only when the
	// user's balance covers requiredUSD, in one atomic statement. It returns
	// errs.ErrInsufficientFunds when the guard rejects the insert.
	DebitIfCovered(ctx context.Context, p payment.Payment, requiredUSD decimal.Decimal) (payment.Payment, error)
	ListPayments(ctx context.Context, userID string) ([]payment.Payment, error)
}
