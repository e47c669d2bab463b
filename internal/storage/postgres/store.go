// Package postgres implements the storage interfaces over PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/human-protocol/job-launcher/internal/domain/errs"
	"github.com/human-protocol/job-launcher/internal/domain/job"
	"github.com/human-protocol/job-launcher/internal/domain/payment"
	"github.com/human-protocol/job-launcher/internal/storage"
)

// pq error code for numeric overflow on the ledger's amount column.
const pqNumericOutOfRange = "22003"

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.JobStore = (*Store)(nil)
var _ storage.PaymentStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `
	id, user_id, chain_id, request_type, manifest_url, manifest_hash,
	fund_amount, fee, COALESCE(escrow_address, '') AS escrow_address,
	status, retries_count, wait_until, created_at, updated_at`

// --- JobStore ---------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, chain_id, request_type, manifest_url, manifest_hash,
			fund_amount, fee, escrow_address, status, retries_count, wait_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13, $14)
	`, j.ID, j.UserID, j.ChainID, j.RequestType, j.ManifestURL, j.ManifestHash,
		j.FundAmount, j.Fee, j.EscrowAddress, j.Status, j.RetriesCount, j.WaitUntil, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) (job.Job, error) {
	j.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET manifest_url = $2, manifest_hash = $3, escrow_address = NULLIF($4, ''),
			status = $5, retries_count = $6, wait_until = $7, updated_at = $8
		WHERE id = $1
	`, j.ID, j.ManifestURL, j.ManifestHash, j.EscrowAddress,
		j.Status, j.RetriesCount, j.WaitUntil, j.UpdatedAt)
	if err != nil {
		return job.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return job.Job{}, errs.ErrJobNotFound
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	var j job.Job
	err := s.db.GetContext(ctx, &j, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, errs.ErrJobNotFound
	}
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, userID string) ([]job.Job, error) {
	var out []job.Job
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE $1 = '' OR user_id = $1
		ORDER BY created_at
	`, userID)
	return out, err
}

func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	var out []job.Job
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
	return out, err
}

// --- PaymentStore -----------------------------------------------------------

func (s *Store) CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	p = fillPayment(p)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, job_id, source, type, amount, currency, rate, status, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.UserID, p.JobID, p.Source, p.Type, p.Amount, p.Currency, p.Rate, p.Status, p.CreatedAt)
	if err != nil {
		return payment.Payment{}, classifyLedgerError(err)
	}
	return p, nil
}

func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.GetContext(ctx, &balance, `
		SELECT COALESCE(SUM(amount * rate), 0)
		FROM payments
		WHERE user_id = $1 AND status = $2
	`, userID, payment.StatusSucceeded)
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// DebitIfCovered checks the balance and inserts the withdrawal inside one
// transaction. The per-user advisory lock serializes concurrent debits;
// under READ COMMITTED the guarded insert alone still lets two debits read
// the same balance before either row is visible.
func (s *Store) DebitIfCovered(ctx context.Context, p payment.Payment, requiredUSD decimal.Decimal) (payment.Payment, error) {
	p = fillPayment(p)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return payment.Payment{}, classifyLedgerError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.UserID); err != nil {
		return payment.Payment{}, classifyLedgerError(err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, job_id, source, type, amount, currency, rate, status, created_at)
		SELECT $1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10
		WHERE (
			SELECT COALESCE(SUM(amount * rate), 0)
			FROM payments
			WHERE user_id = $2 AND status = $9
		) >= $11
	`, p.ID, p.UserID, p.JobID, p.Source, p.Type, p.Amount, p.Currency, p.Rate, p.Status, p.CreatedAt, requiredUSD)
	if err != nil {
		return payment.Payment{}, classifyLedgerError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return payment.Payment{}, errs.ErrInsufficientFunds
	}
	if err := tx.Commit(); err != nil {
		return payment.Payment{}, classifyLedgerError(err)
	}
	return p, nil
}

func (s *Store) ListPayments(ctx context.Context, userID string) ([]payment.Payment, error) {
	var out []payment.Payment
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, user_id, COALESCE(job_id, '') AS job_id, source, type, amount, currency, rate, status, created_at
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	return out, err
}

func fillPayment(p payment.Payment) payment.Payment {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = payment.StatusSucceeded
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return p
}

// classifyLedgerError maps driver failures onto the domain taxonomy: a
// numeric overflow of the amount column is IncorrectAmount, anything else
// PaymentNotSuccessful.
func classifyLedgerError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqNumericOutOfRange {
		return errs.ErrIncorrectAmount
	}
	return errs.ErrPaymentNotSuccessful
}
