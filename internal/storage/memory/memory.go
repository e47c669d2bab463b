// Package memory provides an in-memory store used by tests and as the
// default when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/human-protocol/job-launcher/internal/domain/errs"
	"github.com/human-protocol/job-launcher/internal/domain/job"
	"github.com/human-protocol/job-launcher/internal/domain/payment"
)

// Store implements storage.JobStore and storage.PaymentStore in memory.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]job.Job
	payments []payment.Payment
}

// New creates an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]job.Job)}
}

// --- JobStore ---------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[j.ID]
	if !ok {
		return job.Job{}, errs.ErrJobNotFound
	}
	j.CreatedAt = existing.CreatedAt
	j.UpdatedAt = time.Now().UTC()
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, errs.ErrJobNotFound
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, userID string) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []job.Job
	for _, j := range s.jobs {
		if userID == "" || j.UserID == userID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []job.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- PaymentStore -----------------------------------------------------------

func (s *Store) CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(p), nil
}

func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(userID), nil
}

func (s *Store) DebitIfCovered(ctx context.Context, p payment.Payment, requiredUSD decimal.Decimal) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balanceLocked(p.UserID).LessThan(requiredUSD) {
		return payment.Payment{}, errs.ErrInsufficientFunds
	}
	return s.appendLocked(p), nil
}

func (s *Store) ListPayments(ctx context.Context, userID string) ([]payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []payment.Payment
	for _, p := range s.payments {
		if userID == "" || p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) appendLocked(p payment.Payment) payment.Payment {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = payment.StatusSucceeded
	}
	p.CreatedAt = time.Now().UTC()
	s.payments = append(s.payments, p)
	return p
}

func (s *Store) balanceLocked(userID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.payments {
		if p.UserID == userID && p.Status == payment.StatusSucceeded {
			total = total.Add(p.Amount.Mul(p.Rate))
		}
	}
	return total
}
