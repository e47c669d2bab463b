// Package job orchestrates the job lifecycle: pricing, manifest upload,
// payment, escrow launch, cancellation and result retrieval.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/human-protocol/job-launcher/internal/chain"
	"github.com/human-protocol/job-launcher/internal/domain/errs"
	"github.com/human-protocol/job-launcher/internal/domain/job"
	"github.com/human-protocol/job-launcher/internal/domain/manifest"
	"github.com/human-protocol/job-launcher/internal/domain/payment"
	"github.com/human-protocol/job-launcher/internal/domain/result"
	"github.com/human-protocol/job-launcher/internal/metrics"
	"github.com/human-protocol/job-launcher/internal/objstore"
	"github.com/human-protocol/job-launcher/internal/webhook"
	"github.com/human-protocol/job-launcher/pkg/logger"
)

const tokenCurrency = "hmt"

// Rater exposes the token price used to convert USD amounts.
type Rater interface {
	USDRate(ctx context.Context) (decimal.Decimal, error)
}

// JobStore is the persistence the orchestrator needs for jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	UpdateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	ListJobs(ctx context.Context, userID string) ([]job.Job, error)
}

// PaymentStore is the ledger surface the orchestrator needs.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	DebitIfCovered(ctx context.Context, p payment.Payment, requiredUSD decimal.Decimal) (payment.Payment, error)
	ListPayments(ctx context.Context, userID string) ([]payment.Payment, error)
}

// Oracles carries the addresses and fee splits written into each escrow.
type Oracles struct {
	RecordingAddress     string
	ReputationAddress    string
	RecordingFeePercent  int
	ReputationFeePercent int
}

// Options configures the orchestrator.
type Options struct {
	FeePercentage   int
	Oracles         Oracles
	TrustedHandlers []string
	RetryBackoff    time.Duration
}

// Service is the job orchestrator.
type Service struct {
	jobs     JobStore
	payments PaymentStore
	store    objstore.Store
	escrow   chain.Escrow
	selector *chain.Selector
	rater    Rater
	notifier webhook.Notifier
	opts     Options
	log      *logger.Logger
}

// New wires the orchestrator.
func New(jobs JobStore, payments PaymentStore, store objstore.Store, escrow chain.Escrow,
	selector *chain.Selector, rater Rater, notifier webhook.Notifier, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("job-service")
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Minute
	}
	return &Service{
		jobs:     jobs,
		payments: payments,
		store:    store,
		escrow:   escrow,
		selector: selector,
		rater:    rater,
		notifier: notifier,
		opts:     opts,
		log:      log,
	}
}

// FortuneRequest is the payload for a fortune job. FundAmount is USD.
type FortuneRequest struct {
	ChainID              int             `json:"chain_id"`
	SubmissionsRequired  int             `json:"submissions_required" binding:"required"`
	RequesterTitle       string          `json:"requester_title" binding:"required"`
	RequesterDescription string          `json:"requester_description" binding:"required"`
	FundAmount           decimal.Decimal `json:"fund_amount" binding:"required"`
}

// CvatRequest is the payload for an annotation job. FundAmount is USD.
type CvatRequest struct {
	ChainID     int             `json:"chain_id"`
	DataURL     string          `json:"data_url" binding:"required"`
	Labels      []string        `json:"labels" binding:"required"`
	Description string          `json:"description"`
	Type        string          `json:"type" binding:"required"`
	JobSize     int             `json:"job_size"`
	MaxTime     int             `json:"max_time"`
	MinQuality  float64         `json:"min_quality"`
	ValSize     int             `json:"val_size"`
	GtURL       string          `json:"gt_url" binding:"required"`
	FundAmount  decimal.Decimal `json:"fund_amount" binding:"required"`
}

// CreateFortuneJob prices, persists and pays for a fortune job.
func (s *Service) CreateFortuneJob(ctx context.Context, userID string, req FortuneRequest) (job.Job, error) {
	build := func(price decimal.Decimal) manifest.Manifest {
		return manifest.Manifest{
			Type: job.RequestTypeFortune,
			Fortune: &manifest.Fortune{
				RequestType:          job.RequestTypeFortune,
				SubmissionsRequired:  req.SubmissionsRequired,
				RequesterTitle:       req.RequesterTitle,
				RequesterDescription: req.RequesterDescription,
				FundAmount:           req.FundAmount.Div(price),
			},
		}
	}
	return s.createJob(ctx, userID, job.RequestTypeFortune, req.ChainID, req.FundAmount, build)
}

// CreateCvatJob prices, persists and pays for an annotation job.
func (s *Service) CreateCvatJob(ctx context.Context, userID string, req CvatRequest) (job.Job, error) {
	jobSize := req.JobSize
	if jobSize <= 0 {
		jobSize = 1
	}

	build := func(price decimal.Decimal) manifest.Manifest {
		var c manifest.Cvat
		c.Data.DataURL = req.DataURL
		for _, name := range req.Labels {
			c.Annotation.Labels = append(c.Annotation.Labels, manifest.Label{Name: name})
		}
		c.Annotation.Description = req.Description
		c.Annotation.Type = manifest.TaskType(req.Type)
		c.Annotation.JobSize = req.JobSize
		c.Annotation.MaxTime = req.MaxTime
		c.Validation.MinQuality = req.MinQuality
		c.Validation.ValSize = req.ValSize
		c.Validation.GtURL = req.GtURL
		c.JobBounty = req.FundAmount.Div(decimal.NewFromInt(int64(jobSize))).Div(price)
		return manifest.Manifest{Type: job.RequestTypeCvat, Cvat: &c}
	}
	return s.createJob(ctx, userID, job.RequestTypeCvat, req.ChainID, req.FundAmount, build)
}

// createJob runs the shared creation pipeline. fundUSD is the requested fund
// amount in USD; the stored job carries token amounts. The manifest is built
// after the single rate fetch so its amounts and the ledger record are priced
// at the same rate.
func (s *Service) createJob(ctx context.Context, userID string, requestType job.RequestType,
	chainID int, fundUSD decimal.Decimal, build func(price decimal.Decimal) manifest.Manifest) (job.Job, error) {

	if !fundUSD.IsPositive() {
		return job.Job{}, fmt.Errorf("%w: fund_amount must be positive", errs.ErrIncorrectAmount)
	}

	if chainID != 0 {
		if !s.selector.Valid(chainID) {
			return job.Job{}, errs.ErrInvalidChainID
		}
	} else {
		var err error
		if chainID, err = s.selector.Next(); err != nil {
			return job.Job{}, err
		}
	}

	feeUSD := fundUSD.Mul(decimal.NewFromInt(int64(s.opts.FeePercentage))).Div(decimal.NewFromInt(100))
	usdTotal := fundUSD.Add(feeUSD)

	balance, err := s.payments.Balance(ctx, userID)
	if err != nil {
		return job.Job{}, fmt.Errorf("read balance: %w", err)
	}
	if balance.LessThan(usdTotal) {
		return job.Job{}, errs.ErrInsufficientFunds
	}

	price, err := s.rater.USDRate(ctx)
	if err != nil {
		return job.Job{}, fmt.Errorf("resolve exchange rate: %w", err)
	}
	fundTokens := fundUSD.Div(price)
	feeTokens := feeUSD.Div(price)
	totalTokens := usdTotal.Div(price)

	m := build(price)
	if err := m.Validate(); err != nil {
		return job.Job{}, err
	}
	body, err := m.Encode()
	if err != nil {
		return job.Job{}, fmt.Errorf("encode manifest: %w", err)
	}
	upload, err := s.store.UploadManifest(ctx, body)
	if err != nil {
		return job.Job{}, err
	}

	created, err := s.jobs.CreateJob(ctx, job.Job{
		UserID:       userID,
		ChainID:      chainID,
		RequestType:  requestType,
		ManifestURL:  upload.URL,
		ManifestHash: upload.Hash,
		FundAmount:   fundTokens,
		Fee:          feeTokens,
		Status:       job.StatusPending,
		WaitUntil:    time.Now().UTC(),
	})
	if err != nil {
		return job.Job{}, fmt.Errorf("persist job: %w", err)
	}

	// The debit and the balance check happen in one statement; on failure
	// the job stays PENDING and the sweeper will not pick it up.
	_, err = s.payments.DebitIfCovered(ctx, payment.Payment{
		UserID:   userID,
		JobID:    created.ID,
		Source:   payment.SourceBalance,
		Type:     payment.TypeWithdrawal,
		Amount:   totalTokens.Neg(),
		Currency: tokenCurrency,
		Rate:     price,
	}, usdTotal)
	if err != nil {
		s.log.WithError(err).WithField("job_id", created.ID).Warn("debit failed, job left pending")
		return created, err
	}

	created.Status = job.StatusPaid
	if created, err = s.jobs.UpdateJob(ctx, created); err != nil {
		return job.Job{}, fmt.Errorf("mark paid: %w", err)
	}

	s.log.WithField("job_id", created.ID).
		WithField("chain_id", chainID).
		WithField("request_type", string(requestType)).
		Info("job created and paid")
	metrics.RecordJobCreated(string(requestType))

	// Launch eagerly; a failure here is not fatal, the sweeper retries
	// PAID jobs on its next pass.
	launched, lerr := s.LaunchJob(ctx, created.ID)
	if lerr != nil {
		s.log.WithError(lerr).WithField("job_id", created.ID).Warn("eager launch failed")
		return created, nil
	}
	return launched, nil
}

// LaunchJob takes a PAID job through escrow creation, setup and funding.
// On failure the retry counter and wait time are advanced for the sweeper.
func (s *Service) LaunchJob(ctx context.Context, jobID string) (job.Job, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status != job.StatusPaid {
		return job.Job{}, fmt.Errorf("%w: cannot launch %s job", errs.ErrInvalidJobStatus, j.Status)
	}

	launched, err := s.launch(ctx, j)
	if err != nil {
		j.RetriesCount++
		j.WaitUntil = time.Now().UTC().Add(s.opts.RetryBackoff)
		if _, uerr := s.jobs.UpdateJob(ctx, j); uerr != nil {
			s.log.WithError(uerr).WithField("job_id", j.ID).Error("record launch retry failed")
		}
		return job.Job{}, err
	}
	return launched, nil
}

func (s *Service) launch(ctx context.Context, j job.Job) (job.Job, error) {
	// Re-validate what was actually stored; the escrow must never point
	// at a manifest the launcher cannot parse.
	body, err := s.store.Download(ctx, j.ManifestURL)
	if errors.Is(err, objstore.ErrNotFound) {
		return job.Job{}, errs.ErrManifestNotFound
	}
	if err != nil {
		return job.Job{}, err
	}
	if _, err := manifest.Decode(body, j.RequestType); err != nil {
		return job.Job{}, err
	}

	escrowAddr := j.EscrowAddress
	if escrowAddr == "" {
		if escrowAddr, err = s.escrow.CreateEscrow(ctx, j.ChainID, s.opts.TrustedHandlers); err != nil {
			return job.Job{}, err
		}
	}

	err = s.escrow.SetupEscrow(ctx, j.ChainID, escrowAddr, chain.EscrowConfig{
		RecordingOracle:     s.opts.Oracles.RecordingAddress,
		ReputationOracle:    s.opts.Oracles.ReputationAddress,
		RecordingOracleFee:  s.opts.Oracles.RecordingFeePercent,
		ReputationOracleFee: s.opts.Oracles.ReputationFeePercent,
		ManifestURL:         j.ManifestURL,
		ManifestHash:        j.ManifestHash,
	})
	if err != nil {
		return job.Job{}, err
	}

	if err := s.escrow.FundEscrow(ctx, j.ChainID, escrowAddr, j.FundAmount); err != nil {
		return job.Job{}, err
	}

	j.EscrowAddress = escrowAddr
	j.Status = job.StatusLaunched
	if j, err = s.jobs.UpdateJob(ctx, j); err != nil {
		return job.Job{}, fmt.Errorf("mark launched: %w", err)
	}

	s.log.WithField("job_id", j.ID).
		WithField("escrow_address", escrowAddr).
		Info("job launched")
	metrics.RecordJobLaunched(j.ChainID)

	// Annotation work is distributed by the exchange oracle; tell it the
	// escrow exists. Delivery failure does not un-launch the job.
	if j.RequestType == job.RequestTypeCvat && s.notifier != nil {
		err := s.notifier.NotifyEscrowCreated(ctx, webhook.EscrowCreated{
			EscrowAddress: escrowAddr,
			ChainID:       j.ChainID,
		})
		if err != nil {
			s.log.WithError(err).WithField("job_id", j.ID).Warn("oracle notification failed")
		}
	}
	return j, nil
}

// GetResult fetches and validates the final results of a launched job.
func (s *Service) GetResult(ctx context.Context, userID, jobID string) (result.Result, error) {
	j, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return result.Result{}, err
	}
	if j.Status != job.StatusLaunched {
		return result.Result{}, errs.ErrJobNotFound
	}

	url, err := s.escrow.ResultsURL(ctx, j.ChainID, j.EscrowAddress)
	if err != nil {
		return result.Result{}, err
	}
	if url == "" {
		return result.Result{}, errs.ErrResultNotFound
	}

	body, err := s.store.Download(ctx, url)
	if errors.Is(err, objstore.ErrNotFound) {
		return result.Result{}, errs.ErrResultNotFound
	}
	if err != nil {
		return result.Result{}, err
	}
	return result.Decode(body)
}

// RequestCancel flags a job for cancellation; the sweeper performs the
// on-chain cancel and the refund.
func (s *Service) RequestCancel(ctx context.Context, userID, jobID string) (job.Job, error) {
	j, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if !j.Cancelable() {
		return job.Job{}, fmt.Errorf("%w: cannot cancel %s job", errs.ErrInvalidJobStatus, j.Status)
	}

	j.Status = job.StatusToCancel
	j.WaitUntil = time.Now().UTC()
	if j, err = s.jobs.UpdateJob(ctx, j); err != nil {
		return job.Job{}, err
	}

	s.log.WithField("job_id", j.ID).Info("job flagged for cancellation")
	return j, nil
}

// ListJobs returns the user's jobs, oldest first.
func (s *Service) ListJobs(ctx context.Context, userID string) ([]job.Job, error) {
	return s.jobs.ListJobs(ctx, userID)
}

// GetJob returns one job if the user owns it.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (job.Job, error) {
	return s.ownedJob(ctx, userID, jobID)
}

// ownedJob hides other users' jobs behind not-found.
func (s *Service) ownedJob(ctx context.Context, userID, jobID string) (job.Job, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if j.UserID != userID {
		return job.Job{}, errs.ErrJobNotFound
	}
	return j, nil
}

// Refund credits back the job's withdrawal as a new ledger record. The
// original record stays; the ledger is append-only.
func (s *Service) Refund(ctx context.Context, j job.Job) error {
	records, err := s.payments.ListPayments(ctx, j.UserID)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}

	var debit *payment.Payment
	for i := range records {
		p := records[i]
		if p.JobID != j.ID {
			continue
		}
		if p.Type == payment.TypeRefund {
			// Already credited back; the sweeper may revisit a job after
			// a partially completed pass.
			return nil
		}
		if p.Type == payment.TypeWithdrawal && p.Status == payment.StatusSucceeded && debit == nil {
			debit = &p
		}
	}
	if debit == nil {
		// Nothing was charged; refunding an unpaid job is a no-op.
		return nil
	}

	_, err = s.payments.CreatePayment(ctx, payment.Payment{
		UserID:   j.UserID,
		JobID:    j.ID,
		Source:   payment.SourceBalance,
		Type:     payment.TypeRefund,
		Amount:   debit.Amount.Neg(),
		Currency: debit.Currency,
		Rate:     debit.Rate,
	})
	if err != nil {
		return fmt.Errorf("credit refund: %w", err)
	}

	s.log.WithField("job_id", j.ID).
		WithField("amount", debit.Amount.Neg().String()).
		Info("job refunded")
	return nil
}
