// Package sweeper reconciles jobs stuck between payment and launch, and
// performs the asynchronous half of cancellation.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/human-protocol/job-launcher/internal/chain"
	"github.com/human-protocol/job-launcher/internal/domain/job"
	"github.com/human-protocol/job-launcher/internal/metrics"
	jobsvc "github.com/human-protocol/job-launcher/internal/services/job"
	"github.com/human-protocol/job-launcher/pkg/logger"
)

// JobStore is the persistence surface the sweeper needs.
type JobStore interface {
	ListJobsByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error)
	UpdateJob(ctx context.Context, j job.Job) (job.Job, error)
}

// Options bounds each sweep pass.
type Options struct {
	Interval     time.Duration
	ChunkSize    int
	MaxRetries   int
	StuckTimeout time.Duration
}

// Sweeper periodically retries paid-but-unlaunched jobs and settles
// cancellation requests.
type Sweeper struct {
	jobs   JobStore
	svc    *jobsvc.Service
	escrow chain.Escrow
	opts   Options
	cron   *cron.Cron
	log    *logger.Logger
}

// New creates a sweeper; call Start to schedule it.
func New(jobs JobStore, svc *jobsvc.Service, escrow chain.Escrow, opts Options, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("sweeper")
	}
	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 5
	}
	return &Sweeper{
		jobs:   jobs,
		svc:    svc,
		escrow: escrow,
		opts:   opts,
		cron:   cron.New(),
		log:    log,
	}
}

// Start schedules the sweep on the configured interval.
func (s *Sweeper) Start() error {
	s.cron.Schedule(cron.Every(s.opts.Interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Interval)
		defer cancel()
		s.Sweep(ctx)
	}))
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one full pass. Exported so callers can force a pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepPaid(ctx)
	s.sweepCancellations(ctx)
}

// sweepPaid retries launches for PAID jobs; jobs out of retries or stuck
// past the timeout are refunded and failed.
func (s *Sweeper) sweepPaid(ctx context.Context) {
	paid, err := s.jobs.ListJobsByStatus(ctx, job.StatusPaid, s.opts.ChunkSize)
	if err != nil {
		s.log.WithError(err).Error("list paid jobs failed")
		return
	}

	now := time.Now().UTC()
	for _, j := range paid {
		if now.Before(j.WaitUntil) {
			continue
		}

		exhausted := s.opts.MaxRetries > 0 && j.RetriesCount >= s.opts.MaxRetries
		stuck := s.opts.StuckTimeout > 0 && now.Sub(j.CreatedAt) > s.opts.StuckTimeout
		if exhausted || stuck {
			s.fail(ctx, j)
			continue
		}

		if _, err := s.svc.LaunchJob(ctx, j.ID); err != nil {
			s.log.WithError(err).WithField("job_id", j.ID).Warn("sweep launch failed")
			continue
		}
		metrics.RecordSweepOutcome("launched")
	}
}

// sweepCancellations settles TO_CANCEL jobs: cancel the escrow when one
// exists, credit the refund, mark CANCELED.
func (s *Sweeper) sweepCancellations(ctx context.Context) {
	pending, err := s.jobs.ListJobsByStatus(ctx, job.StatusToCancel, s.opts.ChunkSize)
	if err != nil {
		s.log.WithError(err).Error("list cancellations failed")
		return
	}

	for _, j := range pending {
		if j.EscrowAddress != "" {
			if err := s.escrow.CancelEscrow(ctx, j.ChainID, j.EscrowAddress); err != nil {
				s.log.WithError(err).WithField("job_id", j.ID).Warn("escrow cancel failed, will retry")
				continue
			}
		}

		if err := s.svc.Refund(ctx, j); err != nil {
			s.log.WithError(err).WithField("job_id", j.ID).Warn("refund failed, will retry")
			continue
		}

		j.Status = job.StatusCanceled
		if _, err := s.jobs.UpdateJob(ctx, j); err != nil {
			s.log.WithError(err).WithField("job_id", j.ID).Error("mark canceled failed")
			continue
		}
		s.log.WithField("job_id", j.ID).Info("job canceled")
		metrics.RecordSweepOutcome("canceled")
	}
}

func (s *Sweeper) fail(ctx context.Context, j job.Job) {
	if err := s.svc.Refund(ctx, j); err != nil {
		s.log.WithError(err).WithField("job_id", j.ID).Warn("refund failed, will retry")
		return
	}

	j.Status = job.StatusFailed
	if _, err := s.jobs.UpdateJob(ctx, j); err != nil {
		s.log.WithError(err).WithField("job_id", j.ID).Error("mark failed failed")
		return
	}
	s.log.WithField("job_id", j.ID).
		WithField("retries", j.RetriesCount).
		Warn("job failed after launch retries, funds refunded")
	metrics.RecordSweepOutcome("failed")
}
