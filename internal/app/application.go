// Package app ties the launcher's services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/human-protocol/job-launcher/internal/chain"
	"github.com/human-protocol/job-launcher/internal/config"
	"github.com/human-protocol/job-launcher/internal/exchange"
	"github.com/human-protocol/job-launcher/internal/httpapi"
	"github.com/human-protocol/job-launcher/internal/objstore"
	jobsvc "github.com/human-protocol/job-launcher/internal/services/job"
	"github.com/human-protocol/job-launcher/internal/services/sweeper"
	"github.com/human-protocol/job-launcher/internal/storage"
	"github.com/human-protocol/job-launcher/internal/storage/memory"
	"github.com/human-protocol/job-launcher/internal/webhook"
	"github.com/human-protocol/job-launcher/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Jobs     storage.JobStore
	Payments storage.PaymentStore
	Objects  objstore.Store
	Redis    *redis.Client
}

// Application owns the wired services and the HTTP server.
type Application struct {
	cfg *config.Config
	log *logger.Logger

	Jobs    *jobsvc.Service
	Sweeper *sweeper.Sweeper

	server *http.Server
}

// New builds a fully initialised application with the provided stores.
func New(ctx context.Context, cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Jobs == nil {
		stores.Jobs = mem
	}
	if stores.Payments == nil {
		stores.Payments = mem
	}
	if stores.Objects == nil {
		objects, err := objstore.NewS3Store(ctx, *cfg, log.WithField("component", "objstore"))
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
		stores.Objects = objects
	}

	escrow, err := chain.NewEscrowAdapter(cfg.Networks, log.WithField("component", "escrow"))
	if err != nil {
		return nil, fmt.Errorf("escrow adapter: %w", err)
	}
	selector := chain.NewSelector(cfg.ChainIDs())

	rater := exchange.NewService(
		exchange.NewHTTPSource(cfg.ExchangeRateURL),
		stores.Redis,
		cfg.RateCacheTTL,
		log.WithField("component", "exchange"),
	)

	notifier := webhook.NewHTTPNotifier(cfg.ExchangeOracleWebhookURL, log.WithField("component", "webhook"))

	jobs := jobsvc.New(stores.Jobs, stores.Payments, stores.Objects, escrow, selector, rater, notifier,
		jobsvc.Options{
			FeePercentage: cfg.FeePercentage,
			Oracles: jobsvc.Oracles{
				RecordingAddress:     cfg.RecordingOracleAddress,
				ReputationAddress:    cfg.ReputationOracleAddress,
				RecordingFeePercent:  cfg.RecordingOracleFeePercent,
				ReputationFeePercent: cfg.ReputationOracleFeePercent,
			},
			TrustedHandlers: cfg.TrustedHandlers,
		}, log.WithField("component", "jobs"))

	swp := sweeper.New(stores.Jobs, jobs, escrow, sweeper.Options{
		Interval:     cfg.SweepInterval,
		ChunkSize:    cfg.SweepChunk,
		MaxRetries:   cfg.MaxRetries,
		StuckTimeout: cfg.StuckTimeout,
	}, log.WithField("component", "sweeper"))

	router := httpapi.New(jobs, log.WithField("component", "httpapi")).Router()

	return &Application{
		cfg:     cfg,
		log:     log,
		Jobs:    jobs,
		Sweeper: swp,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start runs the sweeper schedule and the HTTP server. It blocks until the
// server stops.
func (a *Application) Start() error {
	if err := a.Sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	a.log.WithField("addr", a.server.Addr).Info("http server listening")
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the HTTP server and the sweeper down gracefully.
func (a *Application) Stop(ctx context.Context) error {
	a.Sweeper.Stop()
	return a.server.Shutdown(ctx)
}
