// Package main runs the job launcher server: the HTTP API, the payment
// ledger, and the escrow launch pipeline.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/human-protocol/job-launcher/internal/app"
	"github.com/human-protocol/job-launcher/internal/config"
	"github.com/human-protocol/job-launcher/internal/storage/postgres"
	"github.com/human-protocol/job-launcher/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("launcher").WithError(err).Error("load configuration")
		os.Exit(1)
	}

	log := logger.NewDefault("launcher")

	db, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Error("connect database")
		os.Exit(1)
	}
	defer db.Close()

	store := postgres.New(db)
	stores := app.Stores{Jobs: store, Payments: store}

	if cfg.RedisAddr != "" {
		stores.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer stores.Redis.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, stores, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
	log.Info("stopped")
}
