// Package main provides the background worker entry point for the media
// vault service. It runs the reconciliation sweep, the cleanup sweep and
// quota maintenance on their configured intervals.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/media-vault/internal/circuitbreaker"
	"github.com/media-vault/internal/config"
	"github.com/media-vault/internal/extractor"
	"github.com/media-vault/internal/logging"
	"github.com/media-vault/internal/progress"
	"github.com/media-vault/internal/reconcile"
	"github.com/media-vault/internal/retention"
	"github.com/media-vault/internal/storage"
	"github.com/media-vault/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()
	logger.Info("Media vault worker starting")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	objectStore, err := storage.NewObjectStore(&cfg.ObjectStore)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to object store")
	}

	workerClient, err := extractor.NewHTTPClient(&extractor.HTTPClientConfig{
		BaseURL:           cfg.Extractor.BaseURL,
		APIKey:            cfg.Extractor.APIKey,
		RequestTimeout:    cfg.Extractor.RequestTimeout,
		RequestsPerSecond: cfg.Extractor.RequestsPerSecond,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create extractor client")
	}

	breakers := circuitbreaker.NewManager()
	workerBreaker := breakers.GetOrCreate("extractor", &circuitbreaker.Config{
		Name:             "extractor",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		// 429s and unknown-job 404s are answers, not outages.
		IgnoredErrors: []error{extractor.ErrRateLimited, extractor.ErrJobNotFound},
	})
	storeBreaker := breakers.GetOrCreate("object-store", &circuitbreaker.Config{
		Name:             "object-store",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})

	downloadRepo := storage.NewDownloadRepository(postgres)
	progressCache := progress.NewCache(redis, cfg.Progress.TTL)

	retentionEngine, err := retention.NewEngine(downloadRepo, objectStore, storeBreaker, &retention.Config{
		KeepCount:      cfg.Retention.KeepCount,
		CleanupDelay:   cfg.Retention.CleanupDelay,
		BatchSize:      cfg.Retention.CleanupBatchSize,
		MaxIterations:  cfg.Retention.MaxIterations,
		IterationPause: cfg.Retention.IterationPause,
		QuotaWorkers:   cfg.Retention.QuotaConcurrency,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create retention engine")
	}

	reconcileEngine, err := reconcile.NewEngine(
		downloadRepo,
		workerClient,
		objectStore,
		retentionEngine,
		progressCache,
		workerBreaker,
		storeBreaker,
		&reconcile.Config{
			GraceWindow:               cfg.Reconciler.GraceWindow,
			PendingTimeout:            cfg.Reconciler.PendingTimeout,
			AssumeCompletionOnTimeout: cfg.Reconciler.AssumeCompletionOnTimeout,
		},
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create reconciliation engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweepWorker, err := worker.NewPeriodicWorker("reconcile-sweep", cfg.Reconciler.SweepInterval, func(ctx context.Context) error {
		_, err := reconcileEngine.ReconcileBatch(ctx, cfg.Reconciler.BatchLimit)
		return err
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create reconcile worker")
	}

	cleanupWorker, err := worker.NewPeriodicWorker("cleanup-sweep", cfg.Retention.CleanupInterval, func(ctx context.Context) error {
		_, err := retentionEngine.RunBatchCleanup(ctx)
		return err
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create cleanup worker")
	}

	quotaWorker, err := worker.NewPeriodicWorker("quota-maintenance", cfg.Retention.QuotaInterval, func(ctx context.Context) error {
		_, err := retentionEngine.MaintainAllUserQuotas(ctx)
		return err
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create quota worker")
	}

	workers := []*worker.PeriodicWorker{sweepWorker, cleanupWorker, quotaWorker}
	for _, w := range workers {
		if err := w.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start worker")
		}
	}

	logger.Info("All workers running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("Shutdown signal received")

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	for _, w := range workers {
		if err := w.Stop(stopCtx); err != nil {
			logger.WithError(err).Warn("Worker did not stop cleanly")
		}
	}

	logger.Info("Worker shut down")
}
