// Package main provides the API server entry point for the media vault service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/media-vault/internal/api"
	"github.com/media-vault/internal/circuitbreaker"
	"github.com/media-vault/internal/config"
	"github.com/media-vault/internal/extractor"
	"github.com/media-vault/internal/logging"
	"github.com/media-vault/internal/progress"
	"github.com/media-vault/internal/ratelimit"
	"github.com/media-vault/internal/reconcile"
	"github.com/media-vault/internal/retention"
	"github.com/media-vault/internal/service"
	"github.com/media-vault/internal/storage"
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
	logger.Info("Media vault API server starting")

	// Database connections
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

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	if err := objectStore.EnsureBucket(startupCtx); err != nil {
		cancelStartup()
		logger.WithError(err).Fatal("Failed to ensure object store bucket")
	}
	cancelStartup()

	logger.Info("Storage connections established")

	// Extraction worker client
	workerClient, err := extractor.NewHTTPClient(&extractor.HTTPClientConfig{
		BaseURL:           cfg.Extractor.BaseURL,
		APIKey:            cfg.Extractor.APIKey,
		RequestTimeout:    cfg.Extractor.RequestTimeout,
		RequestsPerSecond: cfg.Extractor.RequestsPerSecond,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create extractor client")
	}

	// One breaker per dependency, shared across engines
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

	downloadService, err := service.NewDownloadService(
		downloadRepo,
		workerClient,
		workerBreaker,
		reconcileEngine,
		retentionEngine,
		progressCache,
		objectStore,
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create download service")
	}

	limiter, err := ratelimit.NewLimiter(redis.Client(), nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rate limiter")
	}

	server := api.NewServer(
		&api.ServerConfig{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		downloadService,
		reconcileEngine,
		retentionEngine,
		breakers,
		limiter,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.WithError(err).Error("API server exited")
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}
