// Package retention enforces the per-user storage quota: each user keeps
// their newest downloads, older artifacts are scheduled for deletion after a
// grace delay, and a periodic batch sweep deletes due artifacts from object
// storage. Archived downloads never count against the quota and are never
// touched.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/media-vault/internal/circuitbreaker"
	"github.com/media-vault/internal/logging"
	"github.com/media-vault/internal/models"
)

// Defaults mirror the production configuration.
const (
	DefaultKeepCount      = 5
	DefaultCleanupDelay   = time.Hour
	DefaultBatchSize      = 25
	DefaultMaxIterations  = 40
	DefaultIterationPause = 500 * time.Millisecond
	DefaultQuotaWorkers   = 4
)

// Store is the persistence surface the engine needs
type Store interface {
	ListCompletedByUser(ctx context.Context, userID string) ([]*models.DownloadJob, error)
	SetScheduledDeletion(ctx context.Context, ids []string, at time.Time) (int, error)
	ClearScheduledDeletion(ctx context.Context, ids []string) (int, error)
	ListDueForCleanup(ctx context.Context, now time.Time, limit int) ([]*models.DownloadJob, error)
	ListCompletedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.DownloadJob, error)
	ClearArtifact(ctx context.Context, id string) error
	UsersOverQuota(ctx context.Context, keep int) ([]string, error)
}

// ObjectDeleter removes stored artifacts. Deletion of a missing key must be
// treated as success.
type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Config configures the retention engine
type Config struct {
	KeepCount      int
	CleanupDelay   time.Duration
	BatchSize      int
	MaxIterations  int
	IterationPause time.Duration
	QuotaWorkers   int
}

// Engine owns the retention lifecycle: marking excess downloads, clearing
// marks that became stale, and the batch deletion sweep
type Engine struct {
	store   Store
	objects ObjectDeleter
	breaker *circuitbreaker.CircuitBreaker

	keepCount      int
	cleanupDelay   time.Duration
	batchSize      int
	maxIterations  int
	iterationPause time.Duration
	quotaWorkers   int

	clock func() time.Time
}

// NewEngine creates a retention engine
func NewEngine(store Store, objects ObjectDeleter, breaker *circuitbreaker.CircuitBreaker, cfg *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if objects == nil {
		return nil, fmt.Errorf("object deleter cannot be nil")
	}

	if cfg == nil {
		cfg = &Config{}
	}
	e := &Engine{
		store:          store,
		objects:        objects,
		breaker:        breaker,
		keepCount:      cfg.KeepCount,
		cleanupDelay:   cfg.CleanupDelay,
		batchSize:      cfg.BatchSize,
		maxIterations:  cfg.MaxIterations,
		iterationPause: cfg.IterationPause,
		quotaWorkers:   cfg.QuotaWorkers,
		clock:          time.Now,
	}
	if e.keepCount <= 0 {
		e.keepCount = DefaultKeepCount
	}
	if e.cleanupDelay <= 0 {
		e.cleanupDelay = DefaultCleanupDelay
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.maxIterations <= 0 {
		e.maxIterations = DefaultMaxIterations
	}
	if e.iterationPause < 0 {
		e.iterationPause = DefaultIterationPause
	}
	if e.quotaWorkers <= 0 {
		e.quotaWorkers = DefaultQuotaWorkers
	}
	return e, nil
}

// SetClock overrides the time source. Used by tests.
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
}

// RecomputeRetention re-derives the retention marks for one user. Archived
// downloads are excluded up front: they never count toward the quota and are
// never scheduled. Of the rest, newest first, the first keepCount stay (any
// stale schedule on them is cleared) and the remainder are scheduled for
// deletion after the cleanup delay. Idempotent: re-running with no state
// change schedules nothing new.
func (e *Engine) RecomputeRetention(ctx context.Context, userID string) (*models.RetentionResult, error) {
	completed, err := e.store.ListCompletedByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var regular []*models.DownloadJob
	for _, job := range completed {
		if job.Archived {
			continue
		}
		regular = append(regular, job)
	}

	var toKeep, toSchedule []*models.DownloadJob
	if len(regular) <= e.keepCount {
		toKeep = regular
	} else {
		toKeep = regular[:e.keepCount]
		toSchedule = regular[e.keepCount:]
	}

	// Downloads that moved back inside the keep window (a newer sibling was
	// archived or deleted) get their stale schedule removed.
	var unmark []string
	for _, job := range toKeep {
		if job.ScheduledDeletion != nil {
			unmark = append(unmark, job.ID)
		}
	}
	if len(unmark) > 0 {
		if _, err := e.store.ClearScheduledDeletion(ctx, unmark); err != nil {
			return nil, err
		}
	}

	var mark []string
	for _, job := range toSchedule {
		if job.ScheduledDeletion == nil {
			mark = append(mark, job.ID)
		}
	}

	result := &models.RetentionResult{UserID: userID}
	if len(mark) > 0 {
		marked, err := e.store.SetScheduledDeletion(ctx, mark, e.clock().Add(e.cleanupDelay))
		if err != nil {
			return nil, err
		}
		result.MarkedForCleanup = marked

		logging.WithFields(map[string]interface{}{
			"userId": userID,
			"marked": marked,
		}).Info("Scheduled excess downloads for cleanup")
	}

	return result, nil
}

// RunBatchCleanup deletes due artifacts in bounded batches. One failing item
// is recorded and skipped, never aborting the run; the iteration cap keeps a
// single run from monopolizing the object store.
func (e *Engine) RunBatchCleanup(ctx context.Context) (*models.CleanupRun, error) {
	start := e.clock()
	run := &models.CleanupRun{}

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		if ctx.Err() != nil {
			break
		}

		due, err := e.store.ListDueForCleanup(ctx, e.clock(), e.batchSize)
		if err != nil {
			return nil, err
		}
		if len(due) == 0 {
			break
		}

		for _, job := range due {
			run.ProcessedDownloads++
			if err := e.cleanupOne(ctx, job); err != nil {
				run.Errors = append(run.Errors, models.CleanupError{
					JobID:   job.ID,
					Message: err.Error(),
				})
				continue
			}
			run.CleanedFiles++
			if job.FileSize != nil {
				run.BytesFreed += *job.FileSize
			}
		}

		if len(due) < e.batchSize {
			break
		}
		if e.iterationPause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.iterationPause):
			}
		}
	}

	run.Duration = e.clock().Sub(start)

	logging.WithFields(map[string]interface{}{
		"processed":  run.ProcessedDownloads,
		"cleaned":    run.CleanedFiles,
		"bytesFreed": run.BytesFreed,
		"errors":     len(run.Errors),
	}).Info("Cleanup run finished")

	return run, nil
}

// cleanupOne deletes the stored object, then clears the job's artifact
// pointer. Order matters: clearing the pointer only after a successful delete
// means a crash in between re-attempts the (idempotent) delete next run.
func (e *Engine) cleanupOne(ctx context.Context, job *models.DownloadJob) error {
	if job.StorageKey == nil {
		return e.store.ClearArtifact(ctx, job.ID)
	}

	err := e.executeDelete(ctx, func() error {
		return e.objects.Delete(ctx, *job.StorageKey)
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", *job.StorageKey, err)
	}

	return e.store.ClearArtifact(ctx, job.ID)
}

func (e *Engine) executeDelete(ctx context.Context, fn func() error) error {
	if e.breaker == nil {
		return fn()
	}
	return e.breaker.Execute(ctx, fn)
}

// MaintainAllUserQuotas recomputes retention for every user currently over
// quota, with bounded concurrency. The safety net behind the synchronous
// recompute on completion.
func (e *Engine) MaintainAllUserQuotas(ctx context.Context) (*models.QuotaMaintenanceReport, error) {
	users, err := e.store.UsersOverQuota(ctx, e.keepCount)
	if err != nil {
		return nil, err
	}

	report := &models.QuotaMaintenanceReport{UsersInspected: len(users)}
	if len(users) == 0 {
		return report, nil
	}

	type outcome struct {
		userID string
		marked int
		err    error
	}

	work := make(chan string)
	// Buffered so workers never block on a collector that stopped reading;
	// closed once all workers return, so cancellation mid-dispatch yields
	// fewer results instead of a stuck collector.
	results := make(chan outcome, len(users))

	workers := e.quotaWorkers
	if workers > len(users) {
		workers = len(users)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range work {
				result, err := e.RecomputeRetention(ctx, userID)
				if err != nil {
					results <- outcome{userID: userID, err: err}
					continue
				}
				results <- outcome{userID: userID, marked: result.MarkedForCleanup}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, userID := range users {
			select {
			case work <- userID:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		if result.err != nil {
			report.Errors = append(report.Errors, models.QuotaUserError{
				UserID:  result.userID,
				Message: result.err.Error(),
			})
			continue
		}
		report.MarkedForCleanup += result.marked
	}

	if err := ctx.Err(); err != nil {
		// Partial sweep; the next maintenance run picks up the rest.
		return report, err
	}

	logging.WithFields(map[string]interface{}{
		"users":  report.UsersInspected,
		"marked": report.MarkedForCleanup,
		"errors": len(report.Errors),
	}).Info("Quota maintenance finished")

	return report, nil
}

// EmergencyCleanup deletes artifacts of all regular completed downloads older
// than the cutoff, ignoring schedules and the cleanup delay. Archived
// downloads remain untouched. Operator-triggered only.
func (e *Engine) EmergencyCleanup(ctx context.Context, olderThan time.Duration) (*models.CleanupRun, error) {
	start := e.clock()
	cutoff := e.clock().Add(-olderThan)
	run := &models.CleanupRun{}

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		if ctx.Err() != nil {
			break
		}

		jobs, err := e.store.ListCompletedOlderThan(ctx, cutoff, e.batchSize)
		if err != nil {
			return nil, err
		}
		if len(jobs) == 0 {
			break
		}

		for _, job := range jobs {
			run.ProcessedDownloads++
			if err := e.cleanupOne(ctx, job); err != nil {
				run.Errors = append(run.Errors, models.CleanupError{
					JobID:   job.ID,
					Message: err.Error(),
				})
				continue
			}
			run.CleanedFiles++
			if job.FileSize != nil {
				run.BytesFreed += *job.FileSize
			}
		}

		if len(jobs) < e.batchSize {
			break
		}
	}

	run.Duration = e.clock().Sub(start)

	logging.WithFields(map[string]interface{}{
		"cutoff":     cutoff.Format(time.RFC3339),
		"processed":  run.ProcessedDownloads,
		"cleaned":    run.CleanedFiles,
		"bytesFreed": run.BytesFreed,
	}).Warn("Emergency cleanup finished")

	return run, nil
}
