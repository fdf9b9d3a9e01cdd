// Package reconcile drives the download job state machine. For every job in
// a non-terminal state it asks the extraction worker for the authoritative
// status, classifies the response and applies exactly one transition rule to
// the persisted record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/media-vault/internal/circuitbreaker"
	"github.com/media-vault/internal/extractor"
	"github.com/media-vault/internal/logging"
	"github.com/media-vault/internal/models"
	"github.com/media-vault/internal/retry"
	"github.com/media-vault/internal/storage"
	"github.com/media-vault/internal/types"
)

// Default heuristics windows. The worker keeps no durable job ledger, so jobs
// it garbage-collected before our next poll have to be resolved by age.
const (
	DefaultGraceWindow    = 5 * time.Minute
	DefaultPendingTimeout = 10 * time.Minute
)

// Outcome classifies the result of one reconcile invocation
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeProcessing Outcome = "processing"
	OutcomeUnchanged  Outcome = "unchanged"
)

// JobStore is the persistence surface the engine needs
type JobStore interface {
	GetByID(ctx context.Context, id string) (*models.DownloadJob, error)
	Update(ctx context.Context, job *models.DownloadJob) error
	ListNonTerminal(ctx context.Context, limit int) ([]*models.DownloadJob, error)
}

// ArtifactStore uploads fetched worker output into durable object storage
type ArtifactStore interface {
	Upload(ctx context.Context, userID, name string, reader io.Reader, size int64, contentType string) (*storage.ObjectInfo, error)
}

// RetentionTrigger is invoked synchronously after every completion so the
// keep-N invariant is restored immediately
type RetentionTrigger interface {
	RecomputeRetention(ctx context.Context, userID string) (*models.RetentionResult, error)
}

// ProgressSink receives authoritative progress samples and evictions
type ProgressSink interface {
	MergeAuthoritative(ctx context.Context, jobID string, snapshot *types.ProgressSnapshot) (*types.ProgressSnapshot, error)
	Evict(ctx context.Context, jobID string) error
}

// Config configures the reconciliation engine
type Config struct {
	GraceWindow    time.Duration
	PendingTimeout time.Duration
	// AssumeCompletionOnTimeout enables force-completing pending jobs whose
	// status calls keep failing past the timeout. Deliberate
	// availability-over-precision trade-off carried from the source system.
	AssumeCompletionOnTimeout bool
}

// Engine reconciles persisted jobs against the extraction worker
type Engine struct {
	jobs      JobStore
	worker    extractor.Client
	artifacts ArtifactStore
	retention RetentionTrigger
	progress  ProgressSink

	workerBreaker *circuitbreaker.CircuitBreaker
	storeBreaker  *circuitbreaker.CircuitBreaker

	graceWindow      time.Duration
	pendingTimeout   time.Duration
	assumeCompletion bool

	locks *lockTable
	clock func() time.Time
}

// NewEngine creates a reconciliation engine. retention and progress are
// optional; breakers must be scoped to their dependency and not shared
// across unrelated ones.
func NewEngine(
	jobs JobStore,
	worker extractor.Client,
	artifacts ArtifactStore,
	retention RetentionTrigger,
	progress ProgressSink,
	workerBreaker *circuitbreaker.CircuitBreaker,
	storeBreaker *circuitbreaker.CircuitBreaker,
	cfg *Config,
) (*Engine, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if worker == nil {
		return nil, fmt.Errorf("extractor client cannot be nil")
	}
	if workerBreaker == nil {
		return nil, fmt.Errorf("worker circuit breaker cannot be nil")
	}

	if cfg == nil {
		cfg = &Config{AssumeCompletionOnTimeout: true}
	}
	graceWindow := cfg.GraceWindow
	if graceWindow <= 0 {
		graceWindow = DefaultGraceWindow
	}
	pendingTimeout := cfg.PendingTimeout
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}

	return &Engine{
		jobs:             jobs,
		worker:           worker,
		artifacts:        artifacts,
		retention:        retention,
		progress:         progress,
		workerBreaker:    workerBreaker,
		storeBreaker:     storeBreaker,
		graceWindow:      graceWindow,
		pendingTimeout:   pendingTimeout,
		assumeCompletion: cfg.AssumeCompletionOnTimeout,
		locks:            newLockTable(),
		clock:            time.Now,
	}, nil
}

// SetClock overrides the time source. Used by tests.
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
}

// Reconcile applies one transition rule to the job. Safe to call
// concurrently for different ids; calls for the same id are serialized.
func (e *Engine) Reconcile(ctx context.Context, jobID string) (Outcome, error) {
	release := e.locks.acquire(jobID)
	defer release()

	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return OutcomeUnchanged, err
	}

	if job.State.IsTerminal() {
		// A cancel or a concurrent sweep got here first.
		return OutcomeUnchanged, nil
	}

	return e.reconcileLocked(ctx, job)
}

// reconcileLocked evaluates the decision table once. Caller holds the job lock.
func (e *Engine) reconcileLocked(ctx context.Context, job *models.DownloadJob) (Outcome, error) {
	var status *extractor.JobStatus
	err := e.workerBreaker.Execute(ctx, func() error {
		var statusErr error
		status, statusErr = e.worker.Status(ctx, job.ID)
		return statusErr
	})

	switch {
	case err == nil:
		return e.applyStatus(ctx, job, status)

	case isDependencyBackoff(err):
		// Rate limiting or a fast-failing breaker says nothing about the
		// job itself. Never a state transition; the next sweep retries.
		return OutcomeUnchanged, nil

	case errors.Is(err, extractor.ErrJobNotFound):
		return e.applyNotFound(ctx, job)

	default:
		return e.applyStatusError(ctx, job, err)
	}
}

// isDependencyBackoff reports classified backoff conditions: the dependency
// is throttling us or its breaker is open. These must never decide a job's
// fate; the job is left untouched and retried on a later sweep.
func isDependencyBackoff(err error) bool {
	return errors.Is(err, extractor.ErrRateLimited) ||
		errors.Is(err, circuitbreaker.ErrCircuitOpen) ||
		errors.Is(err, circuitbreaker.ErrTrialInFlight)
}

// applyStatus handles a successfully fetched worker status
func (e *Engine) applyStatus(ctx context.Context, job *models.DownloadJob, status *extractor.JobStatus) (Outcome, error) {
	switch {
	case status.State == types.JobCompleted || status.Progress >= 100:
		return e.finalizeCompletion(ctx, job, status)

	case status.State == types.JobFailed:
		// The worker's error string is kept verbatim.
		return e.persistFailure(ctx, job, status.ErrorMessage)

	default:
		return e.persistProgress(ctx, job, status)
	}
}

// finalizeCompletion lists produced files, transfers the qualifying artifact
// into object storage and persists the completed job
func (e *Engine) finalizeCompletion(ctx context.Context, job *models.DownloadJob, status *extractor.JobStatus) (Outcome, error) {
	var files []extractor.FileInfo
	err := e.workerBreaker.Execute(ctx, func() error {
		var listErr error
		files, listErr = e.worker.ListFiles(ctx, job.ID)
		return listErr
	})
	if err != nil {
		if isDependencyBackoff(err) {
			// The listing was throttled, not refused; retry next sweep.
			return OutcomeUnchanged, nil
		}
		return e.persistFailure(ctx, job, "file retrieval failed")
	}

	artifact, ok := pickArtifact(files, job.FileKind)
	if !ok {
		return e.persistFailure(ctx, job, "file retrieval failed")
	}

	info, err := e.transferArtifact(ctx, job, artifact)
	if err != nil {
		if isDependencyBackoff(err) {
			return OutcomeUnchanged, nil
		}
		logging.WithError(err).WithField("jobId", job.ID).Warn("Artifact transfer failed")
		return e.persistFailure(ctx, job, "file retrieval failed")
	}

	job.State = types.JobCompleted
	job.Progress = 100
	job.StorageKey = &info.Key
	job.StorageURL = &info.URL
	job.FileSize = &info.Size
	if status != nil {
		applyStatusMetadata(job, status)
	}
	job.Metadata.CompletionReason = types.CompletionReported

	if err := e.jobs.Update(ctx, job); err != nil {
		return OutcomeUnchanged, err
	}

	e.afterCompletion(ctx, job)
	return OutcomeCompleted, nil
}

// transferArtifact streams the file from the worker into the object store.
// Each retry attempt re-fetches the file since the body is consumed by a
// failed upload.
func (e *Engine) transferArtifact(ctx context.Context, job *models.DownloadJob, file extractor.FileInfo) (*storage.ObjectInfo, error) {
	if e.artifacts == nil {
		return nil, fmt.Errorf("no artifact store configured")
	}

	var info *storage.ObjectInfo
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, _ int) error {
		body, size, err := e.worker.FetchFile(ctx, job.ID, file.Name)
		if err != nil {
			return fmt.Errorf("fetch file %s: %w", file.Name, err)
		}
		defer body.Close()

		if size <= 0 {
			size = file.Size
		}

		return e.executeStore(ctx, func() error {
			var uploadErr error
			info, uploadErr = e.artifacts.Upload(ctx, job.UserID, file.Name, body, size, contentTypeFor(file.Name))
			return uploadErr
		})
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (e *Engine) executeStore(ctx context.Context, fn func() error) error {
	if e.storeBreaker == nil {
		return fn()
	}
	return e.storeBreaker.Execute(ctx, fn)
}

// applyNotFound resolves jobs the worker no longer knows about. Past the
// grace window this is treated as a post-hoc completion: the worker finished
// and garbage-collected the job before we observed it.
func (e *Engine) applyNotFound(ctx context.Context, job *models.DownloadJob) (Outcome, error) {
	if job.Age(e.clock()) <= e.graceWindow {
		// Transient race between submission and the worker registering the job.
		return OutcomeUnchanged, nil
	}

	return e.persistInferredCompletion(ctx, job, types.CompletionInferred)
}

// applyStatusError resolves non-classified status failures. Pending jobs past
// the timeout are force-completed when the policy allows it.
func (e *Engine) applyStatusError(ctx context.Context, job *models.DownloadJob, err error) (Outcome, error) {
	if job.State == types.JobPending && job.Age(e.clock()) > e.pendingTimeout {
		if !e.assumeCompletion {
			logging.WithFields(map[string]interface{}{
				"jobId": job.ID,
				"age":   job.Age(e.clock()).String(),
			}).Warn("Pending job past timeout, force-completion disabled")
			return OutcomeUnchanged, nil
		}
		return e.persistInferredCompletion(ctx, job, types.CompletionForced)
	}

	// Retried on the next sweep.
	return OutcomeUnchanged, err
}

// persistInferredCompletion completes a job without re-verifying the source.
// There is no artifact to transfer; the worker already discarded its output.
func (e *Engine) persistInferredCompletion(ctx context.Context, job *models.DownloadJob, reason string) (Outcome, error) {
	job.State = types.JobCompleted
	job.Progress = 100
	job.Metadata.CompletionReason = reason

	if err := e.jobs.Update(ctx, job); err != nil {
		return OutcomeUnchanged, err
	}

	logging.WithFields(map[string]interface{}{
		"jobId":  job.ID,
		"reason": reason,
	}).Warn("Download completed by inference")

	e.afterCompletion(ctx, job)
	return OutcomeCompleted, nil
}

func (e *Engine) persistFailure(ctx context.Context, job *models.DownloadJob, reason string) (Outcome, error) {
	job.State = types.JobFailed
	job.Metadata.LastError = reason

	if err := e.jobs.Update(ctx, job); err != nil {
		return OutcomeUnchanged, err
	}

	e.evictProgress(ctx, job.ID)
	return OutcomeFailed, nil
}

// persistProgress records an in-flight status sample. Progress is monotonic:
// a lower reported value never overwrites a higher stored one.
func (e *Engine) persistProgress(ctx context.Context, job *models.DownloadJob, status *extractor.JobStatus) (Outcome, error) {
	job.State = types.JobProcessing
	if status.Progress > job.Progress {
		job.Progress = status.Progress
	}
	applyStatusMetadata(job, status)

	if err := e.jobs.Update(ctx, job); err != nil {
		return OutcomeUnchanged, err
	}

	if e.progress != nil {
		snapshot := &types.ProgressSnapshot{
			JobID:      job.ID,
			Percentage: job.Progress,
			Phase:      status.Phase,
			Speed:      status.Speed,
		}
		if _, err := e.progress.MergeAuthoritative(ctx, job.ID, snapshot); err != nil {
			logging.WithError(err).WithField("jobId", job.ID).Warn("Failed to merge progress sample")
		}
	}

	return OutcomeProcessing, nil
}

// afterCompletion runs the completion side effects: retention recompute and
// progress cache eviction. Failures are logged, never propagated; the
// periodic quota sweep is the safety net.
func (e *Engine) afterCompletion(ctx context.Context, job *models.DownloadJob) {
	e.evictProgress(ctx, job.ID)

	if e.retention == nil {
		return
	}
	if _, err := e.retention.RecomputeRetention(ctx, job.UserID); err != nil {
		logging.WithError(err).WithFields(map[string]interface{}{
			"jobId":  job.ID,
			"userId": job.UserID,
		}).Warn("Retention recompute after completion failed")
	}
}

func (e *Engine) evictProgress(ctx context.Context, jobID string) {
	if e.progress == nil {
		return
	}
	if err := e.progress.Evict(ctx, jobID); err != nil {
		logging.WithError(err).WithField("jobId", jobID).Warn("Failed to evict progress entry")
	}
}

// Cancel forces a non-terminal job to failed with reason "cancelled by
// user". It takes the same per-job lock as Reconcile, so a cancel and an
// in-flight reconciliation for one job are mutually exclusive, never racing.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	release := e.locks.acquire(jobID)
	defer release()

	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	if job.State.IsTerminal() {
		return nil
	}

	// Best effort; the worker may already have discarded the job.
	err = e.workerBreaker.Execute(ctx, func() error {
		return e.worker.Cancel(ctx, jobID)
	})
	if err != nil {
		logging.WithError(err).WithField("jobId", jobID).Warn("Worker cancel call failed")
	}

	job.State = types.JobFailed
	job.Metadata.LastError = "cancelled by user"
	if err := e.jobs.Update(ctx, job); err != nil {
		return err
	}

	e.evictProgress(ctx, jobID)
	return nil
}

// ReconcileBatch selects up to limit non-terminal jobs, least recently
// updated first, and reconciles each. A single job's error never aborts the
// batch; per-job outcomes are counted for observability.
func (e *Engine) ReconcileBatch(ctx context.Context, limit int) (*models.SweepReport, error) {
	start := e.clock()

	jobs, err := e.jobs.ListNonTerminal(ctx, limit)
	if err != nil {
		return nil, err
	}

	report := &models.SweepReport{Inspected: len(jobs)}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		outcome, err := e.Reconcile(ctx, job.ID)
		if err != nil {
			report.Errored++
			logging.WithError(err).WithField("jobId", job.ID).Warn("Reconcile failed")
			continue
		}

		switch outcome {
		case OutcomeCompleted:
			report.Completed++
		case OutcomeFailed:
			report.Failed++
		default:
			report.StillProcessing++
		}
	}

	report.Duration = e.clock().Sub(start)

	logging.WithFields(map[string]interface{}{
		"inspected":       report.Inspected,
		"completed":       report.Completed,
		"failed":          report.Failed,
		"stillProcessing": report.StillProcessing,
		"errored":         report.Errored,
	}).Info("Reconciliation sweep finished")

	return report, nil
}

func applyStatusMetadata(job *models.DownloadJob, status *extractor.JobStatus) {
	if status.Title != "" {
		job.Metadata.Title = status.Title
	}
	if status.Thumbnail != "" {
		job.Metadata.Thumbnail = status.Thumbnail
	}
	if status.Platform != "" {
		job.Metadata.Platform = status.Platform
	}
	if status.Phase != "" {
		job.Metadata.Phase = status.Phase
	}
	if status.Speed != "" {
		job.Metadata.Speed = status.Speed
	}
}

// Extensions considered deliverable media, in preference order per kind.
var mediaExtensions = map[types.FileKind][]string{
	types.FileKindVideo: {".mp4", ".webm", ".mkv", ".mov", ".avi"},
	types.FileKindAudio: {".mp3", ".m4a", ".opus", ".ogg", ".flac", ".wav"},
	types.FileKindImage: {".jpg", ".jpeg", ".png", ".webp", ".gif"},
}

// Auxiliary output the worker produces alongside the media file.
var auxiliaryExtensions = map[string]bool{
	".json":        true,
	".txt":         true,
	".description": true,
	".part":        true,
	".ytdl":        true,
	".srt":         true,
	".vtt":         true,
}

// pickArtifact chooses the retained file deterministically: auxiliary files
// are excluded, then the first file matching the kind's extension preference
// order wins.
func pickArtifact(files []extractor.FileInfo, kind types.FileKind) (extractor.FileInfo, bool) {
	preferred, ok := mediaExtensions[kind]
	if !ok {
		preferred = append(append([]string{}, mediaExtensions[types.FileKindVideo]...), mediaExtensions[types.FileKindAudio]...)
	}

	for _, ext := range preferred {
		for _, file := range files {
			name := strings.ToLower(file.Name)
			if auxiliaryExtensions[path.Ext(name)] {
				continue
			}
			if strings.HasSuffix(name, ext) {
				return file, true
			}
		}
	}

	return extractor.FileInfo{}, false
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".opus", ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
