package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/media-vault/internal/circuitbreaker"
	apperrors "github.com/media-vault/internal/errors"
	"github.com/media-vault/internal/extractor"
	"github.com/media-vault/internal/logging"
	"github.com/media-vault/internal/models"
	"github.com/media-vault/internal/types"
)

// DownloadStore is the persistence surface the download service needs
type DownloadStore interface {
	Create(ctx context.Context, job *models.DownloadJob) error
	GetByID(ctx context.Context, id string) (*models.DownloadJob, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.DownloadJob, error)
	ListCompletedByUser(ctx context.Context, userID string) ([]*models.DownloadJob, error)
	SetArchived(ctx context.Context, id string, archived bool) error
}

// JobCanceller cancels an in-flight job, serialized against reconciliation
type JobCanceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// RetentionRecomputer re-derives retention marks for one user
type RetentionRecomputer interface {
	RecomputeRetention(ctx context.Context, userID string) (*models.RetentionResult, error)
}

// ProgressReader reads cached progress, falling back to a synthesized
// snapshot for the job's state
type ProgressReader interface {
	WithFallback(ctx context.Context, jobID string, state types.JobState) (*types.ProgressSnapshot, error)
}

// URLSigner issues short-lived download links for stored artifacts
type URLSigner interface {
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// DownloadService handles download submission, lookup and lifecycle actions
type DownloadService struct {
	repo          DownloadStore
	worker        extractor.Client
	workerBreaker *circuitbreaker.CircuitBreaker
	canceller     JobCanceller
	retention     RetentionRecomputer
	progress      ProgressReader
	signer        URLSigner
	linkExpiry    time.Duration
}

// NewDownloadService creates a download service. canceller, retention,
// progress and signer are optional.
func NewDownloadService(
	repo DownloadStore,
	worker extractor.Client,
	workerBreaker *circuitbreaker.CircuitBreaker,
	canceller JobCanceller,
	retention RetentionRecomputer,
	progress ProgressReader,
	signer URLSigner,
) (*DownloadService, error) {
	if repo == nil {
		return nil, fmt.Errorf("download store cannot be nil")
	}
	if worker == nil {
		return nil, fmt.Errorf("extractor client cannot be nil")
	}

	return &DownloadService{
		repo:          repo,
		worker:        worker,
		workerBreaker: workerBreaker,
		canceller:     canceller,
		retention:     retention,
		progress:      progress,
		signer:        signer,
		linkExpiry:    15 * time.Minute,
	}, nil
}

// SubmitInput is the request to start a new download
type SubmitInput struct {
	UserID   string         `json:"userId"`
	URL      string         `json:"url"`
	FileKind types.FileKind `json:"fileKind"`
	Quality  types.Quality  `json:"quality,omitempty"`
}

// DownloadView is a job enriched with live progress for API responses
type DownloadView struct {
	*models.DownloadJob
	LiveProgress *types.ProgressSnapshot `json:"liveProgress,omitempty"`
}

// Submit validates the request, hands it to the extraction worker and
// persists the pending record under the worker-assigned job id
func (s *DownloadService) Submit(ctx context.Context, input *SubmitInput) (*models.DownloadJob, error) {
	if err := validateSubmitInput(input); err != nil {
		return nil, err
	}
	if input.Quality == "" {
		input.Quality = types.QualityBest
	}

	req := &extractor.SubmitRequest{
		RequestID: uuid.NewString(),
		URL:       input.URL,
		FileKind:  input.FileKind,
		Quality:   input.Quality,
	}

	var jobID string
	err := s.executeWorker(ctx, func() error {
		var submitErr error
		jobID, submitErr = s.worker.Submit(ctx, req)
		return submitErr
	})
	if err != nil {
		return nil, apperrors.NewTransientError("extraction worker", err)
	}

	now := time.Now()
	job := &models.DownloadJob{
		ID:        jobID,
		UserID:    input.UserID,
		SourceURL: input.URL,
		FileKind:  input.FileKind,
		Quality:   input.Quality,
		State:     types.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, job); err != nil {
		// The worker already accepted the job; best effort to not leak it.
		if cancelErr := s.worker.Cancel(ctx, jobID); cancelErr != nil {
			logging.WithError(cancelErr).WithField("jobId", jobID).Warn("Failed to cancel orphaned worker job")
		}
		return nil, err
	}

	logging.WithFields(map[string]interface{}{
		"jobId":  job.ID,
		"userId": job.UserID,
		"kind":   job.FileKind,
	}).Info("Download submitted")

	return job, nil
}

// Get returns one download with its live progress attached
func (s *DownloadService) Get(ctx context.Context, userID, jobID string) (*DownloadView, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	view := &DownloadView{DownloadJob: job}
	if s.progress != nil && !job.State.IsTerminal() {
		snapshot, err := s.progress.WithFallback(ctx, job.ID, job.State)
		if err != nil {
			logging.WithError(err).WithField("jobId", job.ID).Warn("Failed to read progress")
		} else {
			view.LiveProgress = snapshot
		}
	}

	return view, nil
}

// List returns a user's downloads, newest first
func (s *DownloadService) List(ctx context.Context, userID string, limit int) ([]*models.DownloadJob, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("userId", "required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

// Cancel aborts an in-flight download. Terminal jobs are rejected.
func (s *DownloadService) Cancel(ctx context.Context, userID, jobID string) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return apperrors.NewTerminalJobError(jobID, fmt.Sprintf("download already %s", job.State))
	}
	if s.canceller == nil {
		return apperrors.NewInternalError("cancellation is not available", nil)
	}
	return s.canceller.Cancel(ctx, jobID)
}

// Archive pins a completed download: it stops counting against the user's
// quota and its artifact is never cleaned up. Retention is recomputed right
// away so downloads freed by the archive lose their deletion mark.
func (s *DownloadService) Archive(ctx context.Context, userID, jobID string) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.State != types.JobCompleted || !job.HasArtifact() {
		return apperrors.NewValidationError("jobId", "only completed downloads with a stored file can be archived")
	}
	if job.Archived {
		return nil
	}

	if err := s.repo.SetArchived(ctx, jobID, true); err != nil {
		return err
	}
	s.recompute(ctx, userID)
	return nil
}

// Unarchive returns a download to the regular pool. It counts against the
// quota again and may be scheduled for cleanup by the recompute.
func (s *DownloadService) Unarchive(ctx context.Context, userID, jobID string) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if !job.Archived {
		return nil
	}

	if err := s.repo.SetArchived(ctx, jobID, false); err != nil {
		return err
	}
	s.recompute(ctx, userID)
	return nil
}

// DownloadLink issues a short-lived URL for a stored artifact
func (s *DownloadService) DownloadLink(ctx context.Context, userID, jobID string) (string, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return "", err
	}
	if !job.HasArtifact() {
		return "", apperrors.NewNotFoundError("stored file", jobID)
	}
	if s.signer == nil {
		return "", apperrors.NewInternalError("download links are not available", nil)
	}
	return s.signer.PresignURL(ctx, *job.StorageKey, s.linkExpiry)
}

func (s *DownloadService) ownedJob(ctx context.Context, userID, jobID string) (*models.DownloadJob, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("userId", "required")
	}
	if jobID == "" {
		return nil, apperrors.NewValidationError("jobId", "required")
	}

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		// Reported as not found so job ids cannot be probed across users.
		return nil, apperrors.NewNotFoundError("download", jobID)
	}
	return job, nil
}

func (s *DownloadService) recompute(ctx context.Context, userID string) {
	if s.retention == nil {
		return
	}
	if _, err := s.retention.RecomputeRetention(ctx, userID); err != nil {
		logging.WithError(err).WithField("userId", userID).Warn("Retention recompute failed")
	}
}

func (s *DownloadService) executeWorker(ctx context.Context, fn func() error) error {
	if s.workerBreaker == nil {
		return fn()
	}
	return s.workerBreaker.Execute(ctx, fn)
}

func validateSubmitInput(input *SubmitInput) error {
	if input == nil {
		return apperrors.NewValidationError("body", "required")
	}
	if input.UserID == "" {
		return apperrors.NewValidationError("userId", "required")
	}

	parsed, err := url.Parse(strings.TrimSpace(input.URL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return apperrors.NewValidationError("url", "must be a valid http or https address")
	}
	input.URL = parsed.String()

	switch input.FileKind {
	case types.FileKindVideo, types.FileKindAudio, types.FileKindImage:
	default:
		return apperrors.NewValidationError("fileKind", fmt.Sprintf("unsupported value: %s", input.FileKind))
	}

	switch input.Quality {
	case "", types.QualityBest, types.QualityStandard, types.QualityLow:
	default:
		return apperrors.NewValidationError("quality", fmt.Sprintf("unsupported value: %s", input.Quality))
	}

	return nil
}
