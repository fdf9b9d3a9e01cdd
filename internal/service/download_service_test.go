package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/media-vault/internal/errors"
	"github.com/media-vault/internal/extractor"
	"github.com/media-vault/internal/models"
	"github.com/media-vault/internal/types"
)

type fakeDownloadStore struct {
	mu   sync.Mutex
	jobs map[string]*models.DownloadJob

	createErr error
}

func newFakeDownloadStore(jobs ...*models.DownloadJob) *fakeDownloadStore {
	s := &fakeDownloadStore{jobs: make(map[string]*models.DownloadJob)}
	for _, j := range jobs {
		copied := *j
		s.jobs[j.ID] = &copied
	}
	return s
}

func (s *fakeDownloadStore) Create(_ context.Context, job *models.DownloadJob) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *fakeDownloadStore) GetByID(_ context.Context, id string) (*models.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("download", id)
	}
	copied := *job
	return &copied, nil
}

func (s *fakeDownloadStore) ListByUser(_ context.Context, userID string, limit int) ([]*models.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DownloadJob
	for _, job := range s.jobs {
		if job.UserID == userID && len(out) < limit {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeDownloadStore) ListCompletedByUser(_ context.Context, userID string) ([]*models.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DownloadJob
	for _, job := range s.jobs {
		if job.UserID == userID && job.State == types.JobCompleted {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeDownloadStore) SetArchived(_ context.Context, id string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return apperrors.NewNotFoundError("download", id)
	}
	job.Archived = archived
	if archived {
		job.ScheduledDeletion = nil
	}
	return nil
}

type stubWorker struct {
	submitID  string
	submitErr error
	lastReq   *extractor.SubmitRequest
	cancelled []string
}

func (w *stubWorker) Submit(_ context.Context, req *extractor.SubmitRequest) (string, error) {
	w.lastReq = req
	return w.submitID, w.submitErr
}

func (w *stubWorker) Status(context.Context, string) (*extractor.JobStatus, error) {
	return nil, errors.New("not implemented")
}

func (w *stubWorker) Cancel(_ context.Context, jobID string) error {
	w.cancelled = append(w.cancelled, jobID)
	return nil
}

func (w *stubWorker) ListFiles(context.Context, string) ([]extractor.FileInfo, error) {
	return nil, errors.New("not implemented")
}

func (w *stubWorker) FetchFile(context.Context, string, string) (io.ReadCloser, int64, error) {
	return nil, 0, errors.New("not implemented")
}

type stubCanceller struct {
	cancelled []string
}

func (c *stubCanceller) Cancel(_ context.Context, jobID string) error {
	c.cancelled = append(c.cancelled, jobID)
	return nil
}

type stubRecomputer struct {
	users []string
}

func (r *stubRecomputer) RecomputeRetention(_ context.Context, userID string) (*models.RetentionResult, error) {
	r.users = append(r.users, userID)
	return &models.RetentionResult{UserID: userID}, nil
}

type stubProgress struct{}

func (stubProgress) WithFallback(_ context.Context, jobID string, state types.JobState) (*types.ProgressSnapshot, error) {
	return &types.ProgressSnapshot{JobID: jobID, Percentage: 42, Phase: "Download"}, nil
}

type stubSigner struct{}

func (stubSigner) PresignURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://store.local/presigned/" + key, nil
}

func newService(t *testing.T, store DownloadStore, worker extractor.Client, canceller JobCanceller, retention RetentionRecomputer, progress ProgressReader, signer URLSigner) *DownloadService {
	t.Helper()
	svc, err := NewDownloadService(store, worker, nil, canceller, retention, progress, signer)
	require.NoError(t, err)
	return svc
}

func completedDownload(id, userID string) *models.DownloadJob {
	key := "objects/" + id + ".mp4"
	size := int64(1000)
	return &models.DownloadJob{
		ID:         id,
		UserID:     userID,
		State:      types.JobCompleted,
		Progress:   100,
		StorageKey: &key,
		FileSize:   &size,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

func TestSubmit(t *testing.T) {
	t.Run("valid request creates a pending record", func(t *testing.T) {
		store := newFakeDownloadStore()
		worker := &stubWorker{submitID: "wk-1"}
		svc := newService(t, store, worker, nil, nil, nil, nil)

		job, err := svc.Submit(context.Background(), &SubmitInput{
			UserID:   "user-1",
			URL:      "https://video.example/watch?v=abc",
			FileKind: types.FileKindVideo,
		})
		require.NoError(t, err)
		assert.Equal(t, "wk-1", job.ID)
		assert.Equal(t, types.JobPending, job.State)
		assert.Equal(t, types.QualityBest, job.Quality)

		require.NotNil(t, worker.lastReq)
		assert.NotEmpty(t, worker.lastReq.RequestID)

		stored, err := store.GetByID(context.Background(), "wk-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", stored.UserID)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		svc := newService(t, newFakeDownloadStore(), &stubWorker{submitID: "wk-1"}, nil, nil, nil, nil)

		cases := []struct {
			name  string
			input *SubmitInput
		}{
			{"missing user", &SubmitInput{URL: "https://x.example/v", FileKind: types.FileKindVideo}},
			{"bad scheme", &SubmitInput{UserID: "u", URL: "ftp://x.example/v", FileKind: types.FileKindVideo}},
			{"no host", &SubmitInput{UserID: "u", URL: "https://", FileKind: types.FileKindVideo}},
			{"bad kind", &SubmitInput{UserID: "u", URL: "https://x.example/v", FileKind: "document"}},
			{"bad quality", &SubmitInput{UserID: "u", URL: "https://x.example/v", FileKind: types.FileKindVideo, Quality: "ultra"}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := svc.Submit(context.Background(), tc.input)
				assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation), "expected validation error, got %v", err)
			})
		}
	})

	t.Run("persist failure cancels the worker job", func(t *testing.T) {
		store := newFakeDownloadStore()
		store.createErr = errors.New("connection refused")
		worker := &stubWorker{submitID: "wk-1"}
		svc := newService(t, store, worker, nil, nil, nil, nil)

		_, err := svc.Submit(context.Background(), &SubmitInput{
			UserID:   "user-1",
			URL:      "https://video.example/watch?v=abc",
			FileKind: types.FileKindVideo,
		})
		require.Error(t, err)
		assert.Equal(t, []string{"wk-1"}, worker.cancelled)
	})
}

func TestGet(t *testing.T) {
	t.Run("attaches live progress to in-flight jobs", func(t *testing.T) {
		job := completedDownload("job-1", "user-1")
		job.State = types.JobProcessing
		job.StorageKey = nil
		store := newFakeDownloadStore(job)
		svc := newService(t, store, &stubWorker{}, nil, nil, stubProgress{}, nil)

		view, err := svc.Get(context.Background(), "user-1", "job-1")
		require.NoError(t, err)
		require.NotNil(t, view.LiveProgress)
		assert.Equal(t, 42, view.LiveProgress.Percentage)
	})

	t.Run("terminal jobs carry no live progress", func(t *testing.T) {
		store := newFakeDownloadStore(completedDownload("job-1", "user-1"))
		svc := newService(t, store, &stubWorker{}, nil, nil, stubProgress{}, nil)

		view, err := svc.Get(context.Background(), "user-1", "job-1")
		require.NoError(t, err)
		assert.Nil(t, view.LiveProgress)
	})

	t.Run("other users cannot see the job", func(t *testing.T) {
		store := newFakeDownloadStore(completedDownload("job-1", "user-1"))
		svc := newService(t, store, &stubWorker{}, nil, nil, nil, nil)

		_, err := svc.Get(context.Background(), "user-2", "job-1")
		assert.True(t, apperrors.IsCategory(err, apperrors.CategoryNotFound))
	})
}

func TestCancelService(t *testing.T) {
	t.Run("delegates to the canceller", func(t *testing.T) {
		job := completedDownload("job-1", "user-1")
		job.State = types.JobProcessing
		job.StorageKey = nil
		store := newFakeDownloadStore(job)
		canceller := &stubCanceller{}
		svc := newService(t, store, &stubWorker{}, canceller, nil, nil, nil)

		require.NoError(t, svc.Cancel(context.Background(), "user-1", "job-1"))
		assert.Equal(t, []string{"job-1"}, canceller.cancelled)
	})

	t.Run("rejects terminal jobs", func(t *testing.T) {
		store := newFakeDownloadStore(completedDownload("job-1", "user-1"))
		canceller := &stubCanceller{}
		svc := newService(t, store, &stubWorker{}, canceller, nil, nil, nil)

		err := svc.Cancel(context.Background(), "user-1", "job-1")
		assert.True(t, apperrors.IsCategory(err, apperrors.CategoryTerminalJob))
		assert.Empty(t, canceller.cancelled)
	})
}

func TestArchiveLifecycle(t *testing.T) {
	t.Run("archive pins and recomputes retention", func(t *testing.T) {
		job := completedDownload("job-1", "user-1")
		due := time.Now().Add(time.Hour)
		job.ScheduledDeletion = &due
		store := newFakeDownloadStore(job)
		recomputer := &stubRecomputer{}
		svc := newService(t, store, &stubWorker{}, nil, recomputer, nil, nil)

		require.NoError(t, svc.Archive(context.Background(), "user-1", "job-1"))

		stored, err := store.GetByID(context.Background(), "job-1")
		require.NoError(t, err)
		assert.True(t, stored.Archived)
		assert.Nil(t, stored.ScheduledDeletion)
		assert.Equal(t, []string{"user-1"}, recomputer.users)
	})

	t.Run("archive rejects jobs without an artifact", func(t *testing.T) {
		job := completedDownload("job-1", "user-1")
		job.StorageKey = nil
		store := newFakeDownloadStore(job)
		svc := newService(t, store, &stubWorker{}, nil, nil, nil, nil)

		err := svc.Archive(context.Background(), "user-1", "job-1")
		assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
	})

	t.Run("unarchive returns the job to the quota pool", func(t *testing.T) {
		job := completedDownload("job-1", "user-1")
		job.Archived = true
		store := newFakeDownloadStore(job)
		recomputer := &stubRecomputer{}
		svc := newService(t, store, &stubWorker{}, nil, recomputer, nil, nil)

		require.NoError(t, svc.Unarchive(context.Background(), "user-1", "job-1"))

		stored, err := store.GetByID(context.Background(), "job-1")
		require.NoError(t, err)
		assert.False(t, stored.Archived)
		assert.Equal(t, []string{"user-1"}, recomputer.users)
	})
}

func TestDownloadLink(t *testing.T) {
	store := newFakeDownloadStore(completedDownload("job-1", "user-1"))
	svc := newService(t, store, &stubWorker{}, nil, nil, nil, stubSigner{})

	link, err := svc.DownloadLink(context.Background(), "user-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "https://store.local/presigned/objects/job-1.mp4", link)
}
