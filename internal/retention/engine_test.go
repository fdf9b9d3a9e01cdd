package retention

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/media-vault/internal/models"
	"github.com/media-vault/internal/types"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*models.DownloadJob
}

func newFakeStore(jobs ...*models.DownloadJob) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*models.DownloadJob)}
	for _, j := range jobs {
		copied := *j
		s.jobs[j.ID] = &copied
	}
	return s
}

func (s *fakeStore) ListCompletedByUser(_ context.Context, userID string) ([]*models.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DownloadJob
	for _, job := range s.jobs {
		if job.UserID == userID && job.State == types.JobCompleted {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) SetScheduledDeletion(_ context.Context, ids []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok || job.Archived {
			continue
		}
		when := at
		job.ScheduledDeletion = &when
		n++
	}
	return n, nil
}

func (s *fakeStore) ClearScheduledDeletion(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if job, ok := s.jobs[id]; ok && job.ScheduledDeletion != nil {
			job.ScheduledDeletion = nil
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListDueForCleanup(_ context.Context, now time.Time, limit int) ([]*models.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DownloadJob
	for _, job := range s.jobs {
		if job.State != types.JobCompleted || job.Archived || job.StorageKey == nil {
			continue
		}
		if job.ScheduledDeletion == nil || job.ScheduledDeletion.After(now) {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledDeletion.Before(*out[j].ScheduledDeletion) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ListCompletedOlderThan(_ context.Context, cutoff time.Time, limit int) ([]*models.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DownloadJob
	for _, job := range s.jobs {
		if job.State != types.JobCompleted || job.Archived || job.StorageKey == nil {
			continue
		}
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ClearArtifact(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errors.New("download not found")
	}
	job.StorageKey = nil
	job.StorageURL = nil
	job.FileSize = nil
	job.ScheduledDeletion = nil
	return nil
}

func (s *fakeStore) UsersOverQuota(_ context.Context, keep int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, job := range s.jobs {
		if job.State == types.JobCompleted && !job.Archived {
			counts[job.UserID]++
		}
	}
	var out []string
	for userID, n := range counts {
		if n > keep {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fakeStore) get(t *testing.T, id string) *models.DownloadJob {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	require.True(t, ok, "job %s missing", id)
	copied := *job
	return &copied
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
	failKey string
}

func (d *fakeDeleter) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key == d.failKey {
		return errors.New("access denied")
	}
	d.deleted = append(d.deleted, key)
	return nil
}

// blockingStore stalls the first ListCompletedByUser call until the context
// is cancelled or release is closed.
type blockingStore struct {
	*fakeStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) ListCompletedByUser(ctx context.Context, userID string) ([]*models.DownloadJob, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return s.fakeStore.ListCompletedByUser(ctx, userID)
}

func completedJob(id, userID string, createdAt time.Time, size int64, archived bool) *models.DownloadJob {
	key := "objects/" + id + ".mp4"
	return &models.DownloadJob{
		ID:         id,
		UserID:     userID,
		State:      types.JobCompleted,
		Progress:   100,
		StorageKey: &key,
		FileSize:   &size,
		Archived:   archived,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func newTestEngine(t *testing.T, store Store, deleter ObjectDeleter, cfg *Config) *Engine {
	t.Helper()
	engine, err := NewEngine(store, deleter, nil, cfg)
	require.NoError(t, err)
	return engine
}

func TestRecomputeRetention(t *testing.T) {
	now := time.Now()

	t.Run("marks everything beyond the keep window", func(t *testing.T) {
		var jobs []*models.DownloadJob
		for i := 0; i < 7; i++ {
			jobs = append(jobs, completedJob(
				"job-"+string(rune('a'+i)), "user-1",
				now.Add(-time.Duration(i)*time.Hour), 1000, false,
			))
		}
		store := newFakeStore(jobs...)
		engine := newTestEngine(t, store, &fakeDeleter{}, nil)
		engine.SetClock(func() time.Time { return now })

		result, err := engine.RecomputeRetention(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, 2, result.MarkedForCleanup)

		// The two oldest carry a schedule, the newest five do not.
		assert.NotNil(t, store.get(t, "job-f").ScheduledDeletion)
		assert.NotNil(t, store.get(t, "job-g").ScheduledDeletion)
		for _, id := range []string{"job-a", "job-b", "job-c", "job-d", "job-e"} {
			assert.Nil(t, store.get(t, id).ScheduledDeletion, id)
		}
	})

	t.Run("idempotent on repeat", func(t *testing.T) {
		var jobs []*models.DownloadJob
		for i := 0; i < 7; i++ {
			jobs = append(jobs, completedJob(
				"job-"+string(rune('a'+i)), "user-1",
				now.Add(-time.Duration(i)*time.Hour), 1000, false,
			))
		}
		store := newFakeStore(jobs...)
		engine := newTestEngine(t, store, &fakeDeleter{}, nil)

		first, err := engine.RecomputeRetention(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, 2, first.MarkedForCleanup)

		second, err := engine.RecomputeRetention(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, 0, second.MarkedForCleanup)
	})

	t.Run("archived downloads neither count nor get marked", func(t *testing.T) {
		// 5 archived plus 7 regular: only the 2 oldest regular are marked.
		var jobs []*models.DownloadJob
		for i := 0; i < 5; i++ {
			jobs = append(jobs, completedJob(
				"archived-"+string(rune('a'+i)), "user-1",
				now.Add(-time.Duration(i)*time.Minute), 1000, true,
			))
		}
		for i := 0; i < 7; i++ {
			jobs = append(jobs, completedJob(
				"regular-"+string(rune('a'+i)), "user-1",
				now.Add(-time.Duration(i+10)*time.Hour), 1000, false,
			))
		}
		store := newFakeStore(jobs...)
		engine := newTestEngine(t, store, &fakeDeleter{}, nil)

		result, err := engine.RecomputeRetention(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, 2, result.MarkedForCleanup)

		for i := 0; i < 5; i++ {
			id := "archived-" + string(rune('a'+i))
			assert.Nil(t, store.get(t, id).ScheduledDeletion, id)
		}
		assert.NotNil(t, store.get(t, "regular-f").ScheduledDeletion)
		assert.NotNil(t, store.get(t, "regular-g").ScheduledDeletion)
	})

	t.Run("clears stale marks when a job re-enters the keep window", func(t *testing.T) {
		var jobs []*models.DownloadJob
		for i := 0; i < 6; i++ {
			jobs = append(jobs, completedJob(
				"job-"+string(rune('a'+i)), "user-1",
				now.Add(-time.Duration(i)*time.Hour), 1000, false,
			))
		}
		store := newFakeStore(jobs...)
		engine := newTestEngine(t, store, &fakeDeleter{}, nil)

		_, err := engine.RecomputeRetention(context.Background(), "user-1")
		require.NoError(t, err)
		require.NotNil(t, store.get(t, "job-f").ScheduledDeletion)

		// Archiving the newest shrinks the regular set back to five, so the
		// previously marked one re-enters the keep window.
		store.mu.Lock()
		store.jobs["job-a"].Archived = true
		store.mu.Unlock()

		result, err := engine.RecomputeRetention(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, 0, result.MarkedForCleanup)
		assert.Nil(t, store.get(t, "job-f").ScheduledDeletion)
	})

	t.Run("under quota marks nothing", func(t *testing.T) {
		store := newFakeStore(
			completedJob("job-a", "user-1", now, 1000, false),
			completedJob("job-b", "user-1", now.Add(-time.Hour), 1000, false),
		)
		engine := newTestEngine(t, store, &fakeDeleter{}, nil)

		result, err := engine.RecomputeRetention(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, 0, result.MarkedForCleanup)
	})
}

func TestRunBatchCleanup(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	t.Run("deletes due artifacts and accounts bytes", func(t *testing.T) {
		var jobs []*models.DownloadJob
		for i := 0; i < 4; i++ {
			job := completedJob("job-"+string(rune('a'+i)), "user-1", now.Add(-time.Duration(i+1)*time.Hour), 2500, false)
			job.ScheduledDeletion = &past
			jobs = append(jobs, job)
		}
		store := newFakeStore(jobs...)
		deleter := &fakeDeleter{}
		engine := newTestEngine(t, store, deleter, nil)
		engine.SetClock(func() time.Time { return now })

		run, err := engine.RunBatchCleanup(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, run.ProcessedDownloads)
		assert.Equal(t, 4, run.CleanedFiles)
		assert.Equal(t, int64(10000), run.BytesFreed)
		assert.Empty(t, run.Errors)
		assert.Len(t, deleter.deleted, 4)

		for i := 0; i < 4; i++ {
			job := store.get(t, "job-"+string(rune('a'+i)))
			assert.Nil(t, job.StorageKey)
			assert.Equal(t, types.JobCompleted, job.State)
		}
	})

	t.Run("one failing item does not abort the run", func(t *testing.T) {
		var jobs []*models.DownloadJob
		for i := 0; i < 10; i++ {
			job := completedJob("job-"+string(rune('a'+i)), "user-1", now.Add(-time.Duration(i+1)*time.Hour), 1000, false)
			job.ScheduledDeletion = &past
			jobs = append(jobs, job)
		}
		store := newFakeStore(jobs...)
		deleter := &fakeDeleter{failKey: "objects/job-e.mp4"}
		// One iteration only so the failing item is not retried within the run.
		engine := newTestEngine(t, store, deleter, &Config{BatchSize: 10, MaxIterations: 1})
		engine.SetClock(func() time.Time { return now })

		run, err := engine.RunBatchCleanup(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 10, run.ProcessedDownloads)
		assert.Equal(t, 9, run.CleanedFiles)
		assert.Equal(t, int64(9000), run.BytesFreed)
		require.Len(t, run.Errors, 1)
		assert.Equal(t, "job-e", run.Errors[0].JobID)

		// The failed item keeps its artifact pointer and schedule for retry.
		failed := store.get(t, "job-e")
		assert.NotNil(t, failed.StorageKey)
		assert.NotNil(t, failed.ScheduledDeletion)
	})

	t.Run("not yet due items are left alone", func(t *testing.T) {
		future := now.Add(30 * time.Minute)
		job := completedJob("job-a", "user-1", now.Add(-time.Hour), 1000, false)
		job.ScheduledDeletion = &future
		store := newFakeStore(job)
		engine := newTestEngine(t, store, &fakeDeleter{}, nil)
		engine.SetClock(func() time.Time { return now })

		run, err := engine.RunBatchCleanup(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, run.ProcessedDownloads)
		assert.NotNil(t, store.get(t, "job-a").StorageKey)
	})
}

func TestMaintainAllUserQuotas(t *testing.T) {
	now := time.Now()

	var jobs []*models.DownloadJob
	for _, userID := range []string{"user-1", "user-2"} {
		for i := 0; i < 8; i++ {
			jobs = append(jobs, completedJob(
				userID+"-job-"+string(rune('a'+i)), userID,
				now.Add(-time.Duration(i)*time.Hour), 1000, false,
			))
		}
	}
	// Under quota, must not be touched.
	jobs = append(jobs, completedJob("user-3-job-a", "user-3", now, 1000, false))

	store := newFakeStore(jobs...)
	engine := newTestEngine(t, store, &fakeDeleter{}, &Config{QuotaWorkers: 2})
	engine.SetClock(func() time.Time { return now })

	report, err := engine.MaintainAllUserQuotas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.UsersInspected)
	assert.Equal(t, 6, report.MarkedForCleanup)
	assert.Empty(t, report.Errors)
	assert.Nil(t, store.get(t, "user-3-job-a").ScheduledDeletion)
}

// Cancelling mid-sweep must yield a prompt partial report, not a collector
// stuck waiting for results that were never dispatched.
func TestMaintainAllUserQuotas_CancellationReturnsPromptly(t *testing.T) {
	now := time.Now()

	var jobs []*models.DownloadJob
	for u := 0; u < 6; u++ {
		userID := "user-" + string(rune('a'+u))
		for i := 0; i < 8; i++ {
			jobs = append(jobs, completedJob(
				userID+"-job-"+string(rune('a'+i)), userID,
				now.Add(-time.Duration(i)*time.Hour), 1000, false,
			))
		}
	}
	store := &blockingStore{
		fakeStore: newFakeStore(jobs...),
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	engine := newTestEngine(t, store, &fakeDeleter{}, &Config{QuotaWorkers: 1})
	engine.SetClock(func() time.Time { return now })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		report *models.QuotaMaintenanceReport
		runErr error
	)
	done := make(chan struct{})
	go func() {
		report, runErr = engine.MaintainAllUserQuotas(ctx)
		close(done)
	}()

	// Cancel while the first user's recompute is in flight.
	<-store.started
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("quota maintenance did not return after cancellation")
	}

	assert.ErrorIs(t, runErr, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 6, report.UsersInspected)
}

// Full retention pass with a stepped clock: marks are set with the delay,
// nothing is deleted before it elapses, and afterwards exactly the marked
// artifacts go.
func TestRetentionLifecycle_DelayedCleanup(t *testing.T) {
	start := time.Now()
	now := start

	var jobs []*models.DownloadJob
	for i := 0; i < 5; i++ {
		jobs = append(jobs, completedJob(
			"archived-"+string(rune('a'+i)), "user-1",
			start.Add(-time.Duration(i)*time.Minute), 3000, true,
		))
	}
	for i := 0; i < 7; i++ {
		jobs = append(jobs, completedJob(
			"regular-"+string(rune('a'+i)), "user-1",
			start.Add(-time.Duration(i+10)*time.Hour), 3000, false,
		))
	}
	store := newFakeStore(jobs...)
	deleter := &fakeDeleter{}
	engine := newTestEngine(t, store, deleter, nil)
	engine.SetClock(func() time.Time { return now })

	result, err := engine.RecomputeRetention(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.MarkedForCleanup)

	// Immediately after marking, nothing is due yet.
	run, err := engine.RunBatchCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, run.ProcessedDownloads)
	assert.NotNil(t, store.get(t, "regular-f").StorageKey)
	assert.NotNil(t, store.get(t, "regular-g").StorageKey)

	// Past the delay, exactly the two marked artifacts are deleted.
	now = start.Add(DefaultCleanupDelay + time.Minute)

	run, err = engine.RunBatchCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, run.ProcessedDownloads)
	assert.Equal(t, 2, run.CleanedFiles)
	assert.Equal(t, int64(6000), run.BytesFreed)
	assert.Empty(t, run.Errors)
	assert.Len(t, deleter.deleted, 2)

	assert.Nil(t, store.get(t, "regular-f").StorageKey)
	assert.Nil(t, store.get(t, "regular-g").StorageKey)
	for _, id := range []string{"regular-a", "regular-b", "regular-c", "regular-d", "regular-e"} {
		assert.NotNil(t, store.get(t, id).StorageKey, id)
	}
	for i := 0; i < 5; i++ {
		id := "archived-" + string(rune('a'+i))
		assert.NotNil(t, store.get(t, id).StorageKey, id)
	}
}

func TestEmergencyCleanup(t *testing.T) {
	now := time.Now()

	old := completedJob("old", "user-1", now.Add(-72*time.Hour), 4000, false)
	recent := completedJob("recent", "user-1", now.Add(-2*time.Hour), 4000, false)
	archivedOld := completedJob("archived-old", "user-1", now.Add(-72*time.Hour), 4000, true)

	store := newFakeStore(old, recent, archivedOld)
	deleter := &fakeDeleter{}
	engine := newTestEngine(t, store, deleter, nil)
	engine.SetClock(func() time.Time { return now })

	run, err := engine.EmergencyCleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, run.ProcessedDownloads)
	assert.Equal(t, 1, run.CleanedFiles)
	assert.Equal(t, int64(4000), run.BytesFreed)

	assert.Nil(t, store.get(t, "old").StorageKey)
	assert.NotNil(t, store.get(t, "recent").StorageKey)
	assert.NotNil(t, store.get(t, "archived-old").StorageKey)
}
