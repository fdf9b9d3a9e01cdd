// Package progress caches the most recently observed progress snapshot per
// job. The extraction worker is the authoritative source; the cache papers
// over windows where it is unreachable or rate-limited, and guarantees that
// progress never visibly regresses to a consumer.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/media-vault/internal/storage"
	"github.com/media-vault/internal/types"
)

// DefaultTTL is how long a snapshot stays usable without a fresh write
const DefaultTTL = 24 * time.Hour

// Phase names of the synthesized fallback structure, in order
var fallbackPhases = []string{"Queue", "Extract Info", "Download", "Process", "Complete"}

// Cache stores per-job progress snapshots with a fixed expiry
type Cache struct {
	redis *storage.RedisCache
	ttl   time.Duration
}

// NewCache creates a progress cache. A non-positive ttl falls back to DefaultTTL.
func NewCache(redisCache *storage.RedisCache, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{redis: redisCache, ttl: ttl}
}

func cacheKey(jobID string) string {
	return fmt.Sprintf("progress:%s", jobID)
}

// Get returns the cached snapshot, or nil if none exists or it expired
func (c *Cache) Get(ctx context.Context, jobID string) (*types.ProgressSnapshot, error) {
	data, err := c.redis.Get(ctx, cacheKey(jobID))
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read progress cache: %w", err)
	}

	var snapshot types.ProgressSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress snapshot: %w", err)
	}

	return &snapshot, nil
}

// Set overwrites the cached snapshot unconditionally
func (c *Cache) Set(ctx context.Context, snapshot *types.ProgressSnapshot) error {
	if snapshot.ObservedAt.IsZero() {
		snapshot.ObservedAt = time.Now()
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal progress snapshot: %w", err)
	}

	return c.redis.Set(ctx, cacheKey(snapshot.JobID), data, c.ttl)
}

// MergeAuthoritative merges a server-reported snapshot into the cache. The
// server snapshot is adopted unless the cache already holds a higher
// percentage; progress must never regress. Returns the winning snapshot.
func (c *Cache) MergeAuthoritative(ctx context.Context, jobID string, server *types.ProgressSnapshot) (*types.ProgressSnapshot, error) {
	cached, err := c.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if cached != nil && server.Percentage < cached.Percentage {
		return cached, nil
	}

	server.JobID = jobID
	if err := c.Set(ctx, server); err != nil {
		return nil, err
	}

	return server, nil
}

// WithFallback returns the cached snapshot if one exists, otherwise a
// synthesized default structure consistent with the job's coarse state, so
// consumers always receive a well-formed progress object.
func (c *Cache) WithFallback(ctx context.Context, jobID string, state types.JobState) (*types.ProgressSnapshot, error) {
	cached, err := c.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	return DefaultSnapshot(jobID, state), nil
}

// Evict drops the cache entry for a job. Called when the job reaches a
// terminal state.
func (c *Cache) Evict(ctx context.Context, jobID string) error {
	return c.redis.Del(ctx, cacheKey(jobID))
}

// DefaultSnapshot synthesizes the 5-phase progress structure for a job whose
// real progress has not been observed yet
func DefaultSnapshot(jobID string, state types.JobState) *types.ProgressSnapshot {
	snapshot := &types.ProgressSnapshot{
		JobID:      jobID,
		ObservedAt: time.Now(),
		Phases:     make([]types.ProgressPhase, len(fallbackPhases)),
	}

	// activeIndex marks the phase the coarse state maps to; everything before
	// is done, everything after pending.
	var activeIndex int
	switch state {
	case types.JobPending:
		activeIndex = 0
		snapshot.Percentage = 0
		snapshot.Phase = fallbackPhases[0]
	case types.JobProcessing:
		activeIndex = 2
		snapshot.Percentage = 5
		snapshot.Phase = fallbackPhases[2]
	case types.JobCompleted:
		activeIndex = len(fallbackPhases)
		snapshot.Percentage = 100
		snapshot.Phase = fallbackPhases[len(fallbackPhases)-1]
	case types.JobFailed:
		activeIndex = -1
		snapshot.Percentage = 0
		snapshot.Phase = ""
	}

	for i, name := range fallbackPhases {
		status := types.PhasePending
		switch {
		case activeIndex == -1:
			status = types.PhaseSkipped
		case i < activeIndex:
			status = types.PhaseDone
		case i == activeIndex:
			status = types.PhaseActive
		}
		snapshot.Phases[i] = types.ProgressPhase{Name: name, Status: status}
	}

	return snapshot
}
