// Package ratelimit provides Redis-backed request rate limiting for the API.
// Counters live in Redis so the limit holds across server replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default limiter configuration.
const (
	DefaultRequestsPerWindow = 30
	DefaultWindow            = time.Second
)

const keyPrefix = "rl:user:"

// Limiter is a fixed-window per-user request limiter
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// Config configures the limiter
type Config struct {
	RequestsPerWindow int
	Window            time.Duration
}

// NewLimiter creates a limiter backed by the given Redis client
func NewLimiter(client *redis.Client, cfg *Config) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	if cfg == nil {
		cfg = &Config{}
	}
	limit := cfg.RequestsPerWindow
	if limit <= 0 {
		limit = DefaultRequestsPerWindow
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}

	return &Limiter{client: client, limit: limit, window: window}, nil
}

// Allow reports whether the user may make another request in the current
// window. The first request in a window creates the counter with the window's
// TTL; later requests only increment it.
func (l *Limiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%d", keyPrefix, userID, time.Now().UnixNano()/int64(l.window))

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	if count == 1 {
		// Two windows of TTL so a counter never expires mid-window.
		if err := l.client.Expire(ctx, key, 2*l.window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate counter TTL: %w", err)
		}
	}

	return count <= int64(l.limit), nil
}

// Remaining returns how many requests the user has left in the current window
func (l *Limiter) Remaining(ctx context.Context, userID string) (int, error) {
	key := fmt.Sprintf("%s%s:%d", keyPrefix, userID, time.Now().UnixNano()/int64(l.window))

	count, err := l.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return l.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate counter: %w", err)
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
