// Package worker runs the background maintenance loops: the reconciliation
// sweep, the cleanup sweep and quota maintenance. Each loop is a
// PeriodicWorker driving one task on a fixed interval.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/media-vault/internal/logging"
)

// Task is one unit of periodic work. Errors are logged, never fatal; the
// next tick retries.
type Task func(ctx context.Context) error

// PeriodicWorker runs a named task on a fixed interval
type PeriodicWorker struct {
	name     string
	interval time.Duration
	task     Task

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastRun time.Time
}

// NewPeriodicWorker creates a periodic worker
func NewPeriodicWorker(name string, interval time.Duration, task Task) (*PeriodicWorker, error) {
	if name == "" {
		return nil, fmt.Errorf("worker name cannot be empty")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("worker interval must be positive")
	}
	if task == nil {
		return nil, fmt.Errorf("worker task cannot be nil")
	}

	return &PeriodicWorker{
		name:     name,
		interval: interval,
		task:     task,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins the worker loop
func (w *PeriodicWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is already running", w.name)
	}
	w.running = true
	w.mu.Unlock()

	logging.WithFields(map[string]interface{}{
		"worker":   w.name,
		"interval": w.interval.String(),
	}).Info("Starting worker")

	go w.loop(ctx)

	return nil
}

// Stop gracefully stops the worker, waiting for an in-flight task to finish
func (w *PeriodicWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is not running", w.name)
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		logging.WithField("worker", w.name).Info("Worker stopped")
	case <-ctx.Done():
		logging.WithField("worker", w.name).Warn("Worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

// LastRun returns when the task last started. Zero before the first tick.
func (w *PeriodicWorker) LastRun() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRun
}

func (w *PeriodicWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.lastRun = time.Now()
			w.mu.Unlock()

			if err := w.task(ctx); err != nil {
				logging.WithError(err).WithField("worker", w.name).Warn("Worker task failed")
			}
		}
	}
}
