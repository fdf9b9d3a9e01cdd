package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicWorker_RunsTaskOnInterval(t *testing.T) {
	var runs int64
	w, err := NewPeriodicWorker("test", 10*time.Millisecond, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
}

func TestPeriodicWorker_TaskErrorsDoNotStopTheLoop(t *testing.T) {
	var runs int64
	w, err := NewPeriodicWorker("flaky", 10*time.Millisecond, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return errors.New("transient failure")
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
}

func TestPeriodicWorker_DoubleStartIsRejected(t *testing.T) {
	w, err := NewPeriodicWorker("test", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
}

func TestPeriodicWorker_StopWithoutStart(t *testing.T) {
	w, err := NewPeriodicWorker("test", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)

	assert.Error(t, w.Stop(context.Background()))
}

func TestNewPeriodicWorker_Validation(t *testing.T) {
	_, err := NewPeriodicWorker("", time.Minute, func(context.Context) error { return nil })
	assert.Error(t, err)

	_, err = NewPeriodicWorker("test", 0, func(context.Context) error { return nil })
	assert.Error(t, err)

	_, err = NewPeriodicWorker("test", time.Minute, nil)
	assert.Error(t, err)
}
