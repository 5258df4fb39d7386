package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 0.2, cfg.JitterFraction)
}

func TestRetryWithBackoff_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), fastRetryConfig(5), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), fastRetryConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_ExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := retryWithBackoff(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_ContextErrorNotRetried(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), fastRetryConfig(5), func() error {
		calls++
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_CancellationStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    time.Hour,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
	}

	done := make(chan error, 1)
	go func() {
		done <- retryWithBackoff(ctx, cfg, func() error {
			calls++
			return errors.New("transient")
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestWorkerQueue_ClampsConcurrency(t *testing.T) {
	cfg := &WorkerConfig{Queues: make(map[string]int)}
	WorkerQueue("tasks", 0).ApplyWorker(cfg)
	WorkerQueue("jobs", 4).ApplyWorker(cfg)

	assert.Equal(t, 1, cfg.Queues["tasks"])
	assert.Equal(t, 4, cfg.Queues["jobs"])
}
