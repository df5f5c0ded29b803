package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastBatchRetry mirrors the scheduler's batch retry with test-sized delays.
func fastBatchRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		ShouldRetry:  IsRetryable,
	}
}

func TestRetry_RetriesStoreTimeoutUntilCommit(t *testing.T) {
	// Given: a bulk call that times out twice, then commits
	attempts := 0
	bulk := func() error {
		attempts++
		if attempts < 3 {
			return New(ErrCodeStoreTimeout, "bulk commit to live_1 timed out", context.DeadlineExceeded)
		}
		return nil
	}

	// When: retrying with the scheduler's predicate
	err := Retry(context.Background(), fastBatchRetry(3), bulk)

	// Then: the third attempt wins
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_GivesUpWithLastStoreError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastBatchRetry(2), func() error {
		attempts++
		return Transient("store unreachable", nil)
	})

	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestRetry_CallerErrorsAreNotRetried(t *testing.T) {
	tests := map[string]error{
		"index not found": IndexNotFound("live_x"),
		"invalid input":   ValidationError("empty identifier", nil),
		"plain error":     fmt.Errorf("no keeper error in chain"),
	}
	for name, cause := range tests {
		t.Run(name, func(t *testing.T) {
			attempts := 0
			err := Retry(context.Background(), fastBatchRetry(5), func() error {
				attempts++
				return cause
			})

			assert.Equal(t, 1, attempts)
			assert.Same(t, cause, err, "a non-retryable error comes back unwrapped")
		})
	}
}

func TestRetry_WrappedRetryableErrorIsRetried(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastBatchRetry(1), func() error {
		attempts++
		return fmt.Errorf("batch b1: %w", New(ErrCodeStoreTimeout, "timed out", nil))
	})

	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, ErrStoreTimeout)
}

func TestRetry_OnRetryReportsAttempts(t *testing.T) {
	var seen []int
	cfg := fastBatchRetry(3)
	cfg.OnRetry = func(attempt int, err error) {
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		seen = append(seen, attempt)
	}

	_ = Retry(context.Background(), cfg, func() error { return Transient("down", nil) })

	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetry_StopsWhenContextEnds(t *testing.T) {
	// Given: a long backoff and a context cancelled during the first wait
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastBatchRetry(5)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	cfg.OnRetry = func(int, error) { cancel() }

	attempts := 0
	start := time.Now()
	err := Retry(ctx, cfg, func() error {
		attempts++
		return Transient("down", nil)
	})

	// Then: the wait is abandoned at once
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Retry(ctx, fastBatchRetry(3), func() error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRetry_BackoffDoublesUpToCap(t *testing.T) {
	// Given: 10ms initial delay capped at 25ms, no jitter
	cfg := RetryConfig{
		MaxRetries:   4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
		Multiplier:   2,
	}
	var stamps []time.Time
	cfg.OnRetry = func(int, error) { stamps = append(stamps, time.Now()) }

	start := time.Now()
	_ = Retry(context.Background(), cfg, func() error { return Transient("down", nil) })
	elapsed := time.Since(start)

	// Then: waits are 10, 20, 25, 25ms
	require.Len(t, stamps, 4)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRetryWithResult_ReturnsGroupID(t *testing.T) {
	attempts := 0
	id, err := RetryWithResult(context.Background(), fastEnqueueRetry(3), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", Newf(ErrCodeQueueSaturated, "queue holds 100 of 100 tasks")
		}
		return "g-42", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "g-42", id)
	assert.Equal(t, 2, attempts)
}

func TestEnqueueRetryConfig_OnlyRetriesSaturation(t *testing.T) {
	cfg := EnqueueRetryConfig(10)

	assert.Equal(t, 10, cfg.MaxRetries)
	assert.True(t, cfg.Jitter)
	assert.True(t, cfg.ShouldRetry(Newf(ErrCodeQueueSaturated, "full")))
	assert.True(t, cfg.ShouldRetry(fmt.Errorf("enqueue: %w", ErrQueueSaturated)))
	// A store outage is retryable for batches but not for enqueueing.
	assert.False(t, cfg.ShouldRetry(Transient("store unreachable", nil)))
	assert.False(t, cfg.ShouldRetry(context.Canceled))
}

// fastEnqueueRetry keeps the enqueue predicate with test-sized delays.
func fastEnqueueRetry(maxRetries int) RetryConfig {
	cfg := EnqueueRetryConfig(maxRetries)
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}
