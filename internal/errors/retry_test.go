package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return Validation("malformed feed url")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsValidation(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return Transient("always down")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial try + 3 retries
	assert.Contains(t, err.Error(), "max retries")
	assert.True(t, IsRetryable(err))
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Timeout("slow upstream")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return Transient("keep going")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, JitterFactor: 0}

	d0 := backoffDelay(0, cfg)
	d1 := backoffDelay(1, cfg)
	d2 := backoffDelay(2, cfg)
	d4 := backoffDelay(4, cfg)

	assert.Equal(t, 10*time.Millisecond, d0)
	assert.Equal(t, 20*time.Millisecond, d1)
	assert.Equal(t, 40*time.Millisecond, d2)
	assert.Equal(t, 50*time.Millisecond, d4) // capped
}

func TestBackoffDelayJitterStaysInBounds(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.25}
	for i := 0; i < 100; i++ {
		d := backoffDelay(1, cfg)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestRetryWrapsLastError(t *testing.T) {
	sentinel := fmt.Errorf("sentinel failure")
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		return Wrap(KindTransient, sentinel, "fetch")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}
