package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

func testPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := testPolicy(3).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return core.ErrInfra(core.CodeStoreFailed, "locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	bad := core.ErrValidation(core.CodeEmptyFramework, "no concepts")
	err := testPolicy(3).Execute(context.Background(), func(context.Context) error {
		calls++
		return bad
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, bad)
}

func TestRetry_Exhaustion(t *testing.T) {
	calls := 0
	cause := core.ErrInfra(core.CodeBrokerFailed, "connection refused")
	err := testPolicy(3).Execute(context.Background(), func(context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, cause, "cause stays reachable through Unwrap")
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := testPolicy(3).Execute(ctx, func(context.Context) error {
		return core.ErrInfra(core.CodeStoreFailed, "never reached")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_DelayGrowthIsCapped(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		Multiplier:  2.0,
	}
	assert.Equal(t, 10*time.Millisecond, p.CalculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 40*time.Millisecond, p.CalculateDelay(3))
	assert.Equal(t, 40*time.Millisecond, p.CalculateDelay(8), "capped at MaxDelay")
}

func TestRetry_TimeoutErrorsAreRetryable(t *testing.T) {
	calls := 0
	err := testPolicy(2).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return core.ErrTimeout("agent deadline exceeded")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_PlainErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := testPolicy(3).Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New("unclassified")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
