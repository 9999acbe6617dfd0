package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow-io/secflow/pkg/a2a"
	"github.com/secflow-io/secflow/pkg/resilience"
)

func fastPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0

	err := resilience.Do(context.Background(), fastPolicy(), func(_ context.Context) error {
		calls++

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	calls := 0

	err := resilience.Do(context.Background(), fastPolicy(), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: flaky", a2a.ErrUnreachable)
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()

	calls := 0

	err := resilience.Do(context.Background(), fastPolicy(), func(_ context.Context) error {
		calls++

		return fmt.Errorf("%w: still down", a2a.ErrTimedOut)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, a2a.ErrTimedOut)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	t.Parallel()

	calls := 0

	err := resilience.Do(context.Background(), fastPolicy(), func(_ context.Context) error {
		calls++

		return fmt.Errorf("%w: schema mismatch", a2a.ErrBadRequest)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors must not consume the attempt budget")
	assert.ErrorIs(t, err, a2a.ErrBadRequest)
}

func TestDoHonoursContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	policy := fastPolicy()
	policy.InitialBackoff = time.Minute

	errCh := make(chan error, 1)

	go func() {
		errCh <- resilience.Do(ctx, policy, func(_ context.Context) error {
			return fmt.Errorf("%w: down", a2a.ErrUnreachable)
		})
	}()

	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestRetryableClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, a2a.Retryable(a2a.ErrTimedOut))
	assert.True(t, a2a.Retryable(a2a.ErrUnreachable))
	assert.True(t, a2a.Retryable(a2a.ErrQueueUnavailable))
	assert.False(t, a2a.Retryable(a2a.ErrBadRequest))
	assert.False(t, a2a.Retryable(a2a.ErrUnauthorized))
	assert.False(t, a2a.Retryable(errors.New("unclassified")))
}
