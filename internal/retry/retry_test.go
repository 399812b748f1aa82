package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingTimes(k int, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= k {
			return errBoom
		}
		return nil
	}
}

func TestDo_SucceedsWithinBudget(t *testing.T) {
	for _, tc := range []struct{ retries, failures int }{{3, 0}, {3, 2}, {3, 3}, {0, 0}} {
		calls := 0
		err := Do(context.Background(), Policy{Retries: tc.retries, Delay: time.Millisecond}, failingTimes(tc.failures, &calls))
		require.NoError(t, err, "retries=%d failures=%d", tc.retries, tc.failures)
		assert.Equal(t, tc.failures+1, calls)
	}
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	for _, tc := range []struct{ retries, failures int }{{0, 1}, {2, 3}, {3, 10}} {
		calls := 0
		err := Do(context.Background(), Policy{Retries: tc.retries, Delay: time.Millisecond}, failingTimes(tc.failures, &calls))
		require.Error(t, err)
		assert.ErrorIs(t, err, errBoom)
		assert.ErrorIs(t, err, ErrRetryExhausted)
		assert.Equal(t, tc.retries+1, calls)
	}
}

func TestDo_NegativeRetriesMakesOneAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Retries: -4}, failingTimes(5, &calls))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestDo_ConstantDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), Policy{Retries: 2, Delay: 20 * time.Millisecond}, failingTimes(2, &calls))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	errBad := errors.New("bad json")
	err := Do(context.Background(), Default("test"), func(context.Context) error {
		calls++
		return Permanent(errBad)
	})
	require.ErrorIs(t, err, errBad)
	assert.False(t, IsPermanent(err))
	assert.NotErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	calls := 0
	err := Do(ctx, Policy{Retries: 5, Delay: time.Second}, failingTimes(10, &calls))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), Policy{Retries: 1}, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errBoom
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}
