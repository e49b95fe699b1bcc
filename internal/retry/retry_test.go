package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/javanstorm/winvm/internal/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(t.Context(), retry.Policy{Attempts: 5, Delay: time.Hour}, "op", func(context.Context, int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var seen []int
	err := retry.Do(t.Context(), retry.Policy{Attempts: 5, Delay: time.Millisecond}, "op", func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDoExhausted(t *testing.T) {
	busy := errors.New("device busy")
	calls := 0
	err := retry.Do(t.Context(), retry.Policy{Attempts: 4, Delay: time.Millisecond, Multiplier: 2}, "unmount", func(context.Context, int) error {
		calls++
		return busy
	})

	var rerr *retry.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "unmount", rerr.Op)
	assert.Equal(t, 4, rerr.Attempts)
	assert.ErrorIs(t, err, busy)
	assert.Equal(t, 4, calls)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := retry.Do(t.Context(), retry.Policy{}, "op", func(context.Context, int) error {
		calls++
		return errors.New("no")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	calls := 0
	err := retry.Do(ctx, retry.Policy{Attempts: 10, Delay: time.Hour}, "op", func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
