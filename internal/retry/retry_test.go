package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 2, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Equal(t, "still down", err.Error())
	assert.Equal(t, 2, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return &Permanent{Err: sentinel}
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDo_PerAttemptTimeouts(t *testing.T) {
	var seen []time.Duration
	policy := Policy{
		Attempts: 2,
		Delay:    time.Millisecond,
		Timeouts: []time.Duration{20 * time.Millisecond, 200 * time.Millisecond},
	}

	out, err := DoValue(context.Background(), policy, func(ctx context.Context) (string, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		seen = append(seen, time.Until(deadline))
		if len(seen) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "translated", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "translated", out)
	require.Len(t, seen, 2)
	assert.LessOrEqual(t, seen[0], 20*time.Millisecond)
	assert.Greater(t, seen[1], 20*time.Millisecond)
}

func TestDo_ParentCancellationWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Policy{Attempts: 3, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return ctx.Err()
	})

	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
