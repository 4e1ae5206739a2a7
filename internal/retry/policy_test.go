package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestExponentialPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(3, time.Millisecond, 10*time.Millisecond, func(err error) bool {
		return errors.Is(err, errTransient)
	})

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(errTransient, 1))
	require.True(t, p.ShouldRetry(errTransient, 2))
	require.False(t, p.ShouldRetry(errTransient, 3), "attempt budget exhausted")
	require.False(t, p.ShouldRetry(errors.New("fatal"), 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
}

func TestExponentialPolicyBackoffIsCapped(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(5, 100*time.Millisecond, 400*time.Millisecond, nil)
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
	require.GreaterOrEqual(t, p.Backoff(0), 50*time.Millisecond)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(3, time.Millisecond, 2*time.Millisecond, nil)
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoSurfacesLastErrorOnExhaustion(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(2, time.Millisecond, 2*time.Millisecond, nil)
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 2, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy(5, time.Millisecond, 2*time.Millisecond, func(err error) bool {
		return errors.Is(err, errTransient)
	})
	fatal := errors.New("constraint violation")
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewExponentialPolicy(10, time.Second, time.Second, nil)
	calls := 0
	err := Do(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 1, calls)
}
