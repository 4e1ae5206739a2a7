package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAddValidates(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), zap.NewNop())
	noop := func(context.Context) error { return nil }

	require.Error(t, s.Add(Job{Spec: "@every 1h", Run: noop}))
	require.Error(t, s.Add(Job{Name: "verify", Spec: "@every 1h"}))
	require.ErrorContains(t, s.Add(Job{Name: "verify", Spec: "every hour", Run: noop}), "parse schedule")
	require.ErrorContains(t, s.Add(Job{Name: "verify", Spec: "0 * * * * *", Run: noop}), "parse schedule")

	require.NoError(t, s.Add(Job{Name: "verify", Spec: "0 */6 * * *", Run: noop}))
	require.ErrorContains(t, s.Add(Job{Name: "verify", Spec: "@hourly", Run: noop}), "already registered")

	_, ok := s.Next("verify")
	assert.False(t, ok, "entries have no next time before Start")
	_, ok = s.Next("missing")
	assert.False(t, ok)
}

func TestJobsRunOnSchedule(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background(), zap.NewNop())
	require.NoError(t, s.Add(Job{Name: "promote", Spec: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	next, ok := s.Next("promote")
	require.True(t, ok)
	assert.True(t, next.After(time.Now().Add(-time.Second)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	t.Parallel()

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		runs    atomic.Int32
	)
	s := New(context.Background(), zap.NewNop())
	require.NoError(t, s.Add(Job{Name: "verify", Spec: "@every 1s", Run: func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		runs.Add(1)
		select {
		case <-time.After(2500 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}}))
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(2 * time.Second)
	assert.Equal(t, int32(1), maxSeen.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestFailuresAndPanicsAreLogged(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	s := New(context.Background(), zap.New(core))
	require.NoError(t, s.Add(Job{Name: "crawl", Spec: "@every 1s", Run: func(context.Context) error {
		return errors.New("source list unavailable")
	}}))
	require.NoError(t, s.Add(Job{Name: "boom", Spec: "@every 1s", Run: func(context.Context) error {
		panic("kaboom")
	}}))
	s.Start()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("scheduled job failed").Len() >= 1 &&
			logs.FilterMessage("cron: panic").Len() >= 1
	}, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestStopCancelsStuckJobs(t *testing.T) {
	t.Parallel()

	canceled := make(chan struct{})
	started := make(chan struct{}, 1)
	s := New(context.Background(), zap.NewNop())
	require.NoError(t, s.Add(Job{Name: "verify", Spec: "@every 1s", Run: func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}}))
	s.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("job context was not canceled")
	}
}
