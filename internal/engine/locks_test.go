package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/testsupport"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForTimer(t *testing.T, clock *testsupport.FakeClock) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.Waiters() > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHoldIsMutuallyExclusive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	locks := env.manager.Locks

	a, ok, err := locks.Hold(ctx, ScheduleLockKey(1), "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locks.Hold(ctx, ScheduleLockKey(1), "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// other keys are independent
	other, ok, err := locks.Hold(ctx, ResourceLockKey("printer"), "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, a.Release(ctx))
	assert.Error(t, a.Context().Err())
	assert.False(t, a.Lost())

	b, ok, err := locks.Hold(ctx, ScheduleLockKey(1), "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}

func TestExpiredLockCanBeTaken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	locks := env.manager.Locks

	ok, err := locks.TryAcquire(ctx, "k", "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locks.TryAcquire(ctx, "k", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	env.clock.Add(11 * time.Second)
	ok, err = locks.TryAcquire(ctx, "k", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locks.Renew(ctx, "k", "a", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaseRenewsInBackground(t *testing.T) {
	clock := testsupport.NewFakeClock(baseTime)
	var renewals atomic.Int32
	repo := &MockLockRepo{
		RenewFunc: func(key, holder string, ttl time.Duration) (bool, error) {
			renewals.Add(1)
			return true, nil
		},
	}
	locks := NewLockManager(repo, clock, &recordingNotifier{})
	lease, ok, err := locks.Hold(context.Background(), "k", "a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		waitForTimer(t, clock)
		clock.Add(10 * time.Second)
		want := int32(i + 1)
		require.Eventually(t, func() bool { return renewals.Load() == want }, 2*time.Second, 5*time.Millisecond)
	}
	assert.False(t, lease.Lost())
	require.NoError(t, lease.Release(context.Background()))
}

func TestLeaseLostCancelsContextAndAlerts(t *testing.T) {
	clock := testsupport.NewFakeClock(baseTime)
	notifier := &recordingNotifier{}
	repo := &MockLockRepo{
		RenewFunc: func(key, holder string, ttl time.Duration) (bool, error) { return false, nil },
	}
	locks := NewLockManager(repo, clock, notifier)
	lease, ok, err := locks.Hold(context.Background(), ScheduleLockKey(7), "a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	waitForTimer(t, clock)
	clock.Add(10 * time.Second)

	select {
	case <-lease.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not cancelled")
	}
	assert.True(t, lease.Lost())
	alerts := notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, core.SeverityCritical, alerts[0].Severity)
	require.NoError(t, lease.Release(context.Background()))
}

func TestLeaseToleratesStoreErrorsWithinTTL(t *testing.T) {
	clock := testsupport.NewFakeClock(baseTime)
	repo := &MockLockRepo{
		RenewFunc: func(key, holder string, ttl time.Duration) (bool, error) { return false, errors.New("db down") },
	}
	locks := NewLockManager(repo, clock, &recordingNotifier{})
	lease, ok, err := locks.Hold(context.Background(), "k", "a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 2; i++ {
		waitForTimer(t, clock)
		clock.Add(10 * time.Second)
	}
	waitForTimer(t, clock)
	assert.False(t, lease.Lost())

	clock.Add(10 * time.Second)
	select {
	case <-lease.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not cancelled")
	}
	assert.True(t, lease.Lost())
}
