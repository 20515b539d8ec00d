package repository

import (
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/testsupport"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(priority int, scheduledFor time.Time) *domain.QueueItem {
	return &domain.QueueItem{WorkflowID: "report", WorkflowVersion: 1, Priority: priority, ScheduledFor: scheduledFor, MaxRetries: 2}
}

func TestEnqueueRejectsDuplicateDedupKey(t *testing.T) {
	db := testsupport.NewSqliteDB(t)
	repo := NewQueueRepository(db, testsupport.NewFakeClock(baseTime))

	first := item(5, baseTime)
	first.DedupKey = sql.NullString{String: "cron:1:2026-10-18T10:10:00Z", Valid: true}
	_, err := repo.Enqueue(first)
	require.NoError(t, err)

	second := item(5, baseTime)
	second.DedupKey = first.DedupKey
	_, err = repo.Enqueue(second)
	assert.ErrorIs(t, err, ErrDuplicate)

	// items without a dedup key never collide
	_, err = repo.Enqueue(item(5, baseTime))
	require.NoError(t, err)
	_, err = repo.Enqueue(item(5, baseTime))
	require.NoError(t, err)
}

func TestFindClaimableOrdering(t *testing.T) {
	db := testsupport.NewSqliteDB(t)
	clock := testsupport.NewFakeClock(baseTime)
	repo := NewQueueRepository(db, clock)

	low := item(1, baseTime.Add(-time.Hour))
	highLate := item(9, baseTime.Add(-time.Minute))
	highEarly := item(9, baseTime.Add(-2*time.Minute))
	future := item(10, baseTime.Add(time.Hour))
	for _, q := range []*domain.QueueItem{low, highLate, highEarly, future} {
		_, err := repo.Enqueue(q)
		require.NoError(t, err)
	}

	due, err := repo.FindClaimable(10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, highEarly.ID, due[0].ID)
	assert.Equal(t, highLate.ID, due[1].ID)
	assert.Equal(t, low.ID, due[2].ID)
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	db := testsupport.NewSqliteDB(t)
	repo := NewQueueRepository(db, testsupport.NewFakeClock(baseTime))
	q := item(5, baseTime)
	_, err := repo.Enqueue(q)
	require.NoError(t, err)

	var mu sync.Mutex
	var winners []string
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			if repo.MarkClaimed(q.ID, worker, time.Minute) {
				mu.Lock()
				winners = append(winners, worker)
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()
	require.Len(t, winners, 1)

	loaded, err := repo.FindByID(q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueProcessing, loaded.Status)
	assert.Equal(t, winners[0], loaded.ProcessingOwner.String)
	assert.True(t, loaded.ClaimExpiresAt.Time.Equal(baseTime.Add(time.Minute)))
}

func TestRequeueRespectsRetryBudget(t *testing.T) {
	db := testsupport.NewSqliteDB(t)
	clock := testsupport.NewFakeClock(baseTime)
	repo := NewQueueRepository(db, clock)
	q := item(5, baseTime)
	_, err := repo.Enqueue(q)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		require.True(t, repo.MarkClaimed(q.ID, "w", time.Minute))
		requeued, err := repo.Requeue(q.ID, "w", clock.Now().Add(time.Duration(attempt)*time.Second), "failed")
		require.NoError(t, err)
		assert.True(t, requeued)
		loaded, err := repo.FindByID(q.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, loaded.RetryCount)
		assert.Equal(t, domain.QueuePending, loaded.Status)
		assert.False(t, loaded.ProcessingOwner.Valid)
		clock.Add(time.Minute)
	}

	require.True(t, repo.MarkClaimed(q.ID, "w", time.Minute))
	requeued, err := repo.Requeue(q.ID, "w", clock.Now(), "failed for good")
	require.NoError(t, err)
	assert.False(t, requeued)
	loaded, err := repo.FindByID(q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, loaded.Status)
	assert.Equal(t, 2, loaded.RetryCount)
	assert.Equal(t, "failed for good", loaded.LastError.String)
}

func TestReleaseExpiredClaim(t *testing.T) {
	db := testsupport.NewSqliteDB(t)
	clock := testsupport.NewFakeClock(baseTime)
	repo := NewQueueRepository(db, clock)
	q := item(5, baseTime)
	_, err := repo.Enqueue(q)
	require.NoError(t, err)
	require.True(t, repo.MarkClaimed(q.ID, "dead-worker", time.Minute))

	expired, err := repo.FindExpiredClaims(10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	clock.Add(2 * time.Minute)
	ok, err := repo.ExtendClaim(q.ID, "someone-else", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	expired, err = repo.FindExpiredClaims(10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	requeued, err := repo.ReleaseExpiredClaim(q.ID, "dead-worker", "claim expired")
	require.NoError(t, err)
	assert.True(t, requeued)
	loaded, err := repo.FindByID(q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueuePending, loaded.Status)
	assert.Equal(t, 1, loaded.RetryCount)
}

// Once the reaper hands an item to another worker the previous owner can no longer finish it.
func TestCompleteAndRequeueRequireOwner(t *testing.T) {
	db := testsupport.NewSqliteDB(t)
	clock := testsupport.NewFakeClock(baseTime)
	repo := NewQueueRepository(db, clock)
	q := item(5, baseTime)
	_, err := repo.Enqueue(q)
	require.NoError(t, err)
	require.True(t, repo.MarkClaimed(q.ID, "w1", time.Minute))

	clock.Add(2 * time.Minute)
	_, err = repo.ReleaseExpiredClaim(q.ID, "w1", "claim expired")
	require.NoError(t, err)
	require.True(t, repo.MarkClaimed(q.ID, "w2", time.Minute))

	assert.ErrorIs(t, repo.Complete(q.ID, "w1", domain.QueueCompleted, ""), ErrNotOwner)
	_, err = repo.Requeue(q.ID, "w1", clock.Now(), "stale failure")
	assert.ErrorIs(t, err, ErrNotOwner)

	loaded, err := repo.FindByID(q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueProcessing, loaded.Status)
	assert.Equal(t, "w2", loaded.ProcessingOwner.String)
	assert.Equal(t, 1, loaded.RetryCount)

	require.NoError(t, repo.Complete(q.ID, "w2", domain.QueueCompleted, ""))
	assert.ErrorIs(t, repo.Complete(q.ID, "w2", domain.QueueCompleted, ""), ErrNotOwner)
}

func TestHasOpenItemAndCancelPending(t *testing.T) {
	db := testsupport.NewSqliteDB(t)
	repo := NewQueueRepository(db, testsupport.NewFakeClock(baseTime))
	q := item(5, baseTime)
	q.ScheduleID = sql.NullInt64{Int64: 7, Valid: true}
	_, err := repo.Enqueue(q)
	require.NoError(t, err)

	open, err := repo.HasOpenItem(7)
	require.NoError(t, err)
	assert.True(t, open)

	ok, err := repo.CancelPending(q.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	open, err = repo.HasOpenItem(7)
	require.NoError(t, err)
	assert.False(t, open)

	counts, err := repo.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.QueueCancelled])
}
