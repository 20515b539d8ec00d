package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/repository"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
)

// DispatchQueue is the durable priority queue between triggers and workers.
type DispatchQueue struct {
	repo     QueueRepo
	clock    core.Clock
	claimTTL time.Duration
}

func NewDispatchQueue(repo QueueRepo, clock core.Clock, claimTTL time.Duration) *DispatchQueue {
	return &DispatchQueue{repo: repo, clock: clock, claimTTL: claimTTL}
}

// Enqueue stores a new pending item. A repeated dedup key returns ErrDuplicateFire.
func (q *DispatchQueue) Enqueue(ctx context.Context, item *domain.QueueItem) (int64, error) {
	if item.Priority < 1 || item.Priority > 10 {
		return 0, validationError("enqueue", "priority %d outside 1..10", item.Priority)
	}
	if item.WorkflowID == "" {
		return 0, validationError("enqueue", "workflow id is required")
	}
	item.Status = domain.QueuePending
	id, err := q.repo.Enqueue(item)
	if errors.Is(err, repository.ErrDuplicate) {
		return 0, ErrDuplicateFire
	}
	if err != nil {
		return 0, newError(KindTransientInfrastructure, "enqueue", err)
	}
	slog.DebugContext(ctx, "Enqueued", "queue_item_id", id, "workflow", item.WorkflowID, "priority", item.Priority,
		"dedup_key", item.DedupKey.String)
	return id, nil
}

// Claim atomically takes up to capacity due items for workerID, highest priority first.
// Items lost to another claimer are skipped.
func (q *DispatchQueue) Claim(ctx context.Context, workerID string, capacity int) ([]*domain.QueueItem, error) {
	if capacity <= 0 {
		return nil, nil
	}
	candidates, err := q.repo.FindClaimable(capacity * 2)
	if err != nil {
		return nil, newError(KindTransientInfrastructure, "claim", err)
	}
	claimed := make([]*domain.QueueItem, 0, capacity)
	for _, item := range candidates {
		if len(claimed) == capacity {
			break
		}
		if !q.repo.MarkClaimed(item.ID, workerID, q.claimTTL) {
			slog.DebugContext(ctx, "Queue item claimed elsewhere", "queue_item_id", item.ID, "worker_id", workerID)
			continue
		}
		item.Status = domain.QueueProcessing
		item.ProcessingOwner.String, item.ProcessingOwner.Valid = workerID, true
		claimed = append(claimed, item)
		queueClaims.Inc()
	}
	return claimed, nil
}

// Extend keeps a claim alive while the owner works on it.
func (q *DispatchQueue) Extend(ctx context.Context, id int64, workerID string) (bool, error) {
	return q.repo.ExtendClaim(id, workerID, q.claimTTL)
}

// Complete records a terminal outcome for an item held by owner. ErrClaimLost means the
// item was taken over and nothing was written.
func (q *DispatchQueue) Complete(ctx context.Context, id int64, owner, status, lastError string) error {
	if !domain.IsTerminalQueueStatus(status) {
		return validationError("complete", "status %q is not terminal", status)
	}
	if err := q.repo.Complete(id, owner, status, lastError); err != nil {
		if errors.Is(err, ErrClaimLost) {
			return err
		}
		return newError(KindTransientInfrastructure, "complete", err)
	}
	return nil
}

// Requeue schedules another attempt after delay, or fails the item when its retry budget is spent.
// Like Complete it only applies while owner holds the item.
func (q *DispatchQueue) Requeue(ctx context.Context, id int64, owner string, delay time.Duration, lastError string) (bool, error) {
	requeued, err := q.repo.Requeue(id, owner, q.clock.Now().Add(delay), lastError)
	if errors.Is(err, ErrClaimLost) {
		return false, err
	}
	if err != nil {
		return false, newError(KindTransientInfrastructure, "requeue", err)
	}
	if requeued {
		slog.InfoContext(ctx, "Queue item requeued", "queue_item_id", id, "delay", delay)
	} else {
		slog.WarnContext(ctx, "Queue item out of retries", "queue_item_id", id)
	}
	return requeued, nil
}

// RetryDelay is the queue level backoff for an item that has already been retried retryCount times.
func RetryDelay(settings domain.WorkflowSettings, retryCount int) time.Duration {
	rc := models.RetryConfig{
		MaxRetryCount:    settings.MaxRetries,
		RetryIntervalMin: settings.RetryBackoffMin,
		RetryIntervalMax: settings.RetryBackoffMax,
	}
	if rc.RetryIntervalMin <= 0 {
		rc.RetryIntervalMin = 5 * time.Second
	}
	if rc.RetryIntervalMax <= 0 {
		rc.RetryIntervalMax = 10 * time.Minute
	}
	return rc.Backoff(retryCount)
}

// HasOpen reports whether a schedule already has a pending or processing item.
func (q *DispatchQueue) HasOpen(scheduleID int64) (bool, error) {
	open, err := q.repo.HasOpenItem(scheduleID)
	if err != nil {
		return false, newError(KindTransientInfrastructure, "open items", err)
	}
	return open, nil
}

// OpenItems returns the schedule's pending and processing items, newest first.
// FiredSince counts the items enqueued for a schedule after since, across all processes.
func (q *DispatchQueue) FiredSince(scheduleID int64, since time.Time) (int, error) {
	n, err := q.repo.CountCreatedSince(scheduleID, since)
	if err != nil {
		return 0, newError(KindTransientInfrastructure, "fired since", err)
	}
	return n, nil
}

func (q *DispatchQueue) OpenItems(scheduleID int64, limit int) ([]*domain.QueueItem, error) {
	items, err := q.repo.FindBySchedule(scheduleID, limit)
	if err != nil {
		return nil, newError(KindTransientInfrastructure, "open items", err)
	}
	open := items[:0]
	for _, it := range items {
		if it.Status == domain.QueuePending || it.Status == domain.QueueProcessing {
			open = append(open, it)
		}
	}
	return open, nil
}

// Expired returns processing items whose claim lapsed.
func (q *DispatchQueue) Expired(limit int) ([]*domain.QueueItem, error) {
	items, err := q.repo.FindExpiredClaims(limit)
	if err != nil {
		return nil, newError(KindTransientInfrastructure, "expired claims", err)
	}
	return items, nil
}

// ReleaseExpired takes an expired item back from its owner. It reports whether the item was
// released and whether it went back to pending; a claim renewed in the meantime is left alone.
func (q *DispatchQueue) ReleaseExpired(ctx context.Context, item *domain.QueueItem, reason string) (released, requeued bool, err error) {
	requeued, err = q.repo.ReleaseExpiredClaim(item.ID, item.ProcessingOwner.String, reason)
	if err != nil {
		return false, false, newError(KindTransientInfrastructure, "release claim", err)
	}
	current, err := q.repo.FindByID(item.ID)
	if err != nil {
		return false, false, newError(KindTransientInfrastructure, "release claim", err)
	}
	*item = *current
	released = requeued || (current.Status == domain.QueueFailed && current.LastError.String == reason)
	return released, requeued, nil
}

// Cancel cancels an item that has not been claimed yet.
func (q *DispatchQueue) Cancel(ctx context.Context, id int64) error {
	ok, err := q.repo.CancelPending(id)
	if err != nil {
		return newError(KindTransientInfrastructure, "cancel item", err)
	}
	if !ok {
		item, err := q.repo.FindByID(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: queue item %d is %s", ErrInvalidState, id, item.Status)
	}
	return nil
}

func (q *DispatchQueue) Get(id int64) (*domain.QueueItem, error) {
	return q.repo.FindByID(id)
}

func (q *DispatchQueue) Counts() (map[string]int, error) {
	return q.repo.CountByStatus()
}
