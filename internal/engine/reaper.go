package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

const reaperBatch = 100

// Reaper recovers queue items whose worker stopped renewing its claim.
type Reaper struct {
	queue       *DispatchQueue
	executions  ExecutionRepo
	coordinator *Coordinator
}

func NewReaper(queue *DispatchQueue, executions ExecutionRepo, coordinator *Coordinator) *Reaper {
	return &Reaper{queue: queue, executions: executions, coordinator: coordinator}
}

// Sweep releases expired claims, consuming one retry, and fails their orphaned executions.
// It returns the number of items recovered.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	items, err := r.queue.Expired(reaperBatch)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, item := range items {
		owner := item.ProcessingOwner.String
		reason := fmt.Sprintf("claim by %s expired", owner)
		released, requeued, err := r.queue.ReleaseExpired(ctx, item, reason)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to release expired claim", "queue_item_id", item.ID, "error", err)
			continue
		}
		if !released {
			slog.DebugContext(ctx, "Claim renewed before release", "queue_item_id", item.ID, "worker_id", owner)
			continue
		}
		recovered++
		slog.WarnContext(ctx, "Recovered expired claim", "queue_item_id", item.ID, "worker_id", owner, "requeued", requeued)
		r.coordinator.saveLog(ctx, &domain.LogEntry{QueueItemID: item.ID, Level: levelWarn, Message: "Expired claim released",
			Context: encodeContext(map[string]any{"worker_id": owner, "requeued": requeued, "retry_count": item.RetryCount})})

		orphans, err := r.executions.FindRunningByQueueItem(item.ID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to load orphaned executions", "queue_item_id", item.ID, "error", err)
		}
		for _, e := range orphans {
			ok, err := r.executions.FailOrphan(e.ID, string(KindTransientInfrastructure), reason)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to fail orphaned execution", "execution_id", e.ID, "error", err)
				continue
			}
			if ok {
				r.coordinator.saveLog(ctx, &domain.LogEntry{ExecutionID: e.ID, QueueItemID: item.ID, Level: levelError,
					Message: "Execution failed", Context: encodeContext(map[string]any{"error_kind": string(KindTransientInfrastructure),
						"error": reason})})
			}
		}
		if !requeued {
			item.Status = domain.QueueFailed
			r.coordinator.afterTerminal(ctx, item, false, reason)
		}
	}
	return recovered, nil
}
