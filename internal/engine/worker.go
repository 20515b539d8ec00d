package engine

import (
	"context"
	"log/slog"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// Worker processes claimed queue items until ctx is done or the channel closes. done, when
// set, is called after each item.
func Worker(ctx context.Context, id int, workerID string, coordinator *Coordinator, items <-chan *domain.QueueItem, done func()) {
	for {
		var item *domain.QueueItem
		var ok bool
		select {
		case <-ctx.Done():
			return
		case item, ok = <-items: // blocks until a job arrives
			if !ok {
				return
			}
		}
		slog.InfoContext(ctx, "Worker starting queue item", "worker_id", id, "queue_item_id", item.ID)
		exec, err := coordinator.Process(ctx, workerID, item)
		switch {
		case err != nil:
			slog.ErrorContext(ctx, "Worker failed queue item", "worker_id", id, "queue_item_id", item.ID, "error", err)
		case exec == nil:
			slog.InfoContext(ctx, "Worker skipped queue item", "worker_id", id, "queue_item_id", item.ID)
		default:
			slog.InfoContext(ctx, "Worker finished queue item", "worker_id", id, "queue_item_id", item.ID,
				"execution_id", exec.ID, "status", exec.Status)
		}
		if done != nil {
			done()
		}
	}
}
