package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// BatchSource lists unprocessed records of a data source. Record ids sort in processing order.
type BatchSource interface {
	// Pending returns up to limit record ids matching filter that sort after cursor.
	Pending(ctx context.Context, location, filter, cursor string, limit int) ([]string, error)
}

// DirSource treats files in a directory as records, filtered by a glob on the file name.
type DirSource struct{}

func (DirSource) Pending(_ context.Context, location, filter, cursor string, limit int) ([]string, error) {
	if filter == "" {
		filter = "*"
	}
	entries, err := os.ReadDir(location)
	if err != nil {
		return nil, newError(KindTransientInfrastructure, "dir source", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Name() <= cursor {
			continue
		}
		ok, err := filepath.Match(filter, e.Name())
		if err != nil {
			return nil, validationError("dir source", "filter %q: %v", filter, err)
		}
		if ok {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// splitDataSource splits "dir:/var/spool/in" into the source kind and its location.
func splitDataSource(ds string) (kind, location string) {
	kind, location, ok := strings.Cut(ds, ":")
	if !ok {
		return "dir", ds
	}
	return kind, location
}

const batchLockTTL = 30 * time.Second

// BatchDispatcher fires a schedule when a full batch of records is available and a batch
// slot is free. Dispatch for one schedule is serialized through a short lived lock.
type BatchDispatcher struct {
	triggers *TriggerService
	sources  map[string]BatchSource
	locks    *LockManager
	holder   string
	clock    core.Clock
}

func NewBatchDispatcher(triggers *TriggerService, sources map[string]BatchSource, locks *LockManager, holder string,
	clock core.Clock) *BatchDispatcher {
	if sources == nil {
		sources = map[string]BatchSource{"dir": DirSource{}}
	}
	return &BatchDispatcher{triggers: triggers, sources: sources, locks: locks, holder: holder, clock: clock}
}

// MaxBatchRedispatch bounds how often a failed batch is dispatched again before its
// records are given up on.
const MaxBatchRedispatch = 3

// BatchPayload is the batch carried in a queue item payload under "batch".
type BatchPayload struct {
	Records []string `json:"records"`
	Cursor  string   `json:"cursor"`
	// Attempt counts earlier failed runs of the same records.
	Attempt int   `json:"attempt,omitempty"`
	RetryID int64 `json:"retry_id,omitempty"`
}

// Evaluate decides whether a batch should be dispatched. Failed batches waiting for another
// run go first; otherwise the next batch after the cursor and the batches already in flight
// is dispatched once it is full.
func (b *BatchDispatcher) Evaluate(ctx context.Context, s *domain.Schedule) (Decision, error) {
	st := s.Batch
	if st == nil {
		return Decision{}, validationError("batch", "schedule %d has no batch state", s.ID)
	}
	if st.BatchSize <= 0 {
		return Decision{}, validationError("batch", "schedule %d batch size must be positive", s.ID)
	}
	if st.InFlight >= st.Slots() {
		return Decision{Reason: fmt.Sprintf("%d batches in flight", st.InFlight)}, nil
	}
	if len(st.Retries) > 0 {
		r := st.Retries[0]
		return Decision{
			ShouldFire: true,
			FireAt:     b.clock.Now(),
			Reason:     fmt.Sprintf("retry %d of failed batch of %d", r.Attempt, len(r.Records)),
			Payload: map[string]any{"batch": BatchPayload{Records: r.Records, Cursor: r.Records[len(r.Records)-1],
				Attempt: r.Attempt, RetryID: r.ID}},
		}, nil
	}
	kind, location := splitDataSource(st.DataSource)
	source, ok := b.sources[kind]
	if !ok {
		return Decision{}, validationError("batch", "unknown data source %q", kind)
	}
	start := st.Cursor
	open, err := b.triggers.queue.OpenItems(s.ID, 100)
	if err != nil {
		return Decision{}, err
	}
	for _, item := range open {
		if c, ok := BatchCursor(item.Payload.String); ok && c > start {
			start = c
		}
	}
	records, err := source.Pending(ctx, location, st.Filter, start, st.BatchSize)
	if err != nil {
		return Decision{}, err
	}
	if len(records) < st.BatchSize {
		return Decision{Reason: fmt.Sprintf("%d of %d records available", len(records), st.BatchSize)}, nil
	}
	return Decision{
		ShouldFire: true,
		FireAt:     b.clock.Now(),
		Reason:     fmt.Sprintf("batch of %d after %q", len(records), start),
		Payload:    map[string]any{"batch": BatchPayload{Records: records, Cursor: records[len(records)-1]}},
	}, nil
}

// Sweep dispatches at most one batch per schedule per pass.
func (b *BatchDispatcher) Sweep(ctx context.Context) error {
	return b.triggers.sweep(ctx, domain.ScheduleBatch, b.dispatch)
}

func (b *BatchDispatcher) dispatch(ctx context.Context, s *domain.Schedule) error {
	key := fmt.Sprintf("batch:%d", s.ID)
	ok, err := b.locks.TryAcquire(ctx, key, b.holder, batchLockTTL)
	if err != nil || !ok {
		return err
	}
	defer func() {
		if err := b.locks.Release(context.WithoutCancel(ctx), key, b.holder); err != nil {
			slog.WarnContext(ctx, "Failed to release batch lock", "schedule_id", s.ID, "error", err)
		}
	}()

	fresh, err := b.triggers.schedules.FindByID(s.ID)
	if err != nil {
		return newError(KindTransientInfrastructure, "reload batch schedule", err)
	}
	if err := b.triggers.schedules.TouchBatchCheck(s.ID); err != nil {
		slog.WarnContext(ctx, "Failed to record batch check", "schedule_id", s.ID, "error", err)
	}
	d, err := b.Evaluate(ctx, fresh)
	if err != nil || !d.ShouldFire {
		return err
	}
	acquired, err := b.triggers.schedules.AcquireBatchSlot(s.ID, fresh.Batch.Slots())
	if err != nil {
		return newError(KindTransientInfrastructure, "batch slot", err)
	}
	if !acquired {
		return nil
	}
	if _, err := b.triggers.Fire(ctx, fresh, d); err != nil {
		if rerr := b.triggers.schedules.ReleaseBatchSlot(s.ID, "", nil); rerr != nil {
			slog.ErrorContext(ctx, "Failed to release batch slot", "schedule_id", s.ID, "error", rerr)
		}
		return err
	}
	if p, ok := d.Payload["batch"].(BatchPayload); ok && p.RetryID != 0 {
		// the queue item now carries the records, failing it again stores a new retry
		if _, err := b.triggers.schedules.DeleteBatchRetry(p.RetryID); err != nil {
			slog.ErrorContext(ctx, "Failed to remove dispatched batch retry", "schedule_id", s.ID, "retry_id", p.RetryID,
				"error", err)
		}
	}
	return nil
}

// ParseBatchPayload extracts the batch carried in a queue item payload.
func ParseBatchPayload(payload string) (BatchPayload, bool) {
	if payload == "" {
		return BatchPayload{}, false
	}
	var p struct {
		Batch *BatchPayload `json:"batch"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Batch == nil || p.Batch.Cursor == "" {
		return BatchPayload{}, false
	}
	return *p.Batch, true
}

// BatchCursor extracts the last record id of the batch carried in a queue item payload.
func BatchCursor(payload string) (string, bool) {
	p, ok := ParseBatchPayload(payload)
	return p.Cursor, ok
}
