package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// Decision is the outcome of evaluating a schedule.
type Decision struct {
	ShouldFire bool
	FireAt     time.Time
	Reason     string
	// DedupKey makes the enqueue idempotent; empty means no deduplication.
	DedupKey string
	// Payload is merged into the queue item payload.
	Payload map[string]any
}

// Evaluator decides whether a schedule should fire now.
type Evaluator interface {
	Evaluate(ctx context.Context, s *domain.Schedule) (Decision, error)
}

// TriggerService turns evaluator decisions into queue items and keeps the schedule's
// evaluation bookkeeping.
type TriggerService struct {
	schedules   ScheduleRepo
	definitions DefinitionRepo
	queue       *DispatchQueue
	clock       core.Clock
	notifier    core.Notifier
	alertAfter  int
}

func NewTriggerService(schedules ScheduleRepo, definitions DefinitionRepo, queue *DispatchQueue, clock core.Clock,
	notifier core.Notifier, alertAfter int) *TriggerService {
	if alertAfter <= 0 {
		alertAfter = 5
	}
	return &TriggerService{
		schedules:   schedules,
		definitions: definitions,
		queue:       queue,
		clock:       clock,
		notifier:    notifier,
		alertAfter:  alertAfter,
	}
}

// Fire enqueues a run of the schedule's workflow pinned to the latest definition version.
// Schedules other than cron advance last_triggered_at to the enqueue time.
func (t *TriggerService) Fire(ctx context.Context, s *domain.Schedule, d Decision) (int64, error) {
	def, err := t.definitions.FindLatest(s.WorkflowID)
	if errors.Is(err, ErrNotFound) {
		return 0, validationError("fire", "schedule %d references unknown workflow %s", s.ID, s.WorkflowID)
	}
	if err != nil {
		return 0, newError(KindTransientInfrastructure, "fire", err)
	}
	payload := map[string]any{}
	for k, v := range d.Payload {
		payload[k] = v
	}
	payload["schedule_id"] = s.ID
	payload["trigger"] = string(s.Type)
	payload["reason"] = d.Reason
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, validationError("fire", "payload: %v", err)
	}
	item := &domain.QueueItem{
		ScheduleID:      sql.NullInt64{Int64: s.ID, Valid: true},
		WorkflowID:      s.WorkflowID,
		WorkflowVersion: def.Version,
		Priority:        s.Priority,
		ScheduledFor:    d.FireAt,
		MaxRetries:      s.MaxRetries,
		Payload:         sql.NullString{String: string(raw), Valid: true},
	}
	if d.DedupKey != "" {
		item.DedupKey = sql.NullString{String: d.DedupKey, Valid: true}
	}
	id, err := t.queue.Enqueue(ctx, item)
	if err != nil {
		return 0, err
	}
	if s.Type != domain.ScheduleCron {
		if _, err := t.schedules.AdvanceLastTriggered(s.ID, t.clock.Now()); err != nil {
			slog.WarnContext(ctx, "Failed to record trigger time", "schedule_id", s.ID, "error", err)
		}
	}
	schedulesFired.WithLabelValues(string(s.Type)).Inc()
	slog.InfoContext(ctx, "Schedule fired", "schedule_id", s.ID, "queue_item_id", id, "workflow", s.WorkflowID,
		"version", def.Version, "reason", d.Reason)
	return id, nil
}

// sweep evaluates every active schedule of type typ through fn and records each outcome.
func (t *TriggerService) sweep(ctx context.Context, typ domain.ScheduleType, fn func(context.Context, *domain.Schedule) error) error {
	schedules, err := t.schedules.FindActiveByType(typ)
	if err != nil {
		return newError(KindTransientInfrastructure, "load schedules", err)
	}
	for _, s := range schedules {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx, s)
		if errors.Is(err, ErrDuplicateFire) {
			err = nil
		}
		if err != nil {
			t.RecordFailure(ctx, s, err)
			continue
		}
		t.RecordSuccess(ctx, s)
	}
	return nil
}

// RecordFailure stores an evaluator error. The schedule stays active; a warning is raised
// once the failure streak reaches the alert threshold.
func (t *TriggerService) RecordFailure(ctx context.Context, s *domain.Schedule, cause error) {
	slog.ErrorContext(ctx, "Schedule evaluation failed", "schedule_id", s.ID, "type", s.Type, "error", cause)
	count, err := t.schedules.RecordEvaluationFailure(s.ID, cause.Error())
	if err != nil {
		slog.ErrorContext(ctx, "Failed to record evaluation failure", "schedule_id", s.ID, "error", err)
		return
	}
	s.ConsecutiveFailures = count
	if count == t.alertAfter {
		raiseAlert(ctx, t.notifier, core.Alert{
			Severity:   core.SeverityWarning,
			Title:      "Schedule evaluation failing",
			Message:    fmt.Sprintf("schedule %s failed %d evaluations in a row: %v", s.Name, count, cause),
			ScheduleID: s.ID,
		})
	}
}

func (t *TriggerService) RecordSuccess(ctx context.Context, s *domain.Schedule) {
	if s.ConsecutiveFailures == 0 {
		return
	}
	if err := t.schedules.RecordEvaluationSuccess(s.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to reset evaluation failures", "schedule_id", s.ID, "error", err)
		return
	}
	s.ConsecutiveFailures = 0
}
