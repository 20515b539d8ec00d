package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a cron expression, with an optional seconds field and @descriptors.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// LoadLocation resolves a schedule timezone, empty meaning UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// searchWindows bound how far back the latest due slot is looked for before walking forward.
var searchWindows = []time.Duration{
	time.Minute,
	time.Hour,
	24 * time.Hour,
	32 * 24 * time.Hour,
	367 * 24 * time.Hour,
	5 * 366 * 24 * time.Hour,
}

// CronEvaluator fires a schedule once for the latest slot that is due. Missed slots are
// coalesced into that one.
type CronEvaluator struct {
	triggers *TriggerService
	clock    core.Clock
}

func NewCronEvaluator(triggers *TriggerService, clock core.Clock) *CronEvaluator {
	return &CronEvaluator{triggers: triggers, clock: clock}
}

func (e *CronEvaluator) Evaluate(ctx context.Context, s *domain.Schedule) (Decision, error) {
	sched, err := ParseCron(s.CronExpression)
	if err != nil {
		return Decision{}, validationError("cron", "schedule %d: %v", s.ID, err)
	}
	loc, err := LoadLocation(s.Timezone)
	if err != nil {
		return Decision{}, validationError("cron", "schedule %d timezone: %v", s.ID, err)
	}
	after := s.Created
	if s.LastTriggeredAt.Valid {
		after = s.LastTriggeredAt.Time
	}
	now := e.clock.Now()
	slot, ok := latestSlot(sched, after.In(loc), now.In(loc))
	if !ok {
		return Decision{Reason: "next slot " + sched.Next(after.In(loc)).Format(time.RFC3339)}, nil
	}
	slot = slot.UTC()
	return Decision{
		ShouldFire: true,
		FireAt:     slot,
		Reason:     "cron slot " + slot.Format(time.RFC3339),
		DedupKey:   fmt.Sprintf("cron:%d:%s", s.ID, slot.Format(time.RFC3339)),
		Payload:    map[string]any{"slot": slot.Format(time.RFC3339)},
	}, nil
}

// latestSlot returns the last activation in (after, now].
func latestSlot(sched cron.Schedule, after, now time.Time) (time.Time, bool) {
	first := sched.Next(after)
	if first.IsZero() || first.After(now) {
		return time.Time{}, false
	}
	start := first
	for _, w := range searchWindows {
		from := now.Add(-w)
		if !from.After(after) {
			break
		}
		if t := sched.Next(from); !t.IsZero() && !t.After(now) {
			start = t
			break
		}
	}
	slot := start
	for {
		next := sched.Next(slot)
		if next.IsZero() || next.After(now) {
			return slot, true
		}
		slot = next
	}
}

// Sweep evaluates all active cron schedules. The slot is enqueued before last_triggered_at
// moves, so a failed enqueue leaves the slot due for the next sweep. The per-slot dedup key
// keeps concurrent evaluators from enqueueing it twice.
func (e *CronEvaluator) Sweep(ctx context.Context) error {
	return e.triggers.sweep(ctx, domain.ScheduleCron, func(ctx context.Context, s *domain.Schedule) error {
		d, err := e.Evaluate(ctx, s)
		if err != nil || !d.ShouldFire {
			return err
		}
		if _, err := e.triggers.Fire(ctx, s, d); err != nil {
			if !errors.Is(err, ErrDuplicateFire) {
				return err
			}
			slog.DebugContext(ctx, "Cron slot already enqueued", "schedule_id", s.ID, "slot", d.FireAt)
		}
		if _, err := e.triggers.schedules.AdvanceLastTriggered(s.ID, d.FireAt); err != nil {
			return newError(KindTransientInfrastructure, "cron advance", err)
		}
		return nil
	})
}
