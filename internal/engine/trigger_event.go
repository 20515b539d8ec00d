package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

const defaultRateWindow = 60 * time.Second

// EventListener fires event schedules for matching bus events, subject to a per schedule
// sliding window rate limit. The window counts the schedule's queue items, so it is shared
// by every listener on the same database. Events over the limit are dropped.
type EventListener struct {
	triggers *TriggerService
	clock    core.Clock

	// mu serializes the count and enqueue of one event within this process
	mu      sync.Mutex
	dropped atomic.Int64
}

func NewEventListener(triggers *TriggerService, clock core.Clock) *EventListener {
	return &EventListener{triggers: triggers, clock: clock}
}

// Dropped is the number of events discarded by rate limits since start.
func (l *EventListener) Dropped() int64 { return l.dropped.Load() }

// Run consumes the bus until ctx is done.
func (l *EventListener) Run(ctx context.Context, bus eventbus.Bus, buffer int) {
	events, unsubscribe := bus.Subscribe(buffer)
	defer unsubscribe()
	slog.InfoContext(ctx, "Event listener started")
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Event listener stopping due to context cancel")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := l.Handle(ctx, ev); err != nil {
				slog.ErrorContext(ctx, "Failed to handle event", "event_type", ev.Type, "error", err)
			}
		}
	}
}

// Handle fires every active event schedule matching ev and returns how many fired.
func (l *EventListener) Handle(ctx context.Context, ev eventbus.Event) (int, error) {
	schedules, err := l.triggers.schedules.FindActiveByType(domain.ScheduleEvent)
	if err != nil {
		return 0, newError(KindTransientInfrastructure, "load event schedules", err)
	}
	fired := 0
	for _, s := range schedules {
		d := l.Match(s, ev)
		if !d.ShouldFire {
			continue
		}
		ok, err := l.fire(ctx, s, d)
		if err != nil {
			if errors.Is(err, ErrDuplicateFire) {
				continue
			}
			l.triggers.RecordFailure(ctx, s, err)
			continue
		}
		if !ok {
			l.dropped.Add(1)
			droppedEvents.WithLabelValues(strconv.FormatInt(s.ID, 10)).Inc()
			slog.WarnContext(ctx, "Event dropped by rate limit", "schedule_id", s.ID, "event_type", ev.Type,
				"event_id", ev.ID, "limit", s.Event.RateLimit)
			continue
		}
		l.triggers.RecordSuccess(ctx, s)
		fired++
	}
	return fired, nil
}

func (l *EventListener) Evaluate(ctx context.Context, s *domain.Schedule) (Decision, error) {
	if s.Event == nil {
		return Decision{}, validationError("event", "schedule %d has no event trigger", s.ID)
	}
	return Decision{Reason: "waiting for " + s.Event.EventType}, nil
}

// Match reports whether ev satisfies the schedule's event trigger.
func (l *EventListener) Match(s *domain.Schedule, ev eventbus.Event) Decision {
	t := s.Event
	if t == nil || t.EventType != ev.Type {
		return Decision{}
	}
	if t.EventSource != "" && t.EventSource != ev.Source {
		return Decision{Reason: "source mismatch"}
	}
	for path, expected := range t.MatchConditions {
		v, ok := lookupPath(ev.Payload, path)
		if !ok || fmt.Sprint(v) != expected {
			return Decision{Reason: "condition " + path + " not met"}
		}
	}
	d := Decision{
		ShouldFire: true,
		FireAt:     l.clock.Now(),
		Reason:     "event " + ev.Type,
		Payload: map[string]any{
			"event": map[string]any{
				"id":           ev.ID,
				"event_type":   ev.Type,
				"event_source": ev.Source,
				"payload":      ev.Payload,
				"timestamp":    ev.Time,
			},
		},
	}
	if ev.ID != "" {
		d.DedupKey = fmt.Sprintf("evt:%d:%s", s.ID, ev.ID)
	}
	return d
}

// fire enqueues d unless the schedule already fired RateLimit times within its window.
// It reports false when the event was dropped.
func (l *EventListener) fire(ctx context.Context, s *domain.Schedule, d Decision) (bool, error) {
	limit := s.Event.RateLimit
	if limit <= 0 {
		_, err := l.triggers.Fire(ctx, s, d)
		return err == nil, err
	}
	window := time.Duration(s.Event.RateWindowSeconds) * time.Second
	if window <= 0 {
		window = defaultRateWindow
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fired, err := l.triggers.queue.FiredSince(s.ID, l.clock.Now().Add(-window))
	if err != nil {
		return false, err
	}
	if fired >= limit {
		return false, nil
	}
	_, err = l.triggers.Fire(ctx, s, d)
	return err == nil, err
}
