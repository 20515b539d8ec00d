package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

type CalendarEvent struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalendarProvider reads events of an external calendar starting within [from, to].
type CalendarProvider interface {
	Events(ctx context.Context, calendarID string, from, to time.Time, cursor string) (events []CalendarEvent, next string, err error)
}

// StaticProvider is an in-memory calendar.
type StaticProvider struct {
	mu     sync.RWMutex
	events map[string][]CalendarEvent
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{events: map[string][]CalendarEvent{}}
}

func (p *StaticProvider) Add(calendarID string, ev CalendarEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[calendarID] = append(p.events[calendarID], ev)
}

func (p *StaticProvider) Events(_ context.Context, calendarID string, from, to time.Time, cursor string) ([]CalendarEvent, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []CalendarEvent
	for _, ev := range p.events[calendarID] {
		if !ev.Start.Before(from) && !ev.Start.After(to) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].Start.UTC().Format(time.RFC3339)
	}
	return out, next, nil
}

const defaultSyncWindow = 60 * time.Minute

// CalendarSync fires a schedule once per calendar event occurrence, trigger_offset_minutes
// before the event starts.
type CalendarSync struct {
	triggers  *TriggerService
	providers map[string]CalendarProvider
	clock     core.Clock
}

func NewCalendarSync(triggers *TriggerService, providers map[string]CalendarProvider, clock core.Clock) *CalendarSync {
	return &CalendarSync{triggers: triggers, providers: providers, clock: clock}
}

// Evaluate returns the first due occurrence.
func (c *CalendarSync) Evaluate(ctx context.Context, s *domain.Schedule) (Decision, error) {
	decisions, _, err := c.EvaluateAll(ctx, s)
	if err != nil || len(decisions) == 0 {
		return Decision{Reason: "no due calendar events"}, err
	}
	return decisions[0], nil
}

// EvaluateAll returns one decision per due occurrence and the provider's next sync cursor.
func (c *CalendarSync) EvaluateAll(ctx context.Context, s *domain.Schedule) ([]Decision, string, error) {
	link := s.Calendar
	if link == nil {
		return nil, "", validationError("calendar", "schedule %d has no calendar link", s.ID)
	}
	provider, ok := c.providers[link.Provider]
	if !ok {
		return nil, "", validationError("calendar", "unknown calendar provider %q", link.Provider)
	}
	loc, err := LoadLocation(s.Timezone)
	if err != nil {
		return nil, "", validationError("calendar", "schedule %d timezone: %v", s.ID, err)
	}
	window := time.Duration(link.SyncWindowMinutes) * time.Minute
	if window <= 0 {
		window = defaultSyncWindow
	}
	offset := time.Duration(link.TriggerOffsetMinutes) * time.Minute
	now := c.clock.Now()
	from := now.Add(-window)

	events, next, err := provider.Events(ctx, link.CalendarID, from, now.Add(offset), link.SyncCursor)
	if err != nil {
		return nil, "", newError(KindTransientInfrastructure, "calendar events", err)
	}
	var out []Decision
	for _, ev := range events {
		fireAt := ev.Start.Add(-offset)
		if fireAt.After(now) || fireAt.Before(from) {
			continue
		}
		if link.BusinessHoursOnly && !InBusinessHours(fireAt.In(loc)) {
			slog.DebugContext(ctx, "Calendar event outside business hours", "schedule_id", s.ID, "event_id", ev.ID)
			continue
		}
		start := ev.Start.UTC().Format(time.RFC3339)
		out = append(out, Decision{
			ShouldFire: true,
			FireAt:     fireAt,
			Reason:     fmt.Sprintf("calendar event %s at %s", ev.ID, start),
			DedupKey:   fmt.Sprintf("cal:%d:%s:%s", s.ID, ev.ID, start),
			Payload:    map[string]any{"calendar_event": ev},
		})
	}
	return out, next, nil
}

// InBusinessHours reports whether t falls on Monday to Friday between 09:00 and 17:00 in its location.
func InBusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= 9 && t.Hour() < 17
}

func (c *CalendarSync) Sweep(ctx context.Context) error {
	return c.triggers.sweep(ctx, domain.ScheduleCalendar, func(ctx context.Context, s *domain.Schedule) error {
		decisions, next, err := c.EvaluateAll(ctx, s)
		if err != nil {
			return err
		}
		for _, d := range decisions {
			if _, err := c.triggers.Fire(ctx, s, d); err != nil && !errors.Is(err, ErrDuplicateFire) {
				return err
			}
		}
		if err := c.triggers.schedules.UpdateCalendarSync(s.ID, next); err != nil {
			return newError(KindTransientInfrastructure, "calendar sync", err)
		}
		return nil
	})
}
