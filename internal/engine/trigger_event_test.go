package engine

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventSchedule(trigger *domain.EventTrigger) *domain.Schedule {
	return &domain.Schedule{ID: 3, WorkflowID: "report", Name: "on-order", Type: domain.ScheduleEvent, Priority: 5, Event: trigger}
}

func TestEventMatch(t *testing.T) {
	env := newTestEnv(t)
	l := env.manager.Events
	s := eventSchedule(&domain.EventTrigger{
		EventType:       "order.created",
		EventSource:     "shop",
		MatchConditions: map[string]string{"order.status": "paid", "order.total": "42"},
	})
	payload := map[string]any{"order": map[string]any{"status": "paid", "total": 42}}

	d := l.Match(s, eventbus.Event{ID: "e1", Type: "order.created", Source: "shop", Payload: payload})
	assert.True(t, d.ShouldFire)
	assert.Equal(t, "evt:3:e1", d.DedupKey)

	assert.False(t, l.Match(s, eventbus.Event{Type: "order.deleted", Source: "shop", Payload: payload}).ShouldFire)
	assert.False(t, l.Match(s, eventbus.Event{Type: "order.created", Source: "pos", Payload: payload}).ShouldFire)

	unpaid := map[string]any{"order": map[string]any{"status": "open", "total": 42}}
	assert.False(t, l.Match(s, eventbus.Event{Type: "order.created", Source: "shop", Payload: unpaid}).ShouldFire)
	assert.False(t, l.Match(s, eventbus.Event{Type: "order.created", Source: "shop"}).ShouldFire)

	anySource := eventSchedule(&domain.EventTrigger{EventType: "order.created"})
	d = l.Match(anySource, eventbus.Event{Type: "order.created", Source: "pos"})
	assert.True(t, d.ShouldFire)
	assert.Empty(t, d.DedupKey)
}

func TestEventHandleFiresAndDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "report", Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "on-order", Type: domain.ScheduleEvent,
		Event: &domain.EventTrigger{EventType: "order.created"}})

	ev := eventbus.Event{ID: "e1", Type: "order.created", Payload: map[string]any{"id": 1}}
	fired, err := env.manager.Events.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// redelivery of the same event id is absorbed by the dedup key
	fired, err = env.manager.Events.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	items := env.queueItems(t, s.ID)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Payload.String, `"event_type":"order.created"`)

	stored, err := env.schedules.FindByID(s.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastTriggeredAt.Valid)
}

func TestEventRateLimitDropsExcess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "report", Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "on-order", Type: domain.ScheduleEvent,
		Event: &domain.EventTrigger{EventType: "tick", RateLimit: 2, RateWindowSeconds: 60}})
	dropped := droppedEvents.WithLabelValues(strconv.FormatInt(s.ID, 10))
	before := testutil.ToFloat64(dropped)

	for i := 0; i < 5; i++ {
		_, err := env.manager.Events.Handle(ctx, eventbus.Event{Type: "tick"})
		require.NoError(t, err)
	}
	assert.Len(t, env.queueItems(t, s.ID), 2)
	assert.Equal(t, int64(3), env.manager.Events.Dropped())
	assert.Equal(t, before+3, testutil.ToFloat64(dropped))

	// the window slides
	env.clock.Add(61 * time.Second)
	fired, err := env.manager.Events.Handle(ctx, eventbus.Event{Type: "tick"})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

// Listeners in different processes share one window through the queue.
func TestEventRateLimitIsSharedAcrossListeners(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "report", Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "on-order", Type: domain.ScheduleEvent,
		Event: &domain.EventTrigger{EventType: "tick", RateLimit: 2, RateWindowSeconds: 60}})
	queue := NewDispatchQueue(env.queue, env.clock, time.Minute)
	other := NewEventListener(NewTriggerService(env.schedules, env.definitions, queue, env.clock, env.notifier, 3), env.clock)

	fired, err := env.manager.Events.Handle(ctx, eventbus.Event{Type: "tick"})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	fired, err = other.Handle(ctx, eventbus.Event{Type: "tick"})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = other.Handle(ctx, eventbus.Event{Type: "tick"})
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
	fired, err = env.manager.Events.Handle(ctx, eventbus.Event{Type: "tick"})
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
	assert.Len(t, env.queueItems(t, s.ID), 2)
	assert.Equal(t, int64(1), other.Dropped())
	assert.Equal(t, int64(1), env.manager.Events.Dropped())

	env.clock.Add(30 * time.Second)
	fired, err = other.Handle(ctx, eventbus.Event{Type: "tick"})
	require.NoError(t, err)
	assert.Equal(t, 0, fired, "both firings are still inside the window")
}

func TestEventListenerConsumesBus(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, &domain.WorkflowDefinition{Name: "report", Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "on-order", Type: domain.ScheduleEvent,
		Event: &domain.EventTrigger{EventType: "order.created"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := env.manager.Bus()
	done := make(chan struct{})
	go func() {
		env.manager.Events.Run(ctx, bus, 8)
		close(done)
	}()

	// publish until the listener has subscribed, the dedup key keeps it to one run
	assert.Eventually(t, func() bool {
		if _, err := env.manager.PublishEvent(ctx, eventbus.Event{ID: "e1", Type: "order.created"}); err != nil {
			return false
		}
		items, err := env.queue.FindBySchedule(s.ID, 10)
		return err == nil && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Len(t, env.queueItems(t, s.ID), 1)
}

func TestPublishEventRequiresType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.PublishEvent(context.Background(), eventbus.Event{})
	assert.Equal(t, KindValidation, Classify(err))
}
