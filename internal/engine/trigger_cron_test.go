package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/repository"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestSlot(t *testing.T) {
	sched, err := ParseCron("*/5 * * * *")
	require.NoError(t, err)

	slot, ok := latestSlot(sched, baseTime, baseTime.Add(12*time.Minute))
	require.True(t, ok)
	assert.Equal(t, baseTime.Add(10*time.Minute), slot)

	_, ok = latestSlot(sched, baseTime, baseTime.Add(4*time.Minute))
	assert.False(t, ok)

	// the upper bound is inclusive, the lower bound is not
	slot, ok = latestSlot(sched, baseTime, baseTime.Add(5*time.Minute))
	require.True(t, ok)
	assert.Equal(t, baseTime.Add(5*time.Minute), slot)

	// a long outage coalesces into the most recent slot
	hourly, err := ParseCron("0 * * * *")
	require.NoError(t, err)
	slot, ok = latestSlot(hourly, baseTime.AddDate(-2, 0, 0), baseTime.Add(30*time.Minute))
	require.True(t, ok)
	assert.Equal(t, baseTime, slot)
}

func TestParseCronAcceptsSecondsAndDescriptors(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "30 */5 * * * *", "@hourly", "@every 10m"} {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}
	_, err := ParseCron("61 * * * *")
	assert.Error(t, err)
}

func TestCronEvaluateUsesScheduleTimezone(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, &domain.WorkflowDefinition{Name: "report", Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "daily", Type: domain.ScheduleCron,
		CronExpression: "0 9 * * *", Timezone: "Europe/Berlin"})

	// 09:00 in Berlin on 2026-10-19 is 07:00 UTC
	env.clock.Set(time.Date(2026, 10, 19, 7, 0, 30, 0, time.UTC))
	d, err := env.manager.Cron.Evaluate(context.Background(), s)
	require.NoError(t, err)
	require.True(t, d.ShouldFire)
	assert.Equal(t, time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC), d.FireAt)
	assert.Equal(t, "cron:1:2026-10-19T07:00:00Z", d.DedupKey)
}

func TestCronSweepFiresOncePerSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "report", Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "every5", Type: domain.ScheduleCron,
		CronExpression: "*/5 * * * *"})

	env.clock.Set(baseTime.Add(3 * time.Minute))
	require.NoError(t, env.manager.Cron.Sweep(ctx))
	assert.Empty(t, env.queueItems(t, s.ID))

	env.clock.Set(baseTime.Add(17 * time.Minute))
	require.NoError(t, env.manager.Cron.Sweep(ctx))
	require.NoError(t, env.manager.Cron.Sweep(ctx))
	items := env.queueItems(t, s.ID)
	require.Len(t, items, 1, "missed slots coalesce into one firing")
	assert.Equal(t, baseTime.Add(15*time.Minute), items[0].ScheduledFor.UTC())
	assert.Equal(t, 5, items[0].Priority)

	stored, err := env.schedules.FindByID(s.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(15*time.Minute), stored.LastTriggeredAt.Time.UTC())

	env.clock.Set(baseTime.Add(20 * time.Minute))
	require.NoError(t, env.manager.Cron.Sweep(ctx))
	assert.Len(t, env.queueItems(t, s.ID), 2)
}

func TestCronAtMostOneFireAcrossEvaluators(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "report", Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "every5", Type: domain.ScheduleCron,
		CronExpression: "*/5 * * * *"})
	env.clock.Set(baseTime.Add(10*time.Minute + 30*time.Second))

	const evaluators = 8
	var wg sync.WaitGroup
	for i := 0; i < evaluators; i++ {
		queue := NewDispatchQueue(env.queue, env.clock, time.Minute)
		triggers := NewTriggerService(env.schedules, env.definitions, queue, env.clock, env.notifier, 3)
		cron := NewCronEvaluator(triggers, env.clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, cron.Sweep(ctx))
		}()
	}
	wg.Wait()

	items := env.queueItems(t, s.ID)
	require.Len(t, items, 1)
	assert.Equal(t, "cron:1:2026-10-18T10:10:00Z", items[0].DedupKey.String)
	stored, err := env.schedules.FindByID(s.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(10*time.Minute), stored.LastTriggeredAt.Time.UTC())
}

// flakyQueueRepo fails the first Enqueue call.
type flakyQueueRepo struct {
	*repository.QueueRepository
	failed atomic.Bool
}

func (r *flakyQueueRepo) Enqueue(q *domain.QueueItem) (int64, error) {
	if r.failed.CompareAndSwap(false, true) {
		return 0, errors.New("database is locked")
	}
	return r.QueueRepository.Enqueue(q)
}

func TestCronSlotSurvivesFailedEnqueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "report", Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "every5", Type: domain.ScheduleCron,
		CronExpression: "*/5 * * * *"})
	queue := NewDispatchQueue(&flakyQueueRepo{QueueRepository: env.queue}, env.clock, time.Minute)
	triggers := NewTriggerService(env.schedules, env.definitions, queue, env.clock, env.notifier, 3)
	cron := NewCronEvaluator(triggers, env.clock)

	env.clock.Set(baseTime.Add(10*time.Minute + 10*time.Second))
	require.NoError(t, cron.Sweep(ctx))
	assert.Empty(t, env.queueItems(t, s.ID))
	stored, err := env.schedules.FindByID(s.ID)
	require.NoError(t, err)
	assert.False(t, stored.LastTriggeredAt.Valid, "slot stays due after a failed enqueue")
	assert.Equal(t, 1, stored.ConsecutiveFailures)

	env.clock.Set(baseTime.Add(10*time.Minute + 40*time.Second))
	require.NoError(t, cron.Sweep(ctx))
	items := env.queueItems(t, s.ID)
	require.Len(t, items, 1)
	assert.Equal(t, "cron:1:2026-10-18T10:10:00Z", items[0].DedupKey.String)
	stored, err = env.schedules.FindByID(s.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(10*time.Minute), stored.LastTriggeredAt.Time.UTC())
}

func TestCronSkipsPausedSchedules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "report", Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "every5", Type: domain.ScheduleCron,
		CronExpression: "*/5 * * * *"})
	require.NoError(t, env.manager.PauseSchedule(ctx, s.ID))

	env.clock.Set(baseTime.Add(10 * time.Minute))
	require.NoError(t, env.manager.Cron.Sweep(ctx))
	assert.Empty(t, env.queueItems(t, s.ID))

	require.NoError(t, env.manager.ResumeSchedule(ctx, s.ID))
	require.NoError(t, env.manager.Cron.Sweep(ctx))
	assert.Len(t, env.queueItems(t, s.ID), 1)
}
