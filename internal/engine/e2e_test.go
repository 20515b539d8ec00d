package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A cron schedule fires, its item is claimed and the three step workflow completes
// after one step retry.
func TestCronScheduleEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var calls atomic.Int32
	env.connectors.Set("flaky", func(context.Context, core.StepConfig, map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}
		return map[string]any{"rows": 12}, nil
	})
	env.define(t, &domain.WorkflowDefinition{Name: "nightly", Steps: []domain.StepDefinition{
		{ID: "extract", Type: "noop"},
		{ID: "transform", Type: "flaky", DependsOn: []string{"extract"}, Retry: domain.StepRetry{MaxRetries: 1}},
		{ID: "load", Type: "noop", DependsOn: []string{"transform"}},
	}})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "nightly", Name: "every5", Type: domain.ScheduleCron,
		CronExpression: "*/5 * * * *", Priority: 5})
	before := s.HealthScore

	env.clock.Set(baseTime.Add(10 * time.Minute))
	require.NoError(t, env.manager.Cron.Sweep(ctx))

	item := env.claimOne(t, "w1")
	assert.Equal(t, s.ID, item.ScheduleID.Int64)
	assert.Equal(t, 5, item.Priority)

	exec, err := env.manager.Coordinator.Process(ctx, "w1", item)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, exec.CompletedSteps)

	stored, err := env.executions.FindByID(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, stored.Status)
	transform := env.stepRecords(t, exec.ID)["transform"]
	assert.Equal(t, 1, transform.RetryCount)
	assert.JSONEq(t, `{"rows":12}`, transform.Output.String)

	after, err := env.manager.ScheduleHealth(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(10*time.Minute), after.LastTriggeredAt.Time.UTC())
	assert.GreaterOrEqual(t, after.HealthScore, before)

	executions, err := env.manager.ListExecutions(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, exec.ID, executions[0].ID)
	assert.Equal(t, domain.QueueCompleted, env.item(t, item.ID).Status)
}
