package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orphan simulates a worker that claimed item, started an execution and died.
func (env *testEnv) orphan(t *testing.T, item *domain.QueueItem) *domain.Execution {
	t.Helper()
	exec := &domain.Execution{WorkflowID: item.WorkflowID, WorkflowVersion: item.WorkflowVersion, QueueItemID: item.ID,
		ScheduleID: item.ScheduleID, WorkerID: item.ProcessingOwner.String}
	_, err := env.executions.Create(exec, []string{"s1"})
	require.NoError(t, err)
	ok, err := env.executions.MarkRunning(exec.ID, item.ProcessingOwner.String)
	require.NoError(t, err)
	require.True(t, ok)
	return exec
}

func TestReaperRequeuesExpiredClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "etl", Steps: steps(1)})
	item := env.runManual(t, "etl", 2)
	exec := env.orphan(t, item)

	recovered, err := env.manager.Reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered, "claim still valid")

	env.clock.Add(2 * time.Minute)
	recovered, err = env.manager.Reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stored := env.item(t, item.ID)
	assert.Equal(t, domain.QueuePending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.False(t, stored.ProcessingOwner.Valid)
	assert.Contains(t, stored.LastError.String, "claim by w1 expired")

	failed, err := env.executions.FindByID(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, failed.Status)
	assert.Equal(t, string(KindTransientInfrastructure), failed.ErrorKind.String)

	// the item is claimable again by another worker
	again := env.claimOne(t, "w2")
	assert.Equal(t, item.ID, again.ID)
}

// A worker whose claim was reaped while the item sat in its buffer must not run or finish it.
func TestStaleClaimIsDroppedAfterTakeover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var calls atomic.Int32
	env.connectors.Set("count", func(ctx context.Context, cfg core.StepConfig, _ map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})
	env.define(t, &domain.WorkflowDefinition{Name: "etl", Steps: []domain.StepDefinition{{ID: "s1", Type: "count"}}})
	stale := env.runManual(t, "etl", 2)

	env.clock.Add(2 * time.Minute)
	recovered, err := env.manager.Reaper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)
	fresh := env.claimOne(t, "w2")
	require.Equal(t, stale.ID, fresh.ID)

	exec, err := env.manager.Coordinator.Process(ctx, "w1", stale)
	require.NoError(t, err)
	assert.Nil(t, exec)
	stored := env.item(t, fresh.ID)
	assert.Equal(t, domain.QueueProcessing, stored.Status)
	assert.Equal(t, "w2", stored.ProcessingOwner.String)

	exec, err = env.manager.Coordinator.Process(ctx, "w2", fresh)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, domain.QueueCompleted, env.item(t, fresh.ID).Status)
}

func TestReaperFailsItemWithoutRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "etl", Steps: steps(1)})
	item := env.runManual(t, "etl", 0)

	env.clock.Add(2 * time.Minute)
	recovered, err := env.manager.Reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, domain.QueueFailed, env.item(t, item.ID).Status)

	recovered, err = env.manager.Reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestReaperReleasesBatchSlotOfFailedItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "ingest", Steps: steps(1)})
	dir := spoolDir(t, "r1", "r2")
	s := env.schedule(t, &domain.Schedule{WorkflowID: "ingest", Name: "ingest", Type: domain.ScheduleBatch,
		Batch: &domain.BatchState{DataSource: "dir:" + dir, BatchSize: 2}})
	require.NoError(t, env.manager.Batches.Sweep(ctx))
	env.claimOne(t, "w1")

	env.clock.Add(2 * time.Minute)
	_, err := env.manager.Reaper.Sweep(ctx)
	require.NoError(t, err)

	stored, err := env.schedules.FindByID(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Batch.InFlight)
	require.Len(t, stored.Batch.Retries, 1, "records of the dead run are kept")
	assert.Equal(t, []string{"r1", "r2"}, stored.Batch.Retries[0].Records)
	assert.Contains(t, stored.Batch.Retries[0].LastError.String, "claim by w1 expired")
}
