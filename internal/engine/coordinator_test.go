package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runManual enqueues a manual run of workflow and claims it.
func (env *testEnv) runManual(t *testing.T, workflow string, maxRetries int) *domain.QueueItem {
	t.Helper()
	_, err := env.manager.EnqueueManual(context.Background(), models.EnqueueRequest{WorkflowID: workflow, Priority: 5,
		MaxRetries: maxRetries})
	require.NoError(t, err)
	return env.claimOne(t, "w1")
}

func (env *testEnv) stepRecords(t *testing.T, executionID int64) map[string]domain.ExecutionStep {
	t.Helper()
	list, err := env.executions.FindSteps(executionID)
	require.NoError(t, err)
	out := make(map[string]domain.ExecutionStep, len(list))
	for _, s := range list {
		out[s.NodeID] = s
	}
	return out
}

func (env *testEnv) item(t *testing.T, id int64) *domain.QueueItem {
	t.Helper()
	item, err := env.queue.FindByID(id)
	require.NoError(t, err)
	return item
}

func failing(err error) core.ConnectorFunc {
	return func(context.Context, core.StepConfig, map[string]any) (map[string]any, error) { return nil, err }
}

func TestProcessCompletesAndPassesOutputs(t *testing.T) {
	env := newTestEnv(t)
	env.connectors.Set("echo", func(_ context.Context, cfg core.StepConfig, _ map[string]any) (map[string]any, error) {
		return map[string]any{"node": cfg.NodeID}, nil
	})
	env.define(t, &domain.WorkflowDefinition{Name: "etl", Steps: []domain.StepDefinition{
		{ID: "extract", Type: "echo"},
		{ID: "load", Type: "echo", DependsOn: []string{"extract"}},
	}})
	item := env.runManual(t, "etl", 0)

	exec, err := env.manager.Coordinator.Process(context.Background(), "w1", item)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.CompletedSteps)

	stored, err := env.executions.FindByID(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, stored.Status)
	assert.True(t, stored.CompletedAt.Valid)
	assert.Equal(t, "w1", stored.WorkerID)

	steps := env.stepRecords(t, exec.ID)
	assert.Equal(t, domain.StepCompleted, steps["load"].Status)
	assert.Contains(t, steps["load"].Input.String, `"steps":{"extract":{"node":"extract"}}`)
	assert.Contains(t, steps["load"].Input.String, `"trigger":"manual"`)
	assert.JSONEq(t, `{"node":"load"}`, steps["load"].Output.String)

	assert.Equal(t, domain.QueueCompleted, env.item(t, item.ID).Status)
	assert.Equal(t, 0, env.manager.Coordinator.Running())

	_, _, logs, err := env.manager.GetExecution(exec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "Execution started", logs[0].Message)
	assert.Equal(t, "Execution completed", logs[len(logs)-1].Message)
}

func TestProcessRetriesStepWithinBudget(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.connectors.Set("flaky", func(context.Context, core.StepConfig, map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return map[string]any{}, nil
	})
	env.define(t, &domain.WorkflowDefinition{Name: "etl", Steps: []domain.StepDefinition{
		{ID: "fetch", Type: "flaky", Retry: domain.StepRetry{MaxRetries: 1}},
	}})

	exec, err := env.manager.Coordinator.Process(context.Background(), "w1", env.runManual(t, "etl", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, int32(2), calls.Load())
	step := env.stepRecords(t, exec.ID)["fetch"]
	assert.Equal(t, domain.StepCompleted, step.Status)
	assert.Equal(t, 1, step.RetryCount)
	assert.False(t, step.Error.Valid)
}

func TestProcessFailExecutionPolicyStopsRun(t *testing.T) {
	env := newTestEnv(t)
	env.connectors.Set("fail", failing(errors.New("boom")))
	env.define(t, &domain.WorkflowDefinition{Name: "etl", Steps: []domain.StepDefinition{
		{ID: "a", Type: "fail"},
		{ID: "b", Type: "noop", DependsOn: []string{"a"}},
		{ID: "c", Type: "noop"},
	}})
	item := env.runManual(t, "etl", 0)

	exec, err := env.manager.Coordinator.Process(context.Background(), "w1", item)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, string(KindStepExecution), exec.ErrorKind.String)
	assert.Contains(t, exec.ErrorMessage.String, "boom")
	assert.Equal(t, 1, exec.FailedSteps)
	assert.Equal(t, 2, exec.SkippedSteps)

	steps := env.stepRecords(t, exec.ID)
	assert.Equal(t, domain.StepFailed, steps["a"].Status)
	assert.Equal(t, domain.StepSkipped, steps["b"].Status)
	assert.Equal(t, domain.StepSkipped, steps["c"].Status)
	assert.Equal(t, domain.QueueFailed, env.item(t, item.ID).Status, "no queue retries left")
}

func TestProcessSkipDependentsPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.connectors.Set("fail", failing(errors.New("boom")))
	env.define(t, &domain.WorkflowDefinition{Name: "etl",
		Settings: domain.WorkflowSettings{FailurePolicy: domain.SkipDependents},
		Steps: []domain.StepDefinition{
			{ID: "a", Type: "fail"},
			{ID: "b", Type: "noop", DependsOn: []string{"a"}},
			{ID: "d", Type: "noop", DependsOn: []string{"b"}},
			{ID: "c", Type: "noop"},
		}})

	exec, err := env.manager.Coordinator.Process(context.Background(), "w1", env.runManual(t, "etl", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, 1, exec.CompletedSteps)
	assert.Equal(t, 1, exec.FailedSteps)
	assert.Equal(t, 2, exec.SkippedSteps)

	steps := env.stepRecords(t, exec.ID)
	assert.Equal(t, domain.StepCompleted, steps["c"].Status)
	assert.Equal(t, domain.StepSkipped, steps["b"].Status)
	assert.Equal(t, domain.StepSkipped, steps["d"].Status)
	assert.Contains(t, steps["b"].Error.String, "dependency a failed")
}

func TestProcessRunsParallelGroupConcurrently(t *testing.T) {
	env := newTestEnv(t)
	var arrived atomic.Int32
	both := make(chan struct{})
	env.connectors.Set("meet", func(ctx context.Context, _ core.StepConfig, _ map[string]any) (map[string]any, error) {
		if arrived.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return map[string]any{}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("sibling never started")
		}
	})
	env.define(t, &domain.WorkflowDefinition{Name: "fan", Steps: []domain.StepDefinition{
		{ID: "left", Type: "meet", ParallelGroup: "g"},
		{ID: "right", Type: "meet", ParallelGroup: "g"},
		{ID: "join", Type: "noop", DependsOn: []string{"left", "right"}},
	}})

	exec, err := env.manager.Coordinator.Process(context.Background(), "w1", env.runManual(t, "fan", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, exec.CompletedSteps)
}

func TestProcessTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.connectors.Set("slow", func(ctx context.Context, _ core.StepConfig, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env.define(t, &domain.WorkflowDefinition{Name: "slow", Settings: domain.WorkflowSettings{TimeoutSeconds: 1},
		Steps: []domain.StepDefinition{{ID: "wait", Type: "slow", Retry: domain.StepRetry{MaxRetries: 3}}}})
	item := env.runManual(t, "slow", 3)

	exec, err := env.manager.Coordinator.Process(context.Background(), "w1", item)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionTimeout, exec.Status)
	assert.Equal(t, string(KindTimeout), exec.ErrorKind.String)

	step := env.stepRecords(t, exec.ID)["wait"]
	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Equal(t, 0, step.RetryCount, "a timed out run is not retried")
	assert.Equal(t, domain.QueueFailed, env.item(t, item.ID).Status)
}

func TestCancelRunningExecution(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan int64, 1)
	env.connectors.Set("block", func(ctx context.Context, cfg core.StepConfig, _ map[string]any) (map[string]any, error) {
		started <- cfg.ExecutionID
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env.define(t, &domain.WorkflowDefinition{Name: "long", Steps: []domain.StepDefinition{
		{ID: "wait", Type: "block"},
		{ID: "after", Type: "noop", DependsOn: []string{"wait"}},
	}})
	item := env.runManual(t, "long", 2)

	type result struct {
		exec *domain.Execution
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exec, err := env.manager.Coordinator.Process(context.Background(), "w1", item)
		done <- result{exec, err}
	}()

	var execID int64
	select {
	case execID = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("step never started")
	}
	require.NoError(t, env.manager.CancelExecution(context.Background(), execID, "operator request"))

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not stop")
	}
	require.NoError(t, res.err)
	assert.Equal(t, domain.ExecutionCancelled, res.exec.Status)

	stored, err := env.executions.FindByID(execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, stored.Status)
	assert.Equal(t, domain.StepSkipped, env.stepRecords(t, execID)["after"].Status)
	assert.Equal(t, domain.QueueCancelled, env.item(t, item.ID).Status, "a cancelled run is not retried")

	err = env.manager.CancelExecution(context.Background(), execID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestProcessRecoversConnectorPanic(t *testing.T) {
	env := newTestEnv(t)
	env.connectors.Set("panic", func(context.Context, core.StepConfig, map[string]any) (map[string]any, error) {
		panic("nil map")
	})
	env.define(t, &domain.WorkflowDefinition{Name: "bad", Steps: []domain.StepDefinition{{ID: "p", Type: "panic"}}})

	exec, err := env.manager.Coordinator.Process(context.Background(), "w1", env.runManual(t, "bad", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage.String, "connector panic: nil map")
}

func TestProcessUnknownStepTypeIsValidationFailure(t *testing.T) {
	env := newTestEnv(t)
	// stored directly, bypassing registration checks
	_, err := env.definitions.Save(&domain.WorkflowDefinition{Name: "ghost", Steps: []domain.StepDefinition{{ID: "x", Type: "ftp"}}})
	require.NoError(t, err)

	exec, err := env.manager.Coordinator.Process(context.Background(), "w1", env.runManual(t, "ghost", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, string(KindValidation), exec.ErrorKind.String)
}

func TestProcessRequeuesFailedRunWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	env.connectors.Set("fail", failing(errors.New("upstream 503")))
	env.define(t, &domain.WorkflowDefinition{Name: "etl", Steps: []domain.StepDefinition{{ID: "a", Type: "fail"}}})
	item := env.runManual(t, "etl", 2)

	exec, err := env.manager.Coordinator.Process(context.Background(), "w1", item)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)

	stored := env.item(t, item.ID)
	assert.Equal(t, domain.QueuePending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, baseTime.Add(5*time.Second), stored.ScheduledFor.UTC())
	assert.Contains(t, stored.LastError.String, "upstream 503")
	assert.False(t, stored.ProcessingOwner.Valid)
}

func TestNoOverlapSkipsSecondFiring(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, &domain.WorkflowDefinition{Name: "report", Settings: domain.WorkflowSettings{NoOverlap: true}, Steps: steps(1)})
	s := env.schedule(t, &domain.Schedule{WorkflowID: "report", Name: "every5", Type: domain.ScheduleCron,
		CronExpression: "*/5 * * * *"})

	held, ok, err := env.manager.Locks.Hold(ctx, ScheduleLockKey(s.ID), "other-worker:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.manager.Triggers.Fire(ctx, s, Decision{ShouldFire: true, FireAt: env.clock.Now(), DedupKey: "first"})
	require.NoError(t, err)
	item := env.claimOne(t, "w1")
	exec, err := env.manager.Coordinator.Process(ctx, "w1", item)
	require.NoError(t, err)
	assert.Nil(t, exec)
	assert.Equal(t, domain.QueueSkipped, env.item(t, item.ID).Status)

	var skipped int
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM execution_logs WHERE queue_item_id = ? AND message = ?`,
		item.ID, "Firing skipped").Scan(&skipped))
	assert.Equal(t, 1, skipped)

	require.NoError(t, held.Release(ctx))
	_, err = env.manager.Triggers.Fire(ctx, s, Decision{ShouldFire: true, FireAt: env.clock.Now(), DedupKey: "second"})
	require.NoError(t, err)
	exec, err = env.manager.Coordinator.Process(ctx, "w1", env.claimOne(t, "w1"))
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
}

func TestResourceLockSerializesSteps(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	active, peak := 0, 0
	env.connectors.Set("print", func(context.Context, core.StepConfig, map[string]any) (map[string]any, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return map[string]any{}, nil
	})
	env.define(t, &domain.WorkflowDefinition{Name: "print", Steps: []domain.StepDefinition{
		{ID: "p1", Type: "print", ParallelGroup: "g", Config: map[string]string{"lock": "printer"}},
		{ID: "p2", Type: "print", ParallelGroup: "g", Config: map[string]string{"lock": "printer"}},
	}})

	item := env.runManual(t, "print", 0)
	done := make(chan *domain.Execution, 1)
	go func() {
		exec, _ := env.manager.Coordinator.Process(context.Background(), "w1", item)
		done <- exec
	}()
	// the waiting step polls on the fake clock
	deadline := time.After(5 * time.Second)
	for {
		select {
		case exec := <-done:
			require.NotNil(t, exec)
			assert.Equal(t, domain.ExecutionCompleted, exec.Status)
			assert.Equal(t, 1, peak)
			return
		case <-deadline:
			t.Fatal("execution did not finish")
		case <-time.After(10 * time.Millisecond):
			env.clock.Add(time.Second)
		}
	}
}
