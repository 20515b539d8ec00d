package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
	"golang.org/x/sync/errgroup"
)

var errExecutionCancelled = errors.New("execution cancelled")

const (
	levelInfo  = "INFO"
	levelWarn  = "WARN"
	levelError = "ERROR"
)

// ConnectorRegistry resolves the connector for a step type.
type ConnectorRegistry interface {
	Get(stepType string) (core.Connector, error)
}

// HealthRecorder recomputes a schedule's health after an execution ends.
type HealthRecorder interface {
	Recompute(ctx context.Context, scheduleID int64) (float64, error)
}

// Coordinator drives a claimed queue item through one execution of its workflow.
type Coordinator struct {
	queue       *DispatchQueue
	executions  ExecutionRepo
	logs        ExecutionLogRepo
	definitions DefinitionRepo
	schedules   ScheduleRepo
	locks       *LockManager
	connectors  ConnectorRegistry
	health      HealthRecorder
	notifier    core.Notifier
	clock       core.Clock
	claimTTL    time.Duration
	cancelPoll  time.Duration

	mu      sync.Mutex
	running map[int64]context.CancelCauseFunc
}

type CoordinatorConfig struct {
	Queue       *DispatchQueue
	Executions  ExecutionRepo
	Logs        ExecutionLogRepo
	Definitions DefinitionRepo
	Schedules   ScheduleRepo
	Locks       *LockManager
	Connectors  ConnectorRegistry
	Health      HealthRecorder
	Notifier    core.Notifier
	Clock       core.Clock
	ClaimTTL    time.Duration
	CancelPoll  time.Duration
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Minute
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = 2 * time.Second
	}
	return &Coordinator{
		queue:       cfg.Queue,
		executions:  cfg.Executions,
		logs:        cfg.Logs,
		definitions: cfg.Definitions,
		schedules:   cfg.Schedules,
		locks:       cfg.Locks,
		connectors:  cfg.Connectors,
		health:      cfg.Health,
		notifier:    cfg.Notifier,
		clock:       cfg.Clock,
		claimTTL:    cfg.ClaimTTL,
		cancelPoll:  cfg.CancelPoll,
		running:     map[int64]context.CancelCauseFunc{},
	}
}

// run is the in-memory state of one execution.
type run struct {
	exec     *domain.Execution
	item     *domain.QueueItem
	def      *domain.WorkflowDefinition
	graph    *stepGraph
	workerID string
	payload  map[string]any

	mu      sync.Mutex
	status  map[string]string
	outputs map[string]map[string]any
}

func (r *run) setStatus(id, status string) {
	r.mu.Lock()
	r.status[id] = status
	r.mu.Unlock()
}

// Process runs a claimed item to a terminal state. It returns nil when the firing was
// skipped because another execution of the schedule holds the no-overlap lock, or when
// workerID no longer holds the claim.
func (c *Coordinator) Process(ctx context.Context, workerID string, item *domain.QueueItem) (*domain.Execution, error) {
	ctx = context.WithValue(ctx, core.CtxKeyWorkerId, workerID)
	held, err := c.queue.Extend(ctx, item.ID, workerID)
	if err != nil {
		return nil, newError(KindTransientInfrastructure, "process", err)
	}
	if !held {
		slog.WarnContext(ctx, "Dropping queue item, claim no longer held", "queue_item_id", item.ID, "worker_id", workerID)
		return nil, nil
	}
	item.Status = domain.QueueProcessing
	item.ProcessingOwner = sql.NullString{String: workerID, Valid: true}
	def, err := c.definitions.FindVersion(item.WorkflowID, item.WorkflowVersion)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			verr := validationError("process", "workflow %s version %d not found", item.WorkflowID, item.WorkflowVersion)
			c.terminalItem(ctx, item, domain.QueueFailed, verr.Error(), false)
			return nil, verr
		}
		c.retryItem(ctx, item, nil, err.Error())
		return nil, newError(KindTransientInfrastructure, "process", err)
	}
	graph, err := newStepGraph(def)
	if err != nil {
		verr := newError(KindValidation, "process", err)
		c.terminalItem(ctx, item, domain.QueueFailed, verr.Error(), false)
		return nil, verr
	}

	var lease *Lease
	if def.Settings.NoOverlap && item.ScheduleID.Valid {
		lease, err = c.acquireNoOverlap(ctx, workerID, item, def)
		if err != nil {
			c.retryItem(ctx, item, def, err.Error())
			return nil, err
		}
		if lease == nil {
			return nil, nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				slog.WarnContext(ctx, "Failed to release no-overlap lock", "queue_item_id", item.ID, "error", err)
			}
		}()
	}

	exec := &domain.Execution{
		WorkflowID:      def.Name,
		WorkflowVersion: def.Version,
		QueueItemID:     item.ID,
		ScheduleID:      item.ScheduleID,
		WorkerID:        workerID,
	}
	if _, err := c.executions.Create(exec, graph.order); err != nil {
		c.retryItem(ctx, item, def, err.Error())
		return nil, newError(KindTransientInfrastructure, "create execution", err)
	}
	ctx = context.WithValue(ctx, core.CtxKeyExecutionId, exec.ID)
	if ok, err := c.executions.MarkRunning(exec.ID, workerID); err != nil || !ok {
		if err != nil {
			c.retryItem(ctx, item, def, err.Error())
			return exec, newError(KindTransientInfrastructure, "start execution", err)
		}
		exec.Status = domain.ExecutionCancelled
		c.log(ctx, exec, "", levelWarn, "Execution cancelled before start", nil)
		c.terminalItem(ctx, item, domain.QueueCancelled, "cancelled before start", false)
		return exec, nil
	}
	exec.Status = domain.ExecutionRunning
	exec.StartedAt = sql.NullTime{Time: c.clock.Now(), Valid: true}
	c.log(ctx, exec, "", levelInfo, "Execution started", map[string]any{"worker_id": workerID, "version": def.Version,
		"attempt": item.RetryCount})
	slog.InfoContext(ctx, "Execution started", "execution_id", exec.ID, "queue_item_id", item.ID, "workflow", def.Name,
		"worker_id", workerID)

	parent := ctx
	if lease != nil {
		parent = lease.Context()
	}
	execCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if def.Settings.TimeoutSeconds > 0 {
		var stop context.CancelFunc
		execCtx, stop = context.WithTimeout(execCtx, time.Duration(def.Settings.TimeoutSeconds)*time.Second)
		defer stop()
	}
	c.register(exec.ID, cancel)
	defer c.unregister(exec.ID)
	go c.watch(execCtx, cancel, exec.ID, item.ID, workerID)

	r := &run{
		exec:     exec,
		item:     item,
		def:      def,
		graph:    graph,
		workerID: workerID,
		payload:  decodePayload(item.Payload.String),
		status:   make(map[string]string, len(graph.order)),
		outputs:  map[string]map[string]any{},
	}
	for _, id := range graph.order {
		r.status[id] = domain.StepPending
	}
	stepErr := c.runSteps(execCtx, r)

	c.finish(ctx, execCtx, r, lease, stepErr)
	return exec, nil
}

func (c *Coordinator) acquireNoOverlap(ctx context.Context, workerID string, item *domain.QueueItem,
	def *domain.WorkflowDefinition) (*Lease, error) {
	ttl := time.Duration(def.Settings.LockTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = c.claimTTL
	}
	holder := fmt.Sprintf("%s:%d", workerID, item.ID)
	lease, ok, err := c.locks.Hold(ctx, ScheduleLockKey(item.ScheduleID.Int64), holder, ttl)
	if err != nil {
		return nil, err
	}
	if ok {
		return lease, nil
	}
	reason := newError(KindLockContention, "no-overlap", fmt.Errorf("schedule %d already has a running execution", item.ScheduleID.Int64))
	c.saveLog(ctx, &domain.LogEntry{QueueItemID: item.ID, Level: levelWarn, Message: "Firing skipped",
		Context: encodeContext(map[string]any{"error_kind": string(KindLockContention), "error": reason.Error()})})
	slog.InfoContext(ctx, "Firing skipped by no-overlap lock", "queue_item_id", item.ID, "schedule_id", item.ScheduleID.Int64)
	c.terminalItem(ctx, item, domain.QueueSkipped, reason.Error(), false)
	return nil, nil
}

// runSteps executes the graph in waves and returns the first step failure.
func (c *Coordinator) runSteps(ctx context.Context, r *run) error {
	var firstErr error
	policy := r.def.Settings.FailurePolicy
	for ctx.Err() == nil {
		ready := r.graph.ready(r.status)
		if len(ready) == 0 {
			break
		}
		wave := ready[:1]
		if group := ready[0].ParallelGroup; group != "" {
			wave = wave[:0]
			for _, s := range ready {
				if s.ParallelGroup == group {
					wave = append(wave, s)
				}
			}
		}
		inputs := make([]map[string]any, len(wave))
		for i, s := range wave {
			inputs[i] = r.stepInput(s)
			r.setStatus(s.ID, domain.StepRunning)
		}
		outputs := make([]map[string]any, len(wave))
		errs := make([]error, len(wave))
		var g errgroup.Group
		limit := r.def.Settings.MaxParallel
		if limit <= 0 {
			limit = len(wave)
		}
		g.SetLimit(limit)
		for i, s := range wave {
			g.Go(func() error {
				outputs[i], errs[i] = c.runStep(ctx, r, s, inputs[i])
				return nil
			})
		}
		_ = g.Wait()

		stop := false
		for i, s := range wave {
			if errs[i] == nil {
				r.mu.Lock()
				r.status[s.ID] = domain.StepCompleted
				r.outputs[s.ID] = outputs[i]
				r.mu.Unlock()
				continue
			}
			r.setStatus(s.ID, domain.StepFailed)
			if firstErr == nil {
				firstErr = errs[i]
			}
			if policy == domain.SkipDependents {
				for _, dep := range r.graph.descendants(s.ID) {
					c.skipStep(ctx, r, dep, "dependency "+s.ID+" failed")
				}
			} else {
				stop = true
			}
		}
		if stop {
			break
		}
	}
	return firstErr
}

func (r *run) stepInput(s domain.StepDefinition) map[string]any {
	input := make(map[string]any, len(r.payload)+1)
	for k, v := range r.payload {
		input[k] = v
	}
	r.mu.Lock()
	steps := make(map[string]any, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		steps[dep] = r.outputs[dep]
	}
	r.mu.Unlock()
	input["steps"] = steps
	return input
}

// runStep executes one step with its own retry budget.
func (c *Coordinator) runStep(ctx context.Context, r *run, s domain.StepDefinition, input map[string]any) (map[string]any, error) {
	rec := &domain.ExecutionStep{ExecutionID: r.exec.ID, NodeID: s.ID, Input: encodeJSON(input)}
	connector, err := c.connectors.Get(s.Type)
	if err != nil {
		verr := newError(KindValidation, "step "+s.ID, err)
		c.failStep(ctx, r, rec, verr)
		return nil, verr
	}
	if name := s.Config["lock"]; name != "" {
		lease, err := c.waitResource(ctx, r, s, name)
		if err != nil {
			c.failStep(ctx, r, rec, err)
			return nil, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				slog.WarnContext(ctx, "Failed to release resource lock", "lock", lease.Key, "error", err)
			}
		}()
		ctx = lease.Context()
	}

	rc := models.RetryConfig{
		MaxRetryCount:    s.Retry.MaxRetries,
		RetryIntervalMin: s.Retry.BackoffMin,
		RetryIntervalMax: s.Retry.BackoffMax,
	}
	if rc.RetryIntervalMax < rc.RetryIntervalMin {
		rc.RetryIntervalMax = rc.RetryIntervalMin
	}
	for attempt := 0; ; attempt++ {
		rec.Status = domain.StepRunning
		rec.RetryCount = attempt
		rec.StartedAt = sql.NullTime{Time: c.clock.Now(), Valid: true}
		rec.CompletedAt = sql.NullTime{}
		c.saveStep(ctx, rec)
		c.log(ctx, r.exec, s.ID, levelInfo, "Step running", map[string]any{"attempt": attempt, "type": s.Type})

		cfg := core.StepConfig{ExecutionID: r.exec.ID, NodeID: s.ID, Type: s.Type, Attempt: attempt, Config: s.Config}
		out, err := invoke(ctx, connector, cfg, input)
		if err == nil {
			rec.Status = domain.StepCompleted
			rec.Output = encodeJSON(out)
			rec.Error = sql.NullString{}
			c.endStep(rec)
			c.saveStep(ctx, rec)
			stepRuns.WithLabelValues(domain.StepCompleted).Inc()
			c.log(ctx, r.exec, s.ID, levelInfo, "Step completed", map[string]any{"attempt": attempt, "duration_ms": rec.DurationMs})
			return out, nil
		}
		if ctx.Err() != nil {
			err = stepContextError(ctx, s.ID, err)
			c.failStep(ctx, r, rec, err)
			return nil, err
		}
		if attempt >= s.Retry.MaxRetries {
			c.failStep(ctx, r, rec, err)
			return nil, err
		}
		wait := rc.SlidingInterval(attempt)
		rec.Status = domain.StepRetrying
		rec.Error = sql.NullString{String: err.Error(), Valid: true}
		c.endStep(rec)
		c.saveStep(ctx, rec)
		r.setStatus(s.ID, domain.StepRetrying)
		stepRuns.WithLabelValues(domain.StepRetrying).Inc()
		c.log(ctx, r.exec, s.ID, levelWarn, "Step retrying", map[string]any{"attempt": attempt, "error": err.Error(),
			"backoff": wait.String()})
		select {
		case <-ctx.Done():
			err = stepContextError(ctx, s.ID, err)
			c.failStep(ctx, r, rec, err)
			return nil, err
		case <-c.clock.After(wait):
		}
		r.setStatus(s.ID, domain.StepRunning)
	}
}

// waitResource blocks until the step's resource lock is held or ctx ends.
func (c *Coordinator) waitResource(ctx context.Context, r *run, s domain.StepDefinition, name string) (*Lease, error) {
	ttl := time.Duration(r.def.Settings.LockTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = c.claimTTL
	}
	holder := fmt.Sprintf("%s:%d:%s", r.workerID, r.exec.ID, s.ID)
	logged := false
	for {
		lease, ok, err := c.locks.Hold(ctx, ResourceLockKey(name), holder, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		if !logged {
			c.log(ctx, r.exec, s.ID, levelInfo, "Waiting for resource lock", map[string]any{"lock": name})
			logged = true
		}
		select {
		case <-ctx.Done():
			return nil, newError(KindLockContention, "step "+s.ID, fmt.Errorf("resource %s not acquired: %w", name, ctx.Err()))
		case <-c.clock.After(time.Second):
		}
	}
}

// invoke calls the connector and converts a panic into a step error.
func invoke(ctx context.Context, conn core.Connector, cfg core.StepConfig, input map[string]any) (out map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = newError(KindStepExecution, "step "+cfg.NodeID, fmt.Errorf("connector panic: %v", p))
		}
	}()
	out, err = conn.Execute(ctx, cfg, input)
	if err != nil {
		var ee *EngineError
		if !errors.As(err, &ee) {
			err = newError(KindStepExecution, "step "+cfg.NodeID, err)
		}
	}
	return out, err
}

func stepContextError(ctx context.Context, nodeID string, err error) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return newError(KindTimeout, "step "+nodeID, fmt.Errorf("execution timed out: %w", err))
	}
	if errors.Is(cause, errExecutionCancelled) {
		return newError(KindStepExecution, "step "+nodeID, fmt.Errorf("%w: %v", errExecutionCancelled, err))
	}
	return newError(KindStepExecution, "step "+nodeID, fmt.Errorf("interrupted (%v): %w", cause, err))
}

func (c *Coordinator) failStep(ctx context.Context, r *run, rec *domain.ExecutionStep, err error) {
	rec.Status = domain.StepFailed
	rec.Error = sql.NullString{String: err.Error(), Valid: true}
	if !rec.StartedAt.Valid {
		rec.StartedAt = sql.NullTime{Time: c.clock.Now(), Valid: true}
	}
	c.endStep(rec)
	c.saveStep(ctx, rec)
	stepRuns.WithLabelValues(domain.StepFailed).Inc()
	c.log(ctx, r.exec, rec.NodeID, levelError, "Step failed", map[string]any{"error": err.Error(),
		"error_kind": string(Classify(err)), "attempt": rec.RetryCount})
}

func (c *Coordinator) skipStep(ctx context.Context, r *run, nodeID, reason string) {
	r.mu.Lock()
	if r.status[nodeID] != domain.StepPending {
		r.mu.Unlock()
		return
	}
	r.status[nodeID] = domain.StepSkipped
	r.mu.Unlock()
	c.saveStep(ctx, &domain.ExecutionStep{ExecutionID: r.exec.ID, NodeID: nodeID, Status: domain.StepSkipped,
		Error: sql.NullString{String: reason, Valid: true}})
	c.log(ctx, r.exec, nodeID, levelInfo, "Step skipped", map[string]any{"reason": reason})
}

func (c *Coordinator) endStep(rec *domain.ExecutionStep) {
	now := c.clock.Now()
	rec.CompletedAt = sql.NullTime{Time: now, Valid: true}
	if rec.StartedAt.Valid {
		rec.DurationMs = now.Sub(rec.StartedAt.Time).Milliseconds()
	}
}

func (c *Coordinator) saveStep(ctx context.Context, rec *domain.ExecutionStep) {
	if err := c.executions.UpdateStep(rec); err != nil {
		slog.ErrorContext(ctx, "Failed to persist step", "execution_id", rec.ExecutionID, "node_id", rec.NodeID, "error", err)
	}
}

// finish decides the terminal status, persists it and maps it onto the queue item.
func (c *Coordinator) finish(ctx, execCtx context.Context, r *run, lease *Lease, stepErr error) {
	bg := context.WithoutCancel(ctx)
	exec := r.exec
	cause := context.Cause(execCtx)
	if execCtx.Err() == nil {
		cause = nil
	}

	var kind Kind
	var message string
	touchQueue := true
	switch {
	case errors.Is(cause, errExecutionCancelled):
		exec.Status = domain.ExecutionCancelled
		kind, message = KindStepExecution, "cancelled"
	case errors.Is(cause, context.DeadlineExceeded):
		exec.Status = domain.ExecutionTimeout
		kind, message = KindTimeout, fmt.Sprintf("exceeded %ds timeout", r.def.Settings.TimeoutSeconds)
	case errors.Is(cause, ErrClaimLost):
		exec.Status = domain.ExecutionFailed
		kind, message = KindTransientInfrastructure, "queue claim lost"
		touchQueue = false
	case lease != nil && lease.Lost():
		exec.Status = domain.ExecutionFailed
		kind, message = KindLockContention, "no-overlap lock lost"
	case ctx.Err() != nil:
		exec.Status = domain.ExecutionFailed
		kind, message = KindTransientInfrastructure, "worker stopped"
	case stepErr != nil:
		exec.Status = domain.ExecutionFailed
		kind, message = Classify(stepErr), stepErr.Error()
	default:
		exec.Status = domain.ExecutionCompleted
	}

	for _, id := range r.graph.order {
		c.skipStep(bg, r, id, "execution "+exec.Status)
	}
	r.mu.Lock()
	exec.CompletedSteps, exec.FailedSteps, exec.SkippedSteps = 0, 0, 0
	for _, st := range r.status {
		switch st {
		case domain.StepCompleted:
			exec.CompletedSteps++
		case domain.StepFailed, domain.StepRetrying, domain.StepRunning:
			exec.FailedSteps++
		case domain.StepSkipped:
			exec.SkippedSteps++
		}
	}
	r.mu.Unlock()
	if kind != "" {
		exec.ErrorKind = sql.NullString{String: string(kind), Valid: true}
		exec.ErrorMessage = sql.NullString{String: message, Valid: true}
	}

	if exec.Status == domain.ExecutionCancelled {
		if err := c.executions.UpdateCounts(exec); err != nil {
			slog.ErrorContext(bg, "Failed to update execution counts", "execution_id", exec.ID, "error", err)
		}
	} else {
		ok, err := c.executions.Finish(exec)
		if err != nil {
			slog.ErrorContext(bg, "Failed to finish execution", "execution_id", exec.ID, "error", err)
		}
		if err == nil && !ok {
			status, serr := c.executions.GetStatus(exec.ID)
			if serr == nil && status == domain.ExecutionCancelled {
				exec.Status = domain.ExecutionCancelled
				exec.ErrorKind = sql.NullString{String: string(KindStepExecution), Valid: true}
				exec.ErrorMessage = sql.NullString{String: "cancelled", Valid: true}
				_ = c.executions.UpdateCounts(exec)
			} else {
				slog.WarnContext(bg, "Execution finished elsewhere", "execution_id", exec.ID, "status", status)
				exec.Status = status
				touchQueue = false
			}
		}
	}
	if !exec.CompletedAt.Valid {
		exec.CompletedAt = sql.NullTime{Time: c.clock.Now(), Valid: true}
	}

	level := levelInfo
	if exec.Status != domain.ExecutionCompleted {
		level = levelError
	}
	c.log(bg, exec, "", level, "Execution "+exec.Status, map[string]any{
		"completed_steps": exec.CompletedSteps, "failed_steps": exec.FailedSteps, "skipped_steps": exec.SkippedSteps,
		"error_kind": exec.ErrorKind.String, "error": exec.ErrorMessage.String,
	})
	executionsFinished.WithLabelValues(exec.Status).Inc()
	slog.InfoContext(bg, "Execution finished", "execution_id", exec.ID, "queue_item_id", r.item.ID, "status", exec.Status,
		"error_kind", exec.ErrorKind.String)

	if !touchQueue {
		return
	}
	switch exec.Status {
	case domain.ExecutionCompleted:
		c.terminalItem(bg, r.item, domain.QueueCompleted, "", true)
	case domain.ExecutionCancelled:
		c.terminalItem(bg, r.item, domain.QueueCancelled, message, false)
	case domain.ExecutionTimeout:
		c.terminalItem(bg, r.item, domain.QueueFailed, message, false)
	default:
		c.retryItem(bg, r.item, r.def, message)
	}
}

// terminalItem completes the queue item and runs the end of run bookkeeping.
func (c *Coordinator) terminalItem(ctx context.Context, item *domain.QueueItem, status, message string, succeeded bool) {
	if err := c.queue.Complete(ctx, item.ID, item.ProcessingOwner.String, status, message); err != nil {
		if errors.Is(err, ErrClaimLost) {
			slog.WarnContext(ctx, "Queue item taken over, outcome not recorded", "queue_item_id", item.ID, "status", status)
			return
		}
		slog.ErrorContext(ctx, "Failed to complete queue item", "queue_item_id", item.ID, "status", status, "error", err)
	}
	item.Status = status
	c.afterTerminal(ctx, item, succeeded, message)
}

// retryItem requeues a failed item with backoff, or fails it when the retry budget is spent.
func (c *Coordinator) retryItem(ctx context.Context, item *domain.QueueItem, def *domain.WorkflowDefinition, message string) {
	var settings domain.WorkflowSettings
	if def != nil {
		settings = def.Settings
	}
	requeued, err := c.queue.Requeue(ctx, item.ID, item.ProcessingOwner.String, RetryDelay(settings, item.RetryCount), message)
	if errors.Is(err, ErrClaimLost) {
		slog.WarnContext(ctx, "Queue item taken over, retry not recorded", "queue_item_id", item.ID)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to requeue item", "queue_item_id", item.ID, "error", err)
		return
	}
	if requeued {
		item.Status = domain.QueuePending
		return
	}
	item.Status = domain.QueueFailed
	c.afterTerminal(ctx, item, false, message)
}

// afterTerminal releases the batch slot and recomputes the schedule's health. The cursor
// moves past every finished batch; records of a batch that did not succeed are kept as a
// retry unless the run was cancelled.
func (c *Coordinator) afterTerminal(ctx context.Context, item *domain.QueueItem, succeeded bool, reason string) {
	if !item.ScheduleID.Valid {
		return
	}
	sid := item.ScheduleID.Int64
	if batch, ok := ParseBatchPayload(item.Payload.String); ok {
		var retry *domain.BatchRetry
		if !succeeded && item.Status != domain.QueueCancelled {
			retry = c.batchRetry(ctx, sid, batch, reason)
		}
		if err := c.schedules.ReleaseBatchSlot(sid, batch.Cursor, retry); err != nil {
			slog.ErrorContext(ctx, "Failed to release batch slot", "schedule_id", sid, "error", err)
		}
	}
	if c.health != nil {
		if _, err := c.health.Recompute(ctx, sid); err != nil {
			slog.WarnContext(ctx, "Failed to recompute health", "schedule_id", sid, "error", err)
		}
	}
}

// batchRetry builds the retry entry for a failed batch, or alerts and returns nil once the
// batch has been dispatched MaxBatchRedispatch times.
func (c *Coordinator) batchRetry(ctx context.Context, scheduleID int64, batch BatchPayload, reason string) *domain.BatchRetry {
	attempt := batch.Attempt + 1
	if attempt > MaxBatchRedispatch {
		slog.ErrorContext(ctx, "Giving up on failed batch", "schedule_id", scheduleID, "records", len(batch.Records),
			"cursor", batch.Cursor, "attempts", attempt)
		batchesAbandoned.Inc()
		raiseAlert(ctx, c.notifier, core.Alert{
			Severity: core.SeverityCritical,
			Title:    "Batch abandoned",
			Message: fmt.Sprintf("batch of %d records ending at %s failed %d times and will not be dispatched again: %s",
				len(batch.Records), batch.Cursor, attempt, reason),
			ScheduleID: scheduleID,
		})
		return nil
	}
	slog.WarnContext(ctx, "Failed batch kept for another run", "schedule_id", scheduleID, "records", len(batch.Records),
		"cursor", batch.Cursor, "attempt", attempt)
	return &domain.BatchRetry{
		Records:   batch.Records,
		Attempt:   attempt,
		LastError: sql.NullString{String: reason, Valid: reason != ""},
	}
}

// Cancel stops an execution. A running execution in this process is interrupted immediately,
// others notice through the status watcher.
func (c *Coordinator) Cancel(ctx context.Context, executionID int64, reason string) error {
	if reason == "" {
		reason = "cancelled by request"
	}
	ok, err := c.executions.Cancel(executionID, string(KindStepExecution), reason)
	if err != nil {
		return newError(KindTransientInfrastructure, "cancel", err)
	}
	if !ok {
		status, err := c.executions.GetStatus(executionID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: execution %d is %s", ErrInvalidState, executionID, status)
	}
	c.saveLog(ctx, &domain.LogEntry{ExecutionID: executionID, Level: levelWarn, Message: "Cancellation requested",
		Context: encodeContext(map[string]any{"reason": reason})})
	c.mu.Lock()
	cancel := c.running[executionID]
	c.mu.Unlock()
	if cancel != nil {
		cancel(errExecutionCancelled)
	}
	slog.InfoContext(ctx, "Execution cancelled", "execution_id", executionID, "reason", reason)
	return nil
}

func (c *Coordinator) register(id int64, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	c.running[id] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) unregister(id int64) {
	c.mu.Lock()
	delete(c.running, id)
	c.mu.Unlock()
}

// Running returns the number of executions in progress in this process.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// watch extends the queue claim and picks up cancellations made by other processes.
func (c *Coordinator) watch(ctx context.Context, cancel context.CancelCauseFunc, executionID, itemID int64, workerID string) {
	interval := c.cancelPoll
	if ext := c.claimTTL / 3; ext > 0 && ext < interval {
		interval = ext
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
		}
		status, err := c.executions.GetStatus(executionID)
		if err == nil && status == domain.ExecutionCancelled {
			cancel(errExecutionCancelled)
			return
		}
		ok, err := c.queue.Extend(ctx, itemID, workerID)
		if err != nil {
			slog.WarnContext(ctx, "Failed to extend claim", "queue_item_id", itemID, "error", err)
			continue
		}
		if !ok && ctx.Err() == nil {
			slog.ErrorContext(ctx, "Queue claim lost", "queue_item_id", itemID, "execution_id", executionID)
			cancel(ErrClaimLost)
			return
		}
	}
}

func (c *Coordinator) log(ctx context.Context, exec *domain.Execution, nodeID, level, message string, fields map[string]any) {
	c.saveLog(ctx, &domain.LogEntry{
		ExecutionID: exec.ID,
		QueueItemID: exec.QueueItemID,
		NodeID:      nodeID,
		Level:       level,
		Message:     message,
		Context:     encodeContext(fields),
	})
}

// saveLog appends to the execution log. A failed write is reported but never stops the run.
func (c *Coordinator) saveLog(ctx context.Context, entry *domain.LogEntry) {
	if _, err := c.logs.Save(entry); err != nil {
		slog.WarnContext(ctx, "Failed to append execution log", "execution_id", entry.ExecutionID, "message", entry.Message,
			"error", err)
	}
}

func encodeContext(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf(`{"encode_error":%q}`, err.Error())
	}
	return string(b)
}

func encodeJSON(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{String: fmt.Sprintf(`{"encode_error":%q}`, err.Error()), Valid: true}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func decodePayload(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("Queue item payload is not a JSON object", "error", err)
		return map[string]any{"raw": raw}
	}
	return out
}
