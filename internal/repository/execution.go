package repository

import (
	"database/sql"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

type ExecutionRepository struct {
	db    *sql.DB
	clock core.Clock
}

const EXECUTION_COLUMNS = ` id, workflow_id, workflow_version, queue_item_id, schedule_id, status, worker_id,
		       started_at, completed_at, total_steps, completed_steps, failed_steps, skipped_steps,
		       error_kind, error_message, created `

const STEP_COLUMNS = ` id, execution_id, node_id, status, step_input, step_output, retry_count, error,
		       started_at, completed_at, duration_ms `

func NewExecutionRepository(db *sql.DB, clock core.Clock) *ExecutionRepository {
	return &ExecutionRepository{db: db, clock: clock}
}

func scanExecution(row scanner) (*domain.Execution, error) {
	var e domain.Execution
	err := row.Scan(
		&e.ID,
		&e.WorkflowID,
		&e.WorkflowVersion,
		&e.QueueItemID,
		&e.ScheduleID,
		&e.Status,
		&e.WorkerID,
		&e.StartedAt,
		&e.CompletedAt,
		&e.TotalSteps,
		&e.CompletedSteps,
		&e.FailedSteps,
		&e.SkippedSteps,
		&e.ErrorKind,
		&e.ErrorMessage,
		&e.Created,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts the execution in the queued state together with one pending row per step.
func (r *ExecutionRepository) Create(e *domain.Execution, nodeIDs []string) (int64, error) {
	e.Created = r.clock.Now()
	if e.Status == "" {
		e.Status = domain.ExecutionQueued
	}
	e.TotalSteps = len(nodeIDs)
	err := inTx(r.db, func(tx *sql.Tx) error {
		vals := []any{e.WorkflowID, e.WorkflowVersion, e.QueueItemID, e.ScheduleID, e.Status, e.WorkerID, e.TotalSteps,
			formatDateInDatabase(e.Created)}
		base := `INSERT INTO executions (
			workflow_id, workflow_version, queue_item_id, schedule_id, status, worker_id, total_steps, created
		) VALUES (` + placeholders(1, len(vals)) + `)`
		id, err := insertReturningID(tx, base, vals...)
		if err != nil {
			return err
		}
		e.ID = id
		for _, node := range nodeIDs {
			if _, err := tx.Exec(`INSERT INTO execution_steps (execution_id, node_id, status, retry_count, duration_ms)
				VALUES (`+placeholders(1, 5)+`)`, id, node, domain.StepPending, 0, 0); err != nil {
				return err
			}
		}
		return nil
	})
	return e.ID, err
}

func (r *ExecutionRepository) FindByID(id int64) (*domain.Execution, error) {
	e, err := scanExecution(r.db.QueryRow(`SELECT `+EXECUTION_COLUMNS+` FROM executions WHERE id = `+placeholder(1), id))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (r *ExecutionRepository) FindBySchedule(scheduleID int64, limit int) ([]*domain.Execution, error) {
	query := `SELECT ` + EXECUTION_COLUMNS + ` FROM executions WHERE schedule_id = ` + placeholder(1) +
		` ORDER BY id DESC LIMIT ` + placeholder(2)
	return r.findMany(query, scheduleID, limit)
}

// FindRunningByQueueItem returns non terminal executions attached to a queue item.
func (r *ExecutionRepository) FindRunningByQueueItem(queueItemID int64) ([]*domain.Execution, error) {
	query := `SELECT ` + EXECUTION_COLUMNS + ` FROM executions WHERE queue_item_id = ` + placeholder(1) +
		` AND status IN (` + placeholders(2, 2) + `) ORDER BY id ASC`
	return r.findMany(query, queueItemID, domain.ExecutionQueued, domain.ExecutionRunning)
}

// FindCompletedBetween returns terminal executions of a schedule completed in [from, to).
func (r *ExecutionRepository) FindCompletedBetween(scheduleID int64, from, to time.Time) ([]*domain.Execution, error) {
	query := `SELECT ` + EXECUTION_COLUMNS + ` FROM executions
		WHERE schedule_id = ` + placeholder(1) + ` AND completed_at IS NOT NULL
		  AND ` + dateAtOrAfter("completed_at", 2) + ` AND ` + dateBefore("completed_at", 3) + `
		ORDER BY completed_at ASC`
	return r.findMany(query, scheduleID, formatDateInDatabase(from), formatDateInDatabase(to))
}

// LastCompletedAt returns when the schedule last finished an execution.
func (r *ExecutionRepository) LastCompletedAt(scheduleID int64) (sql.NullTime, error) {
	query := `SELECT ` + EXECUTION_COLUMNS + ` FROM executions
		WHERE schedule_id = ` + placeholder(1) + ` AND completed_at IS NOT NULL
		ORDER BY completed_at DESC, id DESC LIMIT 1`
	e, err := scanExecution(r.db.QueryRow(query, scheduleID))
	if err == sql.ErrNoRows {
		return sql.NullTime{}, nil
	}
	if err != nil {
		return sql.NullTime{}, err
	}
	return e.CompletedAt, nil
}

func (r *ExecutionRepository) findMany(query string, args ...any) ([]*domain.Execution, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var executions []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// MarkRunning moves a queued execution to running for worker.
func (r *ExecutionRepository) MarkRunning(id int64, workerID string) (bool, error) {
	query := `
		UPDATE executions SET status = ` + placeholder(1) + `, worker_id = ` + placeholder(2) + `, started_at = ` + placeholder(3) + `
		WHERE id = ` + placeholder(4) + ` AND status = ` + placeholder(5)
	return r.cas(query, domain.ExecutionRunning, workerID, formatDateInDatabase(r.clock.Now()), id, domain.ExecutionQueued)
}

// Finish moves a running execution to a terminal status. It loses against a concurrent cancel.
func (r *ExecutionRepository) Finish(e *domain.Execution) (bool, error) {
	now := r.clock.Now()
	query := `
		UPDATE executions
		SET status = ` + placeholder(1) + `, completed_at = ` + placeholder(2) + `, completed_steps = ` + placeholder(3) + `,
		    failed_steps = ` + placeholder(4) + `, skipped_steps = ` + placeholder(5) + `, error_kind = ` + placeholder(6) + `,
		    error_message = ` + placeholder(7) + `
		WHERE id = ` + placeholder(8) + ` AND status = ` + placeholder(9)
	ok, err := r.cas(query, e.Status, formatDateInDatabase(now), e.CompletedSteps, e.FailedSteps, e.SkippedSteps,
		e.ErrorKind, e.ErrorMessage, e.ID, domain.ExecutionRunning)
	if ok {
		e.CompletedAt = sql.NullTime{Time: now, Valid: true}
	}
	return ok, err
}

// UpdateCounts records step progress for a cancelled execution after the fact.
func (r *ExecutionRepository) UpdateCounts(e *domain.Execution) error {
	query := `
		UPDATE executions SET completed_steps = ` + placeholder(1) + `, failed_steps = ` + placeholder(2) + `,
		    skipped_steps = ` + placeholder(3) + `
		WHERE id = ` + placeholder(4)
	_, err := r.db.Exec(query, e.CompletedSteps, e.FailedSteps, e.SkippedSteps, e.ID)
	return err
}

// Cancel moves a queued or running execution to cancelled.
func (r *ExecutionRepository) Cancel(id int64, kind, reason string) (bool, error) {
	query := `
		UPDATE executions SET status = ` + placeholder(1) + `, completed_at = ` + placeholder(2) + `,
		    error_kind = ` + placeholder(3) + `, error_message = ` + placeholder(4) + `
		WHERE id = ` + placeholder(5) + ` AND status IN (` + placeholders(6, 2) + `)`
	return r.cas(query, domain.ExecutionCancelled, formatDateInDatabase(r.clock.Now()), kind, reason, id,
		domain.ExecutionQueued, domain.ExecutionRunning)
}

// FailOrphan marks an execution abandoned by a dead worker as failed.
func (r *ExecutionRepository) FailOrphan(id int64, kind, message string) (bool, error) {
	query := `
		UPDATE executions SET status = ` + placeholder(1) + `, completed_at = ` + placeholder(2) + `,
		    error_kind = ` + placeholder(3) + `, error_message = ` + placeholder(4) + `
		WHERE id = ` + placeholder(5) + ` AND status IN (` + placeholders(6, 2) + `)`
	return r.cas(query, domain.ExecutionFailed, formatDateInDatabase(r.clock.Now()), kind, message, id,
		domain.ExecutionQueued, domain.ExecutionRunning)
}

func (r *ExecutionRepository) GetStatus(id int64) (string, error) {
	var status string
	err := r.db.QueryRow(`SELECT status FROM executions WHERE id = `+placeholder(1), id).Scan(&status)
	return status, notFound(err)
}

func (r *ExecutionRepository) cas(query string, args ...any) (bool, error) {
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateStep persists the mutable fields of a step.
func (r *ExecutionRepository) UpdateStep(s *domain.ExecutionStep) error {
	query := `
		UPDATE execution_steps
		SET status = ` + placeholder(1) + `, step_input = ` + placeholder(2) + `, step_output = ` + placeholder(3) + `,
		    retry_count = ` + placeholder(4) + `, error = ` + placeholder(5) + `, started_at = ` + placeholder(6) + `,
		    completed_at = ` + placeholder(7) + `, duration_ms = ` + placeholder(8) + `
		WHERE execution_id = ` + placeholder(9) + ` AND node_id = ` + placeholder(10)
	_, err := r.db.Exec(query, s.Status, s.Input, s.Output, s.RetryCount, s.Error, formatDateInDatabaseNull(s.StartedAt),
		formatDateInDatabaseNull(s.CompletedAt), s.DurationMs, s.ExecutionID, s.NodeID)
	return err
}

func (r *ExecutionRepository) FindSteps(executionID int64) ([]domain.ExecutionStep, error) {
	rows, err := r.db.Query(`SELECT `+STEP_COLUMNS+` FROM execution_steps WHERE execution_id = `+placeholder(1)+
		` ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.ExecutionStep
	for rows.Next() {
		var s domain.ExecutionStep
		if err := rows.Scan(&s.ID, &s.ExecutionID, &s.NodeID, &s.Status, &s.Input, &s.Output, &s.RetryCount, &s.Error,
			&s.StartedAt, &s.CompletedAt, &s.DurationMs); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
