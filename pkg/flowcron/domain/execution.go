package domain

import (
	"database/sql"
	"time"
)

const (
	ExecutionQueued    = "queued"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
	ExecutionTimeout   = "timeout"
)

const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
	StepRetrying  = "retrying"
)

type Execution struct {
	ID              int64
	WorkflowID      string
	WorkflowVersion int
	QueueItemID     int64
	ScheduleID      sql.NullInt64
	Status          string
	WorkerID        string
	StartedAt       sql.NullTime
	CompletedAt     sql.NullTime
	TotalSteps      int
	CompletedSteps  int
	FailedSteps     int
	SkippedSteps    int
	ErrorKind       sql.NullString
	ErrorMessage    sql.NullString
	Created         time.Time
}

// Duration is the wall time between start and completion, zero while running.
func (e *Execution) Duration() time.Duration {
	if !e.StartedAt.Valid || !e.CompletedAt.Valid {
		return 0
	}
	return e.CompletedAt.Time.Sub(e.StartedAt.Time)
}

func IsTerminalExecutionStatus(status string) bool {
	switch status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

type ExecutionStep struct {
	ID          int64
	ExecutionID int64
	NodeID      string
	Status      string
	Input       sql.NullString
	Output      sql.NullString
	RetryCount  int
	Error       sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
	DurationMs  int64
}

// LogEntry is an append-only record of an execution state transition.
type LogEntry struct {
	ID          int64
	ExecutionID int64
	QueueItemID int64
	NodeID      string
	Level       string
	Message     string
	Context     string
	Created     time.Time
}
