package domain

import (
	"database/sql"
	"time"
)

const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
	QueueCancelled  = "cancelled"
	QueueSkipped    = "skipped"
)

type QueueItem struct {
	ID              int64
	ScheduleID      sql.NullInt64
	WorkflowID      string
	WorkflowVersion int
	Priority        int
	Status          string
	ScheduledFor    time.Time
	RetryCount      int
	MaxRetries      int
	ProcessingOwner sql.NullString
	ClaimExpiresAt  sql.NullTime
	DedupKey        sql.NullString
	Payload         sql.NullString
	LastError       sql.NullString
	Created         time.Time
	Modified        time.Time
}

// IsTerminalQueueStatus reports whether status is a final queue status.
func IsTerminalQueueStatus(status string) bool {
	switch status {
	case QueueCompleted, QueueFailed, QueueCancelled, QueueSkipped:
		return true
	}
	return false
}
