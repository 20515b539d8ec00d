package domain

import (
	"database/sql"
	"time"
)

type ScheduleType string

const (
	ScheduleCron        ScheduleType = "cron"
	ScheduleEvent       ScheduleType = "event"
	ScheduleConditional ScheduleType = "conditional"
	ScheduleBatch       ScheduleType = "batch"
	ScheduleCalendar    ScheduleType = "calendar"
)

// Valid reports whether t is one of the supported schedule types.
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleCron, ScheduleEvent, ScheduleConditional, ScheduleBatch, ScheduleCalendar:
		return true
	}
	return false
}

// Schedule binds a trigger to a workflow. Exactly one of the child configs is set,
// matching Type.
type Schedule struct {
	ID                  int64
	WorkflowID          string
	Name                string
	Type                ScheduleType
	Priority            int
	IsActive            bool
	LastTriggeredAt     sql.NullTime
	CronExpression      string
	Timezone            string
	MaxRetries          int
	ConsecutiveFailures int
	LastError           sql.NullString
	HealthScore         float64
	Created             time.Time
	Modified            time.Time

	Event    *EventTrigger
	Rules    []ConditionalRule
	Batch    *BatchState
	Calendar *CalendarLink
}

type EventTrigger struct {
	ScheduleID        int64
	EventType         string
	EventSource       string
	MatchConditions   map[string]string
	RateLimit         int
	RateWindowSeconds int
}

type ConditionSource string

const (
	SourceStore   ConditionSource = "store"
	SourceAPI     ConditionSource = "api"
	SourceTime    ConditionSource = "time"
	SourceFile    ConditionSource = "file"
	SourceWebhook ConditionSource = "webhook"
)

type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpGt        Operator = "gt"
	OpLt        Operator = "lt"
	OpContains  Operator = "contains"
	OpRegex     Operator = "regex"
	OpExists    Operator = "exists"
)

type ConditionalRule struct {
	ID              int64
	ScheduleID      int64
	ConditionSource ConditionSource
	Query           string
	Operator        Operator
	ExpectedValue   string
	EvaluationOrder int
	LastResult      sql.NullBool
	LastEvaluatedAt sql.NullTime
}

const (
	BatchIdle       = "idle"
	BatchProcessing = "processing"
)

type BatchState struct {
	ScheduleID         int64
	DataSource         string
	BatchSize          int
	Filter             string
	ProcessingStatus   string
	MaxConcurrency     int
	ParallelProcessing bool
	InFlight           int
	Cursor             string
	LastCheckedAt      sql.NullTime
	// Retries holds failed batches waiting to be dispatched again, oldest first.
	Retries []BatchRetry
}

// BatchRetry is a batch whose run failed. Its records are dispatched again ahead of new ones.
type BatchRetry struct {
	ID         int64
	ScheduleID int64
	Records    []string
	Attempt    int
	LastError  sql.NullString
	Created    time.Time
}

// Slots is the number of batches that may be in flight at once.
func (b *BatchState) Slots() int {
	if b.ParallelProcessing && b.MaxConcurrency > 1 {
		return b.MaxConcurrency
	}
	return 1
}

type CalendarLink struct {
	ScheduleID           int64
	CalendarID           string
	Provider             string
	SyncCursor           string
	TriggerOffsetMinutes int
	BusinessHoursOnly    bool
	SyncWindowMinutes    int
	LastSyncedAt         sql.NullTime
}
