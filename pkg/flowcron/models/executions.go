package models

import (
	"encoding/json"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// EnqueueRequest queues a manual run of a workflow outside any schedule.
type EnqueueRequest struct {
	WorkflowID   string         `json:"workflowId" validate:"required"`
	Priority     int            `json:"priority" validate:"omitempty,min=1,max=10"`
	MaxRetries   int            `json:"maxRetries,omitempty" validate:"min=0"`
	Payload      map[string]any `json:"payload,omitempty"`
	ScheduledFor *time.Time     `json:"scheduledFor,omitempty"`
	DedupKey     string         `json:"dedupKey,omitempty"`
}

type EnqueueResponse struct {
	ID int64 `json:"id"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type OkResponse struct {
	OK bool `json:"ok"`
}

type QueueItemResponse struct {
	ID              int64      `json:"id"`
	ScheduleID      *int64     `json:"scheduleId,omitempty"`
	WorkflowID      string     `json:"workflowId"`
	WorkflowVersion int        `json:"workflowVersion"`
	Priority        int        `json:"priority"`
	Status          string     `json:"status"`
	ScheduledFor    time.Time  `json:"scheduledFor"`
	RetryCount      int        `json:"retryCount"`
	MaxRetries      int        `json:"maxRetries"`
	ProcessingOwner string     `json:"processingOwner,omitempty"`
	ClaimExpiresAt  *time.Time `json:"claimExpiresAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	Created         time.Time  `json:"created"`
	Modified        time.Time  `json:"modified"`
}

func FromQueueItem(q *domain.QueueItem) QueueItemResponse {
	out := QueueItemResponse{
		ID:              q.ID,
		WorkflowID:      q.WorkflowID,
		WorkflowVersion: q.WorkflowVersion,
		Priority:        q.Priority,
		Status:          q.Status,
		ScheduledFor:    q.ScheduledFor,
		RetryCount:      q.RetryCount,
		MaxRetries:      q.MaxRetries,
		ProcessingOwner: q.ProcessingOwner.String,
		ClaimExpiresAt:  timePtr(q.ClaimExpiresAt),
		LastError:       q.LastError.String,
		Created:         q.Created,
		Modified:        q.Modified,
	}
	if q.ScheduleID.Valid {
		id := q.ScheduleID.Int64
		out.ScheduleID = &id
	}
	return out
}

type StepResponse struct {
	NodeID      string          `json:"nodeId"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	RetryCount  int             `json:"retryCount"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	DurationMs  int64           `json:"durationMs"`
}

type LogResponse struct {
	NodeID  string          `json:"nodeId,omitempty"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Context json.RawMessage `json:"context,omitempty"`
	Created time.Time       `json:"created"`
}

type ExecutionResponse struct {
	ID              int64          `json:"id"`
	WorkflowID      string         `json:"workflowId"`
	WorkflowVersion int            `json:"workflowVersion"`
	QueueItemID     int64          `json:"queueItemId"`
	ScheduleID      *int64         `json:"scheduleId,omitempty"`
	Status          string         `json:"status"`
	WorkerID        string         `json:"workerId,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	TotalSteps      int            `json:"totalSteps"`
	CompletedSteps  int            `json:"completedSteps"`
	FailedSteps     int            `json:"failedSteps"`
	SkippedSteps    int            `json:"skippedSteps"`
	ErrorKind       string         `json:"errorKind,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	Created         time.Time      `json:"created"`
	Steps           []StepResponse `json:"steps,omitempty"`
	Logs            []LogResponse  `json:"logs,omitempty"`
}

func FromExecution(e *domain.Execution, steps []domain.ExecutionStep, logs []domain.LogEntry) ExecutionResponse {
	out := ExecutionResponse{
		ID:              e.ID,
		WorkflowID:      e.WorkflowID,
		WorkflowVersion: e.WorkflowVersion,
		QueueItemID:     e.QueueItemID,
		Status:          e.Status,
		WorkerID:        e.WorkerID,
		StartedAt:       timePtr(e.StartedAt),
		CompletedAt:     timePtr(e.CompletedAt),
		TotalSteps:      e.TotalSteps,
		CompletedSteps:  e.CompletedSteps,
		FailedSteps:     e.FailedSteps,
		SkippedSteps:    e.SkippedSteps,
		ErrorKind:       e.ErrorKind.String,
		ErrorMessage:    e.ErrorMessage.String,
		Created:         e.Created,
	}
	if e.ScheduleID.Valid {
		id := e.ScheduleID.Int64
		out.ScheduleID = &id
	}
	for _, s := range steps {
		out.Steps = append(out.Steps, StepResponse{
			NodeID:      s.NodeID,
			Status:      s.Status,
			Input:       rawJSON(s.Input.String),
			Output:      rawJSON(s.Output.String),
			RetryCount:  s.RetryCount,
			Error:       s.Error.String,
			StartedAt:   timePtr(s.StartedAt),
			CompletedAt: timePtr(s.CompletedAt),
			DurationMs:  s.DurationMs,
		})
	}
	for _, l := range logs {
		out.Logs = append(out.Logs, LogResponse{
			NodeID:  l.NodeID,
			Level:   l.Level,
			Message: l.Message,
			Context: rawJSON(l.Context),
			Created: l.Created,
		})
	}
	return out
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

type HealthResponse struct {
	ScheduleID          int64   `json:"scheduleId"`
	Name                string  `json:"name"`
	HealthScore         float64 `json:"healthScore"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	LastError           string  `json:"lastError,omitempty"`
}

// PublishEventRequest is an external event delivered over HTTP.
type PublishEventRequest struct {
	ID          string         `json:"id,omitempty"`
	EventType   string         `json:"event_type" validate:"required"`
	EventSource string         `json:"event_source,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
}

type PutFactRequest struct {
	Value string `json:"value"`
}
