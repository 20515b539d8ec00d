package models

import (
	"database/sql"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

type EventTriggerRequest struct {
	EventType         string            `json:"eventType" validate:"required"`
	EventSource       string            `json:"eventSource,omitempty"`
	MatchConditions   map[string]string `json:"matchConditions,omitempty"`
	RateLimit         int               `json:"rateLimit,omitempty" validate:"min=0"`
	RateWindowSeconds int               `json:"rateWindowSeconds,omitempty" validate:"min=0"`
}

type ConditionalRuleRequest struct {
	ConditionSource string `json:"conditionSource" validate:"required,oneof=store api time file webhook"`
	Query           string `json:"query"`
	Operator        string `json:"operator" validate:"required,oneof=equals not_equals gt lt contains regex exists"`
	ExpectedValue   string `json:"expectedValue,omitempty"`
}

type BatchRequest struct {
	DataSource         string `json:"dataSource" validate:"required"`
	BatchSize          int    `json:"batchSize" validate:"min=1"`
	Filter             string `json:"filter,omitempty"`
	MaxConcurrency     int    `json:"maxConcurrency,omitempty" validate:"min=0"`
	ParallelProcessing bool   `json:"parallelProcessing,omitempty"`
}

type CalendarRequest struct {
	CalendarID           string `json:"calendarId" validate:"required"`
	Provider             string `json:"provider,omitempty"`
	TriggerOffsetMinutes int    `json:"triggerOffsetMinutes,omitempty"`
	BusinessHoursOnly    bool   `json:"businessHoursOnly,omitempty"`
	SyncWindowMinutes    int    `json:"syncWindowMinutes,omitempty" validate:"min=0"`
}

// ScheduleRequest is the payload for creating or updating a schedule. Exactly one of the
// trigger blocks matching Type is read.
type ScheduleRequest struct {
	WorkflowID     string                   `json:"workflowId" validate:"required"`
	Name           string                   `json:"name" validate:"required"`
	Type           string                   `json:"type" validate:"required,oneof=cron event conditional batch calendar"`
	Priority       int                      `json:"priority" validate:"min=1,max=10"`
	Paused         bool                     `json:"paused,omitempty"`
	CronExpression string                   `json:"cronExpression,omitempty"`
	Timezone       string                   `json:"timezone,omitempty"`
	MaxRetries     int                      `json:"maxRetries,omitempty" validate:"min=0"`
	Event          *EventTriggerRequest     `json:"event,omitempty"`
	Rules          []ConditionalRuleRequest `json:"rules,omitempty" validate:"dive"`
	Batch          *BatchRequest            `json:"batch,omitempty"`
	Calendar       *CalendarRequest         `json:"calendar,omitempty"`
}

// ToSchedule builds the domain schedule. Rules keep the order they were sent in.
func (r ScheduleRequest) ToSchedule() *domain.Schedule {
	s := &domain.Schedule{
		WorkflowID:     r.WorkflowID,
		Name:           r.Name,
		Type:           domain.ScheduleType(r.Type),
		Priority:       r.Priority,
		IsActive:       !r.Paused,
		CronExpression: r.CronExpression,
		Timezone:       r.Timezone,
		MaxRetries:     r.MaxRetries,
	}
	if r.Event != nil {
		s.Event = &domain.EventTrigger{
			EventType:         r.Event.EventType,
			EventSource:       r.Event.EventSource,
			MatchConditions:   r.Event.MatchConditions,
			RateLimit:         r.Event.RateLimit,
			RateWindowSeconds: r.Event.RateWindowSeconds,
		}
	}
	for i, rule := range r.Rules {
		s.Rules = append(s.Rules, domain.ConditionalRule{
			ConditionSource: domain.ConditionSource(rule.ConditionSource),
			Query:           rule.Query,
			Operator:        domain.Operator(rule.Operator),
			ExpectedValue:   rule.ExpectedValue,
			EvaluationOrder: i + 1,
		})
	}
	if r.Batch != nil {
		s.Batch = &domain.BatchState{
			DataSource:         r.Batch.DataSource,
			BatchSize:          r.Batch.BatchSize,
			Filter:             r.Batch.Filter,
			MaxConcurrency:     r.Batch.MaxConcurrency,
			ParallelProcessing: r.Batch.ParallelProcessing,
		}
	}
	if r.Calendar != nil {
		s.Calendar = &domain.CalendarLink{
			CalendarID:           r.Calendar.CalendarID,
			Provider:             r.Calendar.Provider,
			TriggerOffsetMinutes: r.Calendar.TriggerOffsetMinutes,
			BusinessHoursOnly:    r.Calendar.BusinessHoursOnly,
			SyncWindowMinutes:    r.Calendar.SyncWindowMinutes,
		}
	}
	return s
}

type ScheduleResponse struct {
	ID                  int64                    `json:"id"`
	WorkflowID          string                   `json:"workflowId"`
	Name                string                   `json:"name"`
	Type                string                   `json:"type"`
	Priority            int                      `json:"priority"`
	IsActive            bool                     `json:"isActive"`
	LastTriggeredAt     *time.Time               `json:"lastTriggeredAt,omitempty"`
	CronExpression      string                   `json:"cronExpression,omitempty"`
	Timezone            string                   `json:"timezone"`
	MaxRetries          int                      `json:"maxRetries"`
	ConsecutiveFailures int                      `json:"consecutiveFailures"`
	LastError           string                   `json:"lastError,omitempty"`
	HealthScore         float64                  `json:"healthScore"`
	Created             time.Time                `json:"created"`
	Modified            time.Time                `json:"modified"`
	Event               *EventTriggerRequest     `json:"event,omitempty"`
	Rules               []ConditionalRuleRequest `json:"rules,omitempty"`
	Batch               *BatchResponse           `json:"batch,omitempty"`
	Calendar            *CalendarRequest         `json:"calendar,omitempty"`
}

type BatchResponse struct {
	BatchRequest
	ProcessingStatus string `json:"processingStatus"`
	InFlight         int    `json:"inFlight"`
	Cursor           string `json:"cursor,omitempty"`
	PendingRetries   int    `json:"pendingRetries"`
}

func FromSchedule(s *domain.Schedule) ScheduleResponse {
	out := ScheduleResponse{
		ID:                  s.ID,
		WorkflowID:          s.WorkflowID,
		Name:                s.Name,
		Type:                string(s.Type),
		Priority:            s.Priority,
		IsActive:            s.IsActive,
		LastTriggeredAt:     timePtr(s.LastTriggeredAt),
		CronExpression:      s.CronExpression,
		Timezone:            s.Timezone,
		MaxRetries:          s.MaxRetries,
		ConsecutiveFailures: s.ConsecutiveFailures,
		LastError:           s.LastError.String,
		HealthScore:         s.HealthScore,
		Created:             s.Created,
		Modified:            s.Modified,
	}
	if e := s.Event; e != nil {
		out.Event = &EventTriggerRequest{
			EventType:         e.EventType,
			EventSource:       e.EventSource,
			MatchConditions:   e.MatchConditions,
			RateLimit:         e.RateLimit,
			RateWindowSeconds: e.RateWindowSeconds,
		}
	}
	for _, r := range s.Rules {
		out.Rules = append(out.Rules, ConditionalRuleRequest{
			ConditionSource: string(r.ConditionSource),
			Query:           r.Query,
			Operator:        string(r.Operator),
			ExpectedValue:   r.ExpectedValue,
		})
	}
	if b := s.Batch; b != nil {
		out.Batch = &BatchResponse{
			BatchRequest: BatchRequest{
				DataSource:         b.DataSource,
				BatchSize:          b.BatchSize,
				Filter:             b.Filter,
				MaxConcurrency:     b.MaxConcurrency,
				ParallelProcessing: b.ParallelProcessing,
			},
			ProcessingStatus: b.ProcessingStatus,
			InFlight:         b.InFlight,
			Cursor:           b.Cursor,
			PendingRetries:   len(b.Retries),
		}
	}
	if c := s.Calendar; c != nil {
		out.Calendar = &CalendarRequest{
			CalendarID:           c.CalendarID,
			Provider:             c.Provider,
			TriggerOffsetMinutes: c.TriggerOffsetMinutes,
			BusinessHoursOnly:    c.BusinessHoursOnly,
			SyncWindowMinutes:    c.SyncWindowMinutes,
		}
	}
	return out
}

// CreateScheduleResponse is returned on successful creation.
type CreateScheduleResponse struct {
	ID int64 `json:"id"`
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
