package core

import "context"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the payload handed to the notification channel.
type Alert struct {
	Severity   Severity `json:"severity"`
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	ScheduleID int64    `json:"schedule_id,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}
