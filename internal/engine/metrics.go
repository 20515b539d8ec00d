package engine

import (
	"context"
	"log/slog"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters, registered with the default registry and served on /metrics.
var (
	schedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcron_schedules_fired_total",
		Help: "Schedule firings that reached the queue, by trigger type.",
	}, []string{"schedule_type"})
	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcron_events_dropped_total",
		Help: "Events dropped by per schedule rate limits.",
	}, []string{"schedule_id"})
	queueClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowcron_queue_claims_total",
		Help: "Queue items claimed by this process.",
	})
	executionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcron_executions_total",
		Help: "Executions that reached a terminal status.",
	}, []string{"status"})
	stepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcron_step_runs_total",
		Help: "Step attempts by outcome.",
	}, []string{"status"})
	batchesAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowcron_batches_abandoned_total",
		Help: "Failed batches given up on after the last redispatch.",
	})
	alertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcron_alerts_total",
		Help: "Alerts raised, by severity.",
	}, []string{"severity"})
)

// raiseAlert sends an alert. Delivery failures are logged and otherwise ignored.
func raiseAlert(ctx context.Context, n core.Notifier, a core.Alert) {
	if n == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	alertsRaised.WithLabelValues(string(a.Severity)).Inc()
	if err := n.Notify(ctx, a); err != nil {
		slog.WarnContext(ctx, "Failed to send alert", "title", a.Title, "schedule_id", a.ScheduleID, "error", err)
	}
}
