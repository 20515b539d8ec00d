package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

const oneDay = 24 * time.Hour

// HealthInput is everything the health score is computed from.
type HealthInput struct {
	Now time.Time
	// terminal executions over the trailing 30 days
	Total30     int
	Succeeded30 int
	// failed or timed out executions over the trailing 7 days
	Errors7           int
	EvaluatorFailures int
	LastRun           sql.NullTime
	// average duration of successful executions, 0 when there are none
	Avg7  time.Duration
	Avg30 time.Duration
}

// ComputeHealth returns a score in [0,100]: success rate (40), error frequency (30),
// recency (20) and duration regression (10).
func ComputeHealth(in HealthInput) float64 {
	score := successPoints(in) + errorPoints(in.Errors7+in.EvaluatorFailures) + recencyPoints(in) + regressionPoints(in)
	return math.Max(0, math.Min(100, score))
}

func successPoints(in HealthInput) float64 {
	if in.Total30 <= 0 {
		return 40
	}
	return 40 * float64(in.Succeeded30) / float64(in.Total30)
}

func errorPoints(count int) float64 {
	switch {
	case count <= 0:
		return 30
	case count <= 2:
		return 20
	case count <= 5:
		return 10
	case count <= 10:
		return 5
	}
	return 0
}

func recencyPoints(in HealthInput) float64 {
	if !in.LastRun.Valid {
		return 0
	}
	age := in.Now.Sub(in.LastRun.Time)
	switch {
	case age <= oneDay:
		return 20
	case age <= 3*oneDay:
		return 15
	case age <= 7*oneDay:
		return 10
	case age <= 30*oneDay:
		return 5
	}
	return 0
}

func regressionPoints(in HealthInput) float64 {
	if in.Avg7 <= 0 || in.Avg30 <= 0 {
		return 10
	}
	ratio := float64(in.Avg7) / float64(in.Avg30)
	switch {
	case ratio <= 1.1:
		return 10
	case ratio <= 1.5:
		return 7
	case ratio <= 2:
		return 4
	}
	return 0
}

// HealthAggregator keeps schedules' health scores and daily statistics current.
type HealthAggregator struct {
	schedules  ScheduleRepo
	executions ExecutionRepo
	stats      StatisticsRepo
	notifier   core.Notifier
	clock      core.Clock
	threshold  float64
}

func NewHealthAggregator(schedules ScheduleRepo, executions ExecutionRepo, stats StatisticsRepo, notifier core.Notifier,
	clock core.Clock, threshold float64) *HealthAggregator {
	return &HealthAggregator{
		schedules:  schedules,
		executions: executions,
		stats:      stats,
		notifier:   notifier,
		clock:      clock,
		threshold:  threshold,
	}
}

// HealthScore computes the current score of a schedule without persisting it.
func (h *HealthAggregator) HealthScore(ctx context.Context, s *domain.Schedule) (float64, error) {
	now := h.clock.Now()
	month, err := h.executions.FindCompletedBetween(s.ID, now.Add(-30*oneDay), now.Add(time.Millisecond))
	if err != nil {
		return 0, newError(KindTransientInfrastructure, "health", err)
	}
	in := HealthInput{Now: now, EvaluatorFailures: s.ConsecutiveFailures}
	weekStart := now.Add(-7 * oneDay)
	var sum7, sum30 time.Duration
	var n7, n30 int
	for _, e := range month {
		in.Total30++
		inWeek := !e.CompletedAt.Time.Before(weekStart)
		switch e.Status {
		case domain.ExecutionCompleted:
			in.Succeeded30++
			sum30 += e.Duration()
			n30++
			if inWeek {
				sum7 += e.Duration()
				n7++
			}
		case domain.ExecutionFailed, domain.ExecutionTimeout:
			if inWeek {
				in.Errors7++
			}
		}
	}
	if n7 > 0 {
		in.Avg7 = sum7 / time.Duration(n7)
	}
	if n30 > 0 {
		in.Avg30 = sum30 / time.Duration(n30)
	}
	in.LastRun, err = h.executions.LastCompletedAt(s.ID)
	if err != nil {
		return 0, newError(KindTransientInfrastructure, "health", err)
	}
	return ComputeHealth(in), nil
}

// Recompute scores a schedule, stores the score and today's rollup, and alerts when the
// score drops below the threshold.
func (h *HealthAggregator) Recompute(ctx context.Context, scheduleID int64) (float64, error) {
	s, err := h.schedules.FindByID(scheduleID)
	if err != nil {
		return 0, err
	}
	score, err := h.HealthScore(ctx, s)
	if err != nil {
		return 0, err
	}
	if err := h.schedules.UpdateHealthScore(s.ID, score); err != nil {
		return 0, newError(KindTransientInfrastructure, "health", err)
	}
	if _, err := h.Rollup(ctx, s.ID, h.clock.Now(), score); err != nil {
		slog.WarnContext(ctx, "Failed to store daily statistics", "schedule_id", s.ID, "error", err)
	}
	slog.DebugContext(ctx, "Health recomputed", "schedule_id", s.ID, "score", score, "previous", s.HealthScore)
	if score < h.threshold && s.HealthScore >= h.threshold {
		raiseAlert(ctx, h.notifier, core.Alert{
			Severity:   core.SeverityWarning,
			Title:      "Schedule health degraded",
			Message:    fmt.Sprintf("schedule %s health dropped to %.1f (threshold %.0f)", s.Name, score, h.threshold),
			ScheduleID: s.ID,
		})
	}
	return score, nil
}

// Rollup rebuilds the statistics row of the UTC day containing at.
func (h *HealthAggregator) Rollup(ctx context.Context, scheduleID int64, at time.Time, score float64) (*domain.ScheduleStatistics, error) {
	from := at.UTC().Truncate(oneDay)
	to := from.Add(oneDay)
	executions, err := h.executions.FindCompletedBetween(scheduleID, from, to)
	if err != nil {
		return nil, err
	}
	st := &domain.ScheduleStatistics{
		ScheduleID:     scheduleID,
		Day:            from,
		ErrorHistogram: map[string]int{},
		HealthScore:    score,
		Computed:       h.clock.Now(),
	}
	var sum int64
	var timed int
	for _, e := range executions {
		st.Total++
		switch e.Status {
		case domain.ExecutionCompleted:
			st.Succeeded++
		case domain.ExecutionFailed:
			st.Failed++
		case domain.ExecutionCancelled:
			st.Cancelled++
		case domain.ExecutionTimeout:
			st.TimedOut++
		}
		if e.ErrorKind.Valid && e.Status != domain.ExecutionCompleted {
			st.ErrorHistogram[e.ErrorKind.String]++
		}
		if !e.StartedAt.Valid {
			continue
		}
		ms := e.Duration().Milliseconds()
		if timed == 0 || ms < st.MinDurationMs {
			st.MinDurationMs = ms
		}
		if ms > st.MaxDurationMs {
			st.MaxDurationMs = ms
		}
		sum += ms
		timed++
	}
	if timed > 0 {
		st.AvgDurationMs = sum / int64(timed)
	}
	st.Skipped, err = h.stats.CountSkipped(scheduleID, from, to)
	if err != nil {
		return nil, err
	}
	if err := h.stats.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Sweep recomputes every active schedule.
func (h *HealthAggregator) Sweep(ctx context.Context) error {
	schedules, err := h.schedules.FindAll(10000)
	if err != nil {
		return newError(KindTransientInfrastructure, "health sweep", err)
	}
	for _, s := range schedules {
		if !s.IsActive {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := h.Recompute(ctx, s.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to recompute health", "schedule_id", s.ID, "error", err)
		}
	}
	return nil
}

// Statistics returns the daily rollups of a schedule between two days inclusive.
func (h *HealthAggregator) Statistics(scheduleID int64, from, to time.Time) ([]domain.ScheduleStatistics, error) {
	return h.stats.FindRange(scheduleID, from, to)
}
