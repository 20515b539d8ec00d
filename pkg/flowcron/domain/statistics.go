package domain

import "time"

// ScheduleStatistics is a daily rollup, rebuildable from executions and queue items.
type ScheduleStatistics struct {
	ScheduleID     int64          `json:"scheduleId"`
	Day            time.Time      `json:"day"`
	Total          int            `json:"total"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	Cancelled      int            `json:"cancelled"`
	TimedOut       int            `json:"timedOut"`
	Skipped        int            `json:"skipped"`
	AvgDurationMs  int64          `json:"avgDurationMs"`
	MinDurationMs  int64          `json:"minDurationMs"`
	MaxDurationMs  int64          `json:"maxDurationMs"`
	ErrorHistogram map[string]int `json:"errorHistogram"`
	HealthScore    float64        `json:"healthScore"`
	Computed       time.Time      `json:"computed"`
}

type Lock struct {
	ResourceKey string
	Holder      string
	ExpiresAt   time.Time
	Acquired    time.Time
}
