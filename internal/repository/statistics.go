package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

const statDayLayout = "2006-01-02"

type StatisticsRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewStatisticsRepository(db *sql.DB, clock core.Clock) *StatisticsRepository {
	return &StatisticsRepository{db: db, clock: clock}
}

// Save replaces the rollup row for (schedule, day).
func (r *StatisticsRepository) Save(s *domain.ScheduleStatistics) error {
	histogram, err := json.Marshal(s.ErrorHistogram)
	if err != nil {
		return err
	}
	if s.Computed.IsZero() {
		s.Computed = r.clock.Now()
	}
	day := s.Day.UTC().Format(statDayLayout)
	return inTx(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM schedule_statistics WHERE schedule_id = `+placeholder(1)+` AND stat_day = `+placeholder(2),
			s.ScheduleID, day); err != nil {
			return err
		}
		vals := []any{s.ScheduleID, day, s.Total, s.Succeeded, s.Failed, s.Cancelled, s.TimedOut, s.Skipped,
			s.AvgDurationMs, s.MinDurationMs, s.MaxDurationMs, string(histogram), s.HealthScore, formatDateInDatabase(s.Computed)}
		_, err := tx.Exec(`INSERT INTO schedule_statistics (
			schedule_id, stat_day, total, succeeded, failed, cancelled, timed_out, skipped,
			avg_duration_ms, min_duration_ms, max_duration_ms, error_histogram, health_score, computed
		) VALUES (`+placeholders(1, len(vals))+`)`, vals...)
		return err
	})
}

// FindRange returns daily rows for days in [from, to], oldest first.
func (r *StatisticsRepository) FindRange(scheduleID int64, from, to time.Time) ([]domain.ScheduleStatistics, error) {
	query := `
		SELECT schedule_id, stat_day, total, succeeded, failed, cancelled, timed_out, skipped,
		       avg_duration_ms, min_duration_ms, max_duration_ms, error_histogram, health_score, computed
		FROM schedule_statistics
		WHERE schedule_id = ` + placeholder(1) + ` AND stat_day >= ` + placeholder(2) + ` AND stat_day <= ` + placeholder(3) + `
		ORDER BY stat_day ASC`
	rows, err := r.db.Query(query, scheduleID, from.UTC().Format(statDayLayout), to.UTC().Format(statDayLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduleStatistics
	for rows.Next() {
		var s domain.ScheduleStatistics
		var day, histogram string
		if err := rows.Scan(&s.ScheduleID, &day, &s.Total, &s.Succeeded, &s.Failed, &s.Cancelled, &s.TimedOut, &s.Skipped,
			&s.AvgDurationMs, &s.MinDurationMs, &s.MaxDurationMs, &histogram, &s.HealthScore, &s.Computed); err != nil {
			return nil, err
		}
		s.Day, err = time.Parse(statDayLayout, day)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(histogram), &s.ErrorHistogram); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountSkipped returns how many firings of the schedule were skipped in [from, to).
func (r *StatisticsRepository) CountSkipped(scheduleID int64, from, to time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM queue_items WHERE schedule_id = ` + placeholder(1) + ` AND status = ` + placeholder(2) + `
		AND ` + dateAtOrAfter("modified", 3) + ` AND ` + dateBefore("modified", 4)
	err := r.db.QueryRow(query, scheduleID, domain.QueueSkipped, formatDateInDatabase(from), formatDateInDatabase(to)).Scan(&count)
	return count, err
}
