package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

type ScheduleRepository struct {
	db    *sql.DB
	clock core.Clock
}

const SCHEDULE_COLUMNS = ` id, workflow_id, name, schedule_type, priority, is_active, last_triggered_at,
		       cron_expression, timezone, max_retries, consecutive_failures, last_error,
		       health_score, created, modified `

func NewScheduleRepository(db *sql.DB, clock core.Clock) *ScheduleRepository {
	return &ScheduleRepository{db: db, clock: clock}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*domain.Schedule, error) {
	var s domain.Schedule
	var scheduleType string
	err := row.Scan(
		&s.ID,
		&s.WorkflowID,
		&s.Name,
		&scheduleType,
		&s.Priority,
		&s.IsActive,
		&s.LastTriggeredAt,
		&s.CronExpression,
		&s.Timezone,
		&s.MaxRetries,
		&s.ConsecutiveFailures,
		&s.LastError,
		&s.HealthScore,
		&s.Created,
		&s.Modified,
	)
	if err != nil {
		return nil, err
	}
	s.Type = domain.ScheduleType(scheduleType)
	return &s, nil
}

// Create inserts the schedule and its type specific child config in one transaction.
func (r *ScheduleRepository) Create(s *domain.Schedule) (int64, error) {
	now := r.clock.Now()
	s.Created = now
	s.Modified = now
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	err := inTx(r.db, func(tx *sql.Tx) error {
		vals := []any{s.WorkflowID, s.Name, string(s.Type), s.Priority, s.IsActive, formatDateInDatabaseNull(s.LastTriggeredAt),
			s.CronExpression, s.Timezone, s.MaxRetries, s.ConsecutiveFailures, s.LastError, s.HealthScore,
			formatDateInDatabase(s.Created), formatDateInDatabase(s.Modified)}
		base := `INSERT INTO schedules (
			workflow_id, name, schedule_type, priority, is_active, last_triggered_at,
			cron_expression, timezone, max_retries, consecutive_failures, last_error,
			health_score, created, modified
		) VALUES (` + placeholders(1, len(vals)) + `)`
		id, err := insertReturningID(tx, base, vals...)
		if err != nil {
			return err
		}
		s.ID = id
		return saveChildren(tx, s)
	})
	if err != nil {
		return 0, fmt.Errorf("create schedule %q: %w", s.Name, err)
	}
	return s.ID, nil
}

// Update rewrites the editable fields and replaces the child config. Trigger bookkeeping
// (last_triggered_at, failures, health) is owned by the engine and left untouched.
func (r *ScheduleRepository) Update(s *domain.Schedule) error {
	s.Modified = r.clock.Now()
	return inTx(r.db, func(tx *sql.Tx) error {
		query := `
			UPDATE schedules
			SET workflow_id = ` + placeholder(1) + `, name = ` + placeholder(2) + `, schedule_type = ` + placeholder(3) + `,
			    priority = ` + placeholder(4) + `, is_active = ` + placeholder(5) + `, cron_expression = ` + placeholder(6) + `,
			    timezone = ` + placeholder(7) + `, max_retries = ` + placeholder(8) + `, modified = ` + placeholder(9) + `
			WHERE id = ` + placeholder(10)
		res, err := tx.Exec(query, s.WorkflowID, s.Name, string(s.Type), s.Priority, s.IsActive, s.CronExpression,
			s.Timezone, s.MaxRetries, formatDateInDatabase(s.Modified), s.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if err := deleteChildren(tx, s.ID); err != nil {
			return err
		}
		return saveChildren(tx, s)
	})
}

func (r *ScheduleRepository) FindByID(id int64) (*domain.Schedule, error) {
	query := `SELECT ` + SCHEDULE_COLUMNS + ` FROM schedules WHERE id = ` + placeholder(1)
	s, err := scanSchedule(r.db.QueryRow(query, id))
	if err != nil {
		return nil, notFound(err)
	}
	if err := loadChildren(r.db, s); err != nil {
		return nil, err
	}
	return s, nil
}

// FindActiveByType returns active schedules of one type with their child configs loaded.
func (r *ScheduleRepository) FindActiveByType(t domain.ScheduleType) ([]*domain.Schedule, error) {
	query := `SELECT ` + SCHEDULE_COLUMNS + ` FROM schedules
		WHERE schedule_type = ` + placeholder(1) + ` AND is_active = ` + placeholder(2) + `
		ORDER BY id ASC`
	return r.findMany(query, string(t), true)
}

func (r *ScheduleRepository) FindAll(limit int) ([]*domain.Schedule, error) {
	query := `SELECT ` + SCHEDULE_COLUMNS + ` FROM schedules ORDER BY id ASC LIMIT ` + placeholder(1)
	return r.findMany(query, limit)
}

func (r *ScheduleRepository) findMany(query string, args ...any) ([]*domain.Schedule, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	var schedules []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		schedules = append(schedules, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, s := range schedules {
		if err := loadChildren(r.db, s); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

// SetActive pauses or resumes a schedule. Schedules are never deleted.
func (r *ScheduleRepository) SetActive(id int64, active bool) error {
	query := `UPDATE schedules SET is_active = ` + placeholder(1) + `, modified = ` + placeholder(2) + ` WHERE id = ` + placeholder(3)
	res, err := r.db.Exec(query, active, formatDateInDatabase(r.clock.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceLastTriggered moves last_triggered_at forward to firedAt. It only succeeds when the
// stored value is still older than firedAt, so of several concurrent callers at most one wins.
func (r *ScheduleRepository) AdvanceLastTriggered(id int64, firedAt time.Time) (bool, error) {
	query := `
		UPDATE schedules
		SET last_triggered_at = ` + placeholder(1) + `, modified = ` + placeholder(2) + `
		WHERE id = ` + placeholder(3) + ` AND is_active = ` + placeholder(4) + `
		  AND (last_triggered_at IS NULL OR ` + dateBefore("last_triggered_at", 5) + `)`
	fired := formatDateInDatabase(firedAt)
	res, err := r.db.Exec(query, fired, formatDateInDatabase(r.clock.Now()), id, true, fired)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordEvaluationFailure stores the error and returns the new consecutive failure count.
func (r *ScheduleRepository) RecordEvaluationFailure(id int64, message string) (int, error) {
	query := `
		UPDATE schedules
		SET consecutive_failures = consecutive_failures + 1, last_error = ` + placeholder(1) + `, modified = ` + placeholder(2) + `
		WHERE id = ` + placeholder(3)
	if _, err := r.db.Exec(query, message, formatDateInDatabase(r.clock.Now()), id); err != nil {
		return 0, err
	}
	var failures int
	err := r.db.QueryRow(`SELECT consecutive_failures FROM schedules WHERE id = `+placeholder(1), id).Scan(&failures)
	return failures, notFound(err)
}

// RecordEvaluationSuccess resets the consecutive failure counter.
func (r *ScheduleRepository) RecordEvaluationSuccess(id int64) error {
	query := `
		UPDATE schedules
		SET consecutive_failures = 0, last_error = NULL
		WHERE id = ` + placeholder(1) + ` AND consecutive_failures > 0`
	_, err := r.db.Exec(query, id)
	return err
}

func (r *ScheduleRepository) UpdateHealthScore(id int64, score float64) error {
	query := `UPDATE schedules SET health_score = ` + placeholder(1) + ` WHERE id = ` + placeholder(2)
	_, err := r.db.Exec(query, score, id)
	return err
}
