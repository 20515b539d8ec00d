package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

func saveChildren(tx dbtx, s *domain.Schedule) error {
	switch s.Type {
	case domain.ScheduleEvent:
		if s.Event == nil {
			return fmt.Errorf("event schedule %d has no event trigger", s.ID)
		}
		return insertEventTrigger(tx, s.ID, s.Event)
	case domain.ScheduleConditional:
		for i := range s.Rules {
			if err := insertConditionalRule(tx, s.ID, &s.Rules[i]); err != nil {
				return err
			}
		}
	case domain.ScheduleBatch:
		if s.Batch == nil {
			return fmt.Errorf("batch schedule %d has no batch state", s.ID)
		}
		return insertBatchState(tx, s.ID, s.Batch)
	case domain.ScheduleCalendar:
		if s.Calendar == nil {
			return fmt.Errorf("calendar schedule %d has no calendar link", s.ID)
		}
		return insertCalendarLink(tx, s.ID, s.Calendar)
	}
	return nil
}

func deleteChildren(tx dbtx, scheduleID int64) error {
	for _, table := range []string{"event_triggers", "conditional_rules", "batch_states", "calendar_links"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE schedule_id = `+placeholder(1), scheduleID); err != nil {
			return err
		}
	}
	return nil
}

func loadChildren(db dbtx, s *domain.Schedule) error {
	var err error
	switch s.Type {
	case domain.ScheduleEvent:
		s.Event, err = findEventTrigger(db, s.ID)
	case domain.ScheduleConditional:
		s.Rules, err = findConditionalRules(db, s.ID)
	case domain.ScheduleBatch:
		s.Batch, err = findBatchState(db, s.ID)
	case domain.ScheduleCalendar:
		s.Calendar, err = findCalendarLink(db, s.ID)
	}
	if err != nil {
		return fmt.Errorf("load %s config for schedule %d: %w", s.Type, s.ID, notFound(err))
	}
	return nil
}

func insertEventTrigger(tx dbtx, scheduleID int64, e *domain.EventTrigger) error {
	conditions, err := json.Marshal(e.MatchConditions)
	if err != nil {
		return err
	}
	e.ScheduleID = scheduleID
	_, err = tx.Exec(`INSERT INTO event_triggers (schedule_id, event_type, event_source, match_conditions, rate_limit, rate_window_seconds)
		VALUES (`+placeholders(1, 6)+`)`, scheduleID, e.EventType, e.EventSource, string(conditions), e.RateLimit, e.RateWindowSeconds)
	return err
}

func findEventTrigger(db dbtx, scheduleID int64) (*domain.EventTrigger, error) {
	var e domain.EventTrigger
	var conditions string
	err := db.QueryRow(`SELECT schedule_id, event_type, event_source, match_conditions, rate_limit, rate_window_seconds
		FROM event_triggers WHERE schedule_id = `+placeholder(1), scheduleID).
		Scan(&e.ScheduleID, &e.EventType, &e.EventSource, &conditions, &e.RateLimit, &e.RateWindowSeconds)
	if err != nil {
		return nil, err
	}
	if conditions != "" {
		if err := json.Unmarshal([]byte(conditions), &e.MatchConditions); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func insertConditionalRule(tx dbtx, scheduleID int64, rule *domain.ConditionalRule) error {
	rule.ScheduleID = scheduleID
	base := `INSERT INTO conditional_rules (schedule_id, condition_source, query, rule_operator, expected_value, evaluation_order)
		VALUES (` + placeholders(1, 6) + `)`
	id, err := insertReturningID(tx, base, scheduleID, string(rule.ConditionSource), rule.Query, string(rule.Operator),
		rule.ExpectedValue, rule.EvaluationOrder)
	if err != nil {
		return err
	}
	rule.ID = id
	return nil
}

func findConditionalRules(db dbtx, scheduleID int64) ([]domain.ConditionalRule, error) {
	rows, err := db.Query(`SELECT id, schedule_id, condition_source, query, rule_operator, expected_value,
		       evaluation_order, last_result, last_evaluated_at
		FROM conditional_rules WHERE schedule_id = `+placeholder(1)+`
		ORDER BY evaluation_order ASC, id ASC`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []domain.ConditionalRule
	for rows.Next() {
		var rule domain.ConditionalRule
		var source, operator string
		if err := rows.Scan(&rule.ID, &rule.ScheduleID, &source, &rule.Query, &operator, &rule.ExpectedValue,
			&rule.EvaluationOrder, &rule.LastResult, &rule.LastEvaluatedAt); err != nil {
			return nil, err
		}
		rule.ConditionSource = domain.ConditionSource(source)
		rule.Operator = domain.Operator(operator)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func insertBatchState(tx dbtx, scheduleID int64, b *domain.BatchState) error {
	b.ScheduleID = scheduleID
	if b.ProcessingStatus == "" {
		b.ProcessingStatus = domain.BatchIdle
	}
	_, err := tx.Exec(`INSERT INTO batch_states (schedule_id, data_source, batch_size, record_filter, processing_status,
		max_concurrency, parallel_processing, in_flight, batch_cursor, last_checked_at)
		VALUES (`+placeholders(1, 10)+`)`, scheduleID, b.DataSource, b.BatchSize, b.Filter, b.ProcessingStatus,
		b.MaxConcurrency, b.ParallelProcessing, b.InFlight, b.Cursor, formatDateInDatabaseNull(b.LastCheckedAt))
	return err
}

func findBatchState(db dbtx, scheduleID int64) (*domain.BatchState, error) {
	var b domain.BatchState
	err := db.QueryRow(`SELECT schedule_id, data_source, batch_size, record_filter, processing_status,
		       max_concurrency, parallel_processing, in_flight, batch_cursor, last_checked_at
		FROM batch_states WHERE schedule_id = `+placeholder(1), scheduleID).
		Scan(&b.ScheduleID, &b.DataSource, &b.BatchSize, &b.Filter, &b.ProcessingStatus,
			&b.MaxConcurrency, &b.ParallelProcessing, &b.InFlight, &b.Cursor, &b.LastCheckedAt)
	if err != nil {
		return nil, err
	}
	b.Retries, err = findBatchRetries(db, scheduleID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func findBatchRetries(db dbtx, scheduleID int64) ([]domain.BatchRetry, error) {
	rows, err := db.Query(`SELECT id, schedule_id, records, attempt, last_error, created
		FROM batch_retries WHERE schedule_id = `+placeholder(1)+` ORDER BY id ASC`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BatchRetry
	for rows.Next() {
		var r domain.BatchRetry
		var records string
		if err := rows.Scan(&r.ID, &r.ScheduleID, &records, &r.Attempt, &r.LastError, &r.Created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(records), &r.Records); err != nil {
			return nil, fmt.Errorf("batch retry %d records: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertCalendarLink(tx dbtx, scheduleID int64, c *domain.CalendarLink) error {
	c.ScheduleID = scheduleID
	_, err := tx.Exec(`INSERT INTO calendar_links (schedule_id, calendar_id, provider, sync_cursor, trigger_offset_minutes,
		business_hours_only, sync_window_minutes, last_synced_at)
		VALUES (`+placeholders(1, 8)+`)`, scheduleID, c.CalendarID, c.Provider, c.SyncCursor, c.TriggerOffsetMinutes,
		c.BusinessHoursOnly, c.SyncWindowMinutes, formatDateInDatabaseNull(c.LastSyncedAt))
	return err
}

func findCalendarLink(db dbtx, scheduleID int64) (*domain.CalendarLink, error) {
	var c domain.CalendarLink
	err := db.QueryRow(`SELECT schedule_id, calendar_id, provider, sync_cursor, trigger_offset_minutes,
		       business_hours_only, sync_window_minutes, last_synced_at
		FROM calendar_links WHERE schedule_id = `+placeholder(1), scheduleID).
		Scan(&c.ScheduleID, &c.CalendarID, &c.Provider, &c.SyncCursor, &c.TriggerOffsetMinutes,
			&c.BusinessHoursOnly, &c.SyncWindowMinutes, &c.LastSyncedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordRuleResult stores the outcome of one conditional rule evaluation.
func (r *ScheduleRepository) RecordRuleResult(ruleID int64, result bool, evaluatedAt time.Time) error {
	query := `UPDATE conditional_rules SET last_result = ` + placeholder(1) + `, last_evaluated_at = ` + placeholder(2) +
		` WHERE id = ` + placeholder(3)
	_, err := r.db.Exec(query, result, formatDateInDatabase(evaluatedAt), ruleID)
	return err
}

// TouchBatchCheck records that the batch source was polled.
func (r *ScheduleRepository) TouchBatchCheck(scheduleID int64) error {
	query := `UPDATE batch_states SET last_checked_at = ` + placeholder(1) + ` WHERE schedule_id = ` + placeholder(2)
	_, err := r.db.Exec(query, formatDateInDatabase(r.clock.Now()), scheduleID)
	return err
}

// AcquireBatchSlot reserves one in-flight batch slot. It fails when slots are already used up.
func (r *ScheduleRepository) AcquireBatchSlot(scheduleID int64, slots int) (bool, error) {
	query := `
		UPDATE batch_states
		SET in_flight = in_flight + 1, processing_status = ` + placeholder(1) + `
		WHERE schedule_id = ` + placeholder(2) + ` AND in_flight < ` + placeholder(3)
	res, err := r.db.Exec(query, domain.BatchProcessing, scheduleID, slots)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseBatchSlot frees one slot, returning to idle at zero. A non empty cursor is
// stored only when it is past the current one. A non nil retry is stored in the same
// transaction so a failed batch is never forgotten once its slot is gone.
func (r *ScheduleRepository) ReleaseBatchSlot(scheduleID int64, cursor string, retry *domain.BatchRetry) error {
	return inTx(r.db, func(tx *sql.Tx) error {
		query := `UPDATE batch_states SET in_flight = in_flight - 1 WHERE schedule_id = ` + placeholder(1) + ` AND in_flight > 0`
		if _, err := tx.Exec(query, scheduleID); err != nil {
			return err
		}
		query = `UPDATE batch_states SET processing_status = ` + placeholder(1) + ` WHERE schedule_id = ` + placeholder(2) + ` AND in_flight = 0`
		if _, err := tx.Exec(query, domain.BatchIdle, scheduleID); err != nil {
			return err
		}
		if retry != nil && len(retry.Records) > 0 {
			if err := insertBatchRetry(tx, scheduleID, retry, r.clock.Now()); err != nil {
				return err
			}
		}
		if cursor == "" {
			return nil
		}
		query = `UPDATE batch_states SET batch_cursor = ` + placeholder(1) + ` WHERE schedule_id = ` + placeholder(2) +
			` AND batch_cursor < ` + placeholder(3)
		_, err := tx.Exec(query, cursor, scheduleID, cursor)
		return err
	})
}

func insertBatchRetry(tx dbtx, scheduleID int64, retry *domain.BatchRetry, now time.Time) error {
	records, err := json.Marshal(retry.Records)
	if err != nil {
		return err
	}
	if retry.Attempt < 1 {
		retry.Attempt = 1
	}
	retry.ScheduleID = scheduleID
	retry.Created = now
	base := `INSERT INTO batch_retries (schedule_id, records, attempt, last_error, created)
		VALUES (` + placeholders(1, 5) + `)`
	id, err := insertReturningID(tx, base, scheduleID, string(records), retry.Attempt, retry.LastError,
		formatDateInDatabase(now))
	if err != nil {
		return err
	}
	retry.ID = id
	return nil
}

// DeleteBatchRetry removes a retry entry once it has been dispatched again. Only one
// caller gets true.
func (r *ScheduleRepository) DeleteBatchRetry(id int64) (bool, error) {
	res, err := r.db.Exec(`DELETE FROM batch_retries WHERE id = `+placeholder(1), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateCalendarSync stores the provider cursor after a sync pass.
func (r *ScheduleRepository) UpdateCalendarSync(scheduleID int64, cursor string) error {
	query := `UPDATE calendar_links SET sync_cursor = ` + placeholder(1) + `, last_synced_at = ` + placeholder(2) +
		` WHERE schedule_id = ` + placeholder(3)
	_, err := r.db.Exec(query, cursor, formatDateInDatabase(r.clock.Now()), scheduleID)
	return err
}
