package repository

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// ErrDuplicate is returned by Enqueue when an item with the same dedup key exists.
var ErrDuplicate = errors.New("duplicate dedup key")

type QueueRepository struct {
	db    *sql.DB
	clock core.Clock
}

const QUEUE_COLUMNS = ` id, schedule_id, workflow_id, workflow_version, priority, status, scheduled_for,
		       retry_count, max_retries, processing_owner, claim_expires_at, dedup_key, payload,
		       last_error, created, modified `

func NewQueueRepository(db *sql.DB, clock core.Clock) *QueueRepository {
	return &QueueRepository{db: db, clock: clock}
}

func scanQueueItem(row scanner) (*domain.QueueItem, error) {
	var q domain.QueueItem
	err := row.Scan(
		&q.ID,
		&q.ScheduleID,
		&q.WorkflowID,
		&q.WorkflowVersion,
		&q.Priority,
		&q.Status,
		&q.ScheduledFor,
		&q.RetryCount,
		&q.MaxRetries,
		&q.ProcessingOwner,
		&q.ClaimExpiresAt,
		&q.DedupKey,
		&q.Payload,
		&q.LastError,
		&q.Created,
		&q.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *QueueRepository) Enqueue(q *domain.QueueItem) (int64, error) {
	now := r.clock.Now()
	q.Created = now
	q.Modified = now
	if q.Status == "" {
		q.Status = domain.QueuePending
	}
	if q.ScheduledFor.IsZero() {
		q.ScheduledFor = now
	}
	vals := []any{q.ScheduleID, q.WorkflowID, q.WorkflowVersion, q.Priority, q.Status, formatDateInDatabase(q.ScheduledFor),
		q.RetryCount, q.MaxRetries, q.DedupKey, q.Payload, formatDateInDatabase(q.Created), formatDateInDatabase(q.Modified)}
	base := `INSERT INTO queue_items (
		schedule_id, workflow_id, workflow_version, priority, status, scheduled_for,
		retry_count, max_retries, dedup_key, payload, created, modified
	) VALUES (` + placeholders(1, len(vals)) + `)`
	id, err := insertReturningID(r.db, base, vals...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	q.ID = id
	return id, nil
}

func (r *QueueRepository) FindByID(id int64) (*domain.QueueItem, error) {
	q, err := scanQueueItem(r.db.QueryRow(`SELECT `+QUEUE_COLUMNS+` FROM queue_items WHERE id = `+placeholder(1), id))
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

// FindClaimable returns due pending items in dispatch order.
func (r *QueueRepository) FindClaimable(size int) ([]*domain.QueueItem, error) {
	query := `
		SELECT ` + QUEUE_COLUMNS + `
		FROM queue_items
		WHERE status = ` + placeholder(1) + `
		  AND ` + dateBefore("scheduled_for", 2) + `
		ORDER BY priority DESC, scheduled_for ASC, id ASC
		LIMIT ` + placeholder(3)
	// scheduled_for <= now, expressed as strictly before now + 1ms
	due := r.clock.Now().Add(time.Millisecond)
	return r.findMany(query, domain.QueuePending, formatDateInDatabase(due), size)
}

func (r *QueueRepository) FindBySchedule(scheduleID int64, limit int) ([]*domain.QueueItem, error) {
	query := `SELECT ` + QUEUE_COLUMNS + ` FROM queue_items WHERE schedule_id = ` + placeholder(1) +
		` ORDER BY id DESC LIMIT ` + placeholder(2)
	return r.findMany(query, scheduleID, limit)
}

func (r *QueueRepository) findMany(query string, args ...any) ([]*domain.QueueItem, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*domain.QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	return items, rows.Err()
}

// MarkClaimed moves a pending item to processing for owner. Only one caller can win.
func (r *QueueRepository) MarkClaimed(id int64, owner string, ttl time.Duration) bool {
	now := r.clock.Now()
	query := `
		UPDATE queue_items
		SET status = ` + placeholder(1) + `, processing_owner = ` + placeholder(2) + `,
		    claim_expires_at = ` + placeholder(3) + `, modified = ` + placeholder(4) + `
		WHERE id = ` + placeholder(5) + ` AND status = ` + placeholder(6) + ` AND processing_owner IS NULL`
	result, err := r.db.Exec(query, domain.QueueProcessing, owner, formatDateInDatabase(now.Add(ttl)), formatDateInDatabase(now),
		id, domain.QueuePending)
	if err != nil {
		slog.Error("Failed to claim queue item", "error", err, "queue_item_id", id, "worker_id", owner)
		return false
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rowsAffected == 1
}

// ExtendClaim pushes out the claim expiry while owner still holds the item.
func (r *QueueRepository) ExtendClaim(id int64, owner string, ttl time.Duration) (bool, error) {
	query := `
		UPDATE queue_items SET claim_expires_at = ` + placeholder(1) + `
		WHERE id = ` + placeholder(2) + ` AND status = ` + placeholder(3) + ` AND processing_owner = ` + placeholder(4)
	res, err := r.db.Exec(query, formatDateInDatabase(r.clock.Now().Add(ttl)), id, domain.QueueProcessing, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Complete sets a terminal status and clears the claim. It only applies while owner still
// holds the item, otherwise ErrNotOwner is returned and nothing changes.
func (r *QueueRepository) Complete(id int64, owner, status, lastError string) error {
	query := `
		UPDATE queue_items
		SET status = ` + placeholder(1) + `, processing_owner = NULL, claim_expires_at = NULL,
		    last_error = ` + placeholder(2) + `, modified = ` + placeholder(3) + `
		WHERE id = ` + placeholder(4) + ` AND status = ` + placeholder(5) + ` AND processing_owner = ` + placeholder(6)
	res, err := r.db.Exec(query, status, nullString(lastError), formatDateInDatabase(r.clock.Now()), id,
		domain.QueueProcessing, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotOwner
	}
	return nil
}

// Requeue returns the item to pending at scheduledFor if it still has retry budget, otherwise
// it becomes failed. The returned bool reports whether another attempt was scheduled. Like
// Complete it requires owner to hold the item.
func (r *QueueRepository) Requeue(id int64, owner string, scheduledFor time.Time, lastError string) (bool, error) {
	var requeued bool
	err := inTx(r.db, func(tx *sql.Tx) error {
		now := formatDateInDatabase(r.clock.Now())
		query := `
			UPDATE queue_items
			SET status = ` + placeholder(1) + `, retry_count = retry_count + 1, scheduled_for = ` + placeholder(2) + `,
			    processing_owner = NULL, claim_expires_at = NULL, last_error = ` + placeholder(3) + `, modified = ` + placeholder(4) + `
			WHERE id = ` + placeholder(5) + ` AND retry_count < max_retries
			  AND status = ` + placeholder(6) + ` AND processing_owner = ` + placeholder(7)
		res, err := tx.Exec(query, domain.QueuePending, formatDateInDatabase(scheduledFor), nullString(lastError), now,
			id, domain.QueueProcessing, owner)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			requeued = true
			return nil
		}
		query = `
			UPDATE queue_items
			SET status = ` + placeholder(1) + `, processing_owner = NULL, claim_expires_at = NULL,
			    last_error = ` + placeholder(2) + `, modified = ` + placeholder(3) + `
			WHERE id = ` + placeholder(4) + ` AND status = ` + placeholder(5) + ` AND processing_owner = ` + placeholder(6)
		res, err = tx.Exec(query, domain.QueueFailed, nullString(lastError), now, id, domain.QueueProcessing, owner)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotOwner
		}
		return nil
	})
	return requeued, err
}

// FindExpiredClaims returns processing items whose claim has lapsed.
func (r *QueueRepository) FindExpiredClaims(size int) ([]*domain.QueueItem, error) {
	query := `
		SELECT ` + QUEUE_COLUMNS + `
		FROM queue_items
		WHERE status = ` + placeholder(1) + ` AND ` + dateBefore("claim_expires_at", 2) + `
		ORDER BY claim_expires_at ASC
		LIMIT ` + placeholder(3)
	return r.findMany(query, domain.QueueProcessing, formatDateInDatabase(r.clock.Now()), size)
}

// ReleaseExpiredClaim takes back an item from a dead worker. It only acts while the claim
// held by owner is still expired, so a late heartbeat from the owner wins the race.
func (r *QueueRepository) ReleaseExpiredClaim(id int64, owner string, lastError string) (bool, error) {
	var requeued bool
	err := inTx(r.db, func(tx *sql.Tx) error {
		now := formatDateInDatabase(r.clock.Now())
		query := `
			UPDATE queue_items
			SET status = ` + placeholder(1) + `, retry_count = retry_count + 1, scheduled_for = ` + placeholder(2) + `,
			    processing_owner = NULL, claim_expires_at = NULL, last_error = ` + placeholder(3) + `, modified = ` + placeholder(4) + `
			WHERE id = ` + placeholder(5) + ` AND status = ` + placeholder(6) + ` AND processing_owner = ` + placeholder(7) + `
			  AND ` + dateBefore("claim_expires_at", 8) + ` AND retry_count < max_retries`
		res, err := tx.Exec(query, domain.QueuePending, now, lastError, now, id, domain.QueueProcessing, owner, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			requeued = true
			return nil
		}
		query = `
			UPDATE queue_items
			SET status = ` + placeholder(1) + `, processing_owner = NULL, claim_expires_at = NULL,
			    last_error = ` + placeholder(2) + `, modified = ` + placeholder(3) + `
			WHERE id = ` + placeholder(4) + ` AND status = ` + placeholder(5) + ` AND processing_owner = ` + placeholder(6) + `
			  AND ` + dateBefore("claim_expires_at", 7)
		_, err = tx.Exec(query, domain.QueueFailed, lastError, now, id, domain.QueueProcessing, owner, now)
		return err
	})
	return requeued, err
}

// CancelPending cancels an item that has not been claimed yet.
func (r *QueueRepository) CancelPending(id int64) (bool, error) {
	query := `UPDATE queue_items SET status = ` + placeholder(1) + `, modified = ` + placeholder(2) +
		` WHERE id = ` + placeholder(3) + ` AND status = ` + placeholder(4)
	res, err := r.db.Exec(query, domain.QueueCancelled, formatDateInDatabase(r.clock.Now()), id, domain.QueuePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// HasOpenItem reports whether the schedule has a pending or processing item.
func (r *QueueRepository) HasOpenItem(scheduleID int64) (bool, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE schedule_id = `+placeholder(1)+
		` AND status IN (`+placeholders(2, 2)+`)`, scheduleID, domain.QueuePending, domain.QueueProcessing).Scan(&count)
	return count > 0, err
}

// CountCreatedSince counts the items enqueued for a schedule strictly after since.
func (r *QueueRepository) CountCreatedSince(scheduleID int64, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE schedule_id = `+placeholder(1)+
		` AND `+dateAfter("created", 2), scheduleID, formatDateInDatabase(since)).Scan(&count)
	return count, err
}

// CountByStatus returns the number of queue items per status.
func (r *QueueRepository) CountByStatus() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
