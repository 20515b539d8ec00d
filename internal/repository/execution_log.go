package repository

import (
	"database/sql"
	"log/slog"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// ExecutionLogRepository persists the append-only execution log.
type ExecutionLogRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewExecutionLogRepository(db *sql.DB, clock core.Clock) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db, clock: clock}
}

// Save appends an entry and returns its ID.
func (r *ExecutionLogRepository) Save(e *domain.LogEntry) (int64, error) {
	if e.Created.IsZero() {
		e.Created = r.clock.Now()
	}
	var executionID, queueItemID sql.NullInt64
	if e.ExecutionID > 0 {
		executionID = sql.NullInt64{Int64: e.ExecutionID, Valid: true}
	}
	if e.QueueItemID > 0 {
		queueItemID = sql.NullInt64{Int64: e.QueueItemID, Valid: true}
	}
	base := `
		INSERT INTO execution_logs (
			execution_id, queue_item_id, node_id, log_level, message, log_context, created
		) VALUES (` + placeholders(1, 7) + `)`
	id, err := insertReturningID(r.db, base, executionID, queueItemID, e.NodeID, e.Level, e.Message,
		nullString(e.Context), formatDateInDatabase(e.Created))
	if err != nil {
		slog.Error("Failed to save execution log", "error", err, "execution_id", e.ExecutionID)
		return 0, err
	}
	e.ID = id
	return id, nil
}

// FindByExecution returns log entries for an execution in insertion order.
func (r *ExecutionLogRepository) FindByExecution(executionID int64, limit int) ([]domain.LogEntry, error) {
	query := `
		SELECT id, execution_id, queue_item_id, node_id, log_level, message, log_context, created
		FROM execution_logs
		WHERE execution_id = ` + placeholder(1) + `
		ORDER BY id ASC
		LIMIT ` + placeholder(2)
	rows, err := r.db.Query(query, executionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var executionID, queueItemID sql.NullInt64
		var context sql.NullString
		if err := rows.Scan(&e.ID, &executionID, &queueItemID, &e.NodeID, &e.Level, &e.Message, &context, &e.Created); err != nil {
			return nil, err
		}
		e.ExecutionID = executionID.Int64
		e.QueueItemID = queueItemID.Int64
		e.Context = context.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
