package repository

import (
	"database/sql"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// ExecutorRepository provides persistence for the executors heartbeat table.
type ExecutorRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewExecutorRepository(db *sql.DB, clock core.Clock) *ExecutorRepository {
	return &ExecutorRepository{db: db, clock: clock}
}

// Save registers a worker process and returns its row id.
func (r *ExecutorRepository) Save(e *domain.Executor) (int64, error) {
	if e.Started.IsZero() {
		e.Started = r.clock.Now()
	}
	if e.LastActive.IsZero() {
		e.LastActive = e.Started
	}
	base := `INSERT INTO executors (name, started, last_active) VALUES (` + placeholders(1, 3) + `)`
	id, err := insertReturningID(r.db, base, e.Name, formatDateInDatabase(e.Started), formatDateInDatabase(e.LastActive))
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// UpdateLastActive sets last_active for the executor id to the provided timestamp.
func (r *ExecutorRepository) UpdateLastActive(id int64, ts time.Time) error {
	query := `UPDATE executors SET last_active = ` + placeholder(1) + ` WHERE id = ` + placeholder(2)
	_, err := r.db.Exec(query, formatDateInDatabase(ts), id)
	return err
}

func (r *ExecutorRepository) GetExecutorsByLastActive(limit int) ([]*domain.Executor, error) {
	query := `
		SELECT id, name, started, last_active
		FROM executors
		ORDER BY last_active DESC
		LIMIT ` + placeholder(1)
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executors []*domain.Executor
	for rows.Next() {
		var e domain.Executor
		if err := rows.Scan(&e.ID, &e.Name, &e.Started, &e.LastActive); err != nil {
			return nil, err
		}
		executors = append(executors, &e)
	}
	return executors, rows.Err()
}

// DeleteInactiveSince removes heartbeat rows older than cutoff and returns how many went.
func (r *ExecutorRepository) DeleteInactiveSince(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM executors WHERE `+dateBefore("last_active", 1), formatDateInDatabase(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
