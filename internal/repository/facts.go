package repository

import (
	"database/sql"

	"github.com/RealZimboGuy/flowcron/internal/config"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
)

// FactRepository is a small key/value table read by store conditions.
type FactRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewFactRepository(db *sql.DB, clock core.Clock) *FactRepository {
	return &FactRepository{db: db, clock: clock}
}

// Put inserts or replaces the value stored under key.
func (r *FactRepository) Put(key, value string) error {
	query := ""
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	if db == config.DATABASE_TYPE_MYSQL {
		query = `
		INSERT INTO facts (fact_key, fact_value, modified)
		VALUES (` + placeholders(1, 3) + `)
		ON DUPLICATE KEY UPDATE fact_value = VALUES(fact_value), modified = VALUES(modified)`
	} else {
		query = `
		INSERT INTO facts (fact_key, fact_value, modified)
		VALUES (` + placeholders(1, 3) + `)
		ON CONFLICT (fact_key)
		DO UPDATE SET fact_value = EXCLUDED.fact_value, modified = EXCLUDED.modified`
	}
	_, err := r.db.Exec(query, key, value, formatDateInDatabase(r.clock.Now()))
	return err
}

// Get returns the value for key, or ErrNotFound.
func (r *FactRepository) Get(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT fact_value FROM facts WHERE fact_key = `+placeholder(1), key).Scan(&value)
	return value, notFound(err)
}

func (r *FactRepository) Delete(key string) error {
	_, err := r.db.Exec(`DELETE FROM facts WHERE fact_key = `+placeholder(1), key)
	return err
}
