package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/config"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("not found")

// ErrNotOwner is returned by queue writes made by a worker that no longer holds the item.
var ErrNotOwner = errors.New("queue item not held by this worker")

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// placeholder returns the correct bind variable for the given index based on DB type.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func placeholder(i int) string {
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	if db == config.DATABASE_TYPE_POSTGRES {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// placeholders returns n comma separated bind variables starting at index start.
func placeholders(start, n int) string {
	pps := make([]string, 0, n)
	for i := 0; i < n; i++ {
		pps = append(pps, placeholder(start+i))
	}
	return strings.Join(pps, ", ")
}

// dateBefore returns a predicate that checks column is strictly before the bound parameter at idx.
// SQLite stores timestamps as text so both sides are coerced via julianday().
func dateBefore(column string, idx int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) < julianday(%s)", column, placeholder(idx))
	}
	return fmt.Sprintf("%s < %s", column, placeholder(idx))
}

// dateAtOrAfter is the negation of dateBefore for non-null columns.
func dateAtOrAfter(column string, idx int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) >= julianday(%s)", column, placeholder(idx))
	}
	return fmt.Sprintf("%s >= %s", column, placeholder(idx))
}

func dateAfter(column string, idx int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) > julianday(%s)", column, placeholder(idx))
	}
	return fmt.Sprintf("%s > %s", column, placeholder(idx))
}

func supportsReturning() bool {
	return config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_POSTGRES
}

// formatDateInDatabase renders t at millisecond precision so values written and later
// compared round trip identically on every dialect.
func formatDateInDatabase(t time.Time) string {
	t = t.UTC().Truncate(time.Millisecond)
	switch config.GetSystemSettingString(config.DATABASE_TYPE) {
	case config.DATABASE_TYPE_SQLLITE:
		return t.Format("2006-01-02 15:04:05.000")
	case config.DATABASE_TYPE_MYSQL:
		return t.Format("2006-01-02 15:04:05.000000")
	}
	// PostgreSQL supports RFC3339
	return t.Format(time.RFC3339Nano)
}

func formatDateInDatabaseNull(t sql.NullTime) interface{} {
	if !t.Valid {
		return nil
	}
	return formatDateInDatabase(t.Time)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// insertReturningID runs an INSERT and returns the generated id, using RETURNING where supported.
func insertReturningID(db dbtx, base string, vals ...any) (int64, error) {
	var id int64
	if supportsReturning() {
		err := db.QueryRow(base+" RETURNING id", vals...).Scan(&id)
		return id, err
	}
	res, err := db.Exec(base, vals...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// isUniqueViolation reports whether err is a unique or primary key violation on any supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
