package testsupport

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/RealZimboGuy/flowcron/internal/config"
	"github.com/RealZimboGuy/flowcron/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

// NewSqliteDB creates a migrated SQLite database in a temp dir and points the dialect
// settings at it for the duration of the test.
func NewSqliteDB(t testing.TB) *sql.DB {
	t.Helper()
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_SQLLITE)

	file := filepath.Join(t.TempDir(), "flowcron.db")
	t.Setenv(config.DATABASE_SQLLITE_FILE_NAME, file)
	if err := migrations.Up(migrations.DirSqlLite, "sqlite3://"+file); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	db, err := sql.Open("sqlite3", file+"?_busy_timeout=5000&_foreign_keys=off")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// one writer keeps SQLite from returning SQLITE_BUSY under concurrent tests
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
