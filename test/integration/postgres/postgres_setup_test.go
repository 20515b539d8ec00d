package postgres

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/config"
	"github.com/RealZimboGuy/flowcron/internal/connectors"
	"github.com/RealZimboGuy/flowcron/internal/engine"
	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/internal/notify"
	"github.com/RealZimboGuy/flowcron/internal/repository"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// dsn is empty when no container could be started; tests then skip.
var dsn string

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		slog.Error("error starting postgres container", "error", err)
		os.Exit(m.Run())
	}
	dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		slog.Error("error reading postgres connection string", "error", err)
		dsn = ""
	}
	if dsn != "" {
		os.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_POSTGRES)
		os.Setenv(config.DATABASE_URL, dsn)
		if err := flowcron.Migrate(); err != nil {
			slog.Error("error migrating postgres", "error", err)
			dsn = ""
		}
	}
	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// openDB returns a handle on the shared container database.
func openDB(t *testing.T) *sql.DB {
	t.Helper()
	if dsn == "" {
		t.Skip("postgres container not available")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newManager builds an engine on db whose repositories share clock, the way one process would.
func newManager(db *sql.DB, clock core.Clock, name string) *engine.Manager {
	return engine.NewManager(engine.Dependencies{
		Schedules:   repository.NewScheduleRepository(db, clock),
		Queue:       repository.NewQueueRepository(db, clock),
		Executions:  repository.NewExecutionRepository(db, clock),
		Logs:        repository.NewExecutionLogRepository(db, clock),
		Executors:   repository.NewExecutorRepository(db, clock),
		Definitions: repository.NewWorkflowDefinitionRepository(db, clock),
		Locks:       repository.NewLockRepository(db, clock),
		Statistics:  repository.NewStatisticsRepository(db, clock),
		Facts:       repository.NewFactRepository(db, clock),
		Connectors:  testRegistry(),
		Bus:         eventbus.New(),
		Notifier:    notify.LogNotifier{},
		Clock:       clock,
	}, engine.Options{
		ExecutorName:    name,
		ClaimTTL:        time.Minute,
		CancelPoll:      time.Second,
		AlertAfter:      3,
		HealthThreshold: 50,
		Workers:         1,
		BatchSize:       10,
	})
}

func testRegistry() *connectors.Registry {
	r := connectors.NewDefaultRegistry()
	r.Register("fail", core.ConnectorFunc(func(context.Context, core.StepConfig, map[string]any) (map[string]any, error) {
		return nil, errors.New("step failed")
	}))
	return r
}
