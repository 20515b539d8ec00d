package flowcron

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/config"
	"github.com/RealZimboGuy/flowcron/internal/connectors"
	"github.com/RealZimboGuy/flowcron/internal/controllers"
	"github.com/RealZimboGuy/flowcron/internal/definitions"
	"github.com/RealZimboGuy/flowcron/internal/engine"
	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/internal/migrations"
	"github.com/RealZimboGuy/flowcron/internal/notify"
	"github.com/RealZimboGuy/flowcron/internal/repository"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// App is an opened database with the engine built on top of it.
type App struct {
	DB         *sql.DB
	Manager    *engine.Manager
	Connectors *connectors.Registry
}

// Database describes how to reach the configured database.
type Database struct {
	Driver       string
	DSN          string
	MigrateURL   string
	MigrationDir string
}

// DatabaseFromConfig reads FCRON_DATABASE_TYPE and the matching connection settings.
func DatabaseFromConfig() (Database, error) {
	databaseType := config.GetSystemSettingString(config.DATABASE_TYPE)
	switch databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		dbURL := config.GetSystemSettingString(config.DATABASE_URL)
		if dbURL == "" {
			return Database{}, errors.New("FCRON_DATABASE_URL must be set when using the POSTGRES database type")
		}
		return Database{Driver: "postgres", DSN: dbURL, MigrateURL: dbURL, MigrationDir: migrations.DirPostgres}, nil
	case config.DATABASE_TYPE_MYSQL:
		dbURL := config.GetSystemSettingString(config.DATABASE_URL)
		if dbURL == "" {
			return Database{}, errors.New("FCRON_DATABASE_URL must be set when using the MYSQL database type")
		}
		if !strings.HasPrefix(dbURL, "mysql://") {
			return Database{}, errors.New("FCRON_DATABASE_URL must start with 'mysql://' for MySQL")
		}
		if !strings.Contains(dbURL, "parseTime=true") {
			return Database{}, errors.New("FCRON_DATABASE_URL must contain 'parseTime=true' for MySQL")
		}
		return Database{Driver: "mysql", DSN: strings.TrimPrefix(dbURL, "mysql://"), MigrateURL: dbURL,
			MigrationDir: migrations.DirMysql}, nil
	case config.DATABASE_TYPE_SQLLITE:
		fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
		if fileName == "" {
			return Database{}, errors.New("FCRON_DATABASE_SQLLITE_FILE_NAME must be set")
		}
		return Database{Driver: "sqlite3", DSN: fileName + "?_busy_timeout=5000", MigrateURL: "sqlite3://" + fileName,
			MigrationDir: migrations.DirSqlLite}, nil
	}
	return Database{}, fmt.Errorf("FCRON_DATABASE_TYPE must be one of POSTGRES, MYSQL, SQLLITE, got %q", databaseType)
}

// Migrate applies pending migrations for the configured database.
func Migrate() error {
	d, err := DatabaseFromConfig()
	if err != nil {
		return err
	}
	slog.Info("Running migrations", "driver", d.Driver)
	return migrations.Up(d.MigrationDir, d.MigrateURL)
}

// OpenDatabase migrates and opens the configured database.
func OpenDatabase() (*sql.DB, error) {
	d, err := DatabaseFromConfig()
	if err != nil {
		return nil, err
	}
	slog.Info("Running migrations", "driver", d.Driver)
	if err := migrations.Up(d.MigrationDir, d.MigrateURL); err != nil {
		return nil, fmt.Errorf("db migration failed: %w", err)
	}
	db, err := sql.Open(d.Driver, d.DSN)
	if err != nil {
		return nil, fmt.Errorf("db connection failed: %w", err)
	}
	if d.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return db, nil
}

// New builds the engine on db. extra connectors are registered next to the built-in ones and
// may replace them.
func New(db *sql.DB, extra map[string]core.Connector) *App {
	clock := core.NewRealClock()
	registry := connectors.NewDefaultRegistry()
	for stepType, c := range extra {
		registry.Register(stepType, c)
	}
	manager := engine.NewManager(engine.Dependencies{
		Schedules:   repository.NewScheduleRepository(db, clock),
		Queue:       repository.NewQueueRepository(db, clock),
		Executions:  repository.NewExecutionRepository(db, clock),
		Logs:        repository.NewExecutionLogRepository(db, clock),
		Executors:   repository.NewExecutorRepository(db, clock),
		Definitions: repository.NewWorkflowDefinitionRepository(db, clock),
		Locks:       repository.NewLockRepository(db, clock),
		Statistics:  repository.NewStatisticsRepository(db, clock),
		Facts:       repository.NewFactRepository(db, clock),
		Connectors:  registry,
		Bus:         eventbus.New(),
		Notifier: notify.New(config.GetSystemSettingString(config.ALERT_WEBHOOK_URL),
			config.GetSystemSettingInteger(config.ALERT_RATE_PER_MINUTE)),
		Clock: clock,
	}, engine.OptionsFromConfig())
	return &App{DB: db, Manager: manager, Connectors: registry}
}

// RegisterRoutes wires the admin API onto mux.
func (a *App) RegisterRoutes(mux *http.ServeMux) {
	hash := config.GetSystemSettingString(config.ADMIN_API_KEY_HASH)
	if hash == "" {
		slog.Warn("FCRON_ADMIN_API_KEY_HASH is not set, the admin api is unauthenticated")
	}
	auth := *controllers.NewAuthController(hash)
	controllers.NewSchedulesController(a.Manager, auth).RegisterRoutes(mux)
	controllers.NewQueueController(a.Manager, auth).RegisterRoutes(mux)
	controllers.NewDefinitionsController(a.Manager, auth).RegisterRoutes(mux)
	controllers.NewEventsController(a.Manager, auth).RegisterRoutes(mux)
	controllers.NewExecutorsController(a.Manager, auth).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Serve runs the engine, the definitions watcher and the HTTP server until ctx is done
// or one of them fails.
func (a *App) Serve(ctx context.Context, mux *http.ServeMux) error {
	if mux == nil {
		mux = http.NewServeMux()
	}
	a.RegisterRoutes(mux)

	g, ctx := errgroup.WithContext(ctx)

	if dir := config.GetSystemSettingString(config.DEFINITIONS_DIR); dir != "" {
		watcher := definitions.NewWatcher(dir, a.Manager)
		if err := watcher.Sync(ctx); err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
		g.Go(func() error { return watcher.Watch(ctx) })
	}

	g.Go(func() error {
		a.Manager.StartEngine(ctx)
		return nil
	})

	addr := ":" + config.GetSystemSettingString(config.ENGINE_SERVER_WEB_PORT)
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		addr = v
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		slog.Info("Starting HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Start opens the database, builds the engine and serves until ctx is done.
func Start(ctx context.Context, mux *http.ServeMux, extra map[string]core.Connector) error {
	db, err := OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	return New(db, extra).Serve(ctx, mux)
}

func SetupLogger() {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      config.GetLogLevel(),
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
