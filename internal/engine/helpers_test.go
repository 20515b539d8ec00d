package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/internal/repository"
	"github.com/RealZimboGuy/flowcron/internal/testsupport"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

type MockExecutorRepo struct {
	SaveFunc                     func(e *domain.Executor) (int64, error)
	UpdateLastActiveFunc         func(id int64, ts time.Time) error
	GetExecutorsByLastActiveFunc func(limit int) ([]*domain.Executor, error)
}

func (m *MockExecutorRepo) Save(e *domain.Executor) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(e)
	}
	return 1, nil
}
func (m *MockExecutorRepo) UpdateLastActive(id int64, ts time.Time) error {
	if m.UpdateLastActiveFunc != nil {
		return m.UpdateLastActiveFunc(id, ts)
	}
	return nil
}
func (m *MockExecutorRepo) GetExecutorsByLastActive(limit int) ([]*domain.Executor, error) {
	if m.GetExecutorsByLastActiveFunc != nil {
		return m.GetExecutorsByLastActiveFunc(limit)
	}
	return nil, nil
}

type MockLockRepo struct {
	TryAcquireFunc func(key, holder string, ttl time.Duration) (bool, error)
	RenewFunc      func(key, holder string, ttl time.Duration) (bool, error)
	ReleaseFunc    func(key, holder string) error
}

func (m *MockLockRepo) TryAcquire(key, holder string, ttl time.Duration) (bool, error) {
	if m.TryAcquireFunc != nil {
		return m.TryAcquireFunc(key, holder, ttl)
	}
	return true, nil
}
func (m *MockLockRepo) Renew(key, holder string, ttl time.Duration) (bool, error) {
	if m.RenewFunc != nil {
		return m.RenewFunc(key, holder, ttl)
	}
	return true, nil
}
func (m *MockLockRepo) Release(key, holder string) error {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(key, holder)
	}
	return nil
}

// recordingNotifier keeps every alert it receives.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []core.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a core.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) Alerts() []core.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.Alert(nil), n.alerts...)
}

type fakeRegistry struct {
	mu         sync.Mutex
	connectors map[string]core.Connector
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{connectors: map[string]core.Connector{
		"noop": core.ConnectorFunc(func(context.Context, core.StepConfig, map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}),
	}}
}

func (r *fakeRegistry) Set(stepType string, c core.ConnectorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[stepType] = c
}

func (r *fakeRegistry) Get(stepType string) (core.Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connectors[stepType]
	if !ok {
		return nil, fmt.Errorf("no connector registered for step type %q", stepType)
	}
	return c, nil
}

func (r *fakeRegistry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for t := range r.connectors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// testEnv is a manager wired to SQLite repositories and a fake clock.
type testEnv struct {
	db          *sql.DB
	clock       *testsupport.FakeClock
	schedules   *repository.ScheduleRepository
	queue       *repository.QueueRepository
	executions  *repository.ExecutionRepository
	logs        *repository.ExecutionLogRepository
	definitions *repository.WorkflowDefinitionRepository
	locks       *repository.LockRepository
	stats       *repository.StatisticsRepository
	facts       *repository.FactRepository
	connectors  *fakeRegistry
	notifier    *recordingNotifier
	calendar    *StaticProvider
	manager     *Manager
}

func testOptions() Options {
	return Options{
		ExecutorName:    "test",
		ClaimTTL:        time.Minute,
		CancelPoll:      time.Second,
		AlertAfter:      3,
		HealthThreshold: 50,
		Workers:         1,
		BatchSize:       10,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, testOptions())
}

func newTestEnvWith(t *testing.T, opts Options) *testEnv {
	t.Helper()
	db := testsupport.NewSqliteDB(t)
	clock := testsupport.NewFakeClock(baseTime)
	env := &testEnv{
		db:          db,
		clock:       clock,
		schedules:   repository.NewScheduleRepository(db, clock),
		queue:       repository.NewQueueRepository(db, clock),
		executions:  repository.NewExecutionRepository(db, clock),
		logs:        repository.NewExecutionLogRepository(db, clock),
		definitions: repository.NewWorkflowDefinitionRepository(db, clock),
		locks:       repository.NewLockRepository(db, clock),
		stats:       repository.NewStatisticsRepository(db, clock),
		facts:       repository.NewFactRepository(db, clock),
		connectors:  newFakeRegistry(),
		notifier:    &recordingNotifier{},
		calendar:    NewStaticProvider(),
	}
	env.manager = NewManager(Dependencies{
		Schedules:   env.schedules,
		Queue:       env.queue,
		Executions:  env.executions,
		Logs:        env.logs,
		Executors:   repository.NewExecutorRepository(db, clock),
		Definitions: env.definitions,
		Locks:       env.locks,
		Statistics:  env.stats,
		Facts:       env.facts,
		Connectors:  env.connectors,
		Bus:         eventbus.New(),
		Notifier:    env.notifier,
		Clock:       clock,
		Calendars:   map[string]CalendarProvider{"static": env.calendar},
	}, opts)
	return env
}

// steps builds a linear chain of noop steps s1 -> s2 -> ...
func steps(n int) []domain.StepDefinition {
	out := make([]domain.StepDefinition, n)
	for i := range out {
		out[i] = domain.StepDefinition{ID: fmt.Sprintf("s%d", i+1), Type: "noop"}
		if i > 0 {
			out[i].DependsOn = []string{out[i-1].ID}
		}
	}
	return out
}

func (env *testEnv) define(t *testing.T, def *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	t.Helper()
	_, err := env.manager.SaveDefinition(context.Background(), def)
	require.NoError(t, err)
	return def
}

func (env *testEnv) schedule(t *testing.T, s *domain.Schedule) *domain.Schedule {
	t.Helper()
	if s.Priority == 0 {
		s.Priority = 5
	}
	s.IsActive = true
	_, err := env.manager.CreateSchedule(context.Background(), s)
	require.NoError(t, err)
	stored, err := env.schedules.FindByID(s.ID)
	require.NoError(t, err)
	return stored
}

// claimOne claims the single due item for worker.
func (env *testEnv) claimOne(t *testing.T, worker string) *domain.QueueItem {
	t.Helper()
	items, err := env.manager.Queue.Claim(context.Background(), worker, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func (env *testEnv) queueItems(t *testing.T, scheduleID int64) []*domain.QueueItem {
	t.Helper()
	items, err := env.queue.FindBySchedule(scheduleID, 100)
	require.NoError(t, err)
	return items
}
