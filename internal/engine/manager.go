package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/config"
	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Options are the engine intervals and sizes, normally read from system settings.
type Options struct {
	ExecutorName        string
	PollInterval        time.Duration
	CronTick            time.Duration
	ConditionalInterval time.Duration
	BatchInterval       time.Duration
	CalendarInterval    time.Duration
	ReaperInterval      time.Duration
	HealthInterval      time.Duration
	CancelPoll          time.Duration
	ClaimTTL            time.Duration
	BatchSize           int
	Workers             int
	AlertAfter          int
	HealthThreshold     float64
	// DispatchRate caps claims per second, 0 means unlimited
	DispatchRate int
}

func OptionsFromConfig() Options {
	return Options{
		ExecutorName:        config.GetSystemSettingString(config.ENGINE_EXECUTOR_NAME),
		PollInterval:        config.GetSystemSettingDuration(config.ENGINE_CHECK_DB_INTERVAL, 2*time.Second),
		CronTick:            config.GetSystemSettingDuration(config.ENGINE_CRON_TICK, 30*time.Second),
		ConditionalInterval: config.GetSystemSettingDuration(config.ENGINE_CONDITIONAL_INTERVAL, 30*time.Second),
		BatchInterval:       config.GetSystemSettingDuration(config.ENGINE_BATCH_INTERVAL, 15*time.Second),
		CalendarInterval:    config.GetSystemSettingDuration(config.ENGINE_CALENDAR_INTERVAL, time.Minute),
		ReaperInterval:      config.GetSystemSettingDuration(config.ENGINE_REAPER_INTERVAL, 30*time.Second),
		HealthInterval:      config.GetSystemSettingDuration(config.ENGINE_HEALTH_INTERVAL, 5*time.Minute),
		CancelPoll:          config.GetSystemSettingDuration(config.ENGINE_CANCEL_POLL, 2*time.Second),
		ClaimTTL:            config.GetSystemSettingDuration(config.ENGINE_CLAIM_TTL, time.Minute),
		BatchSize:           config.GetSystemSettingInteger(config.ENGINE_BATCH_SIZE),
		Workers:             config.GetSystemSettingInteger(config.ENGINE_EXECUTOR_SIZE),
		AlertAfter:          config.GetSystemSettingInteger(config.ENGINE_EVALUATOR_ALERT_AFTER),
		HealthThreshold:     float64(config.GetSystemSettingInteger(config.HEALTH_ALERT_THRESHOLD)),
		DispatchRate:        config.GetSystemSettingInteger(config.ENGINE_DISPATCH_RATE),
	}
}

// Dependencies are the stores and collaborators the engine is built from.
type Dependencies struct {
	Schedules   ScheduleRepo
	Queue       QueueRepo
	Executions  ExecutionRepo
	Logs        ExecutionLogRepo
	Executors   ExecutorRepo
	Definitions DefinitionRepo
	Locks       LockRepo
	Statistics  StatisticsRepo
	Facts       FactRepo
	Connectors  StepRegistry
	Bus         eventbus.Bus
	Notifier    core.Notifier
	Clock       core.Clock
	// Calendars and BatchSources default to the built-in static provider and dir source.
	Calendars    map[string]CalendarProvider
	BatchSources map[string]BatchSource
	HTTPClient   *http.Client
}

// StepRegistry is the connector registry as the manager sees it.
type StepRegistry interface {
	ConnectorRegistry
	Types() []string
}

// Manager wires the trigger evaluators, the dispatch queue and the workers of one process.
type Manager struct {
	Queue       *DispatchQueue
	Triggers    *TriggerService
	Cron        *CronEvaluator
	Events      *EventListener
	Conditions  *ConditionalPoller
	Batches     *BatchDispatcher
	Calendars   *CalendarSync
	Coordinator *Coordinator
	Reaper      *Reaper
	Health      *HealthAggregator
	Locks       *LockManager

	schedules    ScheduleRepo
	executions   ExecutionRepo
	logs         ExecutionLogRepo
	executorRepo ExecutorRepo
	definitions  DefinitionRepo
	facts        FactRepo
	connectors   StepRegistry
	bus          eventbus.Bus
	clock        core.Clock
	opts         Options

	workerID   string
	executorID int64
	wakeup     chan struct{}
	limiter    *rate.Limiter
	// busy counts items handed to workers and not yet finished
	busy atomic.Int32
}

func NewManager(deps Dependencies, opts Options) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ExecutorName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "flowcron"
		}
		opts.ExecutorName = host
	}
	if deps.Clock == nil {
		deps.Clock = core.NewRealClock()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	if deps.Calendars == nil {
		deps.Calendars = map[string]CalendarProvider{"static": NewStaticProvider()}
	}
	workerID := fmt.Sprintf("%s-%s", opts.ExecutorName, uuid.NewString()[:8])

	queue := NewDispatchQueue(deps.Queue, deps.Clock, opts.ClaimTTL)
	locks := NewLockManager(deps.Locks, deps.Clock, deps.Notifier)
	triggers := NewTriggerService(deps.Schedules, deps.Definitions, queue, deps.Clock, deps.Notifier, opts.AlertAfter)
	health := NewHealthAggregator(deps.Schedules, deps.Executions, deps.Statistics, deps.Notifier, deps.Clock, opts.HealthThreshold)
	coordinator := NewCoordinator(CoordinatorConfig{
		Queue:       queue,
		Executions:  deps.Executions,
		Logs:        deps.Logs,
		Definitions: deps.Definitions,
		Schedules:   deps.Schedules,
		Locks:       locks,
		Connectors:  deps.Connectors,
		Health:      health,
		Notifier:    deps.Notifier,
		Clock:       deps.Clock,
		ClaimTTL:    opts.ClaimTTL,
		CancelPoll:  opts.CancelPoll,
	})
	m := &Manager{
		Queue:        queue,
		Triggers:     triggers,
		Cron:         NewCronEvaluator(triggers, deps.Clock),
		Events:       NewEventListener(triggers, deps.Clock),
		Conditions:   NewConditionalPoller(triggers, NewResolvers(deps.Clock, deps.Facts, deps.Bus, deps.HTTPClient), deps.Clock),
		Batches:      NewBatchDispatcher(triggers, deps.BatchSources, locks, workerID, deps.Clock),
		Calendars:    NewCalendarSync(triggers, deps.Calendars, deps.Clock),
		Coordinator:  coordinator,
		Reaper:       NewReaper(queue, deps.Executions, coordinator),
		Health:       health,
		Locks:        locks,
		schedules:    deps.Schedules,
		executions:   deps.Executions,
		logs:         deps.Logs,
		executorRepo: deps.Executors,
		definitions:  deps.Definitions,
		facts:        deps.Facts,
		connectors:   deps.Connectors,
		bus:          deps.Bus,
		clock:        deps.Clock,
		opts:         opts,
		workerID:     workerID,
		wakeup:       make(chan struct{}, 1),
	}
	if opts.DispatchRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opts.DispatchRate), opts.DispatchRate)
	}
	return m
}

// WorkerID identifies this process as a queue claimer and lock holder.
func (m *Manager) WorkerID() string { return m.workerID }

// Bus is the event bus feeding event schedules.
func (m *Manager) Bus() eventbus.Bus { return m.bus }

// Wakeup triggers an immediate queue poll.
func (m *Manager) Wakeup() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// StartEngine runs the triggers, reaper, health sweep and workers until ctx is done.
func (m *Manager) StartEngine(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.registerExecutorInstance(ctx)

	items := make(chan *domain.QueueItem, m.opts.Workers)
	slog.Info("Starting flowcron engine", "workers", m.opts.Workers, "claim_size", m.opts.BatchSize, "worker_id", m.workerID)
	for i := 0; i < m.opts.Workers; i++ {
		workerCtx := context.WithValue(ctx, core.CtxKeyWorkerId, i)
		go Worker(workerCtx, i, m.workerID, m.Coordinator, items, m.finished)
	}

	go runLoop(ctx, "cron", m.opts.CronTick, m.Cron.Sweep)
	go runLoop(ctx, "conditional", m.opts.ConditionalInterval, m.Conditions.Sweep)
	go runLoop(ctx, "batch", m.opts.BatchInterval, m.Batches.Sweep)
	go runLoop(ctx, "calendar", m.opts.CalendarInterval, m.Calendars.Sweep)
	go runLoop(ctx, "health", m.opts.HealthInterval, m.Health.Sweep)
	go runLoop(ctx, "reaper", m.opts.ReaperInterval, func(ctx context.Context) error {
		n, err := m.Reaper.Sweep(ctx)
		if n > 0 {
			m.Wakeup()
		}
		return err
	})
	go m.Events.Run(ctx, m.bus, 256)

	slog.Info("Flowcron engine started", "poll_interval", m.opts.PollInterval.String())
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Flowcron engine stopping due to context cancel")
			return
		case <-ticker.C:
			m.pollAndDispatch(ctx, items)
		case <-m.wakeup:
			m.pollAndDispatch(ctx, items)
		}
	}
}

// runLoop calls fn every interval until ctx is done.
func runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		slog.Warn("Loop disabled", "loop", name)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Loop stopping due to context cancel", "loop", name)
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "Loop iteration failed", "loop", name, "error", err)
			}
		}
	}
}

// finished is called by a worker when it is done with a dispatched item.
func (m *Manager) finished() {
	m.busy.Add(-1)
}

// pollAndDispatch claims only as many items as there are idle workers, so a claimed item
// never waits in the channel long enough for its claim to lapse.
func (m *Manager) pollAndDispatch(ctx context.Context, items chan<- *domain.QueueItem) {
	capacity := min(m.opts.Workers-int(m.busy.Load()), cap(items)-len(items))
	if m.opts.BatchSize > 0 {
		capacity = min(capacity, m.opts.BatchSize)
	}
	if capacity <= 0 {
		slog.Debug("All workers busy, skipping poll")
		return
	}
	if m.limiter != nil {
		allowed := 0
		for allowed < capacity && m.limiter.Allow() {
			allowed++
		}
		capacity = allowed
		if capacity == 0 {
			slog.Debug("Dispatch rate limit reached")
			return
		}
	}
	claimed, err := m.Queue.Claim(ctx, m.workerID, capacity)
	if err != nil {
		slog.ErrorContext(ctx, "Error claiming queue items", "error", err)
		return
	}
	for _, item := range claimed {
		slog.InfoContext(ctx, "Dispatching queue item", "queue_item_id", item.ID, "workflow", item.WorkflowID,
			"priority", item.Priority)
		m.busy.Add(1)
		items <- item
	}
}

func (m *Manager) registerExecutorInstance(ctx context.Context) {
	if m.executorRepo == nil {
		return
	}
	now := m.clock.Now()
	exec := &domain.Executor{Name: m.workerID, Started: now, LastActive: now}
	id, err := m.executorRepo.Save(exec)
	if err != nil {
		slog.Error("Failed to register executor", "error", err)
		return
	}
	m.executorID = id
	slog.Info("Registered executor", "executor_id", id, "name", m.workerID)
	go func() {
		hb := time.NewTicker(30 * time.Second)
		defer hb.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.C:
				if err := m.executorRepo.UpdateLastActive(id, m.clock.Now()); err != nil {
					slog.Error("Failed to update executor last_active", "executor_id", id, "error", err)
				} else {
					slog.Debug("Updated executor last_active", "executor_id", id)
				}
			}
		}
	}()
}
