package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
	"github.com/google/uuid"
)

const defaultCalendarProvider = "static"

// ValidateSchedule checks a schedule and its trigger config before it is stored.
func (m *Manager) ValidateSchedule(s *domain.Schedule) error {
	if s.Name == "" {
		return validationError("schedule", "name is required")
	}
	if s.WorkflowID == "" {
		return validationError("schedule", "workflow id is required")
	}
	if !s.Type.Valid() {
		return validationError("schedule", "unknown schedule type %q", s.Type)
	}
	if s.Priority < 1 || s.Priority > 10 {
		return validationError("schedule", "priority %d outside 1..10", s.Priority)
	}
	if s.MaxRetries < 0 {
		return validationError("schedule", "max retries must not be negative")
	}
	if _, err := LoadLocation(s.Timezone); err != nil {
		return validationError("schedule", "timezone %q: %v", s.Timezone, err)
	}
	switch s.Type {
	case domain.ScheduleCron:
		if _, err := ParseCron(s.CronExpression); err != nil {
			return validationError("schedule", "cron expression %q: %v", s.CronExpression, err)
		}
	case domain.ScheduleEvent:
		e := s.Event
		if e == nil || e.EventType == "" {
			return validationError("schedule", "event schedule needs an event type")
		}
		if e.RateLimit < 0 || e.RateWindowSeconds < 0 {
			return validationError("schedule", "rate limit settings must not be negative")
		}
	case domain.ScheduleConditional:
		if len(s.Rules) == 0 {
			return validationError("schedule", "conditional schedule needs at least one rule")
		}
		for _, rule := range s.Rules {
			if err := ValidateRule(rule); err != nil {
				return err
			}
		}
	case domain.ScheduleBatch:
		b := s.Batch
		if b == nil || b.BatchSize <= 0 {
			return validationError("schedule", "batch size must be positive")
		}
		if b.MaxConcurrency < 0 {
			return validationError("schedule", "max concurrency must not be negative")
		}
		kind, location := splitDataSource(b.DataSource)
		if _, ok := m.Batches.sources[kind]; !ok || location == "" {
			return validationError("schedule", "unknown batch data source %q", b.DataSource)
		}
	case domain.ScheduleCalendar:
		c := s.Calendar
		if c == nil || c.CalendarID == "" {
			return validationError("schedule", "calendar schedule needs a calendar id")
		}
		if c.Provider == "" {
			c.Provider = defaultCalendarProvider
		}
		if _, ok := m.Calendars.providers[c.Provider]; !ok {
			return validationError("schedule", "unknown calendar provider %q", c.Provider)
		}
		if c.TriggerOffsetMinutes < 0 || c.SyncWindowMinutes < 0 {
			return validationError("schedule", "calendar offsets must not be negative")
		}
	}
	return nil
}

// CreateSchedule validates and stores a schedule. New schedules start fully healthy.
func (m *Manager) CreateSchedule(ctx context.Context, s *domain.Schedule) (int64, error) {
	if err := m.ValidateSchedule(s); err != nil {
		return 0, err
	}
	if _, err := m.definitions.FindLatest(s.WorkflowID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, validationError("schedule", "workflow %s is not registered", s.WorkflowID)
		}
		return 0, newError(KindTransientInfrastructure, "create schedule", err)
	}
	s.HealthScore = 100
	if s.Batch != nil {
		s.Batch.ProcessingStatus = domain.BatchIdle
	}
	id, err := m.schedules.Create(s)
	if err != nil {
		return 0, newError(KindTransientInfrastructure, "create schedule", err)
	}
	slog.InfoContext(ctx, "Schedule created", "schedule_id", id, "name", s.Name, "type", s.Type)
	return id, nil
}

// UpdateSchedule replaces the editable fields and the trigger config of a schedule.
func (m *Manager) UpdateSchedule(ctx context.Context, id int64, s *domain.Schedule) error {
	current, err := m.schedules.FindByID(id)
	if err != nil {
		return err
	}
	if err := m.ValidateSchedule(s); err != nil {
		return err
	}
	s.ID = id
	if s.Batch != nil && current.Batch != nil {
		s.Batch.Cursor = current.Batch.Cursor
		s.Batch.ProcessingStatus = current.Batch.ProcessingStatus
		s.Batch.InFlight = current.Batch.InFlight
	}
	if s.Calendar != nil && current.Calendar != nil && s.Calendar.CalendarID == current.Calendar.CalendarID {
		s.Calendar.SyncCursor = current.Calendar.SyncCursor
	}
	if err := m.schedules.Update(s); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Schedule updated", "schedule_id", id)
	return nil
}

func (m *Manager) PauseSchedule(ctx context.Context, id int64) error {
	if err := m.schedules.SetActive(id, false); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Schedule paused", "schedule_id", id)
	return nil
}

func (m *Manager) ResumeSchedule(ctx context.Context, id int64) error {
	if err := m.schedules.SetActive(id, true); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Schedule resumed", "schedule_id", id)
	return nil
}

func (m *Manager) GetSchedule(id int64) (*domain.Schedule, error) {
	return m.schedules.FindByID(id)
}

func (m *Manager) ListSchedules(limit int) ([]*domain.Schedule, error) {
	return m.schedules.FindAll(limit)
}

// EnqueueManual queues a run of the latest version of a workflow outside any schedule.
func (m *Manager) EnqueueManual(ctx context.Context, req models.EnqueueRequest) (int64, error) {
	def, err := m.definitions.FindLatest(req.WorkflowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, validationError("enqueue", "workflow %s is not registered", req.WorkflowID)
		}
		return 0, newError(KindTransientInfrastructure, "enqueue", err)
	}
	if req.MaxRetries < 0 {
		return 0, validationError("enqueue", "max retries must not be negative")
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payload["trigger"] = "manual"
	if _, ok := payload["run_id"]; !ok {
		payload["run_id"] = uuid.NewString()
	}
	when := m.clock.Now()
	if req.ScheduledFor != nil {
		when = *req.ScheduledFor
	}
	item := &domain.QueueItem{
		WorkflowID:      def.Name,
		WorkflowVersion: def.Version,
		Priority:        req.Priority,
		ScheduledFor:    when,
		MaxRetries:      req.MaxRetries,
		Payload:         encodeJSON(payload),
	}
	if req.DedupKey != "" {
		item.DedupKey = sql.NullString{String: req.DedupKey, Valid: true}
	}
	id, err := m.Queue.Enqueue(ctx, item)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "Manual run enqueued", "queue_item_id", id, "workflow", def.Name, "version", def.Version)
	m.Wakeup()
	return id, nil
}

func (m *Manager) GetQueueItem(id int64) (*domain.QueueItem, error) {
	return m.Queue.Get(id)
}

// CancelQueueItem cancels an item that has not started yet.
func (m *Manager) CancelQueueItem(ctx context.Context, id int64) error {
	if err := m.Queue.Cancel(ctx, id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Queue item cancelled", "queue_item_id", id)
	return nil
}

func (m *Manager) CancelExecution(ctx context.Context, id int64, reason string) error {
	return m.Coordinator.Cancel(ctx, id, reason)
}

// GetExecution returns an execution with its steps and log.
func (m *Manager) GetExecution(id int64) (*domain.Execution, []domain.ExecutionStep, []domain.LogEntry, error) {
	exec, err := m.executions.FindByID(id)
	if err != nil {
		return nil, nil, nil, err
	}
	steps, err := m.executions.FindSteps(id)
	if err != nil {
		return nil, nil, nil, err
	}
	logs, err := m.logs.FindByExecution(id, 500)
	if err != nil {
		return nil, nil, nil, err
	}
	return exec, steps, logs, nil
}

func (m *Manager) ListExecutions(scheduleID int64, limit int) ([]*domain.Execution, error) {
	return m.executions.FindBySchedule(scheduleID, limit)
}

// ScheduleHealth recomputes and returns the current health of a schedule.
func (m *Manager) ScheduleHealth(ctx context.Context, id int64) (*domain.Schedule, error) {
	score, err := m.Health.Recompute(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := m.schedules.FindByID(id)
	if err != nil {
		return nil, err
	}
	s.HealthScore = score
	return s, nil
}

func (m *Manager) Statistics(scheduleID int64, from, to time.Time) ([]domain.ScheduleStatistics, error) {
	if to.Before(from) {
		return nil, validationError("statistics", "range end before start")
	}
	return m.Health.Statistics(scheduleID, from, to)
}

// ListExecutors returns recent executors ordered by last_active desc.
func (m *Manager) ListExecutors(limit int) ([]*domain.Executor, error) {
	if m.executorRepo == nil {
		return nil, nil
	}
	return m.executorRepo.GetExecutorsByLastActive(limit)
}

func (m *Manager) ListDefinitions() ([]*domain.WorkflowDefinition, error) {
	return m.definitions.FindAll()
}

// GetDefinition returns a specific version, or the latest when version is 0.
func (m *Manager) GetDefinition(name string, version int) (*domain.WorkflowDefinition, error) {
	if version > 0 {
		return m.definitions.FindVersion(name, version)
	}
	return m.definitions.FindLatest(name)
}

// SaveDefinition validates a definition and stores it, creating a new version when it changed.
func (m *Manager) SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) (bool, error) {
	var known func(string) bool
	if m.connectors != nil {
		types := map[string]bool{}
		for _, t := range m.connectors.Types() {
			types[t] = true
		}
		known = func(t string) bool { return types[t] }
	}
	if err := ValidateDefinition(def, known); err != nil {
		return false, err
	}
	created, err := m.definitions.Save(def)
	if err != nil {
		return false, newError(KindTransientInfrastructure, "save definition", err)
	}
	if created {
		slog.InfoContext(ctx, "Workflow definition stored", "workflow", def.Name, "version", def.Version)
	}
	return created, nil
}

// RegisterDefinitions saves every definition, stopping at the first invalid one.
func (m *Manager) RegisterDefinitions(ctx context.Context, defs []*domain.WorkflowDefinition) error {
	for _, def := range defs {
		if _, err := m.SaveDefinition(ctx, def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

// PublishEvent hands an external event to the bus.
func (m *Manager) PublishEvent(ctx context.Context, ev eventbus.Event) (eventbus.Event, error) {
	if ev.Type == "" {
		return ev, validationError("event", "event type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = m.clock.Now()
	}
	m.bus.Publish(ev)
	slog.DebugContext(ctx, "Event published", "event_id", ev.ID, "event_type", ev.Type, "event_source", ev.Source)
	return ev, nil
}

// PutFact stores a value read by store conditions.
func (m *Manager) PutFact(ctx context.Context, key, value string) error {
	if key == "" {
		return validationError("fact", "key is required")
	}
	if m.facts == nil {
		return validationError("fact", "fact store not configured")
	}
	if err := m.facts.Put(key, value); err != nil {
		return newError(KindTransientInfrastructure, "put fact", err)
	}
	return nil
}

func (m *Manager) QueueCounts() (map[string]int, error) {
	return m.Queue.Counts()
}
