package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
)

// MockAdmin implements every admin interface the controllers consume.
type MockAdmin struct {
	CreateScheduleFunc  func(ctx context.Context, s *domain.Schedule) (int64, error)
	UpdateScheduleFunc  func(ctx context.Context, id int64, s *domain.Schedule) error
	PauseScheduleFunc   func(ctx context.Context, id int64) error
	ResumeScheduleFunc  func(ctx context.Context, id int64) error
	GetScheduleFunc     func(id int64) (*domain.Schedule, error)
	ListSchedulesFunc   func(limit int) ([]*domain.Schedule, error)
	ListExecutionsFunc  func(scheduleID int64, limit int) ([]*domain.Execution, error)
	ScheduleHealthFunc  func(ctx context.Context, id int64) (*domain.Schedule, error)
	StatisticsFunc      func(scheduleID int64, from, to time.Time) ([]domain.ScheduleStatistics, error)
	EnqueueManualFunc   func(ctx context.Context, req models.EnqueueRequest) (int64, error)
	GetQueueItemFunc    func(id int64) (*domain.QueueItem, error)
	CancelQueueItemFunc func(ctx context.Context, id int64) error
	QueueCountsFunc     func() (map[string]int, error)
	GetExecutionFunc    func(id int64) (*domain.Execution, []domain.ExecutionStep, []domain.LogEntry, error)
	CancelExecutionFunc func(ctx context.Context, id int64, reason string) error
	ListDefinitionsFunc func() ([]*domain.WorkflowDefinition, error)
	GetDefinitionFunc   func(name string, version int) (*domain.WorkflowDefinition, error)
	SaveDefinitionFunc  func(ctx context.Context, def *domain.WorkflowDefinition) (bool, error)
	PublishEventFunc    func(ctx context.Context, ev eventbus.Event) (eventbus.Event, error)
	PutFactFunc         func(ctx context.Context, key, value string) error
	EventBus            eventbus.Bus
	ListExecutorsFunc   func(limit int) ([]*domain.Executor, error)
}

func (m *MockAdmin) CreateSchedule(ctx context.Context, s *domain.Schedule) (int64, error) {
	if m.CreateScheduleFunc != nil {
		return m.CreateScheduleFunc(ctx, s)
	}
	return 1, nil
}
func (m *MockAdmin) UpdateSchedule(ctx context.Context, id int64, s *domain.Schedule) error {
	if m.UpdateScheduleFunc != nil {
		return m.UpdateScheduleFunc(ctx, id, s)
	}
	return nil
}
func (m *MockAdmin) PauseSchedule(ctx context.Context, id int64) error {
	if m.PauseScheduleFunc != nil {
		return m.PauseScheduleFunc(ctx, id)
	}
	return nil
}
func (m *MockAdmin) ResumeSchedule(ctx context.Context, id int64) error {
	if m.ResumeScheduleFunc != nil {
		return m.ResumeScheduleFunc(ctx, id)
	}
	return nil
}
func (m *MockAdmin) GetSchedule(id int64) (*domain.Schedule, error) {
	if m.GetScheduleFunc != nil {
		return m.GetScheduleFunc(id)
	}
	return &domain.Schedule{ID: id}, nil
}
func (m *MockAdmin) ListSchedules(limit int) ([]*domain.Schedule, error) {
	if m.ListSchedulesFunc != nil {
		return m.ListSchedulesFunc(limit)
	}
	return nil, nil
}
func (m *MockAdmin) ListExecutions(scheduleID int64, limit int) ([]*domain.Execution, error) {
	if m.ListExecutionsFunc != nil {
		return m.ListExecutionsFunc(scheduleID, limit)
	}
	return nil, nil
}
func (m *MockAdmin) ScheduleHealth(ctx context.Context, id int64) (*domain.Schedule, error) {
	if m.ScheduleHealthFunc != nil {
		return m.ScheduleHealthFunc(ctx, id)
	}
	return &domain.Schedule{ID: id, HealthScore: 100}, nil
}
func (m *MockAdmin) Statistics(scheduleID int64, from, to time.Time) ([]domain.ScheduleStatistics, error) {
	if m.StatisticsFunc != nil {
		return m.StatisticsFunc(scheduleID, from, to)
	}
	return nil, nil
}
func (m *MockAdmin) EnqueueManual(ctx context.Context, req models.EnqueueRequest) (int64, error) {
	if m.EnqueueManualFunc != nil {
		return m.EnqueueManualFunc(ctx, req)
	}
	return 1, nil
}
func (m *MockAdmin) GetQueueItem(id int64) (*domain.QueueItem, error) {
	if m.GetQueueItemFunc != nil {
		return m.GetQueueItemFunc(id)
	}
	return &domain.QueueItem{ID: id}, nil
}
func (m *MockAdmin) CancelQueueItem(ctx context.Context, id int64) error {
	if m.CancelQueueItemFunc != nil {
		return m.CancelQueueItemFunc(ctx, id)
	}
	return nil
}
func (m *MockAdmin) QueueCounts() (map[string]int, error) {
	if m.QueueCountsFunc != nil {
		return m.QueueCountsFunc()
	}
	return map[string]int{}, nil
}
func (m *MockAdmin) GetExecution(id int64) (*domain.Execution, []domain.ExecutionStep, []domain.LogEntry, error) {
	if m.GetExecutionFunc != nil {
		return m.GetExecutionFunc(id)
	}
	return &domain.Execution{ID: id}, nil, nil, nil
}
func (m *MockAdmin) CancelExecution(ctx context.Context, id int64, reason string) error {
	if m.CancelExecutionFunc != nil {
		return m.CancelExecutionFunc(ctx, id, reason)
	}
	return nil
}
func (m *MockAdmin) ListDefinitions() ([]*domain.WorkflowDefinition, error) {
	if m.ListDefinitionsFunc != nil {
		return m.ListDefinitionsFunc()
	}
	return nil, nil
}
func (m *MockAdmin) GetDefinition(name string, version int) (*domain.WorkflowDefinition, error) {
	if m.GetDefinitionFunc != nil {
		return m.GetDefinitionFunc(name, version)
	}
	return &domain.WorkflowDefinition{Name: name, Version: version}, nil
}
func (m *MockAdmin) SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) (bool, error) {
	if m.SaveDefinitionFunc != nil {
		return m.SaveDefinitionFunc(ctx, def)
	}
	return true, nil
}
func (m *MockAdmin) PublishEvent(ctx context.Context, ev eventbus.Event) (eventbus.Event, error) {
	if m.PublishEventFunc != nil {
		return m.PublishEventFunc(ctx, ev)
	}
	return ev, nil
}
func (m *MockAdmin) PutFact(ctx context.Context, key, value string) error {
	if m.PutFactFunc != nil {
		return m.PutFactFunc(ctx, key, value)
	}
	return nil
}
func (m *MockAdmin) Bus() eventbus.Bus {
	if m.EventBus == nil {
		m.EventBus = eventbus.New()
	}
	return m.EventBus
}

func (m *MockAdmin) ListExecutors(limit int) ([]*domain.Executor, error) {
	if m.ListExecutorsFunc != nil {
		return m.ListExecutorsFunc(limit)
	}
	return nil, nil
}

type routeRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// serve sends one request through a mux holding c's routes.
func serve(c routeRegistrar, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}
