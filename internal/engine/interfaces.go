package engine

import (
	"database/sql"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// ScheduleRepo matches repository.ScheduleRepository.
type ScheduleRepo interface {
	Create(s *domain.Schedule) (int64, error)
	Update(s *domain.Schedule) error
	FindByID(id int64) (*domain.Schedule, error)
	FindActiveByType(t domain.ScheduleType) ([]*domain.Schedule, error)
	FindAll(limit int) ([]*domain.Schedule, error)
	SetActive(id int64, active bool) error
	AdvanceLastTriggered(id int64, firedAt time.Time) (bool, error)
	RecordEvaluationFailure(id int64, message string) (int, error)
	RecordEvaluationSuccess(id int64) error
	UpdateHealthScore(id int64, score float64) error
	RecordRuleResult(ruleID int64, result bool, evaluatedAt time.Time) error
	TouchBatchCheck(scheduleID int64) error
	AcquireBatchSlot(scheduleID int64, slots int) (bool, error)
	ReleaseBatchSlot(scheduleID int64, cursor string, retry *domain.BatchRetry) error
	DeleteBatchRetry(id int64) (bool, error)
	UpdateCalendarSync(scheduleID int64, cursor string) error
}

// QueueRepo matches repository.QueueRepository.
type QueueRepo interface {
	Enqueue(q *domain.QueueItem) (int64, error)
	FindByID(id int64) (*domain.QueueItem, error)
	FindClaimable(size int) ([]*domain.QueueItem, error)
	FindBySchedule(scheduleID int64, limit int) ([]*domain.QueueItem, error)
	MarkClaimed(id int64, owner string, ttl time.Duration) bool
	ExtendClaim(id int64, owner string, ttl time.Duration) (bool, error)
	Complete(id int64, owner, status, lastError string) error
	Requeue(id int64, owner string, scheduledFor time.Time, lastError string) (bool, error)
	FindExpiredClaims(size int) ([]*domain.QueueItem, error)
	ReleaseExpiredClaim(id int64, owner string, lastError string) (bool, error)
	CancelPending(id int64) (bool, error)
	HasOpenItem(scheduleID int64) (bool, error)
	CountCreatedSince(scheduleID int64, since time.Time) (int, error)
	CountByStatus() (map[string]int, error)
}

// ExecutionRepo matches repository.ExecutionRepository.
type ExecutionRepo interface {
	Create(e *domain.Execution, nodeIDs []string) (int64, error)
	FindByID(id int64) (*domain.Execution, error)
	FindBySchedule(scheduleID int64, limit int) ([]*domain.Execution, error)
	FindRunningByQueueItem(queueItemID int64) ([]*domain.Execution, error)
	FindCompletedBetween(scheduleID int64, from, to time.Time) ([]*domain.Execution, error)
	LastCompletedAt(scheduleID int64) (sql.NullTime, error)
	MarkRunning(id int64, workerID string) (bool, error)
	Finish(e *domain.Execution) (bool, error)
	UpdateCounts(e *domain.Execution) error
	Cancel(id int64, kind, reason string) (bool, error)
	FailOrphan(id int64, kind, message string) (bool, error)
	GetStatus(id int64) (string, error)
	UpdateStep(s *domain.ExecutionStep) error
	FindSteps(executionID int64) ([]domain.ExecutionStep, error)
}

// ExecutionLogRepo defines the interface for the append-only execution log.
type ExecutionLogRepo interface {
	Save(e *domain.LogEntry) (int64, error)
	FindByExecution(executionID int64, limit int) ([]domain.LogEntry, error)
}

// ExecutorRepo defines the interface for executor persistence.
type ExecutorRepo interface {
	Save(e *domain.Executor) (int64, error)
	UpdateLastActive(id int64, ts time.Time) error
	GetExecutorsByLastActive(limit int) ([]*domain.Executor, error)
}

// DefinitionRepo defines the interface for workflow definition persistence.
type DefinitionRepo interface {
	Save(def *domain.WorkflowDefinition) (bool, error)
	FindLatest(name string) (*domain.WorkflowDefinition, error)
	FindVersion(name string, version int) (*domain.WorkflowDefinition, error)
	FindAll() ([]*domain.WorkflowDefinition, error)
}

type LockRepo interface {
	TryAcquire(key, holder string, ttl time.Duration) (bool, error)
	Renew(key, holder string, ttl time.Duration) (bool, error)
	Release(key, holder string) error
}

type StatisticsRepo interface {
	Save(s *domain.ScheduleStatistics) error
	FindRange(scheduleID int64, from, to time.Time) ([]domain.ScheduleStatistics, error)
	CountSkipped(scheduleID int64, from, to time.Time) (int, error)
}

type FactRepo interface {
	Get(key string) (string, error)
	Put(key, value string) error
}
