package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/util"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
)

// ScheduleAdmin is the part of the engine manager the schedule routes use.
type ScheduleAdmin interface {
	CreateSchedule(ctx context.Context, s *domain.Schedule) (int64, error)
	UpdateSchedule(ctx context.Context, id int64, s *domain.Schedule) error
	PauseSchedule(ctx context.Context, id int64) error
	ResumeSchedule(ctx context.Context, id int64) error
	GetSchedule(id int64) (*domain.Schedule, error)
	ListSchedules(limit int) ([]*domain.Schedule, error)
	ListExecutions(scheduleID int64, limit int) ([]*domain.Execution, error)
	ScheduleHealth(ctx context.Context, id int64) (*domain.Schedule, error)
	Statistics(scheduleID int64, from, to time.Time) ([]domain.ScheduleStatistics, error)
}

type SchedulesController struct {
	AuthController
	Admin ScheduleAdmin
}

func NewSchedulesController(admin ScheduleAdmin, auth AuthController) *SchedulesController {
	return &SchedulesController{Admin: admin, AuthController: auth}
}

func (c *SchedulesController) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.ScheduleRequest](r)
	if err != nil {
		badRequest(w, err)
		return
	}
	s := req.ToSchedule()
	id, err := c.Admin.CreateSchedule(r.Context(), s)
	if err != nil {
		writeError(w, r, "create schedule", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusCreated, models.CreateScheduleResponse{ID: id})
}

func (c *SchedulesController) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := c.Admin.ListSchedules(queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, "list schedules", err)
		return
	}
	out := make([]models.ScheduleResponse, 0, len(list))
	for _, s := range list {
		out = append(out, models.FromSchedule(s))
	}
	util.WriteJSONResponse(w, http.StatusOK, out)
}

func (c *SchedulesController) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, err := c.Admin.GetSchedule(id)
	if err != nil {
		writeError(w, r, "get schedule", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, models.FromSchedule(s))
}

func (c *SchedulesController) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.ScheduleRequest](r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := c.Admin.UpdateSchedule(r.Context(), id, req.ToSchedule()); err != nil {
		writeError(w, r, "update schedule", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, models.OkResponse{OK: true})
}

func (c *SchedulesController) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	c.toggle(w, r, c.Admin.PauseSchedule)
}

func (c *SchedulesController) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	c.toggle(w, r, c.Admin.ResumeSchedule)
}

func (c *SchedulesController) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, r, "toggle schedule", err)
		return
	}
	slog.InfoContext(r.Context(), "Schedule state changed", "schedule_id", id, "path", r.URL.Path)
	util.WriteJSONResponse(w, http.StatusOK, models.OkResponse{OK: true})
}

func (c *SchedulesController) handleScheduleExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := c.Admin.ListExecutions(id, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, r, "list executions", err)
		return
	}
	out := make([]models.ExecutionResponse, 0, len(list))
	for _, e := range list {
		out = append(out, models.FromExecution(e, nil, nil))
	}
	util.WriteJSONResponse(w, http.StatusOK, out)
}

func (c *SchedulesController) handleScheduleHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, err := c.Admin.ScheduleHealth(r.Context(), id)
	if err != nil {
		writeError(w, r, "schedule health", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, models.HealthResponse{
		ScheduleID:          s.ID,
		Name:                s.Name,
		HealthScore:         s.HealthScore,
		ConsecutiveFailures: s.ConsecutiveFailures,
		LastError:           s.LastError.String,
	})
}

// handleScheduleStatistics reads ?from=YYYY-MM-DD&to=YYYY-MM-DD, defaulting to the last 30 days.
func (c *SchedulesController) handleScheduleStatistics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -30)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.DateOnly, v); err != nil {
			badRequest(w, err)
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.DateOnly, v); err != nil {
			badRequest(w, err)
			return
		}
	}
	rows, err := c.Admin.Statistics(id, from, to)
	if err != nil {
		writeError(w, r, "statistics", err)
		return
	}
	if rows == nil {
		rows = []domain.ScheduleStatistics{}
	}
	util.WriteJSONResponse(w, http.StatusOK, rows)
}
