package controllers

import (
	"context"
	"net/http"

	"github.com/RealZimboGuy/flowcron/internal/util"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
)

// QueueAdmin covers manual runs, queue items and executions.
type QueueAdmin interface {
	EnqueueManual(ctx context.Context, req models.EnqueueRequest) (int64, error)
	GetQueueItem(id int64) (*domain.QueueItem, error)
	CancelQueueItem(ctx context.Context, id int64) error
	QueueCounts() (map[string]int, error)
	GetExecution(id int64) (*domain.Execution, []domain.ExecutionStep, []domain.LogEntry, error)
	CancelExecution(ctx context.Context, id int64, reason string) error
}

type QueueController struct {
	AuthController
	Admin QueueAdmin
}

func NewQueueController(admin QueueAdmin, auth AuthController) *QueueController {
	return &QueueController{Admin: admin, AuthController: auth}
}

func (c *QueueController) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.EnqueueRequest](r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	id, err := c.Admin.EnqueueManual(r.Context(), req)
	if err != nil {
		writeError(w, r, "enqueue", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusCreated, models.EnqueueResponse{ID: id})
}

func (c *QueueController) handleGetQueueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	item, err := c.Admin.GetQueueItem(id)
	if err != nil {
		writeError(w, r, "get queue item", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, models.FromQueueItem(item))
}

func (c *QueueController) handleCancelQueueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := c.Admin.CancelQueueItem(r.Context(), id); err != nil {
		writeError(w, r, "cancel queue item", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, models.OkResponse{OK: true})
}

func (c *QueueController) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := c.Admin.QueueCounts()
	if err != nil {
		writeError(w, r, "queue counts", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, counts)
}

func (c *QueueController) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	exec, steps, logs, err := c.Admin.GetExecution(id)
	if err != nil {
		writeError(w, r, "get execution", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, models.FromExecution(exec, steps, logs))
}

// handleCancelExecution accepts an optional {"reason": "..."} body.
func (c *QueueController) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	reason := "cancelled via api"
	if r.ContentLength > 0 {
		req, err := util.DecodeJSONBody[models.CancelRequest](r)
		if err != nil {
			badRequest(w, err)
			return
		}
		if req.Reason != "" {
			reason = req.Reason
		}
	}
	if err := c.Admin.CancelExecution(r.Context(), id, reason); err != nil {
		writeError(w, r, "cancel execution", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, models.OkResponse{OK: true})
}
