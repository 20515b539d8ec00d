package controllers

import (
	"log/slog"
	"net/http"

	"github.com/RealZimboGuy/flowcron/internal/util"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

type ExecutorLister interface {
	ListExecutors(limit int) ([]*domain.Executor, error)
}

type ExecutorsController struct {
	AuthController
	Executors ExecutorLister
}

func NewExecutorsController(executors ExecutorLister, auth AuthController) *ExecutorsController {
	return &ExecutorsController{
		Executors:      executors,
		AuthController: auth,
	}
}

func (c *ExecutorsController) handleGetExecutors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	slog.Debug("GetExecutors called")

	results, err := c.Executors.ListExecutors(queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, r, "list executors", err)
		return
	}
	if results == nil {
		results = []*domain.Executor{}
	}
	util.WriteJSONResponse(w, http.StatusOK, results)
}
