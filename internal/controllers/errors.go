package controllers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/RealZimboGuy/flowcron/internal/engine"
	"github.com/RealZimboGuy/flowcron/internal/util"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	var kind string
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		kind = string(ee.Kind)
	}
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, engine.ErrDuplicateFire):
		status = http.StatusConflict
	case kind == string(engine.KindValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed", "op", op, "error", err)
	}
	util.WriteJSONResponse(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		util.WriteJSONResponse(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func badRequest(w http.ResponseWriter, err error) {
	util.WriteJSONResponse(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}
