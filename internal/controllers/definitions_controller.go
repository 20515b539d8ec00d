package controllers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/RealZimboGuy/flowcron/internal/util"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

type DefinitionAdmin interface {
	ListDefinitions() ([]*domain.WorkflowDefinition, error)
	GetDefinition(name string, version int) (*domain.WorkflowDefinition, error)
	SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) (bool, error)
}

type DefinitionsController struct {
	AuthController
	Admin DefinitionAdmin
}

func NewDefinitionsController(admin DefinitionAdmin, auth AuthController) *DefinitionsController {
	return &DefinitionsController{Admin: admin, AuthController: auth}
}

type saveDefinitionResponse struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Created bool   `json:"created"`
}

func (c *DefinitionsController) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := c.Admin.ListDefinitions()
	if err != nil {
		writeError(w, r, "list definitions", err)
		return
	}
	if defs == nil {
		defs = []*domain.WorkflowDefinition{}
	}
	util.WriteJSONResponse(w, http.StatusOK, defs)
}

// handleGetDefinition serves the latest version unless ?version= is given.
func (c *DefinitionsController) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			util.WriteJSONResponse(w, http.StatusBadRequest, errorResponse{Error: "invalid version"})
			return
		}
		version = n
	}
	def, err := c.Admin.GetDefinition(r.PathValue("name"), version)
	if err != nil {
		writeError(w, r, "get definition", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, def)
}

func (c *DefinitionsController) handleSaveDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := util.DecodeJSONBody[domain.WorkflowDefinition](r)
	if err != nil {
		badRequest(w, err)
		return
	}
	created, err := c.Admin.SaveDefinition(r.Context(), &def)
	if err != nil {
		writeError(w, r, "save definition", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	util.WriteJSONResponse(w, status, saveDefinitionResponse{Name: def.Name, Version: def.Version, Created: created})
}
