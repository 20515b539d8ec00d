package controllers

import "net/http"

// RegisterRoutes wires the HTTP routes for this controller.
func (c *SchedulesController) RegisterRoutes(mux *http.ServeMux) {
	handle(mux, "POST /api/schedules", c.RequireAuth(c.handleCreateSchedule))
	handle(mux, "GET /api/schedules", c.RequireAuth(c.handleListSchedules))
	handle(mux, "GET /api/schedules/{id}", c.RequireAuth(c.handleGetSchedule))
	handle(mux, "PUT /api/schedules/{id}", c.RequireAuth(c.handleUpdateSchedule))
	handle(mux, "POST /api/schedules/{id}/pause", c.RequireAuth(c.handlePauseSchedule))
	handle(mux, "POST /api/schedules/{id}/resume", c.RequireAuth(c.handleResumeSchedule))
	handle(mux, "GET /api/schedules/{id}/executions", c.RequireAuth(c.handleScheduleExecutions))
	handle(mux, "GET /api/schedules/{id}/health", c.RequireAuth(c.handleScheduleHealth))
	handle(mux, "GET /api/schedules/{id}/statistics", c.RequireAuth(c.handleScheduleStatistics))
}
func (c *QueueController) RegisterRoutes(mux *http.ServeMux) {
	handle(mux, "POST /api/enqueue", c.RequireAuth(c.handleEnqueue))
	handle(mux, "GET /api/queue", c.RequireAuth(c.handleQueueCounts))
	handle(mux, "GET /api/queue/{id}", c.RequireAuth(c.handleGetQueueItem))
	handle(mux, "POST /api/queue/{id}/cancel", c.RequireAuth(c.handleCancelQueueItem))
	handle(mux, "GET /api/executions/{id}", c.RequireAuth(c.handleGetExecution))
	handle(mux, "POST /api/executions/{id}/cancel", c.RequireAuth(c.handleCancelExecution))
}
func (c *DefinitionsController) RegisterRoutes(mux *http.ServeMux) {
	handle(mux, "GET /api/definitions", c.RequireAuth(c.handleListDefinitions))
	handle(mux, "POST /api/definitions", c.RequireAuth(c.handleSaveDefinition))
	handle(mux, "GET /api/definitions/{name}", c.RequireAuth(c.handleGetDefinition))
}
func (c *EventsController) RegisterRoutes(mux *http.ServeMux) {
	handle(mux, "POST /api/events", c.RequireAuth(c.handlePublishEvent))
	handle(mux, "PUT /api/facts/{key}", c.RequireAuth(c.handlePutFact))
	handle(mux, "GET /api/events/stream", c.RequireAuth(c.handleStreamEvents))
}
func (c *ExecutorsController) RegisterRoutes(mux *http.ServeMux) {
	handle(mux, "/api/executors", c.RequireAuth(c.handleGetExecutors))
}
