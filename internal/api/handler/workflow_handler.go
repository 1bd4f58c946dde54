package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opdesk/conveyor/internal/api/dto"
	"github.com/opdesk/conveyor/internal/workflow"
)

// WorkflowHandler handles workflow definition and execution HTTP
// requests.
type WorkflowHandler struct {
	logger    *slog.Logger
	workflows *workflow.Service
}

// NewWorkflowHandler creates a new WorkflowHandler instance.
func NewWorkflowHandler(deps *Dependencies) *WorkflowHandler {
	return &WorkflowHandler{
		logger:    deps.Logger,
		workflows: deps.Workflows,
	}
}

// ImportDefinition handles POST /api/v1/workflows/definitions. The
// first publish under a (tenant, name) creates version 1; later ones
// append a new immutable version.
func (h *WorkflowHandler) ImportDefinition(c *gin.Context) {
	var req dto.ImportDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := h.workflows.ImportDefinition(c.Request.Context(), req.TenantID, req.Name, req.Document)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("workflow definition published",
		slog.String("definition_id", res.Definition.DefinitionID),
		slog.String("name", res.Definition.Name),
		slog.Int("version", res.Definition.Version),
	)

	c.JSON(http.StatusCreated, dto.ImportDefinitionResponse{
		Definition: res.Definition,
		Warnings:   res.Warnings,
	})
}

// GetDefinition handles GET /api/v1/workflows/definitions/:definition_id.
// The version query parameter is required; versions are immutable, so
// there is no floating "current" to default to.
func (h *WorkflowHandler) GetDefinition(c *gin.Context) {
	version, err := strconv.Atoi(c.Query("version"))
	if err != nil || version < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version query parameter must be a positive integer"})
		return
	}

	def, err := h.workflows.GetDefinition(c.Request.Context(), c.Param("definition_id"), version)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, def)
}

// ListDefinitions handles GET /api/v1/workflows/definitions, returning
// the latest version of each definition.
func (h *WorkflowHandler) ListDefinitions(c *gin.Context) {
	defs, err := h.workflows.ListDefinitions(c.Request.Context(), c.Query("tenant_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListDefinitionsResponse{Definitions: defs})
}

// GetExecution handles GET /api/v1/workflows/executions/:execution_id.
func (h *WorkflowHandler) GetExecution(c *gin.Context) {
	exec, err := h.workflows.GetExecution(c.Request.Context(), c.Param("execution_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ListExecutions handles GET /api/v1/workflows/executions.
func (h *WorkflowHandler) ListExecutions(c *gin.Context) {
	var req dto.ListExecutionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters: " + err.Error()})
		return
	}

	cursor, err := DecodeExecutionCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	pageSize := clampPageSize(req.PageSize)
	execs, err := h.workflows.ListExecutions(c.Request.Context(), workflow.ExecutionFilter{
		TenantID:     req.TenantID,
		DefinitionID: req.DefinitionID,
		SubjectID:    req.SubjectID,
		Status:       workflow.ExecutionStatus(req.Status),
		Cursor:       cursor,
		// One extra row decides whether another page exists.
		PageSize: pageSize + 1,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.ListExecutionsResponse{Executions: execs}
	if len(execs) > pageSize {
		resp.Executions = execs[:pageSize]
		last := resp.Executions[len(resp.Executions)-1]
		resp.NextCursor = EncodeExecutionCursor(&workflow.ExecutionCursor{
			StartedAt:   last.StartedAt,
			ExecutionID: last.ExecutionID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelExecution handles POST /api/v1/workflows/executions/:execution_id/cancel.
// Canceling an already canceled execution is a no-op; other terminal
// statuses are 409.
func (h *WorkflowHandler) CancelExecution(c *gin.Context) {
	exec, err := h.workflows.CancelExecution(c.Request.Context(), c.Param("execution_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}
