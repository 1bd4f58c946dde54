package dto

import (
	"encoding/json"

	"github.com/opdesk/conveyor/internal/workflow"
)

// Definitions and executions marshal through their domain structs; their
// JSON shape is part of the package contract, so this file only adds the
// request envelopes and list wrappers around them.

// ImportDefinitionRequest is the body of
// POST /api/v1/workflows/definitions.
type ImportDefinitionRequest struct {
	TenantID string          `json:"tenant_id" binding:"required"`
	Name     string          `json:"name" binding:"required"`
	Document json.RawMessage `json:"document" binding:"required"`
}

// ImportDefinitionResponse is the outcome of a publish. Warnings flag
// unreachable nodes; they do not block the publish.
type ImportDefinitionResponse struct {
	Definition *workflow.Definition `json:"definition"`
	Warnings   []string             `json:"warnings,omitempty"`
}

// ListDefinitionsResponse lists the latest version of each definition.
type ListDefinitionsResponse struct {
	Definitions []workflow.Definition `json:"definitions"`
}

// ListExecutionsRequest holds the query parameters of
// GET /api/v1/workflows/executions.
type ListExecutionsRequest struct {
	TenantID     string `form:"tenant_id"`
	DefinitionID string `form:"definition_id"`
	SubjectID    string `form:"subject_id"`
	Status       string `form:"status"`
	PageSize     int    `form:"page_size"`
	Cursor       string `form:"cursor"`
}

// ListExecutionsResponse lists executions newest first. NextCursor is
// present when another page exists.
type ListExecutionsResponse struct {
	Executions []workflow.Execution `json:"executions"`
	NextCursor string               `json:"next_cursor,omitempty"`
}
