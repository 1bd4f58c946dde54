package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opdesk/conveyor/internal/api/dto"
	"github.com/opdesk/conveyor/internal/deadletter"
)

// DeadLetterHandler handles dead-letter queue HTTP requests.
type DeadLetterHandler struct {
	logger      *slog.Logger
	deadLetters *deadletter.Service
}

// NewDeadLetterHandler creates a new DeadLetterHandler instance.
func NewDeadLetterHandler(deps *Dependencies) *DeadLetterHandler {
	return &DeadLetterHandler{
		logger:      deps.Logger,
		deadLetters: deps.DeadLetters,
	}
}

// ListEntries handles GET /api/v1/dead-letters.
func (h *DeadLetterHandler) ListEntries(c *gin.Context) {
	var req dto.ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters: " + err.Error()})
		return
	}

	entries, err := h.deadLetters.List(c.Request.Context(), deadletter.Filter{
		TenantID: req.TenantID,
		JobType:  req.JobType,
		PageSize: clampPageSize(req.PageSize),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.ListDeadLettersResponse{Entries: make([]dto.DeadLetterDTO, len(entries))}
	for i := range entries {
		resp.Entries[i] = dto.NewDeadLetterDTO(&entries[i])
	}
	c.JSON(http.StatusOK, resp)
}

// GetEntry handles GET /api/v1/dead-letters/:entry_id.
func (h *DeadLetterHandler) GetEntry(c *gin.Context) {
	e, err := h.deadLetters.Get(c.Request.Context(), c.Param("entry_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewDeadLetterDTO(e))
}

// ReplayEntry handles POST /api/v1/dead-letters/:entry_id/replay. A
// successful replay enqueues a fresh job with the buried payload and a
// full attempt budget; replaying the same entry twice is 409.
func (h *DeadLetterHandler) ReplayEntry(c *gin.Context) {
	entryID := c.Param("entry_id")

	j, err := h.deadLetters.Replay(c.Request.Context(), entryID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("dead-letter entry replayed",
		slog.String("entry_id", entryID),
		slog.String("replay_job_id", j.JobID),
	)

	c.JSON(http.StatusCreated, dto.ReplayResponse{
		EntryID: entryID,
		Job:     dto.NewJobDTO(j),
	})
}
