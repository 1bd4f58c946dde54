package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opdesk/conveyor/internal/api/dto"
	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/queue"
	"github.com/opdesk/conveyor/internal/workflow"
)

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	logger   *slog.Logger
	queue    *queue.Queue
	executor *workflow.Executor
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		queue:    deps.Queue,
		executor: deps.Executor,
	}
}

// EnqueueJob handles POST /api/v1/jobs.
//
// Submissions with an idempotency key replay as the already-registered
// job; the response body tells them apart by created_at.
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	p := queue.EnqueueParams{
		TenantID:       req.TenantID,
		JobType:        req.JobType,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
		CorrelationID:  req.CorrelationID,
	}
	if p.CorrelationID == "" {
		p.CorrelationID = CorrelationID(c)
	}
	if req.NotBefore != nil {
		p.NotBefore = *req.NotBefore
	}

	j, err := h.queue.Enqueue(c.Request.Context(), p)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(j))
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	j, err := h.queue.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(j))
}

// ListJobs handles GET /api/v1/jobs with filtering and cursor
// pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters: " + err.Error()})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	pageSize := clampPageSize(req.PageSize)
	filter := job.Filter{
		TenantID:    req.TenantID,
		JobType:     req.JobType,
		Status:      job.Status(req.Status),
		ExecutionID: req.ExecutionID,
		// One extra row decides whether another page exists.
		PageSize: pageSize + 1,
		Cursor:   cursor,
	}

	jobs, err := h.queue.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	hasMore := len(jobs) > pageSize
	if hasMore {
		jobs = jobs[:pageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(&jobs[i])
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&job.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel. Only jobs that
// have not been picked up yet can be canceled; anything else is 409.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	ctx := c.Request.Context()
	if err := h.queue.Cancel(ctx, jobID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	j, err := h.queue.Get(ctx, jobID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	// A canceled action job never reaches a worker's terminal hooks, so
	// its workflow execution is woken from here.
	if j.ExecutionID != "" && h.executor != nil {
		h.executor.OnJobTerminal(ctx, j)
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(j))
}

// ListFailures handles GET /api/v1/jobs/:job_id/failures.
func (h *JobHandler) ListFailures(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	ctx := c.Request.Context()

	// The history of an unknown job is indistinguishable from a clean
	// run's, so existence is checked first.
	if _, err := h.queue.Get(ctx, jobID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	failures, err := h.queue.FailureHistory(ctx, jobID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.JobFailuresResponse{
		JobID:    jobID,
		Failures: dto.NewJobFailureDTOs(failures),
	})
}
