package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves the health endpoint.
type HealthHandler struct {
	logger *slog.Logger
	checks []HealthCheck
}

// NewHealthHandler creates a new HealthHandler instance.
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger: deps.Logger,
		checks: deps.Health,
	}
}

// Health handles GET /health. Every configured dependency probe runs;
// one failure turns the whole response into 503 so load balancers stop
// routing here.
func (h *HealthHandler) Health(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}

	for _, chk := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := chk.Check(ctx)
		cancel()

		if err != nil {
			status = http.StatusServiceUnavailable
			checks[chk.Name] = err.Error()
			h.logger.Warn("health check failed",
				slog.String("check", chk.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		checks[chk.Name] = "ok"
	}

	body := gin.H{"status": "healthy"}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	c.JSON(status, body)
}
