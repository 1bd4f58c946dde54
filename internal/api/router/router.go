package router

import (
	"github.com/gin-gonic/gin"

	"github.com/opdesk/conveyor/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes.
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	r.Use(CorrelationIDMiddleware())

	// Health check endpoint
	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	jobHandler := handler.NewJobHandler(deps)
	deadLetterHandler := handler.NewDeadLetterHandler(deps)
	eventHandler := handler.NewEventHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)
	workflowHandler := handler.NewWorkflowHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.EnqueueJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.GET("/:job_id/failures", jobHandler.ListFailures)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		deadLetters := v1.Group("/dead-letters")
		{
			deadLetters.GET("", deadLetterHandler.ListEntries)
			deadLetters.GET("/:entry_id", deadLetterHandler.GetEntry)
			deadLetters.POST("/:entry_id/replay", deadLetterHandler.ReplayEntry)
		}

		// POST /api/v1/events - Publish a business event
		v1.POST("/events", eventHandler.PublishEvent)

		webhooks := v1.Group("/webhooks")
		{
			endpoints := webhooks.Group("/endpoints")
			{
				endpoints.POST("", webhookHandler.RegisterEndpoint)
				endpoints.GET("", webhookHandler.ListEndpoints)
				endpoints.GET("/:endpoint_id", webhookHandler.GetEndpoint)
				endpoints.PATCH("/:endpoint_id", webhookHandler.SetEndpointActive)
			}

			deliveries := webhooks.Group("/deliveries")
			{
				deliveries.GET("", webhookHandler.ListDeliveries)
				deliveries.GET("/:delivery_id", webhookHandler.GetDelivery)
			}
		}

		workflows := v1.Group("/workflows")
		{
			definitions := workflows.Group("/definitions")
			{
				definitions.POST("", workflowHandler.ImportDefinition)
				definitions.GET("", workflowHandler.ListDefinitions)
				definitions.GET("/:definition_id", workflowHandler.GetDefinition)
			}

			executions := workflows.Group("/executions")
			{
				executions.GET("", workflowHandler.ListExecutions)
				executions.GET("/:execution_id", workflowHandler.GetExecution)
				executions.POST("/:execution_id/cancel", workflowHandler.CancelExecution)
			}
		}
	}

	return r
}
