package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opdesk/conveyor/internal/api/dto"
	"github.com/opdesk/conveyor/internal/webhook"
)

// WebhookHandler handles webhook endpoint and delivery HTTP requests.
type WebhookHandler struct {
	logger   *slog.Logger
	webhooks *webhook.Service
}

// NewWebhookHandler creates a new WebhookHandler instance.
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:   deps.Logger,
		webhooks: deps.Webhooks,
	}
}

// RegisterEndpoint handles POST /api/v1/webhooks/endpoints.
func (h *WebhookHandler) RegisterEndpoint(c *gin.Context) {
	var req dto.RegisterEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	e, err := h.webhooks.RegisterEndpoint(c.Request.Context(), webhook.EndpointParams{
		TenantID:   req.TenantID,
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		MaxPerSec:  req.MaxPerSec,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewEndpointDTO(e))
}

// GetEndpoint handles GET /api/v1/webhooks/endpoints/:endpoint_id.
func (h *WebhookHandler) GetEndpoint(c *gin.Context) {
	e, err := h.webhooks.GetEndpoint(c.Request.Context(), c.Param("endpoint_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewEndpointDTO(e))
}

// ListEndpoints handles GET /api/v1/webhooks/endpoints.
func (h *WebhookHandler) ListEndpoints(c *gin.Context) {
	endpoints, err := h.webhooks.ListEndpoints(c.Request.Context(), c.Query("tenant_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.ListEndpointsResponse{Endpoints: make([]dto.EndpointDTO, len(endpoints))}
	for i := range endpoints {
		resp.Endpoints[i] = dto.NewEndpointDTO(&endpoints[i])
	}
	c.JSON(http.StatusOK, resp)
}

// SetEndpointActive handles PATCH /api/v1/webhooks/endpoints/:endpoint_id.
// Deactivated endpoints drop out of fan-out; their recorded deliveries
// stay queryable.
func (h *WebhookHandler) SetEndpointActive(c *gin.Context) {
	var req dto.SetEndpointActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	e, err := h.webhooks.SetEndpointActive(c.Request.Context(), c.Param("endpoint_id"), *req.Active)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewEndpointDTO(e))
}

// GetDelivery handles GET /api/v1/webhooks/deliveries/:delivery_id.
func (h *WebhookHandler) GetDelivery(c *gin.Context) {
	d, err := h.webhooks.GetDelivery(c.Request.Context(), c.Param("delivery_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewDeliveryDTO(d))
}

// ListDeliveries handles GET /api/v1/webhooks/deliveries.
func (h *WebhookHandler) ListDeliveries(c *gin.Context) {
	var req dto.ListDeliveriesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters: " + err.Error()})
		return
	}

	deliveries, err := h.webhooks.ListDeliveries(c.Request.Context(), webhook.DeliveryFilter{
		TenantID:   req.TenantID,
		EndpointID: req.EndpointID,
		EventType:  req.EventType,
		Status:     webhook.DeliveryStatus(req.Status),
		PageSize:   clampPageSize(req.PageSize),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListDeliveriesResponse{
		Deliveries: dto.NewDeliveryDTOs(deliveries),
	})
}
