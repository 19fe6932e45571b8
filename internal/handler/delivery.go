package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/festivo/webhook-engine/internal/dispatch"
	"github.com/festivo/webhook-engine/internal/model"
	"github.com/festivo/webhook-engine/internal/store"
)

type DeliveryHandler struct {
	store      *store.Store
	dispatcher *dispatch.Service
}

func NewDeliveryHandler(s *store.Store, d *dispatch.Service) *DeliveryHandler {
	return &DeliveryHandler{store: s, dispatcher: d}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if o := c.Query("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (h *DeliveryHandler) List(c *gin.Context) {
	var f store.ListFilter
	if raw := c.Query("webhook_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid webhook_id")
			return
		}
		f.WebhookID = &id
	}
	if raw := c.Query("tenant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid tenant_id")
			return
		}
		f.TenantID = &id
	}
	if raw := c.Query("status"); raw != "" {
		status := model.DeliveryStatus(raw)
		switch status {
		case model.DeliveryPending, model.DeliveryRetrying, model.DeliveryDelivered, model.DeliveryFailed:
			f.Status = &status
		default:
			c.String(http.StatusBadRequest, "invalid status")
			return
		}
	}

	limit, offset := pagination(c)
	deliveries, err := h.store.Deliveries.List(c.Request.Context(), f, limit, offset)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []model.WebhookDelivery{}
	}
	c.JSON(http.StatusOK, deliveries)
}

func (h *DeliveryHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid delivery id")
		return
	}
	delivery, err := h.store.Deliveries.Get(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to load delivery")
		return
	}
	if delivery == nil {
		c.String(http.StatusNotFound, "delivery not found")
		return
	}
	c.JSON(http.StatusOK, delivery)
}

func (h *DeliveryHandler) ListAttempts(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid delivery id")
		return
	}
	d, err := h.store.Deliveries.Get(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to load delivery")
		return
	}
	if d == nil {
		c.String(http.StatusNotFound, "delivery not found")
		return
	}
	attempts, err := h.store.Deliveries.ListAttempts(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []model.DeliveryAttempt{}
	}
	c.JSON(http.StatusOK, attempts)
}

// Retry is the operator escape hatch: rewind a stuck or failed delivery and
// enqueue it immediately.
func (h *DeliveryHandler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid delivery id")
		return
	}
	switch err := h.dispatcher.RetryDelivery(c.Request.Context(), id); err {
	case nil:
		c.JSON(http.StatusAccepted, gin.H{"delivery_id": id, "status": model.DeliveryPending})
	case dispatch.ErrDeliveryNotFound:
		c.String(http.StatusNotFound, "delivery not found")
	case dispatch.ErrAlreadyDelivered:
		c.String(http.StatusConflict, "delivery already succeeded")
	default:
		c.String(http.StatusInternalServerError, "failed to retry delivery")
	}
}

// Stats aggregates delivery outcomes for a tenant (and optionally one
// webhook) over a window.
func (h *DeliveryHandler) Stats(c *gin.Context) {
	var webhookID, tenantID *uuid.UUID
	if raw := c.Query("webhook_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid webhook_id")
			return
		}
		webhookID = &id
	}
	if raw := c.Query("tenant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid tenant_id")
			return
		}
		tenantID = &id
	}
	if webhookID == nil && tenantID == nil {
		c.String(http.StatusBadRequest, "webhook_id or tenant_id is required")
		return
	}

	window := 7 * 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.String(http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	stats, err := h.store.Deliveries.Stats(c.Request.Context(), webhookID, tenantID, time.Now().Add(-window))
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to compute stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}
