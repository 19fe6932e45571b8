package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/festivo/webhook-engine/internal/dispatch"
	"github.com/festivo/webhook-engine/internal/model"
)

// EventHandler is the producer-facing ingest surface for domain services
// running out of process. In-process producers call
// dispatch.Service.DispatchEvent directly.
type EventHandler struct {
	dispatcher *dispatch.Service
}

func NewEventHandler(d *dispatch.Service) *EventHandler {
	return &EventHandler{dispatcher: d}
}

type dispatchEventRequest struct {
	Type     model.EventType `json:"type" binding:"required"`
	TenantID uuid.UUID       `json:"tenant_id" binding:"required"`
	Data     map[string]any  `json:"data"`
	// OccurredAt is optional; defaults to now.
	OccurredAt *time.Time `json:"occurred_at"`
}

// Dispatch accepts an event and fans it out. The response is 202 even when
// individual subscribers fail: event dispatch never blocks or fails the
// business write that produced the event.
func (h *EventHandler) Dispatch(c *gin.Context) {
	var req dispatchEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if !req.Type.Valid() {
		c.String(http.StatusBadRequest, "unknown event type: %s", req.Type)
		return
	}

	ev := model.NewEvent(req.Type, req.TenantID, req.Data)
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}

	created := h.dispatcher.DispatchEvent(c.Request.Context(), ev)
	c.JSON(http.StatusAccepted, gin.H{
		"event_id":           ev.ID,
		"deliveries_created": created,
	})
}
