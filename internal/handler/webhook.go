package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/festivo/webhook-engine/internal/dispatch"
	"github.com/festivo/webhook-engine/internal/model"
	"github.com/festivo/webhook-engine/internal/script"
	"github.com/festivo/webhook-engine/internal/sender"
	"github.com/festivo/webhook-engine/internal/signing"
	"github.com/festivo/webhook-engine/internal/store"
)

type WebhookHandler struct {
	store      *store.Store
	dispatcher *dispatch.Service
	sender     *sender.Sender
}

func NewWebhookHandler(s *store.Store, d *dispatch.Service, snd *sender.Sender) *WebhookHandler {
	return &WebhookHandler{store: s, dispatcher: d, sender: snd}
}

type createWebhookRequest struct {
	TenantID        uuid.UUID         `json:"tenant_id" binding:"required"`
	Name            string            `json:"name" binding:"required"`
	Description     string            `json:"description"`
	TargetURL       string            `json:"target_url" binding:"required"`
	EventTypes      []model.EventType `json:"event_types" binding:"required"`
	CustomHeaders   map[string]string `json:"custom_headers"`
	TransformScript *string           `json:"transform_script"`
	MaxRetries      int               `json:"max_retries"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	CreatedBy       string            `json:"created_by"`
}

// secretResponse wraps a config together with the plaintext secret. This is
// the only shape that ever carries the secret outward.
type secretResponse struct {
	Webhook *model.WebhookConfig `json:"webhook"`
	Secret  string               `json:"secret"`
}

func (h *WebhookHandler) validateTypes(types []model.EventType) (string, bool) {
	if len(types) == 0 {
		return "event_types must not be empty", false
	}
	for _, t := range types {
		if !t.Valid() {
			return "unknown event type: " + string(t), false
		}
	}
	return "", true
}

func (h *WebhookHandler) Create(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if msg, ok := h.validateTypes(req.EventTypes); !ok {
		c.String(http.StatusBadRequest, msg)
		return
	}
	if err := h.sender.ValidateURL(c.Request.Context(), req.TargetURL); err != nil {
		c.String(http.StatusBadRequest, "invalid target_url: %v", err)
		return
	}
	if req.TransformScript != nil && *req.TransformScript != "" {
		if err := script.Validate(*req.TransformScript); err != nil {
			c.String(http.StatusBadRequest, "invalid transform_script: %v", err)
			return
		}
	}

	secret, err := signing.GenerateSecret()
	if err != nil {
		slog.Error("failed to generate secret", "error", err)
		c.String(http.StatusInternalServerError, "failed to generate secret")
		return
	}

	w := &model.WebhookConfig{
		ID:              uuid.New(),
		TenantID:        req.TenantID,
		Name:            req.Name,
		Description:     req.Description,
		TargetURL:       req.TargetURL,
		SigningSecret:   secret,
		EventTypes:      req.EventTypes,
		CustomHeaders:   req.CustomHeaders,
		TransformScript: req.TransformScript,
		Status:          model.WebhookActive,
		MaxRetries:      req.MaxRetries,
		TimeoutSeconds:  req.TimeoutSeconds,
		CreatedBy:       req.CreatedBy,
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 5
	}
	if w.TimeoutSeconds <= 0 {
		w.TimeoutSeconds = 10
	}

	if err := h.store.Webhooks.Create(c.Request.Context(), w); err != nil {
		slog.Error("failed to create webhook", "error", err)
		c.String(http.StatusInternalServerError, "failed to create webhook")
		return
	}
	c.JSON(http.StatusCreated, secretResponse{Webhook: w, Secret: secret})
}

func (h *WebhookHandler) List(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Query("tenant_id"))
	if err != nil {
		c.String(http.StatusBadRequest, "tenant_id query parameter is required")
		return
	}
	limit, offset := pagination(c)
	webhooks, err := h.store.Webhooks.ListByTenant(c.Request.Context(), tenantID, limit, offset)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	if webhooks == nil {
		webhooks = []model.WebhookConfig{}
	}
	c.JSON(http.StatusOK, webhooks)
}

func (h *WebhookHandler) Get(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, w)
}

type updateWebhookRequest struct {
	Name            *string              `json:"name"`
	Description     *string              `json:"description"`
	TargetURL       *string              `json:"target_url"`
	EventTypes      *[]model.EventType   `json:"event_types"`
	CustomHeaders   *map[string]string   `json:"custom_headers"`
	TransformScript *string              `json:"transform_script"`
	Status          *model.WebhookStatus `json:"status"`
	MaxRetries      *int                 `json:"max_retries"`
	TimeoutSeconds  *int                 `json:"timeout_seconds"`
}

// Update applies patch semantics: only fields present in the body change.
func (h *WebhookHandler) Update(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
		return
	}
	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	if req.TargetURL != nil {
		if err := h.sender.ValidateURL(c.Request.Context(), *req.TargetURL); err != nil {
			c.String(http.StatusBadRequest, "invalid target_url: %v", err)
			return
		}
		w.TargetURL = *req.TargetURL
	}
	if req.EventTypes != nil {
		if msg, ok := h.validateTypes(*req.EventTypes); !ok {
			c.String(http.StatusBadRequest, msg)
			return
		}
		w.EventTypes = *req.EventTypes
	}
	if req.TransformScript != nil {
		if *req.TransformScript != "" {
			if err := script.Validate(*req.TransformScript); err != nil {
				c.String(http.StatusBadRequest, "invalid transform_script: %v", err)
				return
			}
			w.TransformScript = req.TransformScript
		} else {
			w.TransformScript = nil
		}
	}
	if req.Status != nil {
		switch *req.Status {
		case model.WebhookActive, model.WebhookInactive, model.WebhookDisabled:
			w.Status = *req.Status
		default:
			c.String(http.StatusBadRequest, "status must be active, inactive or disabled")
			return
		}
	}
	if req.Name != nil {
		w.Name = *req.Name
	}
	if req.Description != nil {
		w.Description = *req.Description
	}
	if req.CustomHeaders != nil {
		w.CustomHeaders = *req.CustomHeaders
	}
	if req.MaxRetries != nil && *req.MaxRetries > 0 {
		w.MaxRetries = *req.MaxRetries
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds > 0 {
		w.TimeoutSeconds = *req.TimeoutSeconds
	}

	if err := h.store.Webhooks.Update(c.Request.Context(), w); err != nil {
		slog.Error("failed to update webhook", "error", err, "webhook_id", w.ID)
		c.String(http.StatusInternalServerError, "failed to update webhook")
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WebhookHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return
	}
	if err := h.store.Webhooks.Delete(c.Request.Context(), id); err != nil {
		if store.IsNotFound(err) {
			c.String(http.StatusNotFound, "webhook not found")
			return
		}
		c.String(http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	c.Status(http.StatusNoContent)
}

// RegenerateSecret rotates the signing secret and returns the new plaintext
// exactly once. Queued deliveries keep their old signature snapshot.
func (h *WebhookHandler) RegenerateSecret(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
		return
	}
	secret, err := signing.GenerateSecret()
	if err != nil {
		slog.Error("failed to generate secret", "error", err)
		c.String(http.StatusInternalServerError, "failed to generate secret")
		return
	}
	if err := h.store.Webhooks.UpdateSecret(c.Request.Context(), w.ID, secret); err != nil {
		c.String(http.StatusInternalServerError, "failed to rotate secret")
		return
	}
	w.SigningSecret = secret
	c.JSON(http.StatusOK, secretResponse{Webhook: w, Secret: secret})
}

type testWebhookRequest struct {
	EventType model.EventType `json:"event_type" binding:"required"`
	Data      map[string]any  `json:"data"`
}

// Test performs one synchronous delivery attempt and returns the raw send
// result. It never touches the webhook's health counters.
func (h *WebhookHandler) Test(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return
	}
	var req testWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	res, err := h.dispatcher.TestWebhook(c.Request.Context(), id, req.EventType, req.Data)
	if err != nil {
		if err == dispatch.ErrWebhookNotFound {
			c.String(http.StatusNotFound, "webhook not found")
			return
		}
		c.String(http.StatusBadRequest, "test delivery failed: %v", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          res.Success,
		"status_code":      res.StatusCode,
		"response_body":    res.ResponseBody,
		"response_time_ms": res.ResponseTimeMillis,
		"error":            res.Error,
	})
}

// Stats returns aggregate delivery statistics for one webhook over a
// window (default 7 days).
func (h *WebhookHandler) Stats(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
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
	stats, err := h.store.Deliveries.Stats(c.Request.Context(), &w.ID, nil, time.Now().Add(-window))
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to compute stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *WebhookHandler) load(c *gin.Context) (*model.WebhookConfig, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return nil, false
	}
	w, err := h.store.Webhooks.Get(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to load webhook")
		return nil, false
	}
	if w == nil {
		c.String(http.StatusNotFound, "webhook not found")
		return nil, false
	}
	return w, true
}
