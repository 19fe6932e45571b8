package model

import (
	"time"

	"github.com/google/uuid"
)

type WebhookStatus string

const (
	WebhookActive   WebhookStatus = "active"
	WebhookInactive WebhookStatus = "inactive"
	WebhookFailing  WebhookStatus = "failing"
	WebhookDisabled WebhookStatus = "disabled"
)

// FailingThreshold is the number of consecutive failed deliveries after
// which a webhook is flagged as failing. Failing is advisory: dispatch
// continues until an operator disables the webhook.
const FailingThreshold = 10

// WebhookConfig is a tenant-owned subscription: a target URL plus the event
// types it wants to receive. The signing secret is never serialized; create
// and regenerate responses are the only places the plaintext leaves the
// system.
type WebhookConfig struct {
	ID                  uuid.UUID         `json:"id"`
	TenantID            uuid.UUID         `json:"tenant_id"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	TargetURL           string            `json:"target_url"`
	SigningSecret       string            `json:"-"`
	EventTypes          []EventType       `json:"event_types"`
	CustomHeaders       map[string]string `json:"custom_headers,omitempty"`
	TransformScript     *string           `json:"transform_script,omitempty"`
	Status              WebhookStatus     `json:"status"`
	MaxRetries          int               `json:"max_retries"`
	TimeoutSeconds      int               `json:"timeout_seconds"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastTriggeredAt     *time.Time        `json:"last_triggered_at,omitempty"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	CreatedBy           string            `json:"created_by"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Subscribed reports whether the webhook wants events of the given type.
func (w *WebhookConfig) Subscribed(t EventType) bool {
	for _, et := range w.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Dispatchable reports whether new deliveries may target this webhook.
// Failing webhooks still receive deliveries; only inactive and disabled
// ones are excluded.
func (w *WebhookConfig) Dispatchable() bool {
	return w.Status == WebhookActive || w.Status == WebhookFailing
}
