package model

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/festivo/webhook-engine/internal/backoff"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// ErrTerminalDelivery is returned when a transition is requested on a
// delivery already in a terminal state.
var ErrTerminalDelivery = errors.New("delivery is in a terminal state")

// WebhookDelivery is one transmission lineage of a single event to a single
// webhook. The target URL, payload, signature and custom headers are
// snapshots taken at creation time; later config edits, secret rotations or
// transform-script changes do not affect already-queued deliveries.
type WebhookDelivery struct {
	ID            uuid.UUID         `json:"id"`
	WebhookID     uuid.UUID         `json:"webhook_id"`
	TenantID      uuid.UUID         `json:"tenant_id"`
	EventID       uuid.UUID         `json:"event_id"`
	EventType     EventType         `json:"event_type"`
	TargetURL     string            `json:"target_url"`
	Payload       []byte            `json:"payload"`
	Signature     string            `json:"signature"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	Status        DeliveryStatus    `json:"status"`
	AttemptCount  int               `json:"attempt_count"`
	MaxAttempts   int               `json:"max_attempts"`
	NextRetryAt   *time.Time        `json:"next_retry_at,omitempty"`
	DeliveredAt   *time.Time        `json:"delivered_at,omitempty"`
	LastError     *string           `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Terminal reports whether the delivery has reached a final state.
func (d *WebhookDelivery) Terminal() bool {
	return d.Status == DeliveryDelivered || d.Status == DeliveryFailed
}

// MarkDelivered records terminal success. Calling it on an already
// delivered record is a no-op; calling it on a failed record is an error.
func (d *WebhookDelivery) MarkDelivered(now time.Time) error {
	if d.Status == DeliveryDelivered {
		return nil
	}
	if d.Status == DeliveryFailed {
		return ErrTerminalDelivery
	}
	d.Status = DeliveryDelivered
	d.NextRetryAt = nil
	d.DeliveredAt = &now
	d.UpdatedAt = now
	return nil
}

// ScheduleRetry consumes one attempt after a transient failure. It returns
// true if a retry was scheduled, false if attempts are exhausted and the
// delivery is now terminally failed.
func (d *WebhookDelivery) ScheduleRetry(cause string, policy backoff.Policy, now time.Time) (bool, error) {
	if d.Terminal() {
		return false, ErrTerminalDelivery
	}
	d.AttemptCount++
	d.LastError = &cause
	d.UpdatedAt = now
	if d.AttemptCount >= d.MaxAttempts {
		d.Status = DeliveryFailed
		d.NextRetryAt = nil
		return false, nil
	}
	next := now.Add(policy.Delay(d.AttemptCount))
	d.Status = DeliveryRetrying
	d.NextRetryAt = &next
	return true, nil
}

// MarkFailed records terminal failure with no retry, used when the
// subscriber configuration is missing or not dispatchable, or when the
// target URL fails security validation.
func (d *WebhookDelivery) MarkFailed(cause string, now time.Time) error {
	if d.Terminal() {
		return ErrTerminalDelivery
	}
	d.Status = DeliveryFailed
	d.NextRetryAt = nil
	d.LastError = &cause
	d.UpdatedAt = now
	return nil
}

// ResetForRetry rewinds a non-delivered record so an operator can force a
// fresh delivery cycle outside the automatic backoff path.
func (d *WebhookDelivery) ResetForRetry(now time.Time) error {
	if d.Status == DeliveryDelivered {
		return ErrTerminalDelivery
	}
	d.Status = DeliveryPending
	d.AttemptCount = 0
	d.NextRetryAt = nil
	d.UpdatedAt = now
	return nil
}

// DeliveryAttempt is an append-only log line for one concrete HTTP call
// (or one refused call, for URLs that fail validation).
type DeliveryAttempt struct {
	ID                 uuid.UUID `json:"id"`
	DeliveryID         uuid.UUID `json:"delivery_id"`
	AttemptNumber      int       `json:"attempt_number"`
	StatusCode         *int      `json:"status_code,omitempty"`
	ResponseBody       *string   `json:"response_body,omitempty"`
	ResponseTimeMillis int64     `json:"response_time_ms"`
	Success            bool      `json:"success"`
	Error              *string   `json:"error,omitempty"`
	AttemptedAt        time.Time `json:"attempted_at"`
}
