// Package dispatch orchestrates the delivery pipeline: it fans events out
// to subscribed webhooks, drives individual delivery attempts through the
// sender and the delivery state machine, and runs the periodic sweeps that
// recover work lost to queue or persistence hiccups.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/festivo/webhook-engine/internal/backoff"
	"github.com/festivo/webhook-engine/internal/model"
	"github.com/festivo/webhook-engine/internal/queue"
	"github.com/festivo/webhook-engine/internal/script"
	"github.com/festivo/webhook-engine/internal/sender"
	"github.com/festivo/webhook-engine/internal/signing"
)

var (
	ErrWebhookNotFound  = errors.New("webhook not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrAlreadyDelivered = errors.New("delivery already succeeded")
)

// WebhookRepo is the slice of webhook persistence the dispatcher needs.
// Get returns (nil, nil) for a webhook that does not exist, so callers can
// tell a deleted config apart from a transient lookup failure.
type WebhookRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*model.WebhookConfig, error)
	ResolveActiveSubscribers(ctx context.Context, tenantID uuid.UUID, t model.EventType) ([]model.WebhookConfig, error)
	MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementFailure(ctx context.Context, id uuid.UUID, at time.Time) error
	ResetFailureCount(ctx context.Context, id uuid.UUID, at time.Time) error
}

// DeliveryRepo is the slice of delivery persistence the dispatcher needs.
// Get returns (nil, nil) for a delivery that does not exist, so callers can
// tell a purged record apart from a transient lookup failure.
type DeliveryRepo interface {
	Create(ctx context.Context, d *model.WebhookDelivery) error
	Get(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error)
	Update(ctx context.Context, d *model.WebhookDelivery) error
	CreateAttempt(ctx context.Context, a *model.DeliveryAttempt) error
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]model.WebhookDelivery, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]model.WebhookDelivery, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Service struct {
	webhooks   WebhookRepo
	deliveries DeliveryRepo
	queue      queue.Queue
	sender     *sender.Sender
	policy     backoff.Policy

	apiVersion     string
	defaultTimeout time.Duration
	maxAttempts    int

	now func() time.Time
}

type Options struct {
	APIVersion string
	// DefaultTimeout bounds a send when the webhook has no timeout of its own.
	DefaultTimeout time.Duration
	// MaxAttempts is used when a webhook does not set max_retries.
	MaxAttempts int
	Policy      backoff.Policy
}

func New(webhooks WebhookRepo, deliveries DeliveryRepo, q queue.Queue, snd *sender.Sender, opts Options) *Service {
	if opts.APIVersion == "" {
		opts.APIVersion = "2024-01"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.Default()
	}
	return &Service{
		webhooks:       webhooks,
		deliveries:     deliveries,
		queue:          q,
		sender:         snd,
		policy:         opts.Policy,
		apiVersion:     opts.APIVersion,
		defaultTimeout: opts.DefaultTimeout,
		maxAttempts:    opts.MaxAttempts,
		now:            time.Now,
	}
}

// DispatchEvent fans an event out to every dispatchable subscriber of its
// (tenant, type) pair. It is fire-and-forget for the producer: failures are
// logged per subscriber and never propagate back to the business
// transaction that raised the event. Returns the number of deliveries
// created.
func (s *Service) DispatchEvent(ctx context.Context, ev model.Event) int {
	if !ev.Type.Valid() {
		slog.Error("dropping event with unknown type", "event_type", ev.Type, "event_id", ev.ID)
		return 0
	}

	subs, err := s.webhooks.ResolveActiveSubscribers(ctx, ev.TenantID, ev.Type)
	if err != nil {
		slog.Error("failed to resolve subscribers", "error", err, "event_id", ev.ID, "event_type", ev.Type)
		return 0
	}

	created := 0
	for i := range subs {
		cfg := &subs[i]
		d, err := s.buildDelivery(ev, cfg)
		if err != nil {
			slog.Error("failed to build delivery", "error", err, "event_id", ev.ID, "webhook_id", cfg.ID)
			continue
		}
		if d == nil {
			// transform script dropped the event for this subscriber
			continue
		}
		if err := s.deliveries.Create(ctx, d); err != nil {
			slog.Error("failed to persist delivery", "error", err, "event_id", ev.ID, "webhook_id", cfg.ID)
			continue
		}
		created++
		if err := s.webhooks.MarkTriggered(ctx, cfg.ID, s.now()); err != nil {
			slog.Error("failed to mark webhook triggered", "error", err, "webhook_id", cfg.ID)
		}
		if err := s.queue.Enqueue(ctx, d.ID); err != nil {
			// the pending sweep will pick it up
			slog.Error("failed to enqueue delivery", "error", err, "delivery_id", d.ID)
		}
	}
	return created
}

// buildDelivery snapshots the target URL and custom headers, signs the
// payload with the webhook's current secret and copies the retry budget. A
// nil delivery with nil error means the transform script dropped the event.
func (s *Service) buildDelivery(ev model.Event, cfg *model.WebhookConfig) (*model.WebhookDelivery, error) {
	headers := cfg.CustomHeaders
	if cfg.TransformScript != nil && *cfg.TransformScript != "" {
		out, err := script.Run(*cfg.TransformScript, script.Input{
			EventType: ev.Type.String(),
			Data:      ev.Data,
			Headers:   cfg.CustomHeaders,
		})
		if err != nil {
			return nil, fmt.Errorf("transform script: %w", err)
		}
		if out.Dropped {
			return nil, nil
		}
		ev.Data = out.Data
		if len(out.Headers) > 0 {
			headers = out.Headers
		}
	}

	payload, err := ev.Payload(s.apiVersion)
	if err != nil {
		return nil, err
	}

	now := s.now()
	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	return &model.WebhookDelivery{
		ID:            uuid.New(),
		WebhookID:     cfg.ID,
		TenantID:      ev.TenantID,
		EventID:       ev.ID,
		EventType:     ev.Type,
		TargetURL:     cfg.TargetURL,
		Payload:       payload,
		Signature:     signing.Generate(payload, cfg.SigningSecret, now),
		CustomHeaders: headers,
		Status:        model.DeliveryPending,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// ProcessDelivery runs one attempt for a delivery. The queue guarantees at
// most one in-flight invocation per delivery ID; re-processing a terminal
// delivery is a logged no-op.
func (s *Service) ProcessDelivery(ctx context.Context, deliveryID uuid.UUID) error {
	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("load delivery %s: %w", deliveryID, err)
	}
	if d == nil {
		// purged by retention cleanup, or deleted with its webhook
		slog.Warn("skipping unknown delivery", "delivery_id", deliveryID)
		return nil
	}
	if d.Terminal() {
		slog.Info("skipping terminal delivery", "delivery_id", d.ID, "status", d.Status)
		return nil
	}
	now := s.now()
	if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
		// promoted early; push it back to its due time
		if err := s.queue.EnqueueAt(ctx, d.ID, *d.NextRetryAt); err != nil {
			slog.Error("failed to re-enqueue early delivery", "error", err, "delivery_id", d.ID)
		}
		return nil
	}

	cfg, err := s.webhooks.Get(ctx, d.WebhookID)
	if err != nil {
		// transient lookup failure; leave the delivery for the sweep
		return fmt.Errorf("load webhook %s: %w", d.WebhookID, err)
	}
	if cfg == nil {
		s.failTerminally(ctx, d, "webhook configuration no longer exists")
		return nil
	}
	if !cfg.Dispatchable() {
		s.failTerminally(ctx, d, fmt.Sprintf("webhook is %s", cfg.Status))
		return nil
	}

	timeout := s.defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	// headers were snapshotted (and possibly script-rewritten) at dispatch
	res := s.sender.Send(ctx, d, d.CustomHeaders, timeout)
	now = s.now()
	s.recordAttempt(ctx, d, res, now)

	switch {
	case res.Success:
		d.AttemptCount++
		if err := d.MarkDelivered(now); err != nil {
			slog.Error("mark delivered", "error", err, "delivery_id", d.ID)
		}
		s.persistDelivery(ctx, d)
		if err := s.webhooks.ResetFailureCount(ctx, cfg.ID, now); err != nil {
			slog.Error("failed to reset failure count", "error", err, "webhook_id", cfg.ID)
		}

	case res.PolicyViolation:
		// SSRF or scheme violation: misconfiguration, never retried
		slog.Warn("delivery blocked by url policy", "delivery_id", d.ID, "webhook_id", cfg.ID, "error", res.Error)
		d.AttemptCount++
		if err := d.MarkFailed(res.Error, now); err != nil {
			slog.Error("mark failed", "error", err, "delivery_id", d.ID)
		}
		s.persistDelivery(ctx, d)
		if err := s.webhooks.IncrementFailure(ctx, cfg.ID, now); err != nil {
			slog.Error("failed to increment failure count", "error", err, "webhook_id", cfg.ID)
		}

	default:
		willRetry, err := d.ScheduleRetry(res.Error, s.policy, now)
		if err != nil {
			slog.Error("schedule retry", "error", err, "delivery_id", d.ID)
			return nil
		}
		s.persistDelivery(ctx, d)
		if willRetry {
			if err := s.queue.EnqueueAt(ctx, d.ID, *d.NextRetryAt); err != nil {
				// the retry sweep is the backstop
				slog.Error("failed to enqueue retry", "error", err, "delivery_id", d.ID)
			}
		} else {
			slog.Warn("delivery exhausted retries", "delivery_id", d.ID, "webhook_id", cfg.ID, "attempts", d.AttemptCount)
			if err := s.webhooks.IncrementFailure(ctx, cfg.ID, now); err != nil {
				slog.Error("failed to increment failure count", "error", err, "webhook_id", cfg.ID)
			}
		}
	}
	return nil
}

func (s *Service) failTerminally(ctx context.Context, d *model.WebhookDelivery, cause string) {
	slog.Warn("failing delivery without retry", "delivery_id", d.ID, "cause", cause)
	if err := d.MarkFailed(cause, s.now()); err != nil {
		slog.Error("mark failed", "error", err, "delivery_id", d.ID)
		return
	}
	s.persistDelivery(ctx, d)
}

func (s *Service) recordAttempt(ctx context.Context, d *model.WebhookDelivery, res sender.Result, now time.Time) {
	a := &model.DeliveryAttempt{
		ID:                 uuid.New(),
		DeliveryID:         d.ID,
		AttemptNumber:      d.AttemptCount + 1,
		ResponseTimeMillis: res.ResponseTimeMillis,
		Success:            res.Success,
		AttemptedAt:        now,
	}
	if res.StatusCode != 0 {
		code := res.StatusCode
		a.StatusCode = &code
	}
	if res.ResponseBody != "" {
		body := res.ResponseBody
		a.ResponseBody = &body
	}
	if res.Error != "" {
		msg := res.Error
		a.Error = &msg
	}
	if err := s.deliveries.CreateAttempt(ctx, a); err != nil {
		slog.Error("failed to record attempt", "error", err, "delivery_id", d.ID)
	}
}

// persistDelivery is best-effort: a failed update is logged and the
// periodic sweeps eventually reconcile the record.
func (s *Service) persistDelivery(ctx context.Context, d *model.WebhookDelivery) {
	if err := s.deliveries.Update(ctx, d); err != nil {
		slog.Error("failed to persist delivery", "error", err, "delivery_id", d.ID, "status", d.Status)
	}
}

// TestWebhook performs one synchronous attempt against a webhook with
// sample data. It bypasses the queue, is never persisted and does not touch
// the webhook's health counters.
func (s *Service) TestWebhook(ctx context.Context, webhookID uuid.UUID, t model.EventType, sampleData map[string]any) (sender.Result, error) {
	if !t.Valid() {
		return sender.Result{}, fmt.Errorf("invalid event type %q", t)
	}
	cfg, err := s.webhooks.Get(ctx, webhookID)
	if err != nil {
		return sender.Result{}, fmt.Errorf("load webhook: %w", err)
	}
	if cfg == nil {
		return sender.Result{}, ErrWebhookNotFound
	}

	ev := model.NewEvent(t, cfg.TenantID, sampleData)
	payload, err := ev.Payload(s.apiVersion)
	if err != nil {
		return sender.Result{}, err
	}

	now := s.now()
	d := &model.WebhookDelivery{
		ID:            uuid.New(),
		WebhookID:     cfg.ID,
		TenantID:      cfg.TenantID,
		EventID:       ev.ID,
		EventType:     t,
		TargetURL:     cfg.TargetURL,
		Payload:       payload,
		Signature:     signing.Generate(payload, cfg.SigningSecret, now),
		CustomHeaders: cfg.CustomHeaders,
		Status:        model.DeliveryPending,
		MaxAttempts:   1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	timeout := s.defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return s.sender.Send(ctx, d, d.CustomHeaders, timeout), nil
}

// RetryDelivery is the operator escape hatch: it rewinds a non-delivered
// record to a fresh pending state and enqueues it immediately.
func (s *Service) RetryDelivery(ctx context.Context, deliveryID uuid.UUID) error {
	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}
	if d == nil {
		return ErrDeliveryNotFound
	}
	if err := d.ResetForRetry(s.now()); err != nil {
		return ErrAlreadyDelivered
	}
	if err := s.deliveries.Update(ctx, d); err != nil {
		return fmt.Errorf("persist delivery reset: %w", err)
	}
	if err := s.queue.Enqueue(ctx, d.ID); err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

// ProcessPendingDeliveries re-enqueues pending deliveries that never made
// it onto the queue, e.g. because the queue was down at dispatch time. The
// olderThan cut keeps it from racing freshly dispatched work.
func (s *Service) ProcessPendingDeliveries(ctx context.Context, limit int) int {
	pending, err := s.deliveries.ListPending(ctx, s.now().Add(-time.Minute), limit)
	if err != nil {
		slog.Error("pending sweep query failed", "error", err)
		return 0
	}
	n := 0
	for _, d := range pending {
		if err := s.queue.Enqueue(ctx, d.ID); err != nil {
			slog.Error("pending sweep enqueue failed", "error", err, "delivery_id", d.ID)
			continue
		}
		n++
	}
	if n > 0 {
		slog.Info("pending sweep re-enqueued deliveries", "count", n)
	}
	return n
}

// ProcessRetryDeliveries re-enqueues retrying deliveries whose due time has
// passed. The delayed task is the latency optimization; this sweep is the
// correctness backstop if the delayed mechanism loses a task.
func (s *Service) ProcessRetryDeliveries(ctx context.Context, limit int) int {
	due, err := s.deliveries.ListDueRetries(ctx, s.now(), limit)
	if err != nil {
		slog.Error("retry sweep query failed", "error", err)
		return 0
	}
	n := 0
	for _, d := range due {
		if err := s.queue.Enqueue(ctx, d.ID); err != nil {
			slog.Error("retry sweep enqueue failed", "error", err, "delivery_id", d.ID)
			continue
		}
		n++
	}
	if n > 0 {
		slog.Info("retry sweep re-enqueued deliveries", "count", n)
	}
	return n
}

// CleanupOldDeliveries purges terminal deliveries (and their attempts)
// older than the retention window.
func (s *Service) CleanupOldDeliveries(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	deleted, err := s.deliveries.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old deliveries: %w", err)
	}
	if deleted > 0 {
		slog.Info("purged old deliveries", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}
