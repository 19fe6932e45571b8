package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/festivo/webhook-engine/internal/model"
)

type WebhookStore struct {
	pool *pgxpool.Pool
}

const webhookColumns = `id, tenant_id, name, description, target_url, signing_secret,
	event_types, custom_headers, transform_script, status, max_retries,
	timeout_seconds, consecutive_failures, last_triggered_at, last_success_at,
	last_failure_at, created_by, created_at, updated_at`

func scanWebhook(row pgx.Row) (*model.WebhookConfig, error) {
	var w model.WebhookConfig
	var eventTypes, customHeaders []byte
	err := row.Scan(
		&w.ID, &w.TenantID, &w.Name, &w.Description, &w.TargetURL, &w.SigningSecret,
		&eventTypes, &customHeaders, &w.TransformScript, &w.Status, &w.MaxRetries,
		&w.TimeoutSeconds, &w.ConsecutiveFailures, &w.LastTriggeredAt, &w.LastSuccessAt,
		&w.LastFailureAt, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eventTypes, &w.EventTypes); err != nil {
		return nil, fmt.Errorf("decode event_types: %w", err)
	}
	if len(customHeaders) > 0 {
		if err := json.Unmarshal(customHeaders, &w.CustomHeaders); err != nil {
			return nil, fmt.Errorf("decode custom_headers: %w", err)
		}
	}
	return &w, nil
}

func (s *WebhookStore) Create(ctx context.Context, w *model.WebhookConfig) error {
	eventTypes, err := json.Marshal(w.EventTypes)
	if err != nil {
		return fmt.Errorf("encode event_types: %w", err)
	}
	customHeaders, err := json.Marshal(w.CustomHeaders)
	if err != nil {
		return fmt.Errorf("encode custom_headers: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO webhooks (id, tenant_id, name, description, target_url, signing_secret,
			event_types, custom_headers, transform_script, status, max_retries,
			timeout_seconds, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING created_at, updated_at`,
		w.ID, w.TenantID, w.Name, w.Description, w.TargetURL, w.SigningSecret,
		eventTypes, customHeaders, w.TransformScript, w.Status, w.MaxRetries,
		w.TimeoutSeconds, w.CreatedBy,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// Get returns (nil, nil) when no webhook with the given id exists.
func (s *WebhookStore) Get(ctx context.Context, id uuid.UUID) (*model.WebhookConfig, error) {
	w, err := scanWebhook(s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (s *WebhookStore) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.WebhookConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []model.WebhookConfig
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, rows.Err()
}

// ResolveActiveSubscribers is the dispatch hot path: dispatchable webhooks
// of a tenant subscribed to the given event type. Failing webhooks are
// included; failing is advisory and only inactive/disabled stop dispatch.
func (s *WebhookStore) ResolveActiveSubscribers(ctx context.Context, tenantID uuid.UUID, t model.EventType) ([]model.WebhookConfig, error) {
	typeFilter, _ := json.Marshal([]model.EventType{t})
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE tenant_id = $1
		   AND status IN ('active', 'failing')
		   AND event_types @> $2::jsonb`,
		tenantID, typeFilter)
	if err != nil {
		return nil, fmt.Errorf("resolve subscribers: %w", err)
	}
	defer rows.Close()

	var webhooks []model.WebhookConfig
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, rows.Err()
}

// Update writes every admin-mutable column. Patch semantics are applied by
// the caller on a freshly loaded config.
func (s *WebhookStore) Update(ctx context.Context, w *model.WebhookConfig) error {
	eventTypes, err := json.Marshal(w.EventTypes)
	if err != nil {
		return fmt.Errorf("encode event_types: %w", err)
	}
	customHeaders, err := json.Marshal(w.CustomHeaders)
	if err != nil {
		return fmt.Errorf("encode custom_headers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE webhooks SET
			name             = $2,
			description      = $3,
			target_url       = $4,
			event_types      = $5,
			custom_headers   = $6,
			transform_script = $7,
			status           = $8,
			max_retries      = $9,
			timeout_seconds  = $10,
			updated_at       = now()
		 WHERE id = $1`,
		w.ID, w.Name, w.Description, w.TargetURL, eventTypes, customHeaders,
		w.TransformScript, w.Status, w.MaxRetries, w.TimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return nil
}

func (s *WebhookStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpdateSecret replaces the signing secret. Already-queued deliveries keep
// the signature snapshot taken under the old secret.
func (s *WebhookStore) UpdateSecret(ctx context.Context, id uuid.UUID, secret string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET signing_secret = $2, updated_at = now() WHERE id = $1`,
		id, secret)
	if err != nil {
		return fmt.Errorf("update webhook secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *WebhookStore) MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET last_triggered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark webhook triggered: %w", err)
	}
	return nil
}

// IncrementFailure bumps the consecutive-failure counter atomically so
// concurrent deliveries to the same webhook cannot lose updates, and flips
// the status to failing once the threshold is crossed.
func (s *WebhookStore) IncrementFailure(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at      = $2,
			updated_at           = $2,
			status = CASE
				WHEN consecutive_failures + 1 >= $3 AND status = 'active' THEN 'failing'
				ELSE status
			END
		 WHERE id = $1`,
		id, at, model.FailingThreshold)
	if err != nil {
		return fmt.Errorf("increment webhook failure count: %w", err)
	}
	return nil
}

// ResetFailureCount zeroes the counter after a successful delivery and
// restores a failing webhook to active.
func (s *WebhookStore) ResetFailureCount(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET
			consecutive_failures = 0,
			last_success_at      = $2,
			updated_at           = $2,
			status = CASE WHEN status = 'failing' THEN 'active' ELSE status END
		 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("reset webhook failure count: %w", err)
	}
	return nil
}
