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

type DeliveryStore struct {
	pool *pgxpool.Pool
}

const deliveryColumns = `id, webhook_id, tenant_id, event_id, event_type, target_url,
	payload, signature, custom_headers, status, attempt_count, max_attempts,
	next_retry_at, delivered_at, last_error, created_at, updated_at`

func scanDelivery(row pgx.Row) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	var customHeaders []byte
	err := row.Scan(
		&d.ID, &d.WebhookID, &d.TenantID, &d.EventID, &d.EventType, &d.TargetURL,
		&d.Payload, &d.Signature, &customHeaders, &d.Status, &d.AttemptCount,
		&d.MaxAttempts, &d.NextRetryAt, &d.DeliveredAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(customHeaders) > 0 {
		if err := json.Unmarshal(customHeaders, &d.CustomHeaders); err != nil {
			return nil, fmt.Errorf("decode custom_headers: %w", err)
		}
	}
	return &d, nil
}

func (s *DeliveryStore) Create(ctx context.Context, d *model.WebhookDelivery) error {
	customHeaders, err := json.Marshal(d.CustomHeaders)
	if err != nil {
		return fmt.Errorf("encode custom_headers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO deliveries (id, webhook_id, tenant_id, event_id, event_type,
			target_url, payload, signature, custom_headers, status, attempt_count,
			max_attempts, next_retry_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.WebhookID, d.TenantID, d.EventID, d.EventType, d.TargetURL,
		d.Payload, d.Signature, customHeaders, d.Status, d.AttemptCount,
		d.MaxAttempts, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

// Get returns (nil, nil) when no delivery with the given id exists.
func (s *DeliveryStore) Get(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *DeliveryStore) Update(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE deliveries SET
			status        = $2,
			attempt_count = $3,
			next_retry_at = $4,
			delivered_at  = $5,
			last_error    = $6,
			updated_at    = $7
		 WHERE id = $1`,
		d.ID, d.Status, d.AttemptCount, d.NextRetryAt, d.DeliveredAt, d.LastError, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// ListFilter narrows List; nil fields match everything.
type ListFilter struct {
	WebhookID *uuid.UUID
	TenantID  *uuid.UUID
	Status    *model.DeliveryStatus
}

func (s *DeliveryStore) List(ctx context.Context, f ListFilter, limit, offset int) ([]model.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.WebhookID != nil {
		query += fmt.Sprintf(` AND webhook_id = $%d`, argIdx)
		args = append(args, *f.WebhookID)
		argIdx++
	}
	if f.TenantID != nil {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, *f.TenantID)
		argIdx++
	}
	if f.Status != nil {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, *f.Status)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// ListPending returns pending deliveries whose last update predates
// olderThan, i.e. ones that likely never reached the queue.
func (s *DeliveryStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]model.WebhookDelivery, error) {
	return s.listByStatus(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE status = 'pending' AND updated_at < $1
		 ORDER BY created_at ASC LIMIT $2`,
		olderThan, limit)
}

// ListDueRetries returns retrying deliveries whose next_retry_at has passed.
func (s *DeliveryStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]model.WebhookDelivery, error) {
	return s.listByStatus(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE status = 'retrying' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		 ORDER BY next_retry_at ASC LIMIT $2`,
		now, limit)
}

func (s *DeliveryStore) listByStatus(ctx context.Context, query string, cutoff time.Time, limit int) ([]model.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// DeleteTerminalBefore purges delivered and failed deliveries older than
// cutoff. Attempts go with them via the FK cascade.
func (s *DeliveryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM deliveries
		 WHERE status IN ('delivered', 'failed') AND created_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Attempt operations

func (s *DeliveryStore) CreateAttempt(ctx context.Context, a *model.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_attempts (id, delivery_id, attempt_number, status_code,
			response_body, response_time_ms, success, error, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.DeliveryID, a.AttemptNumber, a.StatusCode,
		a.ResponseBody, a.ResponseTimeMillis, a.Success, a.Error, a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("create attempt: %w", err)
	}
	return nil
}

func (s *DeliveryStore) ListAttempts(ctx context.Context, deliveryID uuid.UUID) ([]model.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, delivery_id, attempt_number, status_code, response_body,
			response_time_ms, success, error, attempted_at
		 FROM delivery_attempts
		 WHERE delivery_id = $1
		 ORDER BY attempt_number ASC`,
		deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		var a model.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.StatusCode,
			&a.ResponseBody, &a.ResponseTimeMillis, &a.Success, &a.Error, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// DeliveryStats aggregates delivery outcomes over a time window.
type DeliveryStats struct {
	Total                 int64   `json:"total"`
	Delivered             int64   `json:"delivered"`
	Failed                int64   `json:"failed"`
	Pending               int64   `json:"pending"`
	Retrying              int64   `json:"retrying"`
	SuccessRate           float64 `json:"success_rate"`
	AvgResponseTimeMillis float64 `json:"avg_response_time_ms"`
}

// Stats aggregates counts per status plus the average response time of
// successful attempts, scoped to a webhook and/or tenant since a cutoff.
func (s *DeliveryStore) Stats(ctx context.Context, webhookID, tenantID *uuid.UUID, since time.Time) (DeliveryStats, error) {
	query := `SELECT
			count(*),
			count(*) FILTER (WHERE status = 'delivered'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'retrying')
		 FROM deliveries WHERE created_at >= $1`
	args := []any{since}
	argIdx := 2
	if webhookID != nil {
		query += fmt.Sprintf(` AND webhook_id = $%d`, argIdx)
		args = append(args, *webhookID)
		argIdx++
	}
	if tenantID != nil {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, *tenantID)
		argIdx++
	}

	var st DeliveryStats
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&st.Total, &st.Delivered, &st.Failed, &st.Pending, &st.Retrying)
	if err != nil {
		return DeliveryStats{}, fmt.Errorf("delivery stats: %w", err)
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Delivered) / float64(st.Total)
	}

	avgQuery := `SELECT COALESCE(avg(a.response_time_ms), 0)
		 FROM delivery_attempts a
		 JOIN deliveries d ON d.id = a.delivery_id
		 WHERE a.success AND d.created_at >= $1`
	avgArgs := []any{since}
	argIdx = 2
	if webhookID != nil {
		avgQuery += fmt.Sprintf(` AND d.webhook_id = $%d`, argIdx)
		avgArgs = append(avgArgs, *webhookID)
		argIdx++
	}
	if tenantID != nil {
		avgQuery += fmt.Sprintf(` AND d.tenant_id = $%d`, argIdx)
		avgArgs = append(avgArgs, *tenantID)
	}
	if err := s.pool.QueryRow(ctx, avgQuery, avgArgs...).Scan(&st.AvgResponseTimeMillis); err != nil {
		return DeliveryStats{}, fmt.Errorf("delivery stats: %w", err)
	}
	return st, nil
}

// IsNotFound reports whether err is a missing-row lookup failure.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
