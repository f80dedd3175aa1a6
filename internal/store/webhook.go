package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalpoint/webhook-notify/internal/model"
)

type WebhookStore struct {
	pool         *pgxpool.Pool
	historyLimit int
}

const webhookColumns = `id, project_id, name, url, secret, events, status, suite_ids,
	only_on_failure, only_on_regression, retry_count, retry_delay_ms, headers,
	transform_script, consecutive_failures, last_delivery_at, last_success_at,
	last_failure_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (*model.Webhook, error) {
	var wh model.Webhook
	var headers []byte
	err := row.Scan(
		&wh.ID, &wh.ProjectID, &wh.Name, &wh.URL, &wh.Secret, &wh.Events, &wh.Status,
		&wh.SuiteIDs, &wh.OnlyOnFailure, &wh.OnlyOnRegression, &wh.RetryCount,
		&wh.RetryDelayMs, &headers, &wh.TransformScript, &wh.ConsecutiveFailures,
		&wh.LastDeliveryAt, &wh.LastSuccessAt, &wh.LastFailureAt,
		&wh.CreatedAt, &wh.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &wh.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return &wh, nil
}

func encodeHeaders(headers map[string]string) ([]byte, error) {
	if headers == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(headers)
}

func (s *WebhookStore) Create(ctx context.Context, wh *model.Webhook) (*model.Webhook, error) {
	headers, err := encodeHeaders(wh.Headers)
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO webhooks (project_id, name, url, secret, events, suite_ids,
			only_on_failure, only_on_regression, retry_count, retry_delay_ms,
			headers, transform_script)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+webhookColumns,
		wh.ProjectID, wh.Name, wh.URL, wh.Secret, wh.Events, wh.SuiteIDs,
		wh.OnlyOnFailure, wh.OnlyOnRegression, wh.RetryCount, wh.RetryDelayMs,
		headers, wh.TransformScript,
	)
	created, err := scanWebhook(row)
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return created, nil
}

func (s *WebhookStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Webhook, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	wh, err := scanWebhook(row)
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return wh, nil
}

func (s *WebhookStore) ListByProject(ctx context.Context, projectID string) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

// FindActive returns the webhooks eligible for dispatch selection:
// inactive and auto-disabled ones are filtered at the query.
func (s *WebhookStore) FindActive(ctx context.Context, projectID string) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE project_id = $1 AND status = 'active'`, projectID)
	if err != nil {
		return nil, fmt.Errorf("find active webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func collectWebhooks(rows pgx.Rows) ([]model.Webhook, error) {
	var hooks []model.Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, *wh)
	}
	return hooks, rows.Err()
}

// UpdateParams patches only the non-nil fields.
type UpdateParams struct {
	Name             *string
	URL              *string
	Secret           *string
	Events           []string
	SuiteIDs         []string
	OnlyOnFailure    *bool
	OnlyOnRegression *bool
	RetryCount       *int
	RetryDelayMs     *int
	Headers          map[string]string
	TransformScript  *string
}

func (s *WebhookStore) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (*model.Webhook, error) {
	var headers []byte
	if p.Headers != nil {
		var err error
		headers, err = encodeHeaders(p.Headers)
		if err != nil {
			return nil, fmt.Errorf("update webhook: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE webhooks SET
			name               = COALESCE($2, name),
			url                = COALESCE($3, url),
			secret             = COALESCE($4, secret),
			events             = COALESCE($5, events),
			suite_ids          = COALESCE($6, suite_ids),
			only_on_failure    = COALESCE($7, only_on_failure),
			only_on_regression = COALESCE($8, only_on_regression),
			retry_count        = COALESCE($9, retry_count),
			retry_delay_ms     = COALESCE($10, retry_delay_ms),
			headers            = COALESCE($11, headers),
			transform_script   = COALESCE($12, transform_script),
			updated_at         = now()
		 WHERE id = $1
		 RETURNING `+webhookColumns,
		id, p.Name, p.URL, p.Secret, p.Events, p.SuiteIDs,
		p.OnlyOnFailure, p.OnlyOnRegression, p.RetryCount, p.RetryDelayMs,
		headers, p.TransformScript,
	)
	wh, err := scanWebhook(row)
	if err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	return wh, nil
}

// SetStatus applies an explicit user status change. Reactivating a
// webhook resets its consecutive-failure counter so the circuit breaker
// starts fresh.
func (s *WebhookStore) SetStatus(ctx context.Context, id uuid.UUID, status model.WebhookStatus) (*model.Webhook, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE webhooks SET
			status = $2,
			consecutive_failures = CASE WHEN $2 = 'active' THEN 0 ELSE consecutive_failures END,
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+webhookColumns,
		id, status,
	)
	wh, err := scanWebhook(row)
	if err != nil {
		return nil, fmt.Errorf("set webhook status: %w", err)
	}
	return wh, nil
}

func (s *WebhookStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// RecordOutcome persists one delivery outcome: it inserts the history
// entry, updates the rolling counters, flips the webhook to failed when
// the consecutive-failure threshold is reached, and trims history to the
// configured bound. The counter update is a single UPDATE statement, so
// two runs delivering to the same webhook concurrently cannot lose an
// increment.
func (s *WebhookStore) RecordOutcome(ctx context.Context, rec *model.DeliveryRecord) (int, model.WebhookStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("record outcome: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, event, payload, status_code,
			response_body, error_message, success, is_test, duration_ms, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.WebhookID, rec.Event, []byte(rec.Payload), rec.StatusCode,
		rec.Response, rec.Error, rec.Success, rec.IsTest, rec.DurationMs, rec.DeliveredAt,
	)
	if err != nil {
		return 0, "", fmt.Errorf("insert delivery record: %w", err)
	}

	var failures int
	var status model.WebhookStatus
	err = tx.QueryRow(ctx,
		`UPDATE webhooks SET
			consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures + 1 END,
			status = CASE
				WHEN NOT $2 AND consecutive_failures + 1 >= $3 AND status = 'active' THEN 'failed'
				ELSE status
			END,
			last_delivery_at = now(),
			last_success_at  = CASE WHEN $2 THEN now() ELSE last_success_at END,
			last_failure_at  = CASE WHEN $2 THEN last_failure_at ELSE now() END,
			updated_at = now()
		 WHERE id = $1
		 RETURNING consecutive_failures, status`,
		rec.WebhookID, rec.Success, model.FailureThreshold,
	).Scan(&failures, &status)
	if err != nil {
		return 0, "", fmt.Errorf("update webhook counters: %w", err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM webhook_deliveries
		 WHERE webhook_id = $1 AND id NOT IN (
			SELECT id FROM webhook_deliveries
			WHERE webhook_id = $1
			ORDER BY delivered_at DESC, id DESC
			LIMIT $2
		 )`,
		rec.WebhookID, s.historyLimit,
	)
	if err != nil {
		return 0, "", fmt.Errorf("trim delivery history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, "", fmt.Errorf("record outcome: %w", err)
	}
	return failures, status, nil
}
