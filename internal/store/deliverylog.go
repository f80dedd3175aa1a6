package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalpoint/webhook-notify/internal/model"
)

type DeliveryLogStore struct {
	pool *pgxpool.Pool
}

const deliveryColumns = `id, webhook_id, event, payload, status_code, response_body,
	error_message, success, is_test, duration_ms, delivered_at`

func scanDelivery(row pgx.Row) (*model.DeliveryRecord, error) {
	var rec model.DeliveryRecord
	var payload []byte
	err := row.Scan(
		&rec.ID, &rec.WebhookID, &rec.Event, &payload, &rec.StatusCode,
		&rec.Response, &rec.Error, &rec.Success, &rec.IsTest,
		&rec.DurationMs, &rec.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}

func (s *DeliveryLogStore) GetByID(ctx context.Context, id uuid.UUID) (*model.DeliveryRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	rec, err := scanDelivery(row)
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return rec, nil
}

// ListByWebhook returns the webhook's delivery history, newest first.
func (s *DeliveryLogStore) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]model.DeliveryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE webhook_id = $1
		 ORDER BY delivered_at DESC, id DESC
		 LIMIT $2`,
		webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var records []model.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
