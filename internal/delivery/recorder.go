package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evalpoint/webhook-notify/internal/model"
)

// maxStoredResponse bounds the response body kept in delivery history.
const maxStoredResponse = 1000

// OutcomeStore persists a delivery record and updates the webhook's
// rolling counters in a single atomic operation. It returns the new
// consecutive-failure count and the webhook's status after the update,
// so the caller can observe an auto-disable transition.
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, rec *model.DeliveryRecord) (int, model.WebhookStatus, error)
}

// Invalidator drops a project's cached active-webhook set.
type Invalidator interface {
	Invalidate(ctx context.Context, projectID string)
}

// Recorder appends delivery outcomes to a webhook's history and drives
// the auto-disable circuit breaker. Persistence errors are logged and
// swallowed; a failed write must never propagate into the dispatcher.
type Recorder struct {
	store  OutcomeStore
	cache  Invalidator // may be nil
	logger *slog.Logger
}

func NewRecorder(store OutcomeStore, cache Invalidator, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, cache: cache, logger: logger}
}

// Record persists one delivery outcome for the webhook. On success the
// store resets the consecutive-failure counter; on failure it
// increments it and flips the webhook to failed status once the
// threshold is reached. When that transition happens the project's
// active-webhook cache is invalidated so the disabled webhook stops
// being selected immediately.
func (r *Recorder) Record(ctx context.Context, wh *model.Webhook, res Result, event string, isTest bool) {
	rec := &model.DeliveryRecord{
		ID:          uuid.New(),
		WebhookID:   wh.ID,
		Event:       event,
		Payload:     json.RawMessage(res.Body),
		StatusCode:  res.StatusCode,
		Response:    Truncate(res.Response, maxStoredResponse),
		Error:       res.Error,
		Success:     res.Success,
		IsTest:      isTest,
		DurationMs:  res.Duration.Milliseconds(),
		DeliveredAt: time.Now().UTC(),
	}

	failures, status, err := r.store.RecordOutcome(ctx, rec)
	if err != nil {
		r.logger.Error("failed to record delivery outcome",
			"error", err, "webhook_id", wh.ID, "event", event)
		return
	}

	if status == model.StatusFailed && wh.Status != model.StatusFailed {
		r.logger.Warn("webhook auto-disabled after consecutive failures",
			"webhook_id", wh.ID, "project_id", wh.ProjectID, "consecutive_failures", failures)
		if r.cache != nil {
			r.cache.Invalidate(ctx, wh.ProjectID)
		}
	}
}
