package delivery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/evalpoint/webhook-notify/internal/model"
)

type fakeOutcomeStore struct {
	records  []*model.DeliveryRecord
	failures int
	status   model.WebhookStatus
	err      error
}

func (f *fakeOutcomeStore) RecordOutcome(ctx context.Context, rec *model.DeliveryRecord) (int, model.WebhookStatus, error) {
	if f.err != nil {
		return 0, "", f.err
	}
	f.records = append(f.records, rec)
	if rec.Success {
		f.failures = 0
	} else {
		f.failures++
		if f.failures >= model.FailureThreshold && f.status == model.StatusActive {
			f.status = model.StatusFailed
		}
	}
	return f.failures, f.status, nil
}

type fakeInvalidator struct {
	projects []string
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, projectID string) {
	f.projects = append(f.projects, projectID)
}

func TestRecorder_TruncatesStoredResponse(t *testing.T) {
	store := &fakeOutcomeStore{status: model.StatusActive}
	rec := NewRecorder(store, nil, nil)

	wh := &model.Webhook{ID: uuid.New(), ProjectID: "proj-1", Status: model.StatusActive}
	status := 200
	res := Result{
		Success:    true,
		StatusCode: &status,
		Response:   strings.Repeat("a", 2000),
		Body:       []byte(`{"event":"test.run.completed"}`),
		Duration:   125 * time.Millisecond,
	}

	rec.Record(context.Background(), wh, res, model.EventRunCompleted, false)

	if len(store.records) != 1 {
		t.Fatalf("expected 1 record, got: %d", len(store.records))
	}
	r := store.records[0]
	if len(r.Response) != 1000 {
		t.Fatalf("expected response truncated to 1000 chars, got: %d", len(r.Response))
	}
	if r.DurationMs != 125 {
		t.Fatalf("expected 125ms, got: %d", r.DurationMs)
	}
	if string(r.Payload) != `{"event":"test.run.completed"}` {
		t.Fatalf("expected payload snapshot, got: %s", r.Payload)
	}
	if !r.Success {
		t.Fatal("expected success recorded")
	}
}

func TestRecorder_AutoDisableInvalidatesCache(t *testing.T) {
	store := &fakeOutcomeStore{status: model.StatusActive, failures: model.FailureThreshold - 1}
	cache := &fakeInvalidator{}
	rec := NewRecorder(store, cache, nil)

	wh := &model.Webhook{ID: uuid.New(), ProjectID: "proj-9", Status: model.StatusActive}
	res := Result{Error: "HTTP 503: Service Unavailable", Duration: time.Millisecond}

	rec.Record(context.Background(), wh, res, model.EventRunCompleted, false)

	if store.status != model.StatusFailed {
		t.Fatalf("expected auto-disable at threshold, status: %s", store.status)
	}
	if len(cache.projects) != 1 || cache.projects[0] != "proj-9" {
		t.Fatalf("expected cache invalidation for proj-9, got: %v", cache.projects)
	}
}

func TestRecorder_SuccessResetsCounter(t *testing.T) {
	store := &fakeOutcomeStore{status: model.StatusActive, failures: model.FailureThreshold - 1}
	rec := NewRecorder(store, nil, nil)

	wh := &model.Webhook{ID: uuid.New(), ProjectID: "proj-1", Status: model.StatusActive}
	status := 204
	rec.Record(context.Background(), wh, Result{Success: true, StatusCode: &status}, model.EventRunCompleted, false)

	if store.failures != 0 {
		t.Fatalf("expected counter reset, got: %d", store.failures)
	}
	if store.status != model.StatusActive {
		t.Fatalf("expected webhook still active, got: %s", store.status)
	}

	// nine more failures after the reset must not trip the breaker
	for i := 0; i < model.FailureThreshold-1; i++ {
		rec.Record(context.Background(), wh, Result{Error: "HTTP 500: Internal Server Error"}, model.EventRunCompleted, false)
	}
	if store.status != model.StatusActive {
		t.Fatalf("expected no auto-disable at %d failures, got: %s", model.FailureThreshold-1, store.status)
	}
}

func TestRecorder_PersistenceErrorIsSwallowed(t *testing.T) {
	store := &fakeOutcomeStore{err: context.DeadlineExceeded}
	rec := NewRecorder(store, nil, nil)

	wh := &model.Webhook{ID: uuid.New(), ProjectID: "proj-1", Status: model.StatusActive}
	// must not panic or propagate
	rec.Record(context.Background(), wh, Result{Error: "HTTP 500: Internal Server Error"}, model.EventRunCompleted, false)
}
