package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event names, highest priority first. A webhook subscribed to several
// matching events receives only the highest-priority one for a given run.
const (
	EventRegressionDetected = "test.regression.detected"
	EventRunFailed          = "test.run.failed"
	EventRunCompleted       = "test.run.completed"
)

// EventPriority is the fixed ordering used when picking the single event
// delivered to a webhook.
var EventPriority = []string{EventRegressionDetected, EventRunFailed, EventRunCompleted}

// FailureThreshold is the number of consecutive failed deliveries after
// which a webhook is automatically flipped to StatusFailed.
const FailureThreshold = 10

type WebhookStatus string

const (
	StatusActive   WebhookStatus = "active"
	StatusInactive WebhookStatus = "inactive"
	StatusFailed   WebhookStatus = "failed"
)

// Webhook is a project-scoped registration of a destination URL plus
// event filters and retry policy. Counters and timestamps are mutated
// only by the delivery recorder; status also flips via explicit user
// action (activate/deactivate).
type Webhook struct {
	ID                  uuid.UUID         `json:"id"`
	ProjectID           string            `json:"project_id"`
	Name                string            `json:"name"`
	URL                 string            `json:"url"`
	Secret              *string           `json:"secret,omitempty"`
	Events              []string          `json:"events"`
	Status              WebhookStatus     `json:"status"`
	SuiteIDs            []string          `json:"suite_ids"`
	OnlyOnFailure       bool              `json:"only_on_failure"`
	OnlyOnRegression    bool              `json:"only_on_regression"`
	RetryCount          int               `json:"retry_count"`
	RetryDelayMs        int               `json:"retry_delay_ms"`
	Headers             map[string]string `json:"headers,omitempty"`
	TransformScript     *string           `json:"transform_script,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastDeliveryAt      *time.Time        `json:"last_delivery_at,omitempty"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// RetryDelay returns the base backoff unit as a duration.
func (w *Webhook) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMs) * time.Millisecond
}

// SubscribedTo reports whether the webhook subscribes to the given event.
func (w *Webhook) SubscribedTo(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryRecord is one entry in a webhook's bounded delivery history.
// The payload is a snapshot of the body that was sent; the response
// body is truncated before storage.
type DeliveryRecord struct {
	ID          uuid.UUID       `json:"id"`
	WebhookID   uuid.UUID       `json:"webhook_id"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	StatusCode  *int            `json:"status_code,omitempty"`
	Response    string          `json:"response,omitempty"`
	Error       string          `json:"error,omitempty"`
	Success     bool            `json:"success"`
	IsTest      bool            `json:"is_test"`
	DurationMs  int64           `json:"duration_ms"`
	DeliveredAt time.Time       `json:"delivered_at"`
}

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RunSummary holds the aggregate counts of one test run.
type RunSummary struct {
	Total           int      `json:"total"`
	Passed          int      `json:"passed"`
	Failed          int      `json:"failed"`
	AvgScore        *float64 `json:"avgScore,omitempty"`
	AvgResponseTime float64  `json:"avgResponseTime"`
}

// TestRun is the completed-run summary handed over by the test-execution
// engine. PreviousRun, when present, is the immediately preceding run of
// the same suite and drives regression detection. Immutable once handed
// to the dispatcher.
type TestRun struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"projectId"`
	SuiteID     string      `json:"suiteId"`
	SuiteName   string      `json:"suiteName"`
	Status      string      `json:"status"`
	Summary     RunSummary  `json:"summary"`
	PreviousRun *RunSummary `json:"previousRun,omitempty"`
}

// PayloadRun is the test-run view embedded in a notification payload,
// augmented with computed regression/improvement counts.
type PayloadRun struct {
	ID           string     `json:"id"`
	SuiteID      string     `json:"suiteId"`
	SuiteName    string     `json:"suiteName"`
	Status       string     `json:"status"`
	Summary      RunSummary `json:"summary"`
	Regressions  *int       `json:"regressions,omitempty"`
	Improvements *int       `json:"improvements,omitempty"`
}

// NotificationPayload is the JSON body POSTed to a webhook destination.
// It is transient: only a snapshot of it is ever persisted, inside a
// DeliveryRecord.
type NotificationPayload struct {
	Event     string     `json:"event"`
	Timestamp string     `json:"timestamp"`
	Test      bool       `json:"test,omitempty"`
	Project   Project    `json:"project"`
	TestRun   PayloadRun `json:"testRun"`
}
