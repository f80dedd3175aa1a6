package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/evalpoint/webhook-notify/internal/model"
	"github.com/evalpoint/webhook-notify/internal/signing"
	"github.com/evalpoint/webhook-notify/internal/urlcheck"
)

const (
	userAgent  = "evalpoint-webhooks/1.0"
	maxCapture = 4096 // response bytes read per attempt; stored copies are truncated further
)

// Result is the outcome of one end-to-end delivery, including all
// retries. Duration is wall time measured from the outermost call, so
// it includes backoff sleeps. Body holds the canonical serialized
// payload that was signed and sent.
type Result struct {
	Success    bool
	StatusCode *int
	Response   string
	Error      string
	Body       []byte
	Duration   time.Duration
}

// Engine performs signed HTTP POST deliveries with bounded retry and
// exponential backoff. Safe for concurrent use; each Deliver call runs
// its attempts sequentially.
type Engine struct {
	client *http.Client
}

func NewEngine(timeout time.Duration) *Engine {
	return &Engine{client: &http.Client{Timeout: timeout}}
}

// Deliver POSTs the payload to the webhook's destination. The payload
// is serialized exactly once; the same bytes are signed and reused
// across retries. The destination is re-validated before every attempt.
// Attempt counting: at most 1 + RetryCount attempts are made. A 4xx
// response is terminal regardless of remaining retry budget; 5xx and
// transport errors back off RetryDelay * 2^attempt and retry.
func (e *Engine) Deliver(ctx context.Context, wh *model.Webhook, payload any, event string) Result {
	start := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Error: fmt.Sprintf("encode payload: %v", err)}
	}

	for attempt := 0; ; attempt++ {
		if !urlcheck.IsAllowedDestination(wh.URL) {
			return Result{
				Error:    "destination URL is not allowed",
				Body:     body,
				Duration: time.Since(start),
			}
		}

		status, respBody, attemptErr := e.attempt(ctx, wh, body, event)

		if attemptErr == nil {
			if status >= 200 && status < 300 {
				return Result{
					Success:    true,
					StatusCode: &status,
					Response:   respBody,
					Body:       body,
					Duration:   time.Since(start),
				}
			}
			if status < 500 || attempt >= wh.RetryCount {
				return Result{
					StatusCode: &status,
					Response:   respBody,
					Error:      fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status)),
					Body:       body,
					Duration:   time.Since(start),
				}
			}
		} else if attempt >= wh.RetryCount {
			return Result{
				Error:    attemptErr.Error(),
				Body:     body,
				Duration: time.Since(start),
			}
		}

		delay := wh.RetryDelay() << attempt
		select {
		case <-ctx.Done():
			return Result{
				Error:    fmt.Sprintf("delivery cancelled: %v", ctx.Err()),
				Body:     body,
				Duration: time.Since(start),
			}
		case <-time.After(delay):
		}
	}
}

// attempt performs a single POST. Each attempt carries a fresh delivery
// id and timestamp; the signature covers the shared canonical body.
// Custom webhook headers are applied last and may override synthesized
// ones, including the signature header.
func (e *Engine) attempt(ctx context.Context, wh *model.Webhook, body []byte, event string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", uuid.New().String())
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	if wh.Secret != nil && *wh.Secret != "" {
		req.Header.Set("X-Webhook-Signature", signing.Sign(body, *wh.Secret))
	}

	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapture))
	return resp.StatusCode, string(respBody), nil
}

// TestResult is the synchronous response of a test delivery, consumed
// by the settings UI.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode *int   `json:"statusCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	Response   string `json:"response,omitempty"`
}

const maxTestResponse = 500

// NewTestResult converts a delivery result into the synchronous
// test-delivery reply, truncating the response for transport.
func NewTestResult(res Result) TestResult {
	return TestResult{
		Success:    res.Success,
		StatusCode: res.StatusCode,
		DurationMs: res.Duration.Milliseconds(),
		Error:      res.Error,
		Response:   Truncate(res.Response, maxTestResponse),
	}
}

// DeliverTest sends a synthetic payload marked with "test": true to the
// webhook and waits for the outcome. Unlike production dispatch this
// path is synchronous.
func (e *Engine) DeliverTest(ctx context.Context, wh *model.Webhook) TestResult {
	return NewTestResult(e.Deliver(ctx, wh, SamplePayload(), model.EventRunCompleted))
}

// SamplePayload returns the fixed payload used for test deliveries.
func SamplePayload() *model.NotificationPayload {
	avgScore := 0.92
	return &model.NotificationPayload{
		Event:     model.EventRunCompleted,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Test:      true,
		Project:   model.Project{ID: "proj_sample", Name: "Sample Project"},
		TestRun: model.PayloadRun{
			ID:        "run_sample",
			SuiteID:   "suite_sample",
			SuiteName: "Sample Suite",
			Status:    "completed",
			Summary: model.RunSummary{
				Total:           10,
				Passed:          9,
				Failed:          1,
				AvgScore:        &avgScore,
				AvgResponseTime: 412.5,
			},
		},
	}
}

// Truncate caps s at n bytes for storage.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
