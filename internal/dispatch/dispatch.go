package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evalpoint/webhook-notify/internal/delivery"
	"github.com/evalpoint/webhook-notify/internal/model"
	"github.com/evalpoint/webhook-notify/internal/script"
)

// ActiveWebhookFinder loads the active webhooks registered for a project.
type ActiveWebhookFinder interface {
	FindActive(ctx context.Context, projectID string) ([]model.Webhook, error)
}

// Deliverer performs one end-to-end delivery including retries.
type Deliverer interface {
	Deliver(ctx context.Context, wh *model.Webhook, payload any, event string) delivery.Result
}

// Recorder persists a delivery outcome.
type Recorder interface {
	Record(ctx context.Context, wh *model.Webhook, res delivery.Result, event string, isTest bool)
}

// Stats reports the fan-out of one dispatch. Dispatched is fixed when
// Dispatch returns; Succeeded and Failed are updated by background
// deliveries as they complete and may lag behind reality at any read.
// Wait blocks until every spawned delivery has finished.
type Stats struct {
	Dispatched int
	succeeded  atomic.Int64
	failed     atomic.Int64
	wg         sync.WaitGroup
}

func (s *Stats) Succeeded() int64 { return s.succeeded.Load() }
func (s *Stats) Failed() int64    { return s.failed.Load() }
func (s *Stats) Wait()            { s.wg.Wait() }

// Dispatcher classifies a completed test run into events and fans them
// out to matching webhooks. Each delivery runs in its own goroutine with
// its own error boundary; one bad subscriber cannot affect the others or
// the caller.
type Dispatcher struct {
	webhooks ActiveWebhookFinder
	engine   Deliverer
	recorder Recorder
	logger   *slog.Logger
}

func New(webhooks ActiveWebhookFinder, engine Deliverer, recorder Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{webhooks: webhooks, engine: engine, recorder: recorder, logger: logger}
}

// Dispatch computes which events fired for the run, selects matching
// webhooks and spawns one background delivery per selection. It returns
// as soon as the fan-out is decided; it does not wait for deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, project model.Project, run *model.TestRun) (*Stats, error) {
	delta := classify(run)
	candidates := candidateEvents(run, delta)

	hooks, err := d.webhooks.FindActive(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("find active webhooks: %w", err)
	}

	stats := &Stats{}
	for i := range hooks {
		wh := hooks[i]
		if !d.matches(&wh, run, delta) {
			continue
		}
		event := pickEvent(&wh, candidates)
		if event == "" {
			continue
		}

		payload := buildPayload(event, project, run, delta)
		stats.Dispatched++
		stats.wg.Add(1)
		// Deliveries outlive the triggering request: drop the caller's
		// cancellation but keep its values.
		go d.send(context.WithoutCancel(ctx), &wh, payload, event, stats)
	}

	return stats, nil
}

// matches applies the per-webhook selection gates.
func (d *Dispatcher) matches(wh *model.Webhook, run *model.TestRun, delta regressionDelta) bool {
	if wh.Status != model.StatusActive {
		return false
	}
	if len(wh.SuiteIDs) > 0 {
		found := false
		for _, id := range wh.SuiteIDs {
			if id == run.SuiteID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if wh.OnlyOnFailure && run.Summary.Failed == 0 {
		return false
	}
	if wh.OnlyOnRegression && !delta.hasRegressions {
		return false
	}
	return true
}

// send runs one delivery to completion in the background: optional
// payload transform, HTTP delivery, outcome recording. Panics are
// contained here so a misbehaving delivery can never crash the process.
func (d *Dispatcher) send(ctx context.Context, wh *model.Webhook, payload *model.NotificationPayload, event string, stats *Stats) {
	defer stats.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			stats.failed.Add(1)
			d.logger.Error("webhook delivery panicked",
				"panic", r, "webhook_id", wh.ID, "event", event)
		}
	}()

	var body any = payload
	if wh.TransformScript != nil && *wh.TransformScript != "" {
		transformed, dropped := d.transform(wh, payload)
		if dropped {
			d.logger.Debug("notification dropped by transform script",
				"webhook_id", wh.ID, "event", event)
			return
		}
		body = transformed
	}

	res := d.engine.Deliver(ctx, wh, body, event)
	if res.Success {
		stats.succeeded.Add(1)
	} else {
		stats.failed.Add(1)
		d.logger.Warn("webhook delivery failed",
			"webhook_id", wh.ID, "event", event, "error", res.Error)
	}

	d.recorder.Record(ctx, wh, res, event, false)
}

// transform runs the webhook's JS transform over the outgoing payload.
// A script error degrades to the stock payload rather than eating the
// notification; a null return is the explicit drop signal.
func (d *Dispatcher) transform(wh *model.Webhook, payload *model.NotificationPayload) (any, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload, false
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return payload, false
	}

	result, err := script.Run(*wh.TransformScript, script.Input{
		Payload: asMap,
		Headers: wh.Headers,
	})
	if err != nil {
		d.logger.Warn("transform script failed, sending stock payload",
			"webhook_id", wh.ID, "error", err)
		return payload, false
	}
	if result.Dropped {
		return nil, true
	}
	if result.Headers != nil {
		wh.Headers = result.Headers
	}
	return result.Payload, false
}

// regressionDelta holds the comparison against the previous run of the
// same suite. Without a previous run detection is inert.
type regressionDelta struct {
	regressions    int
	improvements   int
	hasRegressions bool
}

func classify(run *model.TestRun) regressionDelta {
	if run.PreviousRun == nil {
		return regressionDelta{}
	}
	failedDelta := run.Summary.Failed - run.PreviousRun.Failed
	passedDelta := run.Summary.Passed - run.PreviousRun.Passed
	return regressionDelta{
		regressions:    max(0, failedDelta),
		improvements:   max(0, passedDelta),
		hasRegressions: failedDelta > 0,
	}
}

// candidateEvents returns the events fired by this run, highest
// priority first. Completion always fires.
func candidateEvents(run *model.TestRun, delta regressionDelta) []string {
	events := make([]string, 0, len(model.EventPriority))
	if delta.hasRegressions {
		events = append(events, model.EventRegressionDetected)
	}
	if run.Summary.Failed > 0 {
		events = append(events, model.EventRunFailed)
	}
	return append(events, model.EventRunCompleted)
}

// pickEvent returns the highest-priority candidate the webhook
// subscribes to, or "" when none match. A webhook receives at most one
// notification per run.
func pickEvent(wh *model.Webhook, candidates []string) string {
	for _, event := range candidates {
		if wh.SubscribedTo(event) {
			return event
		}
	}
	return ""
}

func buildPayload(event string, project model.Project, run *model.TestRun, delta regressionDelta) *model.NotificationPayload {
	payloadRun := model.PayloadRun{
		ID:        run.ID,
		SuiteID:   run.SuiteID,
		SuiteName: run.SuiteName,
		Status:    run.Status,
		Summary:   run.Summary,
	}
	if run.PreviousRun != nil {
		regressions := delta.regressions
		improvements := delta.improvements
		payloadRun.Regressions = &regressions
		payloadRun.Improvements = &improvements
	}
	return &model.NotificationPayload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Project:   project,
		TestRun:   payloadRun,
	}
}
