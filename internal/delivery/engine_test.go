package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evalpoint/webhook-notify/internal/model"
	"github.com/evalpoint/webhook-notify/internal/signing"
)

func testWebhook(url string) *model.Webhook {
	return &model.Webhook{
		ProjectID:    "proj-1",
		Name:         "ci",
		URL:          url,
		Events:       []string{model.EventRunCompleted},
		Status:       model.StatusActive,
		RetryCount:   0,
		RetryDelayMs: 10,
	}
}

func TestDeliver_Success(t *testing.T) {
	var gotEvent, gotDeliveryID, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotDeliveryID = r.Header.Get("X-Webhook-Delivery")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := NewEngine(5 * time.Second)
	res := e.Deliver(context.Background(), testWebhook(srv.URL), SamplePayload(), model.EventRunCompleted)

	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.Error)
	}
	if res.StatusCode == nil || *res.StatusCode != 200 {
		t.Fatalf("expected status 200, got: %v", res.StatusCode)
	}
	if res.Response != "ok" {
		t.Fatalf("expected response body captured, got: %q", res.Response)
	}
	if gotEvent != model.EventRunCompleted {
		t.Fatalf("expected X-Webhook-Event header, got: %q", gotEvent)
	}
	if gotDeliveryID == "" {
		t.Fatal("expected X-Webhook-Delivery header")
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected application/json, got: %q", gotContentType)
	}
}

func TestDeliver_SignsCanonicalBody(t *testing.T) {
	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secret := "shh"
	wh := testWebhook(srv.URL)
	wh.Secret = &secret

	e := NewEngine(5 * time.Second)
	res := e.Deliver(context.Background(), wh, SamplePayload(), model.EventRunCompleted)
	if !res.Success {
		t.Fatalf("expected success, got: %s", res.Error)
	}

	if !strings.HasPrefix(gotSig, "sha256=") {
		t.Fatalf("expected sha256= prefix, got: %q", gotSig)
	}
	if !signing.Verify(gotBody, secret, gotSig) {
		t.Fatal("signature did not verify against received body")
	}
	if string(gotBody) != string(res.Body) {
		t.Fatal("wire body should equal the canonical body in the result")
	}
	// one flipped byte invalidates the signature
	tampered := append([]byte{}, gotBody...)
	tampered[0] ^= 0xff
	if signing.Verify(tampered, secret, gotSig) {
		t.Fatal("tampered body should not verify")
	}
}

func TestDeliver_RetriesOn5xxThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	deliveryIDs := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		deliveryIDs[r.Header.Get("X-Webhook-Delivery")] = true
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL)
	wh.RetryCount = 2
	wh.RetryDelayMs = 30

	e := NewEngine(5 * time.Second)
	start := time.Now()
	res := e.Deliver(context.Background(), wh, SamplePayload(), model.EventRunCompleted)
	elapsed := time.Since(start)

	if !res.Success {
		t.Fatalf("expected eventual success, got: %s", res.Error)
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got: %d", attempts)
	}
	if len(deliveryIDs) != 3 {
		t.Fatalf("expected a fresh delivery id per attempt, got %d unique ids", len(deliveryIDs))
	}
	// backoff schedule: 30ms + 60ms
	if elapsed < 90*time.Millisecond {
		t.Fatalf("expected elapsed >= 90ms (backoff), got: %v", elapsed)
	}
	if res.Duration < 90*time.Millisecond {
		t.Fatalf("expected Duration to span all attempts, got: %v", res.Duration)
	}
}

func TestDeliver_4xxIsTerminal(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL)
	wh.RetryCount = 5 // budget must be ignored for 4xx

	e := NewEngine(5 * time.Second)
	res := e.Deliver(context.Background(), wh, SamplePayload(), model.EventRunFailed)

	if res.Success {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got: %d", attempts)
	}
	if !strings.Contains(res.Error, "HTTP 400") {
		t.Fatalf("expected error to contain HTTP 400, got: %q", res.Error)
	}
	if res.Response != "nope" {
		t.Fatalf("expected response body captured, got: %q", res.Response)
	}
}

func TestDeliver_5xxExhaustsRetries(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL)
	wh.RetryCount = 2

	e := NewEngine(5 * time.Second)
	res := e.Deliver(context.Background(), wh, SamplePayload(), model.EventRunCompleted)

	if res.Success {
		t.Fatal("expected failure")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got: %d", attempts)
	}
	if !strings.Contains(res.Error, "HTTP 503") {
		t.Fatalf("expected HTTP 503 error, got: %q", res.Error)
	}
}

func TestDeliver_NetworkErrorNoRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	wh := testWebhook(srv.URL)
	wh.RetryCount = 0

	e := NewEngine(time.Second)
	res := e.Deliver(context.Background(), wh, SamplePayload(), model.EventRunCompleted)

	if res.Success {
		t.Fatal("expected failure on connection refused")
	}
	if res.Error == "" {
		t.Fatal("expected raw transport error message")
	}
	if res.StatusCode != nil {
		t.Fatalf("expected no status code, got: %v", *res.StatusCode)
	}
}

func TestDeliver_RejectsDisallowedDestination(t *testing.T) {
	wh := testWebhook("http://169.254.169.254/latest/meta-data")
	wh.RetryCount = 3

	e := NewEngine(time.Second)
	res := e.Deliver(context.Background(), wh, SamplePayload(), model.EventRunCompleted)

	if res.Success {
		t.Fatal("expected rejection")
	}
	if res.Error != "destination URL is not allowed" {
		t.Fatalf("unexpected error: %q", res.Error)
	}
	if res.StatusCode != nil {
		t.Fatal("expected no network attempt")
	}
	if res.Duration > 50*time.Millisecond {
		t.Fatalf("expected near-zero duration, got: %v", res.Duration)
	}
}

func TestDeliver_CustomHeadersOverrideSynthesized(t *testing.T) {
	var gotSig, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotCustom = r.Header.Get("X-Team")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secret := "shh"
	wh := testWebhook(srv.URL)
	wh.Secret = &secret
	wh.Headers = map[string]string{
		"X-Team":              "qa",
		"X-Webhook-Signature": "sha256=overridden",
	}

	e := NewEngine(5 * time.Second)
	res := e.Deliver(context.Background(), wh, SamplePayload(), model.EventRunCompleted)
	if !res.Success {
		t.Fatalf("expected success, got: %s", res.Error)
	}
	if gotCustom != "qa" {
		t.Fatalf("expected custom header, got: %q", gotCustom)
	}
	// custom headers are merged last and may shadow synthesized ones
	if gotSig != "sha256=overridden" {
		t.Fatalf("expected custom signature to win, got: %q", gotSig)
	}
}

func TestDeliverTest_Synchronous(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("x", 600)))
	}))
	defer srv.Close()

	e := NewEngine(5 * time.Second)
	tr := e.DeliverTest(context.Background(), testWebhook(srv.URL))

	if !tr.Success {
		t.Fatalf("expected success, got: %s", tr.Error)
	}
	if len(tr.Response) != 500 {
		t.Fatalf("expected response truncated to 500 chars, got: %d", len(tr.Response))
	}
	if !strings.Contains(gotBody, `"test":true`) {
		t.Fatalf("expected test marker in payload, got: %s", gotBody)
	}
}
