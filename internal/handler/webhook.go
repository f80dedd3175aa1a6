package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/evalpoint/webhook-notify/internal/delivery"
	"github.com/evalpoint/webhook-notify/internal/model"
	"github.com/evalpoint/webhook-notify/internal/script"
	"github.com/evalpoint/webhook-notify/internal/store"
	"github.com/evalpoint/webhook-notify/internal/urlcheck"
)

// Invalidator drops a project's cached active-webhook set after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, projectID string)
}

type WebhookHandler struct {
	store             *store.Store
	engine            *delivery.Engine
	recorder          *delivery.Recorder
	cache             Invalidator
	defaultRetryCount int
	defaultRetryDelay int
}

func NewWebhookHandler(s *store.Store, engine *delivery.Engine, recorder *delivery.Recorder, cache Invalidator, defaultRetryCount, defaultRetryDelayMs int) *WebhookHandler {
	return &WebhookHandler{
		store:             s,
		engine:            engine,
		recorder:          recorder,
		cache:             cache,
		defaultRetryCount: defaultRetryCount,
		defaultRetryDelay: defaultRetryDelayMs,
	}
}

type createWebhookRequest struct {
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	Secret           *string           `json:"secret,omitempty"`
	Events           []string          `json:"events"`
	SuiteIDs         []string          `json:"suite_ids,omitempty"`
	OnlyOnFailure    bool              `json:"only_on_failure"`
	OnlyOnRegression bool              `json:"only_on_regression"`
	RetryCount       *int              `json:"retry_count,omitempty"`
	RetryDelayMs     *int              `json:"retry_delay_ms,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	TransformScript  *string           `json:"transform_script,omitempty"`
}

type updateWebhookRequest struct {
	Name             *string           `json:"name,omitempty"`
	URL              *string           `json:"url,omitempty"`
	Secret           *string           `json:"secret,omitempty"`
	Events           []string          `json:"events,omitempty"`
	SuiteIDs         []string          `json:"suite_ids,omitempty"`
	OnlyOnFailure    *bool             `json:"only_on_failure,omitempty"`
	OnlyOnRegression *bool             `json:"only_on_regression,omitempty"`
	RetryCount       *int              `json:"retry_count,omitempty"`
	RetryDelayMs     *int              `json:"retry_delay_ms,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	TransformScript  *string           `json:"transform_script,omitempty"`
}

func validEvents(events []string) bool {
	for _, e := range events {
		known := false
		for _, k := range model.EventPriority {
			if e == k {
				known = true
				break
			}
		}
		if !known {
			return false
		}
	}
	return true
}

func (h *WebhookHandler) Create(c *gin.Context) {
	projectID := c.Param("projectID")

	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" || len(req.Events) == 0 {
		c.String(http.StatusBadRequest, "name, url and events are required")
		return
	}
	if !validEvents(req.Events) {
		c.String(http.StatusBadRequest, "unknown event name")
		return
	}
	if !urlcheck.IsAllowedDestination(req.URL) {
		c.String(http.StatusBadRequest, "destination URL is not allowed")
		return
	}
	if req.TransformScript != nil && *req.TransformScript != "" {
		if err := script.Validate(*req.TransformScript); err != nil {
			c.String(http.StatusBadRequest, "invalid transform script: %v", err)
			return
		}
	}

	wh := &model.Webhook{
		ProjectID:        projectID,
		Name:             req.Name,
		URL:              req.URL,
		Secret:           req.Secret,
		Events:           req.Events,
		SuiteIDs:         req.SuiteIDs,
		OnlyOnFailure:    req.OnlyOnFailure,
		OnlyOnRegression: req.OnlyOnRegression,
		RetryCount:       h.defaultRetryCount,
		RetryDelayMs:     h.defaultRetryDelay,
		Headers:          req.Headers,
		TransformScript:  req.TransformScript,
	}
	if req.RetryCount != nil && *req.RetryCount >= 0 {
		wh.RetryCount = *req.RetryCount
	}
	if req.RetryDelayMs != nil && *req.RetryDelayMs >= 0 {
		wh.RetryDelayMs = *req.RetryDelayMs
	}
	if wh.SuiteIDs == nil {
		wh.SuiteIDs = []string{}
	}

	created, err := h.store.Webhooks.Create(c.Request.Context(), wh)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to create webhook")
		return
	}

	h.cache.Invalidate(c.Request.Context(), projectID)
	c.JSON(http.StatusCreated, created)
}

func (h *WebhookHandler) List(c *gin.Context) {
	hooks, err := h.store.Webhooks.ListByProject(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	if hooks == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, hooks)
}

func (h *WebhookHandler) Get(c *gin.Context) {
	wh, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, wh)
}

func (h *WebhookHandler) Update(c *gin.Context) {
	wh, ok := h.lookup(c)
	if !ok {
		return
	}

	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL != nil && !urlcheck.IsAllowedDestination(*req.URL) {
		c.String(http.StatusBadRequest, "destination URL is not allowed")
		return
	}
	if req.Events != nil && !validEvents(req.Events) {
		c.String(http.StatusBadRequest, "unknown event name")
		return
	}
	if req.TransformScript != nil && *req.TransformScript != "" {
		if err := script.Validate(*req.TransformScript); err != nil {
			c.String(http.StatusBadRequest, "invalid transform script: %v", err)
			return
		}
	}

	updated, err := h.store.Webhooks.Update(c.Request.Context(), wh.ID, store.UpdateParams{
		Name:             req.Name,
		URL:              req.URL,
		Secret:           req.Secret,
		Events:           req.Events,
		SuiteIDs:         req.SuiteIDs,
		OnlyOnFailure:    req.OnlyOnFailure,
		OnlyOnRegression: req.OnlyOnRegression,
		RetryCount:       req.RetryCount,
		RetryDelayMs:     req.RetryDelayMs,
		Headers:          req.Headers,
		TransformScript:  req.TransformScript,
	})
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to update webhook")
		return
	}

	h.cache.Invalidate(c.Request.Context(), wh.ProjectID)
	c.JSON(http.StatusOK, updated)
}

func (h *WebhookHandler) Delete(c *gin.Context) {
	wh, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := h.store.Webhooks.Delete(c.Request.Context(), wh.ID); err != nil {
		c.String(http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	h.cache.Invalidate(c.Request.Context(), wh.ProjectID)
	c.Status(http.StatusNoContent)
}

func (h *WebhookHandler) Activate(c *gin.Context) {
	h.setStatus(c, model.StatusActive)
}

func (h *WebhookHandler) Deactivate(c *gin.Context) {
	h.setStatus(c, model.StatusInactive)
}

func (h *WebhookHandler) setStatus(c *gin.Context, status model.WebhookStatus) {
	wh, ok := h.lookup(c)
	if !ok {
		return
	}
	updated, err := h.store.Webhooks.SetStatus(c.Request.Context(), wh.ID, status)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to update webhook status")
		return
	}
	h.cache.Invalidate(c.Request.Context(), wh.ProjectID)
	c.JSON(http.StatusOK, updated)
}

func (h *WebhookHandler) ListDeliveries(c *gin.Context) {
	wh, ok := h.lookup(c)
	if !ok {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	records, err := h.store.Deliveries.ListByWebhook(c.Request.Context(), wh.ID, limit)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if records == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, records)
}

// Test performs a synchronous delivery of the fixed sample payload and
// returns the outcome to the caller. The outcome is also recorded in
// the webhook's history, marked as a test, so it shows up alongside
// production deliveries.
func (h *WebhookHandler) Test(c *gin.Context) {
	wh, ok := h.lookup(c)
	if !ok {
		return
	}

	res := h.engine.Deliver(c.Request.Context(), wh, delivery.SamplePayload(), model.EventRunCompleted)
	h.recorder.Record(c.Request.Context(), wh, res, model.EventRunCompleted, true)

	c.JSON(http.StatusOK, delivery.NewTestResult(res))
}

// lookup resolves the webhook from the path and enforces that it
// belongs to the project in the path.
func (h *WebhookHandler) lookup(c *gin.Context) (*model.Webhook, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return nil, false
	}
	wh, err := h.store.Webhooks.GetByID(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusNotFound, "webhook not found")
		return nil, false
	}
	if wh.ProjectID != c.Param("projectID") {
		c.String(http.StatusNotFound, "webhook not found")
		return nil, false
	}
	return wh, true
}
