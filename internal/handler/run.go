package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/evalpoint/webhook-notify/internal/dispatch"
	"github.com/evalpoint/webhook-notify/internal/model"
)

// RunHandler receives completed test runs from the test-execution
// engine and hands them to the dispatcher.
type RunHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewRunHandler(d *dispatch.Dispatcher) *RunHandler {
	return &RunHandler{dispatcher: d}
}

type runCompletedRequest struct {
	Project model.Project `json:"project"`
	TestRun model.TestRun `json:"testRun"`
}

type runCompletedResponse struct {
	Dispatched int   `json:"dispatched"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
}

// Completed fans the run out to matching webhooks. The response is sent
// as soon as the fan-out is decided: dispatched is exact, while
// succeeded and failed only cover deliveries that happened to finish
// before the response was written. Final outcomes land in each
// webhook's delivery history.
func (h *RunHandler) Completed(c *gin.Context) {
	var req runCompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Project.ID == "" || req.TestRun.ID == "" || req.TestRun.SuiteID == "" {
		c.String(http.StatusBadRequest, "project.id, testRun.id and testRun.suiteId are required")
		return
	}

	stats, err := h.dispatcher.Dispatch(c.Request.Context(), req.Project, &req.TestRun)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to dispatch webhooks")
		return
	}

	c.JSON(http.StatusAccepted, runCompletedResponse{
		Dispatched: stats.Dispatched,
		Succeeded:  stats.Succeeded(),
		Failed:     stats.Failed(),
	})
}
