package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aym-n/pixl/internal/apperrors"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

const healthTimeout = 3 * time.Second

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	names := make([]string, 0, len(h.Health))
	for name := range h.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make([]componentStatus, 0, len(names))
	for _, name := range names {
		components = append(components, recordComponent(name, h.Health[name].Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	c.JSON(code, gin.H{"status": status, "components": components})
}

type queueStatsResponse struct {
	Length     int64 `json:"length"`
	Pending    int64 `json:"pending"`
	Queued     int   `json:"queuedJobs"`
	Processing int   `json:"processingJobs"`
}

func (h *Handler) queueStats(c *gin.Context) {
	ctx := c.Request.Context()
	var resp queueStatsResponse
	if h.Queue != nil {
		stats, err := h.Queue.Stats(ctx)
		if err != nil {
			writeAppError(c, apperrors.Transient("api.queue_stats", err))
			return
		}
		resp.Length = stats.Length
		resp.Pending = stats.Pending
	}
	queued, err := h.Dispatcher.QueuedCount(ctx)
	if err != nil {
		writeAppError(c, err)
		return
	}
	processing, err := h.Dispatcher.ProcessingCount(ctx)
	if err != nil {
		writeAppError(c, err)
		return
	}
	resp.Queued = queued
	resp.Processing = processing
	c.JSON(http.StatusOK, resp)
}
