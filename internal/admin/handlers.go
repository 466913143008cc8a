// Package admin exposes operator endpoints for inspecting and nudging the
// background machinery: scheduled jobs, the scheduler loop and the realtime hub.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/scheduler"
)

// JobLister lists the scheduled jobs of a client.
type JobLister interface {
	Jobs(ctx context.Context, clientID string) ([]*scheduler.Job, error)
}

// SchedulerRunner executes due jobs on demand.
type SchedulerRunner interface {
	RunDue(ctx context.Context) (int, error)
}

// StatsProvider reports counters for a subsystem.
type StatsProvider interface {
	Stats() map[string]any
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	jobs     JobLister
	runner   SchedulerRunner
	realtime StatsProvider
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithJobLister sets the source for per-client job listings.
func (h *Handler) WithJobLister(j JobLister) *Handler {
	h.jobs = j
	return h
}

// WithSchedulerRunner sets the runner triggered by POST /admin/scheduler/run.
func (h *Handler) WithSchedulerRunner(r SchedulerRunner) *Handler {
	h.runner = r
	return h
}

// WithRealtimeStats sets the realtime hub stats source.
func (h *Handler) WithRealtimeStats(p StatsProvider) *Handler {
	h.realtime = p
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/clients/:id/jobs", h.listJobs)
	r.POST("/admin/scheduler/run", h.runScheduler)
	r.GET("/admin/realtime/stats", h.realtimeStats)
}

// listJobs returns every job ever booked for a client, live or not.
func (h *Handler) listJobs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "job listing not configured"})
		return
	}

	jobs, err := h.jobs.Jobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.L(c.Request.Context()).Error("list jobs failed", "client_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list jobs"})
		return
	}
	if jobs == nil {
		jobs = []*scheduler.Job{}
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// runScheduler executes every due job now instead of waiting for the next tick.
func (h *Handler) runScheduler(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "scheduler not configured"})
		return
	}

	n, err := h.runner.RunDue(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual scheduler run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "scheduler run failed"})
		return
	}

	logging.L(c.Request.Context()).Info("manual scheduler run", "executed", n)
	c.JSON(http.StatusOK, gin.H{"executed": n})
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "realtime hub not configured"})
		return
	}
	c.JSON(http.StatusOK, h.realtime.Stats())
}
