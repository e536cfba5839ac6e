package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Health status constants for health check responses.
const (
	healthStatusOK           = "ok"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"
	healthStatusFailing      = "failing"
)

// checkTimeout bounds all dependency checks of one probe.
const checkTimeout = 2 * time.Second

// HealthChecker provides health check endpoints for Kubernetes probes.
type HealthChecker struct {
	// ready indicates whether the server is ready to receive traffic
	ready atomic.Bool
	// serverContext provides the dependency checks and shutdown state
	serverContext *ServerContext
	// openBreakers lists users whose Gmail circuit breaker is open
	openBreakers func() []string
	startTime    time.Time
}

// NewHealthChecker creates a new HealthChecker. openBreakers may be nil.
func NewHealthChecker(sc *ServerContext, openBreakers func() []string) *HealthChecker {
	h := &HealthChecker{
		serverContext: sc,
		openBreakers:  openBreakers,
		startTime:     time.Now(),
	}
	// Server starts as ready by default
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness state of the server.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the server is ready to receive traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// isServerShuttingDown returns false if serverContext is nil (safe for testing).
func (h *HealthChecker) isServerShuttingDown() bool {
	return h.serverContext != nil && h.serverContext.IsShutdown()
}

// HealthResponse represents the JSON response for health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DetailedHealthResponse provides comprehensive health information.
type DetailedHealthResponse struct {
	Status       string            `json:"status"`
	Uptime       string            `json:"uptime"`
	Checks       map[string]string `json:"checks,omitempty"`
	OpenBreakers []string          `json:"open_breakers,omitempty"`
}

// evaluate runs the readiness checks. ok is false if any check fails.
func (h *HealthChecker) evaluate(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string)
	ok := true

	if !h.ready.Load() {
		checks["ready"] = healthStatusNotReady
		ok = false
	} else {
		checks["ready"] = healthStatusOK
	}

	if h.isServerShuttingDown() {
		checks["shutdown"] = healthStatusShuttingDown
		ok = false
	} else {
		checks["shutdown"] = healthStatusOK
	}

	if h.serverContext != nil {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		names, failures := h.serverContext.RunChecks(ctx)
		for _, name := range names {
			if err, failed := failures[name]; failed {
				checks[name] = healthStatusFailing + ": " + err.Error()
				ok = false
				continue
			}
			checks[name] = healthStatusOK
		}
	}
	return checks, ok
}

// Liveness serves /healthz. It only tells whether the process should be
// restarted, so it never consults dependencies.
func (h *HealthChecker) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: healthStatusOK})
}

// Readiness serves /readyz.
func (h *HealthChecker) Readiness(c *gin.Context) {
	checks, ok := h.evaluate(c.Request.Context())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: healthStatusNotReady, Checks: checks})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: healthStatusOK, Checks: checks})
}

// Detailed serves /healthz/detailed. Open circuit breakers are reported
// but do not fail the probe; they isolate single mailboxes.
func (h *HealthChecker) Detailed(c *gin.Context) {
	checks, ok := h.evaluate(c.Request.Context())
	response := DetailedHealthResponse{
		Status: healthStatusOK,
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
		Checks: checks,
	}
	if h.openBreakers != nil {
		response.OpenBreakers = h.openBreakers()
	}

	switch {
	case h.isServerShuttingDown():
		response.Status = healthStatusShuttingDown
		c.JSON(http.StatusServiceUnavailable, response)
	case !ok:
		response.Status = healthStatusNotReady
		c.JSON(http.StatusServiceUnavailable, response)
	default:
		c.JSON(http.StatusOK, response)
	}
}

// Register mounts the health endpoints on r.
func (h *HealthChecker) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/healthz/detailed", h.Detailed)
}
