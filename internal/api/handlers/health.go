package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus `json:"status"`
	Duration string       `json:"duration,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status HealthStatus                  `json:"status"`
	Checks map[string]*HealthCheckResult `json:"checks,omitempty"`
}

// StoreHealthChecker is satisfied by the license record stores.
type StoreHealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	store   StoreHealthChecker
	timeout time.Duration
	logger  zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store StoreHealthChecker, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		store:   store,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health check routes that don't require authentication.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	health := r.Group("/health")
	{
		health.GET("", h.Overall)
		health.GET("/live", h.Live)
	}
}

// Live reports that the process is serving requests.
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: HealthStatusHealthy})
}

// Overall checks the license store.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	response := &HealthResponse{
		Status: HealthStatusHealthy,
		Checks: make(map[string]*HealthCheckResult),
	}

	store := h.checkStore(ctx)
	response.Checks["store"] = store
	if store.Status != HealthStatusHealthy {
		response.Status = HealthStatusUnhealthy
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkStore(ctx context.Context) *HealthCheckResult {
	if h.store == nil {
		return &HealthCheckResult{Status: HealthStatusUnhealthy, Error: "store not configured"}
	}

	start := time.Now()
	err := h.store.Ping(ctx)
	result := &HealthCheckResult{
		Status:   HealthStatusHealthy,
		Duration: time.Since(start).String(),
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("license store health check failed")
		result.Status = HealthStatusUnhealthy
		result.Error = err.Error()
	}
	return result
}
