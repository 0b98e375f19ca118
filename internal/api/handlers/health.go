// Package handlers implements the admin API HTTP endpoints.
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

// DatabaseHealthChecker defines the interface for database health checking.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	db     DatabaseHealthChecker
	logger zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db DatabaseHealthChecker, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		logger: logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health check routes.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Overall)
}

// Overall returns the overall server health status.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := &HealthResponse{
		Status: HealthStatusHealthy,
		Checks: make(map[string]*HealthCheckResult),
	}

	start := time.Now()
	result := &HealthCheckResult{Status: HealthStatusHealthy}
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("database health check failed")
		result.Status = HealthStatusUnhealthy
		result.Error = err.Error()
	}
	result.Duration = time.Since(start).String()
	response.Checks["database"] = result

	if result.Status == HealthStatusUnhealthy {
		response.Status = HealthStatusUnhealthy
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}
