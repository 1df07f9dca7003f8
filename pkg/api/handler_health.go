package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/massgen-ai/massgen/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /api/v1/healthz. It checks only the process's
// own store; backend providers and tool servers are external dependencies
// and stay out of liveness.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	storeHealth := s.store.Health(ctx)

	resp := HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
		Store:   storeHealth,
	}
	if s.manager != nil {
		resp.ActiveSessions = s.manager.ActiveCount()
	}

	status := http.StatusOK
	if !storeHealth.Healthy() {
		resp.Status = healthStatusUnhealthy
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// versionHandler handles GET /api/v1/version.
func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, VersionResponse{
		Name:    version.AppName,
		Version: version.GitCommit,
	})
}
