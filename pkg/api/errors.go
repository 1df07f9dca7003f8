package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/massgen-ai/massgen/pkg/session"
	"github.com/massgen-ai/massgen/pkg/store"
)

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// abortWithError writes the envelope and stops the handler chain.
func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message})
}

// mapStoreError translates storage errors to HTTP responses.
func (s *Server) mapStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Error("store request failed", "path", c.Request.URL.Path, "error", err)
	abortWithError(c, http.StatusInternalServerError, "internal server error")
}

// mapManagerError translates session manager errors to HTTP responses.
func (s *Server) mapManagerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrBusy):
		abortWithError(c, http.StatusServiceUnavailable, "session capacity reached, retry later")
	case errors.Is(err, session.ErrShuttingDown):
		abortWithError(c, http.StatusServiceUnavailable, "server is shutting down")
	default:
		s.logger.Error("session submission failed", "error", err)
		abortWithError(c, http.StatusInternalServerError, "internal server error")
	}
}
