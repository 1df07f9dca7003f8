package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/massgen-ai/massgen/pkg/models"
)

// listSessionsHandler handles GET /api/v1/sessions with status, limit, and
// offset query parameters. Sessions come back newest first.
func (s *Server) listSessionsHandler(c *gin.Context) {
	var filters models.SessionFilters

	if v := c.Query("status"); v != "" {
		if !models.SessionStatus(v).IsValid() {
			abortWithError(c, http.StatusBadRequest,
				"invalid status: must be running, completed, or failed")
			return
		}
		filters.Status = v
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, "invalid limit: must be a positive integer")
			return
		}
		filters.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			abortWithError(c, http.StatusBadRequest, "invalid offset: must be a non-negative integer")
			return
		}
		filters.Offset = n
	}

	sessions, err := s.store.ListSessions(c.Request.Context(), filters)
	if err != nil {
		s.mapStoreError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

// getSessionHandler handles GET /api/v1/sessions/:id and returns the
// session with its answers and current votes.
func (s *Server) getSessionHandler(c *gin.Context) {
	detail, err := s.store.GetSessionDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.mapStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// submitSessionHandler handles POST /api/v1/sessions. The session runs in
// the background; its progress is observable through the other endpoints.
func (s *Server) submitSessionHandler(c *gin.Context) {
	if s.manager == nil {
		abortWithError(c, http.StatusServiceUnavailable, "session submission is not enabled")
		return
	}

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "task is required")
		return
	}

	id, err := s.manager.Submit(req.Task)
	if err != nil {
		s.mapManagerError(c, err)
		return
	}

	s.logger.Info("session submitted", "session_id", id)
	c.JSON(http.StatusAccepted, SubmitResponse{
		SessionID: id,
		Status:    string(models.SessionStatusRunning),
	})
}

// cancelSessionHandler handles POST /api/v1/sessions/:id/cancel.
func (s *Server) cancelSessionHandler(c *gin.Context) {
	if s.manager == nil {
		abortWithError(c, http.StatusServiceUnavailable, "session cancellation is not enabled")
		return
	}

	id := c.Param("id")
	if s.manager.Cancel(id) {
		c.JSON(http.StatusOK, CancelResponse{
			SessionID: id,
			Message:   "session cancellation requested",
		})
		return
	}

	// Not active: distinguish a session that never existed from one that
	// already ended.
	if _, err := s.store.GetSession(c.Request.Context(), id); err != nil {
		s.mapStoreError(c, err)
		return
	}
	abortWithError(c, http.StatusConflict, "session is not running")
}
