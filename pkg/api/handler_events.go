package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/massgen-ai/massgen/pkg/models"
)

// listEventsHandler handles GET /api/v1/sessions/:id/events, one journal
// page with seq > after_seq in seq order. Clients page by passing the last
// seq they saw.
func (s *Server) listEventsHandler(c *gin.Context) {
	id := c.Param("id")

	var afterSeq int64
	if v := c.Query("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			abortWithError(c, http.StatusBadRequest, "invalid after_seq: must be a non-negative integer")
			return
		}
		afterSeq = n
	}
	var limit int
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, "invalid limit: must be a positive integer")
			return
		}
		limit = n
	}

	// An unknown session is a 404, not an empty page.
	if _, err := s.store.GetSession(c.Request.Context(), id); err != nil {
		s.mapStoreError(c, err)
		return
	}

	events, err := s.store.ListEvents(c.Request.Context(), id, afterSeq, limit)
	if err != nil {
		s.mapStoreError(c, err)
		return
	}
	if events == nil {
		events = []models.JournalEvent{}
	}
	c.JSON(http.StatusOK, events)
}
