package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// subscribeTimeout bounds how long the server waits for the client's
// subscribe message after the upgrade.
const subscribeTimeout = 10 * time.Second

// subscribeRequest is the first client message on a session websocket.
// LastSeq is the highest seq the client already holds; the stream resumes
// right after it.
type subscribeRequest struct {
	Action  string `json:"action"`
	LastSeq int64  `json:"last_seq"`
}

// wsHandler handles GET /api/v1/sessions/:id/ws: upgrade, read the
// subscribe message, replay journal events after last_seq, then follow the
// live bus until the session ends or the client disconnects.
func (s *Server) wsHandler(c *gin.Context) {
	sessionID := c.Param("id")

	// Unknown sessions are rejected before the upgrade.
	if _, err := s.store.GetSession(c.Request.Context(), sessionID); err != nil {
		s.mapStoreError(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := c.Request.Context()

	sub, err := readSubscribe(ctx, conn)
	if err != nil {
		s.logger.Debug("websocket subscribe failed", "session_id", sessionID, "error", err)
		conn.Close(websocket.StatusPolicyViolation, "expected subscribe message")
		return
	}

	err = s.bridge.Stream(ctx, sessionID, sub.LastSeq, func(ctx context.Context, data []byte) error {
		return conn.Write(ctx, websocket.MessageText, data)
	})
	if err != nil {
		// Client disconnects land here; they are routine.
		s.logger.Debug("websocket stream ended", "session_id", sessionID, "error", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

func readSubscribe(ctx context.Context, conn *websocket.Conn) (subscribeRequest, error) {
	readCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	var req subscribeRequest
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("malformed subscribe message: %w", err)
	}
	if req.Action != "subscribe" {
		return req, fmt.Errorf("unexpected action %q", req.Action)
	}
	if req.LastSeq < 0 {
		req.LastSeq = 0
	}
	return req, nil
}
