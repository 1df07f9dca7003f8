package models

import (
	"encoding/json"
	"time"
)

// JournalEvent is one persisted domain event. Seq orders events within a
// session; Generation is the coordination-state version the event was
// produced at. The journal is advisory (inspection and WS catchup), not a
// recovery log.
type JournalEvent struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	Seq        int64           `json:"seq"`
	Generation uint64          `json:"generation"`
	Type       string          `json:"type"`
	AgentID    string          `json:"agent_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}
