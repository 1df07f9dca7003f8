// Package events carries a session's observable history: an in-process bus
// fans typed events out to subscribers (journal, API websockets, CLI
// display), and a journal persists them for catchup and audit.
//
// All events of a session are published from the orchestrator's event loop,
// so Seq order is both publish order and causal order. Subscribers consume
// at their own pace; text deltas coalesce when a subscriber falls behind,
// coordination events are never dropped.
package events

import (
	"encoding/json"
	"time"
)

// EventType names a session event on the wire and in the journal.
type EventType string

const (
	TypeSessionStarted     EventType = "session.started"
	TypeAgentStarted       EventType = "agent.started"
	TypeAgentTextDelta     EventType = "agent.text_delta"
	TypeToolCallObserved   EventType = "tool.call_observed"
	TypeAnswerPublished    EventType = "answer.published"
	TypeVoteCast           EventType = "vote.cast"
	TypeAgentStatusChanged EventType = "agent.status_changed"
	TypeConsensusReached   EventType = "consensus.reached"
	TypeFinalAnswerDelta   EventType = "final.answer_delta"
	TypeSessionEnded       EventType = "session.ended"
)

// Event is the envelope every subscriber receives and the journal persists.
// Seq is assigned by the bus and is strictly increasing per session.
// Generation is the coordination generation at publish time. AgentID is
// empty for session-scoped events.
type Event struct {
	SessionID  string          `json:"session_id"`
	Seq        int64           `json:"seq"`
	Generation uint64          `json:"generation"`
	Type       EventType       `json:"type"`
	AgentID    string          `json:"agent_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// isDelta reports whether the event is a streaming text fragment. Only
// these coalesce under backpressure.
func (e Event) isDelta() bool {
	return e.Type == TypeAgentTextDelta || e.Type == TypeFinalAnswerDelta
}
