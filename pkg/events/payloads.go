package events

import (
	"time"

	"github.com/massgen-ai/massgen/pkg/models"
)

// Payload structs for each event type. The bus carries them pre-marshaled
// so the journal and websocket bridge forward bytes without re-encoding.

// SessionStartedPayload opens every session's event stream.
type SessionStartedPayload struct {
	Task         string `json:"task"`
	AgentCount   int    `json:"agent_count"`
	PlanningMode bool   `json:"planning_mode"`
}

// AgentStartedPayload announces one runner joining the session.
type AgentStartedPayload struct {
	Ordinal    int    `json:"ordinal"`
	BackendRef string `json:"backend_ref,omitempty"`
	Workspace  string `json:"workspace,omitempty"`
}

// TextDeltaPayload is a streamed text fragment, for both coordination
// turns and the final presentation. Fragments merge under backpressure.
type TextDeltaPayload struct {
	Text string `json:"text"`
}

// ToolCallObservedPayload reports one completed tool-call request before
// it is dispatched. ArgsSummary is truncated and masked display text, not
// the raw arguments.
type ToolCallObservedPayload struct {
	CallID      string `json:"call_id"`
	Tool        string `json:"tool"`
	ArgsSummary string `json:"args_summary,omitempty"`
}

// AnswerPublishedPayload records a new answer entering the shared state.
// InvalidatedVoters lists agents whose votes the answer superseded, in
// the same generation.
type AnswerPublishedPayload struct {
	Label             string    `json:"label"`
	Content           string    `json:"content"`
	SnapshotID        string    `json:"snapshot_id,omitempty"`
	Attempt           int       `json:"attempt"`
	CreatedAt         time.Time `json:"created_at"`
	InvalidatedVoters []string  `json:"invalidated_voters,omitempty"`
}

// VoteCastPayload records a vote for a current answer.
type VoteCastPayload struct {
	TargetLabel string    `json:"target_label"`
	Reason      string    `json:"reason,omitempty"`
	CastAt      time.Time `json:"cast_at"`
}

// AgentStatusChangedPayload reports a runner status transition.
type AgentStatusChangedPayload struct {
	Status   models.AgentStatus `json:"status"`
	Previous models.AgentStatus `json:"previous,omitempty"`
	Detail   string             `json:"detail,omitempty"`
}

// ConsensusReachedPayload marks the end of coordination.
type ConsensusReachedPayload struct {
	WinnerLabel string         `json:"winner_label"`
	Author      string         `json:"author"`
	Tally       map[string]int `json:"tally,omitempty"`
}

// SessionEndedPayload closes every session's event stream.
type SessionEndedPayload struct {
	Status      models.SessionStatus `json:"status"`
	Outcome     models.OutcomeReason `json:"outcome"`
	WinnerLabel string               `json:"winner_label,omitempty"`
	DurationMS  int64                `json:"duration_ms"`
}
