package models

import "time"

// SessionStatus tracks a coordination session's lifecycle
type SessionStatus string

const (
	// SessionStatusRunning means agents are coordinating
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusCompleted means a winner was selected and presented
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusFailed means the session aborted with no winner
	SessionStatusFailed SessionStatus = "failed"
)

// IsValid checks if the session status is valid
func (s SessionStatus) IsValid() bool {
	return s == SessionStatusRunning || s == SessionStatusCompleted || s == SessionStatusFailed
}

// OutcomeReason explains how a session reached its winner (or didn't)
type OutcomeReason string

const (
	// OutcomeConsensus means the consensus predicate held
	OutcomeConsensus OutcomeReason = "consensus"
	// OutcomeFallbackTimeout means the session deadline forced winner selection
	OutcomeFallbackTimeout OutcomeReason = "fallback_timeout"
	// OutcomeFallbackFailures means fewer than two agents survived
	OutcomeFallbackFailures OutcomeReason = "fallback_failures"
	// OutcomeAborted means the session ended with no winner
	OutcomeAborted OutcomeReason = "aborted"
)

// Session is the persisted record of one coordination session.
type Session struct {
	ID           string        `json:"id"`
	Task         string        `json:"task"`
	Status       SessionStatus `json:"status"`
	Outcome      OutcomeReason `json:"outcome,omitempty"`
	WinnerLabel  string        `json:"winner_label,omitempty"`
	FinalContent string        `json:"final_content,omitempty"`
	AgentCount   int           `json:"agent_count"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// SessionOutcome is the in-memory result handed back by the orchestrator.
type SessionOutcome struct {
	Winner       *Answer
	FinalContent string
	Reason       OutcomeReason
}

// SessionFilters contains filtering options for listing sessions
type SessionFilters struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// SessionDetail is a session plus its published answers and current votes,
// as served by the observation API.
type SessionDetail struct {
	Session Session  `json:"session"`
	Answers []Answer `json:"answers"`
	Votes   []Vote   `json:"votes"`
}
