package models

// AgentStatus defines the lifecycle states of a coordinating agent
type AgentStatus string

const (
	// AgentStatusIdle means the runner exists but has not started a turn
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusWorking means a backend turn is in flight
	AgentStatusWorking AgentStatus = "working"
	// AgentStatusAnswerPublished means the agent's latest turn produced a new answer
	AgentStatusAnswerPublished AgentStatus = "answer_published"
	// AgentStatusVoted means the agent holds a current vote
	AgentStatusVoted AgentStatus = "voted"
	// AgentStatusRestarted means the agent was told to rebuild context and re-enter working
	AgentStatusRestarted AgentStatus = "restarted"
	// AgentStatusCompleted is terminal: the agent voted or authored the winning answer
	AgentStatusCompleted AgentStatus = "completed"
	// AgentStatusFailed is terminal: the agent gave up (backend failures, no action)
	AgentStatusFailed AgentStatus = "failed"
)

// IsValid checks if the agent status is valid
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusIdle,
		AgentStatusWorking,
		AgentStatusAnswerPublished,
		AgentStatusVoted,
		AgentStatusRestarted,
		AgentStatusCompleted,
		AgentStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends the agent's participation
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusCompleted || s == AgentStatusFailed
}
