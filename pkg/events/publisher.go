package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/massgen-ai/massgen/pkg/models"
)

// Publisher is the typed write side of the bus. One method per event type
// keeps payload construction in one place; callers never hand-build JSON.
type Publisher struct {
	bus    *Bus
	logger *slog.Logger
}

// NewPublisher wraps a bus with typed publish methods.
func NewPublisher(bus *Bus, logger *slog.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger.With("component", "event_publisher")}
}

// SessionStarted opens the stream. Always the first event, seq 1.
func (p *Publisher) SessionStarted(task string, agentCount int, planningMode bool) {
	p.emit(TypeSessionStarted, "", 0, SessionStartedPayload{
		Task:         task,
		AgentCount:   agentCount,
		PlanningMode: planningMode,
	})
}

// AgentStarted announces a runner joining the session.
func (p *Publisher) AgentStarted(generation uint64, agentID string, ordinal int, backendRef, workspaceDir string) {
	p.emit(TypeAgentStarted, agentID, generation, AgentStartedPayload{
		Ordinal:    ordinal,
		BackendRef: backendRef,
		Workspace:  workspaceDir,
	})
}

// TextDelta streams a coordination-turn text fragment.
func (p *Publisher) TextDelta(generation uint64, agentID, text string) {
	p.emit(TypeAgentTextDelta, agentID, generation, TextDeltaPayload{Text: text})
}

// ToolCallObserved reports a tool call about to be dispatched.
func (p *Publisher) ToolCallObserved(generation uint64, agentID, callID, tool, argsSummary string) {
	p.emit(TypeToolCallObserved, agentID, generation, ToolCallObservedPayload{
		CallID:      callID,
		Tool:        tool,
		ArgsSummary: argsSummary,
	})
}

// AnswerPublished records a new answer and the votes it invalidated.
func (p *Publisher) AnswerPublished(generation uint64, answer models.Answer, invalidated []string) {
	p.emit(TypeAnswerPublished, answer.Author, generation, AnswerPublishedPayload{
		Label:             answer.Label,
		Content:           answer.Content,
		SnapshotID:        answer.SnapshotID,
		Attempt:           answer.Attempt,
		CreatedAt:         answer.CreatedAt,
		InvalidatedVoters: invalidated,
	})
}

// VoteCast records a vote for a current answer.
func (p *Publisher) VoteCast(generation uint64, vote models.Vote) {
	p.emit(TypeVoteCast, vote.Voter, generation, VoteCastPayload{
		TargetLabel: vote.TargetLabel,
		Reason:      vote.Reason,
		CastAt:      vote.CastAt,
	})
}

// StatusChanged reports a runner status transition.
func (p *Publisher) StatusChanged(generation uint64, agentID string, status, previous models.AgentStatus, detail string) {
	p.emit(TypeAgentStatusChanged, agentID, generation, AgentStatusChangedPayload{
		Status:   status,
		Previous: previous,
		Detail:   detail,
	})
}

// ConsensusReached marks the end of coordination.
func (p *Publisher) ConsensusReached(generation uint64, winner models.Answer, tally map[string]int) {
	p.emit(TypeConsensusReached, winner.Author, generation, ConsensusReachedPayload{
		WinnerLabel: winner.Label,
		Author:      winner.Author,
		Tally:       tally,
	})
}

// FinalAnswerDelta streams the winner's final-presentation text.
func (p *Publisher) FinalAnswerDelta(generation uint64, agentID, text string) {
	p.emit(TypeFinalAnswerDelta, agentID, generation, TextDeltaPayload{Text: text})
}

// SessionEnded closes the stream. Always the last event.
func (p *Publisher) SessionEnded(generation uint64, status models.SessionStatus, outcome models.OutcomeReason, winnerLabel string, duration time.Duration) {
	p.emit(TypeSessionEnded, "", generation, SessionEndedPayload{
		Status:      status,
		Outcome:     outcome,
		WinnerLabel: winnerLabel,
		DurationMS:  duration.Milliseconds(),
	})
}

func (p *Publisher) emit(typ EventType, agentID string, generation uint64, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal event payload", "type", typ, "error", err)
		return
	}
	p.bus.publish(typ, agentID, generation, raw)
}
