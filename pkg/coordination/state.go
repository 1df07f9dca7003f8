// Package coordination holds the shared state that agents converge on during
// a session: published answers, active votes, and per-agent status.
//
// One State exists per session and is mutated exclusively by the orchestrator
// goroutine in response to runner events. Everything other goroutines see is
// an immutable View snapshot, so the package needs no locks; single-goroutine
// confinement is the concurrency contract.
package coordination

import (
	"fmt"
	"sort"
	"time"

	"github.com/massgen-ai/massgen/pkg/models"
)

// State is the authoritative coordination record for one session.
// All mutating methods must be called from the owning orchestrator goroutine.
type State struct {
	agents      []string       // configured order; ordinal = index+1
	ordinals    map[string]int // agent id -> 1-based ordinal
	maxAttempts int

	answers  []models.Answer          // publication order, entries never mutated
	latest   map[string]models.Answer // author -> most recent answer
	votes    map[string]models.Vote   // voter -> active vote
	statuses map[string]models.AgentStatus
	attempts map[string]int // author -> attempts used so far

	generation uint64
	frozen     bool

	now func() time.Time
}

// NewState creates the coordination state for the configured agents.
// Agent ordinals used in answer labels follow the given order (1-based).
func NewState(agentIDs []string, maxAttempts int) *State {
	s := &State{
		agents:      append([]string(nil), agentIDs...),
		ordinals:    make(map[string]int, len(agentIDs)),
		maxAttempts: maxAttempts,
		latest:      make(map[string]models.Answer),
		votes:       make(map[string]models.Vote),
		statuses:    make(map[string]models.AgentStatus, len(agentIDs)),
		attempts:    make(map[string]int, len(agentIDs)),
		now:         time.Now,
	}
	for i, id := range agentIDs {
		s.ordinals[id] = i + 1
		s.statuses[id] = models.AgentStatusIdle
	}
	return s
}

// Generation returns the current state generation. It increases strictly on
// every externally visible mutation and never decreases.
func (s *State) Generation() uint64 {
	return s.generation
}

// Frozen reports whether the state stopped accepting answers and votes.
func (s *State) Frozen() bool {
	return s.frozen
}

// Freeze rejects all subsequent answers and votes. Idempotent. Status updates
// remain allowed so terminal statuses can still be recorded during teardown.
func (s *State) Freeze() {
	s.frozen = true
}

// Ordinal returns the 1-based ordinal assigned to the agent, or 0 if unknown.
func (s *State) Ordinal(agentID string) int {
	return s.ordinals[agentID]
}

// ApplyNewAnswer publishes a new answer for agent, superseding its previous
// latest answer. Votes that targeted the superseded answer are removed in the
// same mutation; the affected voters are returned so the orchestrator can
// restart them. Bumps the generation exactly once.
func (s *State) ApplyNewAnswer(agent, content, snapshotID string) (models.Answer, []string, error) {
	if s.frozen {
		return models.Answer{}, nil, ErrSessionClosed
	}
	ordinal, ok := s.ordinals[agent]
	if !ok {
		return models.Answer{}, nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	if s.attempts[agent] >= s.maxAttempts {
		return models.Answer{}, nil, fmt.Errorf("%w: agent %q used %d of %d", ErrMaxAttempts, agent, s.attempts[agent], s.maxAttempts)
	}

	attempt := s.attempts[agent] + 1
	s.attempts[agent] = attempt

	answer := models.Answer{
		Label:      models.AnswerLabel(ordinal, attempt),
		Author:     agent,
		Content:    content,
		SnapshotID: snapshotID,
		Attempt:    attempt,
		CreatedAt:  s.now().UTC(),
	}

	var invalidated []string
	if prev, had := s.latest[agent]; had {
		for voter, vote := range s.votes {
			if vote.TargetLabel == prev.Label {
				delete(s.votes, voter)
				invalidated = append(invalidated, voter)
			}
		}
		sort.Strings(invalidated)
	}

	s.latest[agent] = answer
	s.answers = append(s.answers, answer)
	s.generation++
	return answer, invalidated, nil
}

// ApplyVote records voter's choice of the current answer with target label,
// replacing any prior vote from the same voter. Re-casting an identical vote
// is a no-op that returns the existing vote without bumping the generation.
func (s *State) ApplyVote(voter, targetLabel, reason string) (models.Vote, error) {
	if s.frozen {
		return models.Vote{}, ErrSessionClosed
	}
	if _, ok := s.ordinals[voter]; !ok {
		return models.Vote{}, fmt.Errorf("%w: %q", ErrUnknownAgent, voter)
	}
	target, ok := s.currentAnswer(targetLabel)
	if !ok {
		return models.Vote{}, fmt.Errorf("%w: %q", ErrInvalidVoteTarget, targetLabel)
	}
	if target.Author == voter {
		return models.Vote{}, fmt.Errorf("%w: %q voted for %q", ErrSelfVote, voter, targetLabel)
	}

	if existing, had := s.votes[voter]; had && existing.TargetLabel == targetLabel && existing.Reason == reason {
		return existing, nil
	}

	vote := models.Vote{
		Voter:       voter,
		TargetLabel: targetLabel,
		Reason:      reason,
		CastAt:      s.now().UTC(),
	}
	s.votes[voter] = vote
	s.generation++
	return vote, nil
}

// ApplyStatus records the agent's lifecycle status. The generation is bumped
// only for externally visible changes: an agent leaving the live set (Failed)
// alters how consensus is evaluated, while the remaining transitions are
// internal runner bookkeeping that other agents never observe in prompts.
// Returns whether the generation was bumped.
func (s *State) ApplyStatus(agent string, status models.AgentStatus) (bool, error) {
	if _, ok := s.ordinals[agent]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	if !status.IsValid() {
		return false, fmt.Errorf("invalid agent status %q", status)
	}
	if s.statuses[agent] == status {
		return false, nil
	}
	s.statuses[agent] = status
	if status == models.AgentStatusFailed {
		s.generation++
		return true, nil
	}
	return false, nil
}

// currentAnswer looks up label among the latest answers only; superseded
// labels are not votable.
func (s *State) currentAnswer(label string) (models.Answer, bool) {
	for _, answer := range s.latest {
		if answer.Label == label {
			return answer, true
		}
	}
	return models.Answer{}, false
}
