package coordination

import (
	"maps"
	"slices"
	"strings"

	"github.com/massgen-ai/massgen/pkg/models"
)

// View is an immutable snapshot of the coordination state, labeled with the
// generation it was taken at. Views are safe to share across goroutines and
// are what prompt building, consensus checks, and the event bus consume.
type View struct {
	Generation uint64
	Frozen     bool

	Agents   []string                 // configured order
	Answers  []models.Answer          // every published answer, publication order
	Latest   map[string]models.Answer // author -> current answer
	Votes    map[string]models.Vote   // voter -> active vote
	Statuses map[string]models.AgentStatus
	Attempts map[string]int
}

// View snapshots the current state. The copy is shallow but sufficient:
// answers and votes are value types and are never mutated after insertion.
func (s *State) View() View {
	return View{
		Generation: s.generation,
		Frozen:     s.frozen,
		Agents:     slices.Clone(s.agents),
		Answers:    slices.Clone(s.answers),
		Latest:     maps.Clone(s.latest),
		Votes:      maps.Clone(s.votes),
		Statuses:   maps.Clone(s.statuses),
		Attempts:   maps.Clone(s.attempts),
	}
}

// Tally counts active votes per target label. Labels with zero votes are
// absent from the map.
func (v View) Tally() map[string]int {
	tally := make(map[string]int, len(v.Votes))
	for _, vote := range v.Votes {
		tally[vote.TargetLabel]++
	}
	return tally
}

// LiveAgents returns the agents that have not failed, in configured order.
func (v View) LiveAgents() []string {
	live := make([]string, 0, len(v.Agents))
	for _, id := range v.Agents {
		if v.Statuses[id] != models.AgentStatusFailed {
			live = append(live, id)
		}
	}
	return live
}

// CurrentAnswers returns the latest answer of every author, ordered by
// creation time with the label as a deterministic fallback.
func (v View) CurrentAnswers() []models.Answer {
	answers := make([]models.Answer, 0, len(v.Latest))
	for _, answer := range v.Latest {
		answers = append(answers, answer)
	}
	slices.SortFunc(answers, func(a, b models.Answer) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})
	return answers
}

// CurrentAnswer looks up a label among the latest answers only.
func (v View) CurrentAnswer(label string) (models.Answer, bool) {
	for _, answer := range v.Latest {
		if answer.Label == label {
			return answer, true
		}
	}
	return models.Answer{}, false
}

// OthersLatest returns the current answers authored by agents other than
// agentID, in the same deterministic order as CurrentAnswers.
func (v View) OthersLatest(agentID string) []models.Answer {
	answers := v.CurrentAnswers()
	others := answers[:0]
	for _, answer := range answers {
		if answer.Author != agentID {
			others = append(others, answer)
		}
	}
	return others
}

// OwnLatest returns agentID's current answer, if it has published one.
func (v View) OwnLatest(agentID string) (models.Answer, bool) {
	answer, ok := v.Latest[agentID]
	return answer, ok
}

// VoteOf returns agentID's active vote, if it holds one.
func (v View) VoteOf(agentID string) (models.Vote, bool) {
	vote, ok := v.Votes[agentID]
	return vote, ok
}
