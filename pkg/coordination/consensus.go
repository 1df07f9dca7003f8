package coordination

import (
	"strings"

	"github.com/massgen-ai/massgen/pkg/models"
)

// Reached evaluates the consensus predicate over the live agents: every live
// agent either holds an active vote, or authors a current answer that has at
// least one vote. Vote targets are always current answers (stale votes are
// removed synchronously) and self-votes are rejected at cast time, so any
// vote on an author's answer is necessarily from another agent.
func Reached(v View) bool {
	live := v.LiveAgents()
	if len(live) == 0 {
		return false
	}
	tally := v.Tally()
	for _, agent := range live {
		if _, voted := v.Votes[agent]; voted {
			continue
		}
		own, published := v.Latest[agent]
		if !published || tally[own.Label] == 0 {
			return false
		}
	}
	return true
}

// Winner selects the winning answer among the current answers: most votes,
// then earliest creation time, then lexicographically smallest author id.
// The same ranking serves both the consensus path and the timeout fallback,
// where zero votes everywhere degrades to "earliest published current answer".
// Returns false only when no answer was ever published.
func Winner(v View) (models.Answer, bool) {
	return pickBest(v.CurrentAnswers(), v.Tally())
}

// ForcedVoteTarget picks the answer a non-converging agent is voted onto:
// the best-ranked current answer authored by someone else. Returns false when
// no other agent has published, in which case the caller restarts the agent
// instead of forcing a vote.
func ForcedVoteTarget(v View, voter string) (models.Answer, bool) {
	return pickBest(v.OthersLatest(voter), v.Tally())
}

func pickBest(candidates []models.Answer, tally map[string]int) (models.Answer, bool) {
	var best models.Answer
	found := false
	for _, answer := range candidates {
		if !found || ranksAbove(answer, best, tally) {
			best = answer
			found = true
		}
	}
	return best, found
}

// ranksAbove reports whether a beats b under the winner ordering.
func ranksAbove(a, b models.Answer, tally map[string]int) bool {
	av, bv := tally[a.Label], tally[b.Label]
	if av != bv {
		return av > bv
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return strings.Compare(a.Author, b.Author) < 0
}
