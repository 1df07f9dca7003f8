package agent

import "github.com/massgen-ai/massgen/pkg/models"

// Event is a runner-to-orchestrator notification. All events carry the
// agent's ID and the coordination generation of the view the turn ran
// against; the orchestrator consumes them on a single queue.
type Event interface {
	Agent() string
	Gen() uint64
}

// Base carries the fields every runner event shares.
type Base struct {
	AgentID    string
	Generation uint64
}

func (b Base) Agent() string { return b.AgentID }
func (b Base) Gen() uint64   { return b.Generation }

// TextDelta is a streamed fragment of coordination-turn output.
type TextDelta struct {
	Base
	Text string
}

// ToolObserved reports a fully assembled tool call about to be dispatched.
type ToolObserved struct {
	Base
	CallID      string
	Tool        string
	ArgsSummary string
}

// AnswerPublished reports that the runner's new_answer call was accepted.
type AnswerPublished struct {
	Base
	Answer models.Answer
}

// VoteCast reports that the runner's vote call was accepted.
type VoteCast struct {
	Base
	Vote models.Vote
}

// NoAction reports a turn that ended without a coordination call even
// after one re-prompt. The orchestrator decides what happens next.
type NoAction struct {
	Base
}

// TurnFailed reports one failed turn. The runner retries on its own until
// its consecutive-failure budget is spent.
type TurnFailed struct {
	Base
	Err error
}

// RunnerFailed reports that the consecutive-failure budget is spent; the
// runner stops after emitting it.
type RunnerFailed struct {
	Base
	Err error
}

// FinalDelta is a streamed fragment of the winner's final presentation.
type FinalDelta struct {
	Base
	Text string
}

// FinalCompleted carries the full final-presentation text.
type FinalCompleted struct {
	Base
	Content string
}

// RunnerStopped is the runner's last event before its goroutine exits.
type RunnerStopped struct {
	Base
}
