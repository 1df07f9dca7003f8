package coordination

import "errors"

// Sentinel errors returned by State mutations. Callers match with errors.Is
// and translate them into tool results for the calling agent.
var (
	// ErrSessionClosed is returned once the state is frozen after consensus
	// or session teardown; no further answers or votes are accepted.
	ErrSessionClosed = errors.New("session is closed")

	// ErrUnknownAgent is returned when an agent id was never configured.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrInvalidVoteTarget is returned when the target label is not the
	// current latest answer of any agent (unknown or superseded).
	ErrInvalidVoteTarget = errors.New("vote target is not a current answer")

	// ErrSelfVote is returned when an agent votes for its own answer.
	ErrSelfVote = errors.New("agent cannot vote for its own answer")

	// ErrMaxAttempts is returned when an agent has exhausted its answer budget.
	ErrMaxAttempts = errors.New("maximum answer attempts reached")
)
