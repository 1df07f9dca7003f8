package workspace

import "errors"

// Sentinel errors surfaced to the tool router, which maps all three access
// errors onto policy-violation tool results.
var (
	// ErrPathEscape is returned when a path resolves outside the agent's
	// work directory, directly or through symlinks.
	ErrPathEscape = errors.New("path escapes the agent workspace")

	// ErrPolicyDenied is returned when the configured Policy rejects the
	// operation.
	ErrPolicyDenied = errors.New("operation denied by workspace policy")

	// ErrReadBeforeDelete is returned when an agent tries to delete a path
	// it neither created nor read during this session.
	ErrReadBeforeDelete = errors.New("path was neither created nor read this session")

	// ErrUnknownSnapshot is returned for snapshot ids that do not exist.
	ErrUnknownSnapshot = errors.New("unknown snapshot")

	// ErrNoSharedView is returned when reading from an agent that has not
	// published a snapshot yet.
	ErrNoSharedView = errors.New("agent has no published snapshot")
)
