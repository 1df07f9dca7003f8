package workspace

// Op is a workspace operation class checked against the Policy.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// Policy decides whether an agent may perform an operation on a path. The
// path is relative to the agent's work directory and already canonical; the
// escape check has run before the policy is consulted. Implementations must
// be safe for concurrent use.
type Policy interface {
	May(agent string, op Op, path string) error
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(agent string, op Op, path string) error

// May implements Policy.
func (f PolicyFunc) May(agent string, op Op, path string) error {
	return f(agent, op, path)
}

// AllowAll permits every operation inside the agent's own work directory.
// It is the default: the resolution step already confines agents to their
// own subtree, so the base policy has nothing further to restrict.
func AllowAll() Policy {
	return PolicyFunc(func(string, Op, string) error { return nil })
}
