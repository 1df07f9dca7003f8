package agent

import (
	"github.com/massgen-ai/massgen/pkg/coordination"
	"github.com/massgen-ai/massgen/pkg/models"
)

// Directive is an orchestrator-to-runner instruction. Runners act on one
// directive at a time; queued directives coalesce so a runner that was
// busy acts on the freshest state instead of replaying stale ones.
type Directive interface {
	isDirective()
}

// Start begins the first coordination turn against the initial view.
type Start struct {
	View coordination.View
}

// Restart aborts any in-flight turn and begins a new one against a fresher
// view.
type Restart struct {
	View coordination.View
}

// ForceVote casts a vote on the runner's behalf without a model turn. Sent
// after the runner reported NoAction.
type ForceVote struct {
	View   coordination.View
	Target models.Answer
}

// Final runs the winner's final-presentation turn.
type Final struct {
	View   coordination.View
	Winner models.Answer
	Hints  []models.DeferredCall
}

// Stop ends the runner's loop.
type Stop struct{}

func (Start) isDirective()     {}
func (Restart) isDirective()   {}
func (ForceVote) isDirective() {}
func (Final) isDirective()     {}
func (Stop) isDirective()      {}

// supersede picks which of two pending directives to act on. Later
// directives carry fresher views, so the newer one wins unless the current
// directive is terminal.
func supersede(cur, next Directive) Directive {
	switch cur.(type) {
	case Stop:
		return cur
	case Final:
		if _, ok := next.(Stop); ok {
			return next
		}
		return cur
	default:
		return next
	}
}
