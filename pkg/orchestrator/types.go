package orchestrator

import (
	"context"
	"log/slog"

	"github.com/massgen-ai/massgen/pkg/agent"
	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/masking"
	"github.com/massgen-ai/massgen/pkg/tools"
	"github.com/massgen-ai/massgen/pkg/workspace"
)

// Config holds the per-session constants the orchestrator runs with.
type Config struct {
	SessionID string
	Task      string
	Agents    []config.AgentConfig
	Session   config.SessionConfig
}

// Deps wires the orchestrator into the session's infrastructure. Backends
// maps agent IDs to their resolved backend clients. Apply is the receive
// side of the channel the tool router sends coordination mutations on.
type Deps struct {
	Workspace *workspace.Manager
	Router    *tools.Router
	Apply     <-chan tools.ApplyRequest
	Ledger    *tools.DeferralLedger
	Publisher *events.Publisher
	Backends  map[string]backend.Backend
	Prompts   agent.PromptBuilder
	Masker    *masking.Masker
	Logger    *slog.Logger
}

// runnerHandle is the orchestrator's bookkeeping for one runner: its
// cancel function, and the generation its current turn started at, which
// drives restart targeting.
type runnerHandle struct {
	id      string
	ordinal int
	runner  *agent.Runner
	cancel  context.CancelFunc

	// turnGen is the generation embedded in the last directive sent. A
	// handle whose turnGen trails the state generation is working against
	// stale context.
	turnGen uint64

	// stopped means no more directives will reach this runner: it failed,
	// was canceled, or the session is shutting down.
	stopped bool
}
