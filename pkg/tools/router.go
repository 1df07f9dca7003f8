package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/massgen-ai/massgen/pkg/mcp"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/workspace"
)

// External abstracts the MCP executor so tests can substitute a fake.
type External interface {
	Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error)
	ListTools(ctx context.Context) ([]models.ToolDefinition, error)
	Close() error
}

// Compile-time check that the MCP executor satisfies External.
var _ External = (*mcp.Executor)(nil)

// RouterDeps bundles what a Router needs. External may be nil when the
// session has no tool servers configured.
type RouterDeps struct {
	External  External
	Workspace *workspace.Manager

	// Apply delivers coordination mutations to the orchestrator loop.
	Apply chan<- ApplyRequest

	// Ledger collects deferred side-effecting calls; shared with the
	// orchestrator, which replays the winner's entries at final time.
	Ledger *DeferralLedger

	PlanningMode bool
	ToolTimeout  time.Duration
	Logger       *slog.Logger
}

// Router dispatches completed tool calls by name: coordination tools to the
// orchestrator, workspace tools to the workspace manager, everything else to
// the MCP executor. One Router serves all runners of a session.
type Router struct {
	external    External
	workspace   *workspace.Manager
	apply       chan<- ApplyRequest
	ledger      *DeferralLedger
	planning    bool
	toolTimeout time.Duration
	logger      *slog.Logger

	// External tools listed at session start, in canonical server.tool
	// form, plus their side-effect classes for the planning filter.
	externalDefs []models.ToolDefinition
	classes      map[string]models.SideEffectClass

	// Agents exempted from planning restrictions (the winner during final
	// presentation), and the structured outcome of each agent's most recent
	// successful coordination call.
	mu       sync.Mutex
	exempt   map[string]bool
	outcomes map[string]Outcome
}

// NewRouter creates the session's tool router. externalTools is the
// executor's tool list from session start; it seeds both the tool set
// offered in prompts and the side-effect classes planning mode filters on.
func NewRouter(deps RouterDeps, externalTools []models.ToolDefinition) *Router {
	classes := make(map[string]models.SideEffectClass, len(externalTools))
	for _, def := range externalTools {
		classes[def.Name] = def.SideEffects
	}
	return &Router{
		external:     deps.External,
		workspace:    deps.Workspace,
		apply:        deps.Apply,
		ledger:       deps.Ledger,
		planning:     deps.PlanningMode,
		toolTimeout:  deps.ToolTimeout,
		logger:       deps.Logger.With("component", "tool_router"),
		externalDefs: append([]models.ToolDefinition(nil), externalTools...),
		classes:      classes,
		exempt:       make(map[string]bool),
		outcomes:     make(map[string]Outcome),
	}
}

// Definitions returns every tool the agent may call during coordination:
// coordination tools, workspace tools, then external tools.
func (r *Router) Definitions() []models.ToolDefinition {
	defs := CoordinationDefinitions()
	defs = append(defs, WorkspaceDefinitions()...)
	defs = append(defs, r.externalDefs...)
	return defs
}

// FinalDefinitions returns the tool set for the final-presentation turn:
// workspace and external tools only, no coordination tools. Planning
// restrictions are lifted separately via LiftPlanning.
func (r *Router) FinalDefinitions() []models.ToolDefinition {
	defs := WorkspaceDefinitions()
	defs = append(defs, r.externalDefs...)
	return defs
}

// Route dispatches one completed tool call on behalf of agent. The error
// return is reserved for context cancellation; every tool failure comes
// back inside the result.
func (r *Router) Route(ctx context.Context, agent string, call models.ToolCall) (models.ToolResult, error) {
	switch {
	case coordinationToolNames[call.Name]:
		return r.executeCoordinationTool(ctx, agent, call)
	case workspaceToolNames[call.Name]:
		if r.deferred(agent, call.Name, workspaceClass(call.Name)) {
			return r.deferCall(agent, call), nil
		}
		return r.executeWorkspaceTool(agent, call), nil
	default:
		return r.executeExternalTool(ctx, agent, call)
	}
}

// LiftPlanning exempts one agent from planning-mode deferral. Called for
// the winner before its final-presentation turn.
func (r *Router) LiftPlanning(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exempt[agent] = true
}

// Close shuts down the external executor, if any.
func (r *Router) Close() error {
	if r.external == nil {
		return nil
	}
	return r.external.Close()
}

// deferred reports whether planning mode intercepts this call. Only tools
// positively classified side_effecting are deferred; names the session
// never listed fall through and fail in the executor instead.
func (r *Router) deferred(agent, name string, class models.SideEffectClass) bool {
	if !r.planning || class != models.SideEffectSideEffecting {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.exempt[agent]
}

// deferCall records the interception and builds the synthetic result the
// agent sees in place of real output.
func (r *Router) deferCall(agent string, call models.ToolCall) models.ToolResult {
	r.ledger.Record(agent, call)
	r.logger.Debug("tool call deferred", "agent", agent, "tool", call.Name)
	return models.ToolResult{
		CallID: call.ID,
		OK:     true,
		Content: fmt.Sprintf(
			"Deferred: %s has side effects and planning mode is active. "+
				"The call was recorded and will be offered to the winning agent "+
				"during final presentation. Continue planning.", call.Name),
	}
}

func (r *Router) executeExternalTool(ctx context.Context, agent string, call models.ToolCall) (models.ToolResult, error) {
	if r.external == nil {
		return failure(call.ID, models.ErrorKindTool, fmt.Sprintf("unknown tool: %s", call.Name)), nil
	}

	canonical := mcp.NormalizeToolName(call.Name)
	if r.deferred(agent, canonical, r.classes[canonical]) {
		return r.deferCall(agent, call), nil
	}

	callCtx := ctx
	if r.toolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.toolTimeout)
		defer cancel()
	}

	result, err := r.external.Execute(callCtx, call)
	if err != nil {
		// The executor surfaces context errors; a fired per-call deadline
		// is a tool failure, not a turn termination.
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return failure(call.ID, models.ErrorKindTool,
				fmt.Sprintf("tool call timed out after %s", r.toolTimeout)), nil
		}
		return models.ToolResult{}, err
	}
	return result, nil
}

// workspaceClass returns the declared side-effect class of a workspace tool.
func workspaceClass(name string) models.SideEffectClass {
	for _, def := range workspaceTools {
		if def.Name == name {
			return def.SideEffects
		}
	}
	return models.SideEffectSideEffecting
}
