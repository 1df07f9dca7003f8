package session

import (
	"context"
	"fmt"
	"time"

	"github.com/massgen-ai/massgen/pkg/agent/prompt"
	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/cleanup"
	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/mcp"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/orchestrator"
	"github.com/massgen-ai/massgen/pkg/tools"
	"github.com/massgen-ai/massgen/pkg/workspace"
)

// applyBuffer sizes the router-to-orchestrator mutation channel. Apply
// calls are request/reply round-trips, so the buffer only absorbs bursts
// from parallel runners hitting coordination tools at once.
const applyBuffer = 16

// finishTimeout bounds the terminal store write, which runs on its own
// context because the session's context is usually already dead by then.
const finishTimeout = 5 * time.Second

// runSession wires and runs one session: workspace, event bus, journal,
// MCP tool servers, tool router, and orchestrator, in that order, then
// unwinds them in reverse. The error return covers wiring failures;
// coordination failures come back as an outcome with no winner.
func (m *Manager) runSession(ctx context.Context, id, task string) (*models.SessionOutcome, error) {
	logger := m.logger.With("session_id", id)
	startedAt := time.Now().UTC()

	backends, err := m.resolveBackends()
	if err != nil {
		return nil, err
	}

	ws, err := workspace.NewManager(m.cfg.Session.WorkspaceRoot, id, workspace.AllowAll(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare session workspace: %w", err)
	}

	bus := events.NewBus(id, logger)
	m.setBus(id, bus)
	if m.OnBus != nil {
		m.OnBus(id, bus)
	}

	var recorder events.Recorder
	if m.store != nil {
		recorder = m.store
	}
	journal, err := events.NewJournal(bus.Subscribe("journal"), ws.LogDir(), recorder, logger)
	if err != nil {
		bus.Close()
		return nil, err
	}

	if m.store != nil {
		err := m.store.CreateSession(ctx, models.Session{
			ID:         id,
			Task:       task,
			Status:     models.SessionStatusRunning,
			AgentCount: len(m.cfg.Agents),
			StartedAt:  startedAt,
		})
		if err != nil {
			// The store is advisory; the session runs regardless.
			logger.Error("failed to record session start", "error", err)
		}
	}

	mcpClient := m.NewMCPClient(logger)
	serverIDs := m.cfg.AllToolServerIDs()
	if len(serverIDs) > 0 {
		if err := mcpClient.Initialize(ctx, serverIDs); err != nil {
			logger.Warn("tool server initialization failed", "error", err)
		}
		for serverID, reason := range mcpClient.FailedServers() {
			logger.Warn("session continues without tool server",
				"server", serverID, "reason", reason)
		}
	}
	executor := mcp.NewExecutor(mcpClient, m.cfg.ToolServerRegistry, serverIDs,
		allowedTools(m.cfg.Agents), m.masker, logger)

	externalDefs, err := executor.ListTools(ctx)
	if err != nil {
		logger.Warn("failed to list external tools", "error", err)
	}

	applyCh := make(chan tools.ApplyRequest, applyBuffer)
	ledger := tools.NewDeferralLedger()
	router := tools.NewRouter(tools.RouterDeps{
		External:     executor,
		Workspace:    ws,
		Apply:        applyCh,
		Ledger:       ledger,
		PlanningMode: m.cfg.Session.PlanningMode,
		ToolTimeout:  m.cfg.Session.ToolTimeout,
		Logger:       logger,
	}, externalDefs)

	planningInstruction := ""
	if m.cfg.Session.PlanningMode {
		planningInstruction = m.cfg.Session.PlanningModeInstruction
	}

	orch := orchestrator.New(orchestrator.Config{
		SessionID: id,
		Task:      task,
		Agents:    m.cfg.Agents,
		Session:   *m.cfg.Session,
	}, orchestrator.Deps{
		Workspace: ws,
		Router:    router,
		Apply:     applyCh,
		Ledger:    ledger,
		Publisher: events.NewPublisher(bus, logger),
		Backends:  backends,
		Prompts:   prompt.NewBuilder(task, planningInstruction),
		Masker:    m.masker,
		Logger:    logger,
	})

	outcome, runErr := orch.Run(ctx)

	m.finishSession(id, startedAt, outcome)

	// Bus first so the journal's subscription drains, then the journal.
	bus.Close()
	if err := journal.Close(); err != nil {
		logger.Error("failed to close event journal", "error", err)
	}
	if err := executor.Close(); err != nil {
		logger.Warn("failed to close tool servers", "error", err)
	}

	// Once the winner's snapshot is promoted into final/, no snapshot is
	// referenced anymore. Failed sessions keep theirs for inspection until
	// retention removes the whole directory.
	if outcome != nil && outcome.Winner != nil {
		cleanup.SweepSnapshots(ws, logger)
	}

	if runErr != nil {
		return nil, runErr
	}
	return outcome, nil
}

// finishSession writes the terminal store row on a fresh context so a
// canceled or timed-out session still gets recorded.
func (m *Manager) finishSession(id string, startedAt time.Time, outcome *models.SessionOutcome) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	endedAt := time.Now().UTC()
	sess := models.Session{
		ID:         id,
		Status:     models.SessionStatusFailed,
		Outcome:    models.OutcomeAborted,
		AgentCount: len(m.cfg.Agents),
		StartedAt:  startedAt,
		EndedAt:    &endedAt,
	}
	if outcome != nil {
		sess.Outcome = outcome.Reason
		if outcome.Winner != nil {
			sess.Status = models.SessionStatusCompleted
			sess.WinnerLabel = outcome.Winner.Label
			sess.FinalContent = outcome.FinalContent
		}
	}
	if err := m.store.FinishSession(ctx, sess); err != nil {
		m.logger.Error("failed to record session end", "session_id", id, "error", err)
	}
}

// resolveBackends maps each configured agent to its backend client.
func (m *Manager) resolveBackends() (map[string]backend.Backend, error) {
	backends := make(map[string]backend.Backend, len(m.cfg.Agents))
	for _, agentCfg := range m.cfg.Agents {
		b, err := m.backends.Resolve(agentCfg.BackendRef)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", agentCfg.AgentID, err)
		}
		backends[agentCfg.AgentID] = b
	}
	return backends, nil
}

// allowedTools unions the agents' tool allowlists into the session-wide
// restriction the executor enforces. Any agent with an unrestricted config
// opens the whole catalog: the executor has no caller identity, so the
// union is the enforceable grain.
func allowedTools(agents []config.AgentConfig) []string {
	seen := make(map[string]struct{})
	var union []string
	for _, agentCfg := range agents {
		if len(agentCfg.Tools) == 0 {
			return nil
		}
		for _, name := range agentCfg.Tools {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			union = append(union, name)
		}
	}
	return union
}
