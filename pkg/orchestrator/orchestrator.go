// Package orchestrator runs one coordination session end to end: it spawns
// a runner per agent, serializes every state mutation onto its own event
// loop, decides restarts and consensus, and drives the winner's final
// presentation. It is the session's single writer; runners and the tool
// router only ever talk to it through channels.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/massgen-ai/massgen/pkg/agent"
	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/coordination"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/masking"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/tools"
	"github.com/massgen-ai/massgen/pkg/workspace"
)

var tracer = otel.Tracer("github.com/massgen-ai/massgen/pkg/orchestrator")

// runnerEventBuffer sizes the shared runner-event queue. Text deltas
// dominate its traffic; the loop drains fast, the buffer just smooths
// bursts from parallel streams.
const runnerEventBuffer = 256

// Orchestrator coordinates one session. All fields below the sync.WaitGroup
// are owned by the loop goroutine; nothing else touches them.
type Orchestrator struct {
	cfg      Config
	ws       *workspace.Manager
	router   *tools.Router
	apply    <-chan tools.ApplyRequest
	ledger   *tools.DeferralLedger
	pub      *events.Publisher
	backends map[string]backend.Backend
	prompts  agent.PromptBuilder
	masker   *masking.Masker
	logger   *slog.Logger

	wg sync.WaitGroup

	state        *coordination.State
	handles      map[string]*runnerHandle
	order        []string
	runnerEvents chan agent.Event
	started      time.Time

	// Decision fields, set once the session's fate is known.
	winner       *models.Answer
	reason       models.OutcomeReason
	aborted      bool
	soleSurvivor string
}

// New builds an orchestrator for one session.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		ws:           deps.Workspace,
		router:       deps.Router,
		apply:        deps.Apply,
		ledger:       deps.Ledger,
		pub:          deps.Publisher,
		backends:     deps.Backends,
		prompts:      deps.Prompts,
		masker:       deps.Masker,
		logger:       deps.Logger.With("component", "orchestrator", "session_id", cfg.SessionID),
		handles:      make(map[string]*runnerHandle),
		runnerEvents: make(chan agent.Event, runnerEventBuffer),
	}
}

// Run executes the session to completion and returns its outcome. The
// error return covers only setup failures; a session that ran but found
// no winner returns an outcome with Reason aborted and a nil Winner.
func (o *Orchestrator) Run(ctx context.Context) (*models.SessionOutcome, error) {
	o.started = time.Now()

	sessionCtx, cancel := context.WithTimeout(ctx, o.cfg.Session.SessionTimeout)
	defer cancel()

	sessionCtx, span := tracer.Start(sessionCtx, "session.coordinate", trace.WithAttributes(
		attribute.String("session.id", o.cfg.SessionID),
		attribute.Int("session.agents", len(o.cfg.Agents)),
	))
	defer span.End()

	o.pub.SessionStarted(o.cfg.Task, len(o.cfg.Agents), o.cfg.Session.PlanningMode)

	if err := o.spawn(sessionCtx); err != nil {
		o.stopRunners()
		o.wg.Wait()
		o.pub.SessionEnded(0, models.SessionStatusFailed, models.OutcomeAborted, "", time.Since(o.started))
		return nil, err
	}

	outcome := o.loop(sessionCtx)

	o.stopRunners()
	o.wg.Wait()

	status := models.SessionStatusCompleted
	winnerLabel := ""
	if outcome.Winner == nil {
		status = models.SessionStatusFailed
	} else {
		winnerLabel = outcome.Winner.Label
	}
	o.pub.SessionEnded(o.state.Generation(), status, outcome.Reason, winnerLabel, time.Since(o.started))
	o.logger.Info("session finished",
		"status", status,
		"outcome", outcome.Reason,
		"winner", winnerLabel,
		"duration", time.Since(o.started))
	return outcome, nil
}

// spawn prepares a workspace and starts a runner goroutine per agent, then
// hands every runner the generation-zero view.
func (o *Orchestrator) spawn(ctx context.Context) error {
	ids := make([]string, 0, len(o.cfg.Agents))
	for _, ac := range o.cfg.Agents {
		ids = append(ids, ac.AgentID)
	}
	o.state = coordination.NewState(ids, o.cfg.Session.MaxAttemptsPerAgent)

	view := o.state.View()
	for i, ac := range o.cfg.Agents {
		dir, err := o.ws.Prepare(ac.AgentID)
		if err != nil {
			return fmt.Errorf("failed to prepare workspace for %s: %w", ac.AgentID, err)
		}
		b, ok := o.backends[ac.AgentID]
		if !ok {
			return fmt.Errorf("no backend resolved for agent %s", ac.AgentID)
		}

		runnerCtx, cancel := context.WithCancel(ctx)
		runner := agent.NewRunner(agent.Config{
			AgentID:                ac.AgentID,
			Ordinal:                i + 1,
			Instructions:           ac.SystemPrompt,
			TurnTimeout:            o.cfg.Session.TurnTimeout,
			MaxConsecutiveFailures: o.cfg.Session.MaxConsecutiveBackendFailures,
		}, agent.Deps{
			Backend: b,
			Router:  o.router,
			Prompts: o.prompts,
			Events:  o.runnerEvents,
			Logger:  o.logger,
		})

		h := &runnerHandle{id: ac.AgentID, ordinal: i + 1, runner: runner, cancel: cancel}
		o.handles[ac.AgentID] = h
		o.order = append(o.order, ac.AgentID)

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			runner.Run(runnerCtx)
		}()

		o.setStatus(ac.AgentID, models.AgentStatusWorking, "")
		o.pub.AgentStarted(0, ac.AgentID, i+1, ac.BackendRef, dir)
		runner.Send(agent.Start{View: view})
	}
	return nil
}

// stopRunners tells every live runner to stop and cancels its context.
func (o *Orchestrator) stopRunners() {
	for _, h := range o.handles {
		if h.stopped {
			continue
		}
		h.stopped = true
		h.runner.Send(agent.Stop{})
		h.cancel()
		o.logger.Debug("stopped runner", "agent_id", h.id)
	}
}

// setStatus records a status transition and publishes it. Transitions to
// the same status are dropped silently.
func (o *Orchestrator) setStatus(agentID string, status models.AgentStatus, detail string) {
	prev := o.state.View().Statuses[agentID]
	if prev == status {
		return
	}
	if _, err := o.state.ApplyStatus(agentID, status); err != nil {
		o.logger.Error("failed to apply status", "agent_id", agentID, "status", status, "error", err)
		return
	}
	o.pub.StatusChanged(o.state.Generation(), agentID, status, prev, detail)
}

// mask scrubs credentials from observable text when masking is enabled.
func (o *Orchestrator) mask(s string) string {
	return o.masker.Mask(s)
}
