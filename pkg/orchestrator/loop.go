package orchestrator

import (
	"context"
	"errors"

	"github.com/massgen-ai/massgen/pkg/agent"
	"github.com/massgen-ai/massgen/pkg/coordination"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/tools"
)

// loop is the session's event loop. It owns all CoordinationState mutation,
// drains coordination tool calls and runner events, and exits once the
// session's fate is decided: consensus, survivor fallback, abort, or the
// session deadline.
func (o *Orchestrator) loop(ctx context.Context) *models.SessionOutcome {
	for {
		select {
		case <-ctx.Done():
			return o.timeoutFallback()
		case req := <-o.apply:
			o.handleApply(req)
		case ev := <-o.runnerEvents:
			o.handleRunnerEvent(ev)
		}

		if o.aborted {
			return &models.SessionOutcome{Reason: models.OutcomeAborted}
		}
		if o.winner != nil {
			return o.finalize(ctx)
		}
	}
}

// handleApply executes one coordination mutation on behalf of a runner's
// tool call and replies with the result. Successful mutations immediately
// cascade: bus events, shared-view refreshes, consensus checks, restarts.
func (o *Orchestrator) handleApply(req tools.ApplyRequest) {
	switch req.Kind {
	case tools.ApplyNewAnswer:
		answer, invalidated, err := o.state.ApplyNewAnswer(req.Agent, req.Content, req.SnapshotID)
		if err != nil {
			req.Reply <- tools.ApplyReply{Err: err}
			o.logApplyRejection(req, err)
			return
		}
		req.Reply <- tools.ApplyReply{Answer: answer}

		gen := o.state.Generation()
		if h, ok := o.handles[req.Agent]; ok {
			h.turnGen = gen
		}
		o.pub.AnswerPublished(gen, answer, invalidated)
		o.setStatus(req.Agent, models.AgentStatusAnswerPublished, answer.Label)
		o.refreshSharedViews(req.Agent)
		o.logger.Info("answer published",
			"agent_id", req.Agent,
			"label", answer.Label,
			"attempt", answer.Attempt,
			"invalidated_votes", len(invalidated),
			"generation", gen)

		if o.soleSurvivor == req.Agent {
			o.winner = &answer
			o.reason = models.OutcomeFallbackFailures
			return
		}
		o.afterMutation()

	case tools.ApplyVote:
		vote, err := o.state.ApplyVote(req.Agent, req.Target, req.Reason)
		if err != nil {
			req.Reply <- tools.ApplyReply{Err: err}
			o.logApplyRejection(req, err)
			return
		}
		req.Reply <- tools.ApplyReply{Vote: vote}

		gen := o.state.Generation()
		if h, ok := o.handles[req.Agent]; ok {
			h.turnGen = gen
		}
		o.pub.VoteCast(gen, vote)
		o.setStatus(req.Agent, models.AgentStatusVoted, vote.TargetLabel)
		o.logger.Info("vote cast",
			"voter", req.Agent,
			"target", vote.TargetLabel,
			"generation", gen)
		o.afterMutation()

	default:
		req.Reply <- tools.ApplyReply{Err: errors.New("unknown apply kind")}
	}
}

// logApplyRejection keeps rejected mutations visible without failing anything:
// the typed error travels back to the model as a tool result and the agent
// gets to correct itself.
func (o *Orchestrator) logApplyRejection(req tools.ApplyRequest, err error) {
	o.logger.Warn("coordination call rejected",
		"agent_id", req.Agent,
		"kind", req.Kind,
		"error", err)
}

// handleRunnerEvent reacts to one runner lifecycle event. Coordination
// outcomes (answers, votes) were already applied via handleApply by the time
// the runner reports them, so here they are bookkeeping only.
func (o *Orchestrator) handleRunnerEvent(ev agent.Event) {
	switch e := ev.(type) {
	case agent.TextDelta:
		o.pub.TextDelta(e.Gen(), e.Agent(), e.Text)

	case agent.ToolObserved:
		o.pub.ToolCallObserved(e.Gen(), e.Agent(), e.CallID, e.Tool, o.mask(e.ArgsSummary))

	case agent.AnswerPublished:
		o.logger.Debug("runner finished publish turn", "agent_id", e.Agent(), "label", e.Answer.Label)

	case agent.VoteCast:
		o.logger.Debug("runner finished vote turn", "agent_id", e.Agent(), "target", e.Vote.TargetLabel)

	case agent.NoAction:
		o.handleNoAction(e.Agent())

	case agent.TurnFailed:
		// The runner retries on its own; surfacing the error is enough here.
		o.logger.Warn("agent turn failed", "agent_id", e.Agent(), "error", e.Err)

	case agent.RunnerFailed:
		o.failAgent(e.Agent(), e.Err.Error())

	case agent.RunnerStopped:
		o.logger.Debug("runner stopped", "agent_id", e.Agent())

	case agent.FinalDelta, agent.FinalCompleted:
		// Final-turn traffic outside finalize means the winner outlived its
		// drain window; nothing useful remains to do with it.
		o.logger.Debug("dropping stray final-turn event", "agent_id", ev.Agent())
	}
}

// handleNoAction resolves a runner that ended two turns in a row without a
// coordination call: force a vote onto the best answer by another author,
// wait if the agent itself authored the only answers, or fail it when there
// is nothing to vote for and nothing of its own to stand on.
func (o *Orchestrator) handleNoAction(agentID string) {
	if o.soleSurvivor == agentID {
		o.failAgent(agentID, "sole survivor produced no answer")
		return
	}

	view := o.state.View()
	if target, ok := coordination.ForcedVoteTarget(view, agentID); ok {
		h := o.handles[agentID]
		if h == nil || h.stopped {
			return
		}
		h.turnGen = view.Generation
		h.runner.Send(agent.ForceVote{View: view, Target: target})
		o.logger.Info("forcing vote for non-converging agent",
			"agent_id", agentID,
			"target", target.Label)
		return
	}

	if _, published := view.OwnLatest(agentID); published {
		// Only this agent's answers exist; consensus can still complete
		// through others voting for it.
		o.logger.Info("agent idle on its own answer, awaiting votes", "agent_id", agentID)
		return
	}

	o.failAgent(agentID, "no coordination action and no answers to vote on")
}

// failAgent removes an agent from the live set and re-evaluates the session:
// two or more survivors keep coordinating, one survivor wins by default, zero
// survivors abort the session.
func (o *Orchestrator) failAgent(agentID, detail string) {
	if o.state.View().Statuses[agentID] == models.AgentStatusFailed {
		return
	}

	if h, ok := o.handles[agentID]; ok && !h.stopped {
		h.stopped = true
		h.runner.Send(agent.Stop{})
		h.cancel()
	}
	o.setStatus(agentID, models.AgentStatusFailed, detail)
	o.logger.Error("agent failed", "agent_id", agentID, "detail", detail)

	live := o.state.View().LiveAgents()
	switch len(live) {
	case 0:
		o.aborted = true
		o.logger.Error("all agents failed, aborting session")
	case 1:
		o.degradeToSurvivor(live[0])
	default:
		// The live set shrank, which can complete consensus on its own; the
		// failure also bumped the generation, so laggards get fresh views.
		o.afterMutation()
	}
}

// degradeToSurvivor ends or redirects the session once a single live agent
// remains. A survivor with a published answer wins immediately; one without
// gets a restart and wins with whatever it publishes next.
func (o *Orchestrator) degradeToSurvivor(agentID string) {
	view := o.state.View()
	if answer, ok := view.OwnLatest(agentID); ok {
		o.winner = &answer
		o.reason = models.OutcomeFallbackFailures
		o.logger.Info("sole survivor wins by default", "agent_id", agentID, "label", answer.Label)
		return
	}

	o.soleSurvivor = agentID
	if h, ok := o.handles[agentID]; ok && !h.stopped {
		h.turnGen = view.Generation
		h.runner.Send(agent.Restart{View: view})
		o.setStatus(agentID, models.AgentStatusRestarted, "sole survivor")
	}
	o.logger.Info("sole survivor has no answer yet, letting it finish", "agent_id", agentID)
}

// afterMutation runs the post-mutation cascade: consensus first so a vote
// that completes the session never triggers a pointless restart wave, then
// restart signals for runners left behind by the new generation.
func (o *Orchestrator) afterMutation() {
	if o.winner != nil || o.aborted {
		return
	}
	if o.checkConsensus() {
		return
	}
	o.restartLagging()
}

// checkConsensus evaluates the consensus predicate and records the winner.
// It never fires with fewer than two live agents; that territory belongs to
// the survivor fallback.
func (o *Orchestrator) checkConsensus() bool {
	if o.soleSurvivor != "" {
		return false
	}
	view := o.state.View()
	if len(view.LiveAgents()) < 2 {
		return false
	}
	if !coordination.Reached(view) {
		return false
	}
	answer, ok := coordination.Winner(view)
	if !ok {
		return false
	}
	o.winner = &answer
	o.reason = models.OutcomeConsensus
	o.logger.Info("consensus reached",
		"winner", answer.Label,
		"author", answer.Author,
		"generation", view.Generation)
	return true
}

// restartLagging sends a restart with the fresh view to every runner whose
// current turn predates the latest generation. Agents holding a valid vote
// are left alone; a vote only comes off the table through invalidation, and
// invalidated voters are no longer in Votes so they restart here.
func (o *Orchestrator) restartLagging() {
	view := o.state.View()
	for _, id := range o.order {
		h := o.handles[id]
		if h.stopped || h.turnGen >= view.Generation {
			continue
		}
		status := view.Statuses[id]
		if status.IsTerminal() {
			continue
		}
		if _, voted := view.Votes[id]; voted {
			continue
		}
		h.turnGen = view.Generation
		h.runner.Send(agent.Restart{View: view})
		o.setStatus(id, models.AgentStatusRestarted, "")
		o.logger.Debug("restarted lagging agent", "agent_id", id, "generation", view.Generation)
	}
}

// refreshSharedViews updates every other agent's read-only view of the
// publisher's snapshots. Refresh failures degrade that one agent's context
// instead of the session.
func (o *Orchestrator) refreshSharedViews(publisher string) {
	for _, id := range o.order {
		if id == publisher {
			continue
		}
		if o.handles[id].stopped {
			continue
		}
		if err := o.ws.RefreshSharedView(id); err != nil {
			o.logger.Error("failed to refresh shared view",
				"agent_id", id,
				"publisher", publisher,
				"error", err)
		}
	}
}
