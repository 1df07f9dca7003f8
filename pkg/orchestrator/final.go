package orchestrator

import (
	"context"
	"time"

	"github.com/massgen-ai/massgen/pkg/agent"
	"github.com/massgen-ai/massgen/pkg/coordination"
	"github.com/massgen-ai/massgen/pkg/models"
)

// finalize closes the coordination phase and produces the session outcome.
// The state freezes first so every late new_answer/vote gets a SessionClosed
// rejection, then non-winners stop, and on the consensus path the winner runs
// its final-presentation turn.
func (o *Orchestrator) finalize(ctx context.Context) *models.SessionOutcome {
	o.state.Freeze()
	winner := *o.winner
	view := o.state.View()

	if o.reason == models.OutcomeConsensus {
		o.pub.ConsensusReached(view.Generation, winner, view.Tally())
	}

	for _, id := range o.order {
		if id == winner.Author {
			continue
		}
		h := o.handles[id]
		if !h.stopped {
			h.stopped = true
			h.runner.Send(agent.Stop{})
			h.cancel()
		}
		if view.Statuses[id] != models.AgentStatusFailed {
			o.setStatus(id, models.AgentStatusCompleted, "")
		}
	}

	finalLabel := models.FinalLabel(o.state.Ordinal(winner.Author))
	finalContent := winner.Content
	finalSnapshot := winner.SnapshotID

	wh := o.handles[winner.Author]
	if o.reason == models.OutcomeConsensus && wh != nil && !wh.stopped {
		if content, ok := o.runFinalTurn(ctx, wh, winner); ok {
			finalContent = content
			if snapID, err := o.ws.Snapshot(ctx, winner.Author); err != nil {
				o.logger.Error("failed to snapshot final workspace, keeping the answer snapshot",
					"agent_id", winner.Author, "error", err)
			} else {
				finalSnapshot = snapID
			}
			o.pub.AnswerPublished(o.state.Generation(), models.Answer{
				Label:      finalLabel,
				Author:     winner.Author,
				Content:    finalContent,
				SnapshotID: finalSnapshot,
				Attempt:    winner.Attempt,
				CreatedAt:  time.Now().UTC(),
			}, nil)
		} else {
			o.logger.Warn("final presentation did not complete, using the winning answer as-is",
				"winner", winner.Label)
		}
	}

	o.promoteWinner(finalLabel, finalSnapshot)
	o.setStatus(winner.Author, models.AgentStatusCompleted, finalLabel)

	return &models.SessionOutcome{
		Winner:       o.winner,
		FinalContent: finalContent,
		Reason:       o.reason,
	}
}

// runFinalTurn drives the winner's final-presentation turn: planning
// restrictions lifted, deferred calls offered as hints, output streamed as
// final-answer deltas. While the turn runs, the loop keeps draining apply
// requests so straggling runners get their SessionClosed rejections instead
// of blocking on a dead channel. Returns false when the turn failed or the
// session deadline cut it short; the caller falls back to the winning answer.
func (o *Orchestrator) runFinalTurn(ctx context.Context, wh *runnerHandle, winner models.Answer) (string, bool) {
	o.router.LiftPlanning(winner.Author)

	var hints []models.DeferredCall
	if o.ledger != nil {
		hints = o.ledger.All()
	}

	wh.turnGen = o.state.Generation()
	wh.runner.Send(agent.Final{View: o.state.View(), Winner: winner, Hints: hints})
	o.logger.Info("final presentation started",
		"agent_id", winner.Author,
		"winner", winner.Label,
		"deferred_hints", len(hints))

	for {
		select {
		case <-ctx.Done():
			return "", false
		case req := <-o.apply:
			o.handleApply(req)
		case ev := <-o.runnerEvents:
			switch e := ev.(type) {
			case agent.FinalDelta:
				o.pub.FinalAnswerDelta(e.Gen(), e.Agent(), e.Text)
			case agent.FinalCompleted:
				if e.Agent() == winner.Author {
					return e.Content, true
				}
			case agent.TextDelta:
				o.pub.TextDelta(e.Gen(), e.Agent(), e.Text)
			case agent.ToolObserved:
				o.pub.ToolCallObserved(e.Gen(), e.Agent(), e.CallID, e.Tool, o.mask(e.ArgsSummary))
			case agent.TurnFailed:
				if e.Agent() == winner.Author {
					o.logger.Error("final presentation turn failed",
						"agent_id", e.Agent(), "error", e.Err)
					return "", false
				}
			case agent.RunnerFailed:
				if e.Agent() == winner.Author {
					o.logger.Error("winner's runner failed during final presentation",
						"agent_id", e.Agent(), "error", e.Err)
					return "", false
				}
			default:
				// Shutdown chatter from stopped runners.
			}
		}
	}
}

// promoteWinner copies the winning snapshot into the session's final/
// directory. Promotion failures leave the snapshot itself intact, so the
// result is still recoverable from snapshots/.
func (o *Orchestrator) promoteWinner(finalLabel, snapshotID string) {
	if snapshotID == "" {
		o.logger.Warn("winner has no workspace snapshot to promote", "label", finalLabel)
		return
	}
	if err := o.ws.PromoteFinal(finalLabel, snapshotID); err != nil {
		o.logger.Error("failed to promote final snapshot",
			"label", finalLabel,
			"snapshot_id", snapshotID,
			"error", err)
	}
}

// timeoutFallback ends a session whose wall-clock budget expired before any
// consensus: the best-ranked current answer wins without a final turn. With
// nothing published at all the session ends with no winner.
func (o *Orchestrator) timeoutFallback() *models.SessionOutcome {
	o.state.Freeze()
	view := o.state.View()

	answer, ok := coordination.Winner(view)
	if !ok {
		o.logger.Error("session deadline reached with no published answers")
		return &models.SessionOutcome{Reason: models.OutcomeAborted}
	}

	o.winner = &answer
	o.reason = models.OutcomeFallbackTimeout
	o.logger.Warn("session deadline reached, falling back to best current answer",
		"winner", answer.Label,
		"author", answer.Author)

	o.promoteWinner(models.FinalLabel(o.state.Ordinal(answer.Author)), answer.SnapshotID)

	return &models.SessionOutcome{
		Winner:       &answer,
		FinalContent: answer.Content,
		Reason:       models.OutcomeFallbackTimeout,
	}
}
