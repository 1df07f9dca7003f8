// Package agent runs one agent's side of a coordination session: it turns
// orchestrator directives into backend turns, streams model output, routes
// assembled tool calls, and reports what happened as runner events.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/coordination"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/tools"
)

var tracer = otel.Tracer("github.com/massgen-ai/massgen/pkg/agent")

// errBackendStreamEnded reports a stream that closed without a TurnEnd
// while the turn context was still live.
var errBackendStreamEnded = errors.New("backend stream ended without a turn result")

// maxToolRounds bounds backend round-trips within one turn. A model that
// keeps requesting tools past this is treated as having taken no action.
const maxToolRounds = 16

// directiveBuffer sizes the runner's directive queue. Overflow drops the
// oldest entry; directives carry full views, so newer always supersedes.
const directiveBuffer = 8

// argsSummaryLimit caps the tool-argument preview attached to events.
const argsSummaryLimit = 200

// forcedVoteReason marks votes cast by directive rather than by the model.
const forcedVoteReason = "auto vote: turn ended without a coordination action"

// Config holds the per-agent constants a Runner is built with.
type Config struct {
	AgentID string
	Ordinal int

	// Instructions is the agent-specific system prompt extension.
	Instructions string

	TurnTimeout time.Duration

	// MaxConsecutiveFailures is how many turns may fail back to back
	// before the runner gives up.
	MaxConsecutiveFailures int
}

// Deps wires a Runner into the session.
type Deps struct {
	Backend backend.Backend
	Router  *tools.Router
	Prompts PromptBuilder

	// Events is the orchestrator's shared runner-event queue.
	Events chan<- Event

	Logger *slog.Logger
}

// PromptBuilder is the slice of prompt.Builder the runner uses.
type PromptBuilder interface {
	BuildSystemPrompt(agentInstructions string) string
	BuildTurnMessage(agentID string, view coordination.View, tools []models.ToolDefinition) string
	BuildFinalMessage(winner models.Answer, hints []models.DeferredCall, tools []models.ToolDefinition) string
	BuildRePrompt() string
}

// Runner drives one agent. All fields are set at construction; the turn
// loop runs on a single goroutine via Run.
type Runner struct {
	cfg          Config
	backend      backend.Backend
	router       *tools.Router
	prompts      PromptBuilder
	events       chan<- Event
	directives   chan Directive
	systemPrompt string
	logger       *slog.Logger

	// failures counts consecutive failed turns. Reset by any turn that
	// ends without error. Touched only on the Run goroutine.
	failures int
	lastGen  uint64
}

// NewRunner builds a runner; call Run on its own goroutine to start it.
func NewRunner(cfg Config, deps Deps) *Runner {
	return &Runner{
		cfg:          cfg,
		backend:      deps.Backend,
		router:       deps.Router,
		prompts:      deps.Prompts,
		events:       deps.Events,
		directives:   make(chan Directive, directiveBuffer),
		systemPrompt: deps.Prompts.BuildSystemPrompt(cfg.Instructions),
		logger:       deps.Logger.With("component", "agent_runner", "agent_id", cfg.AgentID),
	}
}

// Send queues a directive without ever blocking the caller. When the queue
// is full the oldest pending directive is dropped; the runner coalesces
// whatever remains before acting.
func (r *Runner) Send(d Directive) {
	for {
		select {
		case r.directives <- d:
			return
		default:
			select {
			case <-r.directives:
			default:
			}
		}
	}
}

// Run is the runner's loop: wait for a directive, execute it, repeat. It
// returns when ctx is canceled, a Stop directive arrives, or the runner
// fails permanently.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("runner started")
	defer func() {
		r.emitNonBlocking(RunnerStopped{r.base(r.lastGen)})
		r.logger.Info("runner stopped")
	}()

	var pending Directive
	for {
		var d Directive
		if pending != nil {
			d, pending = pending, nil
		} else {
			select {
			case <-ctx.Done():
				return
			case d = <-r.directives:
			}
		}
		d = r.coalesce(d)

		switch dir := d.(type) {
		case Stop:
			return
		case Start:
			pending = r.coordinationTurn(ctx, dir.View)
		case Restart:
			pending = r.coordinationTurn(ctx, dir.View)
		case ForceVote:
			pending = r.forcedVote(ctx, dir)
		case Final:
			pending = r.finalTurn(ctx, dir)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// coalesce folds every queued directive into d so the runner acts on the
// freshest instruction.
func (r *Runner) coalesce(d Directive) Directive {
	for {
		select {
		case next := <-r.directives:
			d = supersede(d, next)
		default:
			return d
		}
	}
}

// ── Coordination turns ──

// coordinationTurn runs one full turn against view: stream the model,
// dispatch tool calls, feed results back, until a coordination call lands
// or the model stops. The returned directive, if any, preempted the turn
// and must be acted on next.
func (r *Runner) coordinationTurn(ctx context.Context, view coordination.View) Directive {
	gen := view.Generation
	r.lastGen = gen

	turnCtx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout)
	defer cancel()

	turnCtx, span := tracer.Start(turnCtx, "agent.turn", trace.WithAttributes(
		attribute.String("agent.id", r.cfg.AgentID),
		attribute.Int64("coordination.generation", int64(gen)),
	))
	defer span.End()

	defs := r.router.Definitions()
	msgs := []backend.Message{backend.UserMessage(r.prompts.BuildTurnMessage(r.cfg.AgentID, view, defs))}
	reprompted := false

	for round := 0; round < maxToolRounds; round++ {
		res, preempt := r.streamOnce(ctx, turnCtx, gen, backend.TurnRequest{
			SystemPrompt: r.systemPrompt,
			Messages:     msgs,
			Tools:        defs,
		}, false)
		if preempt != nil {
			return preempt
		}

		switch res.reason {
		case backend.StopReasonToolUse:
			msgs = append(msgs, backend.AssistantMessage(res.text, res.calls...))
			outcome, resultMsgs, preempt, callErr := r.dispatchCalls(ctx, turnCtx, gen, res.calls)
			if preempt != nil {
				return preempt
			}
			if callErr != nil {
				return r.turnFailed(ctx, gen, view, callErr)
			}
			if outcome != nil {
				r.failures = 0
				r.emitOutcome(ctx, gen, *outcome)
				return nil
			}
			msgs = append(msgs, resultMsgs...)

		case backend.StopReasonStop, backend.StopReasonLengthLimit:
			if !reprompted {
				reprompted = true
				msgs = append(msgs, backend.AssistantMessage(res.text), backend.UserMessage(r.prompts.BuildRePrompt()))
				continue
			}
			r.failures = 0
			r.logger.Info("turn ended without coordination action", "generation", gen)
			r.emit(ctx, NoAction{r.base(gen)})
			return nil

		default:
			return r.turnFailed(ctx, gen, view, res.err)
		}
	}

	// Tool-round budget spent without a coordination call.
	r.failures = 0
	r.logger.Warn("turn exhausted its tool rounds", "generation", gen)
	r.emit(ctx, NoAction{r.base(gen)})
	return nil
}

// turnFailed books one failed turn and decides what happens next: nothing
// when the session is shutting down, a self-retry against the same view,
// or a permanent stop once the failure budget is spent.
func (r *Runner) turnFailed(ctx context.Context, gen uint64, view coordination.View, err error) Directive {
	if ctx.Err() != nil {
		return nil
	}
	r.failures++
	r.logger.Warn("turn failed", "generation", gen, "consecutive", r.failures, "error", err)
	r.emit(ctx, TurnFailed{r.base(gen), err})
	if r.failures >= r.cfg.MaxConsecutiveFailures {
		r.logger.Error("runner failure budget spent", "failures", r.failures, "error", err)
		r.emit(ctx, RunnerFailed{r.base(gen), err})
		return Stop{}
	}
	return Restart{View: view}
}

// dispatchCalls routes assembled tool calls in order. A successful
// coordination call ends the turn and its outcome is returned. Other
// results come back as messages for the next round. A non-nil callErr
// means the turn context ended mid-dispatch.
func (r *Runner) dispatchCalls(ctx, turnCtx context.Context, gen uint64, calls []models.ToolCall) (outcome *tools.Outcome, results []backend.Message, preempt Directive, callErr error) {
	for _, call := range calls {
		// A fresher directive aborts the rest of the batch.
		select {
		case d := <-r.directives:
			return nil, nil, d, nil
		default:
		}

		r.emit(ctx, ToolObserved{r.base(gen), call.ID, call.Name, summarizeArgs(call.Arguments)})

		result, err := r.router.Route(turnCtx, r.cfg.AgentID, call)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, nil, nil
			}
			return nil, nil, nil, err
		}

		if result.OK && (call.Name == tools.ToolNewAnswer || call.Name == tools.ToolVote) {
			if o, ok := r.router.TakeOutcome(r.cfg.AgentID); ok {
				return &o, nil, nil, nil
			}
		}

		results = append(results, backend.ToolResultMessage(call.ID, resultContent(result), !result.OK))
	}
	return nil, results, nil, nil
}

// emitOutcome reports an accepted coordination call as a runner event.
func (r *Runner) emitOutcome(ctx context.Context, gen uint64, outcome tools.Outcome) {
	switch outcome.Kind {
	case tools.ApplyNewAnswer:
		r.logger.Info("answer published", "label", outcome.Answer.Label)
		r.emit(ctx, AnswerPublished{r.base(gen), outcome.Answer})
	case tools.ApplyVote:
		r.logger.Info("vote cast", "target", outcome.Vote.TargetLabel)
		r.emit(ctx, VoteCast{r.base(gen), outcome.Vote})
	}
}

// ── Forced votes ──

// forcedVote casts a vote chosen by the orchestrator, without a model
// turn. A rejected vote (the target was superseded in flight) surfaces as
// another NoAction so the orchestrator can pick again.
func (r *Runner) forcedVote(ctx context.Context, dir ForceVote) Directive {
	gen := dir.View.Generation
	r.lastGen = gen

	args, err := json.Marshal(map[string]string{
		"target": dir.Target.Label,
		"reason": forcedVoteReason,
	})
	if err != nil {
		r.emit(ctx, NoAction{r.base(gen)})
		return nil
	}

	call := models.ToolCall{ID: uuid.NewString(), Name: tools.ToolVote, Arguments: string(args)}
	result, routeErr := r.router.Route(ctx, r.cfg.AgentID, call)
	if routeErr != nil {
		return nil
	}
	if !result.OK {
		r.logger.Warn("forced vote rejected", "target", dir.Target.Label, "error", resultContent(result))
		r.emit(ctx, NoAction{r.base(gen)})
		return nil
	}
	if outcome, ok := r.router.TakeOutcome(r.cfg.AgentID); ok {
		r.logger.Info("forced vote cast", "target", outcome.Vote.TargetLabel)
		r.emit(ctx, VoteCast{r.base(gen), outcome.Vote})
	}
	return nil
}

// ── Final presentation ──

// finalTurn runs the winner's final presentation: same round structure as
// a coordination turn, but with the final tool set, deltas flagged as
// final output, and the accumulated text reported as FinalCompleted.
func (r *Runner) finalTurn(ctx context.Context, dir Final) Directive {
	gen := dir.View.Generation
	r.lastGen = gen

	turnCtx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout)
	defer cancel()

	turnCtx, span := tracer.Start(turnCtx, "agent.final_turn", trace.WithAttributes(
		attribute.String("agent.id", r.cfg.AgentID),
		attribute.String("answer.label", dir.Winner.Label),
	))
	defer span.End()

	defs := r.router.FinalDefinitions()
	msgs := []backend.Message{backend.UserMessage(r.prompts.BuildFinalMessage(dir.Winner, dir.Hints, defs))}
	var content strings.Builder

	for round := 0; round < maxToolRounds; round++ {
		res, preempt := r.streamOnce(ctx, turnCtx, gen, backend.TurnRequest{
			SystemPrompt: r.systemPrompt,
			Messages:     msgs,
			Tools:        defs,
		}, true)
		content.WriteString(res.text)
		if preempt != nil {
			return preempt
		}

		switch res.reason {
		case backend.StopReasonToolUse:
			msgs = append(msgs, backend.AssistantMessage(res.text, res.calls...))
			outcome, resultMsgs, preempt, callErr := r.dispatchCalls(ctx, turnCtx, gen, res.calls)
			if preempt != nil {
				return preempt
			}
			if callErr != nil {
				r.emit(ctx, TurnFailed{r.base(gen), callErr})
				return nil
			}
			if outcome != nil {
				// Coordination tools are not offered during the final
				// turn, so this only guards a misbehaving router.
				r.emit(ctx, FinalCompleted{r.base(gen), content.String()})
				return nil
			}
			msgs = append(msgs, resultMsgs...)

		case backend.StopReasonStop, backend.StopReasonLengthLimit:
			r.emit(ctx, FinalCompleted{r.base(gen), content.String()})
			return nil

		default:
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("final turn failed", "error", res.err)
			r.emit(ctx, TurnFailed{r.base(gen), res.err})
			return nil
		}
	}

	r.emit(ctx, FinalCompleted{r.base(gen), content.String()})
	return nil
}

// ── Stream consumption ──

// turnResult is what one backend round produced.
type turnResult struct {
	text   string
	calls  []models.ToolCall
	reason backend.StopReason
	err    error
}

// streamOnce makes one backend request and consumes its stream, emitting
// text deltas as they arrive and assembling tool calls. A directive
// arriving mid-stream cancels the request and is returned for the caller
// to act on.
func (r *Runner) streamOnce(ctx, turnCtx context.Context, gen uint64, req backend.TurnRequest, final bool) (turnResult, Directive) {
	streamCtx, cancel := context.WithCancel(turnCtx)
	defer cancel()

	stream, err := r.backend.StreamTurn(streamCtx, req)
	if err != nil {
		return turnResult{reason: backend.StopReasonError, err: err}, nil
	}

	asm := newAssembler()
	var text strings.Builder
	for {
		select {
		case d := <-r.directives:
			cancel()
			return turnResult{text: text.String()}, d

		case ev, ok := <-stream:
			if !ok {
				// Stream closed without a TurnEnd: the context ended,
				// or the adapter broke its contract.
				err := turnCtx.Err()
				if err == nil {
					err = errBackendStreamEnded
				}
				return turnResult{
					text:   text.String(),
					reason: backend.StopReasonError,
					err:    err,
				}, nil
			}
			switch ev := ev.(type) {
			case backend.TextDelta:
				text.WriteString(ev.Text)
				if final {
					r.emit(ctx, FinalDelta{r.base(gen), ev.Text})
				} else {
					r.emit(ctx, TextDelta{r.base(gen), ev.Text})
				}
			case backend.ToolCallStart:
				asm.start(ev.ID, ev.Name)
			case backend.ToolCallArgDelta:
				asm.fragment(ev.ID, ev.Fragment)
			case backend.ToolCallEnd:
				// Assembly is keyed by ID; nothing to finalize.
			case backend.TurnEnd:
				return turnResult{
					text:   text.String(),
					calls:  asm.calls(),
					reason: ev.Reason,
					err:    ev.Err,
				}, nil
			}
		}
	}
}

// ── Helpers ──

func (r *Runner) base(gen uint64) Base {
	return Base{AgentID: r.cfg.AgentID, Generation: gen}
}

// emit delivers an event to the orchestrator, giving up only when the
// session context ends.
func (r *Runner) emit(ctx context.Context, ev Event) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// emitNonBlocking is for teardown, when the orchestrator may already be
// gone.
func (r *Runner) emitNonBlocking(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}

func resultContent(res models.ToolResult) string {
	if res.OK {
		return res.Content
	}
	if res.Err != nil {
		return res.Err.Error()
	}
	return "tool call failed"
}

func summarizeArgs(args string) string {
	args = strings.Join(strings.Fields(args), " ")
	runes := []rune(args)
	if len(runes) > argsSummaryLimit {
		return string(runes[:argsSummaryLimit]) + "..."
	}
	return args
}
