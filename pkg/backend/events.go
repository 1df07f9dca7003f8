package backend

import "context"

// StopReason explains why a model turn ended.
type StopReason string

const (
	// StopReasonStop means the model finished its reply without requesting tools.
	StopReasonStop StopReason = "stop"
	// StopReasonToolUse means the model requested one or more tool calls.
	StopReasonToolUse StopReason = "tool_use"
	// StopReasonLengthLimit means the reply was truncated by the token limit.
	StopReasonLengthLimit StopReason = "length_limit"
	// StopReasonError means the turn failed after the adapter's retry budget.
	StopReasonError StopReason = "error"
)

// Event is one element of a turn's stream. The adapter emits zero or more
// content events followed by exactly one TurnEnd, then closes the channel.
type Event interface {
	isEvent()
}

// TextDelta carries a fragment of assistant text.
type TextDelta struct {
	Text string
}

// ToolCallStart announces a tool invocation. Argument fragments for the
// call follow as ToolCallArgDelta events with the same ID.
type ToolCallStart struct {
	ID   string
	Name string
}

// ToolCallArgDelta carries a fragment of a tool call's JSON arguments.
type ToolCallArgDelta struct {
	ID       string
	Fragment string
}

// ToolCallEnd marks a tool call's arguments as complete.
type ToolCallEnd struct {
	ID string
}

// TurnEnd terminates the stream. Err is non-nil only when Reason is
// StopReasonError.
type TurnEnd struct {
	Reason StopReason
	Err    error
}

func (TextDelta) isEvent()        {}
func (ToolCallStart) isEvent()    {}
func (ToolCallArgDelta) isEvent() {}
func (ToolCallEnd) isEvent()      {}
func (TurnEnd) isEvent()          {}

// eventBufferSize keeps slow consumers from stalling the provider read loop
// on every event.
const eventBufferSize = 100

// emitter delivers events to the turn channel and remembers whether any
// content has been handed to the consumer. Retrying is only safe while
// nothing has been emitted.
type emitter struct {
	ctx     context.Context
	ch      chan<- Event
	emitted bool
}

func newEmitter(ctx context.Context, ch chan<- Event) *emitter {
	return &emitter{ctx: ctx, ch: ch}
}

// send delivers one content event. It returns false when the context was
// cancelled before the consumer accepted the event.
func (e *emitter) send(ev Event) bool {
	select {
	case e.ch <- ev:
		e.emitted = true
		return true
	case <-e.ctx.Done():
		return false
	}
}

// endTurn emits the terminal event for a successful turn.
func (e *emitter) endTurn(reason StopReason) {
	select {
	case e.ch <- TurnEnd{Reason: reason}:
		e.emitted = true
	case <-e.ctx.Done():
	}
}

// fail emits the terminal event for a failed turn.
func (e *emitter) fail(err error) {
	select {
	case e.ch <- TurnEnd{Reason: StopReasonError, Err: err}:
		e.emitted = true
	case <-e.ctx.Done():
	}
}
