package backend

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/massgen-ai/massgen/pkg/models"
)

// ScriptedTurn is one pre-programmed model turn for tests and local dry
// runs.
type ScriptedTurn struct {
	Events []Event

	// Hang makes the turn emit nothing and block until the context is
	// canceled, simulating a model that is still generating when the
	// runner gets restarted or the session ends.
	Hang bool
}

// TextTurn scripts a plain text reply.
func TextTurn(text string) ScriptedTurn {
	return ScriptedTurn{Events: []Event{
		TextDelta{Text: text},
		TurnEnd{Reason: StopReasonStop},
	}}
}

// ToolTurn scripts a reply that issues the given tool calls.
func ToolTurn(calls ...models.ToolCall) ScriptedTurn {
	var events []Event
	for _, call := range calls {
		events = append(events,
			ToolCallStart{ID: call.ID, Name: call.Name},
			ToolCallArgDelta{ID: call.ID, Fragment: call.Arguments},
			ToolCallEnd{ID: call.ID},
		)
	}
	events = append(events, TurnEnd{Reason: StopReasonToolUse})
	return ScriptedTurn{Events: events}
}

// ErrorTurn scripts a turn that fails.
func ErrorTurn(err error) ScriptedTurn {
	return ScriptedTurn{Events: []Event{
		TurnEnd{Reason: StopReasonError, Err: err},
	}}
}

// HangTurn scripts a turn that produces nothing until canceled.
func HangTurn() ScriptedTurn {
	return ScriptedTurn{Hang: true}
}

// ScriptedBackend replays scripted turns instead of calling a provider.
type ScriptedBackend struct {
	mu       sync.Mutex
	script   func(call int, req TurnRequest) ScriptedTurn
	calls    int
	requests []TurnRequest
}

// NewScriptedBackend replays turns in order; calls past the end of the
// script fail.
func NewScriptedBackend(turns ...ScriptedTurn) *ScriptedBackend {
	return &ScriptedBackend{
		script: func(call int, _ TurnRequest) ScriptedTurn {
			if call >= len(turns) {
				return ErrorTurn(fmt.Errorf("scripted backend: no turn for call %d", call+1))
			}
			return turns[call]
		},
	}
}

// NewScriptedBackendFunc derives each turn from the request, so a script
// can react to what the prompt shows it.
func NewScriptedBackendFunc(fn func(call int, req TurnRequest) ScriptedTurn) *ScriptedBackend {
	return &ScriptedBackend{script: fn}
}

// StreamTurn implements Backend.
func (s *ScriptedBackend) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.requests = append(s.requests, req)
	turn := s.script(call, req)
	s.mu.Unlock()

	ch := make(chan Event, eventBufferSize)
	go func() {
		defer close(ch)
		if turn.Hang {
			<-ctx.Done()
			return
		}
		em := newEmitter(ctx, ch)
		ended := false
		for _, ev := range turn.Events {
			if !em.send(ev) {
				return
			}
			if _, ok := ev.(TurnEnd); ok {
				ended = true
				break
			}
		}
		if !ended {
			em.endTurn(StopReasonStop)
		}
	}()
	return ch, nil
}

// Requests returns a copy of every turn request seen so far.
func (s *ScriptedBackend) Requests() []TurnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Calls returns how many turns were requested.
func (s *ScriptedBackend) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
