package agent

import (
	"strings"

	"github.com/massgen-ai/massgen/pkg/models"
)

// assembler accumulates streamed tool-call fragments into complete calls,
// keyed by call ID, preserving start order. Providers interleave argument
// fragments across calls; the assembler reunites them.
type assembler struct {
	order []string
	byID  map[string]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func newAssembler() *assembler {
	return &assembler{byID: make(map[string]*pendingCall)}
}

func (a *assembler) start(id, name string) {
	if _, ok := a.byID[id]; ok {
		return
	}
	a.byID[id] = &pendingCall{id: id, name: name}
	a.order = append(a.order, id)
}

func (a *assembler) fragment(id, fragment string) {
	if p, ok := a.byID[id]; ok {
		p.args.WriteString(fragment)
	}
}

// calls returns the assembled calls in start order. Calls that streamed no
// argument fragments get an empty JSON object so schema validation sees a
// parseable document.
func (a *assembler) calls() []models.ToolCall {
	out := make([]models.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		p := a.byID[id]
		args := p.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out = append(out, models.ToolCall{ID: p.id, Name: p.name, Arguments: args})
	}
	return out
}
