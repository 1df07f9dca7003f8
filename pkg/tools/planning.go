package tools

import (
	"sync"

	"github.com/massgen-ai/massgen/pkg/models"
)

// DeferralLedger records side-effecting external calls intercepted during
// planning mode, in interception order. The winner's final-presentation
// prompt replays its own entries as hints.
type DeferralLedger struct {
	mu    sync.Mutex
	calls []models.DeferredCall
}

// NewDeferralLedger creates an empty ledger.
func NewDeferralLedger() *DeferralLedger {
	return &DeferralLedger{}
}

// Record appends one intercepted call.
func (l *DeferralLedger) Record(agent string, call models.ToolCall) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, models.DeferredCall{
		Agent:     agent,
		Name:      call.Name,
		Arguments: call.Arguments,
	})
}

// ForAgent returns the calls recorded for one agent, in interception order.
func (l *DeferralLedger) ForAgent(agent string) []models.DeferredCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.DeferredCall
	for _, c := range l.calls {
		if c.Agent == agent {
			out = append(out, c)
		}
	}
	return out
}

// All returns every recorded call in interception order.
func (l *DeferralLedger) All() []models.DeferredCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.DeferredCall(nil), l.calls...)
}

// Len returns the number of recorded calls.
func (l *DeferralLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}
