// Package models defines the coordination domain types shared across the
// orchestrator, runners, tool router, and persistence layers. Everything here
// is a plain value type; mutation rules live with the single-writer state in
// pkg/coordination.
package models

import (
	"fmt"
	"strings"
	"time"
)

// FinalSuffix marks the winner's final-presentation answer label.
const FinalSuffix = ".final"

// Answer is an immutable published artifact authored by one agent.
// Labels are unique within a session; attempts are contiguous from 1.
type Answer struct {
	Label      string    `json:"label"`
	Author     string    `json:"author"`
	Content    string    `json:"content"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Attempt    int       `json:"attempt"`
	CreatedAt  time.Time `json:"created_at"`
}

// AnswerLabel builds the canonical "agent{N}.{attempt}" label. The agent ordinal
// is assigned once by the orchestrator from the configured agent order.
func AnswerLabel(agentOrdinal, attempt int) string {
	return fmt.Sprintf("agent%d.%d", agentOrdinal, attempt)
}

// FinalLabel builds the "agent{N}.final" label for the winner's presentation.
func FinalLabel(agentOrdinal int) string {
	return fmt.Sprintf("agent%d%s", agentOrdinal, FinalSuffix)
}

// IsFinalLabel reports whether label names a final-presentation answer.
func IsFinalLabel(label string) bool {
	return strings.HasSuffix(label, FinalSuffix)
}
