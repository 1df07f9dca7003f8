package models

import "time"

// Vote is a voter's current choice of another agent's latest answer.
// At most one active vote exists per voter; re-casting replaces it, and a
// vote whose target label is superseded is removed by the coordination state
// in the same mutation.
type Vote struct {
	Voter       string    `json:"voter"`
	TargetLabel string    `json:"target_label"`
	Reason      string    `json:"reason"`
	CastAt      time.Time `json:"cast_at"`
}
