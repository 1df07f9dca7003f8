package api

import "github.com/massgen-ai/massgen/pkg/store"

// SubmitResponse is returned by POST /api/v1/sessions.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// CancelResponse is returned by POST /api/v1/sessions/:id/cancel.
type CancelResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// VersionResponse is returned by GET /api/v1/version.
type VersionResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HealthResponse is returned by GET /api/v1/healthz.
type HealthResponse struct {
	Status         string             `json:"status"`
	Version        string             `json:"version"`
	Store          store.HealthStatus `json:"store"`
	ActiveSessions int                `json:"active_sessions"`
}
