package api

// SubmitRequest is the HTTP request body for POST /api/v1/sessions.
type SubmitRequest struct {
	Task string `json:"task" binding:"required"`
}
