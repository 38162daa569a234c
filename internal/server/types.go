package server

// ChatRequest is the POST /api/chat request body.
type ChatRequest struct {
	// Query is the user's message for this turn. Required, non-blank.
	Query string `json:"query"`
}

// ErrorResponse is the standard JSON error envelope for non-stream failures.
type ErrorResponse struct {
	Error string `json:"error"`
}
