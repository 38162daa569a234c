package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/docrelay/docrelay/internal/agent"
	"github.com/docrelay/docrelay/internal/llm"
)

// defaultSessionKey is used when the caller does not name a session.
const defaultSessionKey = "default"

// validSessionKey matches ULIDs, UUIDs, and other safe identifiers.
// Only alphanumeric, dashes, and underscores are allowed.
var validSessionKey = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.sessions.List()),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	// Blank queries are rejected before any stream bytes go out, so the
	// caller sees a plain JSON error rather than a degenerate event stream.
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-Session-Id"))
	if key == "" {
		key = defaultSessionKey
	}
	if !validSessionKey.MatchString(key) {
		writeError(w, http.StatusBadRequest, "session id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	sess, err := s.sessions.GetOrCreate(key, s.newSession)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create session: %v", err))
		return
	}

	sw, err := NewStreamWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sw.Started(); err != nil {
		return
	}

	askErr := sess.Ask(r.Context(), req.Query, func(delta string) error {
		return sw.Content(delta)
	})
	if askErr != nil {
		s.logger.Printf("session %s: turn failed: %v", key, askErr)
		_ = sw.Error(chatErrorMessage(askErr))
		return
	}
	_ = sw.Completed()
}

// chatErrorMessage picks the caller-facing text for a failed turn. Upstream
// detail stays in the server log.
func chatErrorMessage(err error) string {
	switch {
	case errors.Is(err, agent.ErrSessionClosed):
		return "session is shutting down"
	case llm.IsTimeout(err):
		return "model response timed out"
	default:
		var llmErr llm.Error
		if errors.As(err, &llmErr) {
			return fmt.Sprintf("model request failed: %s", llmErr.Error())
		}
		return "internal error while generating response"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
