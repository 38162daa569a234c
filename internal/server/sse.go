package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StreamWriter writes the chat SSE protocol to an HTTP response.
// Events are single-line JSON objects in `data:` records:
//
//	data: {"status": "started"}
//	data: {"content": "..."}
//	data: {"status": "completed"}
//	data: {"error": "..."}
//
// Content is escaped with a fixed backslash scheme rather than a JSON
// encoder so that every delta stays on one line and clients can unescape
// with a plain string replace.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewStreamWriter prepares w for event streaming and sends the response
// headers. It fails if the underlying writer cannot flush.
func NewStreamWriter(w http.ResponseWriter) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &StreamWriter{w: w, flusher: flusher}, nil
}

// Started signals that the turn was accepted and deltas may follow.
func (sw *StreamWriter) Started() error {
	return sw.send(`{"status": "started"}`)
}

// Content forwards one model text delta.
func (sw *StreamWriter) Content(text string) error {
	return sw.send(fmt.Sprintf(`{"content": "%s"}`, escapeContent(text)))
}

// Completed terminates a successful turn.
func (sw *StreamWriter) Completed() error {
	return sw.send(`{"status": "completed"}`)
}

// Error reports a mid-stream failure. It is the terminal event of its stream.
func (sw *StreamWriter) Error(msg string) error {
	return sw.send(fmt.Sprintf(`{"error": "%s"}`, escapeContent(msg)))
}

func (sw *StreamWriter) send(payload string) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

var contentEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\n", `\n`,
	"\r", `\r`,
	`"`, `\"`,
)

// escapeContent makes text safe to embed in a one-line JSON string literal.
func escapeContent(text string) string {
	return contentEscaper.Replace(text)
}
