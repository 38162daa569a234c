package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/docrelay/docrelay/internal/llm"
)

// Conversation holds one session's ordered message history plus an
// optional rolling summary produced by compaction. A single writer at a
// time is the rule (the session lock enforces it); the internal mutex
// additionally keeps snapshot reads consistent.
type Conversation struct {
	mu      sync.Mutex
	history []llm.Message
	summary string
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds a message to the history. User and assistant messages
// must carry non-empty content; insertion order is chronological and is
// the only ordering signal used when composing a prompt window.
func (c *Conversation) Append(m llm.Message) error {
	if (m.Role == llm.RoleUser || m.Role == llm.RoleAssistant) && strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%s message has empty content", m.Role)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
	return nil
}

// Window returns the most recent maxTurns user+assistant pairs in
// chronological order, without mutating state. Tool and unpaired
// messages inside the window are preserved in place.
func (c *Conversation) Window(maxTurns int) []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxTurns <= 0 || len(c.history) == 0 {
		return nil
	}
	// Each user message opens one turn; the window starts at the
	// maxTurns-th most recent one.
	start := len(c.history)
	turns := 0
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Role == llm.RoleUser {
			turns++
			start = i
			if turns == maxTurns {
				break
			}
		}
	}
	out := make([]llm.Message, len(c.history)-start)
	copy(out, c.history[start:])
	return out
}

// Summary returns the current rolling summary, empty until the first
// successful compaction.
func (c *Conversation) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Len reports the number of messages currently in the history.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Snapshot returns a copy of the full history for composing a
// summarization prompt.
func (c *Conversation) Snapshot() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Compact atomically replaces the summary and clears the history. It is
// never partially applied: callers that fail to produce a summary must
// simply not call it, leaving both fields untouched.
func (c *Conversation) Compact(newSummary string) error {
	if strings.TrimSpace(newSummary) == "" {
		return fmt.Errorf("refusing to compact with an empty summary")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = newSummary
	c.history = nil
	return nil
}
