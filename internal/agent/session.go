package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/docrelay/docrelay/internal/llm"
)

// ErrEmptyQuery rejects a turn before any upstream call is made.
var ErrEmptyQuery = errors.New("query is empty")

// ErrSessionClosed is returned for turns submitted after Close.
var ErrSessionClosed = errors.New("session is closed")

// Retriever is the read-only lookup over the pre-built vector index.
// The session treats it as an opaque capability.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

type SessionConfig struct {
	Model        string
	SystemPrompt string

	// HistoryWindow bounds the prompt to the most recent N user turns.
	HistoryWindow int

	// RetrieveTopK passages are folded into the reference-context
	// section of the system prompt. Zero disables retrieval.
	RetrieveTopK int

	// ResubmitAfterTool re-invokes the model with the tool result
	// appended, inside the same turn. The original protocol ended the
	// turn after recording the tool outcome, so this defaults to off.
	ResubmitAfterTool bool

	// CompactEveryTurn triggers summarization after every completed
	// assistant turn. CompactMinMessages additionally gates it on
	// history size when positive.
	CompactEveryTurn   bool
	CompactMinMessages int

	SummaryPrompt string
}

func (c *SessionConfig) applyDefaults() {
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = "You are a documentation assistant. Answer using the reference context when it is relevant, and say so when it is not."
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 8
	}
	if c.RetrieveTopK < 0 {
		c.RetrieveTopK = 0
	}
	if strings.TrimSpace(c.SummaryPrompt) == "" {
		c.SummaryPrompt = "Condense the conversation below into a short summary that preserves every fact a future turn might need. Reply with the summary only."
	}
}

// Session drives one conversation: it owns the Conversation, the
// turn state machine, and the background compaction pass. All turns and
// compactions for a session are serialized behind a single mutex, so a
// new turn cannot observe a half-applied compaction.
type Session struct {
	id        string
	cfg       SessionConfig
	client    *llm.Client
	conv      *Conversation
	reg       *ToolRegistry
	retriever Retriever
	logger    *log.Logger

	mu     sync.Mutex
	closed bool

	compactions sync.WaitGroup
}

func NewSession(client *llm.Client, reg *ToolRegistry, retriever Retriever, cfg SessionConfig, logger *log.Logger) (*Session, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client is nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("tool registry is nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is empty")
	}
	cfg.applyDefaults()
	return &Session{
		id:        ulid.Make().String(),
		cfg:       cfg,
		client:    client,
		conv:      NewConversation(),
		reg:       reg,
		retriever: retriever,
		logger:    logger,
	}, nil
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Conversation() *Conversation { return s.conv }

func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.compactions.Wait()
}

// WaitCompaction blocks until any in-flight compaction has resolved.
func (s *Session) WaitCompaction() { s.compactions.Wait() }

// Ask runs one turn: request, stream, history update, optional tool
// dispatch, then background compaction. Content deltas reach sink in
// upstream arrival order. On error the conversation is not mutated for
// this turn beyond messages already appended.
func (s *Session) Ask(ctx context.Context, query string, sink llm.DeltaSink) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}

	// Per-session queue: a previous turn's compaction holds this lock
	// until it has either committed or abandoned its summary.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	req := llm.Request{
		Model:    s.cfg.Model,
		Messages: s.buildPrompt(ctx, query),
		Tools:    s.reg.Describe(),
	}

	res, err := s.client.StreamTurn(ctx, req, sink)
	if err != nil {
		return err
	}

	switch res.Kind {
	case llm.TurnText:
		if err := s.conv.Append(llm.User(query)); err != nil {
			return err
		}
		if strings.TrimSpace(res.Text) != "" {
			if err := s.conv.Append(llm.Assistant(res.Text)); err != nil {
				return err
			}
		}
	case llm.TurnToolCall:
		if err := s.conv.Append(llm.User(query)); err != nil {
			return err
		}
		toolMsg := s.dispatchTool(ctx, res)
		if err := s.conv.Append(toolMsg); err != nil {
			return err
		}
		if s.cfg.ResubmitAfterTool {
			if err := s.resubmit(ctx, sink); err != nil {
				return err
			}
		}
	}

	s.maybeCompact()
	return nil
}

// dispatchTool executes the requested tool. Dispatch-level failures
// (unknown name, bad arguments) become failure-text tool messages so
// the session keeps going.
func (s *Session) dispatchTool(ctx context.Context, res llm.TurnResult) llm.Message {
	msg, err := s.reg.Dispatch(ctx, res.ToolName, res.Text)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("session %s: tool dispatch: %v", s.id, err)
		}
		name := res.ToolName
		if strings.TrimSpace(name) == "" {
			name = "unknown"
		}
		return llm.ToolResult(name, fmt.Sprintf("tool call failed: %v", err))
	}
	return msg
}

// resubmit re-invokes the model with the tool result already in
// history, producing the follow-up answer within the same turn.
func (s *Session) resubmit(ctx context.Context, sink llm.DeltaSink) error {
	req := llm.Request{
		Model:    s.cfg.Model,
		Messages: append(s.systemMessages(nil), s.conv.Window(s.cfg.HistoryWindow)...),
		Tools:    s.reg.Describe(),
	}
	res, err := s.client.StreamTurn(ctx, req, sink)
	if err != nil {
		return err
	}
	if res.Kind == llm.TurnText && strings.TrimSpace(res.Text) != "" {
		return s.conv.Append(llm.Assistant(res.Text))
	}
	return nil
}

func (s *Session) buildPrompt(ctx context.Context, query string) []llm.Message {
	var passages []string
	if s.retriever != nil && s.cfg.RetrieveTopK > 0 {
		var err error
		passages, err = s.retriever.Retrieve(ctx, query, s.cfg.RetrieveTopK)
		if err != nil {
			// Retrieval is best-effort; the turn proceeds without context.
			if s.logger != nil {
				s.logger.Printf("session %s: retrieve: %v", s.id, err)
			}
			passages = nil
		}
	}
	msgs := s.systemMessages(passages)
	msgs = append(msgs, s.conv.Window(s.cfg.HistoryWindow)...)
	msgs = append(msgs, llm.User(query))
	return msgs
}

func (s *Session) systemMessages(passages []string) []llm.Message {
	var b strings.Builder
	b.WriteString(s.cfg.SystemPrompt)
	if len(passages) > 0 {
		b.WriteString("\n\nReference context:\n")
		for _, p := range passages {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteString("\n")
		}
	}
	if summary := s.conv.Summary(); summary != "" {
		b.WriteString("\nConversation summary so far:\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	return []llm.Message{llm.System(b.String())}
}

// maybeCompact launches the background summarization pass. The caller
// holds s.mu; the pass reacquires it, so the compaction can never
// interleave with the next turn's Append or Window.
func (s *Session) maybeCompact() {
	if !s.cfg.CompactEveryTurn {
		return
	}
	if s.cfg.CompactMinMessages > 0 && s.conv.Len() < s.cfg.CompactMinMessages {
		return
	}
	if s.conv.Len() == 0 {
		return
	}
	s.compactions.Add(1)
	go func() {
		defer s.compactions.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.compactOnce(context.Background())
	}()
}

// compactOnce runs the summarization exchange and applies the result.
// On any failure the history and summary are left untouched.
func (s *Session) compactOnce(ctx context.Context) {
	history := s.conv.Snapshot()
	if len(history) == 0 {
		return
	}

	var b strings.Builder
	if prev := s.conv.Summary(); prev != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(prev)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	for _, m := range history {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	req := llm.Request{
		Model: s.cfg.Model,
		Messages: []llm.Message{
			llm.System(s.cfg.SummaryPrompt),
			llm.User(b.String()),
		},
	}
	res, err := s.client.StreamTurn(ctx, req, llm.DiscardDeltas)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("session %s: summarization failed, keeping history: %v", s.id, err)
		}
		return
	}
	if res.Kind != llm.TurnText || strings.TrimSpace(res.Text) == "" {
		if s.logger != nil {
			s.logger.Printf("session %s: summarization produced no usable summary, keeping history", s.id)
		}
		return
	}
	if err := s.conv.Compact(res.Text); err != nil && s.logger != nil {
		s.logger.Printf("session %s: compact: %v", s.id, err)
	}
}
