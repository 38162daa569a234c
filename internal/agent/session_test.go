package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docrelay/docrelay/internal/llm"
)

// fakeUpstream is an OpenAI-compatible streaming endpoint for tests. It
// classifies each request as a chat or summarization exchange by the
// system prompt and records the arrival order.
type fakeUpstream struct {
	t *testing.T

	mu          sync.Mutex
	order       []string
	chatSystems []string
	chats       int
	answers     []func(w http.ResponseWriter)

	summaryDelay time.Duration
	summaryFail  bool

	srv *httptest.Server
}

func newFakeUpstream(t *testing.T, answers ...func(w http.ResponseWriter)) *fakeUpstream {
	f := &fakeUpstream{t: t, answers: answers}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Messages) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		isSummary := strings.Contains(body.Messages[0].Content, "Condense the conversation")

		f.mu.Lock()
		if isSummary {
			f.order = append(f.order, "summary")
		} else {
			f.order = append(f.order, "chat")
			f.chatSystems = append(f.chatSystems, body.Messages[0].Content)
		}
		idx := f.chats
		if !isSummary {
			f.chats++
		}
		delay := f.summaryDelay
		fail := f.summaryFail
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if isSummary {
			if delay > 0 {
				time.Sleep(delay)
			}
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			streamText(w, "summary of the chat so far")
			return
		}
		if idx >= len(f.answers) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.answers[idx](w)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) requestOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.order...)
}

func streamText(w http.ResponseWriter, text string) {
	for _, r := range text {
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%s}}]}\n\n", jsonString(string(r)))
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func streamToolCall(w http.ResponseWriter, name string, fragments ...string) {
	first := map[string]any{"choices": []any{map[string]any{"delta": map[string]any{
		"tool_calls": []any{map[string]any{"index": 0, "function": map[string]any{"name": name, "arguments": fragments[0]}}},
	}}}}
	b, _ := json.Marshal(first)
	fmt.Fprintf(w, "data: %s\n\n", b)
	for _, frag := range fragments[1:] {
		chunk := map[string]any{"choices": []any{map[string]any{"delta": map[string]any{
			"tool_calls": []any{map[string]any{"index": 0, "function": map[string]any{"arguments": frag}}},
		}}}}
		b, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

type fixedRetriever struct{ passages []string }

func (r fixedRetriever) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	return r.passages, nil
}

func newTestSession(t *testing.T, f *fakeUpstream, cfg SessionConfig, retriever Retriever) *Session {
	t.Helper()
	client := llm.NewClient(llm.Config{BaseURL: f.srv.URL, APIKey: "k"}, nil)
	reg := NewToolRegistry()
	out := t.TempDir() + "/out.js"
	if err := RegisterCoreTools(reg, CoreToolsConfig{CodeOutputPath: out, CorpusDir: t.TempDir()}); err != nil {
		t.Fatalf("RegisterCoreTools: %v", err)
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	s, err := NewSession(client, reg, retriever, cfg, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSession_TextTurnUpdatesHistoryAndForwardsDeltas(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter) { streamText(w, "hello there") })
	s := newTestSession(t, f, SessionConfig{}, nil)

	var deltas []string
	err := s.Ask(context.Background(), "hi", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got := strings.Join(deltas, ""); got != "hello there" {
		t.Fatalf("forwarded = %q", got)
	}

	hist := s.Conversation().Snapshot()
	if len(hist) != 2 || hist[0].Role != llm.RoleUser || hist[1].Role != llm.RoleAssistant {
		t.Fatalf("history = %v", hist)
	}
	if hist[1].Content != "hello there" {
		t.Fatalf("assistant content = %q", hist[1].Content)
	}
}

func TestSession_EmptyQueryFailsFastWithoutUpstreamCall(t *testing.T) {
	f := newFakeUpstream(t)
	s := newTestSession(t, f, SessionConfig{}, nil)

	for _, q := range []string{"", "   ", "\n\t"} {
		if err := s.Ask(context.Background(), q, nil); err != ErrEmptyQuery {
			t.Fatalf("Ask(%q) = %v, want ErrEmptyQuery", q, err)
		}
	}
	if len(f.requestOrder()) != 0 {
		t.Fatal("empty query reached the upstream")
	}
}

func TestSession_UpstreamErrorLeavesHistoryUntouched(t *testing.T) {
	f := newFakeUpstream(t) // no answers: every chat request 500s
	s := newTestSession(t, f, SessionConfig{}, nil)

	if err := s.Ask(context.Background(), "hi", nil); err == nil {
		t.Fatal("expected upstream error")
	}
	if s.Conversation().Len() != 0 {
		t.Fatal("failed turn mutated history")
	}
}

func TestSession_ToolCallTurnDispatchesAndRecordsResult(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter) {
		streamToolCall(w, "writeCode", `{"co`, `de":"con`, `sole.log(1)"}`)
	})
	s := newTestSession(t, f, SessionConfig{}, nil)

	sinkCalled := false
	err := s.Ask(context.Background(), "write a log statement", func(string) error {
		sinkCalled = true
		return nil
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if sinkCalled {
		t.Fatal("tool-call turn forwarded content deltas")
	}

	hist := s.Conversation().Snapshot()
	if len(hist) != 2 {
		t.Fatalf("history = %v", hist)
	}
	toolMsg := hist[1]
	if toolMsg.Role != llm.RoleTool || toolMsg.ToolName != "writeCode" {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "code written") {
		t.Fatalf("tool outcome = %q", toolMsg.Content)
	}
}

func TestSession_UnknownToolRecordedAsFailureAndSessionContinues(t *testing.T) {
	f := newFakeUpstream(t,
		func(w http.ResponseWriter) { streamToolCall(w, "nonexistent", `{}`) },
		func(w http.ResponseWriter) { streamText(w, "still alive") },
	)
	s := newTestSession(t, f, SessionConfig{}, nil)

	if err := s.Ask(context.Background(), "do something", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	hist := s.Conversation().Snapshot()
	if len(hist) != 2 || hist[1].Role != llm.RoleTool {
		t.Fatalf("history = %v", hist)
	}
	if !strings.Contains(hist[1].Content, "tool call failed") {
		t.Fatalf("tool message = %q", hist[1].Content)
	}

	// The session keeps working after the dispatch failure.
	if err := s.Ask(context.Background(), "and now?", nil); err != nil {
		t.Fatalf("second Ask: %v", err)
	}
}

func TestSession_ResubmitAfterToolProducesFollowUpAnswer(t *testing.T) {
	f := newFakeUpstream(t,
		func(w http.ResponseWriter) { streamToolCall(w, "writeCode", `{"code":"x"}`) },
		func(w http.ResponseWriter) { streamText(w, "I wrote the file.") },
	)
	s := newTestSession(t, f, SessionConfig{ResubmitAfterTool: true}, nil)

	var deltas []string
	err := s.Ask(context.Background(), "write x", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if strings.Join(deltas, "") != "I wrote the file." {
		t.Fatalf("follow-up deltas = %v", deltas)
	}

	hist := s.Conversation().Snapshot()
	if len(hist) != 3 || hist[2].Role != llm.RoleAssistant {
		t.Fatalf("history = %v", hist)
	}
}

func TestSession_RetrievedContextEntersSystemPrompt(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter) { streamText(w, "ok") })
	s := newTestSession(t, f, SessionConfig{RetrieveTopK: 3}, fixedRetriever{
		passages: []string{"TestComp 是一个测试组件，它有 open、isDev、onChange 三个属性"},
	})
	if err := s.Ask(context.Background(), "What is TestComp?", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chatSystems) != 1 || !strings.Contains(f.chatSystems[0], "TestComp 是一个测试组件") {
		t.Fatalf("system prompt missing retrieved passage: %q", f.chatSystems)
	}
}

func TestSession_CompactionReplacesHistoryWithSummary(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter) { streamText(w, "answer one") })
	s := newTestSession(t, f, SessionConfig{CompactEveryTurn: true}, nil)

	if err := s.Ask(context.Background(), "first question", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	s.WaitCompaction()

	conv := s.Conversation()
	if conv.Len() != 0 {
		t.Fatalf("history length = %d after compaction", conv.Len())
	}
	if conv.Summary() != "summary of the chat so far" {
		t.Fatalf("summary = %q", conv.Summary())
	}
}

func TestSession_FailedCompactionLeavesStateUntouched(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter) { streamText(w, "answer one") })
	f.summaryFail = true
	s := newTestSession(t, f, SessionConfig{CompactEveryTurn: true}, nil)

	if err := s.Ask(context.Background(), "first question", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	s.WaitCompaction()

	conv := s.Conversation()
	if conv.Len() != 2 {
		t.Fatalf("history length = %d, want 2", conv.Len())
	}
	if conv.Summary() != "" {
		t.Fatalf("summary = %q, want empty", conv.Summary())
	}
}

func TestSession_NextTurnWaitsForInFlightCompaction(t *testing.T) {
	f := newFakeUpstream(t,
		func(w http.ResponseWriter) { streamText(w, "answer one") },
		func(w http.ResponseWriter) { streamText(w, "answer two") },
	)
	f.summaryDelay = 150 * time.Millisecond
	s := newTestSession(t, f, SessionConfig{CompactEveryTurn: true}, nil)

	if err := s.Ask(context.Background(), "first question", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	// Give the compaction goroutine a moment to take the session lock.
	time.Sleep(30 * time.Millisecond)
	if err := s.Ask(context.Background(), "second question", nil); err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	s.WaitCompaction()

	// The second chat must not have raced ahead of the first turn's
	// summarization exchange.
	order := f.requestOrder()
	want := []string{"chat", "summary", "chat", "summary"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSession_ClosedSessionRejectsTurns(t *testing.T) {
	f := newFakeUpstream(t)
	s := newTestSession(t, f, SessionConfig{}, nil)
	s.Close()
	if err := s.Ask(context.Background(), "hi", nil); err != ErrSessionClosed {
		t.Fatalf("Ask = %v, want ErrSessionClosed", err)
	}
}

func TestRegistry_SessionsAreIndependent(t *testing.T) {
	f := newFakeUpstream(t,
		func(w http.ResponseWriter) { streamText(w, "for session a") },
		func(w http.ResponseWriter) { streamText(w, "for session b") },
	)
	reg := NewRegistry()
	a := newTestSession(t, f, SessionConfig{}, nil)
	b := newTestSession(t, f, SessionConfig{}, nil)
	if err := reg.Register("a", a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("a", b); err == nil {
		t.Fatal("duplicate key accepted")
	}
	if err := reg.Register("b", b); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := a.Ask(context.Background(), "q-a", nil); err != nil {
		t.Fatalf("Ask a: %v", err)
	}
	if err := b.Ask(context.Background(), "q-b", nil); err != nil {
		t.Fatalf("Ask b: %v", err)
	}
	if a.Conversation().Snapshot()[1].Content == b.Conversation().Snapshot()[1].Content {
		t.Fatal("sessions shared state")
	}
}
