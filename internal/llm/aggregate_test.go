package llm

import (
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func TestClassifyChunk(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    StreamUnitKind
	}{
		{"content", `{"choices":[{"delta":{"content":"hi"}}]}`, UnitContentDelta},
		{"tool call", `{"choices":[{"delta":{"tool_calls":[{"function":{"name":"writeCode","arguments":"{"}}]}}]}`, UnitToolCallDelta},
		{"sentinel", "[DONE]", UnitCompleted},
		{"bad json", `{"choices":`, UnitMalformed},
		{"no choices", `{"object":"chat.completion.chunk"}`, UnitMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyChunk(tc.payload); got.Kind != tc.want {
				t.Fatalf("ClassifyChunk(%q).Kind = %s, want %s", tc.payload, got.Kind, tc.want)
			}
		})
	}
}

func TestAggregator_ContentConcatenation(t *testing.T) {
	var forwarded []string
	agg := NewAggregator(func(d string) error {
		forwarded = append(forwarded, d)
		return nil
	}, nil)

	for _, text := range []string{"Test", "Comp ", "has three ", "properties"} {
		done, err := agg.Consume(StreamUnit{Kind: UnitContentDelta, Text: text})
		if err != nil || done {
			t.Fatalf("Consume: done=%t err=%v", done, err)
		}
	}
	done, err := agg.Consume(StreamUnit{Kind: UnitCompleted})
	if err != nil || !done {
		t.Fatalf("Consume completed: done=%t err=%v", done, err)
	}

	res := agg.Result()
	if res.Kind != TurnText {
		t.Fatalf("kind = %s, want text", res.Kind)
	}
	if got := strings.Join(forwarded, ""); got != res.Text {
		t.Fatalf("forwarded concat %q != result text %q", got, res.Text)
	}
	if res.Text != "TestComp has three properties" {
		t.Fatalf("result text = %q", res.Text)
	}
}

func TestAggregator_ToolCallReconstruction(t *testing.T) {
	agg := NewAggregator(nil, nil)

	// The first fragment carries the name; the rest only argument pieces.
	units := []StreamUnit{
		{Kind: UnitToolCallDelta, ToolName: "writeCode", ArgFragment: `{"co`},
		{Kind: UnitToolCallDelta, ArgFragment: `de":"con`},
		{Kind: UnitToolCallDelta, ArgFragment: `sole.log(1)"}`},
		{Kind: UnitCompleted},
	}
	for _, u := range units {
		if _, err := agg.Consume(u); err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}

	res := agg.Result()
	if res.Kind != TurnToolCall || res.ToolName != "writeCode" {
		t.Fatalf("result = %+v", res)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(res.Text), &args); err != nil {
		t.Fatalf("reconstructed arguments do not parse: %v (%q)", err, res.Text)
	}
	if args["code"] != "console.log(1)" {
		t.Fatalf("args = %v", args)
	}
}

func TestAggregator_ToolModeIsSticky(t *testing.T) {
	sinkCalled := false
	agg := NewAggregator(func(string) error {
		sinkCalled = true
		return nil
	}, nil)

	_, _ = agg.Consume(StreamUnit{Kind: UnitToolCallDelta, ToolName: "writeCode", ArgFragment: `{"code":`})
	// A content-shaped chunk after a tool call must not reach the sink.
	_, _ = agg.Consume(StreamUnit{Kind: UnitContentDelta, Text: `"x"}`})
	_, _ = agg.Consume(StreamUnit{Kind: UnitCompleted})

	if sinkCalled {
		t.Fatal("content sink invoked during a tool-call turn")
	}
	res := agg.Result()
	if res.Kind != TurnToolCall || res.Text != `{"code":"x"}` {
		t.Fatalf("result = %+v", res)
	}
}

func TestAggregator_MalformedSkippedNotFatal(t *testing.T) {
	var buf strings.Builder
	logger := log.New(&buf, "", 0)
	agg := NewAggregator(nil, logger)

	_, _ = agg.Consume(StreamUnit{Kind: UnitContentDelta, Text: "a"})
	if _, err := agg.Consume(StreamUnit{Kind: UnitMalformed, Raw: "{broken"}); err != nil {
		t.Fatalf("malformed unit aborted aggregation: %v", err)
	}
	_, _ = agg.Consume(StreamUnit{Kind: UnitContentDelta, Text: "b"})
	_, _ = agg.Consume(StreamUnit{Kind: UnitCompleted})

	if res := agg.Result(); res.Text != "ab" {
		t.Fatalf("text = %q, want ab", res.Text)
	}
	if !strings.Contains(buf.String(), "malformed") {
		t.Fatalf("malformed payload was not logged: %q", buf.String())
	}
}

func TestAggregator_EmptyContentNotForwarded(t *testing.T) {
	calls := 0
	agg := NewAggregator(func(string) error {
		calls++
		return nil
	}, nil)
	_, _ = agg.Consume(StreamUnit{Kind: UnitContentDelta, Text: ""})
	_, _ = agg.Consume(StreamUnit{Kind: UnitCompleted})
	if calls != 0 {
		t.Fatalf("empty delta forwarded %d times", calls)
	}
}
