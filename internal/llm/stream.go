package llm

import (
	"encoding/json"
	"strings"
)

type StreamUnitKind string

const (
	UnitContentDelta  StreamUnitKind = "content_delta"
	UnitToolCallDelta StreamUnitKind = "tool_call_delta"
	UnitCompleted     StreamUnitKind = "completed"
	UnitMalformed     StreamUnitKind = "malformed"
)

// StreamUnit is a single classified record from the upstream stream.
// Classification happens exactly once, here; consumers switch on Kind
// instead of probing optional JSON fields.
type StreamUnit struct {
	Kind StreamUnitKind

	// Text is the content fragment for UnitContentDelta.
	Text string

	// ToolName is set on the first UnitToolCallDelta of a call; later
	// fragments carry only ArgFragment.
	ToolName string

	// ArgFragment is a piece of the JSON-encoded tool arguments, to be
	// concatenated in arrival order.
	ArgFragment string

	// Raw preserves the undecodable payload for UnitMalformed.
	Raw string
}

// chatChunk mirrors the subset of an OpenAI-compatible streaming chunk
// this proxy consumes.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

// ClassifyChunk turns one decoded SSE payload into a StreamUnit.
func ClassifyChunk(payload string) StreamUnit {
	if strings.TrimSpace(payload) == DoneSentinel {
		return StreamUnit{Kind: UnitCompleted}
	}
	var chunk chatChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return StreamUnit{Kind: UnitMalformed, Raw: payload}
	}
	if len(chunk.Choices) == 0 {
		return StreamUnit{Kind: UnitMalformed, Raw: payload}
	}
	delta := chunk.Choices[0].Delta
	if len(delta.ToolCalls) > 0 {
		fn := delta.ToolCalls[0].Function
		return StreamUnit{
			Kind:        UnitToolCallDelta,
			ToolName:    fn.Name,
			ArgFragment: fn.Arguments,
		}
	}
	return StreamUnit{Kind: UnitContentDelta, Text: delta.Content}
}
