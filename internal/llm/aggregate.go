package llm

import (
	"log"
	"strings"
)

// DeltaSink receives content fragments as they arrive, in order. A sink
// error aborts the turn.
type DeltaSink func(delta string) error

// DiscardDeltas is a sink for exchanges whose incremental output nobody
// watches (summarization).
func DiscardDeltas(string) error { return nil }

// Aggregator folds a stream of StreamUnits into a TurnResult. Content
// and tool-call fragments are mutually exclusive across one turn: the
// first tool-call fragment locks the turn into tool-call mode, and
// every later fragment is treated as part of that same single call even
// when the name field is absent. Malformed payloads are logged and
// skipped; they never abort aggregation.
type Aggregator struct {
	sink   DeltaSink
	logger *log.Logger

	text     strings.Builder
	args     strings.Builder
	toolName string
	toolMode bool
	done     bool
}

func NewAggregator(sink DeltaSink, logger *log.Logger) *Aggregator {
	if sink == nil {
		sink = DiscardDeltas
	}
	return &Aggregator{sink: sink, logger: logger}
}

// Consume processes one unit. It reports whether the stream is complete.
func (a *Aggregator) Consume(u StreamUnit) (done bool, err error) {
	if a.done {
		return true, nil
	}
	switch u.Kind {
	case UnitCompleted:
		a.done = true
		return true, nil
	case UnitMalformed:
		if a.logger != nil {
			a.logger.Printf("skipping malformed stream payload: %.200s", u.Raw)
		}
		return false, nil
	case UnitToolCallDelta:
		a.toolMode = true
		if a.toolName == "" && u.ToolName != "" {
			a.toolName = u.ToolName
		}
		a.args.WriteString(u.ArgFragment)
		return false, nil
	case UnitContentDelta:
		if a.toolMode {
			// Once a tool call starts, stray content-shaped chunks
			// belong to the same call's argument stream.
			a.args.WriteString(u.Text)
			return false, nil
		}
		if u.Text == "" {
			return false, nil
		}
		a.text.WriteString(u.Text)
		if err := a.sink(u.Text); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, nil
	}
}

// Result finalizes the turn. Valid once Consume reported done or the
// stream ended.
func (a *Aggregator) Result() TurnResult {
	if a.toolMode {
		return TurnResult{
			Kind:     TurnToolCall,
			Text:     a.args.String(),
			ToolName: a.toolName,
		}
	}
	return TurnResult{Kind: TurnText, Text: a.text.String()}
}
