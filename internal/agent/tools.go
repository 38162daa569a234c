package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/docrelay/docrelay/internal/llm"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ToolHandler executes one validated tool call and returns the text to
// record as the tool message.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// Tool couples a capability definition with its handler and the
// compiled argument schema. Registered once at startup, immutable
// thereafter.
type Tool struct {
	Definition llm.ToolDefinition
	Handler    ToolHandler

	schema *jsonschema.Schema
}

// ToolRegistry maps tool names to handlers. Read-only at request time;
// the lock exists for startup registration order freedom.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]Tool{}}
}

// Register adds a tool, failing on an invalid or duplicate name and on
// an uncompilable parameter schema.
func (r *ToolRegistry) Register(t Tool) error {
	if err := llm.ValidateToolName(t.Definition.Name); err != nil {
		return err
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s missing handler", t.Definition.Name)
	}
	schema, err := compileSchema(t.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", t.Definition.Name, err)
	}
	t.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Definition.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
	return nil
}

// Describe returns the capability list advertised upstream: names,
// descriptions, and schemas, never the handlers.
func (r *ToolRegistry) Describe() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	return out
}

// Dispatch validates and executes exactly one tool call. It fails with
// ErrUnknownTool for an unregistered name and ErrInvalidArguments when
// rawArgs is not JSON or fails the parameter schema; in both cases no
// handler runs. Handler errors and panics are caught and converted into
// a failure-text tool message: a tool failure must not crash the
// session.
func (r *ToolRegistry) Dispatch(ctx context.Context, name, rawArgs string) (llm.Message, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return llm.Message{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return llm.Message{}, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidArguments, err)
		}
	}
	if err := t.schema.Validate(args); err != nil {
		return llm.Message{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	out, err := runHandler(ctx, t.Handler, args)
	if err != nil {
		return llm.ToolResult(name, fmt.Sprintf("tool %s failed: %v", name, err)), nil
	}
	return llm.ToolResult(name, out), nil
}

func runHandler(ctx context.Context, h ToolHandler, args map[string]any) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx, args)
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		// Default to the empty object schema.
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
