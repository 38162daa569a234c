package llm

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation. Immutable once appended to a
// conversation; ToolName is set only for tool-role messages.
type Message struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"name,omitempty"`
}

func System(text string) Message    { return Message{Role: RoleSystem, Content: text} }
func User(text string) Message      { return Message{Role: RoleUser, Content: text} }
func Assistant(text string) Message { return Message{Role: RoleAssistant, Content: text} }

func ToolResult(toolName, text string) Message {
	return Message{Role: RoleTool, Content: text, ToolName: toolName}
}

// ToolDefinition is the capability surface advertised to the model:
// name, description, and a JSON schema for the arguments. It never
// carries the handler.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func ValidateToolName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("tool name %q contains invalid character %q", name, r)
	}
	return nil
}

// Request is one chat-completions exchange.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is empty"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "messages are empty"}
	}
	return nil
}

type TurnKind string

const (
	TurnText     TurnKind = "text"
	TurnToolCall TurnKind = "tool_call"
)

// TurnResult is the fully aggregated outcome of one upstream exchange.
// For TurnText, Text is the concatenation of all content deltas. For
// TurnToolCall, Text holds the concatenated JSON argument fragments and
// ToolName the single tool the model asked for.
type TurnResult struct {
	Kind     TurnKind
	Text     string
	ToolName string
}
