package domain

import "encoding/json"

// Transcript roles understood by the model provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ChatMessage is the provider-agnostic transcript entry used by the handler
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant entries that recorded a tool-call request.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID tags a tool-result entry with the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured call request produced by the model. Arguments are
// kept in their serialized form until the orchestration loop parses them.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is one catalogue entry as exposed to the model provider.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Decision is the outcome of a non-streaming decision round: either direct
// answer text or a single tool-call request.
type Decision struct {
	Content  string
	ToolCall *ToolCall
}

// StreamDelta is one increment of streamed model output. A delta carrying Err
// terminates the stream.
type StreamDelta struct {
	Content string
	Err     error
}
