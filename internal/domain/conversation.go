package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolInvocation records one tool the assistant used and the document it got back.
type ToolInvocation struct {
	ToolName string          `json:"toolName"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// Message is a single turn in a conversation.
type Message struct {
	ID              string           `json:"id"`
	Role            string           `json:"role"`
	Content         string           `json:"content"`
	ToolInvocations []ToolInvocation `json:"toolInvocations,omitempty"`
}

// Validate reports whether the message is in a persistable state. A tool
// invocation without its result is in-flight and must never be stored.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("domain: message id is required")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
	default:
		return fmt.Errorf("domain: message %s has unknown role %q", m.ID, m.Role)
	}
	if len(m.ToolInvocations) > 0 && m.Role != RoleAssistant {
		return fmt.Errorf("domain: message %s: tool invocations are only valid on assistant messages", m.ID)
	}
	for i, inv := range m.ToolInvocations {
		if len(inv.Result) == 0 {
			return fmt.Errorf("domain: message %s: tool invocation %d (%s) has no result", m.ID, i, inv.ToolName)
		}
	}
	return nil
}

// Wire strips the id and tool-invocation metadata for transmission.
func (m Message) Wire() ChatMessage {
	return ChatMessage{Role: m.Role, Content: m.Content}
}

// Conversation is an ordered message list plus derived metadata.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
