// Package conversation owns the conversation lifecycle: title derivation, the
// single replace-messages mutation, the session-level Manager and transcript
// reconciliation for server-side turn recording.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"finsight-agent/internal/domain"
)

const (
	// DefaultTitle names a conversation with no user message yet.
	DefaultTitle = "New Chat"
	titleRunes   = 50
)

// ErrNotFound is returned by backends and the Manager for unknown ids.
var ErrNotFound = errors.New("conversation: not found")

// Backend persists whole conversations keyed by id.
type Backend interface {
	List(ctx context.Context) ([]domain.Conversation, error)
	Get(ctx context.Context, id string) (domain.Conversation, error)
	Put(ctx context.Context, conv domain.Conversation) error
	Delete(ctx context.Context, id string) error
}

var newConversationID = func() string {
	return uuid.NewString()
}

// NewMessageID returns a time-ordered message id.
func NewMessageID() string {
	return ulid.Make().String()
}

// Title derives a conversation title from the first user message: its first
// 50 characters, with "..." appended when it was cut.
func Title(messages []domain.Message) string {
	for _, m := range messages {
		if m.Role != domain.RoleUser {
			continue
		}
		r := []rune(m.Content)
		if len(r) <= titleRunes {
			return m.Content
		}
		return string(r[:titleRunes]) + "..."
	}
	return DefaultTitle
}

// New returns an empty conversation created at now.
func New(id string, now time.Time) domain.Conversation {
	now = now.UTC()
	return domain.Conversation{
		ID:        id,
		Title:     DefaultTitle,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Replace sets the message list of conv, recomputing the title and refreshing
// UpdatedAt. It is the only way conversation contents change.
func Replace(conv domain.Conversation, messages []domain.Message, now time.Time) (domain.Conversation, error) {
	for _, m := range messages {
		if err := m.Validate(); err != nil {
			return domain.Conversation{}, fmt.Errorf("conversation: replace %s: %w", conv.ID, err)
		}
	}
	conv.Messages = cloneMessages(messages)
	conv.Title = Title(conv.Messages)
	conv.UpdatedAt = now.UTC()
	return conv, nil
}

func cloneMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, len(in))
	for i, m := range in {
		if len(m.ToolInvocations) > 0 {
			m.ToolInvocations = append([]domain.ToolInvocation(nil), m.ToolInvocations...)
		}
		out[i] = m
	}
	return out
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Messages = cloneMessages(c.Messages)
	return c
}
