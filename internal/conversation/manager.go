package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"finsight-agent/internal/domain"
)

// Manager holds the conversations of one session and tracks which one is
// active. Every mutation is written through to the backend.
type Manager struct {
	backend Backend
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	convs    map[string]domain.Conversation
	activeID string
}

// NewManager returns a Manager over backend. Call Load before use.
func NewManager(backend Backend) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("conversation: backend must not be nil")
	}
	return &Manager{
		backend: backend,
		now:     time.Now,
		newID:   newConversationID,
		convs:   make(map[string]domain.Conversation),
	}, nil
}

// Load replaces the in-memory state with the backend contents. No
// conversation is active afterwards.
func (m *Manager) Load(ctx context.Context) error {
	convs, err := m.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("conversation: load: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs = make(map[string]domain.Conversation, len(convs))
	for _, c := range convs {
		m.convs[c.ID] = c
	}
	m.activeID = ""
	return nil
}

// Create starts an empty conversation and makes it active.
func (m *Manager) Create(ctx context.Context) (domain.Conversation, error) {
	conv := New(m.newID(), m.now())
	if err := m.backend.Put(ctx, conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation: create: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[conv.ID] = conv
	m.activeID = conv.ID
	return cloneConversation(conv), nil
}

// Switch makes id the active conversation.
func (m *Manager) Switch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return fmt.Errorf("conversation: switch %s: %w", id, ErrNotFound)
	}
	m.activeID = id
	return nil
}

// Active returns the active conversation, if any.
func (m *Manager) Active() (domain.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[m.activeID]
	if !ok {
		return domain.Conversation{}, false
	}
	return cloneConversation(c), true
}

// Get returns the conversation with id.
func (m *Manager) Get(id string) (domain.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, false
	}
	return cloneConversation(c), true
}

// List returns all conversations, most recently created first.
func (m *Manager) List() []domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

func (m *Manager) sortedLocked() []domain.Conversation {
	out := make([]domain.Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, cloneConversation(c))
	}
	slices.SortFunc(out, func(a, b domain.Conversation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return 1
		}
		if a.ID > b.ID {
			return -1
		}
		return 0
	})
	return out
}

// Replace sets the messages of conversation id and persists the result.
func (m *Manager) Replace(ctx context.Context, id string, messages []domain.Message) (domain.Conversation, error) {
	m.mu.Lock()
	current, ok := m.convs[id]
	m.mu.Unlock()
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation: replace %s: %w", id, ErrNotFound)
	}

	next, err := Replace(current, messages, m.now())
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := m.backend.Put(ctx, next); err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation: replace %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, still := m.convs[id]; !still {
		return domain.Conversation{}, fmt.Errorf("conversation: replace %s: %w", id, ErrNotFound)
	}
	m.convs[id] = next
	return cloneConversation(next), nil
}

// Delete removes conversation id. When it was active, the most recently
// created remaining conversation becomes active, or none if it was the last.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.convs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("conversation: delete %s: %w", id, ErrNotFound)
	}
	if err := m.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("conversation: delete %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, id)
	if m.activeID == id {
		m.activeID = ""
		if remaining := m.sortedLocked(); len(remaining) > 0 {
			m.activeID = remaining[0].ID
		}
	}
	return nil
}
