package conversation

import (
	"context"
	"sync"

	"finsight-agent/internal/domain"
)

// MemoryBackend keeps conversations in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	convs map[string]domain.Conversation
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{convs: make(map[string]domain.Conversation)}
}

func (b *MemoryBackend) List(context.Context) ([]domain.Conversation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Conversation, 0, len(b.convs))
	for _, c := range b.convs {
		out = append(out, cloneConversation(c))
	}
	return out, nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (domain.Conversation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.convs[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (b *MemoryBackend) Put(_ context.Context, conv domain.Conversation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs[conv.ID] = cloneConversation(conv)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.convs[id]; !ok {
		return ErrNotFound
	}
	delete(b.convs, id)
	return nil
}
