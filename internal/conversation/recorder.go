package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finsight-agent/internal/domain"
)

// Reconcile maps a wire transcript onto stored messages. The longest prefix of
// stored entries whose role and content match the transcript is kept as is,
// with ids and tool invocations intact; entries after the first mismatch are
// dropped and the rest of the transcript becomes new messages.
func Reconcile(stored []domain.Message, transcript []domain.ChatMessage, newID func() string) []domain.Message {
	out := make([]domain.Message, 0, len(transcript)+1)
	matching := true
	for i, t := range transcript {
		if matching && i < len(stored) && stored[i].Role == t.Role && stored[i].Content == t.Content {
			out = append(out, stored[i])
			continue
		}
		matching = false
		out = append(out, domain.Message{ID: newID(), Role: t.Role, Content: t.Content})
	}
	return cloneMessages(out)
}

// Recorder appends completed turns to server-side conversations.
type Recorder struct {
	backend Backend
	now     func() time.Time
	newID   func() string
}

func NewRecorder(backend Backend) (*Recorder, error) {
	if backend == nil {
		return nil, errors.New("conversation: backend must not be nil")
	}
	return &Recorder{backend: backend, now: time.Now, newID: NewMessageID}, nil
}

// RecordTurn stores transcript plus reply under conversationID, creating the
// conversation on first use.
func (r *Recorder) RecordTurn(ctx context.Context, conversationID string, transcript []domain.ChatMessage, reply domain.Message) error {
	if conversationID == "" {
		return errors.New("conversation: record turn: conversation id is required")
	}
	conv, err := r.backend.Get(ctx, conversationID)
	switch {
	case errors.Is(err, ErrNotFound):
		conv = New(conversationID, r.now())
	case err != nil:
		return fmt.Errorf("conversation: record turn %s: %w", conversationID, err)
	}

	messages := append(Reconcile(conv.Messages, transcript, r.newID), reply)
	next, err := Replace(conv, messages, r.now())
	if err != nil {
		return err
	}
	if err := r.backend.Put(ctx, next); err != nil {
		return fmt.Errorf("conversation: record turn %s: %w", conversationID, err)
	}
	return nil
}
