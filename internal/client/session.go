package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"finsight-agent/internal/conversation"
	"finsight-agent/internal/domain"
)

const (
	// FallbackMessage is appended when a turn fails for any reason other than
	// rate limiting or cancellation.
	FallbackMessage = "Sorry, I encountered an error. Please try again."
	// RateLimitNotice is appended when the chat endpoint answers 429.
	RateLimitNotice = "You have reached the request limit. Please wait a minute before asking again."
)

var (
	ErrBusy                = errors.New("client: a request is already in flight")
	ErrEmptyInput          = errors.New("client: message is empty")
	ErrNothingToRegenerate = errors.New("client: no user message to regenerate")
	ErrStreamAborted       = errors.New("client: stream aborted")
)

type State string

const (
	StateIdle       State = "Idle"
	StateSubmitting State = "Submitting"
	StateStreaming  State = "Streaming"
	StateStopping   State = "Stopping"
)

// Controller runs one request at a time for the active conversation of a
// conversation.Manager. Every change to the message list goes through
// Manager.Replace.
type Controller struct {
	manager   *conversation.Manager
	transport Transport
	logger    *slog.Logger
	newID     func() string
	onDelta   func(string)
	sendConvo bool

	mu       sync.Mutex
	state    State
	progress strings.Builder
	cancel   context.CancelFunc
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDeltaHandler is called with every chunk as it arrives.
func WithDeltaHandler(fn func(chunk string)) Option {
	return func(c *Controller) { c.onDelta = fn }
}

// WithServerRecording sends the conversation id so the server records turns.
func WithServerRecording() Option {
	return func(c *Controller) { c.sendConvo = true }
}

func NewController(manager *conversation.Manager, transport Transport, opts ...Option) (*Controller, error) {
	if manager == nil {
		return nil, errors.New("client: manager must not be nil")
	}
	if transport == nil {
		return nil, errors.New("client: transport must not be nil")
	}
	c := &Controller{
		manager:   manager,
		transport: transport,
		logger:    slog.Default(),
		newID:     conversation.NewMessageID,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InProgress returns the text accumulated so far while a turn is streaming.
func (c *Controller) InProgress() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return "", false
	}
	return c.progress.String(), true
}

// Submit appends text as a user message and runs the turn to completion. It
// blocks until the answer is finalized, the turn fails, or Stop is called.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	turnCtx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer c.end()

	conv, ok := c.manager.Active()
	if !ok {
		if conv, err = c.manager.Create(ctx); err != nil {
			return fmt.Errorf("client: create conversation: %w", err)
		}
	}
	messages := append(conv.Messages, domain.Message{ID: c.newID(), Role: domain.RoleUser, Content: text})
	if conv, err = c.manager.Replace(ctx, conv.ID, messages); err != nil {
		return fmt.Errorf("client: append user message: %w", err)
	}
	return c.run(ctx, turnCtx, conv)
}

// Regenerate drops everything after the most recent user message and asks
// again with the same transcript.
func (c *Controller) Regenerate(ctx context.Context) error {
	turnCtx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer c.end()

	conv, ok := c.manager.Active()
	if !ok {
		return ErrNothingToRegenerate
	}
	last := -1
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == domain.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return ErrNothingToRegenerate
	}
	if conv, err = c.manager.Replace(ctx, conv.ID, conv.Messages[:last+1]); err != nil {
		return fmt.Errorf("client: truncate for regenerate: %w", err)
	}
	return c.run(ctx, turnCtx, conv)
}

// DeleteMessage removes one message from the active conversation.
func (c *Controller) DeleteMessage(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrBusy
	}
	conv, ok := c.manager.Active()
	if !ok {
		return conversation.ErrNotFound
	}
	kept := make([]domain.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(conv.Messages) {
		return fmt.Errorf("client: message %s: %w", id, conversation.ErrNotFound)
	}
	_, err := c.manager.Replace(ctx, conv.ID, kept)
	return err
}

// Stop cancels the turn in flight. It reports whether there was one.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSubmitting && c.state != StateStreaming {
		return false
	}
	c.state = StateStopping
	c.progress.Reset()
	c.cancel()
	return true
}

func (c *Controller) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return nil, ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.state = StateSubmitting
	c.cancel = cancel
	c.progress.Reset()
	return turnCtx, nil
}

func (c *Controller) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
	c.cancel = nil
	c.state = StateIdle
	c.progress.Reset()
}

func (c *Controller) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStopping
}

// run sends conv's transcript and finalizes the answer. ctx persists the
// outcome; turnCtx governs the request and is cancelled by Stop.
func (c *Controller) run(ctx, turnCtx context.Context, conv domain.Conversation) error {
	req := ChatRequest{Messages: make([]domain.ChatMessage, 0, len(conv.Messages))}
	for _, m := range conv.Messages {
		req.Messages = append(req.Messages, m.Wire())
	}
	if c.sendConvo {
		req.ConversationID = conv.ID
	}

	body, err := c.transport.Send(turnCtx, req)
	if err != nil {
		return c.fail(ctx, turnCtx, conv, err)
	}
	defer func() { _ = body.Close() }()

	c.mu.Lock()
	if c.state == StateSubmitting {
		c.state = StateStreaming
	}
	c.mu.Unlock()

	text, err := c.accumulate(body)
	if err != nil {
		return c.fail(ctx, turnCtx, conv, err)
	}
	if c.stopping() {
		return ErrStreamAborted
	}
	if text == "" {
		return nil
	}
	return c.appendAssistant(ctx, conv, text)
}

func (c *Controller) accumulate(body io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 4<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			sb.WriteString(chunk)
			c.mu.Lock()
			if c.state == StateStreaming {
				c.progress.WriteString(chunk)
			}
			c.mu.Unlock()
			if c.onDelta != nil {
				c.onDelta(chunk)
			}
		}
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// fail maps a turn failure onto the conversation. A cancelled turn leaves it
// untouched.
func (c *Controller) fail(ctx, turnCtx context.Context, conv domain.Conversation, err error) error {
	if c.stopping() || errors.Is(turnCtx.Err(), context.Canceled) {
		c.logger.Debug("chat turn stopped", "conversation_id", conv.ID)
		return ErrStreamAborted
	}
	var status *StatusError
	if errors.As(err, &status) && status.StatusCode == http.StatusTooManyRequests {
		c.logger.Info("chat endpoint rate limited", "conversation_id", conv.ID)
		return c.appendAssistant(ctx, conv, RateLimitNotice)
	}
	c.logger.Error("chat turn failed", "conversation_id", conv.ID, "err", err)
	if aerr := c.appendAssistant(ctx, conv, FallbackMessage); aerr != nil {
		return errors.Join(err, aerr)
	}
	return err
}

func (c *Controller) appendAssistant(ctx context.Context, conv domain.Conversation, text string) error {
	messages := append(append([]domain.Message(nil), conv.Messages...), domain.Message{
		ID:      c.newID(),
		Role:    domain.RoleAssistant,
		Content: text,
	})
	if _, err := c.manager.Replace(ctx, conv.ID, messages); err != nil {
		return fmt.Errorf("client: append assistant message: %w", err)
	}
	return nil
}
