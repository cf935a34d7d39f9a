package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"finsight-agent/internal/conversation"
	"finsight-agent/internal/domain"
	"finsight-agent/internal/infra/tracer"
	"finsight-agent/internal/stream"
	"finsight-agent/internal/tools"
)

const (
	defaultMaxMessages = 50
	defaultMaxContent  = 8000
)

// TurnState is a state of the per-request orchestration loop.
type TurnState string

const (
	StateAwaitingModelDecision TurnState = "AwaitingModelDecision"
	StateDirectAnswer          TurnState = "DirectAnswer"
	StateToolCallPending       TurnState = "ToolCallPending"
	StateDispatchingTool       TurnState = "DispatchingTool"
	StateAwaitingFinalAnswer   TurnState = "AwaitingFinalAnswer"
	StateStreaming             TurnState = "Streaming"
	StateDone                  TurnState = "Done"
	StateErrored               TurnState = "Errored"
)

// Answer paths reported to metrics.
const (
	pathDirect = "direct"
	pathTool   = "tool"
	pathNone   = "none"
)

type Model interface {
	Decide(ctx context.Context, model string, messages []domain.ChatMessage, tools []domain.ToolDefinition) (domain.Decision, error)
	Stream(ctx context.Context, model string, messages []domain.ChatMessage) (<-chan domain.StreamDelta, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args tools.Args) (json.RawMessage, error)
}

type ArgumentValidator interface {
	Validate(name string, args tools.Args) error
}

type TurnRecorder interface {
	RecordTurn(ctx context.Context, conversationID string, transcript []domain.ChatMessage, reply domain.Message) error
}

type Metrics interface {
	TurnFinished(path, outcome string, d time.Duration)
	ToolDispatched(tool, outcome string, d time.Duration)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService runs one orchestration loop per request: a non-streaming
// decision round with the tool catalogue, at most one tool dispatch, and a
// streamed final answer.
type ChatService struct {
	model       Model
	dispatcher  Dispatcher
	definitions []domain.ToolDefinition
	modelName   string
	maxMessages int
	maxContent  int

	moderator Moderator
	validator ArgumentValidator
	recorder  TurnRecorder
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

type ChatOption func(*ChatService)

// WithModeration screens the newest user message before the decision round.
func WithModeration(m Moderator) ChatOption {
	return func(s *ChatService) { s.moderator = m }
}

// WithStrictArguments rejects tool calls whose arguments do not parse or do
// not satisfy the catalogue schema. Without it, unparseable arguments are
// treated as an empty mapping.
func WithStrictArguments(v ArgumentValidator) ChatOption {
	return func(s *ChatService) { s.validator = v }
}

// WithRecorder stores completed turns for requests naming a conversation.
func WithRecorder(r TurnRecorder) ChatOption {
	return func(s *ChatService) { s.recorder = r }
}

func WithMetrics(m Metrics) ChatOption {
	return func(s *ChatService) { s.metrics = m }
}

func WithLogger(l *slog.Logger) ChatOption {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxMessages bounds the transcript length accepted per request.
func WithMaxMessages(n int) ChatOption {
	return func(s *ChatService) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

type ChatInput struct {
	Messages       []domain.ChatMessage
	ConversationID string
}

// ChatOutput carries the answer stream. Body must be closed; closing it early
// releases the upstream model request.
type ChatOutput struct {
	Body           io.ReadCloser
	ToolName       string
	ConversationID string
}

func NewChatService(model Model, dispatcher Dispatcher, definitions []domain.ToolDefinition, modelName string, opts ...ChatOption) (*ChatService, error) {
	if model == nil {
		return nil, errors.New("usecase: model must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return nil, errors.New("usecase: model name must not be empty")
	}
	s := &ChatService{
		model:       model,
		dispatcher:  dispatcher,
		definitions: definitions,
		modelName:   modelName,
		maxMessages: defaultMaxMessages,
		maxContent:  defaultMaxContent,
		metrics:     noopMetrics{},
		logger:      slog.Default(),
		now:         time.Now,
		newID:       conversation.NewMessageID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// turn tracks one request through the loop.
type turn struct {
	svc     *ChatService
	log     *slog.Logger
	span    trace.Span
	started time.Time
	state   TurnState
	path    string
}

func (t *turn) advance(state TurnState) {
	t.log.Debug("chat turn transition", "from", string(t.state), "state", string(state))
	t.state = state
	t.span.AddEvent(string(state))
}

// fail moves the turn to Errored and closes its span.
func (t *turn) fail(err *Error) *Error {
	t.advance(StateErrored)
	tracer.RecordError(t.span, err)
	t.span.End()
	t.svc.metrics.TurnFinished(t.path, strings.ToLower(string(err.Code)), t.svc.now().Sub(t.started))
	return err
}

// Chat runs the orchestration loop up to the start of streaming. Errors
// before the first byte come back as *Error; failures while streaming surface
// from Body.Read.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	spanCtx, span := tracer.StartSpan(ctx, "chat.turn",
		tracer.IntAttr("messages", len(in.Messages)),
		tracer.StringAttr("conversation_id", in.ConversationID),
	)
	t := &turn{
		svc:     s,
		log:     s.logger.With("turn_id", s.newID(), "conversation_id", in.ConversationID),
		span:    span,
		started: s.now(),
		path:    pathNone,
	}

	messages, verr := s.validateInput(in.Messages)
	if verr != nil {
		return ChatOutput{}, t.fail(verr)
	}

	if s.moderator != nil {
		if merr := s.moderate(spanCtx, messages); merr != nil {
			return ChatOutput{}, t.fail(merr)
		}
	}

	t.advance(StateAwaitingModelDecision)
	transcript := buildDecisionMessages(messages)
	decision, err := s.model.Decide(spanCtx, s.modelName, transcript, s.definitions)
	if err != nil {
		return ChatOutput{}, t.fail(upstreamError("openai_decision", err))
	}

	if decision.ToolCall == nil {
		return s.directAnswer(t, in, messages, decision.Content)
	}
	return s.toolAnswer(spanCtx, t, in, messages, transcript, *decision.ToolCall)
}

func (s *ChatService) directAnswer(t *turn, in ChatInput, messages []domain.ChatMessage, content string) (ChatOutput, error) {
	t.path = pathDirect
	t.advance(StateDirectAnswer)
	if strings.TrimSpace(content) == "" {
		return ChatOutput{}, t.fail(newError(ErrorUpstream, "openai_empty_answer", nil))
	}
	t.advance(StateStreaming)
	body := stream.FromText(content, s.streamHooks(t, in, messages, nil))
	return ChatOutput{Body: body, ConversationID: in.ConversationID}, nil
}

func (s *ChatService) toolAnswer(ctx context.Context, t *turn, in ChatInput, messages, transcript []domain.ChatMessage, call domain.ToolCall) (ChatOutput, error) {
	t.path = pathTool
	t.advance(StateToolCallPending)
	t.span.SetAttributes(tracer.StringAttr("tool", call.Name))
	log := t.log.With("tool", call.Name)

	args, parseErr := tools.ParseArguments(call.Arguments)
	if parseErr != nil {
		if s.validator != nil {
			return ChatOutput{}, t.fail(&Error{Code: ErrorInvalidArguments, Reason: "tool_arguments_malformed", Detail: call.Name, Err: parseErr})
		}
		log.Warn("tool arguments not parseable, using empty mapping", "err", parseErr)
	}
	if s.validator != nil {
		if err := s.validator.Validate(call.Name, args); err != nil {
			return ChatOutput{}, t.fail(&Error{Code: ErrorInvalidArguments, Reason: "tool_arguments_invalid", Detail: call.Name, Err: err})
		}
	}

	t.advance(StateDispatchingTool)
	started := s.now()
	result, err := s.dispatcher.Dispatch(ctx, call.Name, args)
	if err != nil {
		derr := dispatchError(call.Name, err)
		s.metrics.ToolDispatched(metricToolName(derr, call.Name), "error", s.now().Sub(started))
		log.Error("tool dispatch failed", "err", err)
		return ChatOutput{}, t.fail(derr)
	}
	s.metrics.ToolDispatched(call.Name, "ok", s.now().Sub(started))

	t.advance(StateAwaitingFinalAnswer)
	if call.ID == "" {
		call.ID = "call_" + s.newID()
	}
	final := buildFinalMessages(transcript, call, result)

	streamCtx, cancel := context.WithCancel(ctx)
	deltas, err := s.model.Stream(streamCtx, s.modelName, final)
	if err != nil {
		cancel()
		return ChatOutput{}, t.fail(upstreamError("openai_stream", err))
	}

	t.advance(StateStreaming)
	invocation := &domain.ToolInvocation{ToolName: call.Name, Result: result}
	body := stream.NewReader(streamCtx, deltas, cancel, s.streamHooks(t, in, messages, invocation))
	return ChatOutput{Body: body, ToolName: call.Name, ConversationID: in.ConversationID}, nil
}

// streamHooks finish the turn when the answer stream ends.
func (s *ChatService) streamHooks(t *turn, in ChatInput, messages []domain.ChatMessage, invocation *domain.ToolInvocation) stream.Hooks {
	return stream.Hooks{
		OnComplete: func(text string) {
			t.advance(StateDone)
			tracer.SetOK(t.span)
			t.span.End()
			s.metrics.TurnFinished(t.path, "ok", s.now().Sub(t.started))
			s.record(t, in, messages, text, invocation)
		},
		OnError: func(err error) {
			t.advance(StateErrored)
			tracer.RecordError(t.span, err)
			t.span.End()
			if errors.Is(err, context.Canceled) {
				s.metrics.TurnFinished(t.path, "aborted", s.now().Sub(t.started))
				t.log.Info("chat stream cancelled")
				return
			}
			s.metrics.TurnFinished(t.path, "stream_error", s.now().Sub(t.started))
			t.log.Error("chat stream failed", "err", err)
		},
	}
}

func (s *ChatService) record(t *turn, in ChatInput, messages []domain.ChatMessage, text string, invocation *domain.ToolInvocation) {
	if s.recorder == nil || in.ConversationID == "" {
		return
	}
	reply := domain.Message{ID: s.newID(), Role: domain.RoleAssistant, Content: text}
	if invocation != nil {
		reply.ToolInvocations = []domain.ToolInvocation{*invocation}
	}
	// The request context may already be done once the last byte is read.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.RecordTurn(ctx, in.ConversationID, messages, reply); err != nil {
		t.log.Error("record chat turn failed", "err", err)
	}
}

func (s *ChatService) validateInput(in []domain.ChatMessage) ([]domain.ChatMessage, *Error) {
	if len(in) == 0 {
		return nil, newError(ErrorInvalidInput, "empty_messages", nil)
	}
	if len(in) > s.maxMessages {
		return nil, newError(ErrorInvalidInput, "too_many_messages", nil)
	}
	out := make([]domain.ChatMessage, 0, len(in))
	for _, m := range in {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
		default:
			return nil, newError(ErrorInvalidInput, "invalid_role", nil)
		}
		if len(m.Content) > s.maxContent {
			return nil, newError(ErrorInvalidInput, "message_too_long", nil)
		}
		out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	last := out[len(out)-1]
	if last.Role != domain.RoleUser || strings.TrimSpace(last.Content) == "" {
		return nil, newError(ErrorInvalidInput, "last_message_not_user", nil)
	}
	return out, nil
}

func (s *ChatService) moderate(ctx context.Context, messages []domain.ChatMessage) *Error {
	flagged, err := s.moderator.Moderate(ctx, messages[len(messages)-1].Content)
	if err != nil {
		return upstreamError("moderation", err)
	}
	if flagged {
		return newError(ErrorInvalidQuestion, "moderation_flagged", nil)
	}
	return nil
}

func dispatchError(name string, err error) *Error {
	var unknown *tools.UnknownToolError
	if errors.As(err, &unknown) {
		return &Error{Code: ErrorUnknownTool, Reason: "unknown_tool", Detail: unknown.Name, Err: err}
	}
	var fetchErr *tools.DataFetchError
	if errors.As(err, &fetchErr) {
		return &Error{Code: ErrorToolExecution, Reason: "tool_fetch_failed", Detail: fetchErr.Err.Error(), Err: err}
	}
	return &Error{Code: ErrorToolExecution, Reason: "tool_dispatch_failed", Detail: err.Error(), Err: err}
}

// metricToolName keeps model-invented names out of metric labels.
func metricToolName(err *Error, name string) string {
	if err.Code == ErrorUnknownTool {
		return "unknown"
	}
	return name
}

func upstreamError(reason string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, reason+"_rate_limited", err)
	}
	return newError(ErrorUpstream, reason+"_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

type noopMetrics struct{}

func (noopMetrics) TurnFinished(string, string, time.Duration)   {}
func (noopMetrics) ToolDispatched(string, string, time.Duration) {}
