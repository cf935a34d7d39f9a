// Package handler is the inbound transport of the chat endpoint, served either
// by net/http or as a Lambda function URL with response streaming.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"finsight-agent/internal/domain"
	"finsight-agent/internal/usecase"
)

const (
	headerCorrelationID  = "X-Correlation-Id"
	headerErrorCode      = "X-Error-Code"
	headerToolName       = "X-Tool-Name"
	headerConversationID = "X-Conversation-Id"

	contentTypeText = "text/plain; charset=utf-8"
	maxBodyBytes    = 1 << 20
	copyBufferSize  = 4 << 10
)

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type Handler struct {
	uc     ChatUseCase
	logger *slog.Logger
	newID  func() string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc ChatUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default(), newID: uuid.NewString}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages       []chatMessage `json:"messages"`
	ConversationID string        `json:"conversationId,omitempty"`
}

// reply is a transport-neutral response: either an error text or a stream.
type reply struct {
	status  int
	headers map[string]string
	text    string
	stream  io.ReadCloser
}

func (h *Handler) chat(ctx context.Context, log *slog.Logger, correlationID string, body []byte) reply {
	headers := map[string]string{
		"Content-Type":      contentTypeText,
		headerCorrelationID: correlationID,
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warn("invalid chat request body", "err", err)
		return errorReply(headers, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
	}
	in := usecase.ChatInput{
		Messages:       make([]domain.ChatMessage, 0, len(req.Messages)),
		ConversationID: strings.TrimSpace(req.ConversationID),
	}
	for _, m := range req.Messages {
		in.Messages = append(in.Messages, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}

	out, err := h.uc.Chat(ctx, in)
	if err != nil {
		r := errorReply(headers, err)
		level := slog.LevelWarn
		if r.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		log.Log(ctx, level, "chat request failed", "status", r.status, "code", r.headers[headerErrorCode], "err", err)
		return r
	}

	if out.ToolName != "" {
		headers[headerToolName] = out.ToolName
	}
	if out.ConversationID != "" {
		headers[headerConversationID] = out.ConversationID
	}
	headers["Cache-Control"] = "no-cache"
	headers["X-Content-Type-Options"] = "nosniff"
	return reply{status: http.StatusOK, headers: headers, stream: out.Body}
}

func errorReply(headers map[string]string, err error) reply {
	ue, ok := usecase.AsError(err)
	if !ok {
		ue = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected", Err: err}
	}
	headers[headerErrorCode] = string(ue.Code)
	return reply{status: statusFor(ue.Code), headers: headers, text: errorText(ue)}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion, usecase.ErrorUnknownTool, usecase.ErrorInvalidArguments:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorText(e *usecase.Error) string {
	switch e.Code {
	case usecase.ErrorUnknownTool:
		return "Unknown function: " + e.Detail
	case usecase.ErrorToolExecution:
		return "Function execution error: " + e.Detail
	case usecase.ErrorInvalidArguments:
		return "Invalid arguments for function: " + e.Detail
	case usecase.ErrorInvalidInput:
		return "Invalid request"
	case usecase.ErrorInvalidQuestion:
		return "Question rejected"
	case usecase.ErrorRateLimited:
		return "Rate limit exceeded"
	case usecase.ErrorUpstream:
		return "Upstream model error"
	default:
		return "Internal error"
	}
}

// correlationID returns the caller-supplied id, matching the header name
// case-insensitively, or a new one.
func (h *Handler) correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, headerCorrelationID) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return h.newID()
}

// ServeHTTP answers a chat request, flushing each chunk as it is read. A
// failure after the status line was sent aborts the response.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corrID := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if corrID == "" {
		corrID = h.newID()
	}
	log := h.logger.With("correlation_id", corrID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.Header().Set(headerCorrelationID, corrID)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var rep reply
	if err != nil {
		rep = errorReply(map[string]string{"Content-Type": contentTypeText, headerCorrelationID: corrID},
			&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unreadable_body", Err: err})
	} else {
		rep = h.chat(r.Context(), log, corrID, body)
	}

	for k, v := range rep.headers {
		w.Header().Set(k, v)
	}
	if rep.stream == nil {
		w.WriteHeader(rep.status)
		_, _ = io.WriteString(w, rep.text)
		return
	}
	defer func() { _ = rep.stream.Close() }()

	// Chunked transfer: no Content-Length is ever set.
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := rep.stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Info("client went away mid-stream", "err", werr)
				return
			}
			_ = rc.Flush()
		}
		if errors.Is(rerr, io.EOF) {
			return
		}
		if rerr != nil {
			if r.Context().Err() != nil {
				log.Info("chat stream cancelled by client")
				return
			}
			log.Error("chat stream failed after headers were sent", "err", rerr)
			panic(http.ErrAbortHandler)
		}
	}
}

// HandleStream answers a Lambda function URL invocation with a streamed body.
func (h *Handler) HandleStream(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	corrID := h.correlationID(req.Headers)
	log := h.logger.With("correlation_id", corrID)

	if m := req.RequestContext.HTTP.Method; m != "" && m != http.MethodPost {
		return &events.LambdaFunctionURLStreamingResponse{
			StatusCode: http.StatusMethodNotAllowed,
			Headers:    map[string]string{"Content-Type": contentTypeText, "Allow": http.MethodPost, headerCorrelationID: corrID},
			Body:       strings.NewReader("Method not allowed"),
		}, nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			rep := errorReply(map[string]string{"Content-Type": contentTypeText, headerCorrelationID: corrID},
				&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_base64", Err: err})
			return lambdaResponse(rep, nil), nil
		}
		body = decoded
	}

	// The runtime drains Body after this function returns, so the turn keeps
	// the invocation deadline but not its cancellation.
	turnCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if deadline, ok := ctx.Deadline(); ok {
		turnCtx, cancel = context.WithDeadline(turnCtx, deadline)
	}

	rep := h.chat(turnCtx, log, corrID, body)
	if rep.stream == nil {
		cancel()
	}
	return lambdaResponse(rep, func(err error) {
		cancel()
		switch {
		case errors.Is(err, context.Canceled):
			log.Info("chat stream abandoned by client")
		case err != nil:
			log.Error("chat stream failed after headers were sent", "err", err)
		}
	}), nil
}

func lambdaResponse(rep reply, done func(error)) *events.LambdaFunctionURLStreamingResponse {
	resp := &events.LambdaFunctionURLStreamingResponse{
		StatusCode: rep.status,
		Headers:    rep.headers,
	}
	if rep.stream == nil {
		resp.Body = strings.NewReader(rep.text)
		return resp
	}
	resp.Body = &closingReader{rc: rep.stream, done: done}
	return resp
}

// closingReader closes the answer stream once it ends, either way. The
// Lambda runtime calls Close when it stops reading early, which releases the
// turn as cancelled.
type closingReader struct {
	rc     io.ReadCloser
	done   func(error)
	once   sync.Once
	closed atomic.Bool
}

func (c *closingReader) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, io.EOF
	}
	n, err := c.rc.Read(p)
	if errors.Is(err, io.EOF) {
		c.finish(nil)
	} else if err != nil {
		c.finish(err)
	}
	return n, err
}

func (c *closingReader) Close() error {
	c.finish(context.Canceled)
	return nil
}

func (c *closingReader) finish(err error) {
	c.once.Do(func() {
		c.closed.Store(true)
		_ = c.rc.Close()
		if c.done != nil {
			c.done(err)
		}
	})
}
