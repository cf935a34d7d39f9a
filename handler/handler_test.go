package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"finsight-agent/internal/domain"
	"finsight-agent/internal/usecase"
)

type stubUseCase struct {
	out   usecase.ChatOutput
	err   error
	in    usecase.ChatInput
	ctx   context.Context
	calls int
}

func (s *stubUseCase) Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.calls++
	s.in = in
	s.ctx = ctx
	return s.out, s.err
}

// stubBody yields parts, then tail (io.EOF when nil).
type stubBody struct {
	parts  []string
	tail   error
	closed bool
}

func (b *stubBody) Read(p []byte) (int, error) {
	if len(b.parts) == 0 {
		if b.tail != nil {
			return 0, b.tail
		}
		return 0, io.EOF
	}
	n := copy(p, b.parts[0])
	b.parts[0] = b.parts[0][n:]
	if b.parts[0] == "" {
		b.parts = b.parts[1:]
	}
	return n, nil
}

func (b *stubBody) Close() error {
	b.closed = true
	return nil
}

const scenarioA = `{"messages":[{"role":"user","content":"What is AAPL's latest income statement?"}]}`

func newTestHandler(t *testing.T, uc ChatUseCase) *Handler {
	t.Helper()
	h, err := NewHandler(uc)
	require.NoError(t, err)
	h.newID = func() string { return "generated-id" }
	return h
}

func post(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestServeHTTP_StreamsAnswer(t *testing.T) {
	body := &stubBody{parts: []string{"Apple's revenue ", "was $94.9B."}}
	uc := &stubUseCase{out: usecase.ChatOutput{Body: body, ToolName: "getIncomeStatement"}}
	h := newTestHandler(t, uc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, post(scenarioA))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "Apple's revenue was $94.9B.", rec.Body.String())
	require.Equal(t, "getIncomeStatement", rec.Header().Get(headerToolName))
	require.Equal(t, "generated-id", rec.Header().Get(headerCorrelationID))
	require.Empty(t, rec.Header().Get("Content-Length"))
	require.True(t, rec.Flushed)
	require.True(t, body.closed)

	require.Equal(t, usecase.ChatInput{Messages: []domain.ChatMessage{
		{Role: "user", Content: "What is AAPL's latest income statement?"},
	}}, uc.in)
}

func TestServeHTTP_PassesConversationID(t *testing.T) {
	uc := &stubUseCase{out: usecase.ChatOutput{Body: &stubBody{parts: []string{"ok"}}, ConversationID: "conv-1"}}
	h := newTestHandler(t, uc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, post(`{"messages":[{"id":"m1","role":"user","content":"hi","toolInvocations":[]}],"conversationId":" conv-1 "}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "conv-1", uc.in.ConversationID)
	require.Equal(t, "conv-1", rec.Header().Get(headerConversationID))
}

func TestServeHTTP_UsesProvidedCorrelationID(t *testing.T) {
	uc := &stubUseCase{out: usecase.ChatOutput{Body: &stubBody{}}}
	h := newTestHandler(t, uc)

	req := post(scenarioA)
	req.Header.Set("x-correlation-id", "corr-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "corr-123", rec.Header().Get(headerCorrelationID))
}

func TestServeHTTP_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, post(`not-json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(usecase.ErrorInvalidInput), rec.Header().Get(headerErrorCode))
	require.Zero(t, uc.calls)
}

func TestServeHTTP_RejectsOtherMethods(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestServeHTTP_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
		body   string
	}{
		{name: "unknown tool", err: &usecase.Error{Code: usecase.ErrorUnknownTool, Reason: "unknown_tool", Detail: "getFooBar"}, status: http.StatusBadRequest, code: "UNKNOWN_TOOL", body: "Unknown function: getFooBar"},
		{name: "tool execution", err: &usecase.Error{Code: usecase.ErrorToolExecution, Reason: "tool_fetch_failed", Detail: "NetworkTimeout"}, status: http.StatusInternalServerError, code: "TOOL_EXECUTION_ERROR", body: "Function execution error: NetworkTimeout"},
		{name: "invalid arguments", err: &usecase.Error{Code: usecase.ErrorInvalidArguments, Detail: "getNews"}, status: http.StatusBadRequest, code: "INVALID_ARGUMENTS", body: "Invalid arguments for function: getNews"},
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_messages"}, status: http.StatusBadRequest, code: "INVALID_INPUT", body: "Invalid request"},
		{name: "invalid question", err: &usecase.Error{Code: usecase.ErrorInvalidQuestion, Reason: "moderation_flagged"}, status: http.StatusBadRequest, code: "INVALID_QUESTION", body: "Question rejected"},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "openai_decision_rate_limited"}, status: http.StatusTooManyRequests, code: "RATE_LIMITED", body: "Rate limit exceeded"},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "openai_decision_error"}, status: http.StatusBadGateway, code: "UPSTREAM_ERROR", body: "Upstream model error"},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "x"}, status: http.StatusInternalServerError, code: "INTERNAL_ERROR", body: "Internal error"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR", body: "Internal error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubUseCase{err: tc.err})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, post(scenarioA))

			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, rec.Header().Get(headerErrorCode))
			require.Equal(t, tc.body, rec.Body.String())
			require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
			require.NotEmpty(t, rec.Header().Get(headerCorrelationID))
		})
	}
}

func TestServeHTTP_MidStreamFailureAborts(t *testing.T) {
	body := &stubBody{parts: []string{"partial "}, tail: io.ErrUnexpectedEOF}
	h := newTestHandler(t, &stubUseCase{out: usecase.ChatOutput{Body: body}})

	rec := httptest.NewRecorder()
	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(rec, post(scenarioA))
	})
	require.Equal(t, "partial ", rec.Body.String())
	require.True(t, body.closed)
}

func TestServeHTTP_ClientCancelEndsQuietly(t *testing.T) {
	body := &stubBody{parts: []string{"partial "}, tail: context.Canceled}
	h := newTestHandler(t, &stubUseCase{out: usecase.ChatOutput{Body: body}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, post(scenarioA).WithContext(ctx))
	})
	require.True(t, body.closed)
}

func TestServeHTTP_OverRealServerIsChunked(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{out: usecase.ChatOutput{Body: &stubBody{parts: []string{"one ", "two ", "three"}}}})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(scenarioA))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "one two three", string(got))
}

func TestServeHTTP_OverRealServerAbortIsVisible(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{out: usecase.ChatOutput{Body: &stubBody{parts: []string{"partial "}, tail: errors.New("upstream reset")}}})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(scenarioA))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	_, err = io.ReadAll(resp.Body)
	require.Error(t, err, "a broken stream must not look like a clean end")
}

func lambdaEvent(body string) events.LambdaFunctionURLRequest {
	return events.LambdaFunctionURLRequest{
		Headers: map[string]string{"content-type": "application/json"},
		Body:    body,
		RequestContext: events.LambdaFunctionURLRequestContext{
			HTTP: events.LambdaFunctionURLRequestContextHTTPDescription{Method: http.MethodPost},
		},
	}
}

func TestHandleStream_StreamsAnswer(t *testing.T) {
	body := &stubBody{parts: []string{"Hello", "!"}}
	uc := &stubUseCase{out: usecase.ChatOutput{Body: body, ToolName: "getNews"}}
	h := newTestHandler(t, uc)

	ev := lambdaEvent(scenarioA)
	ev.Headers["x-correlation-id"] = "corr-9"
	resp, err := h.HandleStream(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "corr-9", resp.Headers[headerCorrelationID])
	require.Equal(t, "getNews", resp.Headers[headerToolName])
	require.Equal(t, "text/plain; charset=utf-8", resp.Headers["Content-Type"])

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Hello!", string(got))
	require.True(t, body.closed)
}

func TestHandleStream_KeepsDeadlineNotCancellation(t *testing.T) {
	uc := &stubUseCase{out: usecase.ChatOutput{Body: &stubBody{parts: []string{"x"}}}}
	h := newTestHandler(t, uc)

	deadline := time.Now().Add(time.Minute)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	resp, err := h.HandleStream(ctx, lambdaEvent(scenarioA))
	require.NoError(t, err)
	cancel()

	require.NoError(t, uc.ctx.Err(), "the turn outlives the handler return")
	got, ok := uc.ctx.Deadline()
	require.True(t, ok)
	require.True(t, deadline.Equal(got))

	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.ErrorIs(t, uc.ctx.Err(), context.Canceled, "finishing the body releases the turn")
}

func TestHandleStream_ErrorsAndBase64(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{err: &usecase.Error{Code: usecase.ErrorUnknownTool, Detail: "getFooBar"}})
	ev := lambdaEvent(base64.StdEncoding.EncodeToString([]byte(scenarioA)))
	ev.IsBase64Encoded = true

	resp, err := h.HandleStream(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "UNKNOWN_TOOL", resp.Headers[headerErrorCode])
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Unknown function: getFooBar", string(got))

	ev.Body = "%%%"
	resp, err = h.HandleStream(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleStream_MidStreamFailureSurfacesAsReadError(t *testing.T) {
	body := &stubBody{parts: []string{"partial "}, tail: io.ErrUnexpectedEOF}
	h := newTestHandler(t, &stubUseCase{out: usecase.ChatOutput{Body: body}})

	resp, err := h.HandleStream(context.Background(), lambdaEvent(scenarioA))
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, "partial ", string(got))
	require.True(t, body.closed)
}

func TestHandleStream_RejectsOtherMethods(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})
	ev := lambdaEvent("")
	ev.RequestContext.HTTP.Method = http.MethodGet
	resp, err := h.HandleStream(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleStream_AbandonedBodyReleasesTurn(t *testing.T) {
	body := &stubBody{parts: []string{"Apple ", "earned ", "more."}}
	uc := &stubUseCase{out: usecase.ChatOutput{Body: body}}
	h := newTestHandler(t, uc)

	resp, err := h.HandleStream(context.Background(), lambdaEvent(scenarioA))
	require.NoError(t, err)
	_, ok := resp.Body.(io.Closer)
	require.True(t, ok, "the runtime only closes bodies that implement io.Closer")

	buf := make([]byte, 6)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "Apple ", string(buf[:n]))
	require.NoError(t, uc.ctx.Err())

	require.NoError(t, resp.Close())
	require.True(t, body.closed)
	require.ErrorIs(t, uc.ctx.Err(), context.Canceled)

	n, err = resp.Body.Read(buf)
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, resp.Close())
}
