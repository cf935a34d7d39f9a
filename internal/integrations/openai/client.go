package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"finsight-agent/internal/domain"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultRequestTimeout = 30 * time.Second
)

// chatRequest is the request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model             string        `json:"model"`
	Messages          []chatMessage `json:"messages"`
	Tools             []chatTool    `json:"tools,omitempty"`
	ToolChoice        string        `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool         `json:"parallel_tool_calls,omitempty"`
	Temperature       *float64      `json:"temperature,omitempty"`
	Stream            bool          `json:"stream,omitempty"`
}

// chatMessage is the wire form of a transcript entry.
type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolCallFunc `json:"function"`
}

type chatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// moderationRequest is the request shape for the Moderations endpoint.
type moderationRequest struct {
	Input string `json:"input"`
}

// moderationResponse is the minimal response shape for the Moderations endpoint.
type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// TokenSource resolves the API key sent with every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for tool-calling decisions,
// streamed completions and moderation.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	tokens         TokenSource
	requestTimeout time.Duration
	temperature    *float64
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithHTTPClient replaces the pooled default client. A client Timeout also
// bounds streamed responses, so streaming callers should leave it zero.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRequestTimeout bounds non-streaming calls (Decide, Moderate).
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// NewClient creates a new Client that authenticates with keys from tokens.
func NewClient(tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     NewHTTPClient(0, 0),
		tokens:         tokens,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

const (
	pathChat        = "/chat/completions"
	pathModerations = "/moderations"
	maxReplyBytes   = 1 << 20
	maxErrorBytes   = 4 << 10
)

// endpointURL appends path to the base URL, inserting "/v1" when the base
// does not already end with it.
func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// Decide runs one non-streaming round with the tool catalogue attached and
// tool_choice "auto". The model may request at most one call; when several
// come back only the first is kept.
func (c *Client) Decide(ctx context.Context, model string, messages []domain.ChatMessage, tools []domain.ToolDefinition) (domain.Decision, error) {
	if model == "" {
		return domain.Decision{}, errors.New("openai: model must not be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	body := c.newChatRequest(model, messages)
	if len(tools) > 0 {
		body.Tools = toWireTools(tools)
		body.ToolChoice = "auto"
		body.ParallelToolCalls = new(bool)
	}

	var reply chatResponse
	if err := c.postJSON(ctx, pathChat, body, &reply); err != nil {
		return domain.Decision{}, fmt.Errorf("openai: decide: %w", err)
	}
	if len(reply.Choices) == 0 {
		return domain.Decision{}, errors.New("openai: decide: reply has no choices")
	}

	msg := reply.Choices[0].Message
	decision := domain.Decision{Content: msg.Content}
	if len(msg.ToolCalls) > 0 {
		first := msg.ToolCalls[0]
		decision.ToolCall = &domain.ToolCall{
			ID:        first.ID,
			Name:      first.Function.Name,
			Arguments: first.Function.Arguments,
		}
	}
	return decision, nil
}

// Moderate reports whether the moderation endpoint flags input.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reply moderationResponse
	if err := c.postJSON(ctx, pathModerations, moderationRequest{Input: input}, &reply); err != nil {
		return false, fmt.Errorf("openai: moderate: %w", err)
	}
	if len(reply.Results) == 0 {
		return false, errors.New("openai: moderate: reply has no results")
	}
	return reply.Results[0].Flagged, nil
}

func (c *Client) newChatRequest(model string, messages []domain.ChatMessage) chatRequest {
	return chatRequest{
		Model:       model,
		Messages:    toWireMessages(messages),
		Temperature: c.temperature,
	}
}

// postJSON sends payload and decodes a 2xx JSON reply into out.
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	res, err := c.open(ctx, path, payload, "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if err := json.NewDecoder(io.LimitReader(res.Body, maxReplyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// open posts payload as JSON and returns the response once a 2xx status has
// arrived. The caller owns the body.
func (c *Client) open(ctx context.Context, path string, payload any, accept string) (*http.Response, error) {
	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := endpointURL(c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode/100 != 2 {
		defer func() { _ = res.Body.Close() }()
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBytes))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(snippet)}
	}
	return res, nil
}

func toWireMessages(messages []domain.ChatMessage) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		wm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, chatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: chatToolCallFunc{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []domain.ToolDefinition) []chatTool {
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
