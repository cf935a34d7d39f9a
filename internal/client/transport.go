// Package client drives a chat conversation against the chat endpoint: it
// owns the optimistic message list, the in-progress answer and cancellation.
package client

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

const maxErrorBody = 4 << 10

// ChatRequest is the body posted to the chat endpoint.
type ChatRequest struct {
	Messages       []domain.ChatMessage `json:"messages"`
	ConversationID string               `json:"conversationId,omitempty"`
}

// StatusError is a non-2xx reply from the chat endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("client: chat endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("client: chat endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Transport opens one answer stream per request.
type Transport interface {
	Send(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
}

type HTTPTransport struct {
	endpoint   string
	httpClient *http.Client
}

type TransportOption func(*HTTPTransport)

func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.httpClient = c
		}
	}
}

func NewHTTPTransport(endpoint string, opts ...TransportOption) (*HTTPTransport, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("client: endpoint must not be empty")
	}
	t := &HTTPTransport{
		endpoint: endpoint,
		// No overall timeout: answers stream for as long as the model writes.
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Send posts req and returns the body of a 2xx reply. Cancelling ctx aborts
// the read in progress.
func (t *HTTPTransport) Send(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: post: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}
