package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"finsight-agent/internal/domain"
)

// maxSSELine caps a single SSE line; completion chunks are far smaller.
const maxSSELine = 1 << 20

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Stream runs a streaming completion round with no tools attached. Deltas are
// delivered in arrival order; the channel is closed after "[DONE]", after a
// delta carrying Err, or once ctx is cancelled.
func (c *Client) Stream(ctx context.Context, model string, messages []domain.ChatMessage) (<-chan domain.StreamDelta, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	body := c.newChatRequest(model, messages)
	body.Stream = true

	res, err := c.open(ctx, pathChat, body, "text/event-stream")
	if err != nil {
		return nil, fmt.Errorf("openai: stream: %w", err)
	}
	return parseSSEStream(ctx, res.Body), nil
}

// parseSSEStream reads "data: ..." lines from body and converts each chunk
// into a StreamDelta. A body that ends without the "[DONE]" sentinel is
// reported as io.ErrUnexpectedEOF.
func parseSSEStream(ctx context.Context, body io.ReadCloser) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer func() { _ = body.Close() }()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				send(domain.StreamDelta{Err: fmt.Errorf("openai: stream error: %s", chunk.Error.Message)})
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !send(domain.StreamDelta{Content: choice.Delta.Content}) {
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		send(domain.StreamDelta{Err: fmt.Errorf("openai: stream interrupted: %w", err)})
	}()
	return ch
}
