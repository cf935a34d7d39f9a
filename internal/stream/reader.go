// Package stream adapts a channel of model deltas to an io.ReadCloser that
// HTTP transports can copy straight onto the wire.
package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"finsight-agent/internal/domain"
)

// Hooks observe the end of a stream. OnComplete receives the concatenated
// text and runs only when the upstream finished cleanly; OnError runs once
// for an upstream failure or a cancelled context.
type Hooks struct {
	OnComplete func(text string)
	OnError    func(err error)
}

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("stream: reader closed")

// Reader yields each delta's content in arrival order.
type Reader struct {
	ctx    context.Context
	deltas <-chan domain.StreamDelta
	cancel context.CancelFunc
	hooks  Hooks

	mu      sync.Mutex
	pending string
	text    strings.Builder
	err     error
	closed  bool
}

// NewReader wraps deltas. cancel stops the producer; it is called on Close
// and when the stream ends, and may be nil.
func NewReader(ctx context.Context, deltas <-chan domain.StreamDelta, cancel context.CancelFunc, hooks Hooks) *Reader {
	if cancel == nil {
		cancel = func() {}
	}
	return &Reader{ctx: ctx, deltas: deltas, cancel: cancel, hooks: hooks}
}

// FromText returns a Reader over a precomputed answer.
func FromText(text string, hooks Hooks) *Reader {
	ch := make(chan domain.StreamDelta, 1)
	if text != "" {
		ch <- domain.StreamDelta{Content: text}
	}
	close(ch)
	return NewReader(context.Background(), ch, nil, hooks)
}

func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for r.pending == "" {
		if r.err != nil {
			return 0, r.err
		}
		r.next()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// next blocks for one delta and records either content or the terminal error.
func (r *Reader) next() {
	select {
	case d, ok := <-r.deltas:
		switch {
		case !ok:
			if err := r.ctx.Err(); err != nil {
				r.fail(err)
				return
			}
			r.finish()
		case d.Err != nil:
			r.fail(d.Err)
		default:
			r.pending = d.Content
			r.text.WriteString(d.Content)
		}
	case <-r.ctx.Done():
		r.fail(r.ctx.Err())
	}
}

func (r *Reader) finish() {
	r.err = io.EOF
	r.cancel()
	if r.hooks.OnComplete != nil {
		r.hooks.OnComplete(r.text.String())
	}
}

func (r *Reader) fail(err error) {
	r.err = err
	r.cancel()
	if r.hooks.OnError != nil {
		r.hooks.OnError(err)
	}
}

// Close cancels the producer. A Read blocked at the time returns the
// context error. Closing a stream that has not ended reports
// context.Canceled to OnError.
func (r *Reader) Close() error {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.err == nil {
		r.fail(context.Canceled)
	}
	return nil
}

// Text returns everything read so far.
func (r *Reader) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}
