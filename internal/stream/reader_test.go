package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"finsight-agent/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	completed []string
	errs      []error
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnComplete: func(text string) { r.completed = append(r.completed, text) },
		OnError:    func(err error) { r.errs = append(r.errs, err) },
	}
}

// produce emits parts on a channel until ctx is cancelled.
func produce(ctx context.Context, parts []string, tail error) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta)
	go func() {
		defer close(ch)
		for _, p := range parts {
			select {
			case ch <- domain.StreamDelta{Content: p}:
			case <-ctx.Done():
				return
			}
		}
		if tail != nil {
			select {
			case ch <- domain.StreamDelta{Err: tail}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

func TestReader_PreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	r := NewReader(ctx, produce(ctx, []string{"Apple ", "earned ", "$94.9B."}, nil), cancel, rec.hooks())

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "Apple earned $94.9B.", string(out))
	require.Equal(t, []string{"Apple earned $94.9B."}, rec.completed)
	require.Empty(t, rec.errs)
}

func TestReader_SmallBuffersSplitDeltas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReader(ctx, produce(ctx, []string{"abcdef", "gh"}, nil), cancel, Hooks{})
	defer func() { _ = r.Close() }()

	buf := make([]byte, 4)
	var reads []string
	for {
		n, err := r.Read(buf)
		if n > 0 {
			reads = append(reads, string(buf[:n]))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, []string{"abcd", "ef", "gh"}, reads)
}

func TestReader_UpstreamErrorSurfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	boom := errors.New("upstream reset")
	r := NewReader(ctx, produce(ctx, []string{"partial "}, boom), cancel, rec.hooks())
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "partial ", string(out))
	require.Empty(t, rec.completed, "a failed stream is never reported complete")
	require.Len(t, rec.errs, 1)
}

func TestReader_CloseCancelsProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	ch := make(chan domain.StreamDelta)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer close(ch)
		for {
			select {
			case ch <- domain.StreamDelta{Content: "tick "}:
			case <-ctx.Done():
				return
			}
		}
	}()
	r := NewReader(ctx, ch, cancel, rec.hooks())

	buf := make([]byte, 16)
	_, err := r.Read(buf)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("producer still running after Close")
	}
	_, err = r.Read(buf)
	require.ErrorIs(t, err, ErrClosed)
	require.Empty(t, rec.completed)
	require.Len(t, rec.errs, 1, "closing mid-stream ends the turn once")
	require.ErrorIs(t, rec.errs[0], context.Canceled)

	require.NoError(t, r.Close())
	require.Len(t, rec.errs, 1)
}

func TestReader_CloseAfterEndReportsNothing(t *testing.T) {
	rec := &recorder{}
	r := FromText("done", rec.hooks())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "done", string(out))
	require.NoError(t, r.Close())
	require.Equal(t, []string{"done"}, rec.completed)
	require.Empty(t, rec.errs)
}

func TestReader_CancelledContextIsNotCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	ch := make(chan domain.StreamDelta)
	r := NewReader(ctx, ch, cancel, rec.hooks())
	defer func() { _ = r.Close() }()

	cancel()
	close(ch)

	_, err := io.ReadAll(r)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, rec.completed)
	require.Len(t, rec.errs, 1)
}

func TestFromText(t *testing.T) {
	rec := &recorder{}
	r := FromText("Hello! How can I help?", rec.hooks())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "Hello! How can I help?", string(out))
	require.Equal(t, []string{"Hello! How can I help?"}, rec.completed)
	require.Equal(t, "Hello! How can I help?", r.Text())

	out, err = io.ReadAll(FromText("", Hooks{}))
	require.NoError(t, err)
	require.Empty(t, out)
}
