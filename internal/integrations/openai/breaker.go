package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"finsight-agent/internal/domain"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerConfig configures the circuit breaker in front of the model provider.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// chatModel is the part of Client guarded by the breaker.
type chatModel interface {
	Decide(ctx context.Context, model string, messages []domain.ChatMessage, tools []domain.ToolDefinition) (domain.Decision, error)
	Stream(ctx context.Context, model string, messages []domain.ChatMessage) (<-chan domain.StreamDelta, error)
}

// Breaker fails fast once the provider has failed MaxFailures times in a row.
// Only stream initiation is guarded; failures after the first byte are
// reported through the delta channel.
type Breaker struct {
	inner   chatModel
	breaker *gobreaker.CircuitBreaker[domain.Decision]
}

// NewBreaker wraps inner. Zero config fields fall back to defaults.
func NewBreaker(inner chatModel, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.Decision](gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: countsAsSuccess,
	})
	return &Breaker{inner: inner, breaker: cb}
}

// countsAsSuccess keeps caller cancellations and rate limiting from opening
// the circuit.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return false
}

func (b *Breaker) Decide(ctx context.Context, model string, messages []domain.ChatMessage, tools []domain.ToolDefinition) (domain.Decision, error) {
	d, err := b.breaker.Execute(func() (domain.Decision, error) {
		return b.inner.Decide(ctx, model, messages, tools)
	})
	if err != nil {
		return domain.Decision{}, wrapBreakerErr(err)
	}
	return d, nil
}

func (b *Breaker) Stream(ctx context.Context, model string, messages []domain.ChatMessage) (<-chan domain.StreamDelta, error) {
	var ch <-chan domain.StreamDelta
	_, err := b.breaker.Execute(func() (domain.Decision, error) {
		var streamErr error
		ch, streamErr = b.inner.Stream(ctx, model, messages)
		return domain.Decision{}, streamErr
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return ch, nil
}

// State returns the current breaker state for monitoring.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

func wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("openai: circuit open: %w", err)
	}
	return err
}
