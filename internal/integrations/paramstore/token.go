package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the expected JSON shape stored in SSM for an API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// StaticToken is an API token known at startup, e.g. from the environment.
type StaticToken string

// Token implements the token source contract of the integration clients.
func (s StaticToken) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", errors.New("paramstore: API token is empty")
	}
	return token, nil
}

// ParameterToken resolves an API token stored in SSM. A successful lookup is
// reused for the lifetime of the process; failures are retried on the next call.
type ParameterToken struct {
	getter Getter
	name   string

	mu    sync.Mutex
	token string
}

// NewParameterToken creates a ParameterToken reading the named parameter.
func NewParameterToken(getter Getter, name string) (*ParameterToken, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: token parameter name is empty")
	}
	return &ParameterToken{getter: getter, name: name}, nil
}

// Token returns the cached token, fetching it on first use.
func (p *ParameterToken) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}
	raw, err := p.getter.GetParameter(ctx, p.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token %s: %w", p.name, err)
	}
	token, err := decodeToken(raw)
	if err != nil {
		return "", err
	}
	p.token = token
	return token, nil
}

func decodeToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("paramstore: API token is empty")
	}
	return strings.TrimSpace(tp.Token), nil
}

// BatchGetter reads several decrypted parameter values at once.
type BatchGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// Preload fills the caches of tokens with a single batched lookup. Tokens that
// cannot be decoded stay empty and are fetched again on first use.
func Preload(ctx context.Context, getter BatchGetter, tokens ...*ParameterToken) error {
	if len(tokens) == 0 {
		return nil
	}
	names := make([]string, 0, len(tokens))
	for _, t := range tokens {
		names = append(names, t.name)
	}
	values, err := getter.GetParameters(ctx, names...)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range tokens {
		token, err := decodeToken(values[t.name])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		t.mu.Lock()
		t.token = token
		t.mu.Unlock()
	}
	return errors.Join(errs...)
}
