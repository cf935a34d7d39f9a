// Package paramstore reads API tokens from AWS SSM Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned for parameters that do not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the part of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter reads one decrypted parameter value.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of name.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: boolPtr(true),
	})
	var missing *types.ParameterNotFound
	if errors.As(err, &missing) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("paramstore: get %s: %w", name, err)
	}
	if out == nil {
		return "", fmt.Errorf("paramstore: get %s: empty response", name)
	}
	return parameterValue(name, out.Parameter)
}

// GetParameters fetches several decrypted values in one call. Every name must
// exist; missing ones are reported together.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          names,
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("paramstore: get %s: %w", strings.Join(names, ","), err)
	}
	if len(out.InvalidParameters) > 0 {
		invalid := append([]string(nil), out.InvalidParameters...)
		sort.Strings(invalid)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(invalid, ","))
	}
	values := make(map[string]string, len(out.Parameters))
	for i := range out.Parameters {
		p := &out.Parameters[i]
		if p.Name == nil {
			continue
		}
		v, err := parameterValue(*p.Name, p)
		if err != nil {
			return nil, err
		}
		values[*p.Name] = v
	}
	return values, nil
}

func parameterValue(name string, p *types.Parameter) (string, error) {
	if p == nil || p.Value == nil {
		return "", fmt.Errorf("paramstore: %s has no value", name)
	}
	return *p.Value, nil
}

// TokenParameterName joins an SSM prefix and a token key, e.g.
// "/finsight" + "fmp-token" → "/finsight/fmp-token".
func TokenParameterName(prefix, key string) string {
	return strings.TrimRight(strings.TrimSpace(prefix), "/") + "/" + strings.TrimLeft(key, "/")
}

func boolPtr(b bool) *bool { return &b }
