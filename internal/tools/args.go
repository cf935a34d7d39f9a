package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Args is the decoded argument mapping of a tool-call request.
type Args map[string]any

// ParseArguments decodes the raw arguments of a call request. Blank input is
// an empty mapping. On failure it returns an empty mapping together with the
// error so callers can choose to continue.
func ParseArguments(raw string) (Args, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Args{}, nil
	}
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return Args{}, fmt.Errorf("tools: parse arguments: %w", err)
	}
	if out == nil {
		return Args{}, nil
	}
	return Args(out), nil
}

// String returns the argument as text. Numbers and booleans are formatted,
// anything else that is not a string yields "".
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func (a Args) clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
