package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func withKeys(extra map[string]string) map[string]string {
	env := map[string]string{"OPENAI_API_KEY": "sk-test", "FMP_API_KEY": "fmp-test"}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(envMap(withKeys(nil)), nil)
	require.NoError(t, err)
	require.Equal(t, DefaultOpenAIModel, cfg.OpenAI.Model)
	require.Equal(t, 30*time.Second, cfg.OpenAI.DecisionTimeout)
	require.Equal(t, DefaultFMPBaseURL, cfg.FMP.BaseURL)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, RateLimitConfig{PerMinute: 30, Burst: 10}, cfg.RateLimit)
	require.Equal(t, 50, cfg.MaxMessages)
	require.False(t, cfg.StrictToolArgs)
	require.False(t, cfg.ModerationEnabled)
	require.False(t, cfg.UsesParameterStore())
	require.Empty(t, cfg.StateTable)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := Load(envMap(withKeys(map[string]string{
		"OPENAI_MODEL":          "gpt-4o-mini",
		"OPENAI_BASE_URL":       "http://localhost:9000/v1",
		"DECISION_TIMEOUT":      "5s",
		"STATE_TABLE":           "chat-state",
		"LISTEN_ADDR":           "127.0.0.1:9090",
		"RATE_LIMIT_PER_MINUTE": "0",
		"STRICT_TOOL_ARGS":      "true",
		"MODERATION_ENABLED":    "1",
		"MAX_MESSAGES":          "20",
		"LOG_LEVEL":             "debug",
		"LOG_FORMAT":            "text",
		"TRACING_EXPORTER":      "stdout",
	})), nil)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	require.Equal(t, "http://localhost:9000/v1", cfg.OpenAI.BaseURL)
	require.Equal(t, 5*time.Second, cfg.OpenAI.DecisionTimeout)
	require.Equal(t, "chat-state", cfg.StateTable)
	require.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	require.Equal(t, 0, cfg.RateLimit.PerMinute)
	require.True(t, cfg.StrictToolArgs)
	require.True(t, cfg.ModerationEnabled)
	require.Equal(t, 20, cfg.MaxMessages)
	require.Equal(t, LoggerConfig{Level: "debug", Format: "text"}, cfg.Logger)
	require.Equal(t, "stdout", cfg.Tracer.Exporter)
}

func TestLoad_ParamPrefixWaivesEnvKeys(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{"PARAM_PREFIX": "/finsight/prod"}), nil)
	require.NoError(t, err)
	require.True(t, cfg.UsesParameterStore())
}

func TestLoad_CollectsAllProblems(t *testing.T) {
	_, err := Load(envMap(map[string]string{
		"MAX_MESSAGES":     "many",
		"STRICT_TOOL_ARGS": "sometimes",
		"DECISION_TIMEOUT": "soon",
		"FMP_BASE_URL":     "not a url",
		"LOG_FORMAT":       "xml",
	}), nil)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	require.GreaterOrEqual(t, len(ve.Errors), 7)
	require.Contains(t, err.Error(), "MAX_MESSAGES")
	require.Contains(t, err.Error(), "OPENAI_API_KEY is required")
	require.Contains(t, err.Error(), "fmp.base_url")
}

func TestLoad_YAMLOverlayThenEnv(t *testing.T) {
	file := []byte(`
openai:
  model: gpt-4.1
  decision_timeout: 12s
fmp:
  api_key: from-file
state_table: file-table
rate_limit:
  per_minute: 60
  burst: 5
strict_tool_args: true
trusted_proxies: [10.0.0.1]
breaker:
  max_failures: 3
  timeout: 1m
`)
	var readPath string
	read := func(p string) ([]byte, error) {
		readPath = p
		return file, nil
	}
	cfg, err := Load(envMap(map[string]string{
		"CONFIG_FILE":    "/etc/finsight.yaml",
		"OPENAI_API_KEY": "sk-env",
		"STATE_TABLE":    "env-table",
	}), read)
	require.NoError(t, err)
	require.Equal(t, "/etc/finsight.yaml", readPath)
	require.Equal(t, "gpt-4.1", cfg.OpenAI.Model)
	require.Equal(t, 12*time.Second, cfg.OpenAI.DecisionTimeout)
	require.Equal(t, "from-file", cfg.FMP.APIKey)
	require.Equal(t, DefaultFMPBaseURL, cfg.FMP.BaseURL, "defaults survive a partial file")
	require.Equal(t, "env-table", cfg.StateTable, "env wins over file")
	require.Equal(t, RateLimitConfig{PerMinute: 60, Burst: 5}, cfg.RateLimit)
	require.True(t, cfg.StrictToolArgs)
	require.Equal(t, []string{"10.0.0.1"}, cfg.TrustedProxies)
	require.Equal(t, BreakerConfig{MaxFailures: 3, Timeout: time.Minute}, cfg.Breaker)
}

func TestLoad_ConfigFileErrors(t *testing.T) {
	_, err := Load(envMap(map[string]string{"CONFIG_FILE": "/missing.yaml"}), func(string) ([]byte, error) {
		return nil, os.ErrNotExist
	})
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(envMap(map[string]string{"CONFIG_FILE": "/bad.yaml"}), func(string) ([]byte, error) {
		return []byte("openai: [unclosed"), nil
	})
	require.ErrorContains(t, err, "parse /bad.yaml")
}
