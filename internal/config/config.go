// Package config loads service configuration: defaults, then an optional
// YAML file named by CONFIG_FILE, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type OpenAIConfig struct {
	Model           string        `yaml:"model"`
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
}

type FMPConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// BreakerConfig guards the model provider. Zero fields use built-in defaults.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracerConfig struct {
	Exporter string `yaml:"exporter"`
}

type Config struct {
	OpenAI OpenAIConfig `yaml:"openai"`
	FMP    FMPConfig    `yaml:"fmp"`
	// ParamPrefix switches API key lookup to SSM parameters under the prefix.
	ParamPrefix string `yaml:"param_prefix"`
	// StateTable enables server-side turn recording in DynamoDB.
	StateTable        string          `yaml:"state_table"`
	ListenAddr        string          `yaml:"listen_addr"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	TrustedProxies    []string        `yaml:"trusted_proxies"`
	Breaker           BreakerConfig   `yaml:"breaker"`
	StrictToolArgs    bool            `yaml:"strict_tool_args"`
	ModerationEnabled bool            `yaml:"moderation_enabled"`
	MaxMessages       int             `yaml:"max_messages"`
	Logger            LoggerConfig    `yaml:"logger"`
	Tracer            TracerConfig    `yaml:"tracer"`
}

const (
	DefaultFMPBaseURL   = "https://financialmodelingprep.com/stable"
	DefaultOpenAIModel  = "gpt-4o"
	OpenAITokenParamKey = "open-ai-token"
	FMPTokenParamKey    = "fmp-token"
)

func Defaults() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			Model:           DefaultOpenAIModel,
			DecisionTimeout: 30 * time.Second,
		},
		FMP:         FMPConfig{BaseURL: DefaultFMPBaseURL},
		ListenAddr:  ":8080",
		RateLimit:   RateLimitConfig{PerMinute: 30, Burst: 10},
		MaxMessages: 50,
		Logger:      LoggerConfig{Level: "info", Format: "json"},
		Tracer:      TracerConfig{Exporter: "none"},
	}
}

// Load builds the configuration from getenv. readFile reads the CONFIG_FILE
// overlay; nil means os.ReadFile.
func Load(getenv func(string) string, readFile func(string) ([]byte, error)) (*Config, error) {
	if readFile == nil {
		readFile = os.ReadFile
	}
	cfg := Defaults()
	if path := strings.TrimSpace(getenv("CONFIG_FILE")); path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	ve := &ValidationError{}
	applyEnvOverrides(cfg, getenv, ve)
	validate(cfg, ve)
	if ve.HasErrors() {
		return nil, ve
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string, ve *ValidationError) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			ve.Add("%s: %q is not an integer", key, v)
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			ve.Add("%s: %q is not a boolean", key, v)
			return
		}
		*dst = b
	}

	str("OPENAI_MODEL", &cfg.OpenAI.Model)
	str("OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	str("OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	if v := strings.TrimSpace(getenv("DECISION_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			ve.Add("DECISION_TIMEOUT: %q is not a duration", v)
		} else {
			cfg.OpenAI.DecisionTimeout = d
		}
	}
	str("FMP_BASE_URL", &cfg.FMP.BaseURL)
	str("FMP_API_KEY", &cfg.FMP.APIKey)
	str("PARAM_PREFIX", &cfg.ParamPrefix)
	str("STATE_TABLE", &cfg.StateTable)
	str("LISTEN_ADDR", &cfg.ListenAddr)
	num("RATE_LIMIT_PER_MINUTE", &cfg.RateLimit.PerMinute)
	num("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	flag("STRICT_TOOL_ARGS", &cfg.StrictToolArgs)
	flag("MODERATION_ENABLED", &cfg.ModerationEnabled)
	num("MAX_MESSAGES", &cfg.MaxMessages)
	str("LOG_LEVEL", &cfg.Logger.Level)
	str("LOG_FORMAT", &cfg.Logger.Format)
	str("TRACING_EXPORTER", &cfg.Tracer.Exporter)
}

// UsesParameterStore reports whether API keys come from SSM.
func (c *Config) UsesParameterStore() bool {
	return c.ParamPrefix != ""
}
