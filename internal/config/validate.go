package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func validate(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.OpenAI.Model) == "" {
		ve.Add("openai.model must not be empty")
	}
	if cfg.OpenAI.DecisionTimeout <= 0 {
		ve.Add("openai.decision_timeout must be positive")
	}
	checkURL(ve, "openai.base_url", cfg.OpenAI.BaseURL, true)
	checkURL(ve, "fmp.base_url", cfg.FMP.BaseURL, false)
	if !cfg.UsesParameterStore() {
		if cfg.OpenAI.APIKey == "" {
			ve.Add("OPENAI_API_KEY is required when PARAM_PREFIX is not set")
		}
		if cfg.FMP.APIKey == "" {
			ve.Add("FMP_API_KEY is required when PARAM_PREFIX is not set")
		}
	}
	if cfg.RateLimit.PerMinute < 0 {
		ve.Add("rate_limit.per_minute must not be negative")
	}
	if cfg.RateLimit.PerMinute > 0 && cfg.RateLimit.Burst <= 0 {
		ve.Add("rate_limit.burst must be positive when rate limiting is enabled")
	}
	if cfg.MaxMessages <= 0 {
		ve.Add("max_messages must be positive")
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "json", "text":
	default:
		ve.Add("logger.format %q must be json or text", cfg.Logger.Format)
	}
	switch strings.ToLower(cfg.Tracer.Exporter) {
	case "", "none", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q must be none or stdout", cfg.Tracer.Exporter)
	}
}

func checkURL(ve *ValidationError, field, raw string, optional bool) {
	if raw == "" {
		if !optional {
			ve.Add("%s must not be empty", field)
		}
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("%s %q must be an absolute http(s) URL", field, raw)
	}
}
