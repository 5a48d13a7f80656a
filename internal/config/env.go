package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Environment variables applied by [ApplyEnv].
const (
	EnvUseLLM            = "USE_LLM_EVALUATION"
	EnvEvalModel         = "LABS_EVAL_MODEL"
	EnvGroqAPIKey        = "GROQ_API_KEY"
	EnvPostgresDSN       = "CALLWATCH_POSTGRES_DSN"
	EnvAMQPURL           = "CALLWATCH_AMQP_URL"
	EnvInactivitySeconds = "INACTIVITY_TIMEOUT_SECONDS"
	EnvMaxCallMinutes    = "MAX_CALL_DURATION_MINUTES"
	EnvWarningMinutes    = "MAX_DURATION_WARNING_MINUTES"
)

// ApplyEnv overrides cfg with the environment variables listed above. Empty
// values are ignored. lookup is usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}
	var errs []error

	if v, ok := get(EnvUseLLM); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not a boolean", EnvUseLLM, v))
		} else {
			cfg.Evaluation.UseLLM = b
		}
	}
	if v, ok := get(EnvEvalModel); ok {
		cfg.Evaluation.Provider.Model = v
	}
	if v, ok := get(EnvGroqAPIKey); ok {
		if cfg.Evaluation.Provider.Name == "groq" {
			cfg.Evaluation.Provider.APIKey = v
		}
		for i := range cfg.Evaluation.Fallbacks {
			if cfg.Evaluation.Fallbacks[i].Name == "groq" && cfg.Evaluation.Fallbacks[i].APIKey == "" {
				cfg.Evaluation.Fallbacks[i].APIKey = v
			}
		}
	}
	if v, ok := get(EnvPostgresDSN); ok {
		cfg.Postgres.DSN = v
	}
	if v, ok := get(EnvAMQPURL); ok {
		cfg.AMQP.URL = v
	}

	duration := func(key string, unit time.Duration, dst *time.Duration) {
		v, ok := get(key)
		if !ok {
			return
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s=%q must be a positive number", key, v))
			return
		}
		*dst = time.Duration(n * float64(unit))
	}
	duration(EnvInactivitySeconds, time.Second, &cfg.Call.InactivityTimeout)
	duration(EnvMaxCallMinutes, time.Minute, &cfg.Call.MaxDuration)
	duration(EnvWarningMinutes, time.Minute, &cfg.Call.WarningBefore)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}
