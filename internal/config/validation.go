package config

import "fmt"

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate checks the configuration for internal consistency and returns
// every violation found.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	validEnvs := map[string]bool{"dev": true, "staging": true, "uat": true, "prod": true}
	if !validEnvs[c.AppEnv] {
		errs = append(errs, &ValidationError{
			Field:   "app_env",
			Message: fmt.Sprintf("invalid app_env '%s', must be one of: dev, staging, uat, prod", c.AppEnv),
		})
	}

	if c.Evidence.TimeWindowMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "evidence_time_window_minutes",
			Message: "must be at least 1",
		})
	}
	if c.Evidence.MaxLogLines < 1 {
		errs = append(errs, &ValidationError{Field: "max_log_lines", Message: "must be at least 1"})
	}
	if c.Evidence.MaxMetricPoints < 1 {
		errs = append(errs, &ValidationError{Field: "max_metric_points", Message: "must be at least 1"})
	}

	if c.Remediation.MaxBlastRadius <= 0 || c.Remediation.MaxBlastRadius > 100 {
		errs = append(errs, &ValidationError{
			Field:   "remediation_max_blast_radius",
			Message: fmt.Sprintf("must be in (0,100], got %.2f", c.Remediation.MaxBlastRadius),
		})
	}
	if c.Remediation.VerificationWaitSecs < 0 {
		errs = append(errs, &ValidationError{
			Field:   "remediation_verification_wait_seconds",
			Message: "cannot be negative",
		})
	}

	if c.RateLimit.PerMinute < 1 {
		errs = append(errs, &ValidationError{Field: "rate_limit_per_minute", Message: "must be at least 1"})
	}

	if c.Stores.PostgresURL == "" {
		errs = append(errs, &ValidationError{Field: "stores.postgres_url", Message: "required"})
	}
	if c.Stores.RedisAddr == "" {
		errs = append(errs, &ValidationError{Field: "stores.redis_addr", Message: "required"})
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s'", c.Logging.Level),
		})
	}

	if c.LLM.Provider != "" && c.LLM.Provider != "anthropic" {
		errs = append(errs, &ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unsupported provider '%s', must be empty or 'anthropic'", c.LLM.Provider),
		})
	}

	return errs
}
