// Package config loads and validates the pipeline's runtime configuration.
//
// Responsibilities:
//   - Load configuration from a YAML file, environment variables and
//     built-in defaults
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support hot-reload of a config file via fsnotify
//
// Configuration sources (priority order, high to low):
//  1. Environment variables (AIOPS_ prefix)
//  2. YAML config file (default: /etc/aiops-responder/config.yaml)
//  3. Built-in defaults (lowest priority)
//
// Recognized options (see spec §6):
//   - evidence_time_window_minutes: collector lookback window
//   - max_log_lines, max_metric_points: ingest caps
//   - remediation_auto_approve_dev|staging|prod: bypass approval wait
//   - remediation_max_blast_radius: threshold for isAcceptable
//   - remediation_verification_wait_seconds: Verifier's mandatory wait
//   - rate_limit_per_minute: Alert Gateway per-source rate limit
//   - cluster.circuit_breaker_failure_threshold, cluster.circuit_breaker_open_seconds:
//     per-cluster K8s API circuit breaker tuning
//   - connection strings for each external store
//   - app_env: selects the environment multiplier and approval defaults
//   - llm provider selection for the optional Summarizer collaborator
package config

import "context"

// Config holds every tunable of the pipeline.
type Config struct {
	Server struct {
		Port           int
		AllowedOrigins []string
	}

	AppEnv string // dev | staging | uat | prod

	Cluster struct {
		Name                            string
		KubeconfigPath                  string
		Context                         string
		CircuitBreakerFailureThreshold  int
		CircuitBreakerOpenSeconds       int
	}

	Evidence struct {
		TimeWindowMinutes int
		MaxLogLines       int
		MaxMetricPoints   int
	}

	Remediation struct {
		AutoApproveDev        bool
		AutoApproveStaging    bool
		AutoApproveProd       bool
		MaxBlastRadius        float64
		VerificationWaitSecs  int
	}

	RateLimit struct {
		PerMinute int
	}

	Fingerprint struct {
		TTLHours int
	}

	Stores struct {
		PostgresURL  string
		RedisAddr    string
		RedisDB      int
		LokiBaseURL  string
		MetricsBaseURL string
		PolicyBaseURL  string
		PolicyPath     string
	}

	Slack struct {
		BotToken      string
		ApprovalChannel string
	}

	LLM struct {
		Provider  string // "" | "anthropic"
		APIKey    string
		Model     string
	}

	Logging struct {
		Level       string
		Format      string
		AppLogPath  string
		AuditLogPath string
	}
}

// Manager is the interface for configuration access used throughout the
// pipeline.
type Manager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates that the current configuration is complete and
	// correct.
	Validate(ctx context.Context) error

	// Watch watches for configuration file changes and reloads, emitting
	// the new config on the returned channel.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads configuration from sources.
	Reload(ctx context.Context) error
}

// NewManager creates a new configuration manager backed by viper.
func NewManager(configPath string) (Manager, error) {
	mgr := &viperManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewManagerWithDefaults creates a manager using the default config path.
func NewManagerWithDefaults() (Manager, error) {
	return NewManager("/etc/aiops-responder/config.yaml")
}
