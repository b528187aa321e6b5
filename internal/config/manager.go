package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperManager implements Manager using viper, with AIOPS_ environment
// overrides and fsnotify-driven hot reload.
type viperManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

func (m *viperManager) Load(ctx context.Context) error {
	m.viper = viper.New()
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("AIOPS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// no config file; defaults + env vars only
		} else if os.IsNotExist(err) {
			// same
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()
	return nil
}

func (m *viperManager) Get(ctx context.Context) *Config {
	return m.config
}

func (m *viperManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) == 0 {
		return nil
	}
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

func (m *viperManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
		}
	})
	return m.watchChan
}

func (m *viperManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

func (m *viperManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	m.viper.SetDefault("app_env", d.AppEnv)

	m.viper.SetDefault("cluster.name", d.Cluster.Name)
	m.viper.SetDefault("cluster.kubeconfig_path", d.Cluster.KubeconfigPath)
	m.viper.SetDefault("cluster.context", d.Cluster.Context)
	m.viper.SetDefault("cluster.circuit_breaker_failure_threshold", d.Cluster.CircuitBreakerFailureThreshold)
	m.viper.SetDefault("cluster.circuit_breaker_open_seconds", d.Cluster.CircuitBreakerOpenSeconds)

	m.viper.SetDefault("evidence_time_window_minutes", d.Evidence.TimeWindowMinutes)
	m.viper.SetDefault("max_log_lines", d.Evidence.MaxLogLines)
	m.viper.SetDefault("max_metric_points", d.Evidence.MaxMetricPoints)

	m.viper.SetDefault("remediation_auto_approve_dev", d.Remediation.AutoApproveDev)
	m.viper.SetDefault("remediation_auto_approve_staging", d.Remediation.AutoApproveStaging)
	m.viper.SetDefault("remediation_auto_approve_prod", d.Remediation.AutoApproveProd)
	m.viper.SetDefault("remediation_max_blast_radius", d.Remediation.MaxBlastRadius)
	m.viper.SetDefault("remediation_verification_wait_seconds", d.Remediation.VerificationWaitSecs)

	m.viper.SetDefault("rate_limit_per_minute", d.RateLimit.PerMinute)
	m.viper.SetDefault("fingerprint_ttl_hours", d.Fingerprint.TTLHours)

	m.viper.SetDefault("stores.postgres_url", d.Stores.PostgresURL)
	m.viper.SetDefault("stores.redis_addr", d.Stores.RedisAddr)
	m.viper.SetDefault("stores.redis_db", d.Stores.RedisDB)
	m.viper.SetDefault("stores.loki_base_url", d.Stores.LokiBaseURL)
	m.viper.SetDefault("stores.metrics_base_url", d.Stores.MetricsBaseURL)
	m.viper.SetDefault("stores.policy_base_url", d.Stores.PolicyBaseURL)
	m.viper.SetDefault("stores.policy_path", d.Stores.PolicyPath)

	m.viper.SetDefault("slack.bot_token", d.Slack.BotToken)
	m.viper.SetDefault("slack.approval_channel", d.Slack.ApprovalChannel)

	m.viper.SetDefault("llm.provider", d.LLM.Provider)
	m.viper.SetDefault("llm.model", d.LLM.Model)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
	m.viper.SetDefault("logging.app_log_path", d.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", d.Logging.AuditLogPath)
}

func (m *viperManager) unmarshalConfig() error {
	cfg := &Config{}

	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	cfg.AppEnv = m.viper.GetString("app_env")

	cfg.Cluster.Name = m.viper.GetString("cluster.name")
	cfg.Cluster.KubeconfigPath = m.viper.GetString("cluster.kubeconfig_path")
	cfg.Cluster.Context = m.viper.GetString("cluster.context")
	cfg.Cluster.CircuitBreakerFailureThreshold = m.viper.GetInt("cluster.circuit_breaker_failure_threshold")
	cfg.Cluster.CircuitBreakerOpenSeconds = m.viper.GetInt("cluster.circuit_breaker_open_seconds")

	cfg.Evidence.TimeWindowMinutes = m.viper.GetInt("evidence_time_window_minutes")
	cfg.Evidence.MaxLogLines = m.viper.GetInt("max_log_lines")
	cfg.Evidence.MaxMetricPoints = m.viper.GetInt("max_metric_points")

	cfg.Remediation.AutoApproveDev = m.viper.GetBool("remediation_auto_approve_dev")
	cfg.Remediation.AutoApproveStaging = m.viper.GetBool("remediation_auto_approve_staging")
	cfg.Remediation.AutoApproveProd = m.viper.GetBool("remediation_auto_approve_prod")
	cfg.Remediation.MaxBlastRadius = m.viper.GetFloat64("remediation_max_blast_radius")
	cfg.Remediation.VerificationWaitSecs = m.viper.GetInt("remediation_verification_wait_seconds")

	cfg.RateLimit.PerMinute = m.viper.GetInt("rate_limit_per_minute")
	cfg.Fingerprint.TTLHours = m.viper.GetInt("fingerprint_ttl_hours")

	cfg.Stores.PostgresURL = m.viper.GetString("stores.postgres_url")
	cfg.Stores.RedisAddr = m.viper.GetString("stores.redis_addr")
	cfg.Stores.RedisDB = m.viper.GetInt("stores.redis_db")
	cfg.Stores.LokiBaseURL = m.viper.GetString("stores.loki_base_url")
	cfg.Stores.MetricsBaseURL = m.viper.GetString("stores.metrics_base_url")
	cfg.Stores.PolicyBaseURL = m.viper.GetString("stores.policy_base_url")
	cfg.Stores.PolicyPath = m.viper.GetString("stores.policy_path")

	cfg.Slack.BotToken = m.viper.GetString("slack.bot_token")
	cfg.Slack.ApprovalChannel = m.viper.GetString("slack.approval_channel")

	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.Model = m.viper.GetString("llm.model")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for secrets that
// should never live in a config file.
func (m *viperManager) applyEnvOverrides() {
	if tok := os.Getenv("SLACK_BOT_TOKEN"); tok != "" {
		m.config.Slack.BotToken = tok
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		m.config.LLM.APIKey = key
	}
	if pgURL := os.Getenv("AIOPS_POSTGRES_URL"); pgURL != "" {
		m.config.Stores.PostgresURL = pgURL
	}
}
