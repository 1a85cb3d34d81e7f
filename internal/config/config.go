// Package config loads coda-core's configuration surface: the event
// bus, skill health thresholds, subagent admission/loop limits, and
// alert routing rules named in spec.md §6. Loading follows the
// teacher's internal/config.Load shape: YAML with $include resolution
// and env-var expansion, defaulted, then validated.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure for coda-core.
type Config struct {
	Redis     RedisConnConfig `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Bus       BusConfig       `yaml:"bus"`
	Health    HealthConfig    `yaml:"health"`
	Subagents SubagentsConfig `yaml:"subagents"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RedisConnConfig is the connection detail for the event bus and
// rate-limit collaborators' shared Redis instance.
type RedisConnConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig is the connection detail for the transactional store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// MetricsConfig controls the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BusConfig configures the Redis Streams-backed event bus (C6, spec.md §4.1/§6).
type BusConfig struct {
	EventStreamMaxLen int           `yaml:"event_stream_max_len"`
	IdempotencyKeyTTL time.Duration `yaml:"idempotency_key_ttl"`
	BlockMs           time.Duration `yaml:"block_ms"`
	ConsumerGroup     string        `yaml:"consumer_group"`
	MaxRetries        int           `yaml:"max_retries"`
}

// HealthConfig configures skill health-state transitions (C2, spec.md §6).
type HealthConfig struct {
	DegradedThreshold    int           `yaml:"degraded_threshold"`
	UnavailableThreshold int           `yaml:"unavailable_threshold"`
	RecoveryWindowMs     time.Duration `yaml:"recovery_window_ms"`
}

// RateLimitConfig configures a sliding-window limit (C3).
type RateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// SubagentsConfig configures the Subagent Manager (C10, spec.md §4.3/§6).
type SubagentsConfig struct {
	Enabled                bool            `yaml:"enabled"`
	DefaultTimeoutMinutes  int             `yaml:"default_timeout_minutes"`
	MaxTimeoutMinutes      int             `yaml:"max_timeout_minutes"`
	SyncTimeoutSeconds     int             `yaml:"sync_timeout_seconds"`
	MaxConcurrentPerUser   int             `yaml:"max_concurrent_per_user"`
	MaxConcurrentGlobal    int             `yaml:"max_concurrent_global"`
	ArchiveTTLMinutes      int             `yaml:"archive_ttl_minutes"`
	MaxToolCallsPerRun     int             `yaml:"max_tool_calls_per_run"`
	DefaultTokenBudget     int             `yaml:"default_token_budget"`
	MaxTokenBudget         int             `yaml:"max_token_budget"`
	SpawnRateLimit         RateLimitConfig `yaml:"spawn_rate_limit"`
	CleanupIntervalSeconds int             `yaml:"cleanup_interval_seconds"`
}

// AlertRuleConfig configures routing for one event-type pattern.
type AlertRuleConfig struct {
	Severity string        `yaml:"severity"`
	Channels []string      `yaml:"channels"`
	Quiet    bool          `yaml:"quiet_hours"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// QuietHoursConfig is the global quiet-hours policy (spec.md §4.4/§6).
type QuietHoursConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Start              string   `yaml:"start"`
	End                string   `yaml:"end"`
	Timezone           string   `yaml:"timezone"`
	OverrideSeverities []string `yaml:"override_severities"`
}

// AlertsConfig configures the Alert Router (C8, spec.md §4.4/§6).
type AlertsConfig struct {
	Rules      map[string]AlertRuleConfig `yaml:"rules"`
	QuietHours QuietHoursConfig           `yaml:"quiet_hours"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func applyDefaults(cfg *Config) {
	applyRedisDefaults(&cfg.Redis)
	applyMetricsDefaults(&cfg.Metrics)
	applyBusDefaults(&cfg.Bus)
	applyHealthDefaults(&cfg.Health)
	applySubagentsDefaults(&cfg.Subagents)
	applyAlertsDefaults(&cfg.Alerts)
	applyLoggingDefaults(&cfg.Logging)
}

func applyRedisDefaults(cfg *RedisConnConfig) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
}

func applyBusDefaults(cfg *BusConfig) {
	if cfg.EventStreamMaxLen == 0 {
		cfg.EventStreamMaxLen = 10000
	}
	if cfg.IdempotencyKeyTTL == 0 {
		cfg.IdempotencyKeyTTL = 24 * time.Hour
	}
	if cfg.BlockMs == 0 {
		cfg.BlockMs = 5 * time.Second
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "coda-core"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
}

func applyHealthDefaults(cfg *HealthConfig) {
	if cfg.DegradedThreshold == 0 {
		cfg.DegradedThreshold = 3
	}
	if cfg.UnavailableThreshold == 0 {
		cfg.UnavailableThreshold = 5
	}
	if cfg.RecoveryWindowMs == 0 {
		cfg.RecoveryWindowMs = 60 * time.Second
	}
}

func applySubagentsDefaults(cfg *SubagentsConfig) {
	if cfg.DefaultTimeoutMinutes == 0 {
		cfg.DefaultTimeoutMinutes = 10
	}
	if cfg.MaxTimeoutMinutes == 0 {
		cfg.MaxTimeoutMinutes = 30
	}
	if cfg.SyncTimeoutSeconds == 0 {
		cfg.SyncTimeoutSeconds = 120
	}
	if cfg.MaxConcurrentPerUser == 0 {
		cfg.MaxConcurrentPerUser = 3
	}
	if cfg.MaxConcurrentGlobal == 0 {
		cfg.MaxConcurrentGlobal = 20
	}
	if cfg.ArchiveTTLMinutes == 0 {
		cfg.ArchiveTTLMinutes = 60
	}
	if cfg.MaxToolCallsPerRun == 0 {
		cfg.MaxToolCallsPerRun = 25
	}
	if cfg.DefaultTokenBudget == 0 {
		cfg.DefaultTokenBudget = 50_000
	}
	if cfg.MaxTokenBudget == 0 {
		cfg.MaxTokenBudget = 200_000
	}
	if cfg.SpawnRateLimit.MaxRequests == 0 {
		cfg.SpawnRateLimit.MaxRequests = 10
	}
	if cfg.SpawnRateLimit.WindowSeconds == 0 {
		cfg.SpawnRateLimit.WindowSeconds = 60
	}
	if cfg.CleanupIntervalSeconds == 0 {
		cfg.CleanupIntervalSeconds = 300
	}
}

func applyAlertsDefaults(cfg *AlertsConfig) {
	if cfg.Rules == nil {
		cfg.Rules = map[string]AlertRuleConfig{}
	}
	if cfg.QuietHours.Timezone == "" {
		cfg.QuietHours.Timezone = "UTC"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

var validSeverities = map[string]bool{"low": true, "medium": true, "high": true}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var issues []string

	if cfg.Subagents.MaxConcurrentPerUser > cfg.Subagents.MaxConcurrentGlobal {
		issues = append(issues, "subagents.max_concurrent_per_user must be <= subagents.max_concurrent_global")
	}
	if cfg.Subagents.DefaultTimeoutMinutes > cfg.Subagents.MaxTimeoutMinutes {
		issues = append(issues, "subagents.default_timeout_minutes must be <= subagents.max_timeout_minutes")
	}
	if cfg.Subagents.DefaultTokenBudget > cfg.Subagents.MaxTokenBudget {
		issues = append(issues, "subagents.default_token_budget must be <= subagents.max_token_budget")
	}
	if cfg.Subagents.SyncTimeoutSeconds <= 0 {
		issues = append(issues, "subagents.sync_timeout_seconds must be > 0")
	}

	for eventType, rule := range cfg.Alerts.Rules {
		if !validSeverities[strings.ToLower(rule.Severity)] {
			issues = append(issues, fmt.Sprintf("alerts.rules[%s].severity must be low, medium, or high", eventType))
		}
		if len(rule.Channels) == 0 {
			issues = append(issues, fmt.Sprintf("alerts.rules[%s].channels must list at least one channel", eventType))
		}
	}
	if cfg.Alerts.QuietHours.Enabled {
		if _, err := parseHHMM(cfg.Alerts.QuietHours.Start); err != nil {
			issues = append(issues, "alerts.quiet_hours.start must be HH:MM")
		}
		if _, err := parseHHMM(cfg.Alerts.QuietHours.End); err != nil {
			issues = append(issues, "alerts.quiet_hours.end must be HH:MM")
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("config: invalid configuration:\n- %s", strings.Join(issues, "\n- "))
	}
	return nil
}

func parseHHMM(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("config: time %q out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
