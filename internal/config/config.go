// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	StateStore  StateStoreConfig  `yaml:"state_store"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	System      SystemConfig      `yaml:"system"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name string `yaml:"name"`
}

// ExchangeConfig contains the exchange connectivity configuration shared by
// the master and every follower account.
type ExchangeConfig struct {
	BaseURL        string `yaml:"base_url" validate:"required"`
	RecvWindowMS   int    `yaml:"recv_window_ms" validate:"required,min=1000,max=60000"`
	RequestTimeout int    `yaml:"request_timeout_seconds" validate:"required,min=1,max=60"`
	MaxRetries     int    `yaml:"max_retries" validate:"required,min=1,max=10"`
	RetryDelayMS   int    `yaml:"retry_delay_ms" validate:"required,min=100,max=10000"`
}

// StateStoreConfig contains the Firestore-backed state store connection.
type StateStoreConfig struct {
	ProjectID       string `yaml:"project_id" validate:"required"`
	CredentialsFile string `yaml:"credentials_file" validate:"required"`
	Collection      string `yaml:"collection"`
	DocumentID      string `yaml:"document_id"`
}

// CredentialsConfig describes where to load master/follower API keys from
// and the symmetric key used to decrypt them at rest.
type CredentialsConfig struct {
	SourceFile  string `yaml:"source_file" validate:"required"`
	EnvelopeKey Secret `yaml:"envelope_key" validate:"required"`
}

// TelegramConfig configures the best-effort notification sink.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken Secret `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TimingConfig contains the interval/delay settings governing the sync loop,
// master call queue, caches and periodic refreshers. All durations are
// expressed in milliseconds except where noted. FollowerBalanceCacheMS is
// the TTL of the sync engine's master-balance cache; follower balances have
// no TTL cache and are reloaded every BalancesRefreshSeconds.
type TimingConfig struct {
	SyncPollIntervalMS      int `yaml:"sync_poll_interval_ms" validate:"required,min=10,max=5000"`
	MasterQueueTickMS       int `yaml:"master_queue_tick_ms" validate:"required,min=50,max=5000"`
	MasterPositionsCacheMS  int `yaml:"master_positions_cache_ms" validate:"required,min=100,max=10000"`
	OpenOrdersCacheMS       int `yaml:"open_orders_cache_ms" validate:"required,min=1000,max=60000"`
	FollowerBalanceCacheMS  int `yaml:"follower_balance_cache_ms" validate:"required,min=1000,max=120000"`
	FollowersRefreshSeconds int `yaml:"followers_refresh_seconds" validate:"required,min=10,max=86400"`
	BalancesRefreshSeconds  int `yaml:"balances_refresh_seconds" validate:"required,min=10,max=86400"`
	BalancePreloadGapMS     int `yaml:"balance_preload_gap_ms" validate:"required,min=100,max=10000"`
	PartialCloseThresholdPct float64 `yaml:"partial_close_threshold_pct" validate:"required,min=0,max=1"`
}

// ConcurrencyConfig contains worker pool and batching settings
type ConcurrencyConfig struct {
	SyncWorkerPoolSize int `yaml:"sync_worker_pool_size" validate:"required,min=1,max=100"`
	OpenBatchSize      int `yaml:"open_batch_size" validate:"required,min=1,max=100"`
	CloseBatchSize     int `yaml:"close_batch_size" validate:"required,min=1,max=100"`
	InterBatchDelayMS  int `yaml:"inter_batch_delay_ms" validate:"required,min=100,max=10000"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateExchangeConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStateStoreConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateCredentialsConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTimingConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateConcurrencyConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateExchangeConfig() error {
	if c.Exchange.BaseURL == "" {
		return ValidationError{Field: "exchange.base_url", Message: "base URL is required"}
	}
	if c.Exchange.RecvWindowMS <= 0 {
		return ValidationError{Field: "exchange.recv_window_ms", Value: c.Exchange.RecvWindowMS, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateStateStoreConfig() error {
	if c.StateStore.ProjectID == "" {
		return ValidationError{Field: "state_store.project_id", Message: "project id is required"}
	}
	if c.StateStore.CredentialsFile == "" {
		return ValidationError{Field: "state_store.credentials_file", Message: "credentials file is required"}
	}
	return nil
}

func (c *Config) validateCredentialsConfig() error {
	if c.Credentials.SourceFile == "" {
		return ValidationError{Field: "credentials.source_file", Message: "source file is required"}
	}
	if string(c.Credentials.EnvelopeKey) == "" {
		return ValidationError{Field: "credentials.envelope_key", Message: "envelope key is required"}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateTimingConfig() error {
	if c.Timing.SyncPollIntervalMS <= 0 {
		return ValidationError{Field: "timing.sync_poll_interval_ms", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateConcurrencyConfig() error {
	if c.Concurrency.SyncWorkerPoolSize <= 0 {
		return ValidationError{Field: "concurrency.sync_worker_pool_size", Message: "must be positive"}
	}
	return nil
}

// SyncPollInterval is the TimingConfig field as a time.Duration.
func (t TimingConfig) SyncPollInterval() time.Duration {
	return time.Duration(t.SyncPollIntervalMS) * time.Millisecond
}

// MasterQueueTick is the TimingConfig field as a time.Duration.
func (t TimingConfig) MasterQueueTick() time.Duration {
	return time.Duration(t.MasterQueueTickMS) * time.Millisecond
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Credentials.EnvelopeKey = Secret(maskString(string(c.Credentials.EnvelopeKey)))
	configCopy.Telegram.BotToken = Secret(maskString(string(c.Telegram.BotToken)))

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Name: "copytrader"},
		Exchange: ExchangeConfig{
			BaseURL:        "https://open-api.bingx.com",
			RecvWindowMS:   5000,
			RequestTimeout: 10,
			MaxRetries:     3,
			RetryDelayMS:   1000,
		},
		StateStore: StateStoreConfig{
			ProjectID:       "copytrader-dev",
			CredentialsFile: "firestore-credentials.json",
			Collection:      "mirror_state",
			DocumentID:      "state",
		},
		Credentials: CredentialsConfig{
			SourceFile:  "credentials.json.enc",
			EnvelopeKey: Secret("test_envelope_key_0123456789ab"),
		},
		Telegram: TelegramConfig{
			Enabled: false,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Timing: TimingConfig{
			SyncPollIntervalMS:      100,
			MasterQueueTickMS:       300,
			MasterPositionsCacheMS:  800,
			OpenOrdersCacheMS:       12000,
			FollowerBalanceCacheMS:  20000,
			FollowersRefreshSeconds: 2000,
			BalancesRefreshSeconds:  600,
			BalancePreloadGapMS:     1500,
			PartialCloseThresholdPct: 0.1,
		},
		Concurrency: ConcurrencyConfig{
			SyncWorkerPoolSize: 5,
			OpenBatchSize:      10,
			CloseBatchSize:     7,
			InterBatchDelayMS:  1000,
		},
	}
}
