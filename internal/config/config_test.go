package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  name: "copytrader"

exchange:
  base_url: "https://open-api.bingx.com"
  recv_window_ms: 5000
  request_timeout_seconds: 10
  max_retries: 3
  retry_delay_ms: 1000

state_store:
  project_id: "copytrader-test"
  credentials_file: "creds.json"
  collection: "mirror_state"
  document_id: "state"

credentials:
  source_file: "${TEST_CREDENTIALS_FILE}"
  envelope_key: "${TEST_ENVELOPE_KEY}"

system:
  log_level: "INFO"

timing:
  sync_poll_interval_ms: 100
  master_queue_tick_ms: 300
  master_positions_cache_ms: 800
  open_orders_cache_ms: 12000
  follower_balance_cache_ms: 20000
  followers_refresh_seconds: 2000
  balances_refresh_seconds: 600
  balance_preload_gap_ms: 1500
  partial_close_threshold_pct: 0.1

concurrency:
  sync_worker_pool_size: 5
  open_batch_size: 10
  close_batch_size: 7
  inter_batch_delay_ms: 1000
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_CREDENTIALS_FILE", "credentials_from_env.json.enc")
	os.Setenv("TEST_ENVELOPE_KEY", "envelope_key_from_env")
	defer os.Unsetenv("TEST_CREDENTIALS_FILE")
	defer os.Unsetenv("TEST_ENVELOPE_KEY")

	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, "credentials_from_env.json.enc", config.Credentials.SourceFile)
	assert.Equal(t, Secret("envelope_key_from_env"), config.Credentials.EnvelopeKey)
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Credentials: CredentialsConfig{
			EnvelopeKey: Secret("my_super_secret_envelope_key"),
		},
		Telegram: TelegramConfig{
			BotToken: Secret("my_super_secret_bot_token"),
		},
	}
	output := cfg.String()

	assert.Contains(t, output, "****", "output should contain masked characters")
	assert.NotContains(t, output, "my_super_secret_envelope_key", "output should NOT contain full envelope key")
	assert.NotContains(t, output, "my_super_secret_bot_token", "output should NOT contain full bot token")
}

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}
