package bootstrap

import (
	"fmt"
	"os"

	"copytrader/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if err := checkReadableFile(cfg.StateStore.CredentialsFile); err != nil {
		return fmt.Errorf("state_store.credentials_file: %w", err)
	}

	if err := checkReadableFile(cfg.Credentials.SourceFile); err != nil {
		return fmt.Errorf("credentials.source_file: %w", err)
	}

	return nil
}

func checkReadableFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", path)
		}
		return err
	}

	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("insecure permissions on %s: %04o (should be 0600)", path, mode)
	}

	return nil
}
