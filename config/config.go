// Package config provides application configuration with multi-source
// priority.
//
// Sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.mindwell/config.yaml)
//  3. Default values
//
// Error Handling:
//   - Uses sentinel errors for checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the completion API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidInterval indicates a pacing or delay duration is negative.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidOwnerID indicates the owner identifier is not a UUID.
	ErrInvalidOwnerID = errors.New("invalid owner ID")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// Completion API configuration
	APIKey      string  `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	BaseURL     string  `mapstructure:"base_url" json:"base_url"`
	ModelName   string  `mapstructure:"model_name" json:"model_name"`
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`

	// MinRequestIntervalMS spaces completion requests; MinResponseDelayMS
	// is the perceived-latency floor for assistant turns.
	MinRequestIntervalMS int `mapstructure:"min_request_interval_ms" json:"min_request_interval_ms"`
	MinResponseDelayMS   int `mapstructure:"min_response_delay_ms" json:"min_response_delay_ms"`

	// OwnerID is the UUID of the account whose sessions this process
	// operates on.
	OwnerID string `mapstructure:"owner_id" json:"owner_id"`

	// Storage configuration (see storage.go for the DSN helpers)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".mindwell")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings when set.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("base_url", "https://api.openai.com/v1")
	viper.SetDefault("model_name", "gpt-4-1106-preview")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_tokens", 1000)
	viper.SetDefault("min_request_interval_ms", 1000)
	viper.SetDefault("min_response_delay_ms", 1000)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "mindwell")
	viper.SetDefault("postgres_password", "mindwell_dev_password")
	viper.SetDefault("postgres_db_name", "mindwell")
	viper.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail).
	// If this panics, it's a BUG in our code, not a runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("api_key", "OPENAI_API_KEY")
	mustBind("base_url", "MINDWELL_BASE_URL")
	mustBind("model_name", "MINDWELL_MODEL_NAME")
	mustBind("owner_id", "MINDWELL_OWNER_ID")
}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxTokens < 1 || c.MaxTokens > 128000 {
		return fmt.Errorf("%w: must be between 1 and 128,000, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.MinRequestIntervalMS < 0 {
		return fmt.Errorf("%w: min_request_interval_ms cannot be negative, got %d",
			ErrInvalidInterval, c.MinRequestIntervalMS)
	}
	if c.MinResponseDelayMS < 0 {
		return fmt.Errorf("%w: min_response_delay_ms cannot be negative, got %d",
			ErrInvalidInterval, c.MinResponseDelayMS)
	}

	if c.OwnerID != "" {
		if _, err := uuid.Parse(c.OwnerID); err != nil {
			return fmt.Errorf("%w: %q is not a UUID", ErrInvalidOwnerID, c.OwnerID)
		}
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	// Modern SSL modes only; allow/prefer are deprecated.
	switch c.PostgresSSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: %q is not valid, must be one of: disable, require, verify-ca, verify-full",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	return nil
}

// RequireAPIKey checks that the completion API key is present. Kept out of
// Validate so commands that never call the completion API (migrate,
// sessions list) load config without a key.
func (c *Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: set the OPENAI_API_KEY environment variable", ErrMissingAPIKey)
	}
	return nil
}

// Owner returns the configured owner UUID, or uuid.Nil when unset.
func (c *Config) Owner() uuid.UUID {
	if c.OwnerID == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(c.OwnerID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// MinRequestInterval returns the completion pacing interval as a Duration.
func (c *Config) MinRequestInterval() time.Duration {
	return time.Duration(c.MinRequestIntervalMS) * time.Millisecond
}

// MinResponseDelay returns the perceived-latency floor as a Duration.
func (c *Config) MinResponseDelay() time.Duration {
	return time.Duration(c.MinResponseDelayMS) * time.Millisecond
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of eight
// characters or fewer are fully masked so the output never contains a
// matchable substring of the secret.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.APIKey = maskSecret(a.APIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
