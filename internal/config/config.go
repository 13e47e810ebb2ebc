// Package config loads server settings from the environment, with an
// optional .env file for development setups.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"lanchat/pkg/cipher"
)

// Config holds every runtime setting. All variables share the LANCHAT_
// prefix; either Key or KeyFile must provide the shared room key. Port 0
// binds an ephemeral port, which test setups use.
type Config struct {
	Host        string `envconfig:"HOST" default:"0.0.0.0" validate:"required"`
	Port        int    `envconfig:"PORT" default:"5555" validate:"min=0,max=65535"`
	MaxSessions int    `envconfig:"MAX_SESSIONS" default:"100" validate:"min=0"`

	Key     string `envconfig:"KEY" validate:"omitempty,base64"`
	KeyFile string `envconfig:"KEY_FILE" validate:"required_without=Key,omitempty,file"`

	HistoryPath string `envconfig:"HISTORY_PATH" default:"./lanchat.db" validate:"required"`

	JoinGrace    time.Duration `envconfig:"JOIN_GRACE" default:"30s" validate:"min=1s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s" validate:"min=100ms"`

	ReplayLimit   int `envconfig:"REPLAY_LIMIT" default:"50" validate:"min=0"`
	RetentionDays int `envconfig:"RETENTION_DAYS" default:"0" validate:"min=0"`

	// Empty disables the WebSocket gateway.
	WSAddr string `envconfig:"WS_ADDR" validate:"omitempty,hostname_port"`
}

// Load reads a .env file when present, then the process environment, and
// validates the result.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("lanchat", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the key/key-file exclusivity rule.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Key != "" && c.KeyFile != "" {
		return fmt.Errorf("invalid configuration: set LANCHAT_KEY or LANCHAT_KEY_FILE, not both")
	}
	return nil
}

// Addr returns the host:port the TCP listener binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadKey resolves the shared room key from the inline value or the key
// file.
func (c *Config) LoadKey() ([]byte, error) {
	if c.Key != "" {
		key, err := cipher.ParseKey(c.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid LANCHAT_KEY: %w", err)
		}
		return key, nil
	}
	key, err := cipher.LoadKeyFile(c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("invalid LANCHAT_KEY_FILE: %w", err)
	}
	return key, nil
}

// Retention converts the retention setting into a cutoff duration; zero
// means keep everything.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
