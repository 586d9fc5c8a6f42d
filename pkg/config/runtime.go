package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/loom/pkg/relay"
	"github.com/openfroyo/loom/pkg/telemetry"
)

// DefaultConfigFile is the runtime configuration looked up when no path is given.
const DefaultConfigFile = "loom.yaml"

// Config is the runtime configuration of a loom process.
type Config struct {
	// TickInterval is the pause between ticks of the scheduler loop. Zero ticks as fast
	// as the frequency ceiling allows.
	TickInterval time.Duration `yaml:"tick_interval" validate:"gte=0"`

	// MaxFrequency caps ticks per second. Zero means uncapped.
	MaxFrequency float64 `yaml:"max_frequency" validate:"gte=0"`

	// BrokerCapacity bounds each broker channel.
	BrokerCapacity int `yaml:"broker_capacity" validate:"gt=0"`

	// StarlarkTimeout bounds the evaluation of Starlark graph documents and scripts.
	StarlarkTimeout time.Duration `yaml:"starlark_timeout" validate:"gte=0"`

	Database DatabaseConfig `yaml:"database"`
	Policy   PolicyConfig   `yaml:"policy"`
	Relay    relay.Config   `yaml:"relay"`

	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// DatabaseConfig configures the run journal.
type DatabaseConfig struct {
	// Path is the SQLite file. Empty disables the journal.
	Path string `yaml:"path"`
}

// PolicyConfig configures command admission.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists Rego files or directories loaded next to the built-in policies.
	Paths []string `yaml:"paths"`

	// Watch reloads policies when a file under Paths changes.
	Watch bool `yaml:"watch"`
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:    time.Millisecond,
		BrokerCapacity:  1000,
		StarlarkTimeout: 30 * time.Second,
		Policy: PolicyConfig{
			Enabled: true,
		},
		Relay:     relay.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

var configValidator = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("invalid configuration: relay.url is required when the relay is enabled")
	}
	return nil
}

// LoadConfig reads a runtime configuration file over the defaults. A missing file at the
// default location yields the defaults; a missing explicit path is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := DecodeConfig(content, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeConfig decodes YAML into cfg, keeping values the document does not set.
func DecodeConfig(content []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Environment variables overriding the configuration file.
const (
	EnvLogLevel = "LOOM_LOG_LEVEL"
	EnvDBPath   = "LOOM_DB_PATH"
	EnvAMQPURL  = "LOOM_AMQP_URL"
)

// ApplyEnv overrides configuration values from the environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Telemetry.Logging.Level = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		cfg.Relay.URL = v
	}
}
