package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/db"
	"github.com/livinlefevreloca/dropscout/internal/orchestrator"
	"github.com/livinlefevreloca/dropscout/internal/pacing"
	"github.com/livinlefevreloca/dropscout/internal/server"
	"github.com/livinlefevreloca/dropscout/internal/telemetry"
	"github.com/livinlefevreloca/dropscout/internal/verify"
)

// Environment variables that override file settings
const (
	EnvDatabaseDSN     = "DROPSCOUT_DATABASE_DSN"
	EnvHTTPPort        = "DROPSCOUT_HTTP_PORT"
	EnvLogLevel        = "DROPSCOUT_LOG_LEVEL"
	EnvAgentCookieFile = "DROPSCOUT_AGENT_COOKIE_FILE"
)

// Config represents the application configuration
type Config struct {
	Database     db.Config           `toml:"database"`
	Orchestrator orchestrator.Config `toml:"orchestrator"`
	Pacing       pacing.Config       `toml:"pacing"`
	Agent        agent.Config        `toml:"agent"`
	Verifier     verify.Config       `toml:"verifier"`
	HTTP         server.Config       `toml:"http"`
	Telemetry    telemetry.Config    `toml:"telemetry"`
	Logging      LoggingConfig       `toml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          db.DriverSQLite,
			DSN:             "dropscout.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Pacing:       pacing.DefaultConfig(),
		Agent:        agent.DefaultConfig(),
		Verifier:     verify.DefaultConfig(),
		HTTP:         server.DefaultConfig(),
		Telemetry:    telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDatabaseDSN); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvHTTPPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHTTPPort, err)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvAgentCookieFile); ok && v != "" {
		c.Agent.Page.CookieFile = v
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != db.DriverSQLite && c.Database.Driver != db.DriverPostgres {
		return fmt.Errorf("unsupported database driver: %s (must be %s or %s)",
			c.Database.Driver, db.DriverSQLite, db.DriverPostgres)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	if err := c.Pacing.Validate(); err != nil {
		return err
	}
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	if err := c.Verifier.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
