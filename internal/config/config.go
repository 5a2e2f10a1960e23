package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/glucose-pipeline/internal/db"
	"github.com/livinlefevreloca/glucose-pipeline/internal/metrics"
	"github.com/livinlefevreloca/glucose-pipeline/internal/source"
	"github.com/livinlefevreloca/glucose-pipeline/internal/storage"
)

// Environment variables that override file settings
const (
	EnvSourceURI    = "NIGHTSCOUT_URI"
	EnvSourceSecret = "NIGHTSCOUT_SECRET"
	EnvDatabaseDSN  = "GLUCOSE_DB_DSN"
	EnvMetadataDir  = "GLUCOSE_METADATA_DIR"
)

// Config represents the application configuration
type Config struct {
	Database db.Config      `toml:"database"`
	Source   source.Config  `toml:"source"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Metrics  metrics.Config `toml:"metrics"`
	Logging  LoggingConfig  `toml:"logging"`
}

// PipelineConfig holds ingest and transform settings
type PipelineConfig struct {
	MetadataDir     string    `toml:"metadata_dir"`
	DefaultEpoch    time.Time `toml:"default_epoch"`
	ContinueOnError bool      `toml:"continue_on_error"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SlogLevel returns the slog level for Level, defaulting to info
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "glucose.db",
			MaxIdleConns:    1,
			ConnMaxLifetime: 30 * time.Minute,
			SkipMigrations:  false,
		},
		Source: source.DefaultConfig(),
		Pipeline: PipelineConfig{
			MetadataDir:     "config/metadata/tables",
			DefaultEpoch:    storage.DefaultEpoch,
			ContinueOnError: false,
		},
		Metrics: metrics.Config{
			Enabled:      false,
			TextfilePath: "glucose_pipeline.prom",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
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

	config.ApplyEnv(os.LookupEnv)
	return config, nil
}

// ApplyEnv overrides settings from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvSourceURI); ok {
		c.Source.BaseURL = v
	}
	if v, ok := lookup(EnvSourceSecret); ok {
		c.Source.APISecret = v
	}
	if v, ok := lookup(EnvDatabaseDSN); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvMetadataDir); ok {
		c.Pipeline.MetadataDir = v
	}
}

// Validate checks if the configuration is valid. The source base URL is
// only required by commands that ingest, so it is checked by the loader.
func (c *Config) Validate() error {
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if c.Source.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Source.BaseURL); err != nil {
			return fmt.Errorf("invalid source base_url: %w", err)
		}
	}
	if c.Source.Timeout <= 0 {
		return fmt.Errorf("source timeout must be positive")
	}

	if c.Pipeline.MetadataDir == "" {
		return fmt.Errorf("pipeline metadata_dir must be specified")
	}
	if c.Pipeline.DefaultEpoch.IsZero() {
		return fmt.Errorf("pipeline default_epoch must be specified")
	}

	if c.Metrics.Enabled && c.Metrics.TextfilePath == "" {
		return fmt.Errorf("metrics textfile_path must be specified when metrics are enabled")
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
