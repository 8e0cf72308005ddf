// Package config provides configuration management for Enerflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Enerflow.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	DocStore  DocStoreConfig  `mapstructure:"docstore"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the relational (index/tenant) store configuration.
// When Host is empty the index store falls back to the SQLite file next to
// the document store, which keeps single-node deployments to one dependency.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DocStoreConfig holds the document store (state/events/bookmarks) configuration.
type DocStoreConfig struct {
	Path string `mapstructure:"path"`
}

// ExpandedPath returns Path with a leading ~ resolved to the user home dir.
func (d *DocStoreConfig) ExpandedPath() string {
	if strings.HasPrefix(d.Path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + d.Path[1:]
		}
	}
	return d.Path
}

// ProvisionConfig holds the external market system API configuration used by
// api_call steps. An empty BaseURL disables the real client.
type ProvisionConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	APIKey  string `mapstructure:"apiKey"`
	Timeout int    `mapstructure:"timeout"` // in seconds
}

// TimeoutDuration returns the request timeout as a time.Duration.
func (p *ProvisionConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RetryConfig holds the retry policy for external I/O handlers and
// compensation handlers.
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"maxAttempts"`
	BaseBackoff int     `mapstructure:"baseBackoff"` // in milliseconds
	MaxBackoff  int     `mapstructure:"maxBackoff"`  // in milliseconds
	Jitter      float64 `mapstructure:"jitter"`      // 0..1 fraction of the backoff
}

// BaseBackoffDuration returns the base backoff as a time.Duration.
func (r *RetryConfig) BaseBackoffDuration() time.Duration {
	return time.Duration(r.BaseBackoff) * time.Millisecond
}

// MaxBackoffDuration returns the max backoff as a time.Duration.
func (r *RetryConfig) MaxBackoffDuration() time.Duration {
	return time.Duration(r.MaxBackoff) * time.Millisecond
}

// EngineConfig holds workflow engine tunables.
type EngineConfig struct {
	Retry                  RetryConfig `mapstructure:"retry"`
	DefaultStepTimeout     int         `mapstructure:"defaultStepTimeout"`     // seconds; step start-to-close
	BookmarkExpiry         int         `mapstructure:"bookmarkExpiry"`         // seconds; 0 means no expiry
	ReplaySnapshotInterval int         `mapstructure:"replaySnapshotInterval"` // events; 0 disables snapshots
	ProjectionMaxLag       int         `mapstructure:"projectionMaxLag"`       // events; alert threshold
	EventRetentionYears    int         `mapstructure:"eventRetentionYears"`
	LockWait               int         `mapstructure:"lockWait"`               // milliseconds to wait on the per-workflow lock
	ConflictRetries        int         `mapstructure:"conflictRetries"`        // internal retries on StaleWrite/ConflictingWrite
	TemplateDir            string      `mapstructure:"templateDir"`            // directory of YAML seed templates
}

// DefaultStepTimeoutDuration returns the step start-to-close timeout as a time.Duration.
func (e *EngineConfig) DefaultStepTimeoutDuration() time.Duration {
	return time.Duration(e.DefaultStepTimeout) * time.Second
}

// BookmarkExpiryDuration returns the bookmark expiry as a time.Duration.
func (e *EngineConfig) BookmarkExpiryDuration() time.Duration {
	return time.Duration(e.BookmarkExpiry) * time.Second
}

// LockWaitDuration returns the per-workflow lock wait as a time.Duration.
func (e *EngineConfig) LockWaitDuration() time.Duration {
	return time.Duration(e.LockWait) * time.Millisecond
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ENERFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means SQLite fallback for the index store
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "enerflow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "enerflow")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Document store defaults
	v.SetDefault("docstore.path", "~/.enerflow/enerflow.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "enerflow-cluster")
	v.SetDefault("nats.clientId", "enerflow-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Provision defaults - empty baseUrl means api_call steps are refused
	v.SetDefault("provision.baseUrl", "")
	v.SetDefault("provision.apiKey", "")
	v.SetDefault("provision.timeout", 30)

	// Engine defaults
	v.SetDefault("engine.retry.maxAttempts", 5)
	v.SetDefault("engine.retry.baseBackoff", 200)   // 200ms
	v.SetDefault("engine.retry.maxBackoff", 30000)  // 30s
	v.SetDefault("engine.retry.jitter", 0.2)
	v.SetDefault("engine.defaultStepTimeout", 300)  // 5 minutes
	v.SetDefault("engine.bookmarkExpiry", 0)        // no expiry unless configured
	v.SetDefault("engine.replaySnapshotInterval", 0)
	v.SetDefault("engine.projectionMaxLag", 1)
	v.SetDefault("engine.eventRetentionYears", 7)
	v.SetDefault("engine.lockWait", 2000)
	v.SetDefault("engine.conflictRetries", 3)
	v.SetDefault("engine.templateDir", "templates")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ENERFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/enerflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ENERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/enerflow/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (optional for SQLite fallback)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.DocStore.Path == "" {
		errs = append(errs, "docstore.path is required")
	}

	if cfg.Engine.Retry.MaxAttempts <= 0 {
		errs = append(errs, "engine.retry.maxAttempts must be positive")
	}
	if cfg.Engine.Retry.BaseBackoff <= 0 {
		errs = append(errs, "engine.retry.baseBackoff must be positive")
	}
	if cfg.Engine.Retry.MaxBackoff < cfg.Engine.Retry.BaseBackoff {
		errs = append(errs, "engine.retry.maxBackoff must be >= engine.retry.baseBackoff")
	}
	if cfg.Engine.Retry.Jitter < 0 || cfg.Engine.Retry.Jitter > 1 {
		errs = append(errs, "engine.retry.jitter must be between 0 and 1")
	}
	if cfg.Engine.ProjectionMaxLag < 1 {
		errs = append(errs, "engine.projectionMaxLag must be at least 1")
	}
	if cfg.Engine.EventRetentionYears <= 0 {
		errs = append(errs, "engine.eventRetentionYears must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
