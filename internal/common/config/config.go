// Package config provides configuration management for Ensemble.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Ensemble.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	CLI       CLIConfig       `mapstructure:"cli"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Instance  InstanceConfig  `mapstructure:"instance"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DataDir   string          `mapstructure:"dataDir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds; 0 disables (streams)
}

// DatabaseConfig holds database configuration for either backend.
// Driver sqlite3 uses Path; driver pgx uses the DSN fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// CLIConfig describes the assistant CLI the control plane invokes.
type CLIConfig struct {
	// Binary is the assistant CLI executable (name on PATH or absolute path).
	Binary string `mapstructure:"binary"`
	// Args are extra arguments prepended to every invocation.
	Args []string `mapstructure:"args"`
	// Home is the CLI's home directory holding its credentials file.
	Home string `mapstructure:"home"`
	// CredentialsFile is the credentials filename under Home (profile mode).
	CredentialsFile string `mapstructure:"credentialsFile"`
	// EnvKeys are the environment variable names checked for an ambient API key.
	EnvKeys []string `mapstructure:"envKeys"`
	// TurnTimeout is the per-turn wall clock budget in seconds.
	TurnTimeout int `mapstructure:"turnTimeout"`
	// Model is an optional default model override passed to the CLI.
	Model string `mapstructure:"model"`
}

// MCPConfig names the local command tool-enabled turns are pointed at.
type MCPConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Port    int      `mapstructure:"port"` // SSE/streamable HTTP port for the standalone server
}

// WorkspaceConfig holds workspace provisioning configuration.
type WorkspaceConfig struct {
	// TempRoot overrides the system temp dir for isolated workspace parents.
	TempRoot string `mapstructure:"tempRoot"`
	// SSHDir is where per-user SSH keys are materialized.
	SSHDir string `mapstructure:"sshDir"`
	// KnownHosts is the pinned known_hosts entries written for git over SSH.
	KnownHosts []string `mapstructure:"knownHosts"`
}

// SchedulerConfig holds deployment scheduler configuration.
type SchedulerConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	DrainTimeout int  `mapstructure:"drainTimeout"` // in seconds
}

// InstanceConfig holds session/instance manager configuration.
type InstanceConfig struct {
	SubscriberBuffer int    `mapstructure:"subscriberBuffer"`
	CoalesceInterval int    `mapstructure:"coalesceInterval"` // in milliseconds
	InterruptGrace   int    `mapstructure:"interruptGrace"`   // in seconds
	ToolResultLimit  int    `mapstructure:"toolResultLimit"`  // bytes before truncated preview
	ReadyPattern     string `mapstructure:"readyPattern"`
	BufferMaxBytes   int    `mapstructure:"bufferMaxBytes"` // raw PTY output retention
}

// EventsConfig holds the optional NATS event mirror configuration.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
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

// TurnTimeoutDuration returns the per-turn budget as a time.Duration.
func (c *CLIConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(c.TurnTimeout) * time.Second
}

// CredentialsPath returns the absolute credentials file path under the CLI home.
func (c *CLIConfig) CredentialsPath() (string, error) {
	home, err := ExpandHome(c.Home)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, c.CredentialsFile), nil
}

// DrainTimeoutDuration returns the scheduler drain budget as a time.Duration.
func (s *SchedulerConfig) DrainTimeoutDuration() time.Duration {
	return time.Duration(s.DrainTimeout) * time.Second
}

// CoalesceIntervalDuration returns the subscriber coalescing window.
func (i *InstanceConfig) CoalesceIntervalDuration() time.Duration {
	return time.Duration(i.CoalesceInterval) * time.Millisecond
}

// InterruptGraceDuration returns the interrupt quiesce window.
func (i *InstanceConfig) InterruptGraceDuration() time.Duration {
	return time.Duration(i.InterruptGrace) * time.Second
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ENSEMBLE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // event streams stay open

	// Data dir
	v.SetDefault("dataDir", "~/.ensemble")

	// Database defaults (sqlite3 unless pgx is configured)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "~/.ensemble/ensemble.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ensemble")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "ensemble")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Assistant CLI defaults
	v.SetDefault("cli.binary", "assistant")
	v.SetDefault("cli.args", []string{})
	v.SetDefault("cli.home", "~/.assistant")
	v.SetDefault("cli.credentialsFile", ".credentials.json")
	v.SetDefault("cli.envKeys", []string{"ANTHROPIC_API_KEY"})
	v.SetDefault("cli.turnTimeout", 600)
	v.SetDefault("cli.model", "")

	// MCP defaults
	v.SetDefault("mcp.command", "ensemble-mcp")
	v.SetDefault("mcp.args", []string{"stdio"})
	v.SetDefault("mcp.port", 8310)

	// Workspace defaults
	v.SetDefault("workspace.tempRoot", "")
	v.SetDefault("workspace.sshDir", "~/.ensemble/ssh")
	v.SetDefault("workspace.knownHosts", []string{})

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.drainTimeout", 30)

	// Instance defaults
	v.SetDefault("instance.subscriberBuffer", 256)
	v.SetDefault("instance.coalesceInterval", 100)
	v.SetDefault("instance.interruptGrace", 5)
	v.SetDefault("instance.toolResultLimit", 4096)
	v.SetDefault("instance.readyPattern", "❯")
	v.SetDefault("instance.bufferMaxBytes", 2*1024*1024)

	// Events defaults - empty URL disables the NATS mirror
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.subjectPrefix", "ensemble")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ENSEMBLE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.ensemble/, or /etc/ensemble/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ENSEMBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.path", "ENSEMBLE_DB_PATH", "ENSEMBLE_DATABASE_PATH")
	_ = v.BindEnv("cli.binary", "ENSEMBLE_CLI_BINARY")
	_ = v.BindEnv("cli.turnTimeout", "ENSEMBLE_CLI_TURN_TIMEOUT")
	_ = v.BindEnv("mcp.command", "ENSEMBLE_MCP_COMMAND")
	_ = v.BindEnv("events.natsUrl", "ENSEMBLE_EVENTS_NATS_URL")
	_ = v.BindEnv("dataDir", "ENSEMBLE_DATA_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.ensemble")
	v.AddConfigPath("/etc/ensemble/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.CLI.Binary == "" {
		errs = append(errs, "cli.binary is required")
	}
	if cfg.CLI.TurnTimeout <= 0 {
		errs = append(errs, "cli.turnTimeout must be positive")
	}

	if cfg.Instance.SubscriberBuffer <= 0 {
		errs = append(errs, "instance.subscriberBuffer must be positive")
	}
	if cfg.Instance.ToolResultLimit <= 0 {
		errs = append(errs, "instance.toolResultLimit must be positive")
	}

	if cfg.Scheduler.DrainTimeout <= 0 {
		errs = append(errs, "scheduler.drainTimeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string for the pgx driver.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
