// Package config provides configuration management for the orchestrator.
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

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Journal  JournalConfig  `mapstructure:"journal"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds hook ingress HTTP server configuration.
// Hooks authenticate by loopback binding only, so the default host must stay
// on 127.0.0.1 unless the operator deliberately widens it.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds agent store configuration.
type StoreConfig struct {
	// Dir is the directory holding agents.json. Empty means
	// ${userConfigDir}/orka.
	Dir string `mapstructure:"dir"`
}

// JournalConfig holds activity journal storage configuration.
type JournalConfig struct {
	// Driver selects the journal backend: "sqlite3" (default) or "pgx".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file. Empty means journal.db next to
	// agents.json.
	Path string `mapstructure:"path"`
	// DSN is the PostgreSQL connection string, required when driver is pgx.
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// OracleConfig holds decision oracle (LLM) configuration.
type OracleConfig struct {
	// APIKey for the Anthropic API. Falls back to the ANTHROPIC_API_KEY
	// environment variable when empty.
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
	// TimeoutSec is the hard wall-clock ceiling per decide() call.
	TimeoutSec int `mapstructure:"timeoutSec"`
}

// WatchdogConfig holds process-wide watchdog defaults. Per-agent settings
// override these within the allowed minimums.
type WatchdogConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	PollIntervalSec    int  `mapstructure:"pollIntervalSec"`
	ActionCooldownSec  int  `mapstructure:"actionCooldownSec"`
	AttentionThreshold int  `mapstructure:"attentionThreshold"`
}

// TerminalConfig holds terminal capture configuration.
type TerminalConfig struct {
	// Driver selects the pane host: "tmux" drives an external tmux
	// server, "local" hosts panes in-process on PTYs.
	Driver string `mapstructure:"driver"`
	// CaptureLines is the number of trailing pane lines fetched per snapshot.
	CaptureLines int `mapstructure:"captureLines"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
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

// Timeout returns the oracle call ceiling as a time.Duration.
func (o *OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSec) * time.Second
}

// PollInterval returns the watchdog poll interval as a time.Duration.
func (w *WatchdogConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSec) * time.Second
}

// ActionCooldown returns the watchdog action cooldown as a time.Duration.
func (w *WatchdogConfig) ActionCooldown() time.Duration {
	return time.Duration(w.ActionCooldownSec) * time.Second
}

// StoreDir resolves the agent store directory, defaulting to
// ${userConfigDir}/orka.
func (s *StoreConfig) StoreDir() (string, error) {
	if s.Dir != "" {
		return s.Dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve user config dir: %w", err)
	}
	return filepath.Join(base, "orka"), nil
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
	if env := os.Getenv("ORKA_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults - loopback only, hooks are not authenticated otherwise
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8600)
	v.SetDefault("server.readTimeout", 30)
	// An instruct call can hold the connection for the full lock wait plus
	// the oracle ceiling, so the write timeout must clear both.
	v.SetDefault("server.writeTimeout", 120)

	// Store defaults - empty dir means ${userConfigDir}/orka
	v.SetDefault("store.dir", "")

	// Journal defaults
	v.SetDefault("journal.driver", "sqlite3")
	v.SetDefault("journal.path", "")
	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.maxConns", 25)
	v.SetDefault("journal.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orka-supervisor")
	v.SetDefault("nats.maxReconnects", 10)

	// Oracle defaults
	v.SetDefault("oracle.apiKey", "")
	v.SetDefault("oracle.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("oracle.maxTokens", 1024)
	v.SetDefault("oracle.timeoutSec", 60)

	// Watchdog defaults (per-agent settings may override within minimums)
	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.pollIntervalSec", 30)
	v.SetDefault("watchdog.actionCooldownSec", 60)
	v.SetDefault("watchdog.attentionThreshold", 3)

	// Terminal defaults
	v.SetDefault("terminal.driver", "tmux")
	v.SetDefault("terminal.captureLines", 200)

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORKA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ${userConfigDir}/orka/, or /etc/orka/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ORKA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("oracle.apiKey", "ORKA_ORACLE_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("oracle.maxTokens", "ORKA_ORACLE_MAX_TOKENS")
	_ = v.BindEnv("oracle.timeoutSec", "ORKA_ORACLE_TIMEOUT_SEC")
	_ = v.BindEnv("server.readTimeout", "ORKA_SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.writeTimeout", "ORKA_SERVER_WRITE_TIMEOUT")
	_ = v.BindEnv("watchdog.pollIntervalSec", "ORKA_WATCHDOG_POLL_INTERVAL_SEC")
	_ = v.BindEnv("watchdog.actionCooldownSec", "ORKA_WATCHDOG_ACTION_COOLDOWN_SEC")
	_ = v.BindEnv("watchdog.attentionThreshold", "ORKA_WATCHDOG_ATTENTION_THRESHOLD")
	_ = v.BindEnv("terminal.driver", "ORKA_TERMINAL_DRIVER")
	_ = v.BindEnv("terminal.captureLines", "ORKA_TERMINAL_CAPTURE_LINES")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if userDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(userDir, "orka"))
	}
	v.AddConfigPath("/etc/orka/")

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

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Journal validation
	switch cfg.Journal.Driver {
	case "sqlite3":
		// Path may be empty (defaults next to agents.json)
	case "pgx":
		if cfg.Journal.DSN == "" {
			errs = append(errs, "journal.dsn is required when journal.driver is pgx")
		}
	default:
		errs = append(errs, "journal.driver must be one of: sqlite3, pgx")
	}

	// Oracle validation
	if cfg.Oracle.MaxTokens <= 0 {
		errs = append(errs, "oracle.maxTokens must be positive")
	}
	if cfg.Oracle.TimeoutSec <= 0 || cfg.Oracle.TimeoutSec > 60 {
		errs = append(errs, "oracle.timeoutSec must be between 1 and 60")
	}

	// Watchdog validation - the per-agent minimums also bound the defaults
	if cfg.Watchdog.PollIntervalSec < 5 {
		errs = append(errs, "watchdog.pollIntervalSec must be at least 5")
	}
	if cfg.Watchdog.ActionCooldownSec < 10 {
		errs = append(errs, "watchdog.actionCooldownSec must be at least 10")
	}
	if cfg.Watchdog.AttentionThreshold < 1 {
		errs = append(errs, "watchdog.attentionThreshold must be at least 1")
	}

	// Terminal validation
	if cfg.Terminal.Driver != "tmux" && cfg.Terminal.Driver != "local" {
		errs = append(errs, "terminal.driver must be tmux or local")
	}
	if cfg.Terminal.CaptureLines <= 0 {
		errs = append(errs, "terminal.captureLines must be positive")
	}

	// MCP validation
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	// Logging validation
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
