// Package config provides configuration management for Vrabby.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Vrabby.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Hub          HubConfig          `mapstructure:"hub"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Prompt       PromptConfig       `mapstructure:"prompt"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backing store: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlitePath"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OrchestratorConfig holds per-project run orchestration configuration.
type OrchestratorConfig struct {
	// DefaultRunDeadlineSeconds is the wall-clock limit applied when a
	// submission does not request one. Requested values are clamped to
	// [MinRunDeadlineSeconds, MaxRunDeadlineSeconds].
	DefaultRunDeadlineSeconds int `mapstructure:"defaultRunDeadlineSeconds"`
	MinRunDeadlineSeconds     int `mapstructure:"minRunDeadlineSeconds"`
	MaxRunDeadlineSeconds     int `mapstructure:"maxRunDeadlineSeconds"`

	// DefaultStallSeconds is the maximum silence between CLI output events
	// before a run is declared stalled.
	DefaultStallSeconds int `mapstructure:"defaultStallSeconds"`

	// CancelGraceSeconds is how long a cancelled CLI process gets to exit
	// after a soft interrupt before the process group is killed.
	CancelGraceSeconds int `mapstructure:"cancelGraceSeconds"`

	// IdleLingerSeconds is how long an idle project orchestrator stays
	// resident after its queue drains before being torn down.
	IdleLingerSeconds int `mapstructure:"idleLingerSeconds"`

	// FallbackAgent is the agent used when the requested one fails before
	// producing output. Empty disables fallback.
	FallbackAgent string `mapstructure:"fallbackAgent"`
}

// HubConfig holds WebSocket subscription hub configuration.
type HubConfig struct {
	// SubscriberQueueCapacity is the per-client outbound queue size. A
	// client whose queue is full is disconnected as a slow consumer.
	SubscriberQueueCapacity int `mapstructure:"subscriberQueueCapacity"`

	// HistoryReplayDefault is how many trailing events a new subscriber
	// receives when it does not request an explicit seq position.
	HistoryReplayDefault int `mapstructure:"historyReplayDefault"`

	// KeepaliveCutoffSeconds is the maximum silence from a client before
	// its connection is considered dead.
	KeepaliveCutoffSeconds int `mapstructure:"keepaliveCutoffSeconds"`
}

// AgentsConfig holds CLI agent discovery and execution configuration.
type AgentsConfig struct {
	// AvailabilityCacheSeconds is the TTL for cached CLI availability probes.
	AvailabilityCacheSeconds int `mapstructure:"availabilityCacheSeconds"`

	// OverridesPath points to an optional agents.yaml with per-agent
	// binary paths, extra args, and environment passthrough.
	OverridesPath string `mapstructure:"overridesPath"`

	// WorkspaceRoot is the directory under which project workspaces live.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`
}

// PromptConfig holds system prompt composition configuration.
type PromptConfig struct {
	// Dir is the directory holding system prompt markdown files.
	Dir string `mapstructure:"dir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ClampDeadline resolves a requested per-run deadline in seconds against the
// configured bounds. Zero or negative means "use the default".
func (o *OrchestratorConfig) ClampDeadline(requestedSeconds int) time.Duration {
	s := requestedSeconds
	if s <= 0 {
		s = o.DefaultRunDeadlineSeconds
	}
	if s < o.MinRunDeadlineSeconds {
		s = o.MinRunDeadlineSeconds
	}
	if s > o.MaxRunDeadlineSeconds {
		s = o.MaxRunDeadlineSeconds
	}
	return time.Duration(s) * time.Second
}

// StallTimeout returns the stall detection window as a time.Duration.
func (o *OrchestratorConfig) StallTimeout() time.Duration {
	return time.Duration(o.DefaultStallSeconds) * time.Second
}

// CancelGrace returns the post-interrupt grace period as a time.Duration.
func (o *OrchestratorConfig) CancelGrace() time.Duration {
	return time.Duration(o.CancelGraceSeconds) * time.Second
}

// IdleLinger returns the idle orchestrator linger as a time.Duration.
func (o *OrchestratorConfig) IdleLinger() time.Duration {
	return time.Duration(o.IdleLingerSeconds) * time.Second
}

// KeepaliveCutoff returns the client silence cutoff as a time.Duration.
func (h *HubConfig) KeepaliveCutoff() time.Duration {
	return time.Duration(h.KeepaliveCutoffSeconds) * time.Second
}

// AvailabilityTTL returns the availability cache TTL as a time.Duration.
func (a *AgentsConfig) AvailabilityTTL() time.Duration {
	return time.Duration(a.AvailabilityCacheSeconds) * time.Second
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
	if env := os.Getenv("VRABBY_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlitePath", "./vrabby.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "vrabby")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "vrabby")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "vrabby-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Orchestrator defaults
	v.SetDefault("orchestrator.defaultRunDeadlineSeconds", 600)
	v.SetDefault("orchestrator.minRunDeadlineSeconds", 60)
	v.SetDefault("orchestrator.maxRunDeadlineSeconds", 3600)
	v.SetDefault("orchestrator.defaultStallSeconds", 90)
	v.SetDefault("orchestrator.cancelGraceSeconds", 2)
	v.SetDefault("orchestrator.idleLingerSeconds", 30)
	v.SetDefault("orchestrator.fallbackAgent", "claude")

	// Hub defaults
	v.SetDefault("hub.subscriberQueueCapacity", 512)
	v.SetDefault("hub.historyReplayDefault", 200)
	v.SetDefault("hub.keepaliveCutoffSeconds", 120)

	// Agent defaults
	v.SetDefault("agents.availabilityCacheSeconds", 60)
	v.SetDefault("agents.overridesPath", "")
	v.SetDefault("agents.workspaceRoot", "./workspaces")

	// Prompt defaults
	v.SetDefault("prompt.dir", "./prompt")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VRABBY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/vrabby/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("VRABBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.sqlitePath", "VRABBY_DB_PATH", "VRABBY_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("agents.workspaceRoot", "VRABBY_WORKSPACE_ROOT")
	_ = v.BindEnv("agents.overridesPath", "VRABBY_AGENTS_OVERRIDES_PATH")
	_ = v.BindEnv("orchestrator.fallbackAgent", "VRABBY_FALLBACK_AGENT")
	_ = v.BindEnv("prompt.dir", "VRABBY_PROMPT_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vrabby/")

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

	// Database validation
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			errs = append(errs, "database.sqlitePath is required when database.driver is sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when database.driver is postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.driver is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Orchestrator validation
	if cfg.Orchestrator.MinRunDeadlineSeconds <= 0 {
		errs = append(errs, "orchestrator.minRunDeadlineSeconds must be positive")
	}
	if cfg.Orchestrator.MaxRunDeadlineSeconds < cfg.Orchestrator.MinRunDeadlineSeconds {
		errs = append(errs, "orchestrator.maxRunDeadlineSeconds must be >= orchestrator.minRunDeadlineSeconds")
	}
	if cfg.Orchestrator.DefaultRunDeadlineSeconds < cfg.Orchestrator.MinRunDeadlineSeconds ||
		cfg.Orchestrator.DefaultRunDeadlineSeconds > cfg.Orchestrator.MaxRunDeadlineSeconds {
		errs = append(errs, "orchestrator.defaultRunDeadlineSeconds must be within the min/max deadline bounds")
	}
	if cfg.Orchestrator.DefaultStallSeconds <= 0 {
		errs = append(errs, "orchestrator.defaultStallSeconds must be positive")
	}
	if cfg.Orchestrator.CancelGraceSeconds < 0 {
		errs = append(errs, "orchestrator.cancelGraceSeconds must not be negative")
	}
	if cfg.Orchestrator.IdleLingerSeconds < 0 {
		errs = append(errs, "orchestrator.idleLingerSeconds must not be negative")
	}
	validAgents := map[string]bool{"": true, "claude": true, "cursor": true, "codex": true, "gemini": true, "qwen": true}
	if !validAgents[strings.ToLower(cfg.Orchestrator.FallbackAgent)] {
		errs = append(errs, "orchestrator.fallbackAgent must be one of: claude, cursor, codex, gemini, qwen (or empty to disable)")
	}

	// Hub validation
	if cfg.Hub.SubscriberQueueCapacity <= 0 {
		errs = append(errs, "hub.subscriberQueueCapacity must be positive")
	}
	if cfg.Hub.HistoryReplayDefault < 0 {
		errs = append(errs, "hub.historyReplayDefault must not be negative")
	}
	if cfg.Hub.KeepaliveCutoffSeconds <= 0 {
		errs = append(errs, "hub.keepaliveCutoffSeconds must be positive")
	}

	// Agent validation
	if cfg.Agents.AvailabilityCacheSeconds < 0 {
		errs = append(errs, "agents.availabilityCacheSeconds must not be negative")
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
