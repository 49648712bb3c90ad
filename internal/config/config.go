package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // timezone names in minimal containers

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Audit      AuditConfig      `yaml:"audit"`
	API        APIConfig        `yaml:"api"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Metrics    MetricsConfig    `yaml:"metrics"` // Prometheus metrics configuration
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig contains the job store settings
type StorageConfig struct {
	Path string `yaml:"path"` // BoltDB file with live and archived jobs
}

// AuditConfig contains audit log settings
type AuditConfig struct {
	Path string `yaml:"path"` // SQLite database file
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
	Actors         []ActorConfig `yaml:"actors"`           // Empty = authentication disabled
}

// ActorConfig identifies an API caller by the bcrypt hash of its key
type ActorConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	KeyHash string `yaml:"key_hash"`
}

// SchedulerConfig contains slot allocation settings
type SchedulerConfig struct {
	Strategy       string        `yaml:"strategy"` // hourly, smart
	MinGap         time.Duration `yaml:"min_gap"`
	Jitter         *float64      `yaml:"jitter"`   // Fraction of the pacing interval (default: 0.15)
	Spread         bool          `yaml:"spread"`   // Spread hourly slots over the whole window
	Timezone       string        `yaml:"timezone"` // IANA name for clock hours and midnight
	DefaultPerHour int           `yaml:"default_per_hour"`
	DefaultPerDay  int           `yaml:"default_per_day"`
	MaxRecipients  int           `yaml:"max_recipients"`
}

// DispatcherConfig contains due task execution settings
type DispatcherConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"` // Claimed tasks older than this are failed as interrupted
}

// ExecutorConfig contains provider settings
type ExecutorConfig struct {
	Mode              string        `yaml:"mode"` // sandbox, http
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
	Sandbox           SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig contains dry-run executor settings
type SandboxConfig struct {
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/carecast/carecast.db"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "/var/lib/carecast/audit.db"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Scheduler.Strategy == "" {
		c.Scheduler.Strategy = "hourly"
	}
	if c.Scheduler.MinGap == 0 {
		c.Scheduler.MinGap = 20 * time.Second
	}
	if c.Scheduler.Jitter == nil {
		jitter := 0.15
		c.Scheduler.Jitter = &jitter
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Local"
	}
	if c.Scheduler.DefaultPerHour == 0 {
		c.Scheduler.DefaultPerHour = 30
	}
	if c.Scheduler.DefaultPerDay == 0 {
		c.Scheduler.DefaultPerDay = 200
	}
	if c.Scheduler.MaxRecipients == 0 {
		c.Scheduler.MaxRecipients = 10000
	}

	// If nothing is set, run the dispatcher loop by default
	d := &c.Dispatcher
	if !d.Enabled && d.PollInterval == 0 && d.BatchSize == 0 && d.Concurrency == 0 && d.ClaimTimeout == 0 {
		d.Enabled = true
	}
	if d.PollInterval == 0 {
		d.PollInterval = 30 * time.Second
	}
	if d.BatchSize == 0 {
		d.BatchSize = 100
	}
	if d.Concurrency == 0 {
		d.Concurrency = 5
	}
	if d.ClaimTimeout == 0 {
		d.ClaimTimeout = 10 * time.Minute
	}

	if c.Executor.Mode == "" {
		c.Executor.Mode = "sandbox"
	}
	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = 30 * time.Second
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateScheduler(); err != nil {
		return err
	}

	if c.Dispatcher.BatchSize < 0 || c.Dispatcher.Concurrency < 0 {
		return fmt.Errorf("dispatcher.batch_size and dispatcher.concurrency must not be negative")
	}

	switch c.Executor.Mode {
	case "sandbox":
		p := c.Executor.Sandbox.ErrorProbability
		if p < 0 || p > 1 {
			return fmt.Errorf("executor.sandbox.error_probability must be between 0 and 1")
		}
	case "http":
		if c.Executor.BaseURL == "" {
			return fmt.Errorf("executor.base_url is required when mode is http")
		}
	default:
		return fmt.Errorf("invalid executor.mode: %s (must be sandbox or http)", c.Executor.Mode)
	}

	return c.validateActors()
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler

	if s.Strategy != "hourly" && s.Strategy != "smart" {
		return fmt.Errorf("invalid scheduler.strategy: %s (must be hourly or smart)", s.Strategy)
	}
	if s.MinGap < time.Second || s.MinGap >= time.Hour {
		return fmt.Errorf("scheduler.min_gap must be between 1s and 1h")
	}
	if s.Jitter != nil && (*s.Jitter < 0 || *s.Jitter >= 1) {
		return fmt.Errorf("scheduler.jitter must be in [0, 1)")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler.timezone: %w", err)
	}
	if s.DefaultPerHour < 0 || s.DefaultPerDay < 0 {
		return fmt.Errorf("scheduler default limits must not be negative")
	}

	return nil
}

func (c *Config) validateActors() error {
	seen := make(map[string]bool)
	for i, a := range c.API.Actors {
		if a.ID == "" {
			return fmt.Errorf("api.actors[%d].id is required", i)
		}
		if a.KeyHash == "" {
			return fmt.Errorf("api.actors[%d].key_hash is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate actor id: %s", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Location returns the scheduler time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// JitterValue returns the configured jitter fraction
func (c *Config) JitterValue() float64 {
	if c.Scheduler.Jitter == nil {
		return 0.15
	}
	return *c.Scheduler.Jitter
}
