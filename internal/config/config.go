// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Pool        PoolConfig        `mapstructure:"pool" yaml:"pool"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Events      EventsConfig      `mapstructure:"events" yaml:"events"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Parser      ParserConfig      `mapstructure:"parser" yaml:"parser"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	DriverURL         string        `mapstructure:"driver_url" yaml:"driver_url"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// PoolConfig tunes the shared browser pool.
type PoolConfig struct {
	MaxBrowsers    int           `mapstructure:"max_browsers" yaml:"max_browsers"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
}

// CacheConfig sizes the unified in-memory cache.
type CacheConfig struct {
	MaxBytes   int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
}

// EventsConfig sizes the event bus history ring.
type EventsConfig struct {
	MaxHistory int `mapstructure:"max_history" yaml:"max_history"`
}

// CoordinatorConfig bounds the session directory.
type CoordinatorConfig struct {
	MaxSessions  int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
}

// ParserConfig selects and tunes the instruction parser.
type ParserConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// PersistenceConfig controls on-disk pattern learning.
type PersistenceConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Addr              string   `mapstructure:"addr" yaml:"addr"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	SSRFGuard         bool     `mapstructure:"ssrf_guard" yaml:"ssrf_guard"`
	BlockedDomains    []string `mapstructure:"blocked_domains" yaml:"blocked_domains"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "prism")
	v.SetDefault("logger.log_file", "prism.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "90s")

	// -- Pool --
	v.SetDefault("pool.max_browsers", 5)
	v.SetDefault("pool.acquire_timeout", "10s")

	// -- Cache --
	v.SetDefault("cache.max_bytes", 64*1024*1024)
	v.SetDefault("cache.default_ttl", "5m")

	// -- Events --
	v.SetDefault("events.max_history", 1000)

	// -- Coordinator --
	v.SetDefault("coordinator.max_sessions", 10)
	v.SetDefault("coordinator.idle_timeout", "10m")
	v.SetDefault("coordinator.reap_interval", "30s")

	// -- Parser --
	v.SetDefault("parser.backend", "heuristic")
	v.SetDefault("parser.model", "gemini-2.0-flash")
	v.SetDefault("parser.temperature", 0.2)
	v.SetDefault("parser.max_tokens", 1024)
	v.SetDefault("parser.api_timeout", "30s")

	// -- Persistence --
	v.SetDefault("persistence.enabled", true)
	v.SetDefault("persistence.data_dir", "data")

	// -- HTTP --
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.requests_per_minute", 60)
	v.SetDefault("http.ssrf_guard", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("parser.api_key", "PRISM_GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.Parser.Backend == "gemini" && cfg.Parser.APIKey == "" {
		cfg.Parser.APIKey = os.Getenv("PRISM_GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Pool.MaxBrowsers <= 0 {
		return fmt.Errorf("pool.max_browsers must be a positive integer")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be a positive integer")
	}
	if c.Coordinator.MaxSessions <= 0 {
		return fmt.Errorf("coordinator.max_sessions must be a positive integer")
	}
	if c.HTTP.RequestsPerMinute <= 0 {
		return fmt.Errorf("http.requests_per_minute must be a positive integer")
	}
	if err := c.Parser.Validate(); err != nil {
		return fmt.Errorf("parser configuration invalid: %w", err)
	}
	if err := c.Persistence.Validate(); err != nil {
		return fmt.Errorf("persistence configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the parser configuration.
func (p *ParserConfig) Validate() error {
	switch p.Backend {
	case "heuristic":
		return nil
	case "gemini":
		if p.APIKey == "" {
			return fmt.Errorf("gemini API key is required but not found. Ensure PRISM_GEMINI_API_KEY is set")
		}
		if p.MaxTokens <= 0 {
			return fmt.Errorf("max_tokens must be greater than 0")
		}
		return nil
	default:
		return fmt.Errorf("backend must be one of: heuristic, gemini")
	}
}

// Validate checks the persistence configuration.
func (p *PersistenceConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.DataDir == "" {
		return fmt.Errorf("data_dir is required when persistence is enabled")
	}
	return nil
}
