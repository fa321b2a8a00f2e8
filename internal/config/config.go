// Package config loads and validates the claudecron configuration file.
//
// Configuration is JSON and resolved along a fixed precedence chain:
// an explicit path argument, ./.claude/claudecron.json,
// $HOME/.claude/claudecron/config.json, ./claudecron.json, and finally
// built-in defaults when no file exists.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Storage backend types.
const (
	StorageLocal  = "local"
	StorageRemote = "remote"
)

// Transport types for the external invocation surface.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Auth types for the HTTP transport.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "apikey"
)

// DefaultAPIKeyHeader is the header consulted when auth.type is apikey
// and no header is configured.
const DefaultAPIKeyHeader = "X-API-Key"

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Type is "local" (file-backed SQLite) or "remote" (pooled Postgres).
	Type string `json:"type"`

	// Path is the database file for local storage.
	Path string `json:"path,omitempty"`

	// URL is the connection string for remote storage.
	URL string `json:"url,omitempty"`
}

// SchedulerConfig tunes the engine.
type SchedulerConfig struct {
	// CheckInterval is the maintenance loop period, e.g. "30s".
	CheckInterval string `json:"check_interval,omitempty"`

	// DefaultTimezone is the IANA zone applied to cron triggers that
	// declare none.
	DefaultTimezone string `json:"default_timezone,omitempty"`

	// MaxConcurrentTasks caps parallel executions.
	MaxConcurrentTasks int `json:"max_concurrent_tasks,omitempty"`
}

// AuthConfig guards the HTTP transport.
type AuthConfig struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	Header string `json:"header,omitempty"`
}

// CORSConfig controls cross-origin access on the HTTP transport.
type CORSConfig struct {
	Enabled bool     `json:"enabled"`
	Origins []string `json:"origins,omitempty"`
}

// HTTPConfig parameterizes the HTTP transport.
type HTTPConfig struct {
	Port int        `json:"port"`
	Host string     `json:"host"`
	Auth AuthConfig `json:"auth"`
	CORS CORSConfig `json:"cors"`
}

// Config is the full claudecron configuration.
type Config struct {
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Transport string          `json:"transport,omitempty"`
	HTTP      *HTTPConfig     `json:"http,omitempty"`
}

// DefaultConfig returns the built-in defaults used when no configuration
// file is found. Local storage lands under the claudecron home directory.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Type: StorageLocal,
			Path: DefaultStoragePath(),
		},
		Scheduler: SchedulerConfig{
			CheckInterval:      "30s",
			DefaultTimezone:    "UTC",
			MaxConcurrentTasks: 10,
		},
		Transport: TransportStdio,
	}
}

// Load resolves the configuration along the precedence chain. When
// explicitPath is non-empty it must exist and parse; otherwise the first
// existing candidate is used and, failing all, built-in defaults apply.
func Load(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return loadFile(explicitPath)
	}
	for _, path := range candidatePaths() {
		if _, err := os.Stat(path); err == nil {
			return loadFile(path)
		}
	}
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// candidatePaths returns the search locations in precedence order.
func candidatePaths() []string {
	paths := []string{filepath.Join(".claude", "claudecron.json")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".claude", "claudecron", "config.json"))
	}
	return append(paths, "claudecron.json")
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	// A file that omits storage.type is a hard error, not a defaultable
	// field: backend selection must be deliberate.
	if cfg.Storage.Type == "" {
		return nil, fmt.Errorf("config file %s: storage.type is required", path)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &cfg, nil
}

// applyDefaults fills unset fields with the built-in defaults.
func (c *Config) applyDefaults() {
	if c.Storage.Type == StorageLocal && c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath()
	}
	if c.Scheduler.CheckInterval == "" {
		c.Scheduler.CheckInterval = "30s"
	}
	if c.Scheduler.DefaultTimezone == "" {
		c.Scheduler.DefaultTimezone = "UTC"
	}
	if c.Scheduler.MaxConcurrentTasks == 0 {
		c.Scheduler.MaxConcurrentTasks = 10
	}
	if c.Transport == "" {
		c.Transport = TransportStdio
	}
	if c.Transport == TransportHTTP {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		if c.HTTP.Port == 0 {
			c.HTTP.Port = 8420
		}
		if c.HTTP.Host == "" {
			c.HTTP.Host = "127.0.0.1"
		}
		if c.HTTP.Auth.Type == "" {
			c.HTTP.Auth.Type = AuthNone
		}
		if c.HTTP.Auth.Type == AuthAPIKey && c.HTTP.Auth.Header == "" {
			c.HTTP.Auth.Header = DefaultAPIKeyHeader
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageLocal:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for local storage")
		}
	case StorageRemote:
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.url is required for remote storage")
		}
	default:
		return fmt.Errorf("invalid storage.type %q, must be %q or %q", c.Storage.Type, StorageLocal, StorageRemote)
	}

	if c.Scheduler.CheckInterval != "" {
		d, err := time.ParseDuration(c.Scheduler.CheckInterval)
		if err != nil {
			return fmt.Errorf("invalid scheduler.check_interval %q: %w", c.Scheduler.CheckInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("scheduler.check_interval must be positive, got %q", c.Scheduler.CheckInterval)
		}
	}
	if c.Scheduler.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.DefaultTimezone); err != nil {
			return fmt.Errorf("invalid scheduler.default_timezone %q", c.Scheduler.DefaultTimezone)
		}
	}
	if c.Scheduler.MaxConcurrentTasks < 0 {
		return fmt.Errorf("scheduler.max_concurrent_tasks must be >= 0, got %d", c.Scheduler.MaxConcurrentTasks)
	}

	switch c.Transport {
	case TransportStdio:
	case TransportHTTP:
		if c.HTTP == nil {
			return fmt.Errorf("http section is required when transport is %q", TransportHTTP)
		}
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("invalid http.port %d", c.HTTP.Port)
		}
		switch c.HTTP.Auth.Type {
		case AuthNone:
		case AuthBearer:
			if c.HTTP.Auth.Token == "" {
				return fmt.Errorf("http.auth.token is required for bearer auth")
			}
		case AuthAPIKey:
			if c.HTTP.Auth.Token == "" {
				return fmt.Errorf("http.auth.token is required for apikey auth")
			}
		default:
			return fmt.Errorf("invalid http.auth.type %q", c.HTTP.Auth.Type)
		}
	default:
		return fmt.Errorf("invalid transport %q, must be %q or %q", c.Transport, TransportStdio, TransportHTTP)
	}

	return nil
}

// CheckInterval returns the parsed maintenance period.
func (c *Config) CheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.CheckInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Timezone returns the loaded default location.
func (c *Config) Timezone() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AuthHeader returns the header carrying the API key, falling back to
// the default when unset.
func (a AuthConfig) AuthHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}
