package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort         = 8000
	DefaultDatabasePath     = "channelrelay.db"
	DefaultAPIKeyHeader     = "API-KEY"
	DefaultMaxMessageSize   = 64 * 1024
	DefaultSendBuffer       = 64
	DefaultRateRefill       = time.Second
	DefaultWebhookWorkers   = 4
	DefaultWebhookQueueSize = 1024
	DefaultWebhookTimeout   = 10 * time.Second
	DefaultLogLevel         = "info"
	DefaultShutdownTimeout  = 10 * time.Second
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort is the port the admin API, metrics and websocket relay listen on.
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server and webhook workers.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DatabaseConfig locates the SQLite file holding owners, rooms and endpoints.
type DatabaseConfig struct {
	// Path is a filesystem path or ":memory:".
	Path string `yaml:"path"`

	// DefaultOwnerKeyEnv names the environment variable holding the API key of
	// the "default" owner that is (re)created at startup when ResetDefault is set.
	DefaultOwnerKeyEnv string `yaml:"default_owner_key_env"`

	// ResetDefault deletes every owner at startup and recreates "default".
	ResetDefault bool `yaml:"reset_default"`
}

// DefaultOwnerKey returns the default owner's API key resolved from the environment.
func (d DatabaseConfig) DefaultOwnerKey() string {
	if d.DefaultOwnerKeyEnv == "" {
		return ""
	}
	return os.Getenv(d.DefaultOwnerKeyEnv)
}

// AuthConfig controls authentication of the administration API.
type AuthConfig struct {
	// Mode is one of: apikey | none. With none every request acts as the
	// "default" owner.
	Mode string `yaml:"mode"`

	// Header is the HTTP header carrying the API key. Defaults to "API-KEY".
	Header string `yaml:"header"`
}

// EffectiveHeader returns the configured header name, or DefaultAPIKeyHeader.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// WebSocketConfig tunes the relay transport.
type WebSocketConfig struct {
	// AllowedOrigins lists accepted Origin values; "*" accepts all. An empty
	// list accepts requests without an Origin header only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxMessageSize is the largest inbound frame in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// SendBuffer is the per-connection outbound queue depth. A connection
	// whose queue is full is treated as dead.
	SendBuffer int `yaml:"send_buffer"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig defines per-connection inbound message rate limiting.
// A zero Burst disables limiting and is the default.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// WebhookConfig sizes the webhook delivery worker pool.
type WebhookConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// MetricsConfig toggles the Prometheus text endpoint at /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        DefaultHTTPPort,
			LogLevel:        DefaultLogLevel,
			ShutdownTimeout: DefaultShutdownTimeout,
			Database: DatabaseConfig{
				Path: DefaultDatabasePath,
			},
			Auth: AuthConfig{
				Mode: "apikey",
			},
			WebSocket: WebSocketConfig{
				AllowedOrigins: []string{"*"},
				MaxMessageSize: DefaultMaxMessageSize,
				SendBuffer:     DefaultSendBuffer,
				RateLimit: RateLimitConfig{
					RefillInterval: DefaultRateRefill,
				},
			},
			Webhook: WebhookConfig{
				Workers:   DefaultWebhookWorkers,
				QueueSize: DefaultWebhookQueueSize,
				Timeout:   DefaultWebhookTimeout,
			},
			Metrics: MetricsConfig{
				Enabled: true,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("server.log_level: %w", err)
	}
	if s.Database.Path == "" {
		return fmt.Errorf("server.database.path is required")
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("server.websocket.max_message_size must be positive")
	}
	if s.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("server.websocket.send_buffer must be positive")
	}
	if s.WebSocket.RateLimit.Burst < 0 {
		return fmt.Errorf("server.websocket.rate_limit.burst must not be negative")
	}
	if s.WebSocket.RateLimit.Burst > 0 && s.WebSocket.RateLimit.RefillInterval <= 0 {
		return fmt.Errorf("server.websocket.rate_limit.refill_interval must be positive")
	}
	if s.Webhook.Workers <= 0 {
		return fmt.Errorf("server.webhook.workers must be positive")
	}
	if s.Webhook.QueueSize <= 0 {
		return fmt.Errorf("server.webhook.queue_size must be positive")
	}
	if s.Webhook.Timeout <= 0 {
		return fmt.Errorf("server.webhook.timeout must be positive")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}
	return nil
}

// ParseLevel maps a log_level string to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q: want debug|info|warn|error", s)
	}
}
