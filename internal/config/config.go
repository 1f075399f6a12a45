// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Durable store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Identity      IdentityConfig      `yaml:"identity"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Durable       DurableConfig       `yaml:"durable"`
	Sync          SyncConfig          `yaml:"sync"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// WebSocketConfig describes the observer endpoint.
type WebSocketConfig struct {
	Path           string        `yaml:"path"`
	ReadLimit      int64         `yaml:"read_limit"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongWait       time.Duration `yaml:"pong_wait"`
	PingPeriod     time.Duration `yaml:"ping_period"`
	SendQueueSize  int           `yaml:"send_queue_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// IdentityConfig describes JWT and identity provider settings. Verification
// is enabled only when JWKSURL is set.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
	TenantClaim  string        `yaml:"tenant_claim"`
	OperatorRole string        `yaml:"operator_role"`
}

// Enabled reports whether token verification is configured.
func (c IdentityConfig) Enabled() bool {
	return c.JWKSURL != ""
}

// SessionsConfig describes in-memory session retention. A zero TTL keeps
// sessions for the lifetime of the process.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DurableConfig describes where extracted records are mirrored.
type DurableConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SQLitePath      string        `yaml:"sqlite_path"`
	RedisAddrEnv    string        `yaml:"redis_addr_env"`
	RedisDB         int           `yaml:"redis_db"`
	KeyPrefix       string        `yaml:"key_prefix"`
}

// SyncConfig describes the background durable sync workers.
type SyncConfig struct {
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	InitialInterval  time.Duration `yaml:"initial_interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	MaxElapsedTime   time.Duration `yaml:"max_elapsed_time"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		WebSocket: WebSocketConfig{
			Path:          "/ws/workflow",
			ReadLimit:     64 * 1024,
			WriteTimeout:  10 * time.Second,
			PongWait:      60 * time.Second,
			PingPeriod:    54 * time.Second,
			SendQueueSize: 256,
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			TenantClaim:  "tenant_id",
			OperatorRole: "operator",
		},
		Sessions: SessionsConfig{
			SweepInterval: 1 * time.Minute,
		},
		Durable: DurableConfig{
			Driver:          DriverMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			SQLitePath:      "pulse.db",
			KeyPrefix:       "pulse",
		},
		Sync: SyncConfig{
			Workers:          4,
			QueueSize:        1024,
			InitialInterval:  100 * time.Millisecond,
			MaxInterval:      5 * time.Second,
			MaxElapsedTime:   30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.WebSocket.Path == "" || !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with /")
	}
	if c.WebSocket.SendQueueSize < 1 {
		errs = append(errs, "websocket.send_queue_size must be positive")
	}
	if c.WebSocket.PingPeriod <= 0 || c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		errs = append(errs, "websocket.ping_period must be positive and shorter than websocket.pong_wait")
	}
	if c.WebSocket.IdleTimeout < 0 {
		errs = append(errs, "websocket.idle_timeout must not be negative")
	}

	if c.Identity.Enabled() {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required when identity.jwks_url is set")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required when identity.jwks_url is set")
		}
		if c.Identity.TenantClaim == "" {
			errs = append(errs, "identity.tenant_claim is required when identity.jwks_url is set")
		}
	}

	if c.Sessions.TTL < 0 {
		errs = append(errs, "sessions.ttl must not be negative")
	}
	if c.Sessions.TTL > 0 && c.Sessions.SweepInterval <= 0 {
		errs = append(errs, "sessions.sweep_interval must be positive when sessions.ttl is set")
	}

	switch c.Durable.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Durable.DSNEnv == "" {
			errs = append(errs, "durable.dsn_env is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Durable.SQLitePath == "" {
			errs = append(errs, "durable.sqlite_path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Durable.RedisAddrEnv == "" {
			errs = append(errs, "durable.redis_addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("durable.driver %q is not one of memory, postgres, sqlite, redis", c.Durable.Driver))
	}

	if c.Sync.Workers < 1 {
		errs = append(errs, "sync.workers must be positive")
	}
	if c.Sync.QueueSize < 1 {
		errs = append(errs, "sync.queue_size must be positive")
	}
	if c.Sync.FailureThreshold < 1 || c.Sync.SuccessThreshold < 1 {
		errs = append(errs, "sync.failure_threshold and sync.success_threshold must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads PULSE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PULSE_WEBSOCKET_PATH"); v != "" {
		cfg.WebSocket.Path = v
	}
	if v := os.Getenv("PULSE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("PULSE_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("PULSE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("PULSE_DURABLE_DRIVER"); v != "" {
		cfg.Durable.Driver = v
	}
	if v := os.Getenv("PULSE_SESSIONS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.TTL = d
		}
	}
	if v := os.Getenv("PULSE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
