// Package config provides Viper-based configuration loading for the gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds websocket transport settings.
type ServerConfig struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr"`
	// Path is the websocket upgrade endpoint.
	Path string `mapstructure:"path"`
	// AllowedOrigins lists accepted Origin headers; "*" accepts any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ReadTimeout is how long a connection may stay silent before the read fails.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReadLimit is the largest inbound frame in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
	// SendBuffer is the per-client outbound frame buffer.
	SendBuffer int `mapstructure:"send_buffer"`
	// FrameRate and FrameBurst configure the per-client frame flood guard.
	// A zero FrameRate disables it.
	FrameRate  float64 `mapstructure:"frame_rate"`
	FrameBurst int     `mapstructure:"frame_burst"`
}

// GatewayConfig holds orchestrator settings.
type GatewayConfig struct {
	// InstanceID tags bus messages from this process; generated when empty.
	InstanceID           string        `mapstructure:"instance_id"`
	MaxConnections       int           `mapstructure:"max_connections"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
	RPCTimeout           time.Duration `mapstructure:"rpc_timeout"`
	MaxIntegrityFailures int           `mapstructure:"max_integrity_failures"`
}

// SecurityConfig holds authentication and abuse-prevention settings.
type SecurityConfig struct {
	MaxConnectionsPerIP     int           `mapstructure:"max_connections_per_ip"`
	MaxConnectionsPerDevice int           `mapstructure:"max_connections_per_device"`
	SessionTimeout          time.Duration `mapstructure:"session_timeout"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	ConnectionRateMax       int           `mapstructure:"connection_rate_max"`
	ConnectionRateWindow    time.Duration `mapstructure:"connection_rate_window"`
	MessageRateMax          int           `mapstructure:"message_rate_max"`
	MessageRateWindow       time.Duration `mapstructure:"message_rate_window"`
	FailedAttemptLimit      int           `mapstructure:"failed_attempt_limit"`
	FailedAttemptWindow     time.Duration `mapstructure:"failed_attempt_window"`
	MaxMessageSize          int           `mapstructure:"max_message_size"`
	// Denylist adds regular expressions to the built-in content signatures.
	Denylist []string `mapstructure:"denylist"`
	// PolicyRule is an optional expr boolean rule deciding AuthorizeAction.
	PolicyRule string `mapstructure:"policy_rule"`
}

// QueueConfig holds offline queue settings.
type QueueConfig struct {
	MaxSize int           `mapstructure:"max_size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RedisConfig holds distributed store settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// Output is "stderr", "stdout" or a file path.
	Output string `mapstructure:"output"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Security SecurityConfig `mapstructure:"security"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateGateway(c.Gateway) },
		func() error { return validateSecurity(c.Security) },
		func() error { return validateQueue(c.Queue) },
		func() error { return validateRedis(c.Redis) },
		func() error { return validateLogging(c.Logging) },
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if !strings.HasPrefix(s.Path, "/") {
		errs = append(errs, fmt.Sprintf("server.path must start with /, got %q", s.Path))
	}
	if s.ReadTimeout <= 0 {
		errs = append(errs, "server.read_timeout must be positive")
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}
	if s.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("server.read_limit must be >= 1, got %d", s.ReadLimit))
	}
	if s.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("server.send_buffer must be >= 1, got %d", s.SendBuffer))
	}
	if s.FrameRate < 0 {
		errs = append(errs, "server.frame_rate must not be negative")
	}
	if s.FrameRate > 0 && s.FrameBurst < 1 {
		errs = append(errs, "server.frame_burst must be >= 1 when server.frame_rate is set")
	}
	return join(errs)
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if g.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("gateway.max_connections must be >= 1, got %d", g.MaxConnections))
	}
	if g.PingInterval <= 0 {
		errs = append(errs, "gateway.ping_interval must be positive")
	}
	if g.PingTimeout < g.PingInterval {
		errs = append(errs, "gateway.ping_timeout must not be shorter than gateway.ping_interval")
	}
	if g.RPCTimeout <= 0 {
		errs = append(errs, "gateway.rpc_timeout must be positive")
	}
	if g.MaxIntegrityFailures < 1 {
		errs = append(errs, fmt.Sprintf("gateway.max_integrity_failures must be >= 1, got %d", g.MaxIntegrityFailures))
	}
	return join(errs)
}

func validateSecurity(s SecurityConfig) error {
	var errs []string
	if s.MaxConnectionsPerIP < 1 {
		errs = append(errs, fmt.Sprintf("security.max_connections_per_ip must be >= 1, got %d", s.MaxConnectionsPerIP))
	}
	if s.MaxConnectionsPerDevice < 1 {
		errs = append(errs, fmt.Sprintf("security.max_connections_per_device must be >= 1, got %d", s.MaxConnectionsPerDevice))
	}
	if s.MaxConnectionsPerDevice > s.MaxConnectionsPerIP {
		errs = append(errs, "security.max_connections_per_device must not exceed security.max_connections_per_ip")
	}
	if s.SessionTimeout <= 0 {
		errs = append(errs, "security.session_timeout must be positive")
	}
	if s.SweepInterval <= 0 {
		errs = append(errs, "security.sweep_interval must be positive")
	}
	if s.ConnectionRateMax < 1 || s.ConnectionRateWindow <= 0 {
		errs = append(errs, "security.connection_rate_max and connection_rate_window must be positive")
	}
	if s.MessageRateMax < 1 || s.MessageRateWindow <= 0 {
		errs = append(errs, "security.message_rate_max and message_rate_window must be positive")
	}
	if s.FailedAttemptLimit < 1 || s.FailedAttemptWindow <= 0 {
		errs = append(errs, "security.failed_attempt_limit and failed_attempt_window must be positive")
	}
	if s.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("security.max_message_size must be >= 1, got %d", s.MaxMessageSize))
	}
	return join(errs)
}

func validateQueue(q QueueConfig) error {
	var errs []string
	if q.MaxSize < 1 {
		errs = append(errs, fmt.Sprintf("queue.max_size must be >= 1, got %d", q.MaxSize))
	}
	if q.TTL < 0 {
		errs = append(errs, "queue.ttl must not be negative")
	}
	return join(errs)
}

func validateRedis(r RedisConfig) error {
	if !r.Enabled {
		return nil
	}
	var errs []string
	if r.Addr == "" {
		errs = append(errs, "redis.addr must not be empty when redis is enabled")
	}
	if r.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
	}
	return join(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func join(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.New(strings.Join(errs, "; "))
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and the
// environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in defaults.
func Default() Config {
	var cfg Config
	// Defaults always decode; the error path is unreachable.
	_ = newViper().Unmarshal(&cfg)
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with KEPHASGATE_ prefix
	v.SetEnvPrefix("KEPHASGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.frame_rate", 100)
	v.SetDefault("server.frame_burst", 200)

	v.SetDefault("gateway.instance_id", "")
	v.SetDefault("gateway.max_connections", 10000)
	v.SetDefault("gateway.ping_interval", "30s")
	v.SetDefault("gateway.ping_timeout", "90s")
	v.SetDefault("gateway.rpc_timeout", "30s")
	v.SetDefault("gateway.max_integrity_failures", 3)

	v.SetDefault("security.max_connections_per_ip", 10)
	v.SetDefault("security.max_connections_per_device", 5)
	v.SetDefault("security.session_timeout", "30m")
	v.SetDefault("security.sweep_interval", "60s")
	v.SetDefault("security.connection_rate_max", 20)
	v.SetDefault("security.connection_rate_window", "60s")
	v.SetDefault("security.message_rate_max", 100)
	v.SetDefault("security.message_rate_window", "60s")
	v.SetDefault("security.failed_attempt_limit", 5)
	v.SetDefault("security.failed_attempt_window", "300s")
	v.SetDefault("security.max_message_size", 1<<20)
	v.SetDefault("security.denylist", []string{})
	v.SetDefault("security.policy_rule", "")

	v.SetDefault("queue.max_size", 100)
	v.SetDefault("queue.ttl", "24h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}
