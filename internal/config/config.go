package config

import (
	"time"
)

// Config is the complete gateway configuration.
type Config struct {
	Listen   string                 `yaml:"listen"`
	Logging  LoggingConfig          `yaml:"logging"`
	Metrics  MetricsConfig          `yaml:"metrics"`
	Redis    RedisConfig            `yaml:"redis"`
	Auth     AuthConfig             `yaml:"auth"`
	Groups   map[string]GroupConfig `yaml:"groups"`
	Routes   []RouteConfig          `yaml:"routes"`
	Timeouts TimeoutConfig          `yaml:"timeouts"`
	Shutdown ShutdownConfig         `yaml:"shutdown"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RedisConfig enables distributed rate limiting and the Redis cache store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds credential verification settings. The gateway verifies
// credentials; issuing them is an external concern.
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys"`
	JWT     JWTConfig      `yaml:"jwt"`
}

// APIKeyConfig maps a static API key to an identity.
type APIKeyConfig struct {
	Key     string   `yaml:"key"`
	Subject string   `yaml:"subject"`
	Scopes  []string `yaml:"scopes"`
}

// JWTConfig configures HMAC JWT verification.
type JWTConfig struct {
	Secret      string `yaml:"secret"`
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	ScopesClaim string `yaml:"scopes_claim"`
}

// GroupConfig defines a named backend group.
type GroupConfig struct {
	Policy      string             `yaml:"policy"` // round_robin, weighted, least_conn
	Backends    []BackendConfig    `yaml:"backends"`
	HealthCheck *HealthCheckConfig `yaml:"health_check"`
}

// BackendConfig defines one upstream target.
type BackendConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// HealthCheckConfig configures active probing for a group.
type HealthCheckConfig struct {
	Path           string        `yaml:"path"`
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	HealthyAfter   int           `yaml:"healthy_after"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
}

// RouteConfig binds a match pattern to a backend group and per-route policies.
type RouteConfig struct {
	ID        string   `yaml:"id"`
	Host      string   `yaml:"host"`       // empty or "*" = wildcard catch-all
	Path      string   `yaml:"path"`
	MatchType string   `yaml:"match_type"` // exact, prefix, regex
	Methods   []string `yaml:"methods"`
	Group     string   `yaml:"group"`

	Auth      RouteAuthConfig  `yaml:"auth"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	Cache     *CacheConfig     `yaml:"cache"`
	Retry     RetryConfig      `yaml:"retry"`
	Timeout   time.Duration    `yaml:"timeout"`
}

// RouteAuthConfig controls the authentication stage for a route.
type RouteAuthConfig struct {
	Required bool     `yaml:"required"`
	Methods  []string `yaml:"methods"` // api_key, jwt; empty = all configured
	Scopes   []string `yaml:"scopes"`  // required scopes; empty = any identity
}

// RateLimitConfig configures the rate-limit stage for a route.
type RateLimitConfig struct {
	Algorithm   string        `yaml:"algorithm"` // token_bucket, sliding_window
	Rate        int           `yaml:"rate"`
	Period      time.Duration `yaml:"period"`
	Burst       int           `yaml:"burst"`
	Key         string        `yaml:"key"` // ip, subject, header:<name>
	Distributed bool          `yaml:"distributed"`
}

// CacheConfig configures the response cache for a route.
type CacheConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxEntries  int           `yaml:"max_entries"`
	MaxBodySize int64         `yaml:"max_body_size"`
	Methods     []string      `yaml:"methods"`
	KeyHeaders  []string      `yaml:"key_headers"`
	Coalesce    bool          `yaml:"coalesce"`
	Redis       bool          `yaml:"redis"`
}

// RetryConfig configures bounded retries against other healthy backends.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
	RetryableMethods  []string      `yaml:"retryable_methods"`
	PerTryTimeout     time.Duration `yaml:"per_try_timeout"`
}

// TimeoutConfig holds gateway-wide timeout defaults.
type TimeoutConfig struct {
	Request time.Duration `yaml:"request"`
	Idle    time.Duration `yaml:"idle"`
}

// ShutdownConfig controls graceful shutdown.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Timeouts: TimeoutConfig{
			Request: 30 * time.Second,
			Idle:    90 * time.Second,
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 15 * time.Second,
		},
	}
}
