package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validPolicies = map[string]bool{
	"": true, "round_robin": true, "weighted": true, "least_conn": true,
}

var validMatchTypes = map[string]bool{
	"": true, "exact": true, "prefix": true, "regex": true,
}

var validLimitAlgorithms = map[string]bool{
	"": true, "token_bucket": true, "sliding_window": true,
}

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so validation can report them in context.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}

	for name, group := range cfg.Groups {
		if len(group.Backends) == 0 {
			return fmt.Errorf("group %q: at least one backend is required", name)
		}
		if !validPolicies[group.Policy] {
			return fmt.Errorf("group %q: unknown balancer policy %q", name, group.Policy)
		}
		for i, b := range group.Backends {
			if b.URL == "" {
				return fmt.Errorf("group %q: backend %d has no URL", name, i)
			}
			u, err := url.Parse(b.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("group %q: backend %d has invalid URL %q", name, i, b.URL)
			}
			if b.Weight < 0 {
				return fmt.Errorf("group %q: backend %d has negative weight", name, i)
			}
		}
		if hc := group.HealthCheck; hc != nil {
			if hc.Interval < 0 || hc.Timeout < 0 {
				return fmt.Errorf("group %q: negative health check durations", name)
			}
		}
	}

	seen := make(map[string]bool, len(cfg.Routes))
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.ID == "" {
			r.ID = fmt.Sprintf("route-%d", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		seen[r.ID] = true

		if r.Path == "" {
			return fmt.Errorf("route %q: path is required", r.ID)
		}
		if !validMatchTypes[r.MatchType] {
			return fmt.Errorf("route %q: unknown match_type %q", r.ID, r.MatchType)
		}
		if r.MatchType == "regex" {
			if _, err := regexp.Compile(r.Path); err != nil {
				return fmt.Errorf("route %q: invalid path regex: %w", r.ID, err)
			}
		} else if strings.ContainsAny(r.Path, ":*") {
			return fmt.Errorf("route %q: path %q: ':' and '*' are reserved pattern characters; use a regex route", r.ID, r.Path)
		}
		if r.Group == "" {
			return fmt.Errorf("route %q: backend group is required", r.ID)
		}
		if _, ok := cfg.Groups[r.Group]; !ok {
			return fmt.Errorf("route %q: unknown backend group %q", r.ID, r.Group)
		}
		for _, m := range r.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("route %q: invalid method %q", r.ID, m)
			}
		}
		if rl := r.RateLimit; rl != nil {
			if !validLimitAlgorithms[rl.Algorithm] {
				return fmt.Errorf("route %q: unknown rate limit algorithm %q", r.ID, rl.Algorithm)
			}
			if rl.Rate <= 0 {
				return fmt.Errorf("route %q: rate limit rate must be positive", r.ID)
			}
			if rl.Distributed && !cfg.Redis.Enabled {
				return fmt.Errorf("route %q: distributed rate limit requires redis", r.ID)
			}
		}
		if c := r.Cache; c != nil {
			if c.TTL < 0 {
				return fmt.Errorf("route %q: cache ttl must not be negative", r.ID)
			}
			if c.Redis && !cfg.Redis.Enabled {
				return fmt.Errorf("route %q: redis cache store requires redis", r.ID)
			}
		}
		if r.Retry.MaxRetries < 0 {
			return fmt.Errorf("route %q: max_retries must not be negative", r.ID)
		}
	}

	if len(cfg.Auth.APIKeys) > 0 {
		for i, k := range cfg.Auth.APIKeys {
			if k.Key == "" {
				return fmt.Errorf("auth: api key %d is empty", i)
			}
		}
	}

	return nil
}
