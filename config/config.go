// Package config provides YAML configuration loading with validation and
// environment variable substitution for the findata client. Every numeric
// threshold is validated at load time — an invalid value fails fast before
// any call is attempted.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	API            APIConfig                  `yaml:"api" json:"api"`
	Retry          RetryConfig                `yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerConfig       `yaml:"circuit_breaker" json:"circuit_breaker"`
	RateLimit      RateLimitConfig            `yaml:"rate_limit" json:"rate_limit"`
	RateOverrides  map[string]RateLimitConfig `yaml:"rate_overrides" json:"rate_overrides,omitempty"`
	Bulk           BulkConfig                 `yaml:"bulk" json:"bulk"`
	Redis          RedisConfig                `yaml:"redis" json:"redis"`
	Metrics        MetricsConfig              `yaml:"metrics" json:"metrics"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// APIConfig holds remote service connection settings.
type APIConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	APIKey    string `yaml:"api_key" json:"-"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// RetryConfig holds the retry policy settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Backoff     string        `yaml:"backoff" json:"backoff"` // fixed, linear, exponential, fibonacci, adaptive
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter      *bool         `yaml:"jitter" json:"jitter"` // default: true
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
}

// JitterEnabled returns whether retry jitter is enabled (defaults to true).
func (r RetryConfig) JitterEnabled() bool {
	if r.Jitter == nil {
		return true
	}
	return *r.Jitter
}

// CircuitBreakerConfig holds breaker settings applied to all service keys.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	HalfOpenMax      int           `yaml:"half_open_max" json:"half_open_max"`
}

// RateLimitConfig holds admission control settings for one category.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
	Strategy    string        `yaml:"strategy" json:"strategy"` // sliding_window, fixed_window, token_bucket
	Burst       int           `yaml:"burst" json:"burst"`
	Disabled    bool          `yaml:"disabled" json:"disabled"`
}

// BulkConfig holds multi-item request settings.
type BulkConfig struct {
	MaxItems        int           `yaml:"max_items" json:"max_items"` // absolute cap per bulk request
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay" json:"inter_chunk_delay"`
	TimeoutBase     time.Duration `yaml:"timeout_base" json:"timeout_base"`
	TimeoutPerItem  time.Duration `yaml:"timeout_per_item" json:"timeout_per_item"`
	TimeoutMax      time.Duration `yaml:"timeout_max" json:"timeout_max"`
}

// RedisConfig holds optional breaker state persistence settings. When
// disabled (or unreachable at startup) breaker state is in-memory only.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

// MetricsConfig holds the Prometheus endpoint settings for the CLI.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled    *bool  `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	Path       string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ValidBackoffs are the accepted backoff kind strings.
var ValidBackoffs = map[string]bool{
	"fixed":       true,
	"linear":      true,
	"exponential": true,
	"fibonacci":   true,
	"adaptive":    true,
}

// ValidStrategies are the accepted rate limit strategy strings.
var ValidStrategies = map[string]bool{
	"sliding_window": true,
	"fixed_window":   true,
	"token_bucket":   true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.UserAgent == "" {
		cfg.API.UserAgent = "findata-core"
	}

	// Retry defaults
	r := &cfg.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.Backoff == "" {
		r.Backoff = "exponential"
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = 500 * time.Millisecond
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.RecoveryTimeout == 0 {
		cb.RecoveryTimeout = 30 * time.Second
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 2
	}
	if cb.HalfOpenMax == 0 {
		cb.HalfOpenMax = 1
	}

	// Rate limit defaults
	applyRateLimitDefaults(&cfg.RateLimit)
	for key, rl := range cfg.RateOverrides {
		applyRateLimitDefaults(&rl)
		cfg.RateOverrides[key] = rl
	}

	// Bulk defaults
	b := &cfg.Bulk
	if b.MaxItems == 0 {
		b.MaxItems = 500
	}
	if b.TimeoutBase == 0 {
		b.TimeoutBase = 5 * time.Second
	}
	if b.TimeoutPerItem == 0 {
		b.TimeoutPerItem = 200 * time.Millisecond
	}
	if b.TimeoutMax == 0 {
		b.TimeoutMax = 30 * time.Second
	}

	// Metrics defaults
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
}

func applyRateLimitDefaults(rl *RateLimitConfig) {
	if rl.MaxRequests == 0 {
		rl.MaxRequests = 10
	}
	if rl.Window == 0 {
		rl.Window = time.Minute
	}
	if rl.Strategy == "" {
		rl.Strategy = "sliding_window"
	}
}

func validate(cfg *Config) error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("api.base_url: host is required")
	}
	if cfg.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required")
	}

	// Retry validation
	r := cfg.Retry
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if !ValidBackoffs[r.Backoff] {
		return fmt.Errorf("retry.backoff must be one of fixed, linear, exponential, fibonacci, adaptive; got %q", r.Backoff)
	}
	if r.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must be non-negative")
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least base_delay")
	}
	if (r.Backoff == "exponential" || r.Backoff == "adaptive") && r.Multiplier <= 1 {
		return fmt.Errorf("retry.multiplier must be greater than 1 for %s backoff", r.Backoff)
	}

	// Circuit breaker validation
	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.recovery_timeout must be positive")
	}
	if cb.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be positive")
	}
	if cb.HalfOpenMax < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max must be positive")
	}

	// Rate limit validation
	if err := validateRateLimit("rate_limit", cfg.RateLimit); err != nil {
		return err
	}
	for key, rl := range cfg.RateOverrides {
		if err := validateRateLimit(fmt.Sprintf("rate_overrides.%s", key), rl); err != nil {
			return err
		}
	}

	// Bulk validation
	b := cfg.Bulk
	if b.MaxItems < 1 {
		return fmt.Errorf("bulk.max_items must be positive")
	}
	if b.InterChunkDelay < 0 {
		return fmt.Errorf("bulk.inter_chunk_delay must be non-negative")
	}
	if b.TimeoutBase <= 0 {
		return fmt.Errorf("bulk.timeout_base must be positive")
	}
	if b.TimeoutPerItem < 0 {
		return fmt.Errorf("bulk.timeout_per_item must be non-negative")
	}
	if b.TimeoutMax < b.TimeoutBase {
		return fmt.Errorf("bulk.timeout_max must be at least timeout_base")
	}

	// Redis validation
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	return nil
}

func validateRateLimit(field string, rl RateLimitConfig) error {
	if rl.Disabled {
		return nil
	}
	if rl.MaxRequests < 1 {
		return fmt.Errorf("%s.max_requests must be positive", field)
	}
	if rl.Window <= 0 {
		return fmt.Errorf("%s.window must be positive", field)
	}
	if rl.Burst < 0 {
		return fmt.Errorf("%s.burst must be non-negative", field)
	}
	if !ValidStrategies[rl.Strategy] {
		return fmt.Errorf("%s.strategy must be one of sliding_window, fixed_window, token_bucket; got %q", field, rl.Strategy)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.API.APIKey, "${") {
		warnings = append(warnings, "api.api_key contains unresolved environment variable")
	}
	if cfg.Redis.Enabled && strings.Contains(cfg.Redis.Password, "${") {
		warnings = append(warnings, "redis.password contains unresolved environment variable")
	}
	return warnings
}
