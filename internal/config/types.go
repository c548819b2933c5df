package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/querykit/internal/expr"
)

// Config holds every option of a querykit process.
type Config struct {
	Diagnostics  DiagnosticsConfig  `koanf:"diagnostics"`
	Logging      LoggingConfig      `koanf:"logging"`
	Client       ClientConfig       `koanf:"client"`
	Cache        CacheConfig        `koanf:"cache"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Invalidation InvalidationConfig `koanf:"invalidation"`
	Broadcast    BroadcastConfig    `koanf:"broadcast"`
	Notify       NotifyConfig       `koanf:"notify"`
}

// DiagnosticsConfig controls the local diagnostics listener.
type DiagnosticsConfig struct {
	Listen ListenConfig `koanf:"listen"`
	// Analytics enables per-request sample logging and the performance endpoint.
	Analytics bool `koanf:"analytics"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// ClientConfig describes the backend the request client talks to.
type ClientConfig struct {
	BaseURL       string `koanf:"baseURL"`
	CacheHeader   string `koanf:"cacheHeader"`
	SessionCookie string `koanf:"sessionCookie"`
}

type CacheConfig struct {
	Freshness  time.Duration   `koanf:"freshness"`
	GCWindow   time.Duration   `koanf:"gcWindow"`
	GCInterval time.Duration   `koanf:"gcInterval"`
	Retry      RetryConfig     `koanf:"retry"`
	Overrides  []CacheOverride `koanf:"overrides"`
}

// RetryConfig bounds read retries. Expression, when set, is a CEL predicate
// over status, kind, failures and message that replaces the default policy.
type RetryConfig struct {
	MaxRetries  int           `koanf:"maxRetries"`
	BackoffBase time.Duration `koanf:"backoffBase"`
	BackoffCap  time.Duration `koanf:"backoffCap"`
	Expression  string        `koanf:"expression"`
}

// CacheOverride pins windows for a single path key.
type CacheOverride struct {
	Key       string        `koanf:"key"`
	Freshness time.Duration `koanf:"freshness"`
	GCWindow  time.Duration `koanf:"gcWindow"`
}

type MetricsConfig struct {
	WindowCapacity int `koanf:"windowCapacity"`
}

// InvalidationConfig replaces the built-in invalidation table when Rules is
// non-empty.
type InvalidationConfig struct {
	Rules []InvalidationRule `koanf:"rules"`
}

type InvalidationRule struct {
	Resource string   `koanf:"resource"`
	Affects  []string `koanf:"affects"`
}

type BroadcastConfig struct {
	Enabled bool        `koanf:"enabled"`
	Channel string      `koanf:"channel"`
	Redis   RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// NotifyConfig overrides user-facing error messages keyed by status, status
// class or error kind.
type NotifyConfig struct {
	Templates map[string]string `koanf:"templates"`
}

var (
	validLevels  = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}
	validFormats = map[string]struct{}{"json": {}, "text": {}, "pretty": {}}
)

// Validate reports the first invalid option.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Diagnostics.Listen.Port <= 0 || c.Diagnostics.Listen.Port > 65535 {
		return fmt.Errorf("config: diagnostics.listen.port invalid: %d", c.Diagnostics.Listen.Port)
	}
	if _, ok := validLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))]; !ok {
		return fmt.Errorf("config: logging.level unsupported: %s", c.Logging.Level)
	}
	if _, ok := validFormats[strings.ToLower(strings.TrimSpace(c.Logging.Format))]; !ok {
		return fmt.Errorf("config: logging.format unsupported: %s", c.Logging.Format)
	}
	if base := strings.TrimSpace(c.Client.BaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: client.baseURL must be an absolute URL: %q", c.Client.BaseURL)
		}
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if c.Metrics.WindowCapacity < 1 {
		return fmt.Errorf("config: metrics.windowCapacity invalid: %d", c.Metrics.WindowCapacity)
	}
	for i, rule := range c.Invalidation.Rules {
		if !strings.HasPrefix(strings.TrimSpace(rule.Resource), "/") {
			return fmt.Errorf("config: invalidation.rules[%d].resource must be a root-relative path", i)
		}
		if len(rule.Affects) == 0 {
			return fmt.Errorf("config: invalidation.rules[%d].affects required", i)
		}
	}
	if c.Broadcast.Enabled {
		if strings.TrimSpace(c.Broadcast.Redis.Address) == "" {
			return errors.New("config: broadcast.redis.address required when broadcast is enabled")
		}
		if strings.TrimSpace(c.Broadcast.Channel) == "" {
			return errors.New("config: broadcast.channel required when broadcast is enabled")
		}
	}
	return nil
}

func (c CacheConfig) validate() error {
	if c.Freshness <= 0 {
		return fmt.Errorf("config: cache.freshness must be positive: %s", c.Freshness)
	}
	if c.GCWindow <= 0 {
		return fmt.Errorf("config: cache.gcWindow must be positive: %s", c.GCWindow)
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("config: cache.gcInterval must be positive: %s", c.GCInterval)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: cache.retry.maxRetries invalid: %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffBase <= 0 {
		return fmt.Errorf("config: cache.retry.backoffBase must be positive: %s", c.Retry.BackoffBase)
	}
	if c.Retry.BackoffCap < c.Retry.BackoffBase {
		return fmt.Errorf("config: cache.retry.backoffCap %s below backoffBase %s", c.Retry.BackoffCap, c.Retry.BackoffBase)
	}
	if expression := strings.TrimSpace(c.Retry.Expression); expression != "" {
		env, err := expr.NewRetryEnvironment()
		if err != nil {
			return err
		}
		if _, err := env.Compile(expression); err != nil {
			return fmt.Errorf("config: cache.retry.expression: %w", err)
		}
	}
	for i, override := range c.Overrides {
		if strings.TrimSpace(override.Key) == "" {
			return fmt.Errorf("config: cache.overrides[%d].key required", i)
		}
		if override.Freshness <= 0 || override.GCWindow <= 0 {
			return fmt.Errorf("config: cache.overrides[%d] windows must be positive", i)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Diagnostics: DiagnosticsConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    9090,
			},
		},
		Logging: LoggingConfig{
			Level:             "info",
			Format:            "json",
			CorrelationHeader: "X-Request-ID",
		},
		Client: ClientConfig{
			BaseURL:     "http://localhost:5000",
			CacheHeader: "X-Cache",
		},
		Cache: CacheConfig{
			Freshness:  30 * time.Second,
			GCWindow:   5 * time.Minute,
			GCInterval: time.Minute,
			Retry: RetryConfig{
				MaxRetries:  2,
				BackoffBase: time.Second,
				BackoffCap:  30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			WindowCapacity: 100,
		},
		Broadcast: BroadcastConfig{
			Channel: "querykit:invalidate",
		},
	}
}
