package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix namespaces environment overrides.
const DefaultEnvPrefix = "QUERYKIT"

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Later files override earlier ones.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the configured file paths.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles and validates the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	canonical := canonicalKeys(k.Keys())

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__RETRY__MAXRETRIES -> cache.retry.maxRetries).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			// Single underscores are dropped so MAX_RETRIES and MAXRETRIES land on the same key.
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

// canonicalKeys maps lower-cased, underscore-free keys to their camelCase form.
func canonicalKeys(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[strings.ToLower(strings.ReplaceAll(key, "_", ""))] = key
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"diagnostics": map[string]any{
			"listen": map[string]any{
				"address": cfg.Diagnostics.Listen.Address,
				"port":    cfg.Diagnostics.Listen.Port,
			},
			"analytics": cfg.Diagnostics.Analytics,
		},
		"logging": map[string]any{
			"level":             cfg.Logging.Level,
			"format":            cfg.Logging.Format,
			"correlationHeader": cfg.Logging.CorrelationHeader,
		},
		"client": map[string]any{
			"baseURL":       cfg.Client.BaseURL,
			"cacheHeader":   cfg.Client.CacheHeader,
			"sessionCookie": cfg.Client.SessionCookie,
		},
		"cache": map[string]any{
			"freshness":  cfg.Cache.Freshness.String(),
			"gcWindow":   cfg.Cache.GCWindow.String(),
			"gcInterval": cfg.Cache.GCInterval.String(),
			"retry": map[string]any{
				"maxRetries":  cfg.Cache.Retry.MaxRetries,
				"backoffBase": cfg.Cache.Retry.BackoffBase.String(),
				"backoffCap":  cfg.Cache.Retry.BackoffCap.String(),
				"expression":  cfg.Cache.Retry.Expression,
			},
		},
		"metrics": map[string]any{
			"windowCapacity": cfg.Metrics.WindowCapacity,
		},
		"broadcast": map[string]any{
			"enabled": cfg.Broadcast.Enabled,
			"channel": cfg.Broadcast.Channel,
			"redis": map[string]any{
				"address":  cfg.Broadcast.Redis.Address,
				"username": cfg.Broadcast.Redis.Username,
				"password": cfg.Broadcast.Redis.Password,
				"db":       cfg.Broadcast.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Broadcast.Redis.TLS.Enabled,
					"caFile":  cfg.Broadcast.Redis.TLS.CAFile,
				},
			},
		},
	}
}
