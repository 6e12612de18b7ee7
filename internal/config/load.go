package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override,
// e.g. CASEWORK_SERVER_PORT or CASEWORK_DATABASE_URL.
const EnvPrefix = "CASEWORK"

// Loader wraps a viper instance so the same sources can be re-read on change.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate
}

// NewLoader prepares a loader reading defaults, an optional config file and
// environment variables, in increasing order of precedence. An empty path
// searches for config.yaml in the working directory and ignores its absence.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return &Loader{v: v, validate: validator.New()}, nil
}

// Config unmarshals and validates the current view of all sources.
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := checkBackends(cfg.Providers.Backends); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the config file whenever it changes on disk and hands every
// valid result to onChange. Invalid edits are reported to onError and skipped.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Config()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Load reads configuration from config.yaml (if present) and environment variables.
// Environment variables take precedence over values from config files.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

func checkBackends(backends []BackendConfig) error {
	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		if seen[b.ID] {
			return fmt.Errorf("duplicate provider backend id %q", b.ID)
		}
		seen[b.ID] = true
		if b.Kind == "gemini" && b.Enabled && b.APIKey == "" {
			return fmt.Errorf("provider backend %q: api_key is required for gemini", b.ID)
		}
		if b.Kind == "ollama" && b.Endpoint == "" {
			return fmt.Errorf("provider backend %q: endpoint is required for ollama", b.ID)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime", time.Hour)

	v.SetDefault("scheduler.categories", []map[string]any{
		{"name": "memory_capture", "ceiling": 2, "backlog": 50, "executor": "command"},
		{"name": "disk_imaging", "ceiling": 2, "backlog": 50, "executor": "command"},
		{"name": "log_analysis", "ceiling": 5, "backlog": 200, "executor": "command"},
		{"name": "triage", "ceiling": 4, "backlog": 200, "executor": "analysis"},
	})
	v.SetDefault("scheduler.default_max_attempts", 3)
	v.SetDefault("scheduler.retry.base", 2*time.Second)
	v.SetDefault("scheduler.retry.multiplier", 2.0)
	v.SetDefault("scheduler.retry.max_delay", 2*time.Minute)
	v.SetDefault("scheduler.cancel_grace", 10*time.Second)

	v.SetDefault("providers.unavailable_threshold", 3)
	v.SetDefault("providers.health_interval", 30*time.Second)
	v.SetDefault("providers.stats_window", 50)
	v.SetDefault("providers.local_patterns", true)
	v.SetDefault("providers.default_timeout", 60*time.Second)

	v.SetDefault("stream.retained_size", 1000)
	v.SetDefault("stream.subscriber_buffer", 256)
	v.SetDefault("stream.retention_grace", 10*time.Minute)
	v.SetDefault("stream.janitor_interval", time.Minute)

	v.SetDefault("permissions.policy_file", "")
	v.SetDefault("permissions.global_rate", 50.0)
	v.SetDefault("permissions.global_burst", 200)
	v.SetDefault("permissions.roles", []map[string]any{
		{
			"name": "investigator",
			"capabilities": []string{
				"task:submit", "task:cancel", "task:read", "stream:subscribe",
				"provider:generate", "process:read",
			},
			"rate_limit":  120,
			"rate_window": time.Minute,
		},
		{
			"name":         "observer",
			"capabilities": []string{"task:read", "stream:subscribe", "process:read"},
			"rate_limit":   60,
			"rate_window":  time.Minute,
		},
		{
			"name": "admin",
			"capabilities": []string{
				"task:submit", "task:cancel", "task:read", "stream:subscribe",
				"provider:generate", "provider:admin", "process:read", "metrics:read",
			},
		},
	})

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "casework")
}
